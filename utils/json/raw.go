package json

// Raw is a raw JSON value kept as-is through a decode, to be decoded further
// by the consumer. It is a local equivalent of json.RawMessage that works with
// any Driver.
type Raw []byte

// Raw returns itself as a string.
func (r Raw) String() string {
	return string(r)
}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *Raw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}
