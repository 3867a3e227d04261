// Package json allows for different implementations of JSON serializing, with
// a fast sonic-backed driver as the default.
package json

import (
	"io"

	"github.com/bytedance/sonic"
)

// Driver is the interface for a JSON codec. Implementations must be safe for
// concurrent use.
type Driver interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error

	DecodeStream(r io.Reader, v interface{}) error
	EncodeStream(w io.Writer, v interface{}) error
}

// SonicDriver implements Driver on top of bytedance/sonic with the
// encoding/json-compatible configuration.
type SonicDriver struct{}

func (d SonicDriver) Marshal(v interface{}) ([]byte, error) {
	return sonic.ConfigStd.Marshal(v)
}

func (d SonicDriver) Unmarshal(data []byte, v interface{}) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}

func (d SonicDriver) DecodeStream(r io.Reader, v interface{}) error {
	return sonic.ConfigStd.NewDecoder(r).Decode(v)
}

func (d SonicDriver) EncodeStream(w io.Writer, v interface{}) error {
	return sonic.ConfigStd.NewEncoder(w).Encode(v)
}

// Default is the JSON driver used by the package-level functions. It may be
// swapped out, but only before any other package in this module is used.
var Default Driver = SonicDriver{}

// Marshal uses the default driver.
func Marshal(v interface{}) ([]byte, error) {
	return Default.Marshal(v)
}

// Unmarshal uses the default driver.
func Unmarshal(data []byte, v interface{}) error {
	return Default.Unmarshal(data, v)
}

// DecodeStream uses the default driver.
func DecodeStream(r io.Reader, v interface{}) error {
	return Default.DecodeStream(r, v)
}

// EncodeStream uses the default driver.
func EncodeStream(w io.Writer, v interface{}) error {
	return Default.EncodeStream(w, v)
}
