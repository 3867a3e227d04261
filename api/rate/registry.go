package rate

import (
	"sync"
	"time"
)

// Registry owns the two maps of the bucket cache: local route key to
// server hash, and composite key to bucket. All mutations are atomic with
// respect to concurrent lookups.
type Registry struct {
	lag time.Duration

	mu      sync.Mutex
	hashes  map[string]string  // local key -> server hash
	buckets map[string]*Bucket // composite key -> bucket
}

// NewRegistry returns an empty registry whose buckets carry the given lag.
func NewRegistry(lag time.Duration) *Registry {
	return &Registry{
		lag:     lag,
		hashes:  make(map[string]string),
		buckets: make(map[string]*Bucket),
	}
}

// CompositeKey builds the registry key for a local route key and an optional
// server hash.
func CompositeKey(hash, local string) string {
	if hash == "" {
		return local
	}
	return hash + ":" + local
}

// Get returns the bucket for the given local key and the composite key it is
// filed under, creating the bucket on first use.
func (r *Registry) Get(local string) (*Bucket, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := CompositeKey(r.hashes[local], local)

	b, ok := r.buckets[key]
	if !ok {
		b = NewBucket(r.lag)
		r.buckets[key] = b
	}
	return b, key
}

// Lookup returns the bucket currently filed under the composite key, or nil.
func (r *Registry) Lookup(key string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets[key]
}

// Migrate rebinds a bucket whose server hash turned out to differ from the
// key it was fetched under. It records local -> hash, refiles the bucket
// under the new composite key, and returns the bucket now holding that key.
// If another request already filed a bucket there, that one wins and the
// outgoing bucket is discarded. The caller must hold the outgoing bucket's
// request mutex.
func (r *Registry) Migrate(local, oldKey string, b *Bucket) (*Bucket, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := b.Hash()
	r.hashes[local] = hash
	key := CompositeKey(hash, local)

	if existing, ok := r.buckets[key]; ok && existing != b {
		if r.buckets[oldKey] == b {
			delete(r.buckets, oldKey)
		}
		return existing, key
	}

	if oldKey != key && r.buckets[oldKey] == b {
		delete(r.buckets, oldKey)
	}
	r.buckets[key] = b
	return b, key
}
