package filter

// Constructor builds a fresh filter instance. Each run builder and reader
// owns its own instance, so builds running concurrently never share state.
type Constructor func() Filter

// Filter is an approximate-membership filter used to skip runs that
// definitely do not contain a key. Exist may report false positives but
// never false negatives.
type Filter interface {
	Add(key []byte)                // add a key to the filter
	Exist(bitmap, key []byte) bool // probe a previously produced bitmap
	Hash() []byte                  // produce the bitmap for the added keys
	Reset()                        // forget all added keys
	KeyLen() int                   // number of keys added so far
}
