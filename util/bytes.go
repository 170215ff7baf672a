package util

// CopyBytes returns a copy of b owned by the caller. Used wherever a key or
// value outlives the buffer it arrived in.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
