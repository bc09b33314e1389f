package mls

// dup returns a fresh copy of b so that callers can retain a secret
// without aliasing the original slice's backing array.
func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// zeroize overwrites b in place. It is called on every path secret, node
// secret, and ratchet secret as soon as it has been consumed, so that a
// later heap scan cannot recover key material from a stale slice.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// dupAll copies each byte slice in a slice of slices into a fresh backing
// array; the inputs are left untouched.
func dupAll(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = dup(b)
	}
	return out
}

func validateEnum(ok bool, reason string, args ...interface{}) error {
	if !ok {
		return invalidParam(reason, args...)
	}
	return nil
}
