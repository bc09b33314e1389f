package mls

import "github.com/cisco/go-tls-syntax"

// marshal is a small wrapper so call sites that build AAD or transcript
// hash input from several fields in sequence read as a flat list rather
// than a chain of error checks, matching the teacher's WriteStream usage.
func marshal(vs ...interface{}) ([]byte, error) {
	s := syntax.NewWriteStream()
	for _, v := range vs {
		if err := s.Write(v); err != nil {
			return nil, wrapProtocolError(err, "marshal %T", v)
		}
	}
	return s.Data(), nil
}

func unmarshal(data []byte, v interface{}) error {
	_, err := syntax.Unmarshal(data, v)
	if err != nil {
		return wrapProtocolError(err, "unmarshal %T", v)
	}
	return nil
}
