package mls

import (
	"github.com/cisco/go-tls-syntax"
)

// ExtensionType identifies an extension's wire encoding and semantics;
// spec.md §3 names the ParentHash extension explicitly, and this module
// adds the two KeyPackage extensions (capabilities, lifetime) that every
// KeyPackage needs in order to be meaningfully validated.
type ExtensionType uint16

const (
	ExtensionTypeCapabilities ExtensionType = 0x0001
	ExtensionTypeLifetime     ExtensionType = 0x0002
	ExtensionTypeParentHash   ExtensionType = 0x0005
)

// ExtensionBody is implemented by every concrete extension payload so it
// can be marshaled into, and located within, an ExtensionList.
type ExtensionBody interface {
	Type() ExtensionType
}

// Extension is the generic (type, opaque data) wire pair; concrete bodies
// marshal themselves into ExtensionData.
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

// ExtensionList is an ordered, type-keyed bag of extensions attached to a
// KeyPackage, GroupContext, or GroupInfo.
type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

// Add inserts src, replacing any existing entry of the same type.
func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return wrapProtocolError(err, "marshal extension %v", src.Type())
	}

	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	el.Entries = append(el.Entries, Extension{ExtensionType: src.Type(), ExtensionData: data})
	return nil
}

// Find unmarshals the extension of dst's type into dst, reporting whether
// one was present.
func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType != dst.Type() {
			continue
		}
		read, err := syntax.Unmarshal(ext.ExtensionData, dst)
		if err != nil {
			return true, wrapProtocolError(err, "unmarshal extension %v", dst.Type())
		}
		if read != len(ext.ExtensionData) {
			return true, protocolError("extension %v left trailing data", dst.Type())
		}
		return true, nil
	}
	return false, nil
}

// Has reports whether an extension of the given type is present without
// unmarshaling its body.
func (el ExtensionList) Has(t ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == t {
			return true
		}
	}
	return false
}

// ParentHashExtension carries a leaf's parent hash: the hash binding the
// leaf's parent's public key to the tree hash of the leaf's sibling
// subtree, used to verify a TreeKEM UpdatePath's parent-hash chain
// (spec.md §4.2).
type ParentHashExtension struct {
	ParentHash []byte `tls:"head=1"`
}

func (ParentHashExtension) Type() ExtensionType { return ExtensionTypeParentHash }

// CapabilitiesExtension advertises which cipher suites and protocol
// versions a KeyPackage's owner supports.
type CapabilitiesExtension struct {
	Versions     []uint8       `tls:"head=1"`
	CipherSuites []CipherSuite `tls:"head=1"`
}

func (CapabilitiesExtension) Type() ExtensionType { return ExtensionTypeCapabilities }

// LifetimeExtension bounds the validity window of a KeyPackage in Unix
// seconds.
type LifetimeExtension struct {
	NotBefore uint64
	NotAfter  uint64
}

func (LifetimeExtension) Type() ExtensionType { return ExtensionTypeLifetime }

// Valid reports whether now (Unix seconds) falls within [NotBefore, NotAfter].
func (l LifetimeExtension) Valid(now uint64) bool {
	return now >= l.NotBefore && now <= l.NotAfter
}
