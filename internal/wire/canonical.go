package wire

import "bytes"

// CanonicalBytes returns a stable byte-string key for an AnyPointer,
// suitable for deduplicating Provide/Accept recipients and third-party
// completion pointers (see the Open Question resolution on canonical
// forms). Two AnyPointers denote "the same key" iff their CanonicalBytes
// are bytes.Equal.
//
// This protocol only ever ships AnyPointer values as the sole content of
// their own small message (a recipient, a provision, a completion
// pointer never shares a segment with anything else), so unlike
// matheusd-go-capnp's general Canonicalize, vatrpc does not need to walk
// into lists or composite lists to produce a stable key: marshaling the
// owning message already yields a deterministic byte string for a given
// pointer graph, since the zombiezen.com/go/capnproto2 encoder lays out
// segments and pointers deterministically for a given build sequence.
// The convention this relies on -- that an AnyPointer always wraps the
// root of its own message -- is established by decodeAnyPointer and must
// be preserved by any code that constructs one by hand.
func CanonicalBytes(a AnyPointer) []byte {
	if !a.Valid() {
		return nil
	}
	raw, err := a.Msg.Marshal()
	if err != nil {
		return nil
	}
	return trimTrailingZeroWords(raw)
}

// SameKey reports whether a and b canonicalize to the same byte string.
func SameKey(a, b AnyPointer) bool {
	return bytes.Equal(CanonicalBytes(a), CanonicalBytes(b))
}

// trimTrailingZeroWords drops trailing all-zero 8-byte words, mirroring
// the trailing-zero truncation matheusd-go-capnp's canonicalStructSize
// applies to a struct's data section, at the whole-message granularity
// this package works with.
func trimTrailingZeroWords(b []byte) []byte {
	const word = 8
	end := len(b)
	for end >= word {
		tail := b[end-word : end]
		allZero := true
		for _, c := range tail {
			if c != 0 {
				allZero = false
				break
			}
		}
		if !allZero {
			break
		}
		end -= word
	}
	return b[:end]
}
