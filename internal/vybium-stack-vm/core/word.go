package core

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/hash"
)

// WordLen is the number of field elements in a digest word
const WordLen = 4

// Word is a fixed-width digest of four field elements. It is the key of the
// code block table and the value read by dynamic dispatch.
type Word [WordLen]field.Element

// ZeroWord is the word of four zero elements
var ZeroWord = Word{field.Zero, field.Zero, field.Zero, field.Zero}

// WordFromUint64s builds a word from canonical values
func WordFromUint64s(values [WordLen]uint64) Word {
	var w Word
	for i, v := range values {
		w[i] = field.New(v)
	}
	return w
}

// Uint64s returns the canonical values of the word
func (w Word) Uint64s() [WordLen]uint64 {
	var out [WordLen]uint64
	for i, e := range w {
		out[i] = e.Value()
	}
	return out
}

// Elements returns the word as a slice, element 0 first
func (w Word) Elements() []field.Element {
	out := make([]field.Element, WordLen)
	copy(out, w[:])
	return out
}

// IsZero reports whether all elements are zero
func (w Word) IsZero() bool {
	for _, e := range w {
		if !e.IsZero() {
			return false
		}
	}
	return true
}

// Less orders words lexicographically by canonical value
func (w Word) Less(other Word) bool {
	for i := 0; i < WordLen; i++ {
		a, b := w[i].Value(), other[i].Value()
		if a != b {
			return a < b
		}
	}
	return false
}

// Bytes returns the little-endian byte encoding of the word (32 bytes)
func (w Word) Bytes() []byte {
	out := make([]byte, 0, WordLen*8)
	for _, e := range w {
		v := e.Value()
		for j := 0; j < 8; j++ {
			out = append(out, byte(v>>(j*8)))
		}
	}
	return out
}

// Hex returns the hex encoding of Bytes, prefixed with 0x
func (w Word) Hex() string {
	return "0x" + hex.EncodeToString(w.Bytes())
}

// String returns the word as [e0, e1, e2, e3]
func (w Word) String() string {
	parts := make([]string, WordLen)
	for i, e := range w {
		parts[i] = e.String()
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ", "))
}

// HashElements digests a variable-length sequence of field elements and
// returns the leading four elements of the digest.
func HashElements(elems []field.Element) Word {
	digest := hash.HashVarlen(elems)
	var w Word
	for i := 0; i < WordLen && i < len(digest); i++ {
		w[i] = digest[i]
	}
	return w
}

// ToDigest widens a word to a full hash digest, zero-padding the tail
func (w Word) ToDigest() hash.Digest {
	var d hash.Digest
	for i := 0; i < len(d) && i < WordLen; i++ {
		d[i] = w[i]
	}
	return d
}

// WordFromDigest truncates a hash digest to a word
func WordFromDigest(d hash.Digest) Word {
	var w Word
	for i := 0; i < WordLen && i < len(d); i++ {
		w[i] = d[i]
	}
	return w
}
