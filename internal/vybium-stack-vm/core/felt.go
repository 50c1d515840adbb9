// Package core provides the numeric domain of the Vybium Stack VM:
// Goldilocks base field helpers, the quadratic extension field and
// fixed-width digest words.
package core

import (
	"errors"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// Modulus is the Goldilocks prime 2^64 - 2^32 + 1.
const Modulus uint64 = 18446744069414584321

// MaxConstant is the largest canonical field value, 2^64 - 2^32.
const MaxConstant = Modulus - 1

// ErrZeroInverse is returned when inverting the additive identity.
var ErrZeroInverse = errors.New("cannot compute inverse of zero")

// Felt creates a field element from a canonical or unreduced uint64
func Felt(v uint64) field.Element {
	return field.New(v)
}

// Felts converts a slice of uint64 values into field elements
func Felts(values ...uint64) []field.Element {
	out := make([]field.Element, len(values))
	for i, v := range values {
		out[i] = field.New(v)
	}
	return out
}

// Uint64s converts field elements back to their canonical uint64 values
func Uint64s(elems []field.Element) []uint64 {
	out := make([]uint64, len(elems))
	for i, e := range elems {
		out[i] = e.Value()
	}
	return out
}

// IsBinary reports whether x is 0 or 1
func IsBinary(x field.Element) bool {
	return x.IsZero() || x.Equal(field.One)
}

// Inv returns the multiplicative inverse of x. It is partial: zero has no inverse.
func Inv(x field.Element) (field.Element, error) {
	if x.IsZero() {
		return field.Zero, ErrZeroInverse
	}
	return x.Inverse(), nil
}

// InvOrZero returns x^-1 for non-zero x and zero otherwise.
// This is the witness policy used for equality helpers.
func InvOrZero(x field.Element) field.Element {
	if x.IsZero() {
		return field.Zero
	}
	return x.Inverse()
}

// Two is the field element 2
var Two = field.New(2)
