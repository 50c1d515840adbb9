package core

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// Ext2 is an element a0 + a1·x of the quadratic extension F[x]/(x² - x + 2)
type Ext2 struct {
	A0 field.Element
	A1 field.Element
}

// NewExt2 creates an extension element from its two coefficients
func NewExt2(a0, a1 field.Element) Ext2 {
	return Ext2{A0: a0, A1: a1}
}

// Add performs coefficient-wise addition
func (e Ext2) Add(other Ext2) Ext2 {
	return Ext2{A0: e.A0.Add(other.A0), A1: e.A1.Add(other.A1)}
}

// Mul multiplies two extension elements, reducing with x² = x - 2:
//
//	c0 = a0·b0 - 2·a1·b1
//	c1 = (a0 + a1)(b0 + b1) - a0·b0
func (e Ext2) Mul(other Ext2) Ext2 {
	a0b0 := e.A0.Mul(other.A0)
	a1b1 := e.A1.Mul(other.A1)
	c0 := a0b0.Sub(Two.Mul(a1b1))
	c1 := e.A0.Add(e.A1).Mul(other.A0.Add(other.A1)).Sub(a0b0)
	return Ext2{A0: c0, A1: c1}
}

// Equal checks coefficient-wise equality
func (e Ext2) Equal(other Ext2) bool {
	return e.A0.Equal(other.A0) && e.A1.Equal(other.A1)
}

// IsZero reports whether both coefficients are zero
func (e Ext2) IsZero() bool {
	return e.A0.IsZero() && e.A1.IsZero()
}

// String returns "(a0, a1)"
func (e Ext2) String() string {
	return fmt.Sprintf("(%s, %s)", e.A0.String(), e.A1.String())
}
