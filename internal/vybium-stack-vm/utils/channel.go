package utils

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// Supported transcript hash functions
const (
	HashSHA3   = "sha3"
	HashSHA256 = "sha256"
)

// Channel represents a Fiat-Shamir transcript channel
type Channel struct {
	state    []byte
	proof    []string
	hashFunc string
}

// NewChannel creates a new Fiat-Shamir channel
func NewChannel(hashFunc string) *Channel {
	if hashFunc == "" {
		hashFunc = HashSHA3
	}
	return &Channel{
		state:    []byte{0},
		proof:    make([]string, 0, 64),
		hashFunc: hashFunc,
	}
}

// Send appends data to the channel state
func (c *Channel) Send(data []byte) {
	c.proof = append(c.proof, fmt.Sprintf("send:%s", hex.EncodeToString(data)))
	c.state = c.hash(append(c.state, data...))
}

// SendElements absorbs field elements in little-endian form
func (c *Channel) SendElements(elems []field.Element) {
	buf := make([]byte, 8*len(elems))
	for i, e := range elems {
		binary.LittleEndian.PutUint64(buf[8*i:], e.Value())
	}
	c.Send(buf)
}

// ReceiveRandomFieldElement squeezes a field element from the transcript.
// Values are drawn from 8 bytes of state with rejection of the non-canonical tail.
func (c *Channel) ReceiveRandomFieldElement() field.Element {
	for {
		v := binary.LittleEndian.Uint64(c.state[:8])
		c.state = c.hash(c.state)
		if v < field.P {
			c.proof = append(c.proof, fmt.Sprintf("receiveFieldElement:%d", v))
			return field.New(v)
		}
	}
}

// ReceiveRandomFieldElements squeezes n field elements
func (c *Channel) ReceiveRandomFieldElements(n int) []field.Element {
	out := make([]field.Element, n)
	for i := range out {
		out[i] = c.ReceiveRandomFieldElement()
	}
	return out
}

// State returns the current channel state
func (c *Channel) State() []byte {
	return append([]byte(nil), c.state...)
}

// Proof returns the proof transcript
func (c *Channel) Proof() []string {
	return append([]string(nil), c.proof...)
}

// Digest hashes data with the channel's hash function without touching the transcript
func (c *Channel) Digest(data []byte) []byte {
	return c.hash(data)
}

// hash computes the hash of the input using the configured hash function
func (c *Channel) hash(data []byte) []byte {
	switch c.hashFunc {
	case HashSHA256:
		h := sha256.Sum256(data)
		return h[:]
	default:
		h := sha3.Sum256(data)
		return h[:]
	}
}

// String returns a string representation of the channel proof
func (c *Channel) String() string {
	return strings.Join(c.proof, " ")
}
