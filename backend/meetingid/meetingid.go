// Package meetingid produces short identifiers meant to be read out or typed
// by people.
package meetingid

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const (
	DefaultLength   = 6
	DefaultAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var ErrInvalidLength = errors.New("meeting id length must be positive")

// Generator knows nothing about existing rooms, callers have to check for
// collisions themselves.
type Generator struct {
	length   int
	alphabet string
}

func NewGenerator(length int) (*Generator, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	return &Generator{
		length:   length,
		alphabet: DefaultAlphabet,
	}, nil
}

func (g *Generator) Length() int {
	return g.length
}

func (g *Generator) New() (string, error) {
	limit := big.NewInt(int64(len(g.alphabet)))
	b := make([]byte, g.length)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = g.alphabet[n.Int64()]
	}
	return string(b), nil
}
