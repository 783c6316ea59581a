package labels

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const pinDigits = 6

// PINGenerator produces the 6-digit access PINs for private labels.
type PINGenerator interface {
	NewPIN() (string, error)
}

type randomPINGenerator struct{}

// NewRandomPINGenerator returns a generator backed by crypto/rand.
func NewRandomPINGenerator() PINGenerator {
	return &randomPINGenerator{}
}

func (g *randomPINGenerator) NewPIN() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < pinDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", pinDigits, value), nil
}
