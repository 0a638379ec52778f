package room

import (
	"crypto/rand"
	"math/big"
)

// CodeLength and CodeAlphabet define the shape of a room code.
const (
	CodeLength   = 6
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// maxCodeAttempts bounds CreateUniqueRoom when the generator keeps colliding.
const maxCodeAttempts = 1000

// CodeGenerator produces candidate room codes.
type CodeGenerator func() (string, error)

// RandomCode draws CodeLength characters uniformly from CodeAlphabet.
func RandomCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(CodeAlphabet)))
	buf := make([]byte, CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		buf[i] = CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
