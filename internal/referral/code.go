package referral

import (
	"crypto/rand"
	"math/big"
)

// CodeAlphabet omits 0/O and 1/I/L so codes survive being read aloud.
const CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const CodeLength = 8

// NewCode returns a random referral code. Uniqueness is enforced by the store.
func NewCode() (string, error) {
	max := big.NewInt(int64(len(CodeAlphabet)))
	b := make([]byte, CodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = CodeAlphabet[n.Int64()]
	}
	return string(b), nil
}
