package registry

import (
	"crypto/rand"
	"math/big"
)

// subdomainLength and subdomainAlphabet implement spec.md §4.3's literal
// generation rule: "12 lowercase-alphanumeric-with-hyphen characters
// drawn uniformly at random (use a CSPRNG)".
const subdomainLength = 12

const subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789-"

// randomSubdomain draws subdomainLength characters uniformly at random
// from subdomainAlphabet, e.g. "a1b2c3d4e5f6". Same crypto/rand +
// math/big index-draw idiom the teacher's
// internal/services/subdomain.go SubdomainService.Generate uses to pick
// wordlist entries, applied here to single characters instead of words
// since spec.md fixes both the exact length and the character set.
func randomSubdomain() (string, error) {
	out := make([]byte, subdomainLength)
	max := big.NewInt(int64(len(subdomainAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = subdomainAlphabet[n.Int64()]
	}
	return string(out), nil
}
