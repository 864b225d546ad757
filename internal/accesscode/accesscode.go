// Package accesscode generates short human-typeable access codes.
//
// A code has the form "ABC-123": three uppercase letters, a dash, three
// digits. The generator does not guarantee uniqueness; callers must check
// candidates against the metadata store and retry on collision.
package accesscode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

const (
	letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"

	// Length is the total length of a code, dash included.
	Length = 7
)

var codePattern = regexp.MustCompile(`^[A-Z]{3}-[0-9]{3}$`)

// Generate returns a new random access code drawn uniformly from the
// 26^3 * 10^3 code space using crypto/rand.
func Generate() (string, error) {
	buf := make([]byte, 0, Length)

	for i := 0; i < 3; i++ {
		c, err := randomIndex(len(letters))
		if err != nil {
			return "", err
		}
		buf = append(buf, letters[c])
	}

	buf = append(buf, '-')

	for i := 0; i < 3; i++ {
		c, err := randomIndex(len(digits))
		if err != nil {
			return "", err
		}
		buf = append(buf, digits[c])
	}

	return string(buf), nil
}

// Valid reports whether s is a well-formed access code.
func Valid(s string) bool {
	return codePattern.MatchString(s)
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(v.Int64()), nil
}
