package utils

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

// Join codes are short tokens users type on their phones, so the
// charset drops the easily-confused characters (0/O, 1/I/L).
const joinCodeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	JoinCodeMinLen = 6
	JoinCodeMaxLen = 8
	JoinCodeLen    = 6
)

var joinCodeRe = regexp.MustCompile(`^[A-Z0-9]{6,8}$`)

// GenerateJoinCode returns a random uppercase join code. Uniqueness is
// enforced by the database; callers retry on a unique violation.
func GenerateJoinCode() string {
	b := make([]byte, JoinCodeLen)
	max := big.NewInt(int64(len(joinCodeCharset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is
			// broken; there is no useful recovery here.
			panic(err)
		}
		b[i] = joinCodeCharset[n.Int64()]
	}
	return string(b)
}

// NormalizeJoinCode maps user input onto the stored form: trimmed and
// uppercased. Codes match case-insensitively.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidJoinCode reports whether a normalized code has the expected shape.
func ValidJoinCode(code string) bool {
	return joinCodeRe.MatchString(code)
}
