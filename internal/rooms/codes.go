package rooms

import (
	"crypto/rand"
	"regexp"
	"strings"
)

// codePattern is the canonical room-code shape: xxxx-xxxx-xxxx, lowercase.
var codePattern = regexp.MustCompile(`^[a-z]{4}-[a-z]{4}-[a-z]{4}$`)

const codeAlphabet = "abcdefghijklmnopqrstuvwxyz"

// codeByteLimit is the largest multiple of len(codeAlphabet) that fits in a
// byte. Bytes at or above it are rejected so every letter is equally likely.
const codeByteLimit = 256 - 256%len(codeAlphabet)

// GenerateCode returns a random room code in canonical form, with each
// letter drawn uniformly.
func GenerateCode() string {
	letters := make([]byte, 0, 12)
	buf := make([]byte, 16)
	for len(letters) < 12 {
		if _, err := rand.Read(buf); err != nil {
			panic("room code entropy: " + err.Error())
		}
		for _, c := range buf {
			if int(c) >= codeByteLimit {
				continue
			}
			letters = append(letters, codeAlphabet[int(c)%len(codeAlphabet)])
			if len(letters) == 12 {
				break
			}
		}
	}
	var b strings.Builder
	b.Grow(14)
	for i, c := range letters {
		if i == 4 || i == 8 {
			b.WriteByte('-')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// NormalizeCode lower-cases and trims a client-supplied room code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidCode reports whether a normalized code matches the canonical form.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}
