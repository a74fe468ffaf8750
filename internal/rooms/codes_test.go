package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateCodeCanonical(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		code := GenerateCode()
		assert.True(t, ValidCode(code), "generated code %q not canonical", code)
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 95, "codes should not collide in a small sample")
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "abcd-efgh-ijkl", NormalizeCode("  ABCD-EFGH-IJKL \n"))
	assert.True(t, ValidCode(NormalizeCode("AAAA-BBBB-CCCC")))
}

func TestValidCode(t *testing.T) {
	for _, code := range []string{
		"aaaa-bbbb-cccc",
		"zzzz-zzzz-zzzz",
	} {
		assert.True(t, ValidCode(code), code)
	}
	for _, code := range []string{
		"",
		"aaaa-bbbb",
		"AAAA-BBBB-CCCC",
		"aaa1-bbbb-cccc",
		"aaaa_bbbb_cccc",
		"aaaaa-bbbb-ccc",
		" aaaa-bbbb-cccc",
	} {
		assert.False(t, ValidCode(code), code)
	}
}

// Sampling over many codes catches modulo bias: with 24000 letters each of
// the 26 should land near 923, and a biased draw (256 % 26 != 0) pushes the
// first six letters visibly above the rest.
func TestGenerateCodeLettersUniform(t *testing.T) {
	counts := make(map[byte]int)
	for i := 0; i < 2000; i++ {
		for _, c := range []byte(GenerateCode()) {
			if c == '-' {
				continue
			}
			counts[c]++
		}
	}
	assert.Len(t, counts, 26)
	for c, n := range counts {
		assert.Greater(t, n, 600, "letter %c underrepresented", c)
		assert.Less(t, n, 1300, "letter %c overrepresented", c)
	}
}
