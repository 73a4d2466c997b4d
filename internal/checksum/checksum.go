package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// NormalizeLines lowercases text, collapses runs of whitespace inside each
// line and drops blank lines. Two texts that differ only by incidental
// re-serialization normalize to the same slice.
func NormalizeLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.ToLower(strings.Join(fields, " ")))
	}
	return out
}
