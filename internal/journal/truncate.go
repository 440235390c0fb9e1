package journal

import (
	"crypto/sha256"
	"encoding/hex"
)

// TruncateBytes keeps the first maxBytes of in. When it cuts, it also reports
// the original size and the hex sha256 of the full input. maxBytes <= 0
// disables truncation.
func TruncateBytes(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}
