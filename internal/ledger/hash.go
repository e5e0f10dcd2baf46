package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashContent returns the hex SHA-256 of the canonical JSON encoding of v.
// Strings hash their raw bytes so the same text always produces the same
// hash regardless of caller-side encoding.
func HashContent(v any) string {
	var b []byte
	switch t := v.(type) {
	case string:
		b = []byte(t)
	case []byte:
		b = t
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			enc = []byte("unhashable")
		}
		b = enc
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
