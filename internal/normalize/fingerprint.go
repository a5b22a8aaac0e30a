package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint is the first 32 hex characters of sha256 over
// "tool:rule:path:start:end:msg" (spec §4.5), matching
// original_source/backend/sarif_normalize.py's _fingerprint().
func Fingerprint(tool, ruleID, path string, startLine, endLine int, msg string) string {
	input := fmt.Sprintf("%s:%s:%s:%d:%d:%s", tool, ruleID, path, startLine, endLine, msg)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:32]
}
