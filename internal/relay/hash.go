package relay

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pysugar/claude-relay/internal/models"
)

// SessionHash computes the sticky-session key for a request (spec §3):
// a deterministic digest over the parts of the body that stay stable
// across a multi-turn conversation (the system prompt and the first
// message), so later turns in the same conversation keep routing to the
// same account even as later messages are appended. Requests carrying
// neither field return "", which the scheduler treats as "no affinity".
func SessionHash(body models.RequestBody) string {
	var seed string
	if system, ok := body["system"].(string); ok {
		seed += system
	}
	if messages, ok := body["messages"].([]interface{}); ok && len(messages) > 0 {
		if first, ok := messages[0].(map[string]interface{}); ok {
			if content, ok := first["content"].(string); ok {
				seed += content
			} else if role, ok := first["role"].(string); ok {
				seed += role
			}
		}
	}
	if seed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
