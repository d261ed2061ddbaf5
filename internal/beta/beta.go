// Package beta implements the beta-feature header selector (spec §4.4):
// given a model and client/base beta hints, it emits an ordered,
// comma-joined anthropic-beta value. Grounded on spec §9's "beta header
// rules as data" note: the per-feature applicability rules and the
// canonical ordering are plain data, not control flow.
package beta

import (
	"regexp"
	"strings"
)

// Canonical emission order (spec §4.4); any token not named here is
// appended after, in the order first seen.
var canonicalOrder = []string{
	"claude-code-20250219",
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"fine-grained-tool-streaming-2025-05-14",
	"context-1m-2025-08-07",
	"token-counting-2024-11-01",
}

var sonnetOrOpus = regexp.MustCompile(`(?i)sonnet|opus`)

var interleavedThinkingModels = map[string]bool{
	"claude-sonnet-4-20250514": true,
	"claude-opus-4-20250514":   true,
	"claude-opus-4-1-20250805": true,
}

// applicable reports whether token is permitted for model. Tokens absent
// from this table are always allowed if requested.
func applicable(token, model string) bool {
	switch token {
	case "interleaved-thinking-2025-05-14":
		return interleavedThinkingModels[model]
	case "claude-code-20250219":
		return sonnetOrOpus.MatchString(model)
	default:
		return true
	}
}

// Select builds the anthropic-beta value for model, given the operator's
// base beta string, the client-supplied beta hints, and whether this is a
// count_tokens request.
func Select(model, baseBetaString, clientBetaString string, isCountTokens bool) string {
	seen := make(map[string]bool)
	var tokens []string

	add := func(token string) {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			return
		}
		seen[token] = true
		tokens = append(tokens, token)
	}

	for _, token := range strings.Split(baseBetaString, ",") {
		token = strings.TrimSpace(token)
		if token == "" || !applicable(token, model) {
			continue
		}
		add(token)
	}

	if strings.Contains(clientBetaString, "context-1m-2025-08-07") {
		add("context-1m-2025-08-07")
	}
	if isCountTokens {
		add("token-counting-2024-11-01")
	}

	return order(tokens)
}

// order rearranges tokens into the canonical sequence, appending any
// unrecognized extras (in their original relative order) at the end.
func order(tokens []string) string {
	present := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		present[t] = true
	}

	var ordered []string
	for _, canon := range canonicalOrder {
		if present[canon] {
			ordered = append(ordered, canon)
			delete(present, canon)
		}
	}
	for _, t := range tokens {
		if present[t] {
			ordered = append(ordered, t)
			delete(present, t)
		}
	}

	return strings.Join(ordered, ",")
}
