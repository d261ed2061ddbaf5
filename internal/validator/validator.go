// Package validator declares the contract used to decide whether an
// inbound request already originates from a genuine Claude Code client
// (in which case the relay must not inject its own Claude Code system
// prompt, spec §4.3 step 8). The real check belongs to the ingress edge
// (out of scope, spec §1); HeuristicValidator below is a reference
// heuristic grounded on the header-chain checks in
// internal/proxy/middleware/auth.go's APIKeyAuth.
package validator

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/pysugar/claude-relay/internal/models"
)

// Request bundles what the validator needs to judge; it mirrors the
// (headers, body, path) triple named in spec §6.
type Request struct {
	Headers http.Header
	Body    models.RequestBody
	Path    string
}

// ClaudeCodeValidator decides whether a request already came from the
// real Claude Code CLI.
type ClaudeCodeValidator interface {
	Validate(req Request) bool
}

var claudeCLIUserAgent = regexp.MustCompile(`(?i)^claude-cli/`)

// HeuristicValidator is a reference ClaudeCodeValidator. It checks, in
// order: a claude-cli/* User-Agent, the presence of the
// x-app: cli header pairing the teacher's outbound baseline
// (spec §6's outbound header set), and metadata.user_id already carrying
// the unified-client-id shape the preparer would otherwise synthesize.
// Any one signal is enough; production deployments are expected to
// replace this with a stronger check (e.g. a signed client attestation).
type HeuristicValidator struct{}

func NewHeuristicValidator() *HeuristicValidator {
	return &HeuristicValidator{}
}

func (HeuristicValidator) Validate(req Request) bool {
	if claudeCLIUserAgent.MatchString(req.Headers.Get("User-Agent")) {
		return true
	}
	if strings.EqualFold(req.Headers.Get("X-App"), "cli") {
		return true
	}
	if metadata, ok := req.Body["metadata"].(map[string]interface{}); ok {
		if userID, ok := metadata["user_id"].(string); ok && strings.HasPrefix(userID, "user_") && strings.Contains(userID, "_account__session_") {
			return true
		}
	}
	return false
}
