package validator

import (
	"net/http"
	"testing"

	"github.com/pysugar/claude-relay/internal/models"
)

func TestHeuristicValidatorRecognizesClaudeCLI(t *testing.T) {
	v := NewHeuristicValidator()
	headers := http.Header{}
	headers.Set("User-Agent", "claude-cli/1.2.3 (external, cli)")
	if !v.Validate(Request{Headers: headers}) {
		t.Fatal("expected claude-cli User-Agent to validate as real Claude Code")
	}
}

func TestHeuristicValidatorRejectsPlainClient(t *testing.T) {
	v := NewHeuristicValidator()
	headers := http.Header{}
	headers.Set("User-Agent", "curl/8.4.0")
	if v.Validate(Request{Headers: headers, Body: models.RequestBody{}}) {
		t.Fatal("expected plain client to not validate as Claude Code")
	}
}

func TestHeuristicValidatorRecognizesUnifiedSessionID(t *testing.T) {
	v := NewHeuristicValidator()
	body := models.RequestBody{
		"metadata": map[string]interface{}{
			"user_id": "user_" + "a" + "_account__session_1234",
		},
	}
	if !v.Validate(Request{Headers: http.Header{}, Body: body}) {
		t.Fatal("expected unified session user_id to validate as real Claude Code")
	}
}
