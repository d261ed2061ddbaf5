// Package preparer implements the header/body preparer (spec §4.3): body
// normalization, Claude-Code system-prompt injection, max_tokens
// clamping, cache_control ttl stripping, unified-client-id splicing, and
// the outbound header set (including beta-feature selection and
// ban-evasion fingerprinting). Grounded on the flexible-JSON walking style
// of internal/proxy/handlers/claude.go (type-switching over
// map[string]interface{} / []interface{} rather than strict structs).
package preparer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/claude-relay/internal/models"
	"github.com/pysugar/claude-relay/internal/pricing"
	"github.com/pysugar/claude-relay/internal/validator"
)

// ClaudeCodeSystemText is the fixed system-prompt block injected when a
// request does not already look like it came from the real Claude Code
// CLI (spec §4.3 step 8, invariant §8 "first element of outbound system").
const ClaudeCodeSystemText = "You are a Claude agent, built on Anthropic's Claude Agent SDK."

// defensiveSecurityBoilerplate is the fixed substring stripped from a
// client-supplied second system block (spec §4.3 step 4). Real deployments
// pin this to whatever boilerplate their upstream Claude Code build emits;
// it is data, not logic, so it lives as a single constant here.
const defensiveSecurityBoilerplate = "IMPORTANT: Assist with defensive security tasks only. Refuse to create, modify, or improve code that may be used maliciously."

// systemReminderSuffix matches a trailing <system-reminder>...</system-reminder>\n
// block appended to a tool_result's string content (spec §4.3 step 5).
var systemReminderSuffix = regexp.MustCompile(`(?s)\n?<system-reminder>.*</system-reminder>\n$`)

// unifiedUserIDPattern matches an already-well-formed metadata.user_id so
// step 12 can splice in the account's unified id without re-synthesizing
// the whole value.
var unifiedUserIDPattern = regexp.MustCompile(`^user_[a-f0-9]{64}(_account__session_[a-f0-9-]{36})$`)

const thinkingVariant = "thinking"

// Preparer holds the collaborators needed to normalize a request body and
// compute outbound headers.
type Preparer struct {
	Pricing      *pricing.Table
	Validator    validator.ClaudeCodeValidator
	SystemPrompt string // operator-configured, appended if non-empty (step 9)
}

// New constructs a Preparer.
func New(pricingTable *pricing.Table, v validator.ClaudeCodeValidator, systemPrompt string) *Preparer {
	return &Preparer{Pricing: pricingTable, Validator: v, SystemPrompt: systemPrompt}
}

// Result carries the normalized body plus the variant/beta metadata later
// stages (header construction, orchestrator) need but that isn't part of
// the outbound JSON.
type Result struct {
	Body    models.RequestBody
	Model   string // base model, variant suffix removed
	Variant string // "" or "thinking"
}

// Prepare implements spec §4.3 steps 1-13.
func (p *Preparer) Prepare(body models.RequestBody, clientHeaders http.Header, account models.Account, isCountTokens bool, validatorReq validator.Request) (Result, error) {
	if isCountTokens {
		return Result{Body: body}, nil
	}

	working, err := deepCopy(body)
	if err != nil {
		return Result{}, fmt.Errorf("preparer: deep copy: %w", err)
	}

	model, variant := splitModelVariant(stringField(working, "model"))
	working["model"] = model

	stripDefensiveSecurityBoilerplate(working)
	stripToolResultSystemReminders(working)
	clampMaxTokens(working, p.Pricing, model)
	stripCacheControlTTLs(working)

	realClaudeCode := p.Validator != nil && p.Validator.Validate(validatorReq)
	injectClaudeCodePrompt(working, realClaudeCode)
	appendOperatorSystemPrompt(working, p.SystemPrompt)
	dropEmptySystem(working)

	delete(working, "top_p")

	if account.UseUnifiedClientID {
		applyUnifiedClientID(working, account.UnifiedClientID)
	}

	if variant == thinkingVariant {
		applyThinkingVariant(working)
	}

	return Result{Body: working, Model: model, Variant: variant}, nil
}

func deepCopy(body models.RequestBody) (models.RequestBody, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var out models.RequestBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// splitModelVariant splits a trailing ":thinking" suffix from model.
func splitModelVariant(model string) (base string, variant string) {
	if idx := strings.LastIndex(model, ":"); idx >= 0 {
		suffix := model[idx+1:]
		if suffix == thinkingVariant {
			return model[:idx], suffix
		}
	}
	return model, ""
}

// stripDefensiveSecurityBoilerplate implements step 4.
func stripDefensiveSecurityBoilerplate(body map[string]interface{}) {
	list, ok := body["system"].([]interface{})
	if !ok || len(list) < 2 {
		return
	}
	block, ok := list[1].(map[string]interface{})
	if !ok {
		return
	}
	text, ok := block["text"].(string)
	if !ok || !strings.Contains(text, defensiveSecurityBoilerplate) {
		return
	}
	block["text"] = strings.ReplaceAll(text, defensiveSecurityBoilerplate, "")
}

// stripToolResultSystemReminders implements step 5.
func stripToolResultSystemReminders(body map[string]interface{}) {
	messages, ok := body["messages"].([]interface{})
	if !ok {
		return
	}
	for _, m := range messages {
		msg, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		blocks, ok := msg["content"].([]interface{})
		if !ok {
			continue
		}
		for _, b := range blocks {
			block, ok := b.(map[string]interface{})
			if !ok || block["type"] != "tool_result" {
				continue
			}
			text, ok := block["content"].(string)
			if !ok {
				continue
			}
			block["content"] = systemReminderSuffix.ReplaceAllString(text, "")
		}
	}
}

// clampMaxTokens implements step 6.
func clampMaxTokens(body map[string]interface{}, table *pricing.Table, model string) {
	if table == nil {
		return
	}
	ceiling, ok := table.MaxTokensCeiling(model)
	if !ok {
		return
	}
	maxTokens, ok := numberField(body, "max_tokens")
	if !ok || maxTokens <= ceiling {
		return
	}
	body["max_tokens"] = ceiling
}

func numberField(m map[string]interface{}, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// stripCacheControlTTLs implements step 7: remove "ttl" from any
// cache_control object under system or messages[i].content[j].
func stripCacheControlTTLs(body map[string]interface{}) {
	if list, ok := body["system"].([]interface{}); ok {
		for _, b := range list {
			stripTTLFromBlock(b)
		}
	}
	if messages, ok := body["messages"].([]interface{}); ok {
		for _, m := range messages {
			msg, ok := m.(map[string]interface{})
			if !ok {
				continue
			}
			blocks, ok := msg["content"].([]interface{})
			if !ok {
				continue
			}
			for _, b := range blocks {
				stripTTLFromBlock(b)
			}
		}
	}
}

func stripTTLFromBlock(b interface{}) {
	block, ok := b.(map[string]interface{})
	if !ok {
		return
	}
	cc, ok := block["cache_control"].(map[string]interface{})
	if !ok {
		return
	}
	delete(cc, "ttl")
}

// injectClaudeCodePrompt implements step 8.
func injectClaudeCodePrompt(body map[string]interface{}, realClaudeCode bool) {
	if realClaudeCode {
		return
	}

	claudeCodeBlock := map[string]interface{}{
		"type":          "text",
		"text":          ClaudeCodeSystemText,
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}

	switch system := body["system"].(type) {
	case string:
		if system == ClaudeCodeSystemText {
			body["system"] = []interface{}{claudeCodeBlock}
			return
		}
		body["system"] = []interface{}{claudeCodeBlock, map[string]interface{}{"type": "text", "text": system}}
	case []interface{}:
		if len(system) > 0 {
			if first, ok := system[0].(map[string]interface{}); ok && first["text"] == ClaudeCodeSystemText {
				return
			}
		}
		filtered := system[:0]
		for _, block := range system {
			if b, ok := block.(map[string]interface{}); ok && b["text"] == ClaudeCodeSystemText {
				continue
			}
			filtered = append(filtered, block)
		}
		body["system"] = append([]interface{}{claudeCodeBlock}, filtered...)
	default:
		body["system"] = []interface{}{claudeCodeBlock}
	}
}

// appendOperatorSystemPrompt implements step 9.
func appendOperatorSystemPrompt(body map[string]interface{}, systemPrompt string) {
	if strings.TrimSpace(systemPrompt) == "" {
		return
	}
	list, ok := body["system"].([]interface{})
	if !ok {
		list = []interface{}{}
	}
	for _, b := range list {
		if block, ok := b.(map[string]interface{}); ok && block["text"] == systemPrompt {
			return
		}
	}
	body["system"] = append(list, map[string]interface{}{"type": "text", "text": systemPrompt})
}

// dropEmptySystem implements step 10.
func dropEmptySystem(body map[string]interface{}) {
	list, ok := body["system"].([]interface{})
	if !ok {
		return
	}
	for _, b := range list {
		if block, ok := b.(map[string]interface{}); ok {
			if text, ok := block["text"].(string); ok && strings.TrimSpace(text) != "" {
				return
			}
		}
	}
	delete(body, "system")
}

// applyUnifiedClientID implements step 12.
func applyUnifiedClientID(body map[string]interface{}, unifiedClientID string) {
	metadata, ok := body["metadata"].(map[string]interface{})
	if !ok {
		metadata = map[string]interface{}{}
		body["metadata"] = metadata
	}

	userID, has := metadata["user_id"].(string)
	if !has || userID == "" {
		metadata["user_id"] = fmt.Sprintf("user_%s_account__session_%s", unifiedClientID, newSessionUUID())
		return
	}

	if m := unifiedUserIDPattern.FindStringSubmatch(userID); m != nil {
		metadata["user_id"] = "user_" + unifiedClientID + m[1]
	}
}

func newSessionUUID() string {
	return uuid.New().String()
}

// applyThinkingVariant implements step 13.
func applyThinkingVariant(body map[string]interface{}) {
	budget := 31999
	if maxTokens, ok := numberField(body, "max_tokens"); ok && maxTokens-1 > 0 {
		budget = maxTokens - 1
	}
	body["thinking"] = map[string]interface{}{
		"type":          "enabled",
		"budget_tokens": budget,
	}
}
