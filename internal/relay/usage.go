package relay

import (
	"encoding/json"

	"github.com/pysugar/claude-relay/internal/models"
)

// usageFromResponseBody extracts a UsageRecord from a non-streaming
// response's "usage" field (spec §4.7 step 8); if the field is missing or
// unparseable, it falls back to a character-length/4 estimate over the
// response body so a usage record is always emitted.
func usageFromResponseBody(body []byte, model string) models.UsageRecord {
	var parsed struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreation            *struct {
				Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
				Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
			} `json:"cache_creation"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Usage.InputTokens > 0 || parsed.Usage.OutputTokens > 0) {
		record := models.UsageRecord{
			Model:                    firstNonEmpty(parsed.Model, model),
			InputTokens:              parsed.Usage.InputTokens,
			OutputTokens:             parsed.Usage.OutputTokens,
			CacheCreationInputTokens: parsed.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     parsed.Usage.CacheReadInputTokens,
		}
		if parsed.Usage.CacheCreation != nil {
			record.CacheCreation = &models.CacheCreationUsage{
				Ephemeral5mInputTokens: parsed.Usage.CacheCreation.Ephemeral5mInputTokens,
				Ephemeral1hInputTokens: parsed.Usage.CacheCreation.Ephemeral1hInputTokens,
			}
		}
		return record
	}

	return models.UsageRecord{
		Model:        model,
		OutputTokens: estimateTokens(body),
	}
}

func estimateTokens(body []byte) int {
	return len(body) / 4
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
