// Package sse implements the streaming tap-and-forward relay (spec §4.7
// step 2-4): every byte read off the upstream SSE stream is forwarded to
// the ingress stream verbatim (or through an optional transform) in the
// order received, while `data: ` lines are parsed in parallel to
// accumulate usage records. Grounded on internal/upstream/client.go's
// consumeAndMergeSSE for the "bufio scan an SSE body, type-switch each
// JSON chunk" idiom, adapted from that file's consume-then-merge shape to
// a forward-as-you-go relay since this spec streams to a live client
// rather than buffering a single merged response.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pysugar/claude-relay/internal/models"
)

const rateLimitErrorMarker = "exceed your account's rate limit"

// Transform optionally rewrites a raw line (including its trailing
// newline) before it is forwarded to the ingress stream.
type Transform func(line []byte) []byte

// Tapper relays an upstream SSE body to an ingress writer while
// accumulating usage telemetry.
type Tapper struct {
	Transform Transform
}

// Result is what a completed Relay call reports back to the orchestrator.
type Result struct {
	Usage             models.UsageRecord
	RateLimitDetected bool
}

type messageStartChunk struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreation            *struct {
				Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
				Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
			} `json:"cache_creation"`
		} `json:"usage"`
	} `json:"message"`
}

type messageDeltaChunk struct {
	Type  string `json:"type"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorChunk struct {
	Type  string `json:"type"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// state tracks the in-progress usage record across the line-by-line loop.
type state struct {
	final             models.UsageRecord
	haveFinal         bool
	current           *models.UsageRecord
	haveInputTokens   bool
	rateLimitDetected bool
}

func (s *state) pushCurrent() {
	if s.current == nil {
		return
	}
	s.final.Merge(s.current)
	s.haveFinal = true
	s.current = nil
	s.haveInputTokens = false
}

func (s *state) handleDataLine(data string) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return
	}

	switch probe.Type {
	case "message_start":
		s.pushCurrent()
		var chunk messageStartChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return
		}
		rec := &models.UsageRecord{
			Model:                    chunk.Message.Model,
			InputTokens:              chunk.Message.Usage.InputTokens,
			CacheCreationInputTokens: chunk.Message.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     chunk.Message.Usage.CacheReadInputTokens,
		}
		if chunk.Message.Usage.CacheCreation != nil {
			rec.CacheCreation = &models.CacheCreationUsage{
				Ephemeral5mInputTokens: chunk.Message.Usage.CacheCreation.Ephemeral5mInputTokens,
				Ephemeral1hInputTokens: chunk.Message.Usage.CacheCreation.Ephemeral1hInputTokens,
			}
		}
		s.current = rec
		s.haveInputTokens = true

	case "message_delta":
		var chunk messageDeltaChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return
		}
		if s.current == nil {
			s.current = &models.UsageRecord{}
		}
		s.current.OutputTokens = chunk.Usage.OutputTokens
		if s.haveInputTokens {
			s.pushCurrent()
		}

	case "error":
		var chunk errorChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return
		}
		if strings.Contains(strings.ToLower(chunk.Error.Message), rateLimitErrorMarker) {
			s.rateLimitDetected = true
		}
	}
}

// Relay reads upstream line by line, forwarding every line (transformed,
// if a Transform is set) to ingress in the order received, and returns
// the accumulated usage once upstream is exhausted. If ctx is canceled it
// returns an empty Result and ctx's error.
func (t *Tapper) Relay(ctx context.Context, upstream io.Reader, ingress io.Writer, requestModel string) (Result, error) {
	reader := bufio.NewReader(upstream)
	var st state

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			out := []byte(line)
			if t.Transform != nil {
				out = t.Transform(out)
			}
			if _, err := ingress.Write(out); err != nil {
				return Result{}, fmt.Errorf("sse: write to ingress: %w", err)
			}

			trimmed := strings.TrimRight(line, "\r\n")
			if data, ok := strings.CutPrefix(trimmed, "data: "); ok {
				st.handleDataLine(data)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Result{}, fmt.Errorf("sse: read upstream: %w", readErr)
		}
	}

	if st.current != nil {
		st.pushCurrent()
	}
	if !st.haveFinal {
		st.final.Model = requestModel
	}

	return Result{Usage: st.final, RateLimitDetected: st.rateLimitDetected}, nil
}
