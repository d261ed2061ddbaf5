package sse

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRelayForwardsBytesVerbatimInOrder(t *testing.T) {
	upstream := strings.NewReader("event: ping\ndata: {}\n\n")
	var ingress bytes.Buffer

	tapper := &Tapper{}
	if _, err := tapper.Relay(context.Background(), upstream, &ingress, "claude-sonnet-4"); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if ingress.String() != "event: ping\ndata: {}\n\n" {
		t.Fatalf("forwarded = %q; want verbatim copy", ingress.String())
	}
}

func TestRelayAppliesTransform(t *testing.T) {
	upstream := strings.NewReader("data: hello\n")
	var ingress bytes.Buffer

	tapper := &Tapper{Transform: func(line []byte) []byte {
		return bytes.ToUpper(line)
	}}
	if _, err := tapper.Relay(context.Background(), upstream, &ingress, "model"); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if ingress.String() != "DATA: HELLO\n" {
		t.Fatalf("forwarded = %q; want transformed", ingress.String())
	}
}

func TestRelayAccumulatesUsageAcrossMessageStartAndDelta(t *testing.T) {
	stream := `data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":100,"cache_creation_input_tokens":20,"cache_read_input_tokens":5,"cache_creation":{"ephemeral_5m_input_tokens":15,"ephemeral_1h_input_tokens":5}}}}

data: {"type":"content_block_delta","delta":{"text":"hi"}}

data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}

`
	var ingress bytes.Buffer
	tapper := &Tapper{}
	result, err := tapper.Relay(context.Background(), strings.NewReader(stream), &ingress, "fallback-model")
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if result.Usage.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("Model = %q", result.Usage.Model)
	}
	if result.Usage.InputTokens != 100 || result.Usage.OutputTokens != 42 {
		t.Fatalf("tokens = %d/%d; want 100/42", result.Usage.InputTokens, result.Usage.OutputTokens)
	}
	if result.Usage.CacheCreationInputTokens != 20 || result.Usage.CacheReadInputTokens != 5 {
		t.Fatalf("cache tokens = %d/%d", result.Usage.CacheCreationInputTokens, result.Usage.CacheReadInputTokens)
	}
	if result.Usage.CacheCreation == nil || result.Usage.CacheCreation.Ephemeral5mInputTokens != 15 {
		t.Fatalf("cache creation breakdown missing or wrong: %+v", result.Usage.CacheCreation)
	}
	if ingress.Len() != len(stream) {
		t.Fatalf("forwarded %d bytes; want %d", ingress.Len(), len(stream))
	}
}

func TestRelayFlushesTrailingPartialRecordWithoutDelta(t *testing.T) {
	stream := `data: {"type":"message_start","message":{"model":"claude-haiku-4","usage":{"input_tokens":10}}}

`
	var ingress bytes.Buffer
	tapper := &Tapper{}
	result, err := tapper.Relay(context.Background(), strings.NewReader(stream), &ingress, "fallback")
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if result.Usage.Model != "claude-haiku-4" || result.Usage.InputTokens != 10 {
		t.Fatalf("unexpected usage %+v", result.Usage)
	}
	if result.Usage.OutputTokens != 0 {
		t.Fatalf("OutputTokens = %d; want 0 default", result.Usage.OutputTokens)
	}
}

func TestRelayUsesRequestModelWhenStreamCarriesNoUsage(t *testing.T) {
	stream := "event: ping\ndata: {}\n\n"
	var ingress bytes.Buffer
	tapper := &Tapper{}
	result, err := tapper.Relay(context.Background(), strings.NewReader(stream), &ingress, "claude-opus-4")
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if result.Usage.Model != "claude-opus-4" {
		t.Fatalf("Model = %q; want fallback request model", result.Usage.Model)
	}
}

func TestRelayDetectsRateLimitMarkerInErrorEvent(t *testing.T) {
	stream := `data: {"type":"error","error":{"type":"rate_limit_error","message":"You Exceed your account's rate limit for this window"}}

`
	var ingress bytes.Buffer
	tapper := &Tapper{}
	result, err := tapper.Relay(context.Background(), strings.NewReader(stream), &ingress, "model")
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if !result.RateLimitDetected {
		t.Fatal("expected RateLimitDetected = true")
	}
}

func TestRelayIgnoresErrorEventsWithoutRateLimitMarker(t *testing.T) {
	stream := `data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}

`
	var ingress bytes.Buffer
	tapper := &Tapper{}
	result, err := tapper.Relay(context.Background(), strings.NewReader(stream), &ingress, "model")
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if result.RateLimitDetected {
		t.Fatal("expected RateLimitDetected = false")
	}
}

func TestRelayRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ingress bytes.Buffer
	tapper := &Tapper{}
	_, err := tapper.Relay(ctx, strings.NewReader("data: {}\n"), &ingress, "model")
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
}
