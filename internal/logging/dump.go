package logging

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pysugar/claude-relay/internal/util"
)

// sensitiveDumpHeaders are masked rather than omitted, so the dump still
// shows that a header was present.
var sensitiveDumpHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"proxy-authorization": true,
}

// Dumper writes per-request archival files under
// logs/dumps/<model>/<timestamp>_<type>.log (spec §6), gated by verbose
// mode. Failures are logged and swallowed (spec §7): a dump is diagnostic
// tooling, never load-bearing for the response path.
type Dumper struct {
	baseDir string
	enabled bool
}

// NewDumper creates a Dumper rooted at baseDir (typically "logs/dumps").
// enabled mirrors the operator's log-level gate (spec §6, "behind
// log-level gate").
func NewDumper(baseDir string, enabled bool) *Dumper {
	return &Dumper{baseDir: baseDir, enabled: enabled}
}

// Dump writes headers (sensitive values masked), body, and metadata for one
// request. requestType is e.g. "request", "response", "stream-error".
func (d *Dumper) Dump(model, requestType, requestID string, headers http.Header, body []byte, metadata map[string]interface{}) {
	if d == nil || !d.enabled {
		return
	}

	dir := filepath.Join(d.baseDir, sanitizeModelForPath(model))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf("⚠️ [dump] failed to create dump dir %s: %v\n", dir, err)
		return
	}

	name := fmt.Sprintf("%d_%s.log", time.Now().UnixNano(), requestType)
	path := filepath.Join(dir, name)

	payload := map[string]interface{}{
		"request_id": requestID,
		"headers":    maskHeaders(headers),
		"body":       util.TruncateBytes(body),
		"metadata":   metadata,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Printf("⚠️ [dump] failed to marshal dump payload: %v\n", err)
		return
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Printf("⚠️ [dump] failed to write dump file %s: %v\n", path, err)
	}
}

func maskHeaders(headers http.Header) map[string][]string {
	out := make(map[string][]string, len(headers))
	for k, values := range headers {
		if sensitiveDumpHeaders[strings.ToLower(k)] {
			masked := make([]string, len(values))
			for i := range values {
				masked[i] = "***"
			}
			out[k] = masked
			continue
		}
		out[k] = values
	}
	return out
}

func sanitizeModelForPath(model string) string {
	if model == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer("/", "_", ":", "_", "..", "_")
	return replacer.Replace(model)
}
