// Package pricing loads the model_pricing table (spec §4.3 step 6) used to
// clamp outbound max_tokens. Grounded on the file-loader-with-cache
// pattern of internal/providers/catalog/catalog.go, generalized from YAML
// to JSON since the spec names pricing.json explicitly.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pysugar/claude-relay/internal/retryutil"
)

// entry is the subset of a model's pricing-table row the preparer cares
// about. Unknown/extra JSON fields are ignored.
type entry struct {
	MaxTokens       *int `json:"max_tokens"`
	MaxOutputTokens *int `json:"max_output_tokens"`
}

func (e entry) ceiling() (int, bool) {
	if e.MaxTokens != nil {
		return *e.MaxTokens, true
	}
	if e.MaxOutputTokens != nil {
		return *e.MaxOutputTokens, true
	}
	return 0, false
}

// Table is a reloadable, concurrency-safe model-pricing lookup.
type Table struct {
	path string

	mu      sync.RWMutex
	entries map[string]entry
}

// NewTable loads path once. A missing file is not an error: the preparer's
// max_tokens clamping step is defined to no-op for unknown models, and an
// absent pricing file degrades to "every model is unknown" rather than
// failing startup (spec §7, "Preparer errors... logged; request proceeds
// without that particular enforcement").
func NewTable(path string) (*Table, error) {
	t := &Table{path: path, entries: make(map[string]entry)}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the pricing file from disk. Safe to call concurrently
// with MaxTokensCeiling lookups. A missing file is treated as empty and
// never retried; any other read failure (a transient NFS hiccup, the file
// being rewritten mid-read) is retried with retryutil.Do before giving up.
func (t *Table) Reload() error {
	var data []byte
	readErr := retryutil.Do(context.Background(), retryutil.DefaultAttempts, func() error {
		d, err := os.ReadFile(t.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		data = d
		return nil
	})
	if readErr != nil {
		return fmt.Errorf("pricing: read %s: %w", t.path, readErr)
	}
	if data == nil {
		// os.ReadFile succeeded with nothing to read only when the file
		// doesn't exist; a real empty file yields a non-nil empty slice.
		t.mu.Lock()
		t.entries = make(map[string]entry)
		t.mu.Unlock()
		return nil
	}

	var parsed map[string]entry
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("pricing: parse %s: %w", t.path, err)
	}

	t.mu.Lock()
	t.entries = parsed
	t.mu.Unlock()
	return nil
}

// MaxTokensCeiling returns the configured max_tokens/max_output_tokens
// ceiling for model, and whether the model is present in the table.
func (t *Table) MaxTokensCeiling(model string) (int, bool) {
	t.mu.RLock()
	e, ok := t.entries[model]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return e.ceiling()
}
