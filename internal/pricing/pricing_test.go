package pricing

import (
	"os"
	"path/filepath"
	"testing"
)

func writePricingFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestMaxTokensCeilingKnownModel(t *testing.T) {
	path := writePricingFile(t, `{
		"claude-sonnet-4-20250514": {"max_tokens": 64000},
		"claude-opus-4-1-20250805": {"max_output_tokens": 32000}
	}`)
	table, err := NewTable(path)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	ceiling, ok := table.MaxTokensCeiling("claude-sonnet-4-20250514")
	if !ok || ceiling != 64000 {
		t.Fatalf("MaxTokensCeiling = %d, %v; want 64000, true", ceiling, ok)
	}

	ceiling, ok = table.MaxTokensCeiling("claude-opus-4-1-20250805")
	if !ok || ceiling != 32000 {
		t.Fatalf("MaxTokensCeiling = %d, %v; want 32000, true", ceiling, ok)
	}
}

func TestMaxTokensCeilingUnknownModel(t *testing.T) {
	path := writePricingFile(t, `{"claude-sonnet-4-20250514": {"max_tokens": 64000}}`)
	table, err := NewTable(path)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if _, ok := table.MaxTokensCeiling("unknown-model"); ok {
		t.Fatal("expected unknown model to not clamp")
	}
}

func TestMissingFileDoesNotError(t *testing.T) {
	table, err := NewTable(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if _, ok := table.MaxTokensCeiling("anything"); ok {
		t.Fatal("expected no entries when pricing file is missing")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writePricingFile(t, `{"claude-sonnet-4-20250514": {"max_tokens": 64000}}`)
	table, err := NewTable(path)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"claude-sonnet-4-20250514": {"max_tokens": 8000}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := table.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	ceiling, ok := table.MaxTokensCeiling("claude-sonnet-4-20250514")
	if !ok || ceiling != 8000 {
		t.Fatalf("MaxTokensCeiling after reload = %d, %v; want 8000, true", ceiling, ok)
	}
}
