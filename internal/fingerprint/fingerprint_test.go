package fingerprint

import (
	"strings"
	"testing"
)

func TestRandomProducesNonEmptyConsistentTuple(t *testing.T) {
	for i := 0; i < 50; i++ {
		tuple := Random()
		if tuple.UserAgent == "" || tuple.Runtime == "" || tuple.RuntimeVersion == "" {
			t.Fatalf("Random() produced an incomplete tuple: %+v", tuple)
		}
		if strings.HasPrefix(tuple.UserAgent, "claude-cli/") && tuple.Runtime != "node" {
			t.Fatalf("claude-cli UA paired with non-node runtime: %+v", tuple)
		}
		if tuple.OS == "" || tuple.Arch == "" {
			t.Fatalf("Random() left OS/Arch empty: %+v", tuple)
		}
	}
}
