package idgen_test

import (
	"testing"

	"github.com/opaque-relay/relay/internal/idgen"
)

func TestNewIsUniqueAndURLSafe(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := idgen.New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if len(id) == 0 {
			t.Fatal("empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
		for _, r := range id {
			if r == '+' || r == '/' || r == '=' {
				t.Fatalf("id %q is not URL-safe/unpadded", id)
			}
		}
	}
}
