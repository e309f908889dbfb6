package routing_test

import (
	"testing"

	"github.com/raujonas/ditto/routing"
)

func TestPrefixLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		clientCount int
		want        int
	}{
		{0, 1}, {1, 1}, {15, 1}, {16, 2}, {255, 2}, {256, 3},
	}
	for _, tt := range tests {
		if got := routing.PrefixLength(tt.clientCount); got != tt.want {
			t.Errorf("PrefixLength(%d) = %d, want %d", tt.clientCount, got, tt.want)
		}
	}
}

func TestPrefixer_Sequence(t *testing.T) {
	t.Parallel()

	var p routing.Prefixer
	for _, want := range []string{"01", "02", "03"} {
		if got := p.Next(16); got != want {
			t.Errorf("Expected prefix %q, got %q", want, got)
		}
	}
}

func TestPrefixer_Cycle(t *testing.T) {
	t.Parallel()

	for _, clientCount := range []int{0, 1, 3, 16, 17} {
		var p routing.Prefixer
		n := max(1, clientCount)
		seen := make(map[string]bool)
		first := p.Next(clientCount)
		seen[first] = true
		for i := 1; i < n; i++ {
			prefix := p.Next(clientCount)
			if len(prefix) != routing.PrefixLength(clientCount) {
				t.Fatalf("clientCount %d: Expected width %d, got %q", clientCount, routing.PrefixLength(clientCount), prefix)
			}
			if seen[prefix] {
				t.Fatalf("clientCount %d: prefix %q repeated before cycle end", clientCount, prefix)
			}
			seen[prefix] = true
		}
		if len(seen) != n {
			t.Errorf("clientCount %d: Expected %d distinct prefixes, got %d", clientCount, n, len(seen))
		}
		if again := p.Next(clientCount); again != first {
			t.Errorf("clientCount %d: Expected cycle to repeat with %q, got %q", clientCount, first, again)
		}
	}
}

func TestExtractPrefix(t *testing.T) {
	t.Parallel()

	if got, ok := routing.ExtractPrefix("0Asession", 2); !ok || got != "0A" {
		t.Errorf("Expected 0A, got %q, %v", got, ok)
	}
	if _, ok := routing.ExtractPrefix("0A", 2); ok {
		t.Error("Expected bare prefix without session part to be rejected")
	}
	if _, ok := routing.ExtractPrefix("A", 2); ok {
		t.Error("Expected short id to be rejected")
	}
}
