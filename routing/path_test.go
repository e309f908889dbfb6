package routing

import "testing"

func TestPathMatcher(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"features/temp", "/features/temp", true},
		{"features/temp", "features/hum", false},
		{"features/+", "features/temp", true},
		{"features/+", "features/temp/properties", false},
		{"features/#", "features/temp/properties/value", true},
		{"features/#", "features", true},
		{"#", "/", true},
		{"attributes", "features", false},
	}
	for _, tt := range tests {
		if got := newPathMatcher(tt.pattern).matches(tt.path); got != tt.want {
			t.Errorf("%q matches %q = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
