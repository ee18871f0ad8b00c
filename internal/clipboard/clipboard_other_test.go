//go:build !windows

package clipboard

import (
	"errors"
	"testing"
)

func TestCandidates(t *testing.T) {
	tests := []struct {
		goos  string
		first string
		count int
	}{
		{"darwin", "pbcopy", 1},
		{"linux", "wl-copy", 3},
		{"freebsd", "wl-copy", 3},
	}
	for _, tt := range tests {
		got := candidates(tt.goos)
		if len(got) != tt.count || got[0].name != tt.first {
			t.Errorf("candidates(%q) = %+v", tt.goos, got)
		}
	}
}

func TestUnavailable(t *testing.T) {
	if err := (commandClipboard{}).SetText("x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}
