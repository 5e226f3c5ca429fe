package util

import (
	"path/filepath"
	"testing"
)

func TestExpandTilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	resetHomeDir()
	t.Cleanup(resetHomeDir)

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/.ssh/id_rsa", filepath.Join(home, ".ssh", "id_rsa")},
		{"/etc/hosts", "/etc/hosts"},
		{"relative/path", "relative/path"},
		{"~user/file", "~user/file"}, // ~user expansion is not supported
	}

	for _, tt := range tests {
		if got := ExpandTilde(tt.in); got != tt.want {
			t.Errorf("ExpandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
