package util

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	homeDirValue string
	homeDirOnce  sync.Once
	homeDirErr   error
)

// HomeDir returns the user's home directory, caching the result.
func HomeDir() (string, error) {
	homeDirOnce.Do(func() {
		homeDirValue, homeDirErr = os.UserHomeDir()
		if homeDirErr != nil {
			Warnf("os.UserHomeDir() failed: %v", homeDirErr)
		}
	})
	return homeDirValue, homeDirErr
}

// resetHomeDir resets the cached home directory so it will be re-read on the
// next call to HomeDir. Only intended for tests that override $HOME.
func resetHomeDir() {
	homeDirOnce = sync.Once{}
	homeDirValue = ""
	homeDirErr = nil
}

// ExpandTilde expands a leading "~" or "~/" in a path to the user's home
// directory. Paths without a leading tilde are returned unchanged.
func ExpandTilde(path string) string {
	if path == "~" {
		if home, err := HomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := HomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
