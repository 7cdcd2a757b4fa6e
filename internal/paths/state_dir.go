package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for workroom state.
// Preference order:
// 1. $XDG_STATE_HOME/workroom
// 2. ~/.local/state/workroom
// 3. $XDG_RUNTIME_DIR/workroom
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "workroom"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "workroom"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "workroom"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "workroom"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// StoreDBPath returns the default path of the durable project store.
func StoreDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "projects.db"), nil
}
