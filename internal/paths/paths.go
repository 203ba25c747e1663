package paths

import (
	"os"
	"path/filepath"
)

// DataDir returns the forkline data directory, following XDG conventions:
// $XDG_DATA_HOME/forkline or ~/.local/share/forkline as fallback.
func DataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// ConfigDir returns $XDG_CONFIG_HOME/forkline or ~/.config/forkline.
func ConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

func xdgDir(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(base, "forkline"), nil
}
