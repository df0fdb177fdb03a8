package config

import (
	"os"
	"path/filepath"
)

// RootDir returns the per-user frameline directory (~/.frameline).
func RootDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".frameline"), nil
}

// FrameDir returns the auxiliary directory for one frame. It holds the tmux
// control socket and anything else scoped to the frame's lifetime.
func FrameDir(root, frameID string) string {
	return filepath.Join(root, "frames", frameID)
}

// TemplateDirs returns the template search path: built-in templates shipped
// next to the binary first, then the user override directory.
func TemplateDirs(root string) []string {
	dirs := []string{}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "templates"))
	}
	dirs = append(dirs, filepath.Join(root, "templates"))
	return dirs
}

// EnsureDirs creates the root layout if missing.
func EnsureDirs(root string) error {
	for _, d := range []string{root, filepath.Join(root, "frames"), filepath.Join(root, "templates")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
