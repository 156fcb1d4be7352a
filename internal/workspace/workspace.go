// Package workspace resolves the runtime's working directory facts: where
// the workspace root is, whether it is a git repository, and where managed
// process logs may be written.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RunsDirName is the workspace subdirectory holding process session logs.
const RunsDirName = ".runs"

// Invariants are the per-turn workspace facts used to gate tool
// availability. They are captured once when a turn's registry snapshot is
// built and never mutated afterwards.
type Invariants struct {
	Root      string
	CWD       string
	IsGitRepo bool
}

// Detect inspects root and returns its invariants. The root must exist and
// be a directory.
func Detect(root string) (Invariants, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Invariants{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Invariants{}, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return Invariants{}, fmt.Errorf("workspace root %s is not a directory", abs)
	}

	inv := Invariants{Root: abs, CWD: abs}
	if gi, err := os.Stat(filepath.Join(abs, ".git")); err == nil && gi.IsDir() {
		inv.IsGitRepo = true
	}
	return inv, nil
}

// RunsDir returns the process log directory, creating it if needed.
func RunsDir(root string) (string, error) {
	dir := filepath.Join(root, RunsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create runs dir: %w", err)
	}
	return dir, nil
}

// LogPath returns the log file path for a session ID, rejecting any ID
// that would escape the runs directory.
func LogPath(root, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("empty session id")
	}
	dir, err := RunsDir(root)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, sessionID+".log")
	cleaned := filepath.Clean(p)
	if !strings.HasPrefix(cleaned, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("session id %q escapes runs directory", sessionID)
	}
	return cleaned, nil
}
