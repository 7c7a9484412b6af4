package engine

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"reimage/internal/logging"
)

// Status describes whether the engine binary can be launched.
type Status struct {
	Available bool
	Path      string
	Error     error
}

// Locate resolves the configured engine. Bare names are looked up on PATH;
// anything containing a separator must exist and be executable.
func Locate(name string) Status {
	if name == "" {
		return Status{Error: fmt.Errorf("no engine configured")}
	}
	if !strings.ContainsRune(name, os.PathSeparator) {
		path, err := exec.LookPath(name)
		if err != nil {
			return Status{Error: err}
		}
		return Status{Available: true, Path: path}
	}

	path, err := filepath.Abs(name)
	if err != nil {
		return Status{Path: name, Error: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Status{Path: path, Error: err}
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return Status{Path: path, Error: fmt.Errorf("%s is not executable", path)}
	}
	return Status{Available: true, Path: path}
}

// Resolve is Locate plus logging; it returns the launchable path.
func Resolve(log *slog.Logger, name string) (string, error) {
	st := Locate(name)
	logging.LogEngineStatus(logging.OrDefault(log), name, st.Available, st.Error)
	if !st.Available {
		return "", fmt.Errorf("engine %q not available: %w", name, st.Error)
	}
	return st.Path, nil
}
