// internal/runlog/runlog.go
// Package runlog writes the raw server output of each run to disk.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mwiater/koboldsweep/internal/sweep"
)

// Logger persists per-run stdout and stderr under Dir.
type Logger struct {
	Dir string
}

// New returns a Logger writing into dir.
func New(dir string) *Logger {
	return &Logger{Dir: dir}
}

// BaseName derives the file stem for a combination: name-value pairs joined
// by underscores, e.g. "gpulayers-12_threads-4".
func BaseName(set sweep.ParameterSet) string {
	if len(set) == 0 {
		return "defaults"
	}
	parts := make([]string, 0, len(set))
	for _, a := range set {
		parts = append(parts, a.Name+"-"+a.Value.String())
	}
	return sanitize(strings.Join(parts, "_"))
}

// sanitize keeps the name a single path element.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '-'
		}
		return r
	}, name)
}

// Paths returns the stdout and stderr log paths for a combination.
func (l *Logger) Paths(set sweep.ParameterSet) (stdout, stderr string) {
	base := BaseName(set)
	return filepath.Join(l.Dir, base+".stdout.log"), filepath.Join(l.Dir, base+".stderr.log")
}

// Persist writes both streams verbatim, replacing earlier files of the same
// combination.
func (l *Logger) Persist(set sweep.ParameterSet, stdout, stderr string) error {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	outPath, errPath := l.Paths(set)
	if err := os.WriteFile(outPath, []byte(stdout), 0o644); err != nil {
		return fmt.Errorf("write stdout log: %w", err)
	}
	if err := os.WriteFile(errPath, []byte(stderr), 0o644); err != nil {
		return fmt.Errorf("write stderr log: %w", err)
	}
	return nil
}
