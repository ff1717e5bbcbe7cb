// internal/report/report.go
// Package report collects run outcomes and renders them as a static HTML
// report with a JSON copy, a styled console line per run and an optional
// metrics textfile.
package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mwiater/koboldsweep/internal/supervisor"
)

// TimestampLayout names report files, e.g. 2024-05-01T10:20:30.123Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Writer accumulates outcomes for the lifetime of a sweep. Record is called
// by the sweep loop and Flush may be called concurrently from the interrupt
// path, so the result list is guarded.
type Writer struct {
	dir     string
	command string
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	results []supervisor.Outcome
}

// NewWriter returns a Writer that writes reports into dir. command is the
// server command line shown in the report header. metrics may be nil.
func NewWriter(dir, command string, metrics *Metrics) *Writer {
	return &Writer{
		dir:     dir,
		command: command,
		metrics: metrics,
		now:     time.Now,
	}
}

// Record appends one outcome. Nothing is written to disk.
func (w *Writer) Record(o supervisor.Outcome) {
	w.mu.Lock()
	w.results = append(w.results, o)
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.Observe(o)
	}
}

// Results returns a copy of the recorded outcomes in record order.
func (w *Writer) Results() []supervisor.Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]supervisor.Outcome(nil), w.results...)
}

// Len returns the number of recorded outcomes.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.results)
}

// Flush renders every outcome recorded so far into a new timestamped HTML
// file and returns its path. The same outcomes are written as JSON next to
// it. Existing reports are never overwritten.
func (w *Writer) Flush() (string, error) {
	at := w.now().UTC()
	results := w.Results()
	doc := NewDocument(results, w.command, at)
	page, err := Render(doc)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}
	f, path, err := createUnique(w.dir, at.Format(TimestampLayout), ".html")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(page); err != nil {
		f.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}

	stem := strings.TrimSuffix(path, ".html")
	if err := writeJSON(stem+".json", results); err != nil {
		return path, err
	}
	if w.metrics != nil {
		if err := w.metrics.WriteTextfile(stem + ".prom"); err != nil {
			return path, err
		}
	}
	return path, nil
}

// createUnique creates dir/stem+ext, or dir/stem-N+ext when that exists.
func createUnique(dir, stem, ext string) (*os.File, string, error) {
	for i := 0; ; i++ {
		name := stem + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create report: %w", err)
		}
	}
}
