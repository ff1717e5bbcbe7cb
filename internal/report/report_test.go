package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwiater/koboldsweep/internal/supervisor"
	"github.com/mwiater/koboldsweep/internal/sweep"
)

func outcome(status supervisor.Status, layers float64, detail string) supervisor.Outcome {
	o := supervisor.Outcome{
		Status:  status,
		Params:  sweep.ParameterSet{{Name: "gpulayers", Value: sweep.Number(layers)}},
		Elapsed: 3 * time.Second,
	}
	if status == supervisor.StatusSuccess {
		o.Time = detail
	} else {
		o.Reason = detail
	}
	return o
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFlush_EachCallCreatesNewFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	w := NewWriter(dir, "python -u koboldcpp.py", nil)
	w.now = fixedClock(time.Date(2024, 5, 1, 10, 20, 30, 123e6, time.UTC))

	w.Record(outcome(supervisor.StatusSuccess, 1, "CtxLimit: 120/2048, Process:0.5s"))
	first, err := w.Flush()
	require.NoError(t, err)

	w.Record(outcome(supervisor.StatusError, 2, supervisor.ReasonOOMGeneration))
	second, err := w.Flush()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "2024-05-01T10:20:30.123Z.html"), first)
	assert.Equal(t, filepath.Join(dir, "2024-05-01T10:20:30.123Z-1.html"), second)

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)

	assert.Contains(t, string(a), "--gpulayers 1")
	assert.NotContains(t, string(a), "--gpulayers 2")
	assert.Contains(t, string(b), "--gpulayers 1")
	assert.Contains(t, string(b), "--gpulayers 2")
}

func TestFlush_EmptyReport(t *testing.T) {
	w := NewWriter(t.TempDir(), "python -u koboldcpp.py", nil)
	path, err := w.Flush()
	require.NoError(t, err)

	page, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(page), "<pre><code>python -u koboldcpp.py</code></pre>")
	assert.NotContains(t, string(page), "<td>")
}

func TestFlush_WritesJSONResults(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "cmd", nil)
	w.now = fixedClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	w.Record(outcome(supervisor.StatusSuccess, 1, "CtxLimit: 1"))
	failed := outcome(supervisor.StatusError, 2.5, supervisor.ReasonNonZeroExit)
	failed.ExitCode = 2
	w.Record(failed)
	path, err := w.Flush()
	require.NoError(t, err)

	raw, err := os.ReadFile(strings.TrimSuffix(path, ".html") + ".json")
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 2)

	assert.Equal(t, "success", rows[0]["result"])
	assert.Equal(t, "CtxLimit: 1", rows[0]["time"])
	assert.Equal(t, map[string]any{"gpulayers": 1.0}, rows[0]["args"])
	assert.NotContains(t, rows[0], "error")

	assert.Equal(t, "error", rows[1]["result"])
	assert.Equal(t, supervisor.ReasonNonZeroExit, rows[1]["error"])
	assert.Equal(t, map[string]any{"gpulayers": 2.5}, rows[1]["args"])
	assert.Equal(t, 2.0, rows[1]["exit_code"])
}

func TestFlush_EmptyJSONIsAnArray(t *testing.T) {
	w := NewWriter(t.TempDir(), "cmd", nil)
	path, err := w.Flush()
	require.NoError(t, err)

	raw, err := os.ReadFile(strings.TrimSuffix(path, ".html") + ".json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))
}

func TestRender_Rows(t *testing.T) {
	aborted := outcome(supervisor.StatusAborted, 3, "")
	results := []supervisor.Outcome{
		outcome(supervisor.StatusSuccess, 1, "CtxLimit: 120/2048"),
		outcome(supervisor.StatusError, 2, supervisor.ReasonEndpointNotFound),
		aborted,
	}
	page, err := Render(NewDocument(results, "python -u k.py --port 5001", time.Unix(0, 0)))
	require.NoError(t, err)

	assert.Contains(t, page, "<td>CtxLimit: 120/2048</td>")
	assert.Contains(t, page, "<span class='err'>Endpoint not found</span>")
	assert.Contains(t, page, "<td>?</td>")
	assert.Contains(t, page, ".err { opacity: 0.5; }")
	assert.Contains(t, page, "1970-01-01T00:00:00.000Z")
	assert.Equal(t, 1, strings.Count(page, "✅"))
	assert.Equal(t, 2, strings.Count(page, "❌"))
}

func TestRender_EscapesServerOutput(t *testing.T) {
	o := outcome(supervisor.StatusSuccess, 1, "CtxLimit: <script>")
	page, err := Render(NewDocument([]supervisor.Outcome{o}, "cmd", time.Now()))
	require.NoError(t, err)
	assert.NotContains(t, page, "<script>")
}

func TestWriter_ConcurrentRecordAndFlush(t *testing.T) {
	w := NewWriter(t.TempDir(), "cmd", nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Record(outcome(supervisor.StatusSuccess, float64(i), "CtxLimit: 1"))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := w.Flush()
		assert.NoError(t, err)
	}()
	wg.Wait()
	assert.Equal(t, 20, w.Len())
	assert.Len(t, w.Results(), 20)
}

func TestFlush_WritesMetricsTextfile(t *testing.T) {
	dir := t.TempDir()
	m := NewMetrics()
	m.SetCombinations(2)
	w := NewWriter(dir, "cmd", m)
	w.now = fixedClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	w.Record(outcome(supervisor.StatusSuccess, 1, "CtxLimit: 1"))
	w.Record(outcome(supervisor.StatusError, 2, supervisor.ReasonOOMInit))
	path, err := w.Flush()
	require.NoError(t, err)

	prom, err := os.ReadFile(strings.TrimSuffix(path, ".html") + ".prom")
	require.NoError(t, err)
	text := string(prom)
	assert.Contains(t, text, `result="success"} 1`)
	assert.Contains(t, text, `koboldsweep_runs_total{reason="OOM during init",result="error"} 1`)
	assert.Contains(t, text, "koboldsweep_combinations 2")
}

func TestFormatOutcome(t *testing.T) {
	line := FormatOutcome(outcome(supervisor.StatusError, 4, supervisor.ReasonNonZeroExit))
	assert.Contains(t, line, "❌")
	assert.Contains(t, line, "--gpulayers 4")
	assert.Contains(t, line, supervisor.ReasonNonZeroExit)

	empty := FormatOutcome(supervisor.Outcome{Status: supervisor.StatusAborted})
	assert.Contains(t, empty, "(defaults)")
}
