// internal/supervisor/outcome.go
package supervisor

import (
	"time"

	"github.com/mwiater/koboldsweep/internal/sweep"
)

// Status is the terminal classification of one run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// Error reasons. They are shown verbatim in the console and the report.
const (
	ReasonOOMInit          = "OOM during init"
	ReasonOOMGeneration    = "OOM during process/gen"
	ReasonPromptFailed     = "Unknown -- prompt failed"
	ReasonEndpointNotFound = "Endpoint not found"
	ReasonNonZeroExit      = "Process exited with non-zero exit code"
	ReasonNoResult         = "Process exited without error, but no result was found"
	ReasonTimedOut         = "Timed out waiting for result"
)

// Outcome is the result of one run. It is produced exactly once per run and
// never modified afterwards. Time holds the server's metrics line on success
// and Reason the failure description on error. ExitCode is set only for
// the non-zero exit failure.
type Outcome struct {
	Status   Status             `json:"result"`
	Params   sweep.ParameterSet `json:"args"`
	Time     string             `json:"time,omitempty"`
	Reason   string             `json:"error,omitempty"`
	Endpoint string             `json:"endpoint,omitempty"`
	Started  time.Time          `json:"started"`
	Elapsed  time.Duration      `json:"elapsed"`
	ExitCode int                `json:"exit_code,omitempty"`
}

// Succeeded reports whether the run produced generation metrics.
func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }

// Detail returns the metrics line for successes and the reason otherwise.
func (o Outcome) Detail() string {
	if o.Time != "" {
		return o.Time
	}
	if o.Reason != "" {
		return o.Reason
	}
	return "?"
}

// Logs holds the raw output captured from one run.
type Logs struct {
	Stdout string
	Stderr string
}
