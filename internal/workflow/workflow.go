// Package workflow turns the outcome of a pipeline run into a three-state
// business result and collects per-file errors while a run is in flight.
package workflow

import "fmt"

// Status is the business-level state of a pipeline run or step.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
)

// StepResult is what a single pipeline step reports about itself.
type StepResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Outcome is the raw shape a pipeline run ends in. Err is an infrastructure
// failure that aborted the run; Suspended means the run was stopped before
// it finished (e.g. cancelled); Steps are the per-step reports otherwise.
type Outcome struct {
	Err       error
	Suspended bool
	Steps     []StepResult
}

// Result is the classified outcome handed back to callers.
type Result struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the run succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Classify reduces an Outcome to a Result. A hard failure wins over
// suspension, which wins over step results. Among steps the first failed one
// supplies the message.
func Classify(o Outcome) Result {
	if o.Err != nil {
		return Result{Status: StatusFailed, Error: o.Err.Error()}
	}
	if o.Suspended {
		return Result{Status: StatusSuspended}
	}
	for _, step := range o.Steps {
		if step.Status != StatusFailed {
			continue
		}
		msg := step.Message
		if msg == "" {
			msg = fmt.Sprintf("step %s failed", step.Name)
		}
		return Result{Status: StatusFailed, Error: msg}
	}
	return Result{Status: StatusSuccess}
}

// Failed builds a failed step.
func Failed(name, message string) StepResult {
	return StepResult{Name: name, Status: StatusFailed, Message: message}
}

// Succeeded builds a successful step.
func Succeeded(name string) StepResult {
	return StepResult{Name: name, Status: StatusSuccess}
}

// LedgerStep reports a step as failed iff the ledger holds any entry.
func LedgerStep(name string, l *Ledger) StepResult {
	if l.Empty() {
		return Succeeded(name)
	}
	return Failed(name, l.String())
}
