package workflow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		outcome  Outcome
		expected Result
	}{
		{"zero value", Outcome{}, Result{Status: StatusSuccess}},
		{
			"all steps succeeded",
			Outcome{Steps: []StepResult{Succeeded("reset"), Succeeded("extract")}},
			Result{Status: StatusSuccess},
		},
		{
			"first failed step wins",
			Outcome{Steps: []StepResult{
				Succeeded("partition"),
				Failed("evaluate", "report.md:\n  - timeout"),
				Failed("later", "ignored"),
			}},
			Result{Status: StatusFailed, Error: "report.md:\n  - timeout"},
		},
		{
			"failed step without message",
			Outcome{Steps: []StepResult{{Name: "extract", Status: StatusFailed}}},
			Result{Status: StatusFailed, Error: "step extract failed"},
		},
		{
			"suspended beats failed steps",
			Outcome{Suspended: true, Steps: []StepResult{Failed("evaluate", "boom")}},
			Result{Status: StatusSuspended},
		},
		{
			"hard failure beats everything",
			Outcome{
				Err:       errors.New("database is locked"),
				Suspended: true,
				Steps:     []StepResult{Succeeded("evaluate")},
			},
			Result{Status: StatusFailed, Error: "database is locked"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.outcome))
		})
	}
}

func TestResult_OK(t *testing.T) {
	assert.True(t, Result{Status: StatusSuccess}.OK())
	assert.False(t, Result{Status: StatusSuspended}.OK())
	assert.False(t, Result{Status: StatusFailed}.OK())
}

func TestLedger_Render(t *testing.T) {
	l := NewLedger()
	assert.True(t, l.Empty())
	assert.Equal(t, "", l.String())

	l.Add("id-b", "b.md", "first")
	l.Add("id-a", "a.md", "only")
	l.Addf("id-b", "b.md", "attempt %d: %s", 2, "timeout")

	assert.False(t, l.Empty())
	assert.Equal(t, "b.md:\n  - first\n  - attempt 2: timeout\na.md:\n  - only", l.String())
}

func TestLedger_SameNameDifferentFiles(t *testing.T) {
	l := NewLedger()
	l.Add("id-1", "README.md", "could not complete grading for all checklist items")
	l.Add("id-2", "README.md", "could not complete grading for all checklist items")
	l.Add("id-3", "notes.md", "timeout")

	assert.Equal(t,
		"README.md (id-1):\n  - could not complete grading for all checklist items\n"+
			"README.md (id-2):\n  - could not complete grading for all checklist items\n"+
			"notes.md:\n  - timeout",
		l.String())
}

func TestLedger_ConcurrentAdd(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("file-%d", i%4)
			l.Add(id, id+".md", "err")
		}(i)
	}
	wg.Wait()

	out := l.String()
	assert.Equal(t, 20, strings.Count(out, "  - err"))
	for i := 0; i < 4; i++ {
		assert.Contains(t, out, fmt.Sprintf("file-%d.md:", i))
	}
}

func TestLedgerStep(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, Succeeded("evaluate"), LedgerStep("evaluate", l))

	l.Add("x", "x.md", "could not complete grading for all checklist items")
	step := LedgerStep("evaluate", l)
	assert.Equal(t, StatusFailed, step.Status)
	assert.Equal(t, "x.md:\n  - could not complete grading for all checklist items", step.Message)
}
