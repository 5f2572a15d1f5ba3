package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/extract"
	"github.com/joescharf/docreview/internal/llm"
	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/partition"
	"github.com/joescharf/docreview/internal/review"
	"github.com/joescharf/docreview/internal/runs"
	"github.com/joescharf/docreview/internal/store"
	"github.com/joescharf/docreview/internal/workflow"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() Config {
	return Config{
		Extract: extract.Config{MaxAttempts: 5, Concurrency: 2},
		Review: review.Config{
			MaxAttempts: 3,
			Limits:      partition.Limits{MaxItemsPerCategory: 3, MaxCategories: 20},
		},
	}
}

// model answers extraction with two items and grades everything it is asked about.
func model() llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, req llm.Request, out any, fix llm.RepairFunc) error {
		switch req.Operation {
		case "extract":
			return llm.Decode(`{"isChecklistDocument":true,"newChecklists":["title: must be present","date: must be present"]}`, out, fix)
		case "partition":
			return errors.New("no partition")
		default:
			var results []map[string]string
			for _, line := range strings.Split(req.Prompt, "\n") {
				if strings.HasPrefix(line, "- [") {
					id := line[3:strings.Index(line, "]")]
					results = append(results, map[string]string{"checklistId": id, "evaluation": "A", "comment": "ok"})
				}
			}
			body, _ := json.Marshal(map[string]any{"results": results})
			return llm.Decode(string(body), out, fix)
		}
	})
}

func TestStartExtraction_CreatesSession(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, model(), nil, testConfig(), nil)
	ctx := context.Background()

	res := m.StartExtraction(ctx, "", []docs.Document{docs.FromText("", "rules.md", "title: must be present\ndate: must be present")}, models.DocumentTypeChecklist)
	require.True(t, res.OK(), res.Error)
	require.NotEmpty(t, res.SessionID)

	session, err := s.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "rules.md", session.Title)

	items, err := s.ListItems(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Empty(t, m.Active(), "run is unregistered when done")
}

func TestStartExtraction_Validation(t *testing.T) {
	m := NewManager(newTestStore(t), model(), nil, testConfig(), nil)

	res := m.StartExtraction(context.Background(), "s1", []docs.Document{docs.FromText("", "a.md", "x")}, "pdf")
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "invalid document type")

	res = m.StartExtraction(context.Background(), "s1", nil, models.DocumentTypeGeneral)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no source files")
}

func TestStartEvaluation(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, model(), nil, testConfig(), nil)
	ctx := context.Background()

	res := m.StartExtraction(ctx, "s1", []docs.Document{docs.FromText("", "rules.md", "x")}, models.DocumentTypeGeneral)
	require.True(t, res.OK(), res.Error)

	res = m.StartEvaluation(ctx, "s1", []docs.Document{
		docs.FromText("", "report.md", "Title: Q3"),
		docs.FromText("", "memo.md", "Date: today"),
	}, &Instructions{Text: "Be strict", CommentFormat: "[Finding]"})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "s1", res.SessionID)

	session, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "report.md, memo.md", session.Title)
	assert.Equal(t, "Be strict", session.Instructions)
	assert.Equal(t, "[Finding]", session.CommentFormat)

	results, err := s.ListResults(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestStartEvaluation_NoChecklistFails(t *testing.T) {
	m := NewManager(newTestStore(t), model(), nil, testConfig(), nil)

	res := m.StartEvaluation(context.Background(), "empty", []docs.Document{docs.FromText("", "a.md", "x")}, nil)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no checklist items")
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	reg := runs.NewRegistry()
	h, _, err := reg.Start(context.Background(), "busy", PipelineExtract)
	require.NoError(t, err)
	defer reg.Finish(h)

	m := NewManager(newTestStore(t), model(), reg, testConfig(), nil)
	res := m.StartExtraction(context.Background(), "busy", []docs.Document{docs.FromText("", "a.md", "x")}, models.DocumentTypeGeneral)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, runs.ErrRunInProgress.Error())
}

func TestStartEvaluation_RejectedRunLeavesSessionUntouched(t *testing.T) {
	s := newTestStore(t)
	reg := runs.NewRegistry()
	m := NewManager(s, model(), reg, testConfig(), nil)
	ctx := context.Background()

	res := m.StartEvaluation(ctx, "s1", []docs.Document{docs.FromText("", "first.md", "x")},
		&Instructions{Text: "Be strict", CommentFormat: "[Finding]"})
	require.Equal(t, workflow.StatusFailed, res.Status)
	before, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)

	h, _, err := reg.Start(ctx, "s1", PipelineReview)
	require.NoError(t, err)
	defer reg.Finish(h)

	res = m.StartEvaluation(ctx, "s1", []docs.Document{docs.FromText("", "second.md", "y")},
		&Instructions{Text: "Be lenient", CommentFormat: "plain"})
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, runs.ErrRunInProgress.Error())

	after, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before.Title, after.Title)
	assert.Equal(t, "first.md", after.Title)
	assert.Equal(t, "Be strict", after.Instructions)
	assert.Equal(t, "[Finding]", after.CommentFormat)
}

func TestCancel(t *testing.T) {
	s := newTestStore(t)
	started := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request, out any, fix llm.RepairFunc) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	m := NewManager(s, gen, nil, testConfig(), nil)

	assert.False(t, m.Cancel("s1").OK)

	done := make(chan RunResult)
	go func() {
		done <- m.StartExtraction(context.Background(), "s1", []docs.Document{docs.FromText("", "a.md", "x")}, models.DocumentTypeGeneral)
	}()

	<-started
	assert.Equal(t, []string{"s1"}, m.Active())
	assert.True(t, m.Cancel("s1").OK)

	select {
	case res := <-done:
		assert.Equal(t, workflow.StatusSuspended, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.Empty(t, m.Active())

	cr := m.Cancel("s1")
	assert.False(t, cr.OK)
	assert.Contains(t, cr.Error, runs.ErrNoActiveRun.Error())
}

func TestRun_PanicIsFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rs, _, err := s.EnsureSession(ctx, "s1")
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, rs.ID, "a", models.ProvenanceUser)
	require.NoError(t, err)

	gen := llm.GeneratorFunc(func(context.Context, llm.Request, any, llm.RepairFunc) error {
		panic("boom")
	})
	m := NewManager(s, gen, nil, testConfig(), nil)

	res := m.StartEvaluation(ctx, "s1", []docs.Document{docs.FromText("", "a.md", "x")}, nil)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Equal(t, "internal error during review", res.Error)
	assert.Empty(t, m.Active())
}

func TestRunResultJSON(t *testing.T) {
	data, err := json.Marshal(RunResult{SessionID: "s1", Result: workflow.Result{Status: workflow.StatusFailed, Error: "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","status":"failed","error":"x"}`, string(data))
}

func TestTitle(t *testing.T) {
	files := []docs.Document{
		docs.FromText("", "a.md", ""),
		docs.FromText("", "b.md", ""),
		docs.FromText("", "c.md", ""),
		docs.FromText("", "d.md", ""),
		docs.FromText("", "e.md", ""),
	}
	assert.Equal(t, "a.md", Title(files[:1]))
	assert.Equal(t, "a.md, b.md, c.md", Title(files[:3]))
	assert.Equal(t, "a.md, b.md, c.md +2 more", Title(files))
}
