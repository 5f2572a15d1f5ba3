package extract

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/llm"
	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/repair"
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

func newSession(t *testing.T, s store.Store) string {
	t.Helper()
	rs, _, err := s.EnsureSession(context.Background(), "")
	require.NoError(t, err)
	return rs.ID
}

// scripted replays raw model responses per source, keyed by a marker found in
// the prompt. Each call consumes the next response; the last one repeats.
type scripted struct {
	mu        sync.Mutex
	responses map[string][]string
	calls     map[string]int
	prompts   map[string][]string
}

func newScripted(responses map[string][]string) *scripted {
	return &scripted{
		responses: responses,
		calls:     make(map[string]int),
		prompts:   make(map[string][]string),
	}
}

func (s *scripted) Generate(_ context.Context, req llm.Request, out any, fix llm.RepairFunc) error {
	s.mu.Lock()
	var key string
	for k := range s.responses {
		if strings.Contains(req.Prompt, "## Document: "+k+"\n") {
			key = k
		}
	}
	list := s.responses[key]
	n := s.calls[key]
	s.calls[key]++
	s.prompts[key] = append(s.prompts[key], req.Prompt)
	s.mu.Unlock()

	if len(list) == 0 {
		return errors.New("no scripted response")
	}
	raw := list[min(n, len(list)-1)]
	if strings.HasPrefix(raw, "error:") {
		return errors.New(strings.TrimPrefix(raw, "error:"))
	}
	return llm.Decode(raw, out, fix)
}

func (s *scripted) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func contents(t *testing.T, s store.Store, sessionID string) []string {
	t.Helper()
	items, err := s.ListItems(context.Background(), sessionID)
	require.NoError(t, err)
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Content
	}
	return out
}

func testConfig() Config { return Config{MaxAttempts: 5, Concurrency: 4} }

func TestRun_ChecklistDocument(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"rules.md": {`{"isChecklistDocument":true,"newChecklists":["title: must be present","date: must be present"]}`},
	})

	p := NewPipeline(s, gen, testConfig(), nil)
	out := p.Run(context.Background(), sessionID, models.DocumentTypeChecklist, []docs.Document{
		docs.FromText("", "rules.md", "title: must be present\ndate: must be present"),
	})

	res := workflow.Classify(out)
	assert.Equal(t, workflow.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, []string{"title: must be present", "date: must be present"}, contents(t, s, sessionID))
	assert.Equal(t, 1, gen.callCount("rules.md"))
}

func TestRun_ReplacesSystemItemsOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := newSession(t, s)
	_, err := s.CreateItem(ctx, sessionID, "stale system item", models.ProvenanceSystem)
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, sessionID, "user item", models.ProvenanceUser)
	require.NoError(t, err)

	gen := newScripted(map[string][]string{
		"a.md": {`{"isChecklistDocument":true,"newChecklists":["fresh item"]}`},
	})
	out := NewPipeline(s, gen, testConfig(), nil).Run(ctx, sessionID, models.DocumentTypeGeneral,
		[]docs.Document{docs.FromText("", "a.md", "body")})

	assert.True(t, workflow.Classify(out).OK())
	assert.ElementsMatch(t, []string{"user item", "fresh item"}, contents(t, s, sessionID))
}

func TestRun_TruncationAccumulates(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"long.md": {
			// Cut inside the third string: the partial element is dropped.
			`{"isChecklistDocument":true,"newChecklists":["one","two","thr`,
			// The model repeats an item it was told about; it must not be stored twice.
			`{"isChecklistDocument":true,"newChecklists":["two","three"," three ",""]}`,
		},
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
		models.DocumentTypeGeneral, []docs.Document{docs.FromText("", "long.md", "lots of text")})

	res := workflow.Classify(out)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, []string{"one", "two", "three"}, contents(t, s, sessionID))
	assert.Equal(t, 2, gen.callCount("long.md"))

	// The retry is biased with what was already extracted.
	gen.mu.Lock()
	second := gen.prompts["long.md"][1]
	gen.mu.Unlock()
	assert.Contains(t, second, "## Already Extracted\n")
	assert.Contains(t, second, "- one\n- two\n")
}

func TestRun_DuplicatesNeverPersisted(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"dup.md": {`{"isChecklistDocument":true,"newChecklists":["a","a","b","a"]}`},
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
		models.DocumentTypeGeneral, []docs.Document{docs.FromText("", "dup.md", "x")})

	require.True(t, workflow.Classify(out).OK())
	assert.Equal(t, []string{"a", "b"}, contents(t, s, sessionID))
}

func TestRun_StillTruncatedAfterMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"huge.md": {`{"isChecklistDocument":true,"newChecklists":["a","b`},
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
		models.DocumentTypeGeneral, []docs.Document{docs.FromText("", "huge.md", "x")})

	res := workflow.Classify(out)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "huge.md:\n  - checklist output still truncated after 5 attempts")
	assert.Contains(t, res.Error, "split the source")
	assert.Equal(t, 5, gen.callCount("huge.md"))
	// Items gathered before giving up stay persisted.
	assert.Equal(t, []string{"a"}, contents(t, s, sessionID))
}

func TestRun_NotAChecklist(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"essay.md": {`{"isChecklistDocument":false,"newChecklists":["something"]}`},
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
		models.DocumentTypeChecklist, []docs.Document{docs.FromText("", "essay.md", "prose")})

	res := workflow.Classify(out)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, ErrNotChecklist.Error())
	assert.Equal(t, 1, gen.callCount("essay.md"), "no retry")
	assert.Empty(t, contents(t, s, sessionID))
}

func TestRun_GeneralDocumentIgnoresChecklistFlag(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"essay.md": {`{"isChecklistDocument":false,"newChecklists":["derived rule"]}`},
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
		models.DocumentTypeGeneral, []docs.Document{docs.FromText("", "essay.md", "prose")})

	assert.True(t, workflow.Classify(out).OK())
	assert.Equal(t, []string{"derived rule"}, contents(t, s, sessionID))
}

func TestRun_NoItems(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"blank.md": {`{"isChecklistDocument":true,"newChecklists":["  "]}`},
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
		models.DocumentTypeChecklist, []docs.Document{docs.FromText("", "blank.md", "x")})

	res := workflow.Classify(out)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, ErrNoItems.Error())
}

func TestRun_Unrepairable(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"bad.md": {`{"isChecklistDocument":tr`},
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
		models.DocumentTypeGeneral, []docs.Document{docs.FromText("", "bad.md", "x")})

	res := workflow.Classify(out)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, repair.ErrUnrepairable.Error())
	assert.Equal(t, 1, gen.callCount("bad.md"))
}

func TestRun_ModelErrorsRetried(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)

	t.Run("recovers", func(t *testing.T) {
		gen := newScripted(map[string][]string{
			"flaky.md": {"error:overloaded", `{"isChecklistDocument":true,"newChecklists":["ok"]}`},
		})
		out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
			models.DocumentTypeGeneral, []docs.Document{docs.FromText("", "flaky.md", "x")})
		assert.True(t, workflow.Classify(out).OK())
		assert.Equal(t, 2, gen.callCount("flaky.md"))
	})

	t.Run("names the last cause", func(t *testing.T) {
		gen := newScripted(map[string][]string{
			"down.md": {"error:connection refused"},
		})
		out := NewPipeline(s, gen, Config{MaxAttempts: 3, Concurrency: 1}, nil).Run(context.Background(), sessionID,
			models.DocumentTypeGeneral, []docs.Document{docs.FromText("", "down.md", "x")})
		res := workflow.Classify(out)
		assert.Equal(t, workflow.StatusFailed, res.Status)
		assert.Contains(t, res.Error, "extraction failed after 3 attempts: connection refused")
		assert.Equal(t, 3, gen.callCount("down.md"))
	})
}

func TestRun_FailuresAreIsolatedPerSource(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)
	gen := newScripted(map[string][]string{
		"good.md":  {`{"isChecklistDocument":true,"newChecklists":["g1","g2"]}`},
		"other.md": {`{"isChecklistDocument":true,"newChecklists":["o1"]}`},
		"essay.md": {`{"isChecklistDocument":false,"newChecklists":[]}`},
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(context.Background(), sessionID,
		models.DocumentTypeChecklist, []docs.Document{
			docs.FromText("", "good.md", "x"),
			docs.FromText("", "essay.md", "x"),
			docs.FromText("", "other.md", "x"),
		})

	res := workflow.Classify(out)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.True(t, strings.HasPrefix(res.Error, "essay.md:\n  - "))
	assert.NotContains(t, res.Error, "good.md")
	assert.ElementsMatch(t, []string{"g1", "g2", "o1"}, contents(t, s, sessionID))
}

func TestRun_RespectsConcurrencyLimit(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)

	var active, peak atomic.Int32
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(_ context.Context, _ llm.Request, out any, fix llm.RepairFunc) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return llm.Decode(`{"isChecklistDocument":true,"newChecklists":["x"]}`, out, fix)
	})

	sources := make([]docs.Document, 6)
	for i := range sources {
		sources[i] = docs.FromText("", string(rune('a'+i))+".md", "x")
	}

	done := make(chan workflow.Outcome)
	go func() {
		done <- NewPipeline(s, gen, Config{MaxAttempts: 1, Concurrency: 2}, nil).Run(
			context.Background(), sessionID, models.DocumentTypeGeneral, sources)
	}()
	close(release)
	out := <-done

	assert.True(t, workflow.Classify(out).OK())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_CancelledIsSuspended(t *testing.T) {
	s := newTestStore(t)
	sessionID := newSession(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	gen := llm.GeneratorFunc(func(ctx context.Context, _ llm.Request, _ any, _ llm.RepairFunc) error {
		cancel()
		return ctx.Err()
	})

	out := NewPipeline(s, gen, testConfig(), nil).Run(ctx, sessionID,
		models.DocumentTypeGeneral, []docs.Document{docs.FromText("", "a.md", "x")})

	assert.Equal(t, workflow.StatusSuspended, workflow.Classify(out).Status)
}

func TestRun_ResetFailureIsHard(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	out := NewPipeline(s, newScripted(nil), testConfig(), nil).Run(context.Background(), "x",
		models.DocumentTypeGeneral, nil)

	res := workflow.Classify(out)
	assert.Equal(t, workflow.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "reset system checklist")
}

func TestBuildRequest_Image(t *testing.T) {
	src := docs.Document{Name: "scan.png", Image: &docs.Image{MediaType: "image/png", Data: []byte{1, 2}}}
	req := buildRequest(src, models.DocumentTypeChecklist, nil)
	require.Len(t, req.Images, 1)
	assert.Equal(t, "image/png", req.Images[0].MediaType)
	assert.Contains(t, req.Prompt, "(attached as an image)")
	assert.NotContains(t, req.Prompt, "Already Extracted")
}

func TestDefaultConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	assert.Equal(t, Config{MaxAttempts: 5, Concurrency: 4}, DefaultConfig())

	viper.Set("extraction.max_attempts", 2)
	viper.Set("extraction.concurrency", 8)
	assert.Equal(t, Config{MaxAttempts: 2, Concurrency: 8}, DefaultConfig())
}
