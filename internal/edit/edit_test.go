package edit

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/esnunes/forkline/internal/agent"
	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/db"
	"github.com/esnunes/forkline/internal/models"
	"github.com/esnunes/forkline/internal/phase"
	"github.com/esnunes/forkline/internal/projection"
	"github.com/esnunes/forkline/internal/scope"
	"github.com/esnunes/forkline/internal/session"
)

type streamFunc func(ctx context.Context, req agent.Request) (io.ReadCloser, error)

func (f streamFunc) Stream(ctx context.Context, req agent.Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

type fixture struct {
	q        *db.Queries
	tracker  *scope.Tracker
	sessions *session.Controller
	engine   *Engine
	project  string
	branch   string
	prompts  chan agent.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "edit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	q := db.NewQueries(database, db.DriverSQLite)
	p, err := q.CreateProject(ctx, "demo")
	require.NoError(t, err)

	f := &fixture{q: q, tracker: scope.NewTracker(), project: p.ID, branch: "b-main", prompts: make(chan agent.Request, 4)}
	f.tracker.SetProject(p.ID, f.branch)

	stream := streamFunc(func(_ context.Context, req agent.Request) (io.ReadCloser, error) {
		f.prompts <- req
		return io.NopCloser(strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"regenerated\"}}]}\n\ndata: [DONE]\n\n")), nil
	})
	logger := zaptest.NewLogger(t)
	f.sessions = session.NewController(q, stream, f.tracker, session.Config{Timeout: 5 * time.Second}, logger)
	t.Cleanup(f.sessions.Close)
	f.engine = NewEngine(q, f.sessions, f.tracker, logger)
	return f
}

func (f *fixture) add(t *testing.T, role, content string) *models.Message {
	t.Helper()
	m, err := f.q.CreateMessage(context.Background(), models.Message{
		ProjectID: f.project, BranchID: &f.branch, Role: role, Content: content, AgentID: "chem",
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) history(t *testing.T) []models.Message {
	t.Helper()
	all, err := f.q.ListMessages(context.Background(), f.project)
	require.NoError(t, err)
	return projection.Project(all, f.project, &models.Branch{ID: f.branch})
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestEditUserMessageTruncatesAndRegenerates(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.RoleUser, "q1")
	f.add(t, models.RoleAssistant, "a1")
	m := f.add(t, models.RoleUser, "q2")
	f.add(t, models.RoleAssistant, "a2")
	f.add(t, models.RoleUser, "q3")

	s, err := f.engine.EditMessage(context.Background(), m.ID, "q2 edited")
	require.NoError(t, err)
	require.NotNil(t, s)

	// Before the reply lands the history ends at the edited message.
	prompt := <-f.prompts
	var sent []string
	for _, pm := range prompt.Messages {
		sent = append(sent, pm.Content)
	}
	assert.Equal(t, []string{"q1", "a1", "q2 edited"}, sent)
	assert.Equal(t, "chem", prompt.AgentID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, session.Completed, out.State)

	assert.Equal(t, []string{"q1", "a1", "q2 edited", "regenerated"}, contents(f.history(t)))
}

func TestEditAssistantMessageDoesNotRegenerate(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.RoleUser, "q1")
	a := f.add(t, models.RoleAssistant, "a1")
	f.add(t, models.RoleUser, "q2")

	s, err := f.engine.EditMessage(context.Background(), a.ID, "a1 fixed")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []string{"q1", "a1 fixed"}, contents(f.history(t)))
	assert.False(t, f.sessions.Active(f.project))
	assert.Empty(t, f.prompts)
}

func TestEditRefreshesStructuredView(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.RoleUser, "q1")
	a := f.add(t, models.RoleAssistant, "<conclusion>a</conclusion>")
	view := projection.NewView(f.q, f.sessions, f.tracker, phase.NewCache(16))

	before, err := view.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, before, 2)
	require.NotNil(t, before[1].Structured)
	assert.Equal(t, "a", before[1].Structured.Conclusion)

	_, err = f.engine.EditMessage(context.Background(), a.ID, "<conclusion>b</conclusion>")
	require.NoError(t, err)

	after, err := view.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "<conclusion>b</conclusion>", after[1].Content)
	require.NotNil(t, after[1].Structured)
	assert.Equal(t, "b", after[1].Structured.Conclusion)
}

func TestEditLastMessage(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.RoleUser, "q1")
	a := f.add(t, models.RoleAssistant, "a1")

	_, err := f.engine.EditMessage(context.Background(), a.ID, "a1 v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1 v2"}, contents(f.history(t)))
}

func TestEditLeavesOtherBranchesAlone(t *testing.T) {
	f := newFixture(t)
	m := f.add(t, models.RoleAssistant, "a1")
	side := "b-side"
	_, err := f.q.CreateMessage(context.Background(), models.Message{
		ProjectID: f.project, BranchID: &side, Role: models.RoleUser, Content: "side question",
	})
	require.NoError(t, err)

	_, err = f.engine.EditMessage(context.Background(), m.ID, "a1 v2")
	require.NoError(t, err)

	all, err := f.q.ListBranchMessages(context.Background(), side)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEditTruncatesSharedUnattributedMessages(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, models.RoleAssistant, "a1")
	_, err := f.q.CreateMessage(context.Background(), models.Message{
		ProjectID: f.project, Role: models.RoleUser, Content: "legacy",
	})
	require.NoError(t, err)

	_, err = f.engine.EditMessage(context.Background(), a.ID, "a1 v2")
	require.NoError(t, err)

	// Unattributed rows belong to every branch, so truncation removes them
	// everywhere.
	all, err := f.q.ListMessages(context.Background(), f.project)
	require.NoError(t, err)
	other := projection.Project(all, f.project, &models.Branch{ID: "b-other"})
	assert.Empty(t, other)
	assert.Equal(t, []string{"a1 v2"}, contents(f.history(t)))
}

func TestEditErrors(t *testing.T) {
	f := newFixture(t)
	m := f.add(t, models.RoleUser, "q1")

	_, err := f.engine.EditMessage(context.Background(), m.ID, "   ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.EditMessage(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// A message on another branch is not part of the projection.
	other := "b-other"
	hidden, err := f.q.CreateMessage(context.Background(), models.Message{
		ProjectID: f.project, BranchID: &other, Role: models.RoleUser, Content: "hidden",
	})
	require.NoError(t, err)
	_, err = f.engine.EditMessage(context.Background(), hidden.ID, "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	slot, err := f.sessions.Claim(f.project)
	require.NoError(t, err)
	_, err = f.engine.EditMessage(context.Background(), m.ID, "x")
	assert.ErrorIs(t, err, apperr.ErrBusy)
	slot.Release()

	assert.Equal(t, []string{"q1"}, contents(f.history(t)), "failed edits must not write")
}
