package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/models"
	"github.com/esnunes/forkline/internal/phase"
	"github.com/esnunes/forkline/internal/scope"
)

func msg(id, project string, branch *string, at int64) models.Message {
	return models.Message{ID: id, ProjectID: project, BranchID: branch, Role: models.RoleUser, CreatedAt: time.Unix(0, at)}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestProject(t *testing.T) {
	main, side := "main", "side"
	all := []models.Message{
		msg("c", "p1", &main, 3),
		msg("x", "p2", &main, 1),
		msg("b", "p1", nil, 2),
		msg("s", "p1", &side, 4),
		msg("a", "p1", &main, 1),
		msg("a2", "p1", &main, 1),
	}

	assert.Equal(t, []string{"a", "a2", "b", "c"}, ids(Project(all, "p1", &models.Branch{ID: main})))
	assert.Equal(t, []string{"b", "s"}, ids(Project(all, "p1", &models.Branch{ID: side})))
	assert.Equal(t, []string{"a", "a2", "b", "c", "s"}, ids(Project(all, "p1", nil)))
	assert.Empty(t, Project(all, "", nil))
	assert.Empty(t, Project(all, "p3", nil))
}

func TestIndex(t *testing.T) {
	msgs := []models.Message{{ID: "a"}, {ID: "b"}}
	assert.Equal(t, 1, Index(msgs, "b"))
	assert.Equal(t, -1, Index(msgs, "z"))
}

type staticSource struct {
	msgs   []models.Message
	during func()
	err    error
}

func (s *staticSource) ListMessages(_ context.Context, projectID string) ([]models.Message, error) {
	if s.during != nil {
		s.during()
	}
	return s.msgs, s.err
}

type liveFunc func(projectID string) []models.Message

func (f liveFunc) Live(projectID string) []models.Message { return f(projectID) }

func TestViewMergesLivePlaceholder(t *testing.T) {
	main := "main"
	tracker := scope.NewTracker()
	tracker.SetProject("p1", main)

	answer := msg("a1", "p1", &main, 2)
	answer.Role = models.RoleAssistant
	answer.Content = "<reasoning>r</reasoning><conclusion>c</conclusion>"
	plain := msg("a0", "p1", &main, 1)
	plain.Role = models.RoleAssistant
	plain.Content = "no tags here"

	placeholder := msg("live", "p1", &main, 3)
	placeholder.Role = models.RoleAssistant
	placeholder.IsStreaming = true
	foreign := msg("other", "p2", &main, 0)

	cache := phase.NewCache(8)
	view := NewView(&staticSource{msgs: []models.Message{answer, plain}},
		liveFunc(func(string) []models.Message { return []models.Message{placeholder, foreign} }),
		tracker, cache)

	entries, err := view.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a0", entries[0].ID)
	assert.Nil(t, entries[0].Structured)
	assert.Equal(t, "a1", entries[1].ID)
	require.NotNil(t, entries[1].Structured)
	assert.Equal(t, "c", entries[1].Structured.Conclusion)
	assert.Equal(t, phase.Done, entries[1].Structured.Phase)
	assert.True(t, entries[2].IsStreaming)
	assert.Nil(t, entries[2].Structured)
	assert.Equal(t, 2, cache.Len())
}

func TestViewDiscardsReadAfterProjectSwitch(t *testing.T) {
	tracker := scope.NewTracker()
	tracker.SetProject("p1", "main")
	src := &staticSource{
		msgs:   []models.Message{msg("a", "p1", nil, 1)},
		during: func() { tracker.SetProject("p2", "main2") },
	}

	_, err := NewView(src, nil, tracker, nil).Messages(context.Background())
	assert.ErrorIs(t, err, apperr.ErrCancelled)
}

func TestViewBranchSwitchAppliesOnNextRead(t *testing.T) {
	main, side := "main", "side"
	tracker := scope.NewTracker()
	tracker.SetProject("p1", main)
	src := &staticSource{msgs: []models.Message{msg("m", "p1", &main, 1), msg("s", "p1", &side, 2)}}
	src.during = func() { tracker.SetBranch("p1", side) }

	view := NewView(src, nil, tracker, nil)
	first, err := view.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "m", first[0].ID)

	src.during = nil
	second, err := view.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "s", second[0].ID)
}

func TestViewNoActiveProject(t *testing.T) {
	entries, err := NewView(&staticSource{err: errors.New("unused")}, nil, scope.NewTracker(), nil).Messages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestViewSourceError(t *testing.T) {
	tracker := scope.NewTracker()
	tracker.SetProject("p1", "main")
	_, err := NewView(&staticSource{err: errors.New("disk")}, nil, tracker, nil).Messages(context.Background())
	assert.ErrorContains(t, err, "listing messages")
}
