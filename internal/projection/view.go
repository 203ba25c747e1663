package projection

import (
	"context"
	"fmt"

	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/models"
	"github.com/esnunes/forkline/internal/phase"
	"github.com/esnunes/forkline/internal/scope"
)

type MessageSource interface {
	ListMessages(ctx context.Context, projectID string) ([]models.Message, error)
}

// LiveSource supplies messages that exist only in memory, such as the
// placeholder of a streaming response.
type LiveSource interface {
	Live(projectID string) []models.Message
}

// Entry is a projected message plus its structured rendering, when the
// content is phase tagged.
type Entry struct {
	models.Message
	Structured *phase.Snapshot `json:"structured,omitempty"`
}

// View is the conversation as the active scope sees it.
type View struct {
	messages MessageSource
	live     LiveSource
	tracker  *scope.Tracker
	cache    *phase.Cache
}

func NewView(messages MessageSource, live LiveSource, tracker *scope.Tracker, cache *phase.Cache) *View {
	return &View{messages: messages, live: live, tracker: tracker, cache: cache}
}

// Messages returns the active branch's conversation. If the active project
// changes while the read is in flight the result is discarded.
func (v *View) Messages(ctx context.Context) ([]Entry, error) {
	tok := v.tracker.Current()
	if tok.ProjectID == "" {
		return nil, nil
	}

	all, err := v.messages.ListMessages(ctx, tok.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if v.live != nil {
		all = append(all, v.live.Live(tok.ProjectID)...)
	}

	var branch *models.Branch
	if tok.BranchID != "" {
		branch = &models.Branch{ID: tok.BranchID, ProjectID: tok.ProjectID}
	}
	msgs := Project(all, tok.ProjectID, branch)

	if !v.tracker.Valid(tok) {
		return nil, fmt.Errorf("project changed during read: %w", apperr.ErrCancelled)
	}

	entries := make([]Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = Entry{Message: m}
		if m.Role != models.RoleAssistant || m.IsStreaming || v.cache == nil {
			continue
		}
		if snap := v.cache.Finalized(m.ID, m.Content); snap.Tagged {
			entries[i].Structured = &snap
		}
	}
	return entries, nil
}
