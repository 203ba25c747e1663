// Package edit rewrites a past message and re-derives the conversation that
// follows it.
package edit

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/metrics"
	"github.com/esnunes/forkline/internal/models"
	"github.com/esnunes/forkline/internal/projection"
	"github.com/esnunes/forkline/internal/scope"
	"github.com/esnunes/forkline/internal/session"
)

type Records interface {
	ListMessages(ctx context.Context, projectID string) ([]models.Message, error)
	DeleteMessages(ctx context.Context, ids []string) (int64, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
}

// Sessions is the part of the session controller an edit needs: the project
// slot and a way to regenerate while holding it.
type Sessions interface {
	Claim(projectID string) (*session.Slot, error)
	Regenerate(ctx context.Context, slot *session.Slot, branchID, agentID string) (*session.Session, error)
}

type Engine struct {
	records  Records
	sessions Sessions
	tracker  *scope.Tracker
	logger   *zap.Logger
}

func NewEngine(records Records, sessions Sessions, tracker *scope.Tracker, logger *zap.Logger) *Engine {
	return &Engine{records: records, sessions: sessions, tracker: tracker, logger: logger.Named("edit")}
}

// EditMessage replaces the content of messageID, drops every message after it
// on the active branch and, for user messages, streams a fresh reply. Editing
// an assistant message returns a nil session.
func (e *Engine) EditMessage(ctx context.Context, messageID, content string) (*session.Session, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Validation("message content is empty")
	}
	tok := e.tracker.Current()
	if tok.ProjectID == "" {
		return nil, apperr.NotFound("message", messageID)
	}

	slot, err := e.sessions.Claim(tok.ProjectID)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			slot.Release()
		}
	}()

	all, err := e.records.ListMessages(ctx, tok.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	var branch *models.Branch
	if tok.BranchID != "" {
		branch = &models.Branch{ID: tok.BranchID, ProjectID: tok.ProjectID}
	}
	msgs := projection.Project(all, tok.ProjectID, branch)
	i := projection.Index(msgs, messageID)
	if i < 0 {
		return nil, apperr.NotFound("message", messageID)
	}
	edited := msgs[i]

	trailing := make([]string, 0, len(msgs)-i-1)
	for _, m := range msgs[i+1:] {
		trailing = append(trailing, m.ID)
	}

	// Once started the writes run to completion.
	wctx := context.WithoutCancel(ctx)
	if len(trailing) > 0 {
		if _, err := e.records.DeleteMessages(wctx, trailing); err != nil {
			return nil, fmt.Errorf("truncating history: %w", err)
		}
	}
	if err := e.records.UpdateMessageContent(wctx, messageID, content); err != nil {
		return nil, fmt.Errorf("rewriting message: %w", err)
	}
	metrics.Edits.Inc()
	e.logger.Info("message edited",
		zap.String("project_id", tok.ProjectID),
		zap.String("message_id", messageID),
		zap.Int("truncated", len(trailing)))

	if !e.tracker.Valid(tok) {
		return nil, fmt.Errorf("project changed during edit: %w", apperr.ErrCancelled)
	}
	if edited.Role != models.RoleUser {
		return nil, nil
	}

	handedOff = true
	return e.sessions.Regenerate(ctx, slot, tok.BranchID, edited.AgentID)
}
