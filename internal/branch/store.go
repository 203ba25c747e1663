// Package branch owns the branch tree of each project: the main-branch
// guarantee, forking, selection, rename, delete and merge.
package branch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/metrics"
	"github.com/esnunes/forkline/internal/models"
	"github.com/esnunes/forkline/internal/scope"
)

// Records is the subset of the record store the branch store needs.
type Records interface {
	InsertMainBranchIfAbsent(ctx context.Context, projectID string) error
	GetMainBranch(ctx context.Context, projectID string) (*models.Branch, error)
	CreateBranch(ctx context.Context, b models.Branch) (*models.Branch, error)
	GetBranch(ctx context.Context, id string) (*models.Branch, error)
	ListBranches(ctx context.Context, projectID string) ([]models.Branch, error)
	UpdateBranchName(ctx context.Context, id, name string) error
	DeleteBranch(ctx context.Context, id string) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListBranchMessages(ctx context.Context, branchID string) ([]models.Message, error)
	InsertMessageOnce(ctx context.Context, m models.Message, mergeKey string) (bool, error)
}

type MergeMode string

const (
	MergeSummary  MergeMode = "summary"
	MergeMessages MergeMode = "messages"
)

type MergeResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

type Store struct {
	records Records
	tracker *scope.Tracker
	logger  *zap.Logger

	mu       sync.RWMutex
	branches map[string][]models.Branch // project ID → branches
}

func NewStore(records Records, tracker *scope.Tracker, logger *zap.Logger) *Store {
	return &Store{
		records:  records,
		tracker:  tracker,
		logger:   logger.Named("branch"),
		branches: make(map[string][]models.Branch),
	}
}

// Load refreshes the cached branch set of projectID from the record store.
func (s *Store) Load(ctx context.Context, projectID string) ([]models.Branch, error) {
	branches, err := s.records.ListBranches(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.branches[projectID] = branches
	s.mu.Unlock()
	return slices.Clone(branches), nil
}

// Branches returns the cached branches of projectID.
func (s *Store) Branches(projectID string) []models.Branch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.branches[projectID])
}

// Branch looks up a cached branch.
func (s *Store) Branch(projectID, id string) (models.Branch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.branches[projectID] {
		if b.ID == id {
			return b, true
		}
	}
	return models.Branch{}, false
}

// Tree returns the cached branch forest of projectID.
func (s *Store) Tree(projectID string) []*Node {
	return BuildTree(s.Branches(projectID))
}

func (s *Store) cachedMain(projectID string) (models.Branch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.branches[projectID] {
		if b.IsMain {
			return b, true
		}
	}
	return models.Branch{}, false
}

// EnsureMainBranch returns the main branch of projectID, creating it when
// missing. Concurrent callers converge on the same row.
func (s *Store) EnsureMainBranch(ctx context.Context, projectID string) (*models.Branch, error) {
	if projectID == "" {
		return nil, apperr.Validation("project id is required")
	}
	if b, ok := s.cachedMain(projectID); ok {
		return &b, nil
	}

	main, err := s.records.GetMainBranch(ctx, projectID)
	if errors.Is(err, apperr.ErrNotFound) {
		if err := s.records.InsertMainBranchIfAbsent(ctx, projectID); err != nil {
			return nil, err
		}
		main, err = s.records.GetMainBranch(ctx, projectID)
		if err == nil {
			s.logger.Info("main branch ready", zap.String("project_id", projectID), zap.String("branch_id", main.ID))
		}
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.Load(ctx, projectID); err != nil {
		return nil, err
	}
	return main, nil
}

// Activate makes projectID the active project with branchID selected, or the
// main branch when branchID is empty. Work started under an earlier project
// is invalidated.
func (s *Store) Activate(ctx context.Context, projectID, branchID string) (scope.Token, error) {
	main, err := s.EnsureMainBranch(ctx, projectID)
	if err != nil {
		return scope.Token{}, err
	}
	if _, err := s.Load(ctx, projectID); err != nil {
		return scope.Token{}, err
	}
	if branchID == "" {
		branchID = main.ID
	} else if _, ok := s.Branch(projectID, branchID); !ok {
		return scope.Token{}, apperr.NotFound("branch", branchID)
	}
	return s.tracker.SetProject(projectID, branchID), nil
}

// CreateBranch forks the conversation at pointMessageID. The new branch's
// parent is the branch the message lives on, or main for unattributed messages.
func (s *Store) CreateBranch(ctx context.Context, pointMessageID, name, description string, creator *string) (*models.Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("branch name is empty")
	}

	msg, err := s.records.GetMessage(ctx, pointMessageID)
	if err != nil {
		return nil, err
	}

	var parentID string
	if msg.BranchID != nil {
		parent, err := s.records.GetBranch(ctx, *msg.BranchID)
		if err != nil {
			return nil, fmt.Errorf("resolving parent branch: %w", err)
		}
		if parent.ProjectID != msg.ProjectID {
			return nil, apperr.Validation("message %s and its branch belong to different projects", msg.ID)
		}
		parentID = parent.ID
	} else {
		main, err := s.EnsureMainBranch(ctx, msg.ProjectID)
		if err != nil {
			return nil, err
		}
		parentID = main.ID
	}

	b, err := s.records.CreateBranch(ctx, models.Branch{
		ProjectID:            msg.ProjectID,
		ParentBranchID:       &parentID,
		BranchPointMessageID: &msg.ID,
		Name:                 name,
		Description:          strings.TrimSpace(description),
		CreatedBy:            creator,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.Load(ctx, msg.ProjectID); err != nil {
		return nil, err
	}
	s.logger.Info("branch created",
		zap.String("project_id", b.ProjectID),
		zap.String("branch_id", b.ID),
		zap.String("parent_branch_id", parentID),
		zap.String("name", b.Name))
	return b, nil
}

// SwitchBranch selects branchID in the active project. Storage is untouched.
func (s *Store) SwitchBranch(ctx context.Context, branchID string) error {
	tok := s.tracker.Current()
	if tok.ProjectID == "" {
		return apperr.Validation("no active project")
	}
	if _, ok := s.Branch(tok.ProjectID, branchID); !ok {
		if _, err := s.Load(ctx, tok.ProjectID); err != nil {
			return err
		}
		if _, ok := s.Branch(tok.ProjectID, branchID); !ok {
			return apperr.NotFound("branch", branchID)
		}
	}
	if !s.tracker.SetBranch(tok.ProjectID, branchID) {
		return fmt.Errorf("switching branch: active project changed: %w", apperr.ErrCancelled)
	}
	return nil
}

func (s *Store) RenameBranch(ctx context.Context, branchID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Validation("branch name is empty")
	}
	b, err := s.records.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if b.IsMain {
		return fmt.Errorf("renaming main branch: %w", apperr.ErrPermission)
	}
	if err := s.records.UpdateBranchName(ctx, branchID, name); err != nil {
		return err
	}
	_, err = s.Load(ctx, b.ProjectID)
	return err
}

// DeleteBranch removes a non-main branch. Its messages stay in storage and its
// children move up to its parent. If it was selected, main becomes selected.
func (s *Store) DeleteBranch(ctx context.Context, branchID string) error {
	b, err := s.records.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if b.IsMain {
		return fmt.Errorf("deleting main branch: %w", apperr.ErrPermission)
	}
	if err := s.records.DeleteBranch(ctx, branchID); err != nil {
		return err
	}
	if _, err := s.Load(ctx, b.ProjectID); err != nil {
		return err
	}

	if tok := s.tracker.Current(); tok.ProjectID == b.ProjectID && tok.BranchID == branchID {
		if main, ok := s.cachedMain(b.ProjectID); ok {
			s.tracker.SetBranch(b.ProjectID, main.ID)
		}
	}
	s.logger.Info("branch deleted", zap.String("project_id", b.ProjectID), zap.String("branch_id", branchID))
	return nil
}

// MergeBranch folds sourceID into the main branch. Each written row carries a
// merge key derived from its source, so re-running a merge that failed part
// way only writes the rows that are still missing.
func (s *Store) MergeBranch(ctx context.Context, sourceID string, mode MergeMode, payload string) (MergeResult, error) {
	var res MergeResult

	src, err := s.records.GetBranch(ctx, sourceID)
	if err != nil {
		return res, err
	}
	if src.IsMain {
		return res, apperr.Validation("cannot merge the main branch into itself")
	}
	main, err := s.EnsureMainBranch(ctx, src.ProjectID)
	if err != nil {
		return res, err
	}

	insert := func(m models.Message, key string) error {
		inserted, err := s.records.InsertMessageOnce(ctx, m, key)
		if err != nil {
			return err
		}
		if inserted {
			res.Inserted++
			metrics.MergedMessages.WithLabelValues("inserted").Inc()
		} else {
			res.Skipped++
			metrics.MergedMessages.WithLabelValues("skipped").Inc()
		}
		return nil
	}

	switch mode {
	case MergeSummary:
		if strings.TrimSpace(payload) == "" {
			return res, apperr.Validation("merge summary is empty")
		}
		m := models.Message{
			ProjectID: src.ProjectID,
			BranchID:  &main.ID,
			Role:      models.RoleAssistant,
			Content:   payload,
		}
		if err := insert(m, mergeKey(src.ID, "summary", m.Role, payload)); err != nil {
			return res, err
		}

	case MergeMessages:
		msgs, err := s.records.ListBranchMessages(ctx, src.ID)
		if err != nil {
			return res, err
		}
		for _, orig := range msgs {
			m := models.Message{
				ProjectID:      orig.ProjectID,
				BranchID:       &main.ID,
				Role:           orig.Role,
				Content:        orig.Content,
				AgentID:        orig.AgentID,
				Files:          orig.Files,
				CollaboratorID: orig.CollaboratorID,
			}
			if err := insert(m, mergeKey(src.ID, orig.ID, orig.Role, orig.Content)); err != nil {
				return res, fmt.Errorf("merging message %s (%d of %d): %w", orig.ID, res.Inserted+res.Skipped+1, len(msgs), err)
			}
		}

	default:
		return res, apperr.Validation("unknown merge mode %q", mode)
	}

	metrics.Merges.WithLabelValues(string(mode)).Inc()
	s.logger.Info("branch merged",
		zap.String("project_id", src.ProjectID),
		zap.String("source_branch_id", src.ID),
		zap.String("mode", string(mode)),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func mergeKey(sourceBranchID, sourceMessageID, role, content string) string {
	h := sha256.New()
	for _, part := range []string{sourceBranchID, sourceMessageID, role, content} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
