package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/branch"
	"github.com/esnunes/forkline/internal/models"
	"github.com/esnunes/forkline/internal/notify"
	"github.com/esnunes/forkline/internal/projection"
	"github.com/esnunes/forkline/internal/scope"
	"github.com/esnunes/forkline/internal/session"
)

var statusByCategory = map[apperr.Category]int{
	apperr.CategoryValidation:    http.StatusBadRequest,
	apperr.CategoryNotFound:      http.StatusNotFound,
	apperr.CategoryPermission:    http.StatusForbidden,
	apperr.CategoryBusy:          http.StatusConflict,
	apperr.CategoryCancelled:     http.StatusConflict,
	apperr.CategoryRateLimited:   http.StatusTooManyRequests,
	apperr.CategoryQuotaExceeded: http.StatusPaymentRequired,
	apperr.CategoryTimeout:       http.StatusGatewayTimeout,
	apperr.CategoryTransport:     http.StatusBadGateway,
	apperr.CategoryServer:        http.StatusBadGateway,
}

type errorResponse struct {
	Error    string          `json:"error"`
	Category apperr.Category `json:"category"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	cat := apperr.CategoryOf(err)
	status, ok := statusByCategory[cat]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := apperr.UserMessage(err)
	switch cat {
	case apperr.CategoryValidation, apperr.CategoryNotFound:
		msg = err.Error()
	case apperr.CategoryCancelled:
		msg = "The request was cancelled."
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: msg, Category: cat})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("decoding request body: %v", err)
	}
	return nil
}

func wantWait(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return wait
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Scope

type scopeRequest struct {
	ProjectID string `json:"project_id"`
	BranchID  string `json:"branch_id"`
}

func tokenResponse(tok scope.Token) scopeRequest {
	return scopeRequest{ProjectID: tok.ProjectID, BranchID: tok.BranchID}
}

func (s *Server) handleGetScope(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, tokenResponse(s.tracker.Current()))
}

// handleSetScope activates a project. Re-selecting the active project only
// switches the branch so its running session survives.
func (s *Server) handleSetScope(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ProjectID == "" {
		s.writeError(w, r, apperr.Validation("project_id is required"))
		return
	}

	prev := s.tracker.Current()
	if prev.ProjectID == req.ProjectID {
		if req.BranchID != "" {
			if err := s.branches.SwitchBranch(r.Context(), req.BranchID); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		s.writeJSON(w, http.StatusOK, tokenResponse(s.tracker.Current()))
		return
	}

	if _, err := s.queries.GetProject(r.Context(), req.ProjectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.branches.Activate(r.Context(), req.ProjectID, req.BranchID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if prev.ProjectID != "" {
		s.sessions.Cancel(prev.ProjectID)
	}
	s.writeJSON(w, http.StatusOK, tokenResponse(tok))
}

// Projects

type projectResponse struct {
	*models.Project
	MainBranch *models.Branch `json:"main_branch,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, r, apperr.Validation("project name is empty"))
		return
	}

	p, err := s.queries.CreateProject(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	main, err := s.branches.EnsureMainBranch(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, projectResponse{Project: p, MainBranch: main})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	p, err := s.queries.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	main, err := s.branches.EnsureMainBranch(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, projectResponse{Project: p, MainBranch: main})
}

// Branches

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.branches.EnsureMainBranch(r.Context(), projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.branches.Load(r.Context(), projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.branches.Tree(projectID))
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req struct {
		MessageID   string `json:"message_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		CreatedBy   string `json:"created_by"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.queries.GetMessage(r.Context(), req.MessageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msg.ProjectID != projectID {
		s.writeError(w, r, apperr.NotFound("message", req.MessageID))
		return
	}

	b, err := s.branches.CreateBranch(r.Context(), msg.ID, req.Name, req.Description, models.StringPtr(req.CreatedBy))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	if err := s.branches.SwitchBranch(r.Context(), chi.URLParam(r, "branchID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tokenResponse(s.tracker.Current()))
}

func (s *Server) handleRenameBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.branches.RenameBranch(r.Context(), chi.URLParam(r, "branchID"), req.Name); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := s.branches.DeleteBranch(r.Context(), chi.URLParam(r, "branchID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMergeBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode    branch.MergeMode `json:"mode"`
		Summary string           `json:"summary"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.branches.MergeBranch(r.Context(), chi.URLParam(r, "branchID"), req.Mode, req.Summary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// Messages

// activeProject fails unless projectID is the active project. Reads and
// sends always go through the active scope.
func (s *Server) activeProject(r *http.Request) (string, error) {
	projectID := chi.URLParam(r, "projectID")
	if tok := s.tracker.Current(); tok.ProjectID != projectID {
		return "", apperr.Validation("project %s is not active", projectID)
	}
	return projectID, nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := s.activeProject(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.view.Messages(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []projection.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type sessionResponse struct {
	SessionID   string          `json:"session_id"`
	BranchID    string          `json:"branch_id"`
	State       session.State   `json:"state"`
	UserMessage *models.Message `json:"user_message,omitempty"`
	Message     *models.Message `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// respondSession answers 202 right away, or waits for the outcome when the
// request asks for it.
func (s *Server) respondSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	resp := sessionResponse{
		SessionID:   sess.ID,
		BranchID:    sess.BranchID,
		State:       sess.State(),
		UserMessage: sess.User,
	}
	if !wantWait(r) {
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	out, err := sess.Wait(r.Context())
	if err != nil {
		// The client went away; the session keeps running.
		return
	}
	if out.State != session.Completed {
		s.writeError(w, r, out.Err)
		return
	}
	resp.State = out.State
	resp.Message = out.Message
	if out.Err != nil {
		resp.Error = apperr.UserMessage(out.Err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.activeProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Content        string          `json:"content"`
		BranchID       string          `json:"branch_id"`
		AgentID        string          `json:"agent_id"`
		CollaboratorID string          `json:"collaborator_id"`
		Files          json.RawMessage `json:"files"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.sessions.Send(r.Context(), session.SendRequest{
		ProjectID:      projectID,
		BranchID:       req.BranchID,
		Content:        req.Content,
		AgentID:        req.AgentID,
		CollaboratorID: req.CollaboratorID,
		Files:          req.Files,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondSession(w, r, sess)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.edits.EditMessage(r.Context(), chi.URLParam(r, "messageID"), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondSession(w, r, sess)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.sessions.Cancel(chi.URLParam(r, "projectID"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	notices := []notify.Notice{}
	if s.inbox != nil {
		notices = append(notices, s.inbox.Drain(chi.URLParam(r, "projectID"))...)
	}
	s.writeJSON(w, http.StatusOK, notices)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.queries.ListFileAssets(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if assets == nil {
		assets = []models.FileAsset{}
	}
	s.writeJSON(w, http.StatusOK, assets)
}

// Collaborators

func (s *Server) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
	collabs, err := s.queries.ListCollaborators(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if collabs == nil {
		collabs = []models.Collaborator{}
	}
	s.writeJSON(w, http.StatusOK, collabs)
}

func (s *Server) handleCreateCollaborator(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req struct {
		Name        string `json:"name"`
		AvatarColor string `json:"avatar_color"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, r, apperr.Validation("collaborator name is empty"))
		return
	}
	if _, err := s.queries.GetProject(r.Context(), projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.queries.CreateCollaborator(r.Context(), projectID, strings.TrimSpace(req.Name), req.AvatarColor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}
