package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/esnunes/forkline/internal/agent"
	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/branch"
	"github.com/esnunes/forkline/internal/db"
	"github.com/esnunes/forkline/internal/edit"
	"github.com/esnunes/forkline/internal/notify"
	"github.com/esnunes/forkline/internal/phase"
	"github.com/esnunes/forkline/internal/projection"
	"github.com/esnunes/forkline/internal/scope"
	"github.com/esnunes/forkline/internal/session"
)

// fakeAgent answers every request with a canned reply, or blocks on a pipe
// when hold is set.
type fakeAgent struct {
	mu    sync.Mutex
	reply string
	hold  *io.PipeReader
}

func (a *fakeAgent) Stream(_ context.Context, req agent.Request) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hold != nil {
		return a.hold, nil
	}
	body := fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\ndata: [DONE]\n\n", a.reply)
	return io.NopCloser(strings.NewReader(body)), nil
}

type env struct {
	ts    *httptest.Server
	agent *fakeAgent
	inbox *notify.Inbox
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	database, err := db.Open(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	q := db.NewQueries(database, db.DriverSQLite)

	tracker := scope.NewTracker()
	fa := &fakeAgent{reply: "<conclusion>ok</conclusion>"}
	inbox := notify.NewInbox(10, notify.NewLog(logger))
	sessions := session.NewController(q, fa, tracker, session.Config{Timeout: 5 * time.Second, Notifier: inbox}, logger)
	t.Cleanup(sessions.Close)

	s, err := New(Deps{
		Queries:  q,
		Tracker:  tracker,
		Branches: branch.NewStore(q, tracker, logger),
		Sessions: sessions,
		Edits:    edit.NewEngine(q, sessions, tracker, logger),
		View:     projection.NewView(q, sessions, tracker, phase.NewCache(64)),
		Inbox:    inbox,
		Logger:   logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, agent: fa, inbox: inbox}
}

func (e *env) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type project struct {
	ID         string `json:"id"`
	MainBranch struct {
		ID string `json:"id"`
	} `json:"main_branch"`
}

type entry struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	BranchID   string `json:"branch_id"`
	Structured *struct {
		Conclusion string `json:"conclusion"`
	} `json:"structured"`
}

func (e *env) createActiveProject(t *testing.T) project {
	t.Helper()
	var p project
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/api/projects", map[string]string{"name": "demo"}, &p))
	require.NotEmpty(t, p.MainBranch.ID)
	require.Equal(t, http.StatusOK, e.do(t, "PUT", "/api/scope", map[string]string{"project_id": p.ID}, nil))
	return p
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := e.ts.Client().Get(e.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "forkline_http_requests_total")
}

func TestConversationFlow(t *testing.T) {
	e := newEnv(t)
	p := e.createActiveProject(t)
	base := "/api/projects/" + p.ID

	var sent sessionResponse
	require.Equal(t, http.StatusOK, e.do(t, "POST", base+"/messages?wait=true", map[string]string{"content": "hello"}, &sent))
	assert.Equal(t, session.Completed, sent.State)
	require.NotNil(t, sent.Message)

	var msgs []entry
	require.Equal(t, http.StatusOK, e.do(t, "GET", base+"/messages", nil, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	require.NotNil(t, msgs[1].Structured)
	assert.Equal(t, "ok", msgs[1].Structured.Conclusion)

	// Fork at the reply and continue on the new branch.
	var b struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, e.do(t, "POST", base+"/branches",
		map[string]string{"message_id": msgs[1].ID, "name": "what-if"}, &b))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/branches/"+b.ID+"/switch", nil, nil))

	e.agent.mu.Lock()
	e.agent.reply = "branch answer"
	e.agent.mu.Unlock()
	require.Equal(t, http.StatusOK, e.do(t, "POST", base+"/messages?wait=true", map[string]string{"content": "alt"}, &sent))
	assert.Equal(t, b.ID, sent.BranchID)

	var tree []struct {
		Branch struct {
			ID string `json:"id"`
		} `json:"branch"`
		Children []struct {
			Depth int `json:"depth"`
		} `json:"children"`
	}
	require.Equal(t, http.StatusOK, e.do(t, "GET", base+"/branches", nil, &tree))
	require.Len(t, tree, 1)
	assert.Equal(t, p.MainBranch.ID, tree[0].Branch.ID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, 1, tree[0].Children[0].Depth)

	var merged branch.MergeResult
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/branches/"+b.ID+"/merge", map[string]string{"mode": "messages"}, &merged))
	assert.Equal(t, branch.MergeResult{Inserted: 2}, merged)
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/branches/"+b.ID+"/merge", map[string]string{"mode": "messages"}, &merged))
	assert.Equal(t, branch.MergeResult{Skipped: 2}, merged)

	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/branches/"+p.MainBranch.ID+"/switch", nil, nil))
	require.Equal(t, http.StatusOK, e.do(t, "GET", base+"/messages", nil, &msgs))
	assert.Len(t, msgs, 4)

	var apiErr errorResponse
	assert.Equal(t, http.StatusForbidden, e.do(t, "DELETE", "/api/branches/"+p.MainBranch.ID, nil, &apiErr))
	assert.Equal(t, apperr.CategoryPermission, apiErr.Category)
	assert.Equal(t, http.StatusNoContent, e.do(t, "DELETE", "/api/branches/"+b.ID, nil, nil))
}

func TestEditThroughAPI(t *testing.T) {
	e := newEnv(t)
	p := e.createActiveProject(t)
	base := "/api/projects/" + p.ID

	var sent sessionResponse
	require.Equal(t, http.StatusOK, e.do(t, "POST", base+"/messages?wait=true", map[string]string{"content": "first"}, &sent))
	require.Equal(t, http.StatusOK, e.do(t, "POST", base+"/messages?wait=true", map[string]string{"content": "second"}, &sent))

	var msgs []entry
	require.Equal(t, http.StatusOK, e.do(t, "GET", base+"/messages", nil, &msgs))
	require.Len(t, msgs, 4)

	e.agent.mu.Lock()
	e.agent.reply = "fresh"
	e.agent.mu.Unlock()
	require.Equal(t, http.StatusOK, e.do(t, "PATCH", "/api/messages/"+msgs[0].ID+"?wait=true", map[string]string{"content": "first, edited"}, &sent))

	require.Equal(t, http.StatusOK, e.do(t, "GET", base+"/messages", nil, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "first, edited", msgs[0].Content)
	assert.Equal(t, "fresh", msgs[1].Content)

	assert.Equal(t, http.StatusNoContent, e.do(t, "PATCH", "/api/messages/"+msgs[1].ID, map[string]string{"content": "reworded"}, nil))
	var apiErr errorResponse
	assert.Equal(t, http.StatusNotFound, e.do(t, "PATCH", "/api/messages/nope", map[string]string{"content": "x"}, &apiErr))
}

func TestBusyAndCancel(t *testing.T) {
	e := newEnv(t)
	p := e.createActiveProject(t)
	base := "/api/projects/" + p.ID

	pr, pw := io.Pipe()
	defer pw.Close()
	e.agent.mu.Lock()
	e.agent.hold = pr
	e.agent.mu.Unlock()

	var sent sessionResponse
	require.Equal(t, http.StatusAccepted, e.do(t, "POST", base+"/messages", map[string]string{"content": "slow"}, &sent))

	var msgs []entry
	require.Equal(t, http.StatusOK, e.do(t, "GET", base+"/messages", nil, &msgs))
	require.Len(t, msgs, 2)

	var apiErr errorResponse
	assert.Equal(t, http.StatusConflict, e.do(t, "POST", base+"/messages", map[string]string{"content": "again"}, &apiErr))
	assert.Equal(t, apperr.CategoryBusy, apiErr.Category)

	var cancelled map[string]bool
	require.Equal(t, http.StatusOK, e.do(t, "POST", base+"/cancel", nil, &cancelled))
	assert.True(t, cancelled["cancelled"])

	assert.Eventually(t, func() bool {
		var after []entry
		e.do(t, "GET", base+"/messages", nil, &after)
		return len(after) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProjectSwitchCancelsSession(t *testing.T) {
	e := newEnv(t)
	first := e.createActiveProject(t)

	pr, pw := io.Pipe()
	defer pw.Close()
	e.agent.mu.Lock()
	e.agent.hold = pr
	e.agent.mu.Unlock()

	var sent sessionResponse
	require.Equal(t, http.StatusAccepted, e.do(t, "POST", "/api/projects/"+first.ID+"/messages", map[string]string{"content": "q"}, &sent))

	second := e.createActiveProject(t)
	var msgs []entry
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/api/projects/"+second.ID+"/messages", nil, &msgs))
	assert.Empty(t, msgs)

	var apiErr errorResponse
	assert.Equal(t, http.StatusBadRequest, e.do(t, "GET", "/api/projects/"+first.ID+"/messages", nil, &apiErr))
	assert.Empty(t, e.inbox.Drain(first.ID), "cancelled sessions raise no notice")
}

func TestValidationErrors(t *testing.T) {
	e := newEnv(t)
	p := e.createActiveProject(t)

	var apiErr errorResponse
	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/projects", map[string]string{"name": " "}, &apiErr))
	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/projects/"+p.ID+"/messages", map[string]string{"content": ""}, &apiErr))
	assert.Equal(t, apperr.CategoryValidation, apiErr.Category)
	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", "/api/projects/missing", nil, &apiErr))
	assert.Equal(t, http.StatusNotFound, e.do(t, "PUT", "/api/scope", map[string]string{"project_id": "missing"}, &apiErr))
	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/branches/x/merge", "not an object", &apiErr))
}

func TestCollaborators(t *testing.T) {
	e := newEnv(t)
	p := e.createActiveProject(t)
	base := "/api/projects/" + p.ID + "/collaborators"

	require.Equal(t, http.StatusCreated, e.do(t, "POST", base, map[string]string{"name": "Ada", "avatar_color": "#f00"}, nil))
	var list []struct {
		Name string `json:"name"`
	}
	require.Equal(t, http.StatusOK, e.do(t, "GET", base, nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Ada", list[0].Name)
}

func TestWriteErrorStatus(t *testing.T) {
	s := &Server{logger: zaptest.NewLogger(t)}
	cases := map[error]int{
		apperr.Validation("bad"):                     http.StatusBadRequest,
		apperr.NotFound("branch", "b"):               http.StatusNotFound,
		apperr.ErrPermission:                         http.StatusForbidden,
		apperr.ErrBusy:                               http.StatusConflict,
		apperr.ErrCancelled:                          http.StatusConflict,
		apperr.ErrRateLimited:                        http.StatusTooManyRequests,
		apperr.ErrQuotaExceeded:                      http.StatusPaymentRequired,
		apperr.ErrTimeout:                            http.StatusGatewayTimeout,
		apperr.ErrTransport:                          http.StatusBadGateway,
		fmt.Errorf("upstream: %w", apperr.ErrServer): http.StatusBadGateway,
		errors.New("boom"):                           http.StatusInternalServerError,
	}
	for err, want := range cases {
		rec := httptest.NewRecorder()
		s.writeError(rec, httptest.NewRequest("GET", "/", nil), err)
		assert.Equal(t, want, rec.Code, err.Error())
	}
}
