// Package session runs one streaming assistant response per project: it
// admits the request, streams and classifies the reply, persists it and
// archives its artifacts.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/esnunes/forkline/internal/agent"
	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/archive"
	"github.com/esnunes/forkline/internal/artifact"
	"github.com/esnunes/forkline/internal/metrics"
	"github.com/esnunes/forkline/internal/models"
	"github.com/esnunes/forkline/internal/notify"
	"github.com/esnunes/forkline/internal/phase"
	"github.com/esnunes/forkline/internal/projection"
	"github.com/esnunes/forkline/internal/scope"
	"github.com/esnunes/forkline/internal/sse"
)

const DefaultTimeout = 60 * time.Second

const readSize = 4096

type State int

const (
	Idle State = iota
	Sending
	Streaming
	Finalizing
	Completed
	Cancelled
	Failed
)

var stateNames = [...]string{"idle", "sending", "streaming", "finalizing", "completed", "cancelled", "failed"}

func (s State) String() string {
	if s < Idle || s > Failed {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Terminal reports whether s is one of the end states.
func (s State) Terminal() bool {
	return s >= Completed
}

// Streamer opens the agent's response stream.
type Streamer interface {
	Stream(ctx context.Context, req agent.Request) (io.ReadCloser, error)
}

// Records is the record store surface the controller needs.
type Records interface {
	CreateMessage(ctx context.Context, m models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, projectID string) ([]models.Message, error)
}

type Config struct {
	Timeout      time.Duration
	DefaultAgent string
	Archiver     archive.Archiver
	Notifier     notify.Notifier
}

// Controller admits and drives streaming sessions.
type Controller struct {
	records      Records
	streamer     Streamer
	tracker      *scope.Tracker
	archiver     archive.Archiver
	notifier     notify.Notifier
	logger       *zap.Logger
	timeout      time.Duration
	defaultAgent string

	mu     sync.Mutex
	slots  map[string]*Slot
	live   map[string][]models.Message
	closed bool
	wg     sync.WaitGroup
}

func NewController(records Records, streamer Streamer, tracker *scope.Tracker, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Controller{
		records:      records,
		streamer:     streamer,
		tracker:      tracker,
		archiver:     cfg.Archiver,
		notifier:     cfg.Notifier,
		logger:       logger.Named("session"),
		timeout:      cfg.Timeout,
		defaultAgent: cfg.DefaultAgent,
		slots:        make(map[string]*Slot),
		live:         make(map[string][]models.Message),
	}
}

type SendRequest struct {
	ProjectID      string
	BranchID       string // empty means the active branch
	Content        string
	AgentID        string
	CollaboratorID string
	Files          []byte
}

// Outcome is the terminal result of a session.
type Outcome struct {
	State   State
	Message *models.Message // the persisted or unsaved assistant message
	Err     error
}

// Session is one in-flight request/response exchange.
type Session struct {
	ID        string
	ProjectID string
	BranchID  string
	AgentID   string
	User      *models.Message

	token   scope.Token
	slot    *Slot
	started time.Time
	ctx     context.Context // bounded by the timeout, cancelled through the slot
	stop    func()

	mu      sync.Mutex
	state   State
	outcome Outcome
	done    chan struct{}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Send persists the user message and starts streaming the agent's reply on
// the active branch of req.ProjectID. The timeout covers the whole exchange,
// starting with the user message write.
func (c *Controller) Send(ctx context.Context, req SendRequest) (*Session, error) {
	if req.ProjectID == "" {
		return nil, apperr.Validation("project id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.Validation("message content is empty")
	}

	slot, err := c.Claim(req.ProjectID)
	if err != nil {
		return nil, err
	}
	sess, err := c.begin(ctx, slot, req.BranchID, req.AgentID)
	if err != nil {
		slot.Release()
		return nil, err
	}

	user := models.Message{
		ProjectID:      req.ProjectID,
		BranchID:       &sess.BranchID,
		Role:           models.RoleUser,
		Content:        req.Content,
		AgentID:        sess.AgentID,
		Files:          req.Files,
		CollaboratorID: models.StringPtr(req.CollaboratorID),
	}
	stored, err := c.records.CreateMessage(sess.ctx, user)
	if err != nil {
		err = c.abort(sess, fmt.Errorf("saving user message: %w", err))
		c.notifyErr(req.ProjectID, err)
		return nil, err
	}
	sess.User = stored

	if err := c.launch(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Regenerate streams a new reply to the current history using a slot the
// caller already holds. The slot is released when the session ends, or
// immediately if it cannot start.
func (c *Controller) Regenerate(ctx context.Context, slot *Slot, branchID, agentID string) (*Session, error) {
	sess, err := c.begin(ctx, slot, branchID, agentID)
	if err != nil {
		slot.Release()
		return nil, err
	}
	if err := c.launch(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// begin enters Sending and arms the timeout. The session context keeps the
// values of ctx but not its cancellation: the session outlives the request.
func (c *Controller) begin(ctx context.Context, slot *Slot, branchID, agentID string) (*Session, error) {
	tok := c.tracker.Current()
	if tok.ProjectID != slot.projectID {
		return nil, apperr.Validation("project %s is not active", slot.projectID)
	}
	if branchID == "" {
		branchID = tok.BranchID
	}
	if agentID == "" {
		agentID = c.defaultAgent
	}

	sctx, stopTimer := context.WithTimeoutCause(context.WithoutCancel(ctx), c.timeout, apperr.ErrTimeout)
	sctx, cancel := context.WithCancelCause(sctx)
	c.setCancel(slot, cancel)

	return &Session{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ProjectID: slot.projectID,
		BranchID:  branchID,
		AgentID:   agentID,
		token:     tok,
		slot:      slot,
		started:   time.Now(),
		ctx:       sctx,
		stop: func() {
			cancel(nil)
			stopTimer()
		},
		state: Sending,
		done:  make(chan struct{}),
	}, nil
}

// abort tears down a session that never reached its goroutine. A timeout or
// cancel that caused err replaces it.
func (c *Controller) abort(sess *Session, err error) error {
	if sess.ctx.Err() != nil {
		_, err = classify(sess.ctx, err, c.timeout)
	}
	sess.stop()
	sess.slot.Release()
	return err
}

// launch loads the history, adds the streaming placeholder and hands the
// session to its goroutine.
func (c *Controller) launch(sess *Session) error {
	all, err := c.records.ListMessages(sess.ctx, sess.ProjectID)
	if err != nil {
		return c.abort(sess, fmt.Errorf("loading history: %w", err))
	}
	history := projection.Project(all, sess.ProjectID, &models.Branch{ID: sess.BranchID, ProjectID: sess.ProjectID})

	createdAt := time.Now()
	if n := len(history); n > 0 && !createdAt.After(history[n-1].CreatedAt) {
		createdAt = history[n-1].CreatedAt.Add(time.Nanosecond)
	}
	placeholder := models.Message{
		ID:          sess.ID,
		ProjectID:   sess.ProjectID,
		BranchID:    &sess.BranchID,
		Role:        models.RoleAssistant,
		AgentID:     sess.AgentID,
		CreatedAt:   createdAt,
		IsStreaming: true,
		Streaming:   phase.Snapshot{}.StreamingState(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.stop()
		sess.slot.Release()
		return fmt.Errorf("controller closed: %w", apperr.ErrCancelled)
	}
	c.live[sess.ProjectID] = append(c.live[sess.ProjectID], placeholder)
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.SessionsStarted.Inc()
	c.logger.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("project_id", sess.ProjectID),
		zap.String("branch_id", sess.BranchID),
		zap.Int("history", len(history)))

	go func() {
		defer c.wg.Done()
		defer sess.stop()
		c.run(sess.ctx, sess, toAgent(history))
	}()
	return nil
}

func toAgent(history []models.Message) []agent.Message {
	out := make([]agent.Message, 0, len(history))
	for _, m := range history {
		out = append(out, agent.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (c *Controller) run(ctx context.Context, sess *Session, history []agent.Message) {
	sess.setState(Streaming)

	body, err := c.streamer.Stream(ctx, agent.Request{Messages: history, AgentID: sess.AgentID})
	if err != nil {
		c.end(ctx, sess, err)
		return
	}
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	if !c.tracker.Valid(sess.token) {
		c.end(ctx, sess, fmt.Errorf("scope changed before first chunk: %w", apperr.ErrCancelled))
		return
	}

	dec := sse.NewDecoder(c.logger)
	var st phase.State
	apply := func(events []sse.Event) {
		for _, ev := range events {
			if ev.Done {
				continue
			}
			var snap phase.Snapshot
			st, snap = phase.Apply(st, ev.Delta)
			c.updateLive(sess, func(m *models.Message) {
				m.Content = st.Buffer
				m.Streaming = snap.StreamingState()
			})
		}
	}

	buf := make([]byte, readSize)
	for !dec.Done() {
		n, rerr := body.Read(buf)
		if n > 0 {
			if !c.tracker.Valid(sess.token) {
				metrics.ChunksDropped.Inc()
				c.end(ctx, sess, fmt.Errorf("scope changed mid-stream: %w", apperr.ErrCancelled))
				return
			}
			apply(dec.Feed(buf[:n]))
		}
		if errors.Is(rerr, io.EOF) {
			apply(dec.Flush())
			break
		}
		if rerr != nil {
			c.end(ctx, sess, rerr)
			return
		}
	}
	metrics.StreamParseErrors.Add(float64(dec.Skipped))

	if !c.tracker.Valid(sess.token) {
		c.end(ctx, sess, fmt.Errorf("scope changed before saving: %w", apperr.ErrCancelled))
		return
	}
	c.finalize(ctx, sess, st)
}

// finalize persists the response. The write runs detached from the session
// context so neither the timeout nor a cancel can interrupt it.
func (c *Controller) finalize(ctx context.Context, sess *Session, st phase.State) {
	sess.setState(Finalizing)
	snap := phase.Finalize(st)

	wctx := context.WithoutCancel(ctx)
	stored, err := c.records.CreateMessage(wctx, models.Message{
		ProjectID: sess.ProjectID,
		BranchID:  &sess.BranchID,
		Role:      models.RoleAssistant,
		Content:   st.Buffer,
		AgentID:   sess.AgentID,
	})
	if err != nil {
		var unsaved models.Message
		c.updateLive(sess, func(m *models.Message) {
			m.Content = st.Buffer
			m.IsStreaming = false
			m.Unsaved = true
			m.Streaming = snap.StreamingState()
			unsaved = *m
		})
		err = fmt.Errorf("saving assistant message: %w", err)
		c.logger.Error("persisting response failed", zap.String("session_id", sess.ID), zap.Error(err))
		c.notifyErr(sess.ProjectID, err)
		c.complete(sess, Outcome{State: Completed, Message: &unsaved, Err: err})
		return
	}

	c.removeLive(sess)
	c.archive(wctx, sess, *stored)

	if !c.tracker.Valid(sess.token) {
		c.complete(sess, Outcome{State: Cancelled, Message: stored, Err: fmt.Errorf("scope changed while saving: %w", apperr.ErrCancelled)})
		return
	}
	c.complete(sess, Outcome{State: Completed, Message: stored})
}

// archive extracts the artifacts of msg and hands them to the archiver by
// category, outside the session's lifetime.
func (c *Controller) archive(ctx context.Context, sess *Session, msg models.Message) {
	if c.archiver == nil {
		return
	}
	assets := artifact.Extract(msg)
	if len(assets) == 0 {
		return
	}
	byCategory := make(map[string][]models.FileAsset)
	for _, a := range assets {
		byCategory[a.Category] = append(byCategory[a.Category], a)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(2)
		for category, group := range byCategory {
			g.Go(func() error {
				if err := c.archiver.Archive(gctx, group); err != nil {
					return fmt.Errorf("archiving %s artifacts: %w", category, err)
				}
				metrics.ArtifactsArchived.WithLabelValues(category).Add(float64(len(group)))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			c.logger.Warn("archiving artifacts", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}()
}

// end terminates a session that did not reach Finalizing.
func (c *Controller) end(ctx context.Context, sess *Session, err error) {
	st, err := classify(ctx, err, c.timeout)
	c.removeLive(sess)
	if st == Failed {
		c.notifyErr(sess.ProjectID, err)
	}
	c.complete(sess, Outcome{State: st, Err: err})
}

// classify maps a stream error to the session's terminal state. A context
// cause takes precedence over whatever error the read surfaced.
func classify(ctx context.Context, err error, timeout time.Duration) (State, error) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, apperr.ErrTimeout) {
			return Failed, fmt.Errorf("no response within %s: %w", timeout, apperr.ErrTimeout)
		}
		if cause == nil || errors.Is(cause, context.Canceled) {
			cause = fmt.Errorf("session cancelled: %w", apperr.ErrCancelled)
		}
		return Cancelled, cause
	}
	switch apperr.CategoryOf(err) {
	case apperr.CategoryCancelled:
		return Cancelled, err
	case apperr.CategoryInternal:
		return Failed, fmt.Errorf("reading stream: %w: %v", apperr.ErrTransport, err)
	}
	return Failed, err
}

func (c *Controller) complete(sess *Session, out Outcome) {
	sess.slot.Release()

	reason := string(apperr.CategoryOf(out.Err))
	if reason == "" {
		reason = "none"
	}
	metrics.SessionsFinished.WithLabelValues(out.State.String(), reason).Inc()
	metrics.SessionDuration.Observe(time.Since(sess.started).Seconds())

	fields := []zap.Field{
		zap.String("session_id", sess.ID),
		zap.String("project_id", sess.ProjectID),
		zap.Stringer("state", out.State),
		zap.Duration("elapsed", time.Since(sess.started)),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	c.logger.Info("session finished", fields...)

	sess.mu.Lock()
	sess.state = out.State
	sess.outcome = out
	sess.mu.Unlock()
	close(sess.done)
}

func (c *Controller) notifyErr(projectID string, err error) {
	if c.notifier == nil {
		return
	}
	if n, ok := notify.FromError(projectID, err); ok {
		c.notifier.Notify(n)
	}
}

func (c *Controller) updateLive(sess *Session, fn func(m *models.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.live[sess.ProjectID]
	for i := range msgs {
		if msgs[i].ID == sess.ID {
			fn(&msgs[i])
			return
		}
	}
}

func (c *Controller) removeLive(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.live[sess.ProjectID]
	for i := range msgs {
		if msgs[i].ID == sess.ID {
			msgs = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	if len(msgs) == 0 {
		delete(c.live, sess.ProjectID)
		return
	}
	c.live[sess.ProjectID] = msgs
}

// Live returns the messages of projectID that exist only in memory: the
// streaming placeholder and responses that could not be saved.
func (c *Controller) Live(projectID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.live[projectID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

// DismissUnsaved drops unsaved responses of projectID from memory.
func (c *Controller) DismissUnsaved(projectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.live[projectID]
	kept := msgs[:0]
	for _, m := range msgs {
		if !m.Unsaved {
			kept = append(kept, m)
		}
	}
	n := len(msgs) - len(kept)
	if len(kept) == 0 {
		delete(c.live, projectID)
	} else {
		c.live[projectID] = kept
	}
	return n
}

// Close cancels every running session and waits for them to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	for _, s := range c.slots {
		s.cancelLocked(fmt.Errorf("shutting down: %w", apperr.ErrCancelled))
	}
	c.mu.Unlock()
	c.wg.Wait()
}
