package session

import (
	"context"
	"fmt"

	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/metrics"
)

// Slot is the single per-project admission ticket. Whoever holds it (a
// streaming session or an edit cascade) excludes every other start for the
// same project until it is released.
type Slot struct {
	c         *Controller
	projectID string
	cancel    context.CancelCauseFunc
	cause     error // cancel requested before a session attached
}

func (s *Slot) ProjectID() string {
	return s.projectID
}

// Release frees the slot. It is safe to call more than once.
func (s *Slot) Release() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.slots[s.projectID] == s {
		delete(s.c.slots, s.projectID)
	}
}

// Claim takes the slot of projectID or fails with apperr.ErrBusy.
func (c *Controller) Claim(projectID string) (*Slot, error) {
	if projectID == "" {
		return nil, apperr.Validation("project id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("controller closed: %w", apperr.ErrCancelled)
	}
	if _, taken := c.slots[projectID]; taken {
		metrics.SessionsRejected.Inc()
		return nil, fmt.Errorf("project %s: %w", projectID, apperr.ErrBusy)
	}
	s := &Slot{c: c, projectID: projectID}
	c.slots[projectID] = s
	return s, nil
}

// Active reports whether a session or edit currently holds projectID's slot.
func (c *Controller) Active(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[projectID]
	return ok
}

// Cancel stops the session of projectID, if any. It reports whether the slot
// was held. A cancel that arrives before the holder's session is running takes
// effect as soon as it attaches.
func (c *Controller) Cancel(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[projectID]
	if !ok {
		return false
	}
	s.cancelLocked(fmt.Errorf("navigated away from project %s: %w", projectID, apperr.ErrCancelled))
	return true
}

// cancelLocked must be called with c.mu held.
func (s *Slot) cancelLocked(cause error) {
	if s.cancel != nil {
		s.cancel(cause)
		return
	}
	if s.cause == nil {
		s.cause = cause
	}
}

func (c *Controller) setCancel(s *Slot, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.cancel = cancel
	if s.cause != nil {
		cancel(s.cause)
	}
}
