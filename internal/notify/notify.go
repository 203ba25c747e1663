// Package notify delivers user-facing notices about session failures.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/esnunes/forkline/internal/apperr"
)

type Notice struct {
	ProjectID string          `json:"project_id"`
	Category  apperr.Category `json:"category"`
	Message   string          `json:"message"`
}

// Notifier is implemented by whatever surfaces toasts to the user.
type Notifier interface {
	Notify(n Notice)
}

// FromError builds the notice for err. Cancellations produce no notice.
func FromError(projectID string, err error) (Notice, bool) {
	cat := apperr.CategoryOf(err)
	if cat == apperr.CategoryNone || cat == apperr.CategoryCancelled {
		return Notice{}, false
	}
	return Notice{ProjectID: projectID, Category: cat, Message: apperr.UserMessage(err)}, true
}

// Log writes notices to the logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Notify(n Notice) {
	l.logger.Warn(n.Message, zap.String("project_id", n.ProjectID), zap.String("category", string(n.Category)))
}

// Inbox keeps the most recent notices per project so clients can poll them.
type Inbox struct {
	mu      sync.Mutex
	max     int
	notices map[string][]Notice
	next    Notifier
}

func NewInbox(max int, next Notifier) *Inbox {
	return &Inbox{max: max, notices: make(map[string][]Notice), next: next}
}

func (in *Inbox) Notify(n Notice) {
	in.mu.Lock()
	list := append(in.notices[n.ProjectID], n)
	if len(list) > in.max {
		list = list[len(list)-in.max:]
	}
	in.notices[n.ProjectID] = list
	in.mu.Unlock()

	if in.next != nil {
		in.next.Notify(n)
	}
}

// Drain returns and clears the pending notices of projectID.
func (in *Inbox) Drain(projectID string) []Notice {
	in.mu.Lock()
	defer in.mu.Unlock()
	list := in.notices[projectID]
	delete(in.notices, projectID)
	return list
}
