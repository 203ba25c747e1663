// Package scope tracks which project and branch are currently active.
//
// Asynchronous work captures a Token when it starts and checks Valid at every
// resumption point. A project switch bumps the generation, so any token taken
// before the switch is rejected even if the user later returns to the same
// project.
package scope

import "sync"

type Token struct {
	ProjectID  string
	BranchID   string
	Generation uint64
}

type Tracker struct {
	mu  sync.RWMutex
	cur Token
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Current returns the active project and branch as one consistent snapshot.
func (t *Tracker) Current() Token {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// SetProject activates projectID with branchID selected and starts a new generation.
func (t *Tracker) SetProject(projectID, branchID string) Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = Token{ProjectID: projectID, BranchID: branchID, Generation: t.cur.Generation + 1}
	return t.cur
}

// SetBranch changes the selected branch of the active project. It does not
// invalidate outstanding tokens: in-flight work stays attached to the branch
// it started on. It returns false if projectID is no longer active.
func (t *Tracker) SetBranch(projectID, branchID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur.ProjectID != projectID {
		return false
	}
	t.cur.BranchID = branchID
	return true
}

// Valid reports whether work started under tok still belongs to the active project.
func (t *Tracker) Valid(tok Token) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return tok.ProjectID != "" && t.cur.ProjectID == tok.ProjectID && t.cur.Generation == tok.Generation
}
