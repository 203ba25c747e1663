package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenInvalidatedByProjectSwitch(t *testing.T) {
	tr := NewTracker()
	tok := tr.SetProject("p1", "main-1")
	assert.True(t, tr.Valid(tok))

	tr.SetProject("p2", "main-2")
	assert.False(t, tr.Valid(tok))

	// Returning to p1 starts a new generation; the old token stays stale.
	tr.SetProject("p1", "main-1")
	assert.False(t, tr.Valid(tok))
}

func TestBranchSwitchKeepsTokenValid(t *testing.T) {
	tr := NewTracker()
	tok := tr.SetProject("p1", "main")

	assert.True(t, tr.SetBranch("p1", "feature"))
	assert.True(t, tr.Valid(tok))
	assert.Equal(t, "feature", tr.Current().BranchID)

	assert.False(t, tr.SetBranch("p2", "other"))
	assert.Equal(t, "feature", tr.Current().BranchID)
}

func TestZeroTokenIsNeverValid(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.Valid(tr.Current()))
}
