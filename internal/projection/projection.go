// Package projection derives the ordered, branch-filtered message list the
// rest of the application reads.
package projection

import (
	"cmp"
	"slices"

	"github.com/esnunes/forkline/internal/models"
)

// Project filters all down to the messages of projectID visible on branch and
// orders them by creation time. A nil branch disables branch filtering.
//
// The project filter runs before and after sorting: callers merge persisted
// rows with live placeholders from another source, and a row from a foreign
// project must never reach the result.
func Project(all []models.Message, projectID string, branch *models.Branch) []models.Message {
	if projectID == "" {
		return nil
	}

	scoped := make([]models.Message, 0, len(all))
	for _, m := range all {
		if m.ProjectID == projectID {
			scoped = append(scoped, m)
		}
	}
	slices.SortStableFunc(scoped, compareMessages)

	out := scoped[:0]
	for _, m := range scoped {
		if m.ProjectID != projectID {
			continue
		}
		if branch != nil && !m.InBranch(branch.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func compareMessages(a, b models.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Index returns the position of id in msgs, or -1.
func Index(msgs []models.Message, id string) int {
	return slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == id })
}
