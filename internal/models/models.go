package models

import (
	"encoding/json"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Branch struct {
	ID                   string    `json:"id"`
	ProjectID            string    `json:"project_id"`
	ParentBranchID       *string   `json:"parent_branch_id"`
	BranchPointMessageID *string   `json:"branch_point_message_id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	IsMain               bool      `json:"is_main"`
	CreatedBy            *string   `json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
}

type Message struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	BranchID       *string         `json:"branch_id"` // nil means main
	Role           string          `json:"role"`      // "user", "assistant"
	Content        string          `json:"content"`
	AgentID        string          `json:"agent_id"`
	Files          json.RawMessage `json:"files,omitempty"`
	CollaboratorID *string         `json:"collaborator_id"`
	CreatedAt      time.Time       `json:"created_at"`

	// Live-only fields (not stored)
	IsStreaming bool            `json:"is_streaming,omitempty"`
	Unsaved     bool            `json:"unsaved,omitempty"`
	Streaming   *StreamingState `json:"streaming,omitempty"`
}

// InBranch reports whether the message belongs to branchID. Messages without a
// branch predate branching and are visible on every branch.
func (m *Message) InBranch(branchID string) bool {
	return m.BranchID == nil || *m.BranchID == branchID
}

// StreamingState is the phase-tagged accumulation of an in-flight assistant message.
type StreamingState struct {
	Phase      string   `json:"phase"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Conclusion string   `json:"conclusion,omitempty"`
	Normal     string   `json:"normal_content,omitempty"`
}

type Collaborator struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	AvatarColor string `json:"avatar_color"`
}

type FileAsset struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	BranchID  *string   `json:"branch_id"`
	MessageID string    `json:"message_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`     // mime type
	Category  string    `json:"category"` // "table", "image", "file"
	Content   string    `json:"content"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
