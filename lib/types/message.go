package types

import (
	"strings"
	"time"

	"github.com/coder/agentchat/lib/util"
	"github.com/danielgtaylor/huma/v2"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

var RoleValues = []Role{
	RoleUser,
	RoleModel,
}

func (r Role) Schema(reg huma.Registry) *huma.Schema {
	return util.OpenAPISchema(reg, "Role", RoleValues)
}

// NormalizeRole maps the role spellings found in persisted history onto Role.
func NormalizeRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return RoleUser
	default:
		return RoleModel
	}
}

type UsageStats struct {
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
	CachedTokens int    `json:"cached,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	ToolCalls    int    `json:"tool_calls,omitempty"`
	Model        string `json:"model,omitempty"`
}

type ImageRef struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	// Data is base64 encoded when the image travels inline.
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is one node of a session's message tree. An empty ParentID marks a
// root.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	ParentID  string      `json:"parentId,omitempty"`
	Stats     *UsageStats `json:"stats,omitempty"`
	Thought   string      `json:"thought,omitempty"`
	Citations []string    `json:"citations,omitempty"`
	Images    []ImageRef  `json:"images,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Error     bool        `json:"error,omitempty"`
	Queued    bool        `json:"queued,omitempty"`
	Time      time.Time   `json:"time"`
}

// Clone returns a deep copy so callers can hand messages out of a store
// without sharing slices.
func (m Message) Clone() Message {
	out := m
	if m.Stats != nil {
		stats := *m.Stats
		out.Stats = &stats
	}
	if m.Citations != nil {
		out.Citations = append([]string(nil), m.Citations...)
	}
	if m.Images != nil {
		out.Images = append([]ImageRef(nil), m.Images...)
	}
	return out
}

// PendingItem is a submission waiting for the in-flight turn to finish.
// When Anchored is false the item attaches to the session head at the time
// it is drained; otherwise ParentID is used as given, "" meaning a new root.
type PendingItem struct {
	TempID    string     `json:"tempId"`
	Content   string     `json:"content"`
	Images    []ImageRef `json:"images,omitempty"`
	ParentID  string     `json:"parentId,omitempty"`
	Anchored  bool       `json:"anchored,omitempty"`
	SessionID string     `json:"sessionId"`
	Model     string     `json:"model,omitempty"`
}
