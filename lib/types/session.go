package types

import (
	"bytes"
	"encoding/json"
	"strings"

	"golang.org/x/xerrors"
)

type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Workspace string `json:"workspace,omitempty"`
	Branch    string `json:"branch,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// FlexID is an identifier that persisted history stores either as a JSON
// string or as a JSON number. Set is false for a missing or null value.
type FlexID struct {
	Value string
	Set   bool
}

func NewFlexID(v string) FlexID {
	return FlexID{Value: v, Set: v != ""}
}

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = FlexID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return xerrors.Errorf("failed to decode id: %w", err)
		}
		s = strings.TrimSpace(s)
		*f = FlexID{Value: s, Set: s != ""}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return xerrors.Errorf("id must be a string or a number: %w", err)
	}
	*f = FlexID{Value: n.String(), Set: true}
	return nil
}

func (f FlexID) MarshalJSON() ([]byte, error) {
	if !f.Set {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

func (f FlexID) String() string {
	return f.Value
}

// FlatMessageRecord is a message as returned by the load-session endpoint.
// Older histories carry no parent reference at all; newer ones name the
// parent either as parentId or parent_id.
type FlatMessageRecord struct {
	ID             FlexID      `json:"id"`
	Role           string      `json:"role"`
	Content        string      `json:"content"`
	ParentID       FlexID      `json:"parentId"`
	LegacyParentID FlexID      `json:"parent_id"`
	Thought        string      `json:"thought,omitempty"`
	Citations      []string    `json:"citations,omitempty"`
	Images         []ImageRef  `json:"images,omitempty"`
	Stats          *UsageStats `json:"stats,omitempty"`
	Error          bool        `json:"error,omitempty"`
	CreatedAt      string      `json:"created_at,omitempty"`
}

// Parent returns the explicit parent reference, if the record carries one.
func (r FlatMessageRecord) Parent() (string, bool) {
	if r.ParentID.Set {
		return r.ParentID.Value, true
	}
	if r.LegacyParentID.Set {
		return r.LegacyParentID.Value, true
	}
	return "", false
}

type SessionPayload struct {
	Session  *Session            `json:"session,omitempty"`
	Messages []FlatMessageRecord `json:"messages,omitempty"`
}
