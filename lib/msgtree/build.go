package msgtree

import (
	"fmt"
	"time"

	"github.com/coder/agentchat/lib/types"
)

// HasExplicitParents reports whether any record names a parent. Histories
// written before branching existed never do, and are read as a single chain.
func HasExplicitParents(records []types.FlatMessageRecord) bool {
	for _, r := range records {
		if _, ok := r.Parent(); ok {
			return true
		}
	}
	return false
}

// RecordID returns the id a record is stored under: its own id when it has
// one, otherwise a fallback derived from its position.
func RecordID(r types.FlatMessageRecord, index int) string {
	if r.ID.Set && r.ID.Value != "" {
		return r.ID.Value
	}
	return fmt.Sprintf("msg-%d", index)
}

// Built is the result of BuildFromFlatList.
type Built struct {
	Messages map[string]types.Message
	// Order lists ids in record order.
	Order []string
	Head  string
}

// Store returns a Store holding the built messages.
func (b Built) Store() *Store {
	return FromMap(b.Messages, b.Order, b.Head)
}

// BuildFromFlatList turns a loaded session's records into a message map and
// head. The head is the last record.
func BuildFromFlatList(records []types.FlatMessageRecord) Built {
	ids := make([]string, len(records))
	known := make(map[string]struct{}, len(records))
	for i, r := range records {
		ids[i] = RecordID(r, i)
		known[ids[i]] = struct{}{}
	}

	var parents []string
	if HasExplicitParents(records) {
		parents = explicitParents(records, ids, known)
	} else {
		parents = chainParents(ids)
	}

	out := Built{
		Messages: make(map[string]types.Message, len(records)),
		Order:    ids,
	}
	for i, r := range records {
		out.Messages[ids[i]] = types.Message{
			ID:        ids[i],
			Role:      types.NormalizeRole(r.Role),
			Content:   r.Content,
			ParentID:  parents[i],
			Stats:     r.Stats,
			Thought:   r.Thought,
			Citations: r.Citations,
			Images:    r.Images,
			Error:     r.Error,
			Time:      parseTime(r.CreatedAt),
		}
	}
	if len(ids) > 0 {
		out.Head = ids[len(ids)-1]
	}
	return out
}

func explicitParents(records []types.FlatMessageRecord, ids []string, known map[string]struct{}) []string {
	parents := make([]string, len(records))
	for i, r := range records {
		p, ok := r.Parent()
		if !ok || p == ids[i] {
			continue
		}
		if _, ok := known[p]; !ok {
			continue
		}
		parents[i] = p
	}
	return parents
}

func chainParents(ids []string) []string {
	parents := make([]string, len(ids))
	for i := 1; i < len(ids); i++ {
		if ids[i-1] != ids[i] {
			parents[i] = ids[i-1]
		}
	}
	return parents
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
