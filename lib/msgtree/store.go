// Package msgtree holds a session's messages as a forest linked by parent ids,
// plus the head pointer that selects the displayed branch.
package msgtree

import (
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/types"
)

var ErrNotFound = xerrors.New("message not found")

// Store owns the message records of one session. It is not safe for
// concurrent use; the chat controller serializes access.
type Store struct {
	msgs  map[string]*types.Message
	order []string
	head  string
	newID func() string
}

func New() *Store {
	return &Store{
		msgs:  make(map[string]*types.Message),
		newID: uuid.NewString,
	}
}

// FromMap builds a store from the output of BuildFromFlatList. Messages are
// ordered by their position in records when known, so sibling order follows
// the persisted order.
func FromMap(msgs map[string]types.Message, order []string, head string) *Store {
	s := New()
	seen := make(map[string]struct{}, len(msgs))
	for _, id := range order {
		m, ok := msgs[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		c := m.Clone()
		s.msgs[id] = &c
		s.order = append(s.order, id)
	}
	for id, m := range msgs {
		if _, ok := seen[id]; ok {
			continue
		}
		c := m.Clone()
		s.msgs[id] = &c
		s.order = append(s.order, id)
	}
	if _, ok := s.msgs[head]; ok {
		s.head = head
	}
	return s
}

// Insert stores msg under parentID and makes it the head. A missing id is
// replaced with a fresh one; the id actually used is returned.
func (s *Store) Insert(msg types.Message, parentID string) string {
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	if parentID == msg.ID {
		parentID = ""
	}
	msg.ParentID = parentID
	c := msg.Clone()
	if _, exists := s.msgs[msg.ID]; !exists {
		s.order = append(s.order, msg.ID)
	}
	s.msgs[msg.ID] = &c
	s.head = msg.ID
	return msg.ID
}

// Patch lists the fields Update may change. Nil fields are left untouched.
type Patch struct {
	Content   *string
	Thought   *string
	Citations *[]string
	Stats     *types.UsageStats
	Error     *bool
	SessionID *string
}

// Update merges p into the message with the given id. It reports false, and
// does nothing, when the id is unknown.
func (s *Store) Update(id string, p Patch) bool {
	m, ok := s.msgs[id]
	if !ok {
		return false
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Thought != nil {
		m.Thought = *p.Thought
	}
	if p.Citations != nil {
		m.Citations = append([]string(nil), (*p.Citations)...)
	}
	if p.Stats != nil {
		stats := *p.Stats
		m.Stats = &stats
	}
	if p.Error != nil {
		m.Error = *p.Error
	}
	if p.SessionID != nil {
		m.SessionID = *p.SessionID
	}
	return true
}

func (s *Store) Get(id string) (types.Message, bool) {
	m, ok := s.msgs[id]
	if !ok {
		return types.Message{}, false
	}
	return m.Clone(), true
}

// Head returns the head id, or "" when the store is empty or the head no
// longer resolves.
func (s *Store) Head() string {
	if _, ok := s.msgs[s.head]; !ok {
		return ""
	}
	return s.head
}

// SetHead moves the head. An empty id clears it.
func (s *Store) SetHead(id string) error {
	if id == "" {
		s.head = ""
		return nil
	}
	if _, ok := s.msgs[id]; !ok {
		return xerrors.Errorf("set head %q: %w", id, ErrNotFound)
	}
	s.head = id
	return nil
}

func (s *Store) Len() int {
	return len(s.msgs)
}

// Thread returns the branch ending at the head, root first.
func (s *Store) Thread() []types.Message {
	return s.ThreadFrom(s.Head())
}

// ThreadFrom walks parent links from id back to a root and returns the
// messages root first. The walk stops at the first id it has already seen,
// so a corrupted map with a cycle still terminates.
func (s *Store) ThreadFrom(id string) []types.Message {
	var rev []types.Message
	visited := make(map[string]struct{})
	for id != "" {
		if _, ok := visited[id]; ok {
			break
		}
		visited[id] = struct{}{}
		m, ok := s.msgs[id]
		if !ok {
			break
		}
		rev = append(rev, m.Clone())
		id = m.ParentID
	}
	out := make([]types.Message, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out
}

// Children returns the direct children of id in insertion order. An empty id
// returns the roots.
func (s *Store) Children(id string) []types.Message {
	var out []types.Message
	for _, cid := range s.order {
		m := s.msgs[cid]
		if m.ParentID == id && cid != id {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Rewind moves the head to the parent of the given message without deleting
// anything.
func (s *Store) Rewind(id string) error {
	m, ok := s.msgs[id]
	if !ok {
		return xerrors.Errorf("rewind %q: %w", id, ErrNotFound)
	}
	if _, ok := s.msgs[m.ParentID]; !ok {
		s.head = ""
		return nil
	}
	s.head = m.ParentID
	return nil
}

// Prune removes id and every message that descends from it, then moves the
// head to the removed message's former parent. It returns the number of
// messages removed.
func (s *Store) Prune(id string) (int, error) {
	root, ok := s.msgs[id]
	if !ok {
		return 0, xerrors.Errorf("prune %q: %w", id, ErrNotFound)
	}
	parent := root.ParentID

	children := make(map[string][]string, len(s.msgs))
	for _, cid := range s.order {
		p := s.msgs[cid].ParentID
		if p != "" && p != cid {
			children[p] = append(children[p], cid)
		}
	}
	doomed := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if _, ok := doomed[c]; ok {
				continue
			}
			doomed[c] = struct{}{}
			queue = append(queue, c)
		}
	}

	kept := s.order[:0]
	for _, oid := range s.order {
		if _, ok := doomed[oid]; ok {
			delete(s.msgs, oid)
			continue
		}
		kept = append(kept, oid)
	}
	s.order = kept

	if _, ok := s.msgs[parent]; ok {
		s.head = parent
	} else {
		s.head = ""
	}
	return len(doomed), nil
}

// Snapshot returns a copy of every message keyed by id.
func (s *Store) Snapshot() map[string]types.Message {
	out := make(map[string]types.Message, len(s.msgs))
	for id, m := range s.msgs {
		out[id] = m.Clone()
	}
	return out
}
