package chat

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/types"
)

// Retry resubmits the nearest user message at or before index in the
// displayed thread. The new message is anchored on the original's parent, so
// it becomes a sibling and the old branch stays in the tree.
func (c *Controller) Retry(ctx context.Context, index int) (SubmitResult, error) {
	c.lock.Lock()
	thread := c.threadLocked(c.activeID)
	c.lock.Unlock()

	if index < 0 || index >= len(thread) {
		return SubmitResult{}, xerrors.Errorf("retry %d: %w", index, ErrInvalidIndex)
	}
	for i := index; i >= 0; i-- {
		m := thread[i]
		if m.Role != types.RoleUser || m.Queued {
			continue
		}
		parent := m.ParentID
		return c.Submit(ctx, SubmitRequest{
			Content:  m.Content,
			Images:   m.Images,
			ParentID: &parent,
		})
	}
	return SubmitResult{}, xerrors.Errorf("retry %d: %w", index, ErrInvalidIndex)
}
