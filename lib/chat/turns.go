package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/coder/agentchat/lib/agentclient"
	"github.com/coder/agentchat/lib/msgtree"
	"github.com/coder/agentchat/lib/turn"
	"github.com/coder/agentchat/lib/types"
)

type turnState struct {
	id          string
	sessionID   string
	userID      string
	assistantID string
	store       *msgtree.Store
	turn        *turn.Turn
	ctx         context.Context
	cancel      context.CancelFunc
	cancelled   bool
	counted     bool
}

// caller MUST hold c.lock
//
// startTurnLocked inserts the user message and an empty assistant reply,
// marks the turn busy and streams it in the background. A replayed queue
// item keeps its temp id as the user message id.
func (c *Controller) startTurnLocked(item types.PendingItem, replay bool) *turnState {
	store := c.storeLocked(item.SessionID)
	parent := store.Head()
	if item.Anchored {
		parent = item.ParentID
	}
	now := c.cfg.Clock.Now()
	userMsg := types.Message{
		Role:      types.RoleUser,
		Content:   item.Content,
		Images:    item.Images,
		SessionID: item.SessionID,
		Time:      now,
	}
	if replay {
		userMsg.ID = item.TempID
	}
	userID := store.Insert(userMsg, parent)
	assistantID := store.Insert(types.Message{
		Role:      types.RoleModel,
		SessionID: item.SessionID,
		Time:      now,
	}, userID)

	ctx, cancel := context.WithCancel(c.ctx)
	ts := &turnState{
		id:          uuid.NewString(),
		sessionID:   item.SessionID,
		userID:      userID,
		assistantID: assistantID,
		store:       store,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.busy = ts
	c.turns[ts] = struct{}{}
	ts.turn = turn.New(turn.Config{
		AssistantID: assistantID,
		SessionID:   item.SessionID,
		Store:       store,
		Sink:        &turnSink{c: c, ts: ts},
		Clock:       c.cfg.Clock,
		Logger:      c.cfg.Logger.With("turn", ts.id),
	})

	model := item.Model
	if model == "" {
		model = c.cfg.Settings.Model
	}
	req := agentclient.StartTurnRequest{
		Prompt:            item.Content,
		SessionID:         item.SessionID,
		Model:             model,
		SystemInstruction: c.cfg.Settings.SystemInstruction,
		Images:            item.Images,
		ApprovalMode:      string(c.cfg.Settings.ApprovalMode),
		Mode:              string(c.cfg.Settings.Mode),
	}
	if isPersistedID(parent) {
		req.ParentID = parent
	}

	c.cfg.Logger.Info("Starting turn", "turn", ts.id, "sessionId", item.SessionID, "replay", replay)
	c.emitThreadLocked(item.SessionID)
	c.emitStatusLocked()

	c.wg.Add(1)
	go c.runTurn(ts, req)
	return ts
}

func (c *Controller) runTurn(ts *turnState, req agentclient.StartTurnRequest) {
	defer c.wg.Done()
	logger := c.cfg.Logger.With("turn", ts.id)

	body, err := c.cfg.Client.StartTurn(ts.ctx, req)
	if err != nil {
		c.finishTurn(ts, err)
		return
	}
	defer func() {
		_ = body.Close()
	}()

	var streamErr error
	for rec, err := range turn.Records(body, logger) {
		if err != nil {
			streamErr = err
			break
		}
		c.lock.Lock()
		ts.turn.Apply(rec)
		c.emitThreadLocked(ts.sessionID)
		c.lock.Unlock()
	}
	c.finishTurn(ts, streamErr)
}

// finishTurn settles a turn however its stream ended. It always releases the
// running counter and the busy flag, then schedules the queue.
func (c *Controller) finishTurn(ts *turnState, err error) {
	c.lock.Lock()
	cancelled := ts.cancelled || agentclient.IsCancelled(ts.ctx, err)
	finished := ts.turn.Finished()
	if err == nil && !finished && !cancelled {
		err = errStreamClosed
	}
	switch {
	case cancelled:
		c.cfg.Logger.Info("Turn cancelled", "turn", ts.id, "sessionId", ts.sessionID)
		if !ts.turn.Streamed() && ts.store.Head() == ts.assistantID {
			_ = ts.store.Rewind(ts.userID)
		}
	case err != nil && !finished:
		c.cfg.Logger.Warn("Turn failed", "turn", ts.id, "sessionId", ts.sessionID, "error", err)
		c.failTurnLocked(ts, err)
	}

	if ts.counted {
		c.running[ts.sessionID]--
		if c.running[ts.sessionID] <= 0 {
			delete(c.running, ts.sessionID)
		}
	}
	if c.busy == ts {
		c.busy = nil
	}
	delete(c.turns, ts)
	if ts.sessionID != "" && ts.sessionID != c.activeID {
		c.unread[ts.sessionID] = struct{}{}
	}
	c.emitThreadLocked(ts.sessionID)
	c.emitStatusLocked()
	c.scheduleDrainLocked(true)
	sessionID := ts.sessionID
	closed := c.closed
	c.lock.Unlock()

	ts.cancel()
	if !closed {
		c.afterTurn(sessionID)
	}
}

// caller MUST hold c.lock
func (c *Controller) failTurnLocked(ts *turnState, err error) {
	var apiErr *agentclient.APIError
	msg := err.Error()
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
	}
	if _, ok := ts.store.Get(ts.assistantID); ok {
		ts.turn.Fail(msg)
		return
	}
	errored := true
	id := ts.store.Insert(types.Message{
		Role:      types.RoleModel,
		SessionID: ts.sessionID,
		Time:      c.cfg.Clock.Now(),
	}, ts.userID)
	content := turn.FormatError(msg)
	ts.store.Update(id, msgtree.Patch{Content: &content, Error: &errored})
}

// afterTurn refreshes the session list and, when the session has gone idle,
// reloads its tree so local ids give way to the agent's. Failures become
// warnings; local state is kept as is.
func (c *Controller) afterTurn(sessionID string) {
	if _, err := c.RefreshSessions(c.ctx); err != nil {
		c.lock.Lock()
		if !c.closed {
			c.warnLocked(sessionID, "Failed to refresh sessions", err)
		}
		c.lock.Unlock()
	}
	if sessionID == "" {
		return
	}
	c.lock.Lock()
	idle := c.running[sessionID] == 0 && !c.closed
	c.lock.Unlock()
	if !idle {
		return
	}

	store, _, err := c.load(c.ctx, sessionID)

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	if err != nil {
		c.warnLocked(sessionID, "Failed to reload session", err)
		return
	}
	if c.running[sessionID] > 0 || store.Len() == 0 {
		return
	}
	c.stores[sessionID] = store
	c.emitThreadLocked(sessionID)
	c.emitStatusLocked()
}

// caller MUST hold c.lock
//
// scheduleDrainLocked arms the drain timer. follow lets that drain switch the
// displayed session to reach the queued item, as after a turn finishes. A
// drain armed by the user picking a session starts items for that session
// only.
func (c *Controller) scheduleDrainLocked(follow bool) {
	if c.closed || c.busy != nil || len(c.queue) == 0 {
		return
	}
	if follow {
		c.drainFollows = true
	}
	if c.drainTimer != nil {
		return
	}
	c.drainTimer = c.cfg.Clock.AfterFunc(c.cfg.DrainDelay, c.drain, "chat", "drain")
}

// caller MUST hold c.lock
//
// drainableLocked reports whether the oldest queued item may start now. It
// waits while the item's session still has a turn streaming; that turn's
// finish arms the next attempt. An item for another session needs a drain
// that may follow it there.
func (c *Controller) drainableLocked() bool {
	if c.closed || c.busy != nil || c.loading || len(c.queue) == 0 {
		return false
	}
	item := c.queue[0]
	if c.liveTurnLocked(item.SessionID) != nil {
		return false
	}
	return item.SessionID == c.activeID || c.drainFollows
}

// drain starts the oldest queued item, switching to its session first when
// it belongs to one that is not displayed.
func (c *Controller) drain() {
	c.lock.Lock()
	c.drainTimer = nil
	if !c.drainableLocked() {
		c.lock.Unlock()
		return
	}
	item := c.queue[0]
	follow := c.drainFollows
	c.drainFollows = false
	if item.SessionID != c.activeID {
		_, haveStore := c.stores[item.SessionID]
		if !haveStore {
			c.loading = true
			c.lock.Unlock()
			store, session, err := c.load(c.ctx, item.SessionID)
			c.lock.Lock()
			c.loading = false
			if err != nil {
				c.warnLocked(item.SessionID, "Failed to load session for queued message", err)
				store = msgtree.New()
			}
			if _, ok := c.stores[item.SessionID]; !ok {
				c.stores[item.SessionID] = store
			}
			if session != nil {
				c.workspace = session.Workspace
			}
			c.drainFollows = c.drainFollows || follow
			if !c.drainableLocked() || c.queue[0].TempID != item.TempID {
				c.scheduleDrainLocked(follow)
				c.lock.Unlock()
				return
			}
			c.drainFollows = false
		}
		c.cfg.Logger.Info("Switching session to drain queue", "sessionId", item.SessionID)
		c.activateLocked(item.SessionID)
	}
	c.queue = c.queue[1:]
	c.cfg.Logger.Info("Draining queued message", "tempId", item.TempID, "sessionId", item.SessionID, "remaining", len(c.queue))
	c.startTurnLocked(item, true)
	c.lock.Unlock()
}

// turnSink routes a turn's side outputs into the controller. Every method
// runs with c.lock held, from inside Turn.Apply or turn.New.
type turnSink struct {
	c  *Controller
	ts *turnState
}

func (s *turnSink) SessionStarted(sessionID string) {
	c, ts := s.c, s.ts
	if ts.sessionID == "" {
		c.rekeyDraftLocked(ts, sessionID)
	}
	if !ts.counted {
		ts.counted = true
		c.running[ts.sessionID]++
	}
	c.emitStatusLocked()
}

// caller MUST hold c.lock
//
// rekeyDraftLocked moves a draft conversation under the session id its first
// turn was given: the store, the queued items and, when displayed, the
// active id.
func (c *Controller) rekeyDraftLocked(ts *turnState, sessionID string) {
	c.cfg.Logger.Info("Draft session assigned an id", "sessionId", sessionID, "turn", ts.id)
	ts.sessionID = sessionID
	draftDisplayed := c.activeID == "" && c.stores[""] == ts.store
	if c.stores[""] == ts.store {
		c.stores[""] = msgtree.New()
		for i := range c.queue {
			if c.queue[i].SessionID == "" {
				c.queue[i].SessionID = sessionID
			}
		}
	}
	c.stores[sessionID] = ts.store
	for _, id := range []string{ts.userID, ts.assistantID} {
		sid := sessionID
		ts.store.Update(id, msgtree.Patch{SessionID: &sid})
	}
	if draftDisplayed {
		c.activeID = sessionID
		c.emitThreadLocked(sessionID)
	}
}

func (s *turnSink) Confirmation(req types.ConfirmationRequest) {
	c := s.c
	c.confirms[req.SessionID] = req
	c.cfg.Emitter.EmitConfirmation(req)
}

func (s *turnSink) Question(req types.QuestionRequest) {
	c := s.c
	c.questions[req.SessionID] = req
	c.cfg.Emitter.EmitQuestion(req)
}

func (s *turnSink) Hook(ev types.HookEvent) {
	c := s.c
	c.hooks.Add(ev)
	c.cfg.Emitter.EmitHook(ev)
}
