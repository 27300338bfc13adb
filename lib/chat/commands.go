package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coder/agentchat/lib/agentclient"
	"github.com/coder/agentchat/lib/toolcall"
	"github.com/coder/agentchat/lib/turn"
	"github.com/coder/agentchat/lib/types"
)

// command is a slash command answered locally instead of by a turn.
type command struct {
	name string
	args []string
	text string
}

var localCommands = map[string]func(*Controller, context.Context, command, string) (string, bool){
	"/doctor":  (*Controller).doctor,
	"/cost":    (*Controller).cost,
	"/rewind":  (*Controller).rewindCommand,
	"/restore": (*Controller).restore,
	"/undo":    (*Controller).undo,
}

func parseCommand(content string) (command, bool) {
	if !strings.HasPrefix(content, "/") {
		return command{}, false
	}
	fields := strings.Fields(content)
	name := strings.ToLower(fields[0])
	if _, ok := localCommands[name]; !ok {
		return command{}, false
	}
	return command{name: name, args: fields[1:], text: content}, true
}

// runCommand executes cmd against the active session and records the
// exchange as a user message plus a locally written reply. It never touches
// the busy flag.
func (c *Controller) runCommand(ctx context.Context, cmd command) (SubmitResult, error) {
	c.lock.Lock()
	sessionID := c.activeID
	c.lock.Unlock()

	c.cfg.Logger.Info("Running local command", "command", cmd.name, "sessionId", sessionID)
	reply, failed := localCommands[cmd.name](c, ctx, cmd, sessionID)

	c.lock.Lock()
	defer c.lock.Unlock()
	store := c.storeLocked(sessionID)
	now := c.cfg.Clock.Now()
	userID := store.Insert(types.Message{
		Role:      types.RoleUser,
		Content:   cmd.text,
		SessionID: sessionID,
		Time:      now,
	}, store.Head())
	store.Insert(types.Message{
		Role:      types.RoleModel,
		Content:   reply,
		SessionID: sessionID,
		Error:     failed,
		Time:      now,
	}, userID)
	c.emitThreadLocked(sessionID)
	return SubmitResult{Outcome: OutcomeLocal, MessageID: userID, SessionID: sessionID}, nil
}

func (c *Controller) doctor(ctx context.Context, _ command, sessionID string) (string, bool) {
	var sb strings.Builder
	sb.WriteString("**Doctor**\n\n")
	health, err := c.cfg.Client.Health(ctx)
	failed := false
	if err != nil {
		failed = true
		fmt.Fprintf(&sb, "- Agent: unreachable (%s)\n", err)
	} else {
		status := health.Status
		if status == "" {
			status = "unknown"
		}
		if health.Version != "" {
			status += ", version " + health.Version
		}
		fmt.Fprintf(&sb, "- Agent: %s\n", status)
	}

	st := c.Status()
	active := sessionID
	if active == "" {
		active = "(new conversation)"
	}
	total := 0
	for _, n := range st.Running {
		total += n
	}
	fmt.Fprintf(&sb, "- Active session: %s\n", active)
	fmt.Fprintf(&sb, "- Running turns: %d across %d session(s)\n", total, len(st.Running))
	fmt.Fprintf(&sb, "- Queued messages: %d\n", st.QueueLength)
	fmt.Fprintf(&sb, "- Model: %s\n", orDefault(c.cfg.Settings.Model, "agent default"))
	fmt.Fprintf(&sb, "- Approval mode: %s", orDefault(string(c.cfg.Settings.ApprovalMode), "default"))
	return sb.String(), failed
}

func (c *Controller) cost(_ context.Context, _ command, sessionID string) (string, bool) {
	var in, out, cached, total, tools, turns int
	var dur time.Duration
	for _, m := range c.ThreadOf(sessionID) {
		if m.Stats == nil {
			continue
		}
		turns++
		in += m.Stats.InputTokens
		out += m.Stats.OutputTokens
		cached += m.Stats.CachedTokens
		total += m.Stats.TotalTokens
		tools += m.Stats.ToolCalls
		dur += time.Duration(m.Stats.DurationMS) * time.Millisecond
	}
	if turns == 0 {
		return "No usage has been reported in this conversation yet.", false
	}
	var sb strings.Builder
	sb.WriteString("**Cost**\n\n")
	fmt.Fprintf(&sb, "- Turns with usage: %d\n", turns)
	fmt.Fprintf(&sb, "- Input tokens: %d\n", in)
	fmt.Fprintf(&sb, "- Output tokens: %d\n", out)
	fmt.Fprintf(&sb, "- Cached tokens: %d\n", cached)
	fmt.Fprintf(&sb, "- Total tokens: %d\n", total)
	fmt.Fprintf(&sb, "- Tool calls: %d\n", tools)
	fmt.Fprintf(&sb, "- Time: %s", dur.Round(time.Millisecond))
	return sb.String(), false
}

func (c *Controller) rewindCommand(ctx context.Context, cmd command, sessionID string) (string, bool) {
	if sessionID == "" {
		return noSession, true
	}
	count := 1
	if len(cmd.args) > 0 {
		n, err := strconv.Atoi(cmd.args[0])
		if err != nil || n < 1 {
			return "Usage: /rewind [turns]", true
		}
		count = n
	}
	res, err := c.cfg.Client.Control(ctx, agentclient.ControlRequest{
		Action:    agentclient.ActionRewind,
		SessionID: sessionID,
		Params:    map[string]any{"count": count},
	})
	if err != nil {
		return controlError(err), true
	}
	c.reloadIdle(ctx, sessionID)
	return orDefault(res.Message, fmt.Sprintf("Rewound %d turn(s).", count)), false
}

func (c *Controller) restore(ctx context.Context, cmd command, sessionID string) (string, bool) {
	if sessionID == "" {
		return noSession, true
	}
	if len(cmd.args) != 1 {
		return "Usage: /restore <checkpoint>", true
	}
	res, err := c.cfg.Client.Control(ctx, agentclient.ControlRequest{
		Action:    agentclient.ActionRestore,
		SessionID: sessionID,
		Params:    map[string]any{"checkpoint": cmd.args[0]},
	})
	if err != nil {
		return controlError(err), true
	}
	c.reloadIdle(ctx, sessionID)
	if msg := orDefault(res.Message, rawText(res.RestoreResult)); msg != "" {
		return "Restored checkpoint " + cmd.args[0] + ".\n\n" + msg, false
	}
	return "Restored checkpoint " + cmd.args[0] + ".", false
}

// undo removes the last user message and everything after it, on the agent
// first and then locally. "/undo preview" only reports what would go.
func (c *Controller) undo(ctx context.Context, cmd command, sessionID string) (string, bool) {
	if sessionID == "" {
		return noSession, true
	}
	preview := len(cmd.args) > 0 && strings.EqualFold(cmd.args[0], "preview")

	target, ok := c.lastUserMessage(sessionID)
	if !ok {
		return "Nothing to undo.", true
	}
	if !isPersistedID(target.ID) {
		return "The last message has not been saved by the agent yet.", true
	}
	action := agentclient.ActionUndo
	if preview {
		action = agentclient.ActionUndoPreview
	}
	res, err := c.cfg.Client.Control(ctx, agentclient.ControlRequest{
		Action:    action,
		SessionID: sessionID,
		Params:    map[string]any{"messageId": target.ID},
	})
	if err != nil {
		return controlError(err), true
	}
	summary := toolcall.Summarize(target.Content)
	if preview {
		if p := rawText(res.Preview); p != "" {
			return "Undo would remove:\n\n" + p, false
		}
		return fmt.Sprintf("Undo would remove %q and every reply after it.", summary), false
	}

	c.lock.Lock()
	removed := 0
	if store, ok := c.stores[sessionID]; ok {
		removed, _ = store.Prune(target.ID)
	}
	c.emitThreadLocked(sessionID)
	c.lock.Unlock()
	return orDefault(res.Message, fmt.Sprintf("Undid %q (%d message(s) removed).", summary, removed)), false
}

const noSession = "This command needs a saved session. Send a message first."

// lastUserMessage finds the newest user message on the displayed branch.
func (c *Controller) lastUserMessage(sessionID string) (types.Message, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	store, ok := c.stores[sessionID]
	if !ok {
		return types.Message{}, false
	}
	thread := store.Thread()
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].Role == types.RoleUser {
			return thread[i], true
		}
	}
	return types.Message{}, false
}

// reloadIdle rebuilds a session's store after the agent changed its history,
// unless a turn is running for it.
func (c *Controller) reloadIdle(ctx context.Context, sessionID string) {
	c.lock.Lock()
	busy := c.running[sessionID] > 0
	c.lock.Unlock()
	if busy {
		return
	}
	store, _, err := c.load(ctx, sessionID)
	c.lock.Lock()
	defer c.lock.Unlock()
	if err != nil {
		c.warnLocked(sessionID, "Failed to reload session", err)
		return
	}
	if c.running[sessionID] == 0 {
		c.stores[sessionID] = store
	}
}

// controlError renders a control failure with the agent's own error text.
func controlError(err error) string {
	var apiErr *agentclient.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return strings.TrimPrefix(turn.FormatError(apiErr.Message), "\n\n")
	}
	return strings.TrimPrefix(turn.FormatError(err.Error()), "\n\n")
}

// rawText renders an action payload for display: strings as is, anything
// else as indented JSON.
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Indent(&buf, raw, "", "  ") != nil {
		return string(raw)
	}
	return "```json\n" + buf.String() + "\n```"
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
