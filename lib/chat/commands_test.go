package chat_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/agentchat/lib/chat"
	"github.com/coder/agentchat/lib/types"
)

func lastReply(t *testing.T, ctrl *chat.Controller) types.Message {
	t.Helper()
	thread := ctrl.Thread()
	require.NotEmpty(t, thread)
	last := thread[len(thread)-1]
	require.Equal(t, types.RoleModel, last.Role)
	return last
}

func TestDoctor(t *testing.T) {
	agent := newFakeAgent(t)
	e := newEnv(t, agent)

	res, err := e.ctrl.Submit(context.Background(), chat.SubmitRequest{Content: "/doctor"})
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeLocal, res.Outcome)

	reply := lastReply(t, e.ctrl)
	assert.Contains(t, reply.Content, "- Agent: ok, version 0.9.0")
	assert.Contains(t, reply.Content, "- Queued messages: 0")
	assert.False(t, reply.Error)
	assert.False(t, e.ctrl.Status().Busy)
	assert.Empty(t, agent.prompts(), "local commands never start a turn")
}

func TestUnknownSlashCommandGoesToAgent(t *testing.T) {
	agent := newFakeAgent(t)
	e := newEnv(t, agent)
	res, err := e.ctrl.Submit(context.Background(), chat.SubmitRequest{Content: "/memory show"})
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeStarted, res.Outcome)
	require.Eventually(t, func() bool { return len(agent.prompts()) == 1 }, waitFor, tick)
}

func TestCost(t *testing.T) {
	agent := newFakeAgent(t)
	withStats := func(r types.FlatMessageRecord, total int) types.FlatMessageRecord {
		r.Stats = &types.UsageStats{TotalTokens: total, InputTokens: total - 1, OutputTokens: 1, DurationMS: 1500}
		return r
	}
	agent.seed("S",
		record("1", "user", "q", ""),
		withStats(record("2", "model", "a", "1"), 40),
		record("3", "user", "q2", "2"),
		withStats(record("4", "model", "a2", "3"), 60),
	)
	e := newEnv(t, agent)
	require.NoError(t, e.ctrl.SwitchSession(context.Background(), "S"))

	_, err := e.ctrl.Submit(context.Background(), chat.SubmitRequest{Content: "/cost"})
	require.NoError(t, err)
	reply := lastReply(t, e.ctrl)
	assert.Contains(t, reply.Content, "- Turns with usage: 2")
	assert.Contains(t, reply.Content, "- Total tokens: 100")
	assert.Contains(t, reply.Content, "- Time: 3s")
}

func TestUndoPrunesAfterAgentConfirms(t *testing.T) {
	agent := newFakeAgent(t)
	seedBranchable(agent)
	agent.control = func(body map[string]any) (int, string) {
		return http.StatusOK, `{"pruned":2}`
	}
	e := newEnv(t, agent)
	ctx := context.Background()
	require.NoError(t, e.ctrl.SwitchSession(ctx, "S"))

	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "/undo"})
	require.NoError(t, err)

	agent.mu.Lock()
	controls := append([]map[string]any(nil), agent.controls...)
	agent.mu.Unlock()
	require.Len(t, controls, 1)
	assert.Equal(t, "undo_message", controls[0]["action"])
	assert.Equal(t, "6", controls[0]["messageId"])
	assert.Equal(t, "S", controls[0]["sessionId"])

	for _, id := range []string{"6", "7"} {
		_, ok := e.ctrl.Message("S", id)
		assert.False(t, ok, "message %s pruned", id)
	}
	_, ok := e.ctrl.Message("S", "5")
	assert.True(t, ok)

	thread := e.ctrl.Thread()
	assert.Equal(t, []string{"q0", "/undo"}, contents(thread, types.RoleUser))
	assert.Contains(t, lastReply(t, e.ctrl).Content, `Undid "retry me" (2 message(s) removed).`)
}

func TestUndoPreviewKeepsHistory(t *testing.T) {
	agent := newFakeAgent(t)
	seedBranchable(agent)
	agent.control = func(body map[string]any) (int, string) {
		return http.StatusOK, `{"preview":"1 prompt and 1 reply"}`
	}
	e := newEnv(t, agent)
	ctx := context.Background()
	require.NoError(t, e.ctrl.SwitchSession(ctx, "S"))

	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "/undo preview"})
	require.NoError(t, err)
	assert.Equal(t, "Undo would remove:\n\n1 prompt and 1 reply", lastReply(t, e.ctrl).Content)
	_, ok := e.ctrl.Message("S", "6")
	assert.True(t, ok)
}

func TestControlErrorsShownInline(t *testing.T) {
	agent := newFakeAgent(t)
	seedBranchable(agent)
	agent.control = func(body map[string]any) (int, string) {
		if body["action"] == "restore" {
			return http.StatusNotFound, `{"error":"checkpoint not found"}`
		}
		return http.StatusOK, `{"error":"history is locked"}`
	}
	e := newEnv(t, agent)
	ctx := context.Background()
	require.NoError(t, e.ctrl.SwitchSession(ctx, "S"))

	res, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "/restore ckpt-9"})
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeLocal, res.Outcome)
	reply := lastReply(t, e.ctrl)
	assert.True(t, reply.Error)
	assert.Equal(t, "**Error:** checkpoint not found", reply.Content)

	_, err = e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "/rewind 2"})
	require.NoError(t, err)
	reply = lastReply(t, e.ctrl)
	assert.True(t, reply.Error)
	assert.Equal(t, "**Error:** history is locked", reply.Content)

	_, err = e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "/restore"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(lastReply(t, e.ctrl).Content, "Usage: /restore"))
}

func TestControlCommandsNeedSession(t *testing.T) {
	e := newEnv(t, newFakeAgent(t))
	_, err := e.ctrl.Submit(context.Background(), chat.SubmitRequest{Content: "/undo"})
	require.NoError(t, err)
	reply := lastReply(t, e.ctrl)
	assert.True(t, reply.Error)
	assert.Contains(t, reply.Content, "needs a saved session")
}
