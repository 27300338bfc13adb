package chat_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/agentchat/lib/chat"
	"github.com/coder/agentchat/lib/toolcall"
	"github.com/coder/agentchat/lib/types"
)

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, newFakeAgent(t))
	ctx := context.Background()

	res, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "   \n"})
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeIgnored, res.Outcome)

	_, err = e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "hi", Model: "not a model!"})
	require.ErrorIs(t, err, chat.ErrInvalidModel)

	assert.Empty(t, e.agent.prompts(), "nothing reaches the agent")
	assert.Empty(t, e.ctrl.Thread())
}

func TestDraftSessionTakesIDFromInit(t *testing.T) {
	e := newEnv(t, newFakeAgent(t))

	res, err := e.ctrl.Submit(context.Background(), chat.SubmitRequest{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeStarted, res.Outcome)

	require.Eventually(t, func() bool {
		st := e.ctrl.Status()
		return st.ActiveSessionID == "sess-1" && !st.Busy && st.Running["sess-1"] == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		thread := e.ctrl.Thread()
		return len(thread) == 2 && thread[1].Content == "echo: hello"
	}, waitFor, tick)

	thread := e.ctrl.Thread()
	assert.Equal(t, types.RoleUser, thread[0].Role)
	assert.Equal(t, "hello", thread[0].Content)
	assert.Equal(t, thread[0].ID, thread[1].ParentID)
}

func TestQueuedPlaceholderLeavesHeadAlone(t *testing.T) {
	agent := newFakeAgent(t)
	e := newEnv(t, agent)
	ctx := context.Background()
	release := agent.block("first")
	defer release()

	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "first"})
	require.NoError(t, err)
	agent.waitStarted(t, "first")
	require.Eventually(t, func() bool { return e.ctrl.Status().ActiveSessionID == "sess-1" }, waitFor, tick)

	head := e.ctrl.Head("sess-1")
	res, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "explain foo"})
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeQueued, res.Outcome)
	assert.NotEmpty(t, res.TempID)

	thread := e.ctrl.Thread()
	last := thread[len(thread)-1]
	assert.Equal(t, res.TempID, last.ID)
	assert.Equal(t, types.RoleUser, last.Role)
	assert.True(t, last.Queued)
	assert.Equal(t, "explain foo", last.Content)
	assert.Equal(t, thread[len(thread)-2].ID, last.ParentID)
	assert.Equal(t, head, e.ctrl.Head("sess-1"))
	_, inStore := e.ctrl.Message("sess-1", res.TempID)
	assert.False(t, inStore)
}

func TestQueueDrainsInOrder(t *testing.T) {
	agent := newFakeAgent(t)
	e := newEnv(t, agent)
	ctx := context.Background()
	release := agent.block("first")
	defer release()

	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "first"})
	require.NoError(t, err)
	agent.waitStarted(t, "first")
	require.Eventually(t, func() bool { return e.ctrl.Status().ActiveSessionID == "sess-1" }, waitFor, tick)

	for _, p := range []string{"one", "two", "three"} {
		res, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: p})
		require.NoError(t, err)
		require.Equal(t, chat.OutcomeQueued, res.Outcome)
	}
	var queued []string
	for _, m := range e.ctrl.Thread() {
		if m.Queued {
			queued = append(queued, m.Content)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, queued)
	assert.Equal(t, 3, e.ctrl.Status().QueueLength)

	release()
	require.Eventually(t, func() bool {
		st := e.ctrl.Status()
		return len(agent.prompts()) == 4 && !st.Busy && st.QueueLength == 0 && len(st.Running) == 0
	}, waitFor, tick)
	assert.Equal(t, []string{"first", "one", "two", "three"}, agent.prompts())

	require.Eventually(t, func() bool {
		thread := e.ctrl.Thread()
		users := contents(thread, types.RoleUser)
		return strings.Join(users, ",") == "first,one,two,three" &&
			thread[len(thread)-1].Content == "echo: three"
	}, waitFor, tick)
	for _, m := range e.ctrl.Thread() {
		assert.False(t, m.Queued, m.Content)
	}
}

func TestDequeue(t *testing.T) {
	agent := newFakeAgent(t)
	e := newEnv(t, agent)
	ctx := context.Background()
	release := agent.block("first")

	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "first"})
	require.NoError(t, err)
	agent.waitStarted(t, "first")
	res, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "never mind"})
	require.NoError(t, err)

	require.NoError(t, e.ctrl.Dequeue(res.TempID))
	require.ErrorIs(t, e.ctrl.Dequeue(res.TempID), chat.ErrNotQueued)
	release()

	require.Eventually(t, func() bool { return !e.ctrl.Status().Busy }, waitFor, tick)
	assert.Equal(t, []string{"first"}, agent.prompts())
}

func TestConcurrentSessionsCounted(t *testing.T) {
	agent := newFakeAgent(t)
	agent.seed("A", record("1", "user", "a", ""))
	agent.seed("B", record("2", "user", "b", ""))
	e := newEnv(t, agent)
	ctx := context.Background()
	releaseA := agent.block("in A")
	defer releaseA()
	releaseB := agent.block("in B")
	defer releaseB()

	require.NoError(t, e.ctrl.SwitchSession(ctx, "A"))
	res, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "in A"})
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeStarted, res.Outcome)
	assert.Equal(t, 1, e.ctrl.Running("A"))
	agent.waitStarted(t, "in A")

	require.NoError(t, e.ctrl.SwitchSession(ctx, "B"))
	assert.False(t, e.ctrl.Status().Busy, "switching leaves the A turn running in the background")
	res, err = e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "in B"})
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeStarted, res.Outcome)
	agent.waitStarted(t, "in B")

	st := e.ctrl.Status()
	assert.Equal(t, 1, st.Running["A"])
	assert.Equal(t, 1, st.Running["B"])

	releaseB()
	require.Eventually(t, func() bool { return e.ctrl.Running("B") == 0 }, waitFor, tick)
	assert.Equal(t, 1, e.ctrl.Running("A"))
	assert.True(t, e.ctrl.Status().IsRunning("A"))

	releaseA()
	require.Eventually(t, func() bool { return e.ctrl.Running("A") == 0 }, waitFor, tick)
	assert.Equal(t, []string{"A"}, e.ctrl.Status().Unread)
	assert.Equal(t, []string{"a", "in A"}, contents(e.ctrl.ThreadOf("A"), types.RoleUser))

	require.NoError(t, e.ctrl.SwitchSession(ctx, "A"))
	assert.Empty(t, e.ctrl.Status().Unread)
}

func TestReturningToStreamingSessionQueues(t *testing.T) {
	agent := newFakeAgent(t)
	agent.seed("A", record("1", "user", "a", ""))
	agent.seed("B", record("2", "user", "b", ""))
	e := newEnv(t, agent)
	ctx := context.Background()
	releaseA := agent.block("in A")
	defer releaseA()

	require.NoError(t, e.ctrl.SwitchSession(ctx, "A"))
	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "in A"})
	require.NoError(t, err)
	agent.waitStarted(t, "in A")

	require.NoError(t, e.ctrl.SwitchSession(ctx, "B"))
	assert.False(t, e.ctrl.Status().Busy)
	require.NoError(t, e.ctrl.SwitchSession(ctx, "A"))
	assert.True(t, e.ctrl.Status().Busy, "the A turn is busy again once A is displayed")

	res, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "again A"})
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeQueued, res.Outcome)
	assert.Equal(t, 1, e.ctrl.Running("A"))
	assert.Equal(t, []string{"in A"}, agent.prompts())

	releaseA()
	require.Eventually(t, func() bool {
		st := e.ctrl.Status()
		return len(agent.prompts()) == 2 && !st.Busy && st.QueueLength == 0 && st.Running["A"] == 0
	}, waitFor, tick)
	assert.Equal(t, []string{"in A", "again A"}, agent.prompts())

	require.Eventually(t, func() bool {
		thread := e.ctrl.ThreadOf("A")
		return strings.Join(contents(thread, types.RoleUser), ",") == "a,in A,again A" &&
			thread[len(thread)-1].Content == "echo: again A"
	}, waitFor, tick)
	thread := e.ctrl.ThreadOf("A")
	for i, m := range thread {
		if m.Content == "again A" {
			assert.Equal(t, "echo: in A", thread[i-1].Content, "queued message follows the finished reply")
		}
	}
}

func TestSwitchDoesNotDrainBehindRunningTurn(t *testing.T) {
	agent := newFakeAgent(t)
	agent.seed("A", record("1", "user", "a", ""))
	agent.seed("B", record("2", "user", "b", ""))
	e := newEnv(t, agent)
	ctx := context.Background()
	releaseB := agent.block("in B")
	defer releaseB()

	require.NoError(t, e.ctrl.SwitchSession(ctx, "B"))
	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "in B"})
	require.NoError(t, err)
	agent.waitStarted(t, "in B")
	res, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "q B"})
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeQueued, res.Outcome)

	require.NoError(t, e.ctrl.SwitchSession(ctx, "A"))
	assert.Never(t, func() bool {
		return len(agent.prompts()) > 1 || e.ctrl.Status().ActiveSessionID != "A"
	}, 40*tick, tick, "the queued item waits for the B turn and the view stays on A")
	st := e.ctrl.Status()
	assert.Equal(t, 1, st.QueueLength)
	assert.Equal(t, 1, st.Running["B"])

	releaseB()
	require.Eventually(t, func() bool {
		st := e.ctrl.Status()
		return len(agent.prompts()) == 2 && st.QueueLength == 0 && len(st.Running) == 0
	}, waitFor, tick)
	assert.Equal(t, []string{"in B", "q B"}, agent.prompts())
	assert.Equal(t, "B", e.ctrl.Status().ActiveSessionID, "draining after the turn ends moves to the item's session")
}

func seedBranchable(agent *fakeAgent) {
	agent.seed("S",
		record("4", "user", "q0", ""),
		record("5", "model", "a0", "4"),
		record("6", "user", "retry me", "5"),
		record("7", "model", "a1", "6"),
	)
}

func TestRetryCreatesSibling(t *testing.T) {
	agent := newFakeAgent(t)
	seedBranchable(agent)
	e := newEnv(t, agent)
	ctx := context.Background()
	release := agent.block("retry me")
	defer release()

	require.NoError(t, e.ctrl.SwitchSession(ctx, "S"))
	require.Len(t, e.ctrl.Thread(), 4)

	res, err := e.ctrl.Retry(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeStarted, res.Outcome)

	msg, ok := e.ctrl.Message("S", res.MessageID)
	require.True(t, ok)
	assert.Equal(t, "5", msg.ParentID)
	assert.Equal(t, "retry me", msg.Content)
	for _, id := range []string{"6", "7"} {
		_, ok := e.ctrl.Message("S", id)
		assert.True(t, ok, "old branch message %s survives", id)
	}

	agent.waitStarted(t, "retry me")
	reqs := agent.chatRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "5", reqs[0].ParentID)
	assert.Equal(t, "S", reqs[0].SessionID)

	_, err = e.ctrl.Retry(ctx, 99)
	require.ErrorIs(t, err, chat.ErrInvalidIndex)
}

func TestCancelIsSilent(t *testing.T) {
	agent := newFakeAgent(t)
	seedBranchable(agent)
	e := newEnv(t, agent)
	ctx := context.Background()
	release := agent.block("slow")
	defer release()

	require.ErrorIs(t, e.ctrl.Cancel(), chat.ErrNoTurnInFlight)
	require.NoError(t, e.ctrl.SwitchSession(ctx, "S"))
	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "slow"})
	require.NoError(t, err)
	agent.waitStarted(t, "slow")

	require.NoError(t, e.ctrl.Cancel())
	require.Eventually(t, func() bool {
		st := e.ctrl.Status()
		return !st.Busy && st.Running["S"] == 0 && e.ctrl.Head("S") == "7"
	}, waitFor, tick)
	for _, m := range e.ctrl.Thread() {
		assert.False(t, m.Error)
		assert.NotContains(t, m.Content, "**Error:**")
	}
}

func TestTransportFailuresBecomeNotices(t *testing.T) {
	agent := newFakeAgent(t)
	agent.failLoad = true
	agent.script("break",
		`{"type":"message","role":"assistant","content":"partial"}`,
	)
	agent.failStart["explode"] = "agent exploded"
	e := newEnv(t, agent)
	ctx := context.Background()

	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "break"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !e.ctrl.Status().Busy }, waitFor, tick)

	thread := e.ctrl.Thread()
	require.Len(t, thread, 2)
	assert.True(t, thread[1].Error)
	assert.True(t, strings.HasPrefix(thread[1].Content, "partial\n\n**Error:** "), thread[1].Content)

	_, err = e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "explode"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		thread := e.ctrl.Thread()
		return len(thread) == 4 && thread[3].Error
	}, waitFor, tick)
	assert.Equal(t, "\n\n**Error:** agent exploded", e.ctrl.Thread()[3].Content)
	assert.Equal(t, 0, e.ctrl.Running("sess-1"))

	require.Eventually(t, func() bool { return e.rec.warningCount() > 0 }, waitFor, tick)
}

func TestStreamFeaturesReachController(t *testing.T) {
	agent := newFakeAgent(t)
	agent.script("tools",
		`{"type":"tool_use","tool_name":"read_file","tool_id":"t1","parameters":{"path":"a"}}`,
		`{"type":"tool_call_confirmation","correlation_id":"c1","tool_name":"run_shell","details":{"type":"exec","command":"make"}}`,
		`{"type":"hook_event","hook_name":"fmt","event_name":"AfterTool"}`,
		`{"type":"tool_result","tool_id":"t1","status":"success","output":"ok"}`,
		`{"type":"result","status":"success"}`,
	)
	agent.failLoad = true
	e := newEnv(t, agent)
	ctx := context.Background()

	_, err := e.ctrl.Submit(ctx, chat.SubmitRequest{Content: "tools"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !e.ctrl.Status().Busy }, waitFor, tick)

	thread := e.ctrl.Thread()
	require.Len(t, thread, 2)
	spans := toolcall.Parse(thread[1].Content)
	require.Len(t, spans, 1)
	assert.Equal(t, toolcall.StatusCompleted, spans[0].Status)
	assert.False(t, thread[1].Error)

	hooks := e.ctrl.HookEvents()
	require.Len(t, hooks, 1)
	assert.Equal(t, "fmt", hooks[0].Name)
	assert.Equal(t, "sess-1", hooks[0].SessionID)

	req, ok := e.ctrl.PendingConfirmation("sess-1")
	require.True(t, ok)
	assert.Equal(t, "make", req.Command)

	require.NoError(t, e.ctrl.RespondConfirmation(ctx, types.ConfirmationResponse{
		CorrelationID: "c1",
		Confirmed:     true,
		Outcome:       types.OutcomeProceedOnce,
	}))
	_, ok = e.ctrl.PendingConfirmation("sess-1")
	assert.False(t, ok)
	agent.mu.Lock()
	require.Len(t, agent.confirms, 1)
	assert.Equal(t, "c1", agent.confirms[0].CorrelationID)
	agent.mu.Unlock()
}

func TestSwitchToUnknownSession(t *testing.T) {
	e := newEnv(t, newFakeAgent(t))
	err := e.ctrl.SwitchSession(context.Background(), "nope")
	require.ErrorIs(t, err, chat.ErrUnknownSession)
	assert.False(t, e.ctrl.Status().Loading)
}
