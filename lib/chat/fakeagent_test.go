package chat_test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coder/agentchat/lib/agentclient"
	"github.com/coder/agentchat/lib/chat"
	"github.com/coder/agentchat/lib/logctx"
	"github.com/coder/agentchat/lib/types"
)

// fakeAgent is an in-memory agent server. Every turn writes an init record,
// optionally waits on a gate, persists the user message, then streams a
// script (by default an echo reply and a result). Cancelled turns are never
// persisted.
type fakeAgent struct {
	t *testing.T

	mu        sync.Mutex
	nextID    int
	nextSess  int
	sessions  map[string]*fakeSession
	chats     []agentclient.StartTurnRequest
	controls  []map[string]any
	confirms  []types.ConfirmationResponse
	gates     map[string]chan struct{}
	scripts   map[string][]string
	failStart map[string]string
	failLoad  bool
	control   func(body map[string]any) (int, string)

	started chan string
}

type fakeSession struct {
	session  types.Session
	messages []types.FlatMessageRecord
}

func newFakeAgent(t *testing.T) *fakeAgent {
	return &fakeAgent{
		t:         t,
		nextID:    100,
		sessions:  make(map[string]*fakeSession),
		gates:     make(map[string]chan struct{}),
		scripts:   make(map[string][]string),
		failStart: make(map[string]string),
		started:   make(chan string, 64),
	}
}

// seed stores a session with the given records.
func (f *fakeAgent) seed(id string, records ...types.FlatMessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &fakeSession{
		session:  types.Session{ID: id, Title: "session " + id, Workspace: "/work/" + id},
		messages: records,
	}
}

// block holds the turn for prompt open after its init record until the
// returned func is called.
func (f *fakeAgent) block(prompt string) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[prompt] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeAgent) script(prompt string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[prompt] = lines
}

func (f *fakeAgent) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.chats))
	for _, c := range f.chats {
		out = append(out, c.Prompt)
	}
	return out
}

func (f *fakeAgent) chatRequests() []agentclient.StartTurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agentclient.StartTurnRequest(nil), f.chats...)
}

func (f *fakeAgent) waitStarted(t *testing.T, prompt string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p := <-f.started:
			if p == prompt {
				return
			}
		case <-timeout:
			t.Fatalf("turn %q never reached the agent", prompt)
		}
	}
}

func record(id, role, content, parent string) types.FlatMessageRecord {
	return types.FlatMessageRecord{
		ID:       types.NewFlexID(id),
		Role:     role,
		Content:  content,
		ParentID: types.NewFlexID(parent),
	}
}

func (f *fakeAgent) persistLocked(sess *fakeSession, role, content, parent string) string {
	f.nextID++
	id := strconv.Itoa(f.nextID)
	if parent == "" && len(sess.messages) > 0 {
		parent = sess.messages[len(sess.messages)-1].ID.Value
	}
	sess.messages = append(sess.messages, record(id, role, content, parent))
	return id
}

func (f *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", f.handleChat)
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		list := make([]types.Session, 0, len(f.sessions))
		for _, s := range f.sessions {
			list = append(list, s.session)
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, list)
	})
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failLoad {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database is locked"})
			return
		}
		s, ok := f.sessions[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		session := s.session
		writeJSON(w, http.StatusOK, types.SessionPayload{
			Session:  &session,
			Messages: append([]types.FlatMessageRecord(nil), s.messages...),
		})
	})
	mux.HandleFunc("POST /api/sessions/control", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		f.mu.Lock()
		f.controls = append(f.controls, body)
		control := f.control
		f.mu.Unlock()
		if control == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		status, resp := control(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	})
	mux.HandleFunc("POST /api/confirm", func(w http.ResponseWriter, r *http.Request) {
		var resp types.ConfirmationResponse
		_ = json.NewDecoder(r.Body).Decode(&resp)
		f.mu.Lock()
		f.confirms = append(f.confirms, resp)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": "0.9.0"})
	})
	return mux
}

func (f *fakeAgent) handleChat(w http.ResponseWriter, r *http.Request) {
	var req agentclient.StartTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	f.mu.Lock()
	f.chats = append(f.chats, req)
	if msg, ok := f.failStart[req.Prompt]; ok {
		f.mu.Unlock()
		f.started <- req.Prompt
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
		return
	}
	sid := req.SessionID
	if sid == "" {
		f.nextSess++
		sid = fmt.Sprintf("sess-%d", f.nextSess)
		f.sessions[sid] = &fakeSession{session: types.Session{ID: sid, Title: req.Prompt}}
	}
	sess, ok := f.sessions[sid]
	if !ok {
		sess = &fakeSession{session: types.Session{ID: sid}}
		f.sessions[sid] = sess
	}
	gate := f.gates[req.Prompt]
	lines, scripted := f.scripts[req.Prompt]
	f.mu.Unlock()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	writeLine := func(line string) {
		_, _ = w.Write([]byte(line + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
	writeLine(fmt.Sprintf(`{"type":"init","session_id":%q,"model":"fake-model"}`, sid))
	f.started <- req.Prompt

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	f.mu.Lock()
	userID := f.persistLocked(sess, "user", req.Prompt, req.ParentID)
	f.mu.Unlock()

	reply := "echo: " + req.Prompt
	if scripted {
		for _, line := range lines {
			writeLine(line)
		}
		return
	}
	writeLine(fmt.Sprintf(`{"type":"message","role":"assistant","content":%q,"delta":true}`, reply))
	f.mu.Lock()
	f.persistLocked(sess, "model", reply, userID)
	f.mu.Unlock()
	writeLine(`{"type":"result","status":"success","stats":{"total_tokens":10,"input_tokens":6,"output_tokens":4,"duration_ms":20}}`)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recorder is an Emitter that keeps what it was sent.
type recorder struct {
	mu            sync.Mutex
	threads       int
	statuses      []chat.Status
	warnings      []chat.Warning
	hooks         []types.HookEvent
	confirmations []types.ConfirmationRequest
	questions     []types.QuestionRequest
}

func (r *recorder) EmitThread(string, []types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads++
}

func (r *recorder) EmitStatus(s chat.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) EmitHook(ev types.HookEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, ev)
}

func (r *recorder) EmitConfirmation(req types.ConfirmationRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations = append(r.confirmations, req)
}

func (r *recorder) EmitQuestion(req types.QuestionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions = append(r.questions, req)
}

func (r *recorder) EmitWarning(w chat.Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *recorder) warningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warnings)
}

type env struct {
	agent *fakeAgent
	ctrl  *chat.Controller
	rec   *recorder
}

func newEnv(t *testing.T, agent *fakeAgent) *env {
	t.Helper()
	srv := httptest.NewServer(agent.handler())
	t.Cleanup(srv.Close)
	client, err := agentclient.New(agentclient.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	rec := &recorder{}
	ctrl := chat.New(chat.Config{
		Client:     client,
		Logger:     slog.New(logctx.DiscardHandler),
		Emitter:    rec,
		DrainDelay: 5 * time.Millisecond,
	})
	t.Cleanup(ctrl.Close)
	return &env{agent: agent, ctrl: ctrl, rec: rec}
}

func contents(msgs []types.Message, role types.Role) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == role {
			out = append(out, m.Content)
		}
	}
	return out
}

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)
