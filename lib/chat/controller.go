// Package chat decides when turns start, queues the rest, and keeps one
// message tree per session while turns for several sessions stream at once.
package chat

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/agentclient"
	"github.com/coder/agentchat/lib/msgtree"
	"github.com/coder/agentchat/lib/settings"
	"github.com/coder/agentchat/lib/types"
	"github.com/coder/agentchat/lib/util"
)

var (
	ErrInvalidModel   = settings.ErrInvalidModel
	ErrUnknownSession = xerrors.New("unknown session")
	ErrNoTurnInFlight = xerrors.New("no turn in flight")
	ErrNotQueued      = xerrors.New("no queued item with that id")
	ErrInvalidIndex   = xerrors.New("no user message at or before that index")
	ErrSessionLoading = xerrors.New("another session is loading")
)

// errStreamClosed is reported when a turn's stream ends without a result.
var errStreamClosed = xerrors.New("the agent closed the stream before the turn finished")

const (
	DefaultDrainDelay = 300 * time.Millisecond
	hookHistorySize   = 200
)

// AgentClient is the subset of agentclient.Client the controller uses.
type AgentClient interface {
	StartTurn(ctx context.Context, req agentclient.StartTurnRequest) (io.ReadCloser, error)
	ListSessions(ctx context.Context) ([]types.Session, error)
	LoadSession(ctx context.Context, id string) (types.SessionPayload, error)
	Control(ctx context.Context, req agentclient.ControlRequest) (agentclient.ControlResult, error)
	Confirm(ctx context.Context, resp types.ConfirmationResponse) error
	Health(ctx context.Context) (agentclient.Health, error)
}

type Config struct {
	Client   AgentClient
	Settings settings.Settings
	Clock    quartz.Clock
	Logger   *slog.Logger
	Emitter  Emitter
	// DrainDelay is the pause between a turn finishing and the next queued
	// item starting. Zero starts it at once; negative uses DefaultDrainDelay.
	DrainDelay time.Duration
}

// Controller owns every session's message store and the global busy state.
// A turn is "busy" while it is the one this client is composing; at most one
// is. Turns that were started and then left behind by a session switch keep
// streaming and are tracked by the per-session running counters. Coming back
// to a session whose turn is still streaming makes that turn busy again.
type Controller struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock       sync.Mutex
	stores     map[string]*msgtree.Store
	activeID   string
	workspace  string
	sessions   []types.Session
	loading    bool
	busy       *turnState
	turns      map[*turnState]struct{}
	running    map[string]int
	queue      []types.PendingItem
	unread     map[string]struct{}
	hooks      *util.RingBuffer[types.HookEvent]
	confirms   map[string]types.ConfirmationRequest
	questions  map[string]types.QuestionRequest
	drainTimer *quartz.Timer
	// drainFollows lets the next drain switch the displayed session to reach
	// its item. Only a finishing turn sets it.
	drainFollows bool
	closed     bool
}

func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = noopEmitter{}
	}
	if cfg.DrainDelay < 0 {
		cfg.DrainDelay = DefaultDrainDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		stores:    map[string]*msgtree.Store{"": msgtree.New()},
		turns:     make(map[*turnState]struct{}),
		running:   make(map[string]int),
		unread:    make(map[string]struct{}),
		hooks:     util.NewRingBuffer[types.HookEvent](hookHistorySize),
		confirms:  make(map[string]types.ConfirmationRequest),
		questions: make(map[string]types.QuestionRequest),
	}
}

// Close cancels every running turn and waits for them to finish.
func (c *Controller) Close() {
	c.lock.Lock()
	c.closed = true
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	c.lock.Unlock()
	c.cancel()
	c.wg.Wait()
}

type Outcome string

const (
	OutcomeStarted Outcome = "started"
	OutcomeQueued  Outcome = "queued"
	OutcomeIgnored Outcome = "ignored"
	OutcomeLocal   Outcome = "local"
)

var OutcomeValues = []Outcome{
	OutcomeStarted,
	OutcomeQueued,
	OutcomeIgnored,
	OutcomeLocal,
}

type SubmitRequest struct {
	Content string
	Images  []types.ImageRef
	// ParentID anchors the new user message. Nil attaches it under the
	// session head; a pointer to "" starts a new root.
	ParentID *string
	Model    string
}

type SubmitResult struct {
	Outcome   Outcome `json:"outcome"`
	TempID    string  `json:"tempId,omitempty"`
	MessageID string  `json:"messageId,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`
}

// Submit starts a turn for the active session, or queues it when another
// turn is in flight. Empty submissions and submissions made while a session
// is loading are ignored. Recognized slash commands run locally.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Images) == 0 {
		return SubmitResult{Outcome: OutcomeIgnored}, nil
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.Settings.Model
	}
	if err := settings.ValidateModel(model); err != nil {
		return SubmitResult{}, err
	}
	if cmd, ok := parseCommand(content); ok && len(req.Images) == 0 {
		c.lock.Lock()
		ignore := c.loading || c.closed
		c.lock.Unlock()
		if ignore {
			return SubmitResult{Outcome: OutcomeIgnored}, nil
		}
		return c.runCommand(ctx, cmd)
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.loading || c.closed {
		return SubmitResult{Outcome: OutcomeIgnored}, nil
	}
	item := types.PendingItem{
		TempID:    "queued-" + uuid.NewString(),
		Content:   content,
		Images:    req.Images,
		SessionID: c.activeID,
		Model:     model,
	}
	if req.ParentID != nil {
		item.ParentID = *req.ParentID
		item.Anchored = true
	}
	if c.busy != nil {
		c.queue = append(c.queue, item)
		c.cfg.Logger.Info("Turn in flight, queued message", "tempId", item.TempID, "sessionId", item.SessionID, "queueLength", len(c.queue))
		c.emitThreadLocked(item.SessionID)
		c.emitStatusLocked()
		return SubmitResult{Outcome: OutcomeQueued, TempID: item.TempID, SessionID: item.SessionID}, nil
	}
	ts := c.startTurnLocked(item, false)
	return SubmitResult{Outcome: OutcomeStarted, MessageID: ts.userID, SessionID: ts.sessionID}, nil
}

// Dequeue drops a queued item before it starts.
func (c *Controller) Dequeue(tempID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for i, item := range c.queue {
		if item.TempID != tempID {
			continue
		}
		c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
		c.emitThreadLocked(item.SessionID)
		c.emitStatusLocked()
		return nil
	}
	return xerrors.Errorf("dequeue %s: %w", tempID, ErrNotQueued)
}

// Cancel aborts the turn running for the active session, or failing that
// the busy turn.
func (c *Controller) Cancel() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	target := c.busy
	for ts := range c.turns {
		if ts.sessionID == c.activeID && !ts.cancelled {
			target = ts
			break
		}
	}
	if target == nil || target.cancelled {
		return ErrNoTurnInFlight
	}
	target.cancelled = true
	target.cancel()
	c.cfg.Logger.Info("Cancelling turn", "turn", target.id, "sessionId", target.sessionID)
	return nil
}

// Rewind moves the active session's head to the parent of messageID.
func (c *Controller) Rewind(messageID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	store := c.storeLocked(c.activeID)
	if err := store.Rewind(messageID); err != nil {
		return err
	}
	c.emitThreadLocked(c.activeID)
	return nil
}

// SetHead selects the branch ending at messageID in the active session.
func (c *Controller) SetHead(messageID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.storeLocked(c.activeID).SetHead(messageID); err != nil {
		return err
	}
	c.emitThreadLocked(c.activeID)
	return nil
}

// RespondConfirmation forwards the user's answer and forgets the pending
// request it answers.
func (c *Controller) RespondConfirmation(ctx context.Context, resp types.ConfirmationResponse) error {
	c.lock.Lock()
	for sid, req := range c.confirms {
		if req.CorrelationID == resp.CorrelationID {
			delete(c.confirms, sid)
		}
	}
	for sid, req := range c.questions {
		if req.CorrelationID == resp.CorrelationID {
			delete(c.questions, sid)
		}
	}
	c.lock.Unlock()
	return c.cfg.Client.Confirm(ctx, resp)
}

// SwitchSession makes id the displayed session. A turn the client was
// composing for another session keeps running in the background and stops
// counting as busy. The store is rebuilt from the agent unless the session
// has a turn running, in which case the live store is kept.
func (c *Controller) SwitchSession(ctx context.Context, id string) error {
	if id == "" {
		c.NewSession()
		return nil
	}
	c.lock.Lock()
	if c.loading {
		c.lock.Unlock()
		return xerrors.Errorf("switch to %s: %w", id, ErrSessionLoading)
	}
	c.activateLocked(id)
	if _, ok := c.stores[id]; ok && c.running[id] > 0 {
		c.emitThreadLocked(id)
		c.emitStatusLocked()
		c.scheduleDrainLocked(false)
		c.lock.Unlock()
		return nil
	}
	c.loading = true
	c.emitStatusLocked()
	c.lock.Unlock()

	store, session, err := c.load(ctx, id)

	c.lock.Lock()
	defer c.lock.Unlock()
	c.loading = false
	if err != nil {
		c.emitStatusLocked()
		c.scheduleDrainLocked(false)
		return xerrors.Errorf("switch to %s: %w", id, err)
	}
	if c.running[id] == 0 {
		c.stores[id] = store
	}
	if session != nil && c.activeID == id {
		c.workspace = session.Workspace
	}
	c.emitThreadLocked(id)
	c.emitStatusLocked()
	c.scheduleDrainLocked(false)
	return nil
}

// NewSession displays a fresh draft conversation. It receives a session id
// from the first turn's init record.
func (c *Controller) NewSession() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.activateLocked("")
	c.workspace = ""
	inUse := false
	for ts := range c.turns {
		if ts.sessionID == "" {
			inUse = true
		}
	}
	if !inUse {
		c.stores[""] = msgtree.New()
	}
	c.emitThreadLocked("")
	c.emitStatusLocked()
	c.scheduleDrainLocked(false)
}

// caller MUST hold c.lock
//
// activateLocked displays id. The busy flag follows the displayed session:
// it is dropped for a turn left behind and picked up again from a turn that
// is still streaming for id.
func (c *Controller) activateLocked(id string) {
	if c.busy != nil && c.busy.sessionID != id {
		c.cfg.Logger.Info("Session switched, turn continues in background", "turn", c.busy.id, "sessionId", c.busy.sessionID)
		c.busy = nil
	}
	if c.busy == nil {
		if ts := c.liveTurnLocked(id); ts != nil {
			c.cfg.Logger.Info("Session has a turn streaming, resuming it as busy", "turn", ts.id, "sessionId", id)
			c.busy = ts
		}
	}
	c.activeID = id
	delete(c.unread, id)
}

// caller MUST hold c.lock
//
// liveTurnLocked returns a turn still streaming for sessionID, cancelled or
// not, or nil.
func (c *Controller) liveTurnLocked(sessionID string) *turnState {
	for ts := range c.turns {
		if ts.sessionID == sessionID {
			return ts
		}
	}
	return nil
}

// load fetches a session and builds its store.
func (c *Controller) load(ctx context.Context, id string) (*msgtree.Store, *types.Session, error) {
	payload, err := c.cfg.Client.LoadSession(ctx, id)
	if err != nil {
		var apiErr *agentclient.APIError
		if xerrors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, nil, xerrors.Errorf("%w: %s", ErrUnknownSession, id)
		}
		return nil, nil, err
	}
	built := msgtree.BuildFromFlatList(payload.Messages)
	return built.Store(), payload.Session, nil
}

// RefreshSessions fetches the session list from the agent and caches it.
func (c *Controller) RefreshSessions(ctx context.Context) ([]types.Session, error) {
	sessions, err := c.cfg.Client.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sessions = sessions
	if c.activeID != "" {
		for _, s := range sessions {
			if s.ID == c.activeID {
				c.workspace = s.Workspace
			}
		}
	}
	return append([]types.Session(nil), sessions...), nil
}

// Sessions returns the cached session list.
func (c *Controller) Sessions() []types.Session {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]types.Session(nil), c.sessions...)
}

// Thread returns the active session's displayed thread.
func (c *Controller) Thread() []types.Message {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.threadLocked(c.activeID)
}

// ThreadOf returns the displayed thread of any session.
func (c *Controller) ThreadOf(sessionID string) []types.Message {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.threadLocked(sessionID)
}

// caller MUST hold c.lock
//
// The thread is the store's branch at head followed by the session's queued
// items, rendered as placeholders chained onto the tail. Placeholders never
// enter the store.
func (c *Controller) threadLocked(sessionID string) []types.Message {
	store, ok := c.stores[sessionID]
	var thread []types.Message
	if ok {
		thread = store.Thread()
	}
	tail := ""
	if len(thread) > 0 {
		tail = thread[len(thread)-1].ID
	}
	for _, item := range c.queue {
		if item.SessionID != sessionID {
			continue
		}
		thread = append(thread, types.Message{
			ID:        item.TempID,
			Role:      types.RoleUser,
			Content:   item.Content,
			Images:    item.Images,
			ParentID:  tail,
			SessionID: item.SessionID,
			Queued:    true,
		})
		tail = item.TempID
	}
	return thread
}

// Message looks up a message in a session's store.
func (c *Controller) Message(sessionID, id string) (types.Message, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	store, ok := c.stores[sessionID]
	if !ok {
		return types.Message{}, false
	}
	return store.Get(id)
}

// Head returns a session's head id.
func (c *Controller) Head(sessionID string) string {
	c.lock.Lock()
	defer c.lock.Unlock()
	store, ok := c.stores[sessionID]
	if !ok {
		return ""
	}
	return store.Head()
}

type Status struct {
	Busy            bool                `json:"busy"`
	ActiveSessionID string              `json:"activeSessionId"`
	Workspace       string              `json:"workspace,omitempty"`
	HeadID          string              `json:"headId,omitempty"`
	Running         map[string]int      `json:"running"`
	Queue           []types.PendingItem `json:"queue"`
	QueueLength     int                 `json:"queueLength"`
	Unread          []string            `json:"unread"`
	Loading         bool                `json:"loading"`
}

// IsRunning reports whether a session has a turn streaming.
func (s Status) IsRunning(sessionID string) bool {
	return s.Running[sessionID] > 0
}

func (c *Controller) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.statusLocked()
}

// Running returns the number of turns streaming for a session.
func (c *Controller) Running(sessionID string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.running[sessionID]
}

// caller MUST hold c.lock
func (c *Controller) statusLocked() Status {
	s := Status{
		Busy:            c.busy != nil,
		ActiveSessionID: c.activeID,
		Workspace:       c.workspace,
		Running:         make(map[string]int, len(c.running)),
		Queue:           append([]types.PendingItem{}, c.queue...),
		QueueLength:     len(c.queue),
		Unread:          make([]string, 0, len(c.unread)),
		Loading:         c.loading,
	}
	if store, ok := c.stores[c.activeID]; ok {
		s.HeadID = store.Head()
	}
	for id, n := range c.running {
		s.Running[id] = n
	}
	for id := range c.unread {
		s.Unread = append(s.Unread, id)
	}
	sort.Strings(s.Unread)
	return s
}

// HookEvents returns the most recent hook events, oldest first.
func (c *Controller) HookEvents() []types.HookEvent {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.hooks.GetAll()
}

// PendingConfirmation returns the unanswered confirmation for a session.
func (c *Controller) PendingConfirmation(sessionID string) (types.ConfirmationRequest, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	req, ok := c.confirms[sessionID]
	return req, ok
}

// PendingQuestion returns the unanswered question request for a session.
func (c *Controller) PendingQuestion(sessionID string) (types.QuestionRequest, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	req, ok := c.questions[sessionID]
	return req, ok
}

// caller MUST hold c.lock
func (c *Controller) storeLocked(sessionID string) *msgtree.Store {
	store, ok := c.stores[sessionID]
	if !ok {
		store = msgtree.New()
		c.stores[sessionID] = store
	}
	return store
}

// caller MUST hold c.lock
func (c *Controller) emitThreadLocked(sessionID string) {
	if sessionID != c.activeID {
		return
	}
	c.cfg.Emitter.EmitThread(sessionID, c.threadLocked(sessionID))
}

// caller MUST hold c.lock
func (c *Controller) emitStatusLocked() {
	c.cfg.Emitter.EmitStatus(c.statusLocked())
}

// caller MUST hold c.lock
func (c *Controller) warnLocked(sessionID, msg string, err error) {
	c.cfg.Logger.Warn(msg, "sessionId", sessionID, "error", err)
	text := msg
	if err != nil {
		text = msg + ": " + err.Error()
	}
	c.cfg.Emitter.EmitWarning(Warning{SessionID: sessionID, Message: text, Time: c.cfg.Clock.Now()})
}

// isPersistedID reports whether id was assigned by the agent's store. Only
// such ids may be sent as a parent; local ids mean nothing to the agent.
func isPersistedID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
