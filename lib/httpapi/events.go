package httpapi

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/coder/agentchat/lib/chat"
	"github.com/coder/agentchat/lib/types"
)

type EventType string

const (
	EventTypeThreadUpdate        EventType = "thread_update"
	EventTypeStatusChange        EventType = "status_change"
	EventTypeHookEvent           EventType = "hook_event"
	EventTypeConfirmationRequest EventType = "confirmation_request"
	EventTypeQuestionRequest     EventType = "question_request"
	EventTypeWarning             EventType = "warning"
)

type ThreadUpdateBody struct {
	SessionID string          `json:"sessionId"`
	Messages  []types.Message `json:"messages"`
	Time      time.Time       `json:"time"`
}

type StatusChangeBody struct {
	chat.Status
}

type HookEventBody struct {
	types.HookEvent
}

type ConfirmationRequestBody struct {
	types.ConfirmationRequest
}

type QuestionRequestBody struct {
	types.QuestionRequest
}

type WarningBody struct {
	chat.Warning
}

// eventTypes maps each SSE event name to the payload it carries.
var eventTypes = map[string]any{
	string(EventTypeThreadUpdate):        ThreadUpdateBody{},
	string(EventTypeStatusChange):        StatusChangeBody{},
	string(EventTypeHookEvent):           HookEventBody{},
	string(EventTypeConfirmationRequest): ConfirmationRequestBody{},
	string(EventTypeQuestionRequest):     QuestionRequestBody{},
	string(EventTypeWarning):             WarningBody{},
}

type Event struct {
	Type    EventType
	Payload any
}

// EventEmitter fans controller changes out to SSE subscribers. It remembers
// the latest thread and status so a new subscriber can rebuild the view.
type EventEmitter struct {
	mu                  sync.Mutex
	thread              *ThreadUpdateBody
	status              *chat.Status
	chans               map[int]chan Event
	chanIdx             int
	subscriptionBufSize int
	clock               quartz.Clock
	logger              *slog.Logger
}

var _ chat.Emitter = (*EventEmitter)(nil)

type EventEmitterOption func(*EventEmitter)

// WithSubscriptionBufSize sets the buffer of each subscription. Once the
// buffer is full the channel is closed, so listeners must drain actively.
func WithSubscriptionBufSize(size int) EventEmitterOption {
	return func(e *EventEmitter) {
		e.subscriptionBufSize = size
	}
}

func WithClock(clock quartz.Clock) EventEmitterOption {
	return func(e *EventEmitter) {
		e.clock = clock
	}
}

func WithLogger(logger *slog.Logger) EventEmitterOption {
	return func(e *EventEmitter) {
		e.logger = logger
	}
}

func NewEventEmitter(opts ...EventEmitterOption) *EventEmitter {
	e := &EventEmitter{
		chans:               make(map[int]chan Event),
		subscriptionBufSize: 1024,
		clock:               quartz.NewReal(),
		logger:              slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assumes the caller holds the lock.
func (e *EventEmitter) notifyChannels(eventType EventType, payload any) {
	event := Event{Type: eventType, Payload: payload}
	for chanID, ch := range e.chans {
		select {
		case ch <- event:
		default:
			e.logger.Warn("Subscriber fell behind, closing its channel", "subscriberId", chanID)
			e.unsubscribeInner(chanID)
		}
	}
}

func (e *EventEmitter) EmitThread(sessionID string, thread []types.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.thread != nil && e.thread.SessionID == sessionID && reflect.DeepEqual(e.thread.Messages, thread) {
		return
	}
	body := ThreadUpdateBody{SessionID: sessionID, Messages: thread, Time: e.clock.Now()}
	e.thread = &body
	e.notifyChannels(EventTypeThreadUpdate, body)
}

func (e *EventEmitter) EmitStatus(status chat.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != nil && reflect.DeepEqual(*e.status, status) {
		return
	}
	e.status = &status
	e.notifyChannels(EventTypeStatusChange, StatusChangeBody{Status: status})
}

func (e *EventEmitter) EmitHook(ev types.HookEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyChannels(EventTypeHookEvent, HookEventBody{HookEvent: ev})
}

func (e *EventEmitter) EmitConfirmation(req types.ConfirmationRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyChannels(EventTypeConfirmationRequest, ConfirmationRequestBody{ConfirmationRequest: req})
}

func (e *EventEmitter) EmitQuestion(req types.QuestionRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyChannels(EventTypeQuestionRequest, QuestionRequestBody{QuestionRequest: req})
}

func (e *EventEmitter) EmitWarning(w chat.Warning) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyChannels(EventTypeWarning, WarningBody{Warning: w})
}

// Assumes the caller holds the lock.
func (e *EventEmitter) currentStateAsEvents() []Event {
	events := make([]Event, 0, 2)
	if e.thread != nil {
		events = append(events, Event{Type: EventTypeThreadUpdate, Payload: *e.thread})
	}
	if e.status != nil {
		events = append(events, Event{Type: EventTypeStatusChange, Payload: StatusChangeBody{Status: *e.status}})
	}
	return events
}

// Subscribe returns:
// - a subscription ID that can be used to unsubscribe.
// - a channel for receiving events.
// - the events that recreate the current thread and status.
func (e *EventEmitter) Subscribe() (int, <-chan Event, []Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stateEvents := e.currentStateAsEvents()

	ch := make(chan Event, e.subscriptionBufSize)
	e.chans[e.chanIdx] = ch
	e.chanIdx++
	return e.chanIdx - 1, ch, stateEvents
}

// Assumes the caller holds the lock.
func (e *EventEmitter) unsubscribeInner(chanID int) {
	ch, ok := e.chans[chanID]
	if !ok {
		return
	}
	close(ch)
	delete(e.chans, chanID)
}

func (e *EventEmitter) Unsubscribe(chanID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubscribeInner(chanID)
}
