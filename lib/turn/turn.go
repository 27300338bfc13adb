package turn

import (
	"log/slog"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/coder/quartz"

	"github.com/coder/agentchat/lib/msgtree"
	"github.com/coder/agentchat/lib/toolcall"
	"github.com/coder/agentchat/lib/types"
)

// Updater is the part of a message store a turn writes to.
type Updater interface {
	Update(id string, p msgtree.Patch) bool
}

// Sink receives everything a turn produces besides the assistant message.
type Sink interface {
	// SessionStarted is called once, for the first session id the turn
	// learns.
	SessionStarted(sessionID string)
	Confirmation(req types.ConfirmationRequest)
	Question(req types.QuestionRequest)
	Hook(ev types.HookEvent)
}

type Config struct {
	// AssistantID is the message the turn writes into. It must already exist
	// in Store.
	AssistantID string
	// SessionID is the session the turn was started for, or "" for a new
	// conversation.
	SessionID string
	Store     Updater
	Sink      Sink
	Clock     quartz.Clock
	Logger    *slog.Logger
}

// Turn reduces a stream of records into mutations of one assistant message.
// Apply must be called from a single goroutine, in arrival order.
type Turn struct {
	cfg       Config
	sessionID string
	announced bool
	model     string

	content   string
	thought   string
	citations []string
	stats     *types.UsageStats
	errored   bool
	finished  bool
}

func New(cfg Config) *Turn {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = noopSink{}
	}
	t := &Turn{cfg: cfg, sessionID: cfg.SessionID}
	if t.sessionID != "" {
		t.announce()
	}
	return t
}

// FormatError renders the notice appended to content when something fails.
func FormatError(msg string) string {
	msg = strings.TrimSpace(stripansi.Strip(msg))
	if msg == "" {
		msg = "unknown error"
	}
	return "\n\n**Error:** " + msg
}

func (t *Turn) SessionID() string { return t.sessionID }
func (t *Turn) Content() string { return t.content }
func (t *Turn) Thought() string { return t.thought }
func (t *Turn) Errored() bool { return t.errored }
func (t *Turn) Citations() []string { return append([]string(nil), t.citations...) }

// Stats returns the usage reported by the result record, if any.
func (t *Turn) Stats() *types.UsageStats { return t.stats }

// Finished reports whether the terminal result record was seen.
func (t *Turn) Finished() bool { return t.finished }

// Streamed reports whether any content or thought reached the message.
func (t *Turn) Streamed() bool { return t.content != "" || t.thought != "" }

// Apply handles one record. Unknown record types are ignored.
func (t *Turn) Apply(rec Record) {
	switch rec.Type {
	case TypeInit:
		if rec.Model != "" {
			t.model = rec.Model
		}
		if rec.SessionID.Value != "" && t.sessionID == "" {
			t.sessionID = rec.SessionID.Value
		}
		t.announce()
	case TypeThought:
		text := firstNonEmpty(string(rec.Content), string(rec.Message))
		if text == "" {
			return
		}
		t.thought += text
		t.cfg.Store.Update(t.cfg.AssistantID, msgtree.Patch{Thought: &t.thought})
	case TypeConfirmation:
		t.confirmation(rec)
	case TypeCitation:
		added := append([]string(nil), rec.Citations...)
		if rec.Citation != "" {
			added = append(added, string(rec.Citation))
		}
		if len(added) == 0 {
			return
		}
		t.citations = append(t.citations, added...)
		t.cfg.Store.Update(t.cfg.AssistantID, msgtree.Patch{Citations: &t.citations})
	case TypeHook:
		t.cfg.Sink.Hook(types.HookEvent{
			SessionID: t.sessionID,
			Name:      firstNonEmpty(rec.HookName, rec.Name),
			Event:     firstNonEmpty(rec.EventName, rec.Event),
			Phase:     rec.Phase,
			ToolName:  rec.ToolName,
			Status:    rec.Status,
			Message:   string(rec.Message),
			Duration:  time.Duration(rec.DurationMS) * time.Millisecond,
			Time:      t.cfg.Clock.Now(),
		})
	case TypeToolUse:
		t.setContent(toolcall.Append(t.content, toolcall.Marker{
			ID:         rec.ToolID.Value,
			Name:       rec.ToolName,
			Args:       string(rec.Parameters),
			Checkpoint: rec.Checkpoint,
		}))
	case TypeToolResult:
		failed := rec.IsError || rec.Status == "error" || rec.Status == "failed"
		output := string(rec.Output)
		if output == "" && rec.Error != nil {
			output = rec.Error.Message
		}
		content, ok := toolcall.Finish(t.content, toolcall.Result{
			ID:         rec.ToolID.Value,
			Failed:     failed,
			Output:     output,
			ResultData: string(rec.ResultData),
		})
		if !ok {
			t.cfg.Logger.Debug("tool result matched no running call", "toolId", rec.ToolID.Value)
			return
		}
		t.setContent(content)
	case TypeMessage:
		if types.NormalizeRole(rec.Role) == types.RoleUser || rec.Content == "" {
			return
		}
		t.setContent(t.content + string(rec.Content))
	case TypeError:
		msg := string(rec.Message)
		if rec.Error != nil && rec.Error.Message != "" {
			msg = rec.Error.Message
		}
		t.Fail(msg)
	case TypeResult:
		t.finished = true
		if rec.Status == "error" || rec.Error != nil {
			msg := string(rec.Message)
			if rec.Error != nil && rec.Error.Message != "" {
				msg = rec.Error.Message
			}
			t.Fail(msg)
		}
		if rec.Stats != nil {
			t.stats = &types.UsageStats{
				InputTokens:  rec.Stats.InputTokens,
				OutputTokens: rec.Stats.OutputTokens,
				TotalTokens:  rec.Stats.TotalTokens,
				CachedTokens: rec.Stats.Cached,
				DurationMS:   rec.Stats.DurationMS,
				ToolCalls:    rec.Stats.ToolCalls,
				Model:        t.model,
			}
			t.cfg.Store.Update(t.cfg.AssistantID, msgtree.Patch{Stats: t.stats})
		}
	default:
		t.cfg.Logger.Debug("ignoring unknown record type", "type", rec.Type)
	}
}

// Fail appends an error notice to the message and flags it as errored.
func (t *Turn) Fail(msg string) {
	t.errored = true
	t.content += FormatError(msg)
	errored := true
	t.cfg.Store.Update(t.cfg.AssistantID, msgtree.Patch{Content: &t.content, Error: &errored})
}

func (t *Turn) setContent(content string) {
	t.content = content
	t.cfg.Store.Update(t.cfg.AssistantID, msgtree.Patch{Content: &t.content})
}

func (t *Turn) announce() {
	if t.announced || t.sessionID == "" {
		return
	}
	t.announced = true
	sid := t.sessionID
	t.cfg.Store.Update(t.cfg.AssistantID, msgtree.Patch{SessionID: &sid})
	t.cfg.Sink.SessionStarted(sid)
}

func (t *Turn) confirmation(rec Record) {
	now := t.cfg.Clock.Now()
	var d Details
	if rec.Details != nil {
		d = *rec.Details
	}
	if len(d.Questions) > 0 || d.Type == "ask_user" {
		req := types.QuestionRequest{
			CorrelationID: rec.CorrelationID.Value,
			SessionID:     t.sessionID,
			Title:         firstNonEmpty(d.Title, d.Prompt),
			Time:          now,
		}
		for _, q := range d.Questions {
			opts := make([]string, 0, len(q.Options))
			for _, o := range q.Options {
				opts = append(opts, o.Label)
			}
			req.Questions = append(req.Questions, types.Question{
				Question:    q.Question,
				Header:      q.Header,
				Options:     opts,
				MultiSelect: q.MultiSelect,
			})
		}
		t.cfg.Sink.Question(req)
		return
	}
	t.cfg.Sink.Confirmation(types.ConfirmationRequest{
		CorrelationID: rec.CorrelationID.Value,
		SessionID:     t.sessionID,
		ToolName:      rec.ToolName,
		ToolID:        rec.ToolID.Value,
		Kind:          d.Type,
		Title:         d.Title,
		Command:       d.Command,
		Prompt:        firstNonEmpty(d.Prompt, string(rec.Message)),
		Time:          now,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type noopSink struct{}

func (noopSink) SessionStarted(string) {}
func (noopSink) Confirmation(types.ConfirmationRequest) {}
func (noopSink) Question(types.QuestionRequest) {}
func (noopSink) Hook(types.HookEvent) {}
