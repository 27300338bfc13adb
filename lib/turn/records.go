// Package turn applies one turn's stream of agent records to the assistant
// message the turn is writing.
package turn

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"strings"

	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/types"
)

// MaxLineSize bounds a single NDJSON record.
const MaxLineSize = 10 * 1024 * 1024

type RecordType string

const (
	TypeInit         RecordType = "init"
	TypeThought      RecordType = "thought"
	TypeConfirmation RecordType = "tool_call_confirmation"
	TypeCitation     RecordType = "citation"
	TypeHook         RecordType = "hook"
	TypeToolUse      RecordType = "tool_use"
	TypeToolResult   RecordType = "tool_result"
	TypeMessage      RecordType = "message"
	TypeError        RecordType = "error"
	TypeResult       RecordType = "result"
)

var typeAliases = map[string]RecordType{
	"tool_confirmation":    TypeConfirmation,
	"confirmation_request": TypeConfirmation,
	"ask_user":             TypeConfirmation,
	"hook_event":           TypeHook,
}

// Text is a field that agents send either as a JSON string or as arbitrary
// JSON. Non-string values keep their JSON encoding.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(data)
	return nil
}

// Citations is a citation list. Items that are not strings keep their JSON
// encoding, and a lone value stands for a list of one.
type Citations []string

func (c *Citations) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []Text
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make(Citations, 0, len(items))
		for _, item := range items {
			if item != "" {
				out = append(out, string(item))
			}
		}
		*c = out
		return nil
	}
	var item Text
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	*c = nil
	if item != "" {
		*c = Citations{string(item)}
	}
	return nil
}

// RecordError is the error field of error and result records. Some agents
// send a bare string instead of an object.
type RecordError struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *RecordError) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = RecordError{Message: s}
		return nil
	}
	type plain RecordError
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = RecordError(p)
	return nil
}

type Stats struct {
	TotalTokens  int   `json:"total_tokens"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	Cached       int   `json:"cached"`
	DurationMS   int64 `json:"duration_ms"`
	ToolCalls    int   `json:"tool_calls"`
}

type QuestionDetail struct {
	Question    string   `json:"question"`
	Header      string   `json:"header"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multiSelect"`
}

// Option accepts either a plain label or an object with a label.
type Option struct {
	Label string
}

func (o *Option) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		o.Label = s
		return nil
	}
	var obj struct {
		Label string `json:"label"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	o.Label = obj.Label
	if o.Label == "" {
		o.Label = obj.Value
	}
	return nil
}

type Details struct {
	Type      string           `json:"type"`
	Title     string           `json:"title"`
	Command   string           `json:"command"`
	Prompt    string           `json:"prompt"`
	Questions []QuestionDetail `json:"questions"`
}

// Record is one decoded line of a turn stream.
type Record struct {
	Type RecordType `json:"type"`

	SessionID types.FlexID `json:"session_id"`
	Model     string       `json:"model"`
	Role      string       `json:"role"`
	Content   Text         `json:"content"`
	Delta     bool         `json:"delta"`

	ToolName   string          `json:"tool_name"`
	ToolID     types.FlexID    `json:"tool_id"`
	Parameters json.RawMessage `json:"parameters"`
	Checkpoint string          `json:"checkpoint"`
	Status     string          `json:"status"`
	Output     Text            `json:"output"`
	ResultData Text            `json:"result_data"`
	IsError    bool            `json:"is_error"`

	Error    *RecordError `json:"error"`
	Message  Text         `json:"message"`
	Severity string       `json:"severity"`
	Stats    *Stats       `json:"stats"`

	CorrelationID types.FlexID `json:"correlation_id"`
	Details       *Details     `json:"details"`

	HookName   string `json:"hook_name"`
	Name       string `json:"name"`
	EventName  string `json:"event_name"`
	Event      string `json:"event"`
	Phase      string `json:"phase"`
	DurationMS int64  `json:"duration_ms"`

	Citations Citations `json:"citations"`
	Citation  Text      `json:"citation"`
}

// ParseRecord decodes one line. Type aliases are folded into their canonical
// type. A field whose value has an unexpected shape is left zero and the rest
// of the record is kept; only a line that is not a JSON object fails.
func ParseRecord(line []byte) (Record, error) {
	rec, _, err := decodeRecord(line)
	return rec, err
}

// decodeRecord is ParseRecord that also names the fields it had to drop.
func decodeRecord(line []byte) (Record, []string, error) {
	var rec Record
	err := json.Unmarshal(line, &rec)
	if err == nil {
		return canonicalType(rec), nil, nil
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(line, &fields) != nil {
		return Record{}, nil, xerrors.Errorf("failed to decode record: %w", err)
	}
	rec = Record{}
	var dropped []string
	for key, raw := range fields {
		one, err := json.Marshal(map[string]json.RawMessage{key: raw})
		if err != nil {
			dropped = append(dropped, key)
			continue
		}
		next := rec
		if err := json.Unmarshal(one, &next); err != nil {
			dropped = append(dropped, key)
			continue
		}
		rec = next
	}
	return canonicalType(rec), dropped, nil
}

func canonicalType(rec Record) Record {
	t := strings.ToLower(strings.TrimSpace(string(rec.Type)))
	if canonical, ok := typeAliases[t]; ok {
		rec.Type = canonical
	} else {
		rec.Type = RecordType(t)
	}
	return rec
}

// Records yields the records of an NDJSON stream in arrival order. Lines may
// arrive split across reads. Blank lines are skipped; lines that do not
// decode are logged and skipped. A read error is yielded once and ends the
// sequence. A clean end of stream simply ends it.
func Records(r io.Reader, logger *slog.Logger) iter.Seq2[Record, error] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(yield func(Record, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			rec, dropped, err := decodeRecord(line)
			if err != nil {
				logger.Debug("skipping malformed stream line", "error", err, "bytes", len(line))
				continue
			}
			if len(dropped) > 0 {
				logger.Debug("ignoring record fields of unexpected shape", "type", rec.Type, "fields", dropped)
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Record{}, xerrors.Errorf("failed to read stream: %w", err))
		}
	}
}
