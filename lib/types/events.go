package types

import (
	"encoding/json"
	"time"

	"github.com/coder/agentchat/lib/util"
	"github.com/danielgtaylor/huma/v2"
)

// HookEvent is the normalized form of the hook records an agent reports
// around tool execution. It is display-only and never enters a message tree.
type HookEvent struct {
	SessionID string        `json:"sessionId,omitempty"`
	Name      string        `json:"name"`
	Event     string        `json:"event,omitempty"`
	Phase     string        `json:"phase,omitempty"`
	ToolName  string        `json:"toolName,omitempty"`
	Status    string        `json:"status,omitempty"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Time      time.Time     `json:"time"`
}

type ConfirmationOutcome string

const (
	OutcomeProceedOnce   ConfirmationOutcome = "proceed_once"
	OutcomeProceedAlways ConfirmationOutcome = "proceed_always"
	OutcomeCancel        ConfirmationOutcome = "cancel"
)

var ConfirmationOutcomeValues = []ConfirmationOutcome{
	OutcomeProceedOnce,
	OutcomeProceedAlways,
	OutcomeCancel,
}

func (o ConfirmationOutcome) Schema(r huma.Registry) *huma.Schema {
	return util.OpenAPISchema(r, "ConfirmationOutcome", ConfirmationOutcomeValues)
}

// ConfirmationRequest asks the user to approve a pending tool call.
type ConfirmationRequest struct {
	CorrelationID string    `json:"correlationId"`
	SessionID     string    `json:"sessionId,omitempty"`
	ToolName      string    `json:"toolName,omitempty"`
	ToolID        string    `json:"toolId,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	Title         string    `json:"title,omitempty"`
	Command       string    `json:"command,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	Time          time.Time `json:"time"`
}

type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// QuestionRequest is the multi-question variant of a confirmation.
type QuestionRequest struct {
	CorrelationID string     `json:"correlationId"`
	SessionID     string     `json:"sessionId,omitempty"`
	Title         string     `json:"title,omitempty"`
	Questions     []Question `json:"questions"`
	Time          time.Time  `json:"time"`
}

type ConfirmationResponse struct {
	CorrelationID string              `json:"correlationId"`
	Confirmed     bool                `json:"confirmed"`
	Outcome       ConfirmationOutcome `json:"outcome"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
}
