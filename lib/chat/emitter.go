package chat

import (
	"time"

	"github.com/coder/agentchat/lib/types"
)

// Warning is a non-fatal problem worth showing the user, such as a failed
// refresh after a turn.
type Warning struct {
	SessionID string    `json:"sessionId,omitempty"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Emitter receives controller state changes. Methods are called with the
// controller lock held and must not block or call back into the controller.
type Emitter interface {
	EmitThread(sessionID string, thread []types.Message)
	EmitStatus(Status)
	EmitHook(types.HookEvent)
	EmitConfirmation(types.ConfirmationRequest)
	EmitQuestion(types.QuestionRequest)
	EmitWarning(Warning)
}

type noopEmitter struct{}

func (noopEmitter) EmitThread(string, []types.Message) {}
func (noopEmitter) EmitStatus(Status) {}
func (noopEmitter) EmitHook(types.HookEvent) {}
func (noopEmitter) EmitConfirmation(types.ConfirmationRequest) {}
func (noopEmitter) EmitQuestion(types.QuestionRequest) {}
func (noopEmitter) EmitWarning(Warning) {}
