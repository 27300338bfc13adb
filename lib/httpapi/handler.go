package httpapi

import (
	"context"

	"github.com/coder/agentchat/lib/chat"
	"github.com/coder/agentchat/lib/types"
)

// Controller is the conversation engine the local API drives.
type Controller interface {
	Status() chat.Status
	Thread() []types.Message
	Submit(ctx context.Context, req chat.SubmitRequest) (chat.SubmitResult, error)
	Retry(ctx context.Context, index int) (chat.SubmitResult, error)
	Rewind(messageID string) error
	SetHead(messageID string) error
	Cancel() error
	Dequeue(tempID string) error
	RespondConfirmation(ctx context.Context, resp types.ConfirmationResponse) error
	SwitchSession(ctx context.Context, id string) error
	NewSession()
	RefreshSessions(ctx context.Context) ([]types.Session, error)
	HookEvents() []types.HookEvent
}

var _ Controller = (*chat.Controller)(nil)
