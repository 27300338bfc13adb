package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/coder/agentchat/lib/chat"
	"github.com/coder/agentchat/lib/msgtree"
	"github.com/coder/agentchat/lib/settings"
	"github.com/coder/agentchat/lib/types"
)

type StatusResponse struct {
	Body chat.Status
}

type SessionsResponse struct {
	Body struct {
		Sessions []types.Session `json:"sessions"`
	}
}

type SessionPathInput struct {
	ID string `path:"id" doc:"Session id"`
}

type ThreadResponse struct {
	Body struct {
		SessionID string          `json:"sessionId"`
		Messages  []types.Message `json:"messages"`
	}
}

type MessageRequest struct {
	Body struct {
		Content string           `json:"content" doc:"Prompt text or a slash command"`
		Images  []types.ImageRef `json:"images,omitempty"`
		// A present but empty parentId starts a new root.
		ParentID *string `json:"parentId,omitempty" doc:"Anchor the message under this message instead of the head"`
		Model    string  `json:"model,omitempty"`
	}
}

type SubmitResponse struct {
	Body chat.SubmitResult
}

type RetryRequest struct {
	Body struct {
		Index int `json:"index" doc:"Index into the displayed thread" minimum:"0"`
	}
}

type MessageIDRequest struct {
	Body struct {
		MessageID string `json:"messageId"`
	}
}

type QueuePathInput struct {
	TempID string `path:"tempId"`
}

type ConfirmationInput struct {
	Body types.ConfirmationResponse
}

type OKResponse struct {
	Body struct {
		Ok bool `json:"ok"`
	}
}

type HooksResponse struct {
	Body struct {
		Events []types.HookEvent `json:"events"`
	}
}

func okResponse() *OKResponse {
	resp := &OKResponse{}
	resp.Body.Ok = true
	return resp
}

func (s *Server) registerRoutes() {
	huma.Get(s.api, "/status", s.getStatus, func(o *huma.Operation) {
		o.Description = "Returns the busy flag, running counters, queue and active session."
	})
	huma.Get(s.api, "/sessions", s.getSessions, func(o *huma.Operation) {
		o.Description = "Refreshes and returns the agent's session list."
	})
	huma.Post(s.api, "/sessions/new", s.newSession, func(o *huma.Operation) {
		o.Description = "Displays a fresh draft conversation."
	})
	huma.Post(s.api, "/sessions/{id}/activate", s.activateSession, func(o *huma.Operation) {
		o.Description = "Displays a session, loading its history from the agent."
	})
	huma.Get(s.api, "/thread", s.getThread, func(o *huma.Operation) {
		o.Description = "Returns the displayed branch of the active session, queued messages included."
	})
	huma.Post(s.api, "/message", s.createMessage, func(o *huma.Operation) {
		o.Description = "Sends a message. It starts a turn, is queued behind the one in flight, or runs as a local command."
	})
	huma.Post(s.api, "/retry", s.retry, func(o *huma.Operation) {
		o.Description = "Resends the user message at or before index as a new sibling branch."
	})
	huma.Post(s.api, "/rewind", s.rewind, func(o *huma.Operation) {
		o.Description = "Moves the head to the parent of a message."
	})
	huma.Post(s.api, "/head", s.setHead, func(o *huma.Operation) {
		o.Description = "Selects the branch ending at a message."
	})
	huma.Post(s.api, "/cancel", s.cancel, func(o *huma.Operation) {
		o.Description = "Aborts the turn running for the active session."
	})
	huma.Delete(s.api, "/queue/{tempId}", s.dequeue, func(o *huma.Operation) {
		o.Description = "Drops a queued message before it starts."
	})
	huma.Post(s.api, "/confirmation", s.confirm, func(o *huma.Operation) {
		o.Description = "Answers a tool confirmation or question request."
	})
	huma.Get(s.api, "/hooks", s.getHooks, func(o *huma.Operation) {
		o.Description = "Returns recent hook events, oldest first."
	})
	sse.Register(s.api, huma.Operation{
		OperationID: "subscribeEvents",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Subscribe to events",
		Description: "The first events rebuild the current thread and status. Later events report changes.",
	}, eventTypes, s.subscribeEvents)
}

func (s *Server) getStatus(ctx context.Context, input *struct{}) (*StatusResponse, error) {
	return &StatusResponse{Body: s.ctrl.Status()}, nil
}

func (s *Server) getSessions(ctx context.Context, input *struct{}) (*SessionsResponse, error) {
	sessions, err := s.ctrl.RefreshSessions(ctx)
	if err != nil {
		return nil, huma.Error502BadGateway("failed to list sessions", err)
	}
	resp := &SessionsResponse{}
	resp.Body.Sessions = sessions
	return resp, nil
}

func (s *Server) newSession(ctx context.Context, input *struct{}) (*StatusResponse, error) {
	s.ctrl.NewSession()
	return &StatusResponse{Body: s.ctrl.Status()}, nil
}

func (s *Server) activateSession(ctx context.Context, input *SessionPathInput) (*StatusResponse, error) {
	if err := s.ctrl.SwitchSession(ctx, input.ID); err != nil {
		return nil, apiError(err)
	}
	return &StatusResponse{Body: s.ctrl.Status()}, nil
}

func (s *Server) getThread(ctx context.Context, input *struct{}) (*ThreadResponse, error) {
	resp := &ThreadResponse{}
	resp.Body.SessionID = s.ctrl.Status().ActiveSessionID
	resp.Body.Messages = s.ctrl.Thread()
	return resp, nil
}

func (s *Server) createMessage(ctx context.Context, input *MessageRequest) (*SubmitResponse, error) {
	res, err := s.ctrl.Submit(ctx, chat.SubmitRequest{
		Content:  input.Body.Content,
		Images:   input.Body.Images,
		ParentID: input.Body.ParentID,
		Model:    input.Body.Model,
	})
	if err != nil {
		return nil, apiError(err)
	}
	return &SubmitResponse{Body: res}, nil
}

func (s *Server) retry(ctx context.Context, input *RetryRequest) (*SubmitResponse, error) {
	res, err := s.ctrl.Retry(ctx, input.Body.Index)
	if err != nil {
		return nil, apiError(err)
	}
	return &SubmitResponse{Body: res}, nil
}

func (s *Server) rewind(ctx context.Context, input *MessageIDRequest) (*OKResponse, error) {
	if err := s.ctrl.Rewind(input.Body.MessageID); err != nil {
		return nil, apiError(err)
	}
	return okResponse(), nil
}

func (s *Server) setHead(ctx context.Context, input *MessageIDRequest) (*OKResponse, error) {
	if err := s.ctrl.SetHead(input.Body.MessageID); err != nil {
		return nil, apiError(err)
	}
	return okResponse(), nil
}

func (s *Server) cancel(ctx context.Context, input *struct{}) (*OKResponse, error) {
	if err := s.ctrl.Cancel(); err != nil {
		return nil, apiError(err)
	}
	return okResponse(), nil
}

func (s *Server) dequeue(ctx context.Context, input *QueuePathInput) (*OKResponse, error) {
	if err := s.ctrl.Dequeue(input.TempID); err != nil {
		return nil, apiError(err)
	}
	return okResponse(), nil
}

func (s *Server) confirm(ctx context.Context, input *ConfirmationInput) (*OKResponse, error) {
	if err := s.ctrl.RespondConfirmation(ctx, input.Body); err != nil {
		return nil, huma.Error502BadGateway("failed to deliver the confirmation", err)
	}
	return okResponse(), nil
}

func (s *Server) getHooks(ctx context.Context, input *struct{}) (*HooksResponse, error) {
	resp := &HooksResponse{}
	resp.Body.Events = s.ctrl.HookEvents()
	return resp, nil
}

func (s *Server) subscribeEvents(ctx context.Context, input *struct{}, send sse.Sender) {
	subscriberID, ch, stateEvents := s.emitter.Subscribe()
	defer s.emitter.Unsubscribe(subscriberID)
	s.logger.Info("New subscriber", "subscriberId", subscriberID)
	for _, event := range stateEvents {
		if err := send.Data(event.Payload); err != nil {
			s.logger.Error("Failed to send event", "subscriberId", subscriberID, "error", err)
			return
		}
	}
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				s.logger.Info("Channel closed", "subscriberId", subscriberID)
				return
			}
			if err := send.Data(event.Payload); err != nil {
				s.logger.Error("Failed to send event", "subscriberId", subscriberID, "error", err)
				return
			}
		case <-ctx.Done():
			s.logger.Info("Context done", "subscriberId", subscriberID)
			return
		}
	}
}

// apiError maps controller errors onto HTTP statuses.
func apiError(err error) error {
	switch {
	case errors.Is(err, settings.ErrInvalidModel):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, chat.ErrInvalidIndex):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, chat.ErrUnknownSession), errors.Is(err, chat.ErrNotQueued), errors.Is(err, msgtree.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, chat.ErrNoTurnInFlight), errors.Is(err, chat.ErrSessionLoading):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error502BadGateway(err.Error())
	}
}
