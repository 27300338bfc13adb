// Package agentclient talks to the agent process's HTTP endpoints: starting
// turns, the session store, control actions and confirmations.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/types"
)

// ErrCancelled marks a request that failed because its context was
// cancelled locally.
var ErrCancelled = xerrors.Errorf("request cancelled: %w", context.Canceled)

// APIError is a non-2xx response. Message carries the server's error text.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return e.Message
}

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, xerrors.Errorf("invalid agent url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, xerrors.Errorf("invalid agent url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{base: base, token: cfg.Token, http: cfg.HTTPClient, logger: cfg.Logger}, nil
}

type StartTurnRequest struct {
	Prompt            string           `json:"prompt"`
	SessionID         string           `json:"sessionId,omitempty"`
	ParentID          string           `json:"parentId,omitempty"`
	Model             string           `json:"model,omitempty"`
	SystemInstruction string           `json:"systemInstruction,omitempty"`
	Images            []types.ImageRef `json:"images,omitempty"`
	ApprovalMode      string           `json:"approvalMode,omitempty"`
	Mode              string           `json:"mode,omitempty"`
}

// StartTurn opens a turn and returns its NDJSON body. The caller closes it.
func (c *Client) StartTurn(ctx context.Context, req StartTurnRequest) (io.ReadCloser, error) {
	res, err := c.do(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return nil, xerrors.Errorf("failed to start turn: %w", err)
	}
	return res.Body, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	if err := c.getJSON(ctx, "/api/sessions", &sessions); err != nil {
		return nil, xerrors.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (c *Client) LoadSession(ctx context.Context, id string) (types.SessionPayload, error) {
	var payload types.SessionPayload
	if err := c.getJSON(ctx, "/api/sessions/"+url.PathEscape(id), &payload); err != nil {
		return types.SessionPayload{}, xerrors.Errorf("failed to load session %s: %w", id, err)
	}
	return payload, nil
}

type ControlAction string

const (
	ActionRewind      ControlAction = "rewind"
	ActionRestore     ControlAction = "restore"
	ActionUndoPreview ControlAction = "undo_message_preview"
	ActionUndo        ControlAction = "undo_message"
)

type ControlRequest struct {
	Action    ControlAction
	SessionID string
	// Params are merged into the request body next to action and sessionId.
	Params map[string]any
}

func (r ControlRequest) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Params)+2)
	for k, v := range r.Params {
		body[k] = v
	}
	body["action"] = r.Action
	body["sessionId"] = r.SessionID
	return json.Marshal(body)
}

// ControlResult is a successful control response. Raw holds the whole body;
// the known fields are decoded from it when present.
type ControlResult struct {
	Raw           json.RawMessage `json:"-"`
	Message       string          `json:"message,omitempty"`
	RestoreResult json.RawMessage `json:"restoreResult,omitempty"`
	Pruned        json.RawMessage `json:"pruned,omitempty"`
	Preview       json.RawMessage `json:"preview,omitempty"`
}

// Control runs a control action. An error field in the response body is
// reported as an *APIError even on a 2xx status.
func (c *Client) Control(ctx context.Context, req ControlRequest) (ControlResult, error) {
	res, err := c.do(ctx, http.MethodPost, "/api/sessions/control", req)
	if err != nil {
		return ControlResult{}, xerrors.Errorf("control %s: %w", req.Action, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return ControlResult{}, xerrors.Errorf("control %s: failed to read response: %w", req.Action, c.classify(ctx, err))
	}
	out := ControlResult{Raw: raw}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	var decoded struct {
		ControlResult
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ControlResult{}, xerrors.Errorf("control %s: failed to decode response: %w", req.Action, err)
	}
	if msg := errorText(decoded.Error); msg != "" {
		return ControlResult{}, xerrors.Errorf("control %s: %w", req.Action, &APIError{StatusCode: res.StatusCode, Message: msg})
	}
	decoded.ControlResult.Raw = raw
	return decoded.ControlResult, nil
}

// Confirm delivers a confirmation or question answer. Nothing streams back.
func (c *Client) Confirm(ctx context.Context, resp types.ConfirmationResponse) error {
	res, err := c.do(ctx, http.MethodPost, "/api/confirm", resp)
	if err != nil {
		return xerrors.Errorf("failed to send confirmation: %w", err)
	}
	_ = res.Body.Close()
	return nil
}

type Health struct {
	Status  string         `json:"status"`
	Version string         `json:"version,omitempty"`
	Extra   map[string]any `json:"-"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var raw map[string]any
	if err := c.getJSON(ctx, "/api/health", &raw); err != nil {
		return Health{}, xerrors.Errorf("health check failed: %w", err)
	}
	h := Health{Extra: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "status":
			h.Status, _ = v.(string)
		case "version":
			h.Version, _ = v.(string)
		default:
			h.Extra[k] = v
		}
	}
	return h, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	res, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return xerrors.Errorf("failed to decode response: %w", c.classify(ctx, err))
	}
	return nil
}

// do sends the request and returns the response when the status is 2xx.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, xerrors.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res, nil
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	apiErr := &APIError{StatusCode: res.StatusCode}
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Message = errorText(payload.Error)
		if apiErr.Message == "" {
			apiErr.Message = payload.Message
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	c.logger.Debug("agent request failed", "method", method, "path", path, "status", res.StatusCode)
	return nil, apiErr
}

// classify turns failures caused by local cancellation into ErrCancelled.
func (c *Client) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return xerrors.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}

// IsCancelled reports whether err, or the context it was produced under,
// stems from local cancellation.
func IsCancelled(ctx context.Context, err error) bool {
	if errors.Is(err, ErrCancelled) {
		return true
	}
	return ctx != nil && errors.Is(ctx.Err(), context.Canceled)
}

// errorText extracts a message from an error field that is either a string
// or an object with a message.
func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	if bytes.Equal(raw, []byte("false")) {
		return ""
	}
	return string(raw)
}
