package attach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	sse "github.com/tmaxmax/go-sse"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/chat"
	"github.com/coder/agentchat/lib/httpapi"
	"github.com/coder/agentchat/lib/toolcall"
	"github.com/coder/agentchat/lib/types"
	"github.com/coder/agentchat/lib/util"
)

var (
	userHeader   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	agentHeader  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	pendingStyle = lipgloss.NewStyle().Faint(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type threadMsg httpapi.ThreadUpdateBody

type statusMsg chat.Status

type warningMsg chat.Warning

type sentMsg struct {
	err error
}

type finishMsg struct{}

type model struct {
	remote   *remote
	thread   []types.Message
	status   chat.Status
	input    string
	notice   string
	sending  bool
	quitting bool
}

func (m model) Init() tea.Cmd {
	return nil
}

//lint:ignore U1000 The Update function is used by the Bubble Tea framework
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case threadMsg:
		m.thread = msg.Messages
	case statusMsg:
		m.status = chat.Status(msg)
	case warningMsg:
		m.notice = "warning: " + msg.Message
	case sentMsg:
		m.sending = false
		if msg.err != nil {
			m.notice = "send failed: " + msg.err.Error()
		}
	case finishMsg:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input)
			if text == "" || m.sending {
				return m, nil
			}
			m.input = ""
			m.notice = ""
			m.sending = true
			return m, m.send(text)
		case tea.KeyBackspace:
			if r := []rune(m.input); len(r) > 0 {
				m.input = string(r[:len(r)-1])
			}
		case tea.KeySpace:
			m.input += " "
		case tea.KeyRunes:
			m.input += string(msg.Runes)
		}
	}
	return m, nil
}

func (m model) send(text string) tea.Cmd {
	r := m.remote
	return func() tea.Msg {
		if r == nil {
			return sentMsg{err: xerrors.New("not connected")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sentMsg{err: r.postMessage(ctx, text)}
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(renderThread(m.thread))
	sb.WriteString(renderStatus(m.status))
	if m.notice != "" {
		sb.WriteString(noticeStyle.Render(m.notice) + "\n")
	}
	sb.WriteString("> " + m.input)
	return sb.String()
}

// renderThread prints each message under a role header. Tool markers are
// collapsed to one-line summaries.
func renderThread(thread []types.Message) string {
	var sb strings.Builder
	for _, msg := range thread {
		header, style := "Agent", agentHeader
		if msg.Role == types.RoleUser {
			header, style = "You", userHeader
		}
		switch {
		case msg.Queued:
			header += " (queued)"
			style = pendingStyle
		case msg.Error:
			header += " (error)"
			style = noticeStyle
		}
		content := strings.TrimRight(toolcall.Summarize(msg.Content), "\n")
		if content == "" && msg.Role == types.RoleModel {
			content = "…"
		}
		fmt.Fprintf(&sb, "%s\n%s\n\n", style.Render("── "+header+" ──"), content)
	}
	return sb.String()
}

func renderStatus(st chat.Status) string {
	var parts []string
	if st.ActiveSessionID != "" {
		parts = append(parts, "session "+st.ActiveSessionID)
	} else {
		parts = append(parts, "new conversation")
	}
	switch {
	case st.Loading:
		parts = append(parts, "loading")
	case st.Busy:
		parts = append(parts, "agent is working")
	case st.IsRunning(st.ActiveSessionID):
		parts = append(parts, "running in background")
	}
	if st.QueueLength > 0 {
		parts = append(parts, fmt.Sprintf("%d queued", st.QueueLength))
	}
	if len(st.Unread) > 0 {
		parts = append(parts, fmt.Sprintf("%d unread", len(st.Unread)))
	}
	return pendingStyle.Render("["+strings.Join(parts, " · ")+"]") + "\n"
}

// remote talks to a running agentchat server.
type remote struct {
	base   string
	apiKey string
	http   *http.Client
}

func newRemote(rawURL, apiKey string) *remote {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	return &remote{base: strings.TrimRight(rawURL, "/"), apiKey: apiKey, http: http.DefaultClient}
}

func (r *remote) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	return req, nil
}

func (r *remote) getStatus(ctx context.Context) (chat.Status, error) {
	req, err := r.newRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return chat.Status{}, err
	}
	res, err := r.http.Do(req)
	if err != nil {
		return chat.Status{}, xerrors.Errorf("failed to get status: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return chat.Status{}, xerrors.Errorf("failed to get status: %w", errors.New(res.Status))
	}
	var status chat.Status
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return chat.Status{}, xerrors.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}

func (r *remote) postMessage(ctx context.Context, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return xerrors.Errorf("failed to marshal message request: %w", err)
	}
	req, err := r.newRequest(ctx, http.MethodPost, "/message", body)
	if err != nil {
		return err
	}
	res, err := r.http.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to do request: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return xerrors.Errorf("failed to send message: %w", errors.New(res.Status))
	}
	return nil
}

// readEvents forwards /events to send until the stream ends or ctx is done.
func (r *remote) readEvents(ctx context.Context, send func(tea.Msg)) error {
	path := "/events"
	if r.apiKey != "" {
		path += "?api_key=" + url.QueryEscape(r.apiKey)
	}
	req, err := r.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	res, err := r.http.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to connect to events stream: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return xerrors.Errorf("failed to connect to events stream: %w", errors.New(res.Status))
	}

	for ev, err := range sse.Read(res.Body, &sse.ReadConfig{
		// A long thread is sent whole on every update.
		MaxEventSize: 16 * 1024 * 1024,
	}) {
		if err != nil {
			return xerrors.Errorf("failed to read sse: %w", err)
		}
		if msg, ok := decodeEvent(ev.Type, []byte(ev.Data)); ok {
			send(msg)
		}
	}
	return nil
}

// decodeEvent turns an SSE event into a model message. Unknown or malformed
// events are skipped.
func decodeEvent(eventType string, data []byte) (tea.Msg, bool) {
	switch httpapi.EventType(eventType) {
	case httpapi.EventTypeThreadUpdate:
		var body httpapi.ThreadUpdateBody
		if json.Unmarshal(data, &body) != nil {
			return nil, false
		}
		return threadMsg(body), true
	case httpapi.EventTypeStatusChange:
		var body httpapi.StatusChangeBody
		if json.Unmarshal(data, &body) != nil {
			return nil, false
		}
		return statusMsg(body.Status), true
	case httpapi.EventTypeWarning:
		var body httpapi.WarningBody
		if json.Unmarshal(data, &body) != nil {
			return nil, false
		}
		return warningMsg(body.Warning), true
	default:
		return nil, false
	}
}

func runAttach(ctx context.Context, r *remote) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := util.WaitFor(ctx, util.WaitTimeout{
		Timeout:     10 * time.Second,
		MinInterval: 50 * time.Millisecond,
	}, func() (bool, error) {
		_, err := r.getStatus(ctx)
		return err == nil, nil
	})
	if err != nil {
		return xerrors.Errorf("server at %s is not responding: %w", r.base, err)
	}

	p := tea.NewProgram(model{remote: r}, tea.WithAltScreen(), tea.WithContext(ctx))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		_, err := p.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := r.readEvents(gctx, p.Send)
		p.Send(finishMsg{})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

var (
	remoteURLArg string
	apiKeyArg    string
)

var AttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach to a running conversation server",
	Long:  `Show the conversation of a running agentchat server and send messages to it`,
	Run: func(cmd *cobra.Command, args []string) {
		if remoteURLArg == "" {
			fmt.Fprintln(os.Stderr, "URL is required")
			os.Exit(1)
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "attach needs an interactive terminal")
			os.Exit(1)
		}
		apiKey := apiKeyArg
		if apiKey == "" {
			apiKey = os.Getenv(httpapi.APIKeyEnv)
		}
		if err := runAttach(context.Background(), newRemote(remoteURLArg, apiKey)); err != nil {
			fmt.Fprintf(os.Stderr, "Attach failed: %+v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	AttachCmd.Flags().StringVarP(&remoteURLArg, "url", "u", "localhost:3285", "URL of the agentchat server to attach to. May optionally include a protocol.")
	AttachCmd.Flags().StringVar(&apiKeyArg, "api-key", "", "API key of the server (defaults to the "+httpapi.APIKeyEnv+" env var)")
}
