package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/agentclient"
	"github.com/coder/agentchat/lib/chat"
	"github.com/coder/agentchat/lib/httpapi"
	"github.com/coder/agentchat/lib/logctx"
	"github.com/coder/agentchat/lib/settings"
)

// loadSettings reads the settings file and applies flag overrides.
func loadSettings(store *settings.Store) (settings.Settings, error) {
	s, err := store.Load()
	if err != nil {
		return s, err
	}
	if viper.IsSet(FlagModel) {
		s.Model = viper.GetString(FlagModel)
	}
	if viper.IsSet(FlagApprovalMode) {
		mode := settings.ApprovalMode(viper.GetString(FlagApprovalMode))
		if !settingsContains(settings.ApprovalModeValues, mode) {
			return s, xerrors.Errorf("invalid approval mode %q", mode)
		}
		s.ApprovalMode = mode
	}
	if viper.IsSet(FlagMode) {
		mode := settings.Mode(viper.GetString(FlagMode))
		if !settingsContains(settings.ModeValues, mode) {
			return s, xerrors.Errorf("invalid mode %q", mode)
		}
		s.Mode = mode
	}
	if token := viper.GetString(FlagAgentToken); token != "" {
		s.AgentToken = token
	}
	return s.Normalize()
}

func settingsContains[T comparable](values []T, v T) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".agentchat.json"
	}
	return filepath.Join(dir, "agentchat", "settings.json")
}

func runServer(ctx context.Context, logger *slog.Logger) error {
	printOpenAPI := viper.GetBool(FlagPrintOpenAPI)

	settingsPath := viper.GetString(FlagSettingsFile)
	if settingsPath == "" {
		settingsPath = defaultSettingsPath()
	}
	store := settings.NewStore(afero.NewOsFs(), settingsPath, logger)
	cfg, err := loadSettings(store)
	if err != nil {
		return xerrors.Errorf("failed to load settings: %w", err)
	}

	drainDelay := viper.GetDuration(FlagDrainDelay)
	if drainDelay < 0 {
		return xerrors.Errorf("drain delay must not be negative")
	}

	// Read stdin if it's piped, to be used as the first message
	initialPrompt := viper.GetString(FlagInitialPrompt)
	if initialPrompt == "" && !printOpenAPI && !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		stdinData, err := io.ReadAll(os.Stdin)
		if err != nil {
			return xerrors.Errorf("failed to read stdin: %w", err)
		}
		if len(stdinData) > 0 {
			initialPrompt = string(stdinData)
			logger.Info("Read initial prompt from stdin", "bytes", len(stdinData))
		}
	}

	client, err := agentclient.New(agentclient.Config{
		BaseURL: viper.GetString(FlagAgentURL),
		Token:   cfg.AgentToken,
		Logger:  logger,
	})
	if err != nil {
		return xerrors.Errorf("failed to create agent client: %w", err)
	}

	emitter := httpapi.NewEventEmitter(httpapi.WithLogger(logger))
	ctrl := chat.New(chat.Config{
		Client:     client,
		Settings:   cfg,
		Logger:     logger,
		Emitter:    emitter,
		DrainDelay: drainDelay,
	})
	defer ctrl.Close()

	port := viper.GetInt(FlagPort)
	srv, err := httpapi.NewServer(ctx, httpapi.ServerConfig{
		Controller:     ctrl,
		Emitter:        emitter,
		Port:           port,
		AllowedHosts:   viper.GetStringSlice(FlagAllowedHosts),
		AllowedOrigins: viper.GetStringSlice(FlagAllowedOrigins),
	})
	if err != nil {
		return xerrors.Errorf("failed to create server: %w", err)
	}
	if printOpenAPI {
		fmt.Println(srv.GetOpenAPI())
		return nil
	}

	pidFile := viper.GetString(FlagPidFile)
	if pidFile != "" {
		if err := writePIDFile(pidFile, logger); err != nil {
			return xerrors.Errorf("failed to write PID file: %w", err)
		}
		defer cleanupPIDFile(pidFile, logger)
	}

	gracefulCtx, gracefulCancel := context.WithCancel(ctx)
	defer gracefulCancel()
	handleSignals(gracefulCtx, gracefulCancel, logger, func() error {
		_, err := store.Save(cfg)
		return err
	})

	logger.Info("Starting server on port", "port", port, "agentUrl", viper.GetString(FlagAgentURL))

	g, gctx := errgroup.WithContext(gracefulCtx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop HTTP server", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		startConversation(gctx, logger, ctrl, viper.GetString(FlagSession), initialPrompt)
		return nil
	})
	return g.Wait()
}

// startConversation opens the requested session and sends the initial
// prompt. Failures are logged; the server keeps running.
func startConversation(ctx context.Context, logger *slog.Logger, ctrl *chat.Controller, sessionID, prompt string) {
	if _, err := ctrl.RefreshSessions(ctx); err != nil {
		logger.Warn("Failed to list sessions", "error", err)
	}
	if sessionID != "" {
		if err := ctrl.SwitchSession(ctx, sessionID); err != nil {
			logger.Error("Failed to open session", "sessionId", sessionID, "error", err)
			return
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return
	}
	res, err := ctrl.Submit(ctx, chat.SubmitRequest{Content: prompt})
	if err != nil {
		logger.Error("Failed to send initial prompt", "error", err)
		return
	}
	logger.Info("Sent initial prompt", "outcome", res.Outcome)
}

// writePIDFile writes the current process ID to the specified file. It
// refuses when the file names a process that is still running.
func writePIDFile(pidFile string, logger *slog.Logger) error {
	if data, err := os.ReadFile(pidFile); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid != os.Getpid() && isProcessRunning(pid) {
			return xerrors.Errorf("PID file %s belongs to running process %d", pidFile, pid)
		}
	}

	pid := os.Getpid()
	dir := filepath.Dir(pidFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0o600); err != nil {
		return xerrors.Errorf("failed to write PID file: %w", err)
	}
	logger.Info("Wrote PID file", "pidFile", pidFile, "pid", pid)
	return nil
}

// cleanupPIDFile removes the PID file if it exists
func cleanupPIDFile(pidFile string, logger *slog.Logger) {
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		logger.Error("Failed to remove PID file", "pidFile", pidFile, "error", err)
	} else if err == nil {
		logger.Info("Removed PID file", "pidFile", pidFile)
	}
}

type flagSpec struct {
	name         string
	shorthand    string
	defaultValue any
	usage        string
	flagType     string
}

const (
	FlagAgentURL       = "agent-url"
	FlagAgentToken     = "agent-token"
	FlagPort           = "port"
	FlagPrintOpenAPI   = "print-openapi"
	FlagAllowedHosts   = "allowed-hosts"
	FlagAllowedOrigins = "allowed-origins"
	FlagSettingsFile   = "settings-file"
	FlagModel          = "model"
	FlagApprovalMode   = "approval-mode"
	FlagMode           = "mode"
	FlagDrainDelay     = "drain-delay"
	FlagSession        = "session"
	FlagInitialPrompt  = "initial-prompt"
	FlagPidFile        = "pid-file"
	FlagExit           = "exit"
)

func approvalModeNames() string {
	names := make([]string, 0, len(settings.ApprovalModeValues))
	for _, m := range settings.ApprovalModeValues {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}

func CreateServerCmd() *cobra.Command {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the conversation server",
		Long:  "Run the conversation engine against an agent endpoint and serve its local API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			// The --exit flag is used for testing validation of flags in the test suite
			if viper.GetBool(FlagExit) {
				return
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			if viper.GetBool(FlagPrintOpenAPI) {
				// We don't want log output here.
				logger = slog.New(logctx.DiscardHandler)
			}
			ctx := logctx.WithLogger(context.Background(), logger)
			if err := runServer(ctx, logger); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}

	flagSpecs := []flagSpec{
		{FlagAgentURL, "u", "http://localhost:8080", "Base URL of the agent endpoint", "string"},
		{FlagAgentToken, "", "", "Bearer token sent to the agent endpoint (overrides the settings file)", "string"},
		{FlagPort, "p", 3285, "Port to run the local API on", "int"},
		{FlagPrintOpenAPI, "P", false, "Print the OpenAPI schema to stdout and exit", "bool"},
		// localhost is the default host for the server. Port is ignored during matching.
		{FlagAllowedHosts, "a", []string{"localhost", "127.0.0.1", "[::1]"}, "HTTP allowed hosts (hostnames only, no ports). Use '*' for all, comma-separated list via flag, space-separated list via AGENTCHAT_ALLOWED_HOSTS env var", "stringSlice"},
		{FlagAllowedOrigins, "o", []string{"http://localhost:3285", "http://localhost:3000"}, "HTTP allowed origins. Use '*' for all, comma-separated list via flag, space-separated list via AGENTCHAT_ALLOWED_ORIGINS env var", "stringSlice"},
		{FlagSettingsFile, "s", "", "Path to the settings file (defaults to agentchat/settings.json in the user config dir)", "string"},
		{FlagModel, "m", "", "Model to request (overrides the settings file)", "string"},
		{FlagApprovalMode, "", "", fmt.Sprintf("Tool approval mode (one of: %s)", approvalModeNames()), "string"},
		{FlagMode, "", "", "Conversation mode (chat or plan)", "string"},
		{FlagDrainDelay, "", chat.DefaultDrainDelay, "Pause between a turn ending and the next queued message starting", "duration"},
		{FlagSession, "S", "", "Session to open on startup", "string"},
		{FlagInitialPrompt, "I", "", "First message to send. Will be read from stdin if piped (e.g., echo 'prompt' | agentchat server)", "string"},
		{FlagPidFile, "", "", "Path to file where the server process ID will be written for shutdown scripts", "string"},
	}

	for _, spec := range flagSpecs {
		switch spec.flagType {
		case "string":
			serverCmd.Flags().StringP(spec.name, spec.shorthand, spec.defaultValue.(string), spec.usage)
		case "int":
			serverCmd.Flags().IntP(spec.name, spec.shorthand, spec.defaultValue.(int), spec.usage)
		case "bool":
			serverCmd.Flags().BoolP(spec.name, spec.shorthand, spec.defaultValue.(bool), spec.usage)
		case "duration":
			serverCmd.Flags().DurationP(spec.name, spec.shorthand, spec.defaultValue.(time.Duration), spec.usage)
		case "stringSlice":
			serverCmd.Flags().StringSliceP(spec.name, spec.shorthand, spec.defaultValue.([]string), spec.usage)
		default:
			panic(fmt.Sprintf("unknown flag type: %s", spec.flagType))
		}
		if err := viper.BindPFlag(spec.name, serverCmd.Flags().Lookup(spec.name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", spec.name, err))
		}
	}

	serverCmd.Flags().Bool(FlagExit, false, "Exit immediately after parsing arguments")
	if err := serverCmd.Flags().MarkHidden(FlagExit); err != nil {
		panic(fmt.Sprintf("failed to mark flag %s as hidden: %v", FlagExit, err))
	}
	if err := viper.BindPFlag(FlagExit, serverCmd.Flags().Lookup(FlagExit)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", FlagExit, err))
	}

	viper.SetEnvPrefix("AGENTCHAT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	return serverCmd
}
