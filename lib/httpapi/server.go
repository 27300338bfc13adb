package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/xerrors"

	"github.com/coder/agentchat/lib/logctx"
)

// Version is reported in the OpenAPI document.
const Version = "0.1.0"

type ServerConfig struct {
	Controller     Controller
	Emitter        *EventEmitter
	Port           int
	AllowedHosts   []string
	AllowedOrigins []string
	// Auth defaults to NewAuthConfig.
	Auth *AuthConfig
}

// Server serves the local API around a chat controller.
type Server struct {
	router  chi.Router
	api     huma.API
	port    int
	ctrl    Controller
	emitter *EventEmitter
	logger  *slog.Logger

	mu  sync.Mutex
	srv *http.Server
}

func NewServer(ctx context.Context, config ServerConfig) (*Server, error) {
	logger := logctx.From(ctx)
	if config.Controller == nil {
		return nil, xerrors.New("a controller is required")
	}
	if config.Emitter == nil {
		config.Emitter = NewEventEmitter(WithLogger(logger))
	}
	if config.Auth == nil {
		config.Auth = NewAuthConfig()
	}

	allowedHosts, err := parseAllowedHosts(config.AllowedHosts)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse allowed hosts: %w", err)
	}
	allowedOrigins, err := parseAllowedOrigins(config.AllowedOrigins)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse allowed origins: %w", err)
	}
	logger.Info("Allowed hosts", "hosts", strings.Join(allowedHosts, ", "))
	logger.Info("Allowed origins", "origins", strings.Join(allowedOrigins, ", "))

	router := chi.NewMux()
	badHostHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid host header. Allowed hosts: "+strings.Join(allowedHosts, ", "), http.StatusBadRequest)
	})
	router.Use(hostAuthorizationMiddleware(allowedHosts, badHostHandler))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(config.Auth.AuthMiddleware())

	humaConfig := huma.DefaultConfig("AgentChat API", Version)
	humaConfig.Info.Description = "Local API for a conversation with a streaming coding agent."
	api := humachi.New(router, humaConfig)

	s := &Server{
		router:  router,
		api:     api,
		port:    config.Port,
		ctrl:    config.Controller,
		emitter: config.Emitter,
		logger:  logger,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// GetOpenAPI returns the OpenAPI document as indented JSON.
func (s *Server) GetOpenAPI() string {
	jsonBytes, err := s.api.OpenAPI().MarshalJSON()
	if err != nil {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return ""
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ""
	}
	return string(pretty)
}

// Start listens on the configured port until Stop is called.
func (s *Server) Start() error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	srv := s.srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// hostAuthorizationMiddleware rejects requests whose Host header is not in
// allowedHosts. Ports are ignored; "*" allows every host.
func hostAuthorizationMiddleware(allowedHosts []string, badHostHandler http.Handler) func(next http.Handler) http.Handler {
	allowAll := len(allowedHosts) == 1 && allowedHosts[0] == "*"
	allowed := make(map[string]struct{}, len(allowedHosts))
	for _, host := range allowedHosts {
		allowed[strings.ToLower(host)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowAll {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[strings.ToLower(hostname(r.Host))]; ok {
				next.ServeHTTP(w, r)
				return
			}
			badHostHandler.ServeHTTP(w, r)
		})
	}
}

// hostname strips the port from a Host header, keeping IPv6 brackets.
func hostname(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}

func validateListEntry(kind, value string) error {
	if value == "" {
		return xerrors.Errorf("empty %s", kind)
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return xerrors.Errorf("%s %q contains whitespace", kind, value)
	}
	if strings.Contains(value, ",") {
		return xerrors.Errorf("%s %q contains a comma; pass one per flag value", kind, value)
	}
	return nil
}

func parseAllowedHosts(input []string) ([]string, error) {
	if len(input) == 0 {
		return nil, xerrors.New("the list must not be empty")
	}
	hosts := make([]string, 0, len(input))
	for _, raw := range input {
		host := strings.TrimSpace(raw)
		if host == "*" {
			return []string{"*"}, nil
		}
		if err := validateListEntry("host", raw); err != nil {
			return nil, err
		}
		if strings.Contains(host, "://") {
			return nil, xerrors.Errorf("host %q must not include a scheme", host)
		}
		bracketed := strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]")
		if !bracketed && strings.Contains(host, ":") {
			return nil, xerrors.Errorf("host %q must not include a port", host)
		}
		hosts = append(hosts, strings.ToLower(host))
	}
	return hosts, nil
}

func parseAllowedOrigins(input []string) ([]string, error) {
	if len(input) == 0 {
		return nil, xerrors.New("the list must not be empty")
	}
	origins := make([]string, 0, len(input))
	for _, raw := range input {
		origin := strings.TrimSpace(raw)
		if origin == "*" {
			return []string{"*"}, nil
		}
		if err := validateListEntry("origin", raw); err != nil {
			return nil, err
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, xerrors.Errorf("origin %q must be a scheme and host, like http://localhost:3000", origin)
		}
		origins = append(origins, origin)
	}
	return origins, nil
}
