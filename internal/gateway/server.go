package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nevinhive/clawgate/internal/agent"
	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/providers"
	"github.com/nevinhive/clawgate/internal/sessions"
)

const authHeader = "x-clawgate-key"

// Server is the gateway's HTTP surface: health/capability probes, the
// exec-provider fallback endpoint, and a programmatic chat endpoint used
// by behavioral tests and non-chat-platform integrations.
type Server struct {
	cfg         *config.Config
	agents      map[string]*agent.Loop // agentID -> loop
	execRouter  *providers.Router
	rateLimiter *RateLimiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway HTTP server.
func NewServer(cfg *config.Config, agents map[string]*agent.Loop, execRouter *providers.Router) *Server {
	return &Server{
		cfg:         cfg,
		agents:      agents,
		execRouter:  execRouter,
		rateLimiter: NewRateLimiter(cfg.Gateway.RateLimitRPM, 5),
	}
}

// RateLimiter returns the server's rate limiter for use by other callers
// that need to share its per-sender bucket (e.g. channel adapters).
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /auth/key", s.handleAuthKey)
	mux.HandleFunc("GET /capabilities", s.auth(s.handleCapabilities))
	mux.HandleFunc("GET /providers", s.auth(s.handleProviders))
	mux.HandleFunc("POST /exec", s.auth(s.handleExec))
	mux.HandleFunc("POST /chat", s.auth(s.handleChat))

	s.mux = mux
	return mux
}

// Start begins listening for HTTP connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// auth wraps a handler so it 401s unless the x-clawgate-key header matches
// the configured token. No token configured means no auth is enforced
// (local/dev mode).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Gateway.Token != "" && r.Header.Get(authHeader) != s.cfg.Gateway.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// checkOrigin reports whether r's Origin header is on the allowlist.
// An empty allowlist or an empty Origin header (non-browser clients)
// always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAuthKey hands the shared secret to an origin-allowlisted caller,
// per spec.md §6: "returns the shared secret to an origin-allowlisted caller."
func (s *Server) handleAuthKey(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":    s.cfg.Gateway.Token,
		"header": authHeader,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.execRouter.List()})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.execRouter.AvailableList(r.Context())})
}

type execRequestBody struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	NeedsNetwork   bool              `json:"needsNetwork,omitempty"`
	NeedsIsolation bool              `json:"needsIsolation,omitempty"`
	NeedsWorkspace bool              `json:"needsWorkspace,omitempty"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var body execRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}

	result := s.execRouter.Execute(r.Context(), providers.ExecRequest{
		Command: body.Command,
		Args:    body.Args,
		Cwd:     body.Cwd,
		Env:     body.Env,
	}, body.Provider, body.NeedsNetwork, body.NeedsIsolation, body.NeedsWorkspace)

	writeJSON(w, http.StatusOK, result)
}

type chatRequestBody struct {
	Message  string `json:"message"`
	SenderID string `json:"senderId"`
}

type chatResponseBody struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleChat is the programmatic agent entrypoint spec.md §6 reserves for
// behavioral tests: one message in, one final response out, no streaming.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Message == "" || body.SenderID == "" {
		writeJSON(w, http.StatusBadRequest, chatResponseBody{Success: false, Error: "message and senderId are required"})
		return
	}

	agentID := s.cfg.ResolveDefaultAgentID()
	loop, ok := s.agents[agentID]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, chatResponseBody{Success: false, Error: "no default agent configured"})
		return
	}

	sessionKey := sessions.BuildSessionKey(agentID, "http", sessions.PeerDirect, body.SenderID)
	result, err := loop.Run(r.Context(), agent.RunRequest{
		SessionKey: sessionKey,
		Message:    body.Message,
		Channel:    "http",
		ChatID:     body.SenderID,
		PeerKind:   string(sessions.PeerDirect),
		RunID:      uuid.NewString(),
		SenderID:   body.SenderID,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, chatResponseBody{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, chatResponseBody{Success: true, Response: result.Content})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
