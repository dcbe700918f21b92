// Package gateway exposes the swarm over HTTP: user message submission,
// event streaming, peer discovery, and the interswarm endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mail-swarm/mail/pkg/interswarm"
	"github.com/mail-swarm/mail/pkg/logger"
	"github.com/mail-swarm/mail/pkg/swarm"
)

const logComponent = "gateway"

// Server is the HTTP surface over one swarm container.
type Server struct {
	swarm     *swarm.Swarm
	addr      string
	authToken string
	server    *http.Server

	// defaultTimeout bounds synchronous message handling when the
	// request does not carry its own.
	defaultTimeout time.Duration
}

func NewServer(s *swarm.Swarm, addr, authToken string) *Server {
	return &Server{
		swarm:          s,
		addr:           addr,
		authToken:      authToken,
		defaultTimeout: time.Hour,
	}
}

// Handler builds the routed mux. Health stays unauthenticated so peers
// can probe it; everything else sits behind the bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /swarms", s.authMiddleware(s.handleListSwarms))
	mux.HandleFunc("POST /swarms", s.authMiddleware(s.handleRegisterSwarm))
	mux.HandleFunc("POST /message", s.authMiddleware(s.handleMessage))
	mux.HandleFunc("POST /message/stream", s.authMiddleware(s.handleMessageStream))
	mux.HandleFunc("POST /interswarm/forward", s.authMiddleware(s.handleInterswarmForward))
	mux.HandleFunc("POST /interswarm/back", s.authMiddleware(s.handleInterswarmBack))
	return mux
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		logger.InfoCF(logComponent, "HTTP server starting", map[string]any{"addr": s.addr})
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF(logComponent, "HTTP server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, interswarm.HealthStatus{
		Status:    "ok",
		SwarmName: s.swarm.Name(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleListSwarms(w http.ResponseWriter, _ *http.Request) {
	reg := s.swarm.Registry()
	if reg == nil {
		writeJSON(w, http.StatusOK, interswarm.DiscoveryResponse{})
		return
	}
	endpoints := reg.List()
	// Tokens never leave the process, not even as references.
	for i := range endpoints {
		endpoints[i].AuthTokenRef = ""
	}
	writeJSON(w, http.StatusOK, interswarm.DiscoveryResponse{Swarms: endpoints})
}

type registerSwarmRequest struct {
	SwarmName string `json:"swarm_name"`
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token,omitempty"`
	Volatile  *bool  `json:"volatile,omitempty"`
}

func (s *Server) handleRegisterSwarm(w http.ResponseWriter, r *http.Request) {
	reg := s.swarm.Registry()
	if reg == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "interswarm is not enabled")
		return
	}
	var req registerSwarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	volatile := true
	if req.Volatile != nil {
		volatile = *req.Volatile
	}
	err := reg.Register(interswarm.Endpoint{
		SwarmName:    req.SwarmName,
		BaseURL:      req.BaseURL,
		AuthTokenRef: req.AuthToken,
		Volatile:     volatile,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered", "swarm_name": req.SwarmName})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.ErrorCF(logComponent, "response encoding failed", map[string]any{"error": err.Error()})
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) timeoutFor(seconds float64) time.Duration {
	if seconds <= 0 {
		return s.defaultTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}
