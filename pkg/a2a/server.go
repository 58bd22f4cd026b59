package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/famulus-ai/famulus/pkg/errors"
)

// OnMessage is invoked for every accepted inbound message. Errors and
// panics are swallowed; the callback must never affect delivery.
type OnMessage func(payload map[string]interface{})

// Handler serves the inbound wire protocol: POST /a2a with a JSON
// envelope, 403 on shared-secret mismatch, 400 on malformed JSON, 404
// on any other path.
type Handler struct {
	bus    *Bus
	secret string
	onMsg  OnMessage
	logger *slog.Logger
}

// NewHandler creates the inbound handler.
func NewHandler(bus *Bus, secret string, onMsg OnMessage, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bus: bus, secret: secret, onMsg: onMsg, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/a2a" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}

	if h.secret != "" {
		got, _ := payload["shared_secret"].(string)
		if got != h.secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	delete(payload, "shared_secret")

	sender, _ := payload["sender"].(string)
	receiver, _ := payload["receiver"].(string)
	payload = normalizePayload(sender, receiver, payload)

	if _, err := h.bus.SendLocal(r.Context(), sender, receiver, messageText(payload)); err != nil {
		h.logger.Error("failed to log inbound message", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	h.invokeCallback(payload)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":         true,
		"message_id": payload["message_id"],
	})
}

func (h *Handler) invokeCallback(payload map[string]interface{}) {
	if h.onMsg == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Debug("message callback panicked", "panic", r)
		}
	}()
	h.onMsg(payload)
}

// Server runs the inbound listener.
type Server struct {
	httpServer *http.Server
	addr       string
}

// NewServer builds a server for host:port around a handler.
func NewServer(host string, port int, handler *Handler) *Server {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr: addr,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Start listens and serves until Stop. It returns once the listener is
// bound; serving continues in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.New(errors.CodeTransport, "failed to bind a2a listener", err).
			WithContext("addr", s.addr)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("a2a server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
