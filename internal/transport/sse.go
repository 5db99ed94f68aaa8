package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"vibe/internal/config"
	"vibe/internal/events"
	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
)

const sseHeartbeatInterval = 30 * time.Second

// SSEServer streams session events to polling-averse clients over
// Server-Sent Events at /events.
type SSEServer struct {
	host     string
	ports    config.TransportPorts
	notifier *events.Notifier
	logger   logging.Logger

	server   *http.Server
	listener net.Listener

	mu        sync.RWMutex
	allocated int
}

// NewSSEServer builds the SSE transport.
func NewSSEServer(host string, ports config.TransportPorts, notifier *events.Notifier, logger logging.Logger) *SSEServer {
	return &SSEServer{
		host:     host,
		ports:    ports,
		notifier: notifier,
		logger:   logging.OrNop(logger),
	}
}

func (s *SSEServer) Kind() Kind { return KindSSE }

// Start allocates a port and begins serving /events.
func (s *SSEServer) Start(_ context.Context) error {
	lis, port, err := allocatePort(s.host, s.ports, s.logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)

	s.mu.Lock()
	s.listener = lis
	s.allocated = port
	s.server = &http.Server{Handler: mux}
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error("SSE server error: %v", err)
		}
	}()
	return nil
}

// Stop closes the server, which unblocks every live stream.
func (s *SSEServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.allocated = 0
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *SSEServer) AllocatedPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocated
}

func (s *SSEServer) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("http://%s:%d/events", s.host, s.allocated)
}

func (s *SSEServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.notifier.Subscribe(sessionID)
	defer s.notifier.Unsubscribe(sub)
	s.logger.Info("SSE stream opened for session %s", sessionID)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q}\n\n", sessionID); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := jsonx.Marshal(event)
			if err != nil {
				s.logger.Error("SSE event marshal failed: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			s.logger.Info("SSE stream closed for session %s", sessionID)
			return
		}
	}
}
