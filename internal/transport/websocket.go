package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"vibe/internal/config"
	"vibe/internal/domain"
	"vibe/internal/execution"
	"vibe/internal/ids"
	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// agentConn is one connected agent with a serialized writer.
type agentConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *agentConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// wsHello is the first frame an agent must send after connecting.
type wsHello struct {
	AgentID string `json:"agentId"`
}

// taskAssignment is the frame pushed to an agent when work is dispatched.
type taskAssignment struct {
	Type        string            `json:"type"`
	ExecutionID ids.ExecutionID   `json:"executionId"`
	Task        domain.AtomicTask `json:"task"`
}

// WebsocketServer serves /agent-ws and doubles as the push dispatcher: a
// dispatched execution is written to the agent's live connection.
type WebsocketServer struct {
	host      string
	ports     config.TransportPorts
	processor *execution.Processor
	logger    logging.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu        sync.RWMutex
	allocated int
	conns     map[ids.AgentID]*agentConn
}

var _ execution.Dispatcher = (*WebsocketServer)(nil)

// NewWebsocketServer builds the websocket transport.
func NewWebsocketServer(host string, ports config.TransportPorts, processor *execution.Processor, logger logging.Logger) *WebsocketServer {
	return &WebsocketServer{
		host:      host,
		ports:     ports,
		processor: processor,
		logger:    logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[ids.AgentID]*agentConn),
	}
}

func (s *WebsocketServer) Kind() Kind { return KindWebsocket }

// SetProcessor wires the feedback processor after construction. The server
// and the execution engine reference each other (the server dispatches, the
// processor completes), so one side is attached late.
func (s *WebsocketServer) SetProcessor(processor *execution.Processor) {
	s.mu.Lock()
	s.processor = processor
	s.mu.Unlock()
}

// Start allocates a port and begins serving /agent-ws.
func (s *WebsocketServer) Start(_ context.Context) error {
	lis, port, err := allocatePort(s.host, s.ports, s.logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))
	engine.GET("/agent-ws", s.handleAgentWS)

	s.mu.Lock()
	s.listener = lis
	s.allocated = port
	s.server = &http.Server{Handler: engine}
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Websocket server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes every agent connection.
func (s *WebsocketServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	conns := s.conns
	s.conns = make(map[ids.AgentID]*agentConn)
	s.allocated = 0
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *WebsocketServer) AllocatedPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocated
}

func (s *WebsocketServer) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("ws://%s:%d/agent-ws", s.host, s.allocated)
}

// Dispatch pushes a task assignment to the agent's connection. An agent
// without a live connection is a dispatch failure the engine may retry.
func (s *WebsocketServer) Dispatch(_ context.Context, exec execution.TaskExecution, task domain.AtomicTask, agent execution.Agent) error {
	s.mu.RLock()
	conn, ok := s.conns[agent.ID]
	s.mu.RUnlock()
	if !ok {
		return verr.New(verr.KindBusy, "agent %s has no live websocket connection", agent.ID)
	}
	return conn.writeJSON(taskAssignment{
		Type:        "task_assignment",
		ExecutionID: exec.ID,
		Task:        task,
	})
}

// ConnectedAgents lists the agents with a live connection.
func (s *WebsocketServer) ConnectedAgents() []ids.AgentID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ids.AgentID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

func (s *WebsocketServer) handleAgentWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}

	// The first frame identifies the agent.
	_ = ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	var hello wsHello
	if err := jsonx.Unmarshal(raw, &hello); err != nil {
		s.logger.Warn("Rejecting websocket client: malformed hello")
		_ = ws.Close()
		return
	}
	agentID, err := ids.NewAgentIDFrom(hello.AgentID)
	if err != nil {
		s.logger.Warn("Rejecting websocket client: %v", err)
		_ = ws.Close()
		return
	}

	conn := &agentConn{conn: ws}
	s.mu.Lock()
	if prev, ok := s.conns[agentID]; ok {
		_ = prev.conn.Close()
	}
	s.conns[agentID] = conn
	s.mu.Unlock()
	s.logger.Info("Agent %s connected over websocket", agentID)

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	defer func() {
		s.mu.Lock()
		if s.conns[agentID] == conn {
			delete(s.conns, agentID)
		}
		s.mu.Unlock()
		_ = ws.Close()
		s.logger.Info("Agent %s websocket closed", agentID)
	}()

	s.mu.RLock()
	processor := s.processor
	s.mu.RUnlock()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if processor == nil {
			continue
		}
		if err := processor.ProcessRaw(c.Request.Context(), message); err != nil {
			// Push the rejection back so the agent can correct itself.
			_ = conn.writeJSON(map[string]any{
				"type":  "reply_rejected",
				"error": err.Error(),
			})
		}
	}
}
