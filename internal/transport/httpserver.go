package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vibe/internal/config"
	"vibe/internal/decompose"
	"vibe/internal/execution"
	"vibe/internal/jobs"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

// maxAgentBodyBytes bounds one agent reply.
const maxAgentBodyBytes = 1 << 20

// HTTPServer is the request/response agent transport plus the operator
// surface: agent replies, job polling, decomposition control, health, and
// metrics.
type HTTPServer struct {
	host  string
	ports config.TransportPorts
	// maxResponseTime is the budget for answering a decomposition request
	// synchronously; slower runs return the job handle for polling.
	maxResponseTime time.Duration
	processor       *execution.Processor
	jobs            *jobs.Manager
	service         *decompose.Service
	gatherer        prometheus.Gatherer
	startTime       time.Time
	logger          logging.Logger

	server   *http.Server
	listener net.Listener

	mu        sync.RWMutex
	allocated int
}

// NewHTTPServer builds the http transport.
func NewHTTPServer(host string, ports config.TransportPorts, maxResponseTime time.Duration, processor *execution.Processor, jobMgr *jobs.Manager, service *decompose.Service, gatherer prometheus.Gatherer, logger logging.Logger) *HTTPServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HTTPServer{
		host:            host,
		ports:           ports,
		maxResponseTime: maxResponseTime,
		processor:       processor,
		jobs:            jobMgr,
		service:         service,
		gatherer:        gatherer,
		startTime:       time.Now(),
		logger:          logging.OrNop(logger),
	}
}

func (s *HTTPServer) Kind() Kind { return KindHTTP }

// Start allocates a port and begins serving.
func (s *HTTPServer) Start(_ context.Context) error {
	lis, port, err := allocatePort(s.host, s.ports, s.logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	engine.Use(cors.New(corsConfig))

	engine.POST("/agent-response", s.handleAgentResponse)
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	engine.GET("/jobs/:id", s.handleGetJob)

	if s.service != nil {
		engine.POST("/decompose", s.handleDecompose)
		engine.GET("/sessions", s.handleListSessions)
		engine.GET("/sessions/:id", s.handleGetSession)
		engine.GET("/sessions/:id/results", s.handleGetResults)
		engine.DELETE("/sessions/:id", s.handleCancelSession)
	}

	s.mu.Lock()
	s.listener = lis
	s.allocated = port
	s.server = &http.Server{Handler: engine, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second}
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and releases the port.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.allocated = 0
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *HTTPServer) AllocatedPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocated
}

func (s *HTTPServer) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("http://%s:%d", s.host, s.allocated)
}

func (s *HTTPServer) handleAgentResponse(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAgentBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := s.processor.ProcessRaw(c.Request.Context(), body); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": string(verr.KindOf(err))})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	active, terminal := s.jobs.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptime":        time.Since(s.startTime).String(),
		"active_jobs":   active,
		"terminal_jobs": terminal,
	})
}

func (s *HTTPServer) handleGetJob(c *gin.Context) {
	hint, ok := s.jobs.GetJobRateLimited(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, hint)
}

func (s *HTTPServer) handleDecompose(c *gin.Context) {
	var req decompose.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.service.StartDecomposition(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": string(verr.KindOf(err))})
		return
	}
	// Fast runs answer synchronously within the response budget; anything
	// slower hands back the session with its job id for polling.
	if done, ok := s.awaitSession(c.Request.Context(), session.ID); ok {
		c.JSON(http.StatusOK, done)
		return
	}
	c.JSON(http.StatusAccepted, session)
}

func (s *HTTPServer) awaitSession(ctx context.Context, sessionID string) (decompose.Session, bool) {
	if s.maxResponseTime <= 0 {
		return decompose.Session{}, false
	}
	budget := time.After(s.maxResponseTime)
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
	for {
		snap, err := s.service.GetSession(sessionID)
		if err == nil && snap.Status.IsTerminal() {
			return snap, true
		}
		select {
		case <-budget:
			return decompose.Session{}, false
		case <-ctx.Done():
			return decompose.Session{}, false
		case <-poll.C:
		}
	}
}

func (s *HTTPServer) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.service.ListSessions()})
}

func (s *HTTPServer) handleGetSession(c *gin.Context) {
	session, err := s.service.GetSession(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *HTTPServer) handleGetResults(c *gin.Context) {
	tasks, err := s.service.GetResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *HTTPServer) handleCancelSession(c *gin.Context) {
	if err := s.service.CancelSession(c.Param("id"), c.Query("reason")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch verr.KindOf(err) {
	case verr.KindValidation, verr.KindProtocol, verr.KindParse:
		return http.StatusBadRequest
	case verr.KindUnknownTask, verr.KindUnknownSession:
		return http.StatusNotFound
	case verr.KindInvalidState:
		return http.StatusConflict
	case verr.KindBusy, verr.KindQueueFull:
		return http.StatusTooManyRequests
	case verr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
