package transport

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"vibe/internal/execution"
	"vibe/internal/jobs"
	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

// stdioRequest is one line-delimited JSON request on stdin.
type stdioRequest struct {
	Method  string           `json:"method"`
	ID      string           `json:"id,omitempty"`
	Payload jsonx.RawMessage `json:"payload,omitempty"`
}

// stdioResponse mirrors the request id so callers can pipeline.
type stdioResponse struct {
	ID     string `json:"id,omitempty"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// StdioServer is the line-oriented transport: newline-delimited JSON requests
// on stdin, one JSON response per line on stdout. It is always available and
// needs no port.
type StdioServer struct {
	processor *execution.Processor
	jobs      *jobs.Manager
	logger    logging.Logger

	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewStdioServer builds the stdio transport over os.Stdin/os.Stdout.
func NewStdioServer(processor *execution.Processor, jobMgr *jobs.Manager, logger logging.Logger) *StdioServer {
	return &StdioServer{
		processor: processor,
		jobs:      jobMgr,
		logger:    logging.OrNop(logger),
		in:        os.Stdin,
		out:       os.Stdout,
	}
}

func (s *StdioServer) Kind() Kind { return KindStdio }

func (s *StdioServer) AllocatedPort() int { return 0 }

func (s *StdioServer) Endpoint() string { return "stdio://mcp-server" }

// Start begins draining stdin in the background.
func (s *StdioServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	go s.readLoop(loopCtx)
	return nil
}

// Stop halts request processing. The blocked stdin read exits on the next
// line or EOF; pending responses are not flushed.
func (s *StdioServer) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	return nil
}

func (s *StdioServer) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxAgentBodyBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleLine(ctx, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("Stdio read error: %v", err)
	}
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) {
	var req stdioRequest
	if err := jsonx.Unmarshal(line, &req); err != nil {
		s.respond(stdioResponse{OK: false, Error: "malformed request", Kind: string(verr.KindProtocol)})
		return
	}

	switch req.Method {
	case "agent_response":
		if err := s.processor.ProcessRaw(ctx, req.Payload); err != nil {
			s.respond(stdioResponse{ID: req.ID, OK: false, Error: err.Error(), Kind: string(verr.KindOf(err))})
			return
		}
		s.respond(stdioResponse{ID: req.ID, OK: true})
	case "get_job":
		var payload struct {
			JobID string `json:"job_id"`
		}
		if err := jsonx.Unmarshal(req.Payload, &payload); err != nil || payload.JobID == "" {
			s.respond(stdioResponse{ID: req.ID, OK: false, Error: "job_id required", Kind: string(verr.KindValidation)})
			return
		}
		hint, ok := s.jobs.GetJobRateLimited(payload.JobID)
		if !ok {
			s.respond(stdioResponse{ID: req.ID, OK: false, Error: "job not found", Kind: string(verr.KindUnknownTask)})
			return
		}
		s.respond(stdioResponse{ID: req.ID, OK: true, Result: hint})
	default:
		s.respond(stdioResponse{ID: req.ID, OK: false, Error: "unknown method " + req.Method, Kind: string(verr.KindProtocol)})
	}
}

func (s *StdioServer) respond(resp stdioResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := jsonx.Marshal(resp)
	if err != nil {
		s.logger.Error("Stdio response marshal failed: %v", err)
		return
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.logger.Warn("Stdio write failed: %v", err)
	}
}
