// vibe-server is the orchestration server: it decomposes coarse development
// requests into atomic tasks and schedules them onto connected agents over
// the configured transports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vibe/internal/config"
	"vibe/internal/decompose"
	"vibe/internal/domain"
	"vibe/internal/events"
	"vibe/internal/execution"
	"vibe/internal/jobs"
	"vibe/internal/llm"
	"vibe/internal/research"
	"vibe/internal/shared/logging"
	"vibe/internal/storage"
	"vibe/internal/transport"
	"vibe/internal/verr"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		host       string
		model      string
		baseURL    string
		dataDir    string
		enableWS   bool
		enableHTTP bool
		enableSSE  bool
	)

	cmd := &cobra.Command{
		Use:   "vibe-server",
		Short: "Task decomposition and agent orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(serverOptions{
				host:       host,
				model:      model,
				baseURL:    baseURL,
				dataDir:    dataDir,
				enableWS:   enableWS,
				enableHTTP: enableHTTP,
				enableSSE:  enableSSE,
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "bind address for the network transports")
	cmd.Flags().StringVar(&model, "model", "anthropic/claude-sonnet-4", "completion model identifier")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "OpenAI-compatible API base URL")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "storage root (defaults to VIBE_CODER_OUTPUT_DIR or ./data)")
	cmd.Flags().BoolVar(&enableWS, "websocket", true, "enable the websocket transport")
	cmd.Flags().BoolVar(&enableHTTP, "http", true, "enable the http transport")
	cmd.Flags().BoolVar(&enableSSE, "sse", true, "enable the sse transport")
	return cmd
}

type serverOptions struct {
	host       string
	model      string
	baseURL    string
	dataDir    string
	enableWS   bool
	enableHTTP bool
	enableSSE  bool
}

func run(opts serverOptions) error {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting vibe server...")

	cfg := config.Load(logger)

	dataDir := opts.dataDir
	if dataDir == "" {
		dataDir = cfg.OutputDir
	}
	if dataDir == "" {
		dataDir = "./data"
	}

	store, err := storage.NewFileStore(dataDir, storage.AllowAllValidator{}, logging.NewComponentLogger("FileStore"))
	if err != nil {
		logger.Error("Storage init failed: %v", err)
		return err
	}
	store.SetOperationTimeout(cfg.FileOperationsTimeout)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	jobMetrics := jobs.MustNewMetrics(registry)
	jobManager := jobs.NewManager(cfg.JobCacheCapacity, jobMetrics, logging.NewComponentLogger("Jobs"))
	notifier := events.NewNotifier(0, logging.NewComponentLogger("Events"))

	client, err := buildLLMClient(opts, cfg)
	if err != nil {
		logger.Error("LLM client init failed: %v", err)
		return err
	}

	atomicity := decompose.NewAtomicityDetector(client, cfg.MinConfidence, logging.NewEngineLogger("Atomicity"))
	trigger := decompose.NewResearchDetector(0, logging.NewEngineLogger("Research"))
	rddConfig := decompose.DefaultEngineConfig()
	if !cfg.EnableExponentialBackoff {
		rddConfig.LLMRetry.JitterFactor = 0
		rddConfig.LLMRetry.MaxDelay = rddConfig.LLMRetry.BaseDelay
	}
	rdd := decompose.NewEngine(client, atomicity, trigger, research.Nop{}, rddConfig, logging.NewEngineLogger("RDD"))

	execMetrics := execution.MustNewMetrics(registry)
	execConfig := execution.DefaultEngineConfig()
	execConfig.MaxConcurrentExecutions = cfg.MaxConcurrentTasks
	execConfig.TaskTimeout = cfg.TaskExecutionTimeout

	// The websocket transport is the dispatcher: work is pushed to the
	// agent's live connection.
	wsServer := transport.NewWebsocketServer(opts.host, cfg.Websocket, nil, logging.NewComponentLogger("Websocket"))
	engine := execution.NewEngine(execConfig, wsServer, notifier, execMetrics, logging.NewEngineLogger("Executor"))
	processor := execution.NewProcessor(engine, store, notifier, execution.DefaultProcessorConfig(), logging.NewComponentLogger("Feedback"))
	wsServer.SetProcessor(processor)

	service := decompose.NewService(rdd, store, jobManager, notifier, engineSubmitter{engine}, logging.NewComponentLogger("Decompose"))
	service.SetRunTimeout(cfg.TaskDecompositionTimeout)

	transports := []transport.Transport{
		transport.NewStdioServer(processor, jobManager, logging.NewComponentLogger("Stdio")),
	}
	if opts.enableWS {
		transports = append(transports, wsServer)
	}
	if opts.enableHTTP {
		transports = append(transports, transport.NewHTTPServer(opts.host, cfg.HTTPAgent, cfg.MaxResponseTime, processor, jobManager, service, registry, logging.NewComponentLogger("HTTP")))
	}
	if opts.enableSSE {
		transports = append(transports, transport.NewSSEServer(opts.host, cfg.SSE, notifier, logging.NewComponentLogger("SSE")))
	}

	manager := transport.NewManager(transports, logging.NewComponentLogger("Transports"))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	// Push transports make polling waits unnecessary.
	if manager.State(transport.KindWebsocket) == transport.StateStarted ||
		manager.State(transport.KindSSE) == transport.StateStarted {
		jobManager.SetPushCapable(true)
	}
	for kind, endpoint := range manager.ServiceEndpoints() {
		logger.Info("Transport %s ready at %s", kind, endpoint)
	}

	// Periodic housekeeping: purge aged terminal jobs and sessions.
	go housekeeping(ctx, jobManager, service, cfg.SessionTTL, logger)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.StopAll(shutdownCtx)
	engine.Dispose()
	notifier.Close()
	logger.Info("Server stopped")
	return nil
}

// engineSubmitter adapts the execution engine to the decomposition service's
// submitter port.
type engineSubmitter struct {
	engine *execution.Engine
}

func (s engineSubmitter) SubmitTask(ctx context.Context, task domain.AtomicTask) error {
	_, err := s.engine.SubmitTask(ctx, task)
	return err
}

func buildLLMClient(opts serverOptions, cfg config.Config) (llm.Client, error) {
	v := viper.New()
	v.AutomaticEnv()
	apiKey := v.GetString("VIBE_API_KEY")

	if apiKey == "" {
		// No provider configured: run decomposition on the heuristic path
		// with a mock so the server still starts for local development.
		return llm.NewMockClient(`{"subtasks": []}`), nil
	}
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		Model:   opts.model,
		APIKey:  apiKey,
		BaseURL: opts.baseURL,
		Timeout: cfg.LLMRequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return llm.NewRetryClient(client, verr.RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFactor: 0.25}), nil
}

func housekeeping(ctx context.Context, jobManager *jobs.Manager, service *decompose.Service, ttl time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			purged := jobManager.PurgeTerminal(ttl)
			removed := service.CleanupSessions(ttl)
			logger.Debug("Housekeeping: purged %d jobs, %d sessions", purged, removed)
		case <-ctx.Done():
			return
		}
	}
}
