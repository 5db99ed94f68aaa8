// Package config loads every environment variable the engine consumes into an
// immutable snapshot at startup. Nothing re-reads the environment afterwards,
// and no invalid value is ever fatal: bad input logs a warning and falls back
// to the documented default.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vibe/internal/shared/logging"
)

// Defaults for tunables not overridden by the environment.
const (
	DefaultMaxConcurrentTasks = 10
	DefaultMaxResponseTimeMs  = 50
	DefaultMinConfidence      = 0.7
	DefaultJobCacheCapacity   = 1000
	DefaultSessionTTL         = 24 * time.Hour

	DefaultTaskExecutionTimeout     = 5 * time.Minute
	DefaultTaskDecompositionTimeout = 10 * time.Minute
	DefaultLLMRequestTimeout        = 60 * time.Second
	DefaultFileOperationsTimeout    = 10 * time.Second

	// MaxTimeout bounds every configurable timeout.
	MaxTimeout = 1 * time.Hour
)

// PortRange is an inclusive range of candidate ports.
type PortRange struct {
	Low  int
	High int
}

// IsZero reports whether no range was configured.
func (r PortRange) IsZero() bool {
	return r.Low == 0 && r.High == 0
}

// TransportPorts carries the configured (not yet allocated) port preferences
// for one transport.
type TransportPorts struct {
	Preferred int
	Range     PortRange
}

// Config is the immutable startup snapshot of the process environment.
type Config struct {
	OutputDir                string
	MaxConcurrentTasks       int
	MaxResponseTime          time.Duration
	MinConfidence            float64
	EnableExponentialBackoff bool

	JobCacheCapacity int
	SessionTTL       time.Duration

	TaskExecutionTimeout     time.Duration
	TaskDecompositionTimeout time.Duration
	LLMRequestTimeout        time.Duration
	FileOperationsTimeout    time.Duration

	Websocket TransportPorts
	HTTPAgent TransportPorts
	SSE       TransportPorts
}

// Load reads the environment once and returns the validated snapshot.
func Load(logger logging.Logger) Config {
	logger = logging.OrNop(logger)

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("VIBE_CODER_OUTPUT_DIR", "")
	v.SetDefault("VIBE_ENABLE_EXPONENTIAL_BACKOFF", true)

	cfg := Config{
		OutputDir:                strings.TrimSpace(v.GetString("VIBE_CODER_OUTPUT_DIR")),
		MaxConcurrentTasks:       intInRange(v, logger, "VIBE_MAX_CONCURRENT_TASKS", DefaultMaxConcurrentTasks, 1, 100),
		MaxResponseTime:          time.Duration(intInRange(v, logger, "VIBE_MAX_RESPONSE_TIME", DefaultMaxResponseTimeMs, 1, 60_000)) * time.Millisecond,
		MinConfidence:            floatInRange(v, logger, "VIBE_MIN_CONFIDENCE", DefaultMinConfidence, 0, 1),
		EnableExponentialBackoff: boolOrDefault(v, logger, "VIBE_ENABLE_EXPONENTIAL_BACKOFF", true),

		JobCacheCapacity: DefaultJobCacheCapacity,
		SessionTTL:       DefaultSessionTTL,

		TaskExecutionTimeout:     DefaultTaskExecutionTimeout,
		TaskDecompositionTimeout: DefaultTaskDecompositionTimeout,
		LLMRequestTimeout:        DefaultLLMRequestTimeout,
		FileOperationsTimeout:    DefaultFileOperationsTimeout,

		Websocket: transportPorts(v, logger, "WEBSOCKET_PORT", 8080),
		HTTPAgent: transportPorts(v, logger, "HTTP_AGENT_PORT", 8081),
		SSE:       transportPorts(v, logger, "SSE_PORT", 8082),
	}
	return cfg
}

func transportPorts(v *viper.Viper, logger logging.Logger, envVar string, preferred int) TransportPorts {
	tp := TransportPorts{Preferred: preferred}

	if raw := strings.TrimSpace(v.GetString(envVar)); raw != "" {
		port, err := parsePort(raw)
		if err != nil {
			logger.Warn("Ignoring invalid %s=%q: %v", envVar, raw, err)
		} else {
			tp.Preferred = port
		}
	}

	rangeVar := envVar + "_RANGE"
	if raw := strings.TrimSpace(v.GetString(rangeVar)); raw != "" {
		r, err := ParsePortRange(raw)
		if err != nil {
			logger.Warn("Ignoring invalid %s=%q: %v", rangeVar, raw, err)
		} else {
			tp.Range = r
		}
	}
	return tp
}

// ParsePortRange parses "low-high" into an inclusive range.
func ParsePortRange(raw string) (PortRange, error) {
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("range must be low-high")
	}
	low, err := parsePort(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, fmt.Errorf("range low: %w", err)
	}
	high, err := parsePort(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, fmt.Errorf("range high: %w", err)
	}
	if high < low {
		return PortRange{}, fmt.Errorf("range high %d below low %d", high, low)
	}
	return PortRange{Low: low, High: high}, nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func intInRange(v *viper.Viper, logger logging.Logger, key string, def, low, high int) int {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("Ignoring invalid %s=%q: not a number", key, raw)
		return def
	}
	if val < low || val > high {
		logger.Warn("Ignoring out-of-range %s=%d (allowed %d-%d)", key, val, low, high)
		return def
	}
	return val
}

func floatInRange(v *viper.Viper, logger logging.Logger, key string, def, low, high float64) float64 {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("Ignoring invalid %s=%q: not a number", key, raw)
		return def
	}
	if val < low || val > high {
		logger.Warn("Ignoring out-of-range %s=%g (allowed %g-%g)", key, val, low, high)
		return def
	}
	return val
}

func boolOrDefault(v *viper.Viper, logger logging.Logger, key string, def bool) bool {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("Ignoring invalid %s=%q: not a boolean", key, raw)
		return def
	}
	return val
}
