package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"vibe/internal/config"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

const (
	// probeWalkLimit bounds the forward walk past the preferred port when no
	// explicit range is configured.
	probeWalkLimit = 20
	allocRetries   = 3
	allocBackoff   = 100 * time.Millisecond
)

// allocatePort binds the first free candidate port and returns the live
// listener. Holding the listener instead of re-binding later closes the
// window where another process could grab the port.
func allocatePort(host string, ports config.TransportPorts, logger logging.Logger) (net.Listener, int, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	for attempt := 1; attempt <= allocRetries; attempt++ {
		lis, port, err := probeCandidates(host, ports)
		if err == nil {
			return lis, port, nil
		}
		lastErr = err
		if !transientBindError(err) {
			break
		}
		logger.Warn("Port allocation attempt %d/%d failed: %v", attempt, allocRetries, err)
		time.Sleep(allocBackoff)
	}
	return nil, 0, verr.Wrap(lastErr, verr.KindPortUnavailable, "no free port (preferred %d)", ports.Preferred)
}

// probeCandidates tries the candidate ports in policy order and binds the
// first free one.
func probeCandidates(host string, ports config.TransportPorts) (net.Listener, int, error) {
	var lastErr error
	for _, port := range candidatePorts(ports) {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return lis, port, nil
		}
		lastErr = err
		if !addrInUse(err) && !transientBindError(err) {
			return nil, 0, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate ports (preferred %d)", ports.Preferred)
	}
	return nil, 0, lastErr
}

// candidatePorts orders the candidates: the configured single port first,
// then the configured range low to high, or a bounded walk past the
// preferred port when no range is set.
func candidatePorts(ports config.TransportPorts) []int {
	if ports.Range.IsZero() {
		out := make([]int, 0, probeWalkLimit+1)
		for port := ports.Preferred; port <= ports.Preferred+probeWalkLimit; port++ {
			out = append(out, port)
		}
		return out
	}
	var out []int
	if ports.Preferred != 0 {
		out = append(out, ports.Preferred)
	}
	for port := ports.Range.Low; port <= ports.Range.High; port++ {
		if port == ports.Preferred {
			continue
		}
		out = append(out, port)
	}
	return out
}

func addrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

// transientBindError covers the races worth retrying with backoff.
func transientBindError(err error) bool {
	return addrInUse(err) || errors.Is(err, syscall.EAGAIN)
}
