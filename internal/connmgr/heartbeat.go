package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HeartbeatConfig holds heartbeat monitoring settings.
type HeartbeatConfig struct {
	// Interval is the expected heartbeat cadence and the sweep period.
	Interval time.Duration
	// Timeout is how stale a heartbeat may be before a miss is counted.
	Timeout time.Duration
	// MaxMissed is the consecutive miss count that tears a connection down.
	MaxMissed int
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:  30 * time.Second,
		Timeout:   90 * time.Second,
		MaxMissed: 3,
	}
}

// TimeoutFunc is invoked when a connection exhausts its heartbeat budget.
type TimeoutFunc func(conn *Connection)

// HeartbeatMonitor sweeps authenticated connections, counting misses for
// stale heartbeats and firing the timeout callback at the miss budget.
type HeartbeatMonitor struct {
	pool   *Pool
	cfg    HeartbeatConfig
	logger *slog.Logger

	mu        sync.Mutex
	onTimeout TimeoutFunc
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewHeartbeatMonitor creates a heartbeat monitor over the pool.
func NewHeartbeatMonitor(pool *Pool, cfg HeartbeatConfig, logger *slog.Logger) *HeartbeatMonitor {
	if cfg.Interval == 0 {
		cfg = DefaultHeartbeatConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("component", "heartbeat_monitor"),
		stopCh: make(chan struct{}),
	}
}

// OnTimeout registers the teardown callback. Set it before Start.
func (h *HeartbeatMonitor) OnTimeout(fn TimeoutFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTimeout = fn
}

// Start begins the sweep loop.
func (h *HeartbeatMonitor) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("heartbeat monitor already running")
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.sweepLoop(ctx)
	}()

	h.logger.Info("heartbeat monitor started",
		"interval", h.cfg.Interval,
		"timeout", h.cfg.Timeout,
		"max_missed", h.cfg.MaxMissed,
	)
	return nil
}

// Stop halts the sweep loop.
func (h *HeartbeatMonitor) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("heartbeat monitor stopped")
		return nil
	case <-ctx.Done():
		h.logger.Warn("heartbeat monitor stop timed out")
		return ctx.Err()
	}
}

func (h *HeartbeatMonitor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep counts a miss for every authenticated connection whose last
// heartbeat is older than the timeout.
func (h *HeartbeatMonitor) sweep() {
	h.mu.Lock()
	onTimeout := h.onTimeout
	h.mu.Unlock()

	now := time.Now()
	for _, conn := range h.pool.Connections() {
		if !conn.Authenticated() {
			continue
		}
		if now.Sub(conn.LastHeartbeat()) <= h.cfg.Timeout {
			continue
		}

		missed := conn.IncrementMissed()
		h.logger.Warn("missed heartbeat",
			"agent_id", conn.AgentID(),
			"session_id", conn.SessionID(),
			"missed", missed,
			"max_missed", h.cfg.MaxMissed,
		)
		if missed >= h.cfg.MaxMissed && onTimeout != nil {
			onTimeout(conn)
		}
	}
}
