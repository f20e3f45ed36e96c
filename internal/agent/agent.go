// Package agent implements the probe agent: it maintains the channel to
// the orchestrator, executes assigned probe tasks, reports results with
// an on-disk spool for delivery guarantees, and sends periodic heartbeat
// and resource telemetry.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/internal/agent/probe"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// Version is the agent version reported during authentication and
// registration. Overridden at build time via ldflags.
var Version = "0.1.0"

// Agent ties the channel client, the probe executor, the resource
// monitor, and the result spool together into the connect/execute/report
// loop.
type Agent struct {
	cfg      *Config
	logger   log.Logger
	client   *Client
	executor *Executor
	monitor  *Monitor
	spool    *Spool
	metrics  *metrics.AgentMetrics

	shutdownChan chan struct{}
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New creates an agent from a validated config. The metrics receiver may
// be nil.
func New(cfg *Config, logger log.Logger, m *metrics.AgentMetrics) (*Agent, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	spool, err := OpenSpool(cfg.SpoolPath, cfg.SpoolMaxPending)
	if err != nil {
		return nil, err
	}

	registry := probe.Registry{}
	for proto, prober := range probe.DefaultRegistry() {
		for _, capability := range cfg.Protocols() {
			if proto == capability {
				registry[proto] = prober
			}
		}
	}

	return &Agent{
		cfg:          cfg,
		logger:       logger.With("component", "agent"),
		client:       NewClient(cfg, logger),
		executor:     NewExecutor(registry, cfg.MaxConcurrent, logger),
		monitor:      NewMonitor(cfg.DiskPath),
		spool:        spool,
		metrics:      m,
		shutdownChan: make(chan struct{}),
	}, nil
}

// Start runs the agent until the context is cancelled or Stop is called.
// It blocks; run it from main or a dedicated goroutine.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info().
		Str("agent_id", a.cfg.AgentID).
		Str("orchestrator", a.cfg.OrchestratorURL).
		Str("version", Version).
		Msg("starting agent")

	a.connectionLoop(ctx)
	return nil
}

// Stop shuts the agent down: running tasks are cancelled, in-flight
// goroutines are awaited, and the spool and connection are closed.
// Unsent results stay spooled for the next start.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	a.logger.Info().Msg("stopping agent")

	close(a.shutdownChan)
	a.executor.CancelAll()
	_ = a.client.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn().Msg("shutdown timed out waiting for task goroutines")
	}

	if err := a.spool.Close(); err != nil {
		return err
	}
	a.logger.Info().Msg("agent stopped")
	return nil
}

// connectionLoop connects, serves the session, and reconnects with
// backoff until shutdown.
func (a *Agent) connectionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdownChan:
			return
		default:
		}

		sessionID, err := a.client.Connect(ctx)
		if err != nil {
			if a.metrics != nil {
				a.metrics.SetDisconnected()
			}
			a.logger.Error().Err(err).Msg("connection failed")
			if !a.waitForReconnect(ctx) {
				return
			}
			continue
		}

		a.client.ResetReconnectInterval()
		if a.metrics != nil {
			a.metrics.SetConnected()
		}

		if err := a.serveSession(ctx, sessionID); err != nil {
			a.logger.Warn().Err(err).Msg("session ended")
		}

		_ = a.client.Close()
		if a.metrics != nil {
			a.metrics.SetDisconnected()
			a.metrics.RecordReconnect()
		}

		if !a.waitForReconnect(ctx) {
			return
		}
	}
}

// serveSession registers, flushes the spool, and processes frames until
// the connection drops or shutdown begins.
func (a *Agent) serveSession(ctx context.Context, sessionID string) error {
	if err := a.register(); err != nil {
		return err
	}
	a.flushSpool()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		a.heartbeatLoop(sessionCtx)
	}()
	go func() {
		defer loops.Done()
		a.resourceLoop(sessionCtx)
	}()
	defer loops.Wait()

	a.logger.Info().Str("session_id", sessionID).Msg("session established")

	for {
		select {
		case <-sessionCtx.Done():
			return nil
		case <-a.shutdownChan:
			return nil
		default:
		}

		frame, err := a.client.Read()
		if err != nil {
			if a.shuttingDown.Load() {
				return nil
			}
			return err
		}
		a.handleFrame(sessionCtx, frame)
	}
}

// register announces capabilities and waits for nothing: the
// registration ack arrives through the normal frame loop.
func (a *Agent) register() error {
	return a.client.SendPayload(wire.FrameTypeAgentRegister, wire.AgentRegister{
		Capabilities: a.cfg.Protocols(),
		Version:      Version,
	})
}

// flushSpool re-sends every unacknowledged result. Delivery is
// at-least-once; the orchestrator drops repeats.
func (a *Agent) flushSpool() {
	pending, err := a.spool.Pending()
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to read spooled results")
		if a.metrics != nil {
			a.metrics.RecordSpoolFlush("error")
		}
		return
	}
	a.updateSpoolDepth()
	if len(pending) == 0 {
		return
	}

	a.logger.Info().Int("count", len(pending)).Msg("re-sending spooled results")
	for _, item := range pending {
		if err := a.client.SendPayload(wire.FrameTypeTaskResult, item.Result); err != nil {
			a.logger.Warn().Err(err).Str("task_id", item.TaskID).Msg("failed to re-send spooled result")
			if a.metrics != nil {
				a.metrics.RecordSpoolFlush("error")
			}
			return
		}
	}
	if a.metrics != nil {
		a.metrics.RecordSpoolFlush("ok")
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdownChan:
			return
		case <-ticker.C:
			started := time.Now()
			err := a.client.SendPayload(wire.FrameTypeHeartbeat, wire.Heartbeat{AgentID: a.cfg.AgentID})
			if err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat send failed")
				if a.metrics != nil {
					a.metrics.RecordHeartbeatFailure()
				}
				continue
			}
			if a.metrics != nil {
				a.metrics.RecordHeartbeat(time.Since(started).Seconds())
			}
		}
	}
}

func (a *Agent) resourceLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ResourceInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdownChan:
			return
		case <-ticker.C:
			usage, err := a.monitor.Snapshot(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Msg("resource sampling failed")
				continue
			}
			if a.metrics != nil {
				a.metrics.SetCPUUsage(usage.CPUUsage)
				a.metrics.SetMemoryUsage(usage.MemoryUsage)
				a.metrics.SetDiskUsage(usage.DiskUsage)
			}
			err = a.client.SendPayload(wire.FrameTypeResourceReport, wire.ResourceReport{Resources: usage})
			if err != nil {
				a.logger.Warn().Err(err).Msg("resource report send failed")
			}
		}
	}
}

// handleFrame dispatches one inbound frame. Task assignments run in their
// own goroutine so a slow probe never stalls the read loop.
func (a *Agent) handleFrame(ctx context.Context, frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameTypeAgentRegisterResponse:
		var resp wire.AgentRegisterResponse
		if err := frame.Decode(&resp); err == nil && resp.Success {
			a.logger.Debug().Msg("registration acknowledged")
		}

	case wire.FrameTypeTaskAssignment:
		var assignment wire.TaskAssignment
		if err := frame.Decode(&assignment); err != nil {
			a.logger.Warn().Err(err).Msg("malformed task assignment")
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runTask(ctx, &assignment)
		}()

	case wire.FrameTypeTaskCancel:
		var cancel wire.TaskCancel
		if err := frame.Decode(&cancel); err != nil {
			a.logger.Warn().Err(err).Msg("malformed task cancel")
			return
		}
		if a.executor.Cancel(cancel.TaskID) {
			a.logger.Info().Str("task_id", cancel.TaskID).Msg("task cancelled")
		}

	case wire.FrameTypeTaskResultAck:
		var ack wire.TaskResultAck
		if err := frame.Decode(&ack); err != nil {
			a.logger.Warn().Err(err).Msg("malformed result ack")
			return
		}
		if _, err := a.spool.Ack(ack.TaskID); err != nil {
			a.logger.Warn().Err(err).Str("task_id", ack.TaskID).Msg("failed to ack spooled result")
		}
		a.updateSpoolDepth()

	case wire.FrameTypeHeartbeatResponse, wire.FrameTypeResourceReportAck:
		// Liveness confirmations; nothing to do.

	case wire.FrameTypeSystemNotification:
		var note wire.SystemNotification
		if err := frame.Decode(&note); err == nil {
			a.logger.Info().Str("level", note.Level).Str("message", note.Message).Msg("orchestrator notification")
		}

	case wire.FrameTypeAgentCommand:
		var cmd wire.AgentCommand
		if err := frame.Decode(&cmd); err == nil {
			a.logger.Info().Str("command", cmd.Command).Msg("received agent command")
		}

	case wire.FrameTypeDisconnect:
		var disc wire.Disconnect
		_ = frame.Decode(&disc)
		a.logger.Info().Str("reason", disc.Reason).Msg("orchestrator requested disconnect")
		_ = a.client.Close()

	case wire.FrameTypeError:
		var perr wire.ErrorPayload
		if err := frame.Decode(&perr); err == nil {
			a.logger.Warn().Str("error", perr.Error).Str("original_message_id", perr.OriginalMessageID).Msg("protocol error from orchestrator")
		}

	default:
		a.logger.Debug().Str("type", string(frame.Type)).Msg("ignoring unexpected frame")
	}
}

// runTask executes one assignment and reports its result. The result is
// spooled before the send so a dropped connection cannot lose it.
func (a *Agent) runTask(ctx context.Context, assignment *wire.TaskAssignment) {
	if a.metrics != nil {
		a.metrics.SetActiveProbes(float64(a.executor.Active() + 1))
		defer func() { a.metrics.SetActiveProbes(float64(a.executor.Active())) }()
	}

	result, err := a.executor.Execute(ctx, assignment)
	switch {
	case errors.Is(err, ErrBusy):
		a.logger.Warn().Str("task_id", assignment.TaskID).Msg("rejecting task, all slots busy")
		if a.metrics != nil {
			a.metrics.RecordExecutorError(string(assignment.Protocol), "busy")
		}
		a.sendError(assignment.TaskID, "agent at capacity")
		return
	case errors.Is(err, context.Canceled):
		// Cancelled tasks report nothing.
		return
	case err != nil:
		a.logger.Error().Err(err).Str("task_id", assignment.TaskID).Msg("task execution failed")
		if a.metrics != nil {
			a.metrics.RecordExecutorError(string(assignment.Protocol), "execute")
		}
		return
	}

	if a.metrics != nil {
		a.metrics.RecordProbeComplete(string(assignment.Protocol), string(result.Status), float64(result.Duration)/1000)
	}

	if _, err := a.spool.Put(result); err != nil {
		a.logger.Error().Err(err).Str("task_id", result.TaskID).Msg("failed to spool result")
	}
	a.updateSpoolDepth()

	if err := a.client.SendPayload(wire.FrameTypeTaskResult, result); err != nil {
		// Stays spooled; flushed on the next reconnect.
		a.logger.Warn().Err(err).Str("task_id", result.TaskID).Msg("failed to send result")
	}
}

func (a *Agent) sendError(taskID, msg string) {
	err := a.client.SendPayload(wire.FrameTypeError, wire.ErrorPayload{
		Error:             msg,
		OriginalMessageID: taskID,
	})
	if err != nil {
		a.logger.Debug().Err(err).Msg("failed to send error frame")
	}
}

func (a *Agent) updateSpoolDepth() {
	if a.metrics == nil {
		return
	}
	if n, err := a.spool.Len(); err == nil {
		a.metrics.SetSpoolDepth(float64(n))
	}
}

// waitForReconnect sleeps for the next backoff interval. It returns false
// when shutdown or context cancellation interrupted the wait.
func (a *Agent) waitForReconnect(ctx context.Context) bool {
	delay := a.client.NextReconnectInterval()
	a.logger.Info().Dur("delay", delay).Msg("reconnecting")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-a.shutdownChan:
		return false
	case <-timer.C:
		return true
	}
}
