package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/netpulse/netpulse/internal/agent/probe"
	"github.com/netpulse/netpulse/internal/wire"
)

// fakeProber runs a caller-supplied function, defaulting to an immediate
// success.
type fakeProber struct {
	protocol wire.Protocol
	fn       func(ctx context.Context, spec probe.Spec) (*probe.Outcome, error)
}

func (f *fakeProber) Protocol() wire.Protocol { return f.protocol }

func (f *fakeProber) Probe(ctx context.Context, spec probe.Spec) (*probe.Outcome, error) {
	if f.fn != nil {
		return f.fn(ctx, spec)
	}
	return &probe.Outcome{
		Result:  map[string]any{"reachable": true},
		Metrics: map[string]float64{"rtt_ms": 1.5},
	}, nil
}

func testRegistry(p *fakeProber) probe.Registry {
	return probe.Registry{p.protocol: p}
}

func assignment(taskID string, protocol wire.Protocol) *wire.TaskAssignment {
	return &wire.TaskAssignment{
		TaskID:   taskID,
		Protocol: protocol,
		Target:   "example.com",
		Timeout:  5,
	}
}

func TestExecutorSuccess(t *testing.T) {
	exec := NewExecutor(testRegistry(&fakeProber{protocol: wire.ProtocolICMP}), 2, nil)

	result, err := exec.Execute(context.Background(), assignment("task-1", wire.ProtocolICMP))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != wire.ResultStatusSuccess {
		t.Errorf("status = %s, want success", result.Status)
	}
	if result.TaskID != "task-1" {
		t.Errorf("task_id = %s", result.TaskID)
	}
	if result.Metrics["rtt_ms"] != 1.5 {
		t.Errorf("metrics = %v", result.Metrics)
	}
	if !strings.Contains(string(result.Result), "reachable") {
		t.Errorf("result json = %s", result.Result)
	}
}

func TestExecutorProbeError(t *testing.T) {
	prober := &fakeProber{
		protocol: wire.ProtocolTCP,
		fn: func(ctx context.Context, spec probe.Spec) (*probe.Outcome, error) {
			return nil, errors.New("connection refused")
		},
	}
	exec := NewExecutor(testRegistry(prober), 1, nil)

	result, err := exec.Execute(context.Background(), assignment("task-1", wire.ProtocolTCP))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != wire.ResultStatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if result.ErrorMessage != "connection refused" {
		t.Errorf("error_message = %q", result.ErrorMessage)
	}
}

func TestExecutorTimeout(t *testing.T) {
	prober := &fakeProber{
		protocol: wire.ProtocolHTTP,
		fn: func(ctx context.Context, spec probe.Spec) (*probe.Outcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	exec := NewExecutor(testRegistry(prober), 1, nil)

	task := assignment("task-1", wire.ProtocolHTTP)
	task.Timeout = 0 // exercise the default, then shorten via context below

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := exec.Execute(ctx, task)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != wire.ResultStatusTimeout {
		t.Errorf("status = %s, want timeout", result.Status)
	}
}

func TestExecutorUnsupportedProtocol(t *testing.T) {
	exec := NewExecutor(probe.Registry{}, 1, nil)

	result, err := exec.Execute(context.Background(), assignment("task-1", wire.ProtocolUDP))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != wire.ResultStatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if !strings.Contains(result.ErrorMessage, "unsupported protocol") {
		t.Errorf("error_message = %q", result.ErrorMessage)
	}
}

func TestExecutorBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	prober := &fakeProber{
		protocol: wire.ProtocolICMP,
		fn: func(ctx context.Context, spec probe.Spec) (*probe.Outcome, error) {
			close(started)
			<-release
			return &probe.Outcome{}, nil
		},
	}
	exec := NewExecutor(testRegistry(prober), 1, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = exec.Execute(context.Background(), assignment("task-1", wire.ProtocolICMP))
	}()
	<-started

	_, err := exec.Execute(context.Background(), assignment("task-2", wire.ProtocolICMP))
	if !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}

	close(release)
	wg.Wait()
}

func TestExecutorCancel(t *testing.T) {
	started := make(chan struct{})
	prober := &fakeProber{
		protocol: wire.ProtocolICMP,
		fn: func(ctx context.Context, spec probe.Spec) (*probe.Outcome, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	exec := NewExecutor(testRegistry(prober), 1, nil)

	type outcome struct {
		result *wire.TaskResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := exec.Execute(context.Background(), assignment("task-1", wire.ProtocolICMP))
		done <- outcome{result, err}
	}()

	<-started
	if exec.Active() != 1 {
		t.Errorf("Active = %d, want 1", exec.Active())
	}
	if !exec.Cancel("task-1") {
		t.Error("Cancel should report the task as active")
	}

	got := <-done
	if !errors.Is(got.err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", got.err)
	}
	if got.result != nil {
		t.Errorf("cancelled task should produce no result, got %+v", got.result)
	}
	if exec.Cancel("task-1") {
		t.Error("Cancel after completion should report inactive")
	}
	if exec.Active() != 0 {
		t.Errorf("Active = %d after completion, want 0", exec.Active())
	}
}

func TestExecutorCancelAll(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	prober := &fakeProber{
		protocol: wire.ProtocolICMP,
		fn: func(ctx context.Context, spec probe.Spec) (*probe.Outcome, error) {
			started.Done()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	exec := NewExecutor(testRegistry(prober), 2, nil)

	errs := make(chan error, 2)
	for _, id := range []string{"task-1", "task-2"} {
		go func(id string) {
			_, err := exec.Execute(context.Background(), assignment(id, wire.ProtocolICMP))
			errs <- err
		}(id)
	}

	started.Wait()
	exec.CancelAll()

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	}
}
