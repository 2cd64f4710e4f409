package replicax

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GateConfig carries the per-call settings shared by both gates
type GateConfig struct {
	// Operation names the gated call for errors and logs ("upload", "download")
	Operation string

	// OperationID correlates log lines of one call
	OperationID string

	// Timeout bounds Wait in addition to the caller's context. Zero means
	// only the context bounds it.
	Timeout time.Duration

	// Logger receives straggler and release events
	Logger *zap.Logger

	// OnStraggler is called (outside the gate lock) for every result that
	// arrives after the gate opened or was abandoned
	OnStraggler func(backend BackendKey)
}

// ResolveQuorum maps a requested quorum k onto n backends: zero selects n,
// negative values clamp to 1, and k > n (or n == 0) cannot be satisfied.
func ResolveQuorum(k, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: no backends available", ErrQuorumUnreachable)
	}
	switch {
	case k == 0:
		return n, nil
	case k < 0:
		return 1, nil
	case k > n:
		return 0, fmt.Errorf("%w: quorum %d exceeds %d backends", ErrQuorumUnreachable, k, n)
	}
	return k, nil
}

type backendState int

const (
	statePending backendState = iota
	stateCompleted
	stateFailed
)

// gate is the counter/flag pair both gates build on. Every field below mu
// is read and written only while holding mu.
type gate struct {
	cfg       GateConfig
	threshold int
	total     int

	mu          sync.Mutex
	states      map[BackendKey]backendState
	completed   int
	pending     int
	released    bool
	unreachable bool
	abandoned   bool
	stragglers  int
	failures    []*BackendError

	open    chan struct{} // closed exactly once, on release
	settled chan struct{} // closed exactly once, when release became impossible
}

func newGate(threshold, total int, cfg GateConfig) (*gate, error) {
	k, err := ResolveQuorum(threshold, total)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &gate{
		cfg:       cfg,
		threshold: k,
		total:     total,
		states:    make(map[BackendKey]backendState, total),
		pending:   total,
		open:      make(chan struct{}),
		settled:   make(chan struct{}),
	}, nil
}

// closedLocked reports whether the gate stopped accepting results
func (g *gate) closedLocked() bool {
	return g.released || g.unreachable || g.abandoned
}

// completeLocked counts one backend. It returns false when the result was a
// straggler (gate already decided) or a duplicate for the same backend.
func (g *gate) completeLocked(id BackendKey) bool {
	if g.closedLocked() {
		g.stragglers++
		return false
	}
	if g.states[id] != statePending {
		return false
	}
	g.states[id] = stateCompleted
	g.completed++
	g.pending--
	return true
}

func (g *gate) releaseLocked() {
	if g.released {
		return
	}
	g.released = true
	close(g.open)
}

func (g *gate) markUnreachableLocked() {
	if g.closedLocked() {
		return
	}
	g.unreachable = true
	close(g.settled)
}

// fail records a backend failure and settles the gate once the remaining
// backends can no longer reach the threshold.
func (g *gate) fail(id BackendKey, err error) {
	g.mu.Lock()
	be := &BackendError{Op: g.cfg.Operation, Backend: id, Err: err}
	if g.closedLocked() {
		g.stragglers++
		g.mu.Unlock()
		g.straggler(id, err)
		return
	}
	g.failures = append(g.failures, be)
	if g.states[id] == statePending {
		g.states[id] = stateFailed
		g.pending--
	}
	if g.completed+g.pending < g.threshold {
		g.markUnreachableLocked()
	}
	g.mu.Unlock()

	g.cfg.Logger.Warn("Backend failed",
		zap.String("operation", g.cfg.Operation),
		zap.String("operation_id", g.cfg.OperationID),
		zap.String("backend", id.String()),
		zap.Error(err),
	)
}

// settle is called once every backend task has returned
func (g *gate) settle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markUnreachableLocked()
}

func (g *gate) straggler(id BackendKey, err error) {
	fields := []zap.Field{
		zap.String("operation", g.cfg.Operation),
		zap.String("operation_id", g.cfg.OperationID),
		zap.String("backend", id.String()),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	g.cfg.Logger.Debug("Discarding straggler result", fields...)
	if g.cfg.OnStraggler != nil {
		g.cfg.OnStraggler(id)
	}
}

// wait blocks until the gate opens, becomes unreachable, or ctx/timeout expires
func (g *gate) wait(ctx context.Context) error {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	select {
	case <-g.open:
		return nil
	case <-g.settled:
		return g.quorumError(ErrQuorumUnreachable)
	case <-ctx.Done():
	}

	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil
	}
	g.abandoned = true
	g.mu.Unlock()
	return g.quorumError(errors.Join(ErrQuorumTimeout, ctx.Err()))
}

func (g *gate) quorumError(cause error) *QuorumError {
	g.mu.Lock()
	defer g.mu.Unlock()
	failures := make([]*BackendError, len(g.failures))
	copy(failures, g.failures)
	return &QuorumError{
		Op:        g.cfg.Operation,
		Required:  g.threshold,
		Completed: g.completed,
		Total:     g.total,
		Failures:  failures,
		Err:       cause,
	}
}

// Threshold returns the number of completions that opens the gate
func (g *gate) Threshold() int { return g.threshold }

// Completed returns the number of backends counted toward the threshold
func (g *gate) Completed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completed
}

// Released reports whether the gate has opened
func (g *gate) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// Stragglers returns how many results arrived after the gate decided
func (g *gate) Stragglers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stragglers
}

// Failures returns the backend failures recorded before the gate decided
func (g *gate) Failures() []*BackendError {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*BackendError, len(g.failures))
	copy(out, g.failures)
	return out
}
