package replicax

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ReadPolicy selects how the read gate picks the returned payload
type ReadPolicy int

const (
	// PolicyFirstK returns the payload of the K-th backend to complete
	PolicyFirstK ReadPolicy = iota
	// PolicyVerify waits for every backend and fails unless all payloads are identical
	PolicyVerify
	// PolicyConsensus waits for every backend and returns the most common payload,
	// breaking ties by arrival order
	PolicyConsensus
)

var policyNames = map[ReadPolicy]string{
	PolicyFirstK:    "first_k",
	PolicyVerify:    "verify",
	PolicyConsensus: "consensus",
}

func (p ReadPolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParseReadPolicy maps "first_k", "verify" or "consensus" to a ReadPolicy
func ParseReadPolicy(name string) (ReadPolicy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return PolicyFirstK, nil
	}
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return PolicyFirstK, fmt.Errorf("%w: unknown read policy %q", ErrInvalidConfig, name)
}

type readResult struct {
	backend BackendKey
	data    []byte
}

// ReadGate collects per-backend download buffers and opens once the policy
// can decide. Writes are serialized through the gate mutex; after the gate
// has decided they are accepted and discarded.
type ReadGate struct {
	*gate
	policy  ReadPolicy
	sinks   map[BackendKey]*Sink
	results []readResult
	winner  []byte
	err     error
}

// NewReadGate creates a gate for total backends. Verify and consensus
// always require every backend, whatever threshold is passed.
func NewReadGate(policy ReadPolicy, threshold, total int, cfg GateConfig) (*ReadGate, error) {
	if _, ok := policyNames[policy]; !ok {
		return nil, fmt.Errorf("%w: unknown read policy %d", ErrInvalidConfig, int(policy))
	}
	if cfg.Operation == "" {
		cfg.Operation = "download"
	}
	if policy != PolicyFirstK {
		threshold = total
	}
	g, err := newGate(threshold, total, cfg)
	if err != nil {
		return nil, err
	}
	return &ReadGate{
		gate:   g,
		policy: policy,
		sinks:  make(map[BackendKey]*Sink, total),
	}, nil
}

// Policy returns the gate's read policy
func (r *ReadGate) Policy() ReadPolicy { return r.policy }

// Sink returns the writer one backend downloads into
func (r *ReadGate) Sink(id BackendKey) *Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sinks[id]; ok {
		return s
	}
	s := &Sink{gate: r, backend: id}
	r.sinks[id] = s
	return s
}

// Complete marks the backend's download as finished and hands its buffer
// to the gate. It is called once the backend's Download returned nil.
func (r *ReadGate) Complete(id BackendKey) {
	r.mu.Lock()
	sink := r.sinks[id]
	counted := r.completeLocked(id)
	if !counted {
		if sink != nil {
			sink.buf.Reset()
		}
		r.mu.Unlock()
		r.straggler(id, nil)
		return
	}

	var data []byte
	if sink != nil {
		data = sink.buf.Bytes()
		sink.buf = bytes.Buffer{}
	}
	r.results = append(r.results, readResult{backend: id, data: data})

	opened := false
	if r.completed >= r.threshold {
		r.winner, r.err = r.decideLocked()
		r.releaseLocked()
		opened = true
	}
	completed := r.completed
	r.mu.Unlock()

	if opened {
		r.cfg.Logger.Debug("Read quorum reached",
			zap.String("operation_id", r.cfg.OperationID),
			zap.String("policy", r.policy.String()),
			zap.String("backend", id.String()),
			zap.Int("completed", completed),
			zap.Int("threshold", r.threshold),
		)
	}
}

// Fail records that a backend's download failed
func (r *ReadGate) Fail(id BackendKey, err error) {
	r.fail(id, err)
}

// Wait blocks until the policy decided. It returns the winning payload, a
// *MismatchError under the verify policy, or a *QuorumError.
func (r *ReadGate) Wait(ctx context.Context) ([]byte, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.winner, r.err
}

// decideLocked picks the result according to the policy. Called with mu
// held, once, at the threshold-th completion.
func (r *ReadGate) decideLocked() ([]byte, error) {
	switch r.policy {
	case PolicyVerify:
		first := r.results[0].data
		for _, res := range r.results[1:] {
			if !bytes.Equal(first, res.data) {
				digests := make(map[BackendKey]string, len(r.results))
				for _, res := range r.results {
					digests[res.backend] = digest(res.data)
				}
				return nil, &MismatchError{Digests: digests}
			}
		}
		return first, nil

	case PolicyConsensus:
		counts := make(map[string]int, len(r.results))
		top := 0
		for _, res := range r.results {
			counts[string(res.data)]++
			top = max(top, counts[string(res.data)])
		}
		// ties go to the payload that arrived first
		for _, res := range r.results {
			if counts[string(res.data)] == top {
				return res.data, nil
			}
		}
		return nil, nil

	default:
		return r.results[len(r.results)-1].data, nil
	}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6])
}

// Sink is the io.Writer one backend downloads into. Every write takes the
// owning gate's mutex; writes after the gate decided are discarded.
type Sink struct {
	gate    *ReadGate
	backend BackendKey
	buf     bytes.Buffer
}

// Write appends p to the backend's buffer. It never fails.
func (s *Sink) Write(p []byte) (int, error) {
	s.gate.mu.Lock()
	defer s.gate.mu.Unlock()
	if s.gate.closedLocked() || s.gate.states[s.backend] != statePending {
		return len(p), nil
	}
	s.buf.Write(p)
	return len(p), nil
}
