package replicax

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Cursor is an independent read position over a shared, read-only payload.
// It calls onDrain exactly once, the first time its offset reaches the end.
// A Cursor is used by a single backend task and is not safe for concurrent use.
type Cursor struct {
	payload []byte
	off     int
	onDrain func()
	once    sync.Once
}

// NewCursor returns a cursor over payload. onDrain may be nil.
func NewCursor(payload []byte, onDrain func()) *Cursor {
	return &Cursor{payload: payload, onDrain: onDrain}
}

// ReadChunk returns up to max bytes and whether the payload is exhausted.
// max <= 0 returns everything that remains.
func (c *Cursor) ReadChunk(max int) ([]byte, bool) {
	remaining := len(c.payload) - c.off
	n := remaining
	if max > 0 && max < remaining {
		n = max
	}
	chunk := c.payload[c.off : c.off+n : c.off+n]
	c.off += n
	eof := c.off == len(c.payload)
	if eof {
		c.drained()
	}
	return chunk, eof
}

// Read implements io.Reader. The drain callback fires on the read that
// delivers the last byte (or on the first read of an empty payload).
func (c *Cursor) Read(p []byte) (int, error) {
	if c.off >= len(c.payload) {
		c.drained()
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	chunk, _ := c.ReadChunk(len(p))
	return copy(p, chunk), nil
}

// Len returns the number of unread bytes
func (c *Cursor) Len() int {
	return len(c.payload) - c.off
}

// Drained reports whether the cursor reached the end of the payload
func (c *Cursor) Drained() bool {
	return c.off >= len(c.payload)
}

func (c *Cursor) drained() {
	c.once.Do(func() {
		if c.onDrain != nil {
			c.onDrain()
		}
	})
}

// WriteGate counts backends that fully drained their cursor and opens once
// the threshold is met. It is created per upload and shared by its tasks.
type WriteGate struct {
	*gate
	payload []byte
}

// NewWriteGate creates a gate over payload for total backends. A threshold
// of zero requires all backends; see ResolveQuorum for the other rules.
func NewWriteGate(payload []byte, threshold, total int, cfg GateConfig) (*WriteGate, error) {
	if cfg.Operation == "" {
		cfg.Operation = "upload"
	}
	g, err := newGate(threshold, total, cfg)
	if err != nil {
		return nil, err
	}
	return &WriteGate{gate: g, payload: payload}, nil
}

// Cursor returns the read cursor for one backend. Each backend must get
// its own cursor.
func (w *WriteGate) Cursor(id BackendKey) *Cursor {
	return NewCursor(w.payload, func() { w.drained(id) })
}

func (w *WriteGate) drained(id BackendKey) {
	w.mu.Lock()
	counted := w.completeLocked(id)
	var opened bool
	if counted && w.completed >= w.threshold {
		w.releaseLocked()
		opened = true
	}
	completed := w.completed
	w.mu.Unlock()

	if !counted {
		w.straggler(id, nil)
		return
	}
	if opened {
		w.cfg.Logger.Debug("Write quorum reached",
			zap.String("operation_id", w.cfg.OperationID),
			zap.String("backend", id.String()),
			zap.Int("completed", completed),
			zap.Int("threshold", w.threshold),
		)
	}
}

// Fail records that a backend's upload failed
func (w *WriteGate) Fail(id BackendKey, err error) {
	w.fail(id, err)
}

// Wait blocks until the threshold is met. It returns a *QuorumError
// wrapping ErrQuorumUnreachable or ErrQuorumTimeout otherwise.
func (w *WriteGate) Wait(ctx context.Context) error {
	return w.wait(ctx)
}
