package replicax_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/replicax"
)

func backendKeys(n int) []replicax.BackendKey {
	keys := make([]replicax.BackendKey, n)
	for i := range keys {
		keys[i] = replicax.BackendKey{Kind: replicax.KindFilesystem, ID: fmt.Sprintf("/node-%d", i)}
	}
	return keys
}

func TestCursorReadChunk(t *testing.T) {
	drains := 0
	c := replicax.NewCursor([]byte("abcdefg"), func() { drains++ })

	chunk, eof := c.ReadChunk(3)
	assert.Equal(t, "abc", string(chunk))
	assert.False(t, eof)
	assert.Equal(t, 4, c.Len())

	chunk, eof = c.ReadChunk(3)
	assert.Equal(t, "def", string(chunk))
	assert.False(t, eof)
	assert.Equal(t, 0, drains)

	chunk, eof = c.ReadChunk(100)
	assert.Equal(t, "g", string(chunk))
	assert.True(t, eof)
	assert.Equal(t, 1, drains)

	chunk, eof = c.ReadChunk(0)
	assert.Empty(t, chunk)
	assert.True(t, eof)
	assert.Equal(t, 1, drains, "drain callback fires exactly once")
}

func TestCursorReadAllRemaining(t *testing.T) {
	drains := 0
	c := replicax.NewCursor([]byte("payload"), func() { drains++ })

	chunk, eof := c.ReadChunk(0)
	assert.Equal(t, "payload", string(chunk))
	assert.True(t, eof)
	assert.Equal(t, 1, drains)
}

func TestCursorIOReader(t *testing.T) {
	drains := 0
	payload := []byte("the quick brown fox")
	c := replicax.NewCursor(payload, func() { drains++ })

	got, err := io.ReadAll(io.LimitReader(c, 4))
	require.NoError(t, err)
	assert.Equal(t, "the ", string(got))
	assert.Equal(t, 0, drains)

	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "quick brown fox", string(rest))
	assert.Equal(t, 1, drains)
	assert.True(t, c.Drained())
}

func TestCursorEmptyPayload(t *testing.T) {
	drains := 0
	c := replicax.NewCursor(nil, func() { drains++ })

	n, err := c.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, drains)
}

func TestCursorsAreIndependent(t *testing.T) {
	payload := []byte("shared")
	a := replicax.NewCursor(payload, nil)
	b := replicax.NewCursor(payload, nil)

	chunk, _ := a.ReadChunk(3)
	assert.Equal(t, "sha", string(chunk))
	chunk, _ = b.ReadChunk(0)
	assert.Equal(t, "shared", string(chunk))
	assert.Equal(t, 3, a.Len())
}

func TestWriteGateOpensAtThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		total     int
	}{
		{name: "K=1 opens on first drain", threshold: 1, total: 3},
		{name: "K=2 of 3", threshold: 2, total: 3},
		{name: "K=N requires all", threshold: 3, total: 3},
		{name: "zero threshold defaults to N", threshold: 0, total: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, err := replicax.NewWriteGate([]byte("data"), tt.threshold, tt.total, replicax.GateConfig{})
			require.NoError(t, err)

			want := gate.Threshold()
			for i, key := range backendKeys(tt.total) {
				cursor := gate.Cursor(key)
				assert.False(t, gate.Released(), "gate must stay closed before drain %d", i+1)
				_, _ = io.ReadAll(cursor)

				if i+1 < want {
					assert.False(t, gate.Released())
					assert.Equal(t, i+1, gate.Completed())
				} else {
					assert.True(t, gate.Released())
					assert.Equal(t, want, gate.Completed(), "completed never grows after release")
				}
			}

			require.NoError(t, gate.Wait(context.Background()))
			assert.Equal(t, tt.total-want, gate.Stragglers())
		})
	}
}

func TestWriteGateRejectsUnreachableQuorum(t *testing.T) {
	_, err := replicax.NewWriteGate([]byte("x"), 4, 3, replicax.GateConfig{})
	assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)

	_, err = replicax.NewWriteGate([]byte("x"), 1, 0, replicax.GateConfig{})
	assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)

	gate, err := replicax.NewWriteGate([]byte("x"), -5, 3, replicax.GateConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, gate.Threshold(), "negative quorum clamps to 1")
}

func TestWriteGateFailuresMakeQuorumUnreachable(t *testing.T) {
	keys := backendKeys(3)
	gate, err := replicax.NewWriteGate([]byte("data"), 2, 3, replicax.GateConfig{})
	require.NoError(t, err)

	_, _ = io.ReadAll(gate.Cursor(keys[0]))
	gate.Fail(keys[1], errors.New("disk full"))
	gate.Fail(keys[2], errors.New("timeout"))

	err = gate.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)

	var qerr *replicax.QuorumError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, 1, qerr.Completed)
	assert.Equal(t, 2, qerr.Required)
	require.Len(t, qerr.Failures, 2)
	assert.Equal(t, keys[1], qerr.Failures[0].Backend)
	assert.ErrorIs(t, err, replicax.ErrBackendOperationFailed)
}

func TestWriteGateFailureAfterReleaseIsStraggler(t *testing.T) {
	keys := backendKeys(2)
	gate, err := replicax.NewWriteGate([]byte("data"), 1, 2, replicax.GateConfig{})
	require.NoError(t, err)

	_, _ = io.ReadAll(gate.Cursor(keys[0]))
	gate.Fail(keys[1], errors.New("late"))

	require.NoError(t, gate.Wait(context.Background()))
	assert.Empty(t, gate.Failures())
	assert.Equal(t, 1, gate.Stragglers())
}

func TestWriteGateTimeout(t *testing.T) {
	keys := backendKeys(2)
	gate, err := replicax.NewWriteGate([]byte("data"), 2, 2, replicax.GateConfig{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, _ = io.ReadAll(gate.Cursor(keys[0]))

	err = gate.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, replicax.ErrQuorumTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a drain after the caller gave up is a straggler and cannot open the gate
	_, _ = io.ReadAll(gate.Cursor(keys[1]))
	assert.False(t, gate.Released())
	assert.Equal(t, 1, gate.Completed())
}

func TestWriteGateContextCancel(t *testing.T) {
	gate, err := replicax.NewWriteGate([]byte("data"), 1, 1, replicax.GateConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = gate.Wait(ctx)
	assert.ErrorIs(t, err, replicax.ErrQuorumTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteGateStragglerHook(t *testing.T) {
	var stragglers []replicax.BackendKey
	keys := backendKeys(3)
	gate, err := replicax.NewWriteGate([]byte("data"), 1, 3, replicax.GateConfig{
		OnStraggler: func(b replicax.BackendKey) { stragglers = append(stragglers, b) },
	})
	require.NoError(t, err)

	for _, k := range keys {
		_, _ = io.ReadAll(gate.Cursor(k))
	}
	assert.Equal(t, keys[1:], stragglers)
}
