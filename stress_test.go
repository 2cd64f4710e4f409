package replicax_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/replicax"
	"github.com/gostratum/replicax/internal/testutil"
)

func randomLatency() time.Duration {
	return time.Duration(rand.IntN(20)) * time.Millisecond
}

func TestStressUploadQuorum(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	const (
		backends = 50
		quorum   = 25
		calls    = 8
	)

	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	for i := range backends {
		b := testutil.NewMockBackend()
		b.Latency = randomLatency
		b.ChunkSize = 3
		factory.Use(testutil.RegionID(i), b)
	}
	client := newTestClient(t, testutil.NewTestConfig(backends), factory)
	require.NoError(t, client.Create(context.Background(), "stress"))

	var wg sync.WaitGroup
	for call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var releases atomic.Int32
			var completedAtRelease atomic.Int32

			payload := []byte(fmt.Sprintf("payload-%d", call))
			got, err := client.Upload(context.Background(), "stress", fmt.Sprintf("obj-%d", call), payload,
				replicax.WithQuorum(quorum),
				replicax.WithReleaseHook(func(completed int) {
					releases.Add(1)
					completedAtRelease.Store(int32(completed))
				}),
			)
			assert.NoError(t, err)
			assert.Equal(t, payload, got)
			assert.Equal(t, int32(1), releases.Load(), "gate opens exactly once")
			assert.GreaterOrEqual(t, int(completedAtRelease.Load()), quorum)
		}()
	}
	wg.Wait()

	// every backend eventually holds every object
	require.NoError(t, client.Close())
	for i := range backends {
		for call := range calls {
			data, ok := factory.Backend(testutil.RegionID(i)).Object(qualified(i, "stress"), fmt.Sprintf("obj-%d", call))
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("payload-%d", call), string(data))
		}
	}
}

func TestStressWriteGateConcurrentDrains(t *testing.T) {
	const (
		backends = 50
		quorum   = 25
	)
	keys := backendKeys(backends)

	for range 20 {
		var stragglers atomic.Int32
		gate, err := replicax.NewWriteGate([]byte("abcdefgh"), quorum, backends, replicax.GateConfig{
			OnStraggler: func(replicax.BackendKey) { stragglers.Add(1) },
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, k := range keys {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := gate.Cursor(k)
				for {
					if _, eof := c.ReadChunk(1 + rand.IntN(3)); eof {
						return
					}
				}
			}()
		}

		require.NoError(t, gate.Wait(context.Background()))
		wg.Wait()

		assert.Equal(t, quorum, gate.Completed(), "counting stops at the threshold")
		assert.Equal(t, backends-quorum, gate.Stragglers())
		assert.Equal(t, int32(backends-quorum), stragglers.Load())
	}
}

func TestStressReadGateConcurrentSinks(t *testing.T) {
	const backends = 50
	keys := backendKeys(backends)

	gate, err := replicax.NewReadGate(replicax.PolicyVerify, 0, backends, replicax.GateConfig{})
	require.NoError(t, err)

	payload := []byte("the same bytes on every replica")
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := gate.Sink(k)
			for rest := payload; len(rest) > 0; {
				n := min(1+rand.IntN(4), len(rest))
				_, _ = sink.Write(rest[:n])
				rest = rest[n:]
			}
			gate.Complete(k)
		}()
	}

	data, err := gate.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	wg.Wait()
}
