package replicax_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gostratum/replicax"
	"github.com/gostratum/replicax/internal/testutil"
)

// newTestClient builds a client over n mock filesystem backends. Backends
// registered on the returned factory with Use before the call are picked up.
func newTestClient(t *testing.T, cfg *replicax.Config, factory *testutil.MockFactory, opts ...replicax.Option) *replicax.Client {
	t.Helper()
	opts = append([]replicax.Option{replicax.WithFactories(factory)}, opts...)
	client, err := replicax.NewClient(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func qualified(i int, bucket string) string {
	return replicax.MustRegion(replicax.KindFilesystem, testutil.RegionID(i)).Namespace() + "." + bucket
}

func TestClientUploadDownload(t *testing.T) {
	ctx := context.Background()
	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	client := newTestClient(t, testutil.NewTestConfig(3), factory)

	require.NoError(t, client.Create(ctx, "photos"))

	payload := []byte("replicated payload")
	got, err := client.Upload(ctx, "photos", "cat.jpg", payload)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	data, err := client.Download(ctx, "photos", "cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	require.NoError(t, client.Close())
	for i := range 3 {
		stored, ok := factory.Backend(testutil.RegionID(i)).Object(qualified(i, "photos"), "cat.jpg")
		require.True(t, ok, "backend %d", i)
		assert.Equal(t, payload, stored)
	}
}

func TestClientQuorumBounds(t *testing.T) {
	ctx := context.Background()

	t.Run("quorum above backend count", func(t *testing.T) {
		factory := testutil.NewMockFactory(replicax.KindFilesystem)
		client := newTestClient(t, testutil.NewTestConfig(3), factory)

		_, err := client.Upload(ctx, "photos", "a", []byte("x"), replicax.WithQuorum(4))
		assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)

		_, err = client.Download(ctx, "photos", "a", replicax.WithQuorum(4))
		assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)

		for i := range 3 {
			b := factory.Backend(testutil.RegionID(i))
			assert.Zero(t, b.Uploads(), "no task may start")
			assert.Zero(t, b.Downloads(), "no task may start")
		}
	})

	t.Run("no backends", func(t *testing.T) {
		factory := testutil.NewMockFactory(replicax.KindFilesystem)
		client := newTestClient(t, testutil.NewTestConfig(0), factory)
		assert.Empty(t, client.Backends())

		_, err := client.Upload(ctx, "photos", "a", []byte("x"))
		assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)

		_, err = client.Download(ctx, "photos", "a", replicax.WithPolicy(replicax.PolicyVerify))
		assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)
	})

	t.Run("negative quorum waits for one", func(t *testing.T) {
		hold := make(chan struct{})
		factory := testutil.NewMockFactory(replicax.KindFilesystem)
		for i := 1; i < 3; i++ {
			b := testutil.NewMockBackend()
			b.Hold = hold
			factory.Use(testutil.RegionID(i), b)
		}
		client := newTestClient(t, testutil.NewTestConfig(3), factory)
		require.NoError(t, client.Create(ctx, "photos"))

		_, err := client.Upload(ctx, "photos", "a", []byte("x"), replicax.WithQuorum(-3))
		require.NoError(t, err)
		close(hold)
	})
}

func TestClientInvalidRegionFailsConstruction(t *testing.T) {
	fsFactory := testutil.NewMockFactory(replicax.KindFilesystem)
	s3Factory := testutil.NewMockFactory(replicax.KindS3)

	cfg := testutil.NewTestConfig(1)
	cfg.Regions = append(cfg.Regions, replicax.RegionConfig{Kind: "s3", ID: "not a region"})

	_, err := replicax.NewClient(context.Background(), cfg, replicax.WithFactories(fsFactory, s3Factory))
	require.Error(t, err)
	assert.ErrorIs(t, err, replicax.ErrInvalidRegion)

	var rerr *replicax.RegionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, replicax.KindS3, rerr.Kind)

	assert.Zero(t, fsFactory.Calls(), "no factory runs before every region parsed")
	assert.Zero(t, s3Factory.Calls())
}

func TestClientSkipsIllegalAndUnsupportedRegions(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fsFactory := testutil.NewMockFactory(replicax.KindFilesystem)
	s3Factory := testutil.NewMockFactory(replicax.KindS3)

	cfg := testutil.NewTestConfig(2)
	cfg.Regions = append(cfg.Regions,
		replicax.RegionConfig{Kind: "s3", ID: "eu-west-1"},
		replicax.RegionConfig{Kind: "s3", ID: "xx-nowhere-9"},
		replicax.RegionConfig{Kind: "remote", ID: "8080.node"},
		replicax.RegionConfig{Kind: "tape", ID: "drive-0"},
	)

	client := newTestClient(t, cfg, fsFactory, replicax.WithFactories(s3Factory), replicax.WithLogger(zap.New(core)))

	backends := client.Backends()
	require.Len(t, backends, 3)
	assert.Equal(t, "eu-west-1", backends[2].Region.ID)

	skipped := client.Skipped()
	require.Len(t, skipped, 3)
	assert.ErrorIs(t, skipped[0].Err, replicax.ErrInvalidRegion)
	assert.ErrorIs(t, skipped[1].Err, replicax.ErrUnsupportedBackendKind)
	assert.ErrorIs(t, skipped[2].Err, replicax.ErrUnsupportedBackendKind)

	assert.Equal(t, 1, s3Factory.Calls(), "illegal region never reaches the factory")
	assert.Equal(t, 3, logs.FilterMessage("Skipping region").Len())
}

func TestClientDeduplicatesRegions(t *testing.T) {
	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	cfg := testutil.NewTestConfig(2)
	cfg.Regions = append(cfg.Regions,
		replicax.RegionConfig{Kind: "filesystem", ID: testutil.RegionID(0)},
		replicax.RegionConfig{Kind: "filesystem", ID: testutil.RegionID(0) + "/"},
	)

	client := newTestClient(t, cfg, factory)

	assert.Len(t, client.Backends(), 2)
	assert.Equal(t, 2, factory.Calls())
}

func TestClientCreateDeleteCollectFailures(t *testing.T) {
	ctx := context.Background()
	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	broken := testutil.NewMockBackend()
	broken.FailCreate = errors.New("disk full")
	factory.Use(testutil.RegionID(1), broken)

	client := newTestClient(t, testutil.NewTestConfig(3), factory)

	err := client.Create(ctx, "photos")
	require.Error(t, err)
	assert.ErrorIs(t, err, replicax.ErrBackendOperationFailed)

	var ferr *replicax.FanoutError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 3, ferr.Total)
	require.Len(t, ferr.Failures, 1)
	assert.Equal(t, testutil.RegionID(1), ferr.Failures[0].Backend.ID)

	assert.True(t, factory.Backend(testutil.RegionID(0)).HasBucket(qualified(0, "photos")))
	assert.True(t, factory.Backend(testutil.RegionID(2)).HasBucket(qualified(2, "photos")))

	// the bucket is missing on the broken backend, so delete reports not found there
	err = client.Delete(ctx, "photos")
	require.Error(t, err)
	assert.True(t, replicax.IsNotFound(err))
	require.ErrorAs(t, err, &ferr)
	assert.Len(t, ferr.Failures, 1)
	assert.False(t, factory.Backend(testutil.RegionID(0)).HasBucket(qualified(0, "photos")))
}

func TestClientCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, testutil.NewTestConfig(2), testutil.NewMockFactory(replicax.KindFilesystem))

	require.NoError(t, client.Create(ctx, "photos"))
	require.NoError(t, client.Create(ctx, "photos"))
}

func TestClientList(t *testing.T) {
	ctx := context.Background()
	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	failing := testutil.NewMockBackend()
	failing.FailList = errors.New("permission denied")
	factory.Use(testutil.RegionID(1), failing)

	client := newTestClient(t, testutil.NewTestConfig(3), factory)
	require.NoError(t, client.Create(ctx, "alpha"))
	require.NoError(t, client.Create(ctx, "beta"))

	var (
		buckets []replicax.BucketDescriptor
		errs    []error
	)
	for desc, err := range client.List(ctx) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		buckets = append(buckets, desc)
	}

	require.Len(t, errs, 1)
	var berr *replicax.BackendError
	require.ErrorAs(t, errs[0], &berr)
	assert.Equal(t, testutil.RegionID(1), berr.Backend.ID)

	require.Len(t, buckets, 4)
	assert.Equal(t, "alpha", buckets[0].Bucket)
	assert.Equal(t, qualified(0, "alpha"), buckets[0].Name)
	assert.Equal(t, testutil.RegionID(0), buckets[0].Backend.ID)
	assert.Equal(t, "beta", buckets[3].Bucket)
	assert.Equal(t, testutil.RegionID(2), buckets[3].Backend.ID)
}

func TestClientListStopsEarly(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, testutil.NewTestConfig(3), testutil.NewMockFactory(replicax.KindFilesystem))
	require.NoError(t, client.Create(ctx, "alpha"))

	seen := 0
	for range client.List(ctx) {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestClientDeleteAll(t *testing.T) {
	ctx := context.Background()
	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	client := newTestClient(t, testutil.NewTestConfig(2), factory)

	require.NoError(t, client.Create(ctx, "alpha"))
	require.NoError(t, client.Create(ctx, "beta"))
	require.NoError(t, client.DeleteAll(ctx))

	for range client.List(ctx) {
		t.Fatal("no bucket should remain")
	}
}

func TestClientUploadReturnsAtQuorum(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	core, logs := observer.New(zapcore.DebugLevel)
	hold := make(chan struct{})

	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	for i := 1; i < 3; i++ {
		b := testutil.NewMockBackend()
		b.Hold = hold
		factory.Use(testutil.RegionID(i), b)
	}
	client := newTestClient(t, testutil.NewTestConfig(3), factory, replicax.WithLogger(zap.New(core)))
	require.NoError(t, client.Create(ctx, "photos"))

	var released int
	payload := []byte("fast path")
	got, err := client.Upload(ctx, "photos", "k", payload,
		replicax.WithQuorum(1),
		replicax.WithReleaseHook(func(completed int) { released = completed }),
	)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, released)

	// the remaining backends keep running after the caller moved on
	cancel()
	close(hold)
	require.NoError(t, client.Close())

	for i := range 3 {
		stored, ok := factory.Backend(testutil.RegionID(i)).Object(qualified(i, "photos"), "k")
		require.True(t, ok, "backend %d", i)
		assert.Equal(t, payload, stored)
	}
	assert.Equal(t, 2, logs.FilterMessage("Discarding straggler result").Len())
}

func TestClientUploadTimeout(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)

	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	for i := range 2 {
		b := testutil.NewMockBackend()
		b.Hold = hold
		factory.Use(testutil.RegionID(i), b)
	}
	client := newTestClient(t, testutil.NewTestConfig(2), factory)
	require.NoError(t, client.Create(context.Background(), "photos"))

	start := time.Now()
	_, err := client.Upload(context.Background(), "photos", "k", []byte("slow"), replicax.WithTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, replicax.ErrQuorumTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, replicax.IsQuorumFailure(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	var qerr *replicax.QuorumError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "upload", qerr.Op)
	assert.Equal(t, 2, qerr.Required)
	assert.Zero(t, qerr.Completed)
}

func TestClientUploadFailuresMakeQuorumUnreachable(t *testing.T) {
	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	for i := 1; i < 3; i++ {
		b := testutil.NewMockBackend()
		b.FailUpload = errors.New("connection reset")
		factory.Use(testutil.RegionID(i), b)
	}
	client := newTestClient(t, testutil.NewTestConfig(3), factory)
	require.NoError(t, client.Create(context.Background(), "photos"))

	_, err := client.Upload(context.Background(), "photos", "k", []byte("x"), replicax.WithQuorum(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)
	assert.ErrorIs(t, err, replicax.ErrBackendOperationFailed)

	var qerr *replicax.QuorumError
	require.ErrorAs(t, err, &qerr)
	assert.Len(t, qerr.Failures, 2)
}

// lazyBackend acknowledges uploads without reading the payload
type lazyBackend struct {
	*testutil.MockBackend
}

func (lazyBackend) Upload(context.Context, string, string, io.Reader) error { return nil }

func TestClientUploadRequiresDrainedPayload(t *testing.T) {
	factory := replicax.FactoryFunc(replicax.KindFilesystem, func(_ context.Context, region replicax.Region) (replicax.Backend, error) {
		b := testutil.NewMockBackend()
		if region.ID == testutil.RegionID(0) {
			return lazyBackend{b}, nil
		}
		return b, nil
	})

	client, err := replicax.NewClient(context.Background(), testutil.NewTestConfig(2), replicax.WithFactories(factory))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Create(context.Background(), "photos"))

	_, err = client.Upload(context.Background(), "photos", "k", []byte("x"))
	assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)

	_, err = client.Upload(context.Background(), "photos", "k", []byte("x"), replicax.WithQuorum(1))
	assert.NoError(t, err)
}

func TestClientDownloadPolicies(t *testing.T) {
	ctx := context.Background()

	withContent := func(contents ...string) *testutil.MockFactory {
		factory := testutil.NewMockFactory(replicax.KindFilesystem)
		for i, c := range contents {
			b := testutil.NewMockBackend()
			b.Content = []byte(c)
			factory.Use(testutil.RegionID(i), b)
		}
		return factory
	}

	t.Run("verify detects divergence", func(t *testing.T) {
		client := newTestClient(t, testutil.NewTestConfig(3), withContent("A", "A", "B"))
		_, err := client.Download(ctx, "photos", "k", replicax.WithPolicy(replicax.PolicyVerify))
		assert.ErrorIs(t, err, replicax.ErrDownloadMismatch)
	})

	t.Run("verify accepts identical copies", func(t *testing.T) {
		client := newTestClient(t, testutil.NewTestConfig(3), withContent("A", "A", "A"))
		data, err := client.Download(ctx, "photos", "k", replicax.WithPolicy(replicax.PolicyVerify))
		require.NoError(t, err)
		assert.Equal(t, "A", string(data))
	})

	t.Run("consensus picks majority", func(t *testing.T) {
		client := newTestClient(t, testutil.NewTestConfig(3), withContent("B", "A", "A"))
		data, err := client.Download(ctx, "photos", "k", replicax.WithPolicy(replicax.PolicyConsensus))
		require.NoError(t, err)
		assert.Equal(t, "A", string(data))
	})

	t.Run("configured policy applies by default", func(t *testing.T) {
		cfg := testutil.NewTestConfig(3)
		cfg.ReadPolicy = "consensus"
		client := newTestClient(t, cfg, withContent("A", "B", "B"))
		data, err := client.Download(ctx, "photos", "k")
		require.NoError(t, err)
		assert.Equal(t, "B", string(data))
	})

	t.Run("first_k tolerates failed backends", func(t *testing.T) {
		factory := withContent("A", "A", "A")
		factory.Backend(testutil.RegionID(2)).FailDownload = errors.New("timeout")
		client := newTestClient(t, testutil.NewTestConfig(3), factory)
		data, err := client.Download(ctx, "photos", "k", replicax.WithQuorum(2))
		require.NoError(t, err)
		assert.Equal(t, "A", string(data))
	})

	t.Run("missing object everywhere", func(t *testing.T) {
		client := newTestClient(t, testutil.NewTestConfig(2), testutil.NewMockFactory(replicax.KindFilesystem))
		_, err := client.Download(ctx, "photos", "nope", replicax.WithQuorum(1))
		require.Error(t, err)
		assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)
		assert.True(t, replicax.IsNotFound(err))
	})
}

func TestClientRejectsBadNames(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, testutil.NewTestConfig(1), testutil.NewMockFactory(replicax.KindFilesystem))

	assert.ErrorIs(t, client.Create(ctx, "Bad_Bucket"), replicax.ErrInvalidConfig)
	_, err := client.Upload(ctx, "photos", "", []byte("x"))
	assert.ErrorIs(t, err, replicax.ErrInvalidConfig)
	_, err = client.Download(ctx, "photos", "../etc/passwd")
	assert.ErrorIs(t, err, replicax.ErrInvalidConfig)
}

func TestClientUploadMissingBucketFails(t *testing.T) {
	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	client := newTestClient(t, testutil.NewTestConfig(2), factory)

	_, err := client.Upload(context.Background(), "nobucket", "k", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, replicax.ErrQuorumUnreachable)
	assert.True(t, replicax.IsNotFound(err))

	for i := range 2 {
		_, ok := factory.Backend(testutil.RegionID(i)).Object(qualified(i, "nobucket"), "k")
		assert.False(t, ok, "backend %d", i)
	}
}

func TestClientRejectsCallsAfterClose(t *testing.T) {
	ctx := context.Background()
	factory := testutil.NewMockFactory(replicax.KindFilesystem)
	client := newTestClient(t, testutil.NewTestConfig(2), factory)
	require.NoError(t, client.Create(ctx, "photos"))

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "closing twice is a no-op")

	_, err := client.Upload(ctx, "photos", "k", []byte("x"))
	assert.ErrorIs(t, err, replicax.ErrClosed)
	_, err = client.Download(ctx, "photos", "k")
	assert.ErrorIs(t, err, replicax.ErrClosed)
	assert.ErrorIs(t, client.Create(ctx, "other"), replicax.ErrClosed)
	assert.ErrorIs(t, client.Delete(ctx, "photos"), replicax.ErrClosed)
	assert.ErrorIs(t, client.DeleteAll(ctx), replicax.ErrClosed)

	var listErrs []error
	for _, err := range client.List(ctx) {
		listErrs = append(listErrs, err)
	}
	require.Len(t, listErrs, 1)
	assert.ErrorIs(t, listErrs[0], replicax.ErrClosed)

	for i := range 2 {
		b := factory.Backend(testutil.RegionID(i))
		assert.True(t, b.Closed())
		assert.Zero(t, b.Uploads(), "no task may start after Close")
		assert.Zero(t, b.Downloads(), "no task may start after Close")
	}
}

func TestClientCloseDuringUploads(t *testing.T) {
	const (
		rounds  = 50
		callers = 4
	)

	for range rounds {
		factory := testutil.NewMockFactory(replicax.KindFilesystem)
		client := newTestClient(t, testutil.NewTestConfig(3), factory)
		require.NoError(t, client.Create(context.Background(), "photos"))

		errs := make(chan error, callers)
		var wg sync.WaitGroup
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := client.Upload(context.Background(), "photos", fmt.Sprintf("k%d", i), []byte("x"), replicax.WithQuorum(1))
				errs <- err
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = client.Close()
		}()
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, replicax.ErrClosed)
			}
		}
		for i := range 3 {
			assert.True(t, factory.Backend(testutil.RegionID(i)).Closed())
		}
	}
}

func TestClientLogsQuorumLatency(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)-1) * 250 * time.Millisecond)
	}

	client := newTestClient(t, testutil.NewTestConfig(2), testutil.NewMockFactory(replicax.KindFilesystem),
		replicax.WithLogger(zap.New(core)),
		replicax.WithClock(clock),
	)
	require.NoError(t, client.Create(context.Background(), "photos"))

	_, err := client.Upload(context.Background(), "photos", "k", []byte("x"))
	require.NoError(t, err)

	entries := logs.FilterMessage("Quorum reached").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "upload", fields["operation"])
	assert.Equal(t, int64(2), fields["completed"])
	assert.Equal(t, 250*time.Millisecond, fields["elapsed"])
}
