package replicax_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
	"github.com/gostratum/replicax/internal/testutil"
)

func TestModuleLifecycleProvidesClient(t *testing.T) {
	var (
		client  *replicax.Client
		factory *testutil.MockFactory
	)

	app := fxtest.New(t,
		testutil.TestModule,
		replicax.Module(),
		fx.Provide(func() *zap.Logger { return zap.NewNop() }),
		fx.Populate(&client, &factory),
	)
	app.RequireStart()

	require.NotNil(t, client)
	assert.Len(t, client.Backends(), 3)

	ctx := context.Background()
	require.NoError(t, client.Create(ctx, "photos"))
	_, err := client.Upload(ctx, "photos", "k", []byte("v"))
	require.NoError(t, err)

	app.RequireStop()

	for i := range 3 {
		assert.True(t, factory.Backend(testutil.RegionID(i)).Closed(), "backend %d closed on stop", i)
	}
}

func TestModuleFailsOnInvalidRegion(t *testing.T) {
	app := fx.New(
		fx.NopLogger,
		fx.Provide(func() *replicax.Config {
			cfg := testutil.NewTestConfig(1)
			cfg.Regions = append(cfg.Regions, replicax.RegionConfig{Kind: "remote", ID: "no-port"})
			return cfg
		}),
		fx.Provide(replicax.NewObservabilityInstrumenter, replicax.NewClientFromParams),
		replicax.WithFactory(testutil.NewMockFactory(replicax.KindFilesystem)),
		fx.Invoke(func(*replicax.Client) {}),
	)

	err := app.Err()
	require.Error(t, err)
	assert.ErrorContains(t, err, "no-port")
}
