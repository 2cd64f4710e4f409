package testutil

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/gostratum/replicax"
)

// TestModule supplies a viper instance holding three filesystem regions and
// a mock filesystem factory, so replicax.Module() starts without any real
// storage.
//
// Example usage:
//
//	app := fxtest.New(t,
//	    testutil.TestModule,
//	    replicax.Module(),
//	    fx.Invoke(func(c *replicax.Client) {
//	        // Use client
//	    }),
//	)
var TestModule = fx.Module("replicax-test",
	fx.Provide(func() *viper.Viper { return NewTestViper(3) }),
	fx.Provide(func() *MockFactory { return NewMockFactory(replicax.KindFilesystem) }),
	replicax.AsFactory(func(f *MockFactory) replicax.Factory { return f }),
)

// NewTestViper returns a viper instance whose "replicax" section matches
// NewTestConfig(n)
func NewTestViper(n int) *viper.Viper {
	v := viper.New()
	regions := make([]map[string]any, n)
	for i := range n {
		regions[i] = map[string]any{"kind": "filesystem", "id": RegionID(i)}
	}
	v.Set("replicax.regions", regions)
	v.Set("replicax.quorum_timeout", "5s")
	v.Set("replicax.straggler_timeout", "10s")
	return v
}

// NewTestConfig creates a configuration with n filesystem regions named
// /replicax-test/node-0 .. node-(n-1), suitable for a MockFactory
func NewTestConfig(n int) *replicax.Config {
	cfg := replicax.DefaultConfig()
	cfg.QuorumTimeout = 5 * time.Second
	cfg.StragglerTimeout = 10 * time.Second
	for i := range n {
		cfg.Regions = append(cfg.Regions, replicax.RegionConfig{
			Kind: "filesystem",
			ID:   RegionID(i),
		})
	}
	return cfg
}

// RegionID returns the id of the i-th test region
func RegionID(i int) string {
	return fmt.Sprintf("/replicax-test/node-%d", i)
}
