package replicax_test

import (
	"context"
	"fmt"

	"github.com/gostratum/replicax"
	"github.com/gostratum/replicax/internal/testutil"
)

// Example demonstrates the default configuration. In real apps the
// configuration is loaded from viper through replicax.Module().
func ExampleDefaultConfig() {
	cfg := replicax.DefaultConfig()

	fmt.Println(cfg.ReadPolicy, cfg.QuorumTimeout, cfg.BucketSeparator)

	// Output:
	// first_k 30s .
}

func ExampleClient_Upload() {
	ctx := context.Background()
	cfg := testutil.NewTestConfig(3)

	client, err := replicax.NewClient(ctx, cfg,
		replicax.WithFactories(testutil.NewMockFactory(replicax.KindFilesystem)))
	if err != nil {
		panic(err)
	}
	defer client.Close()

	if err := client.Create(ctx, "photos"); err != nil {
		panic(err)
	}

	if _, err := client.Upload(ctx, "photos", "cat.jpg", []byte("meow")); err != nil {
		panic(err)
	}

	// return the second copy to arrive
	data, err := client.Download(ctx, "photos", "cat.jpg", replicax.WithQuorum(2))
	if err != nil {
		panic(err)
	}
	fmt.Println(string(data))

	// Output:
	// meow
}

func ExampleRegionNamer() {
	namer := replicax.NewRegionNamer(".")
	region := replicax.MustRegion(replicax.KindS3, "eu-west-1")

	name := namer.Qualify(region, "photos")
	bucket, _ := namer.Strip(region, name)
	fmt.Println(name, bucket)

	// Output:
	// eu-west-1.photos photos
}
