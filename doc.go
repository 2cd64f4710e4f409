// Package replicax is a replication gateway: one bucket/object API whose
// writes and reads fan out across any number of independently owned
// storage backends (S3 regions, local filesystems, remote replicax nodes).
//
// Every upload and download runs one task per backend and returns as soon
// as a quorum of K backends has finished. Uploads count a backend once it
// has drained its read cursor. Downloads pick the result by policy:
// first_k, verify or consensus. Backends still running after the caller
// was released are stragglers; their results are logged and discarded.
//
// Concrete backends live in the adapter packages and are registered per
// kind through a Factory:
//
//	client, err := replicax.NewClient(ctx, cfg,
//	    replicax.WithFactories(fs.NewFactory(cfg, logger), s3.NewFactory(cfg, logger)),
//	    replicax.WithLogger(logger),
//	)
//	payload, err := client.Upload(ctx, "photos", "cat.jpg", data, replicax.WithQuorum(2))
package replicax
