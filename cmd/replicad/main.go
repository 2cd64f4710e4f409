// Command replicad runs a remote replicax node: it serves filesystem
// backends over HTTP, one per service tag, for "<port>.<tag>" regions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gostratum/replicax"
	"github.com/gostratum/replicax/adapters/fs"
	"github.com/gostratum/replicax/adapters/remote"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:4000",
		Usage: "address to listen on; the port must match the regions pointing here",
	},
	&cli.StringFlag{
		Name:  "root",
		Value: replicax.FilesystemTemp,
		Usage: "storage root: a directory (one subdirectory per tag), 'temp' or 'memory'",
	},
	&cli.StringSliceFlag{
		Name:  "tag",
		Value: cli.NewStringSlice("LocalR4"),
		Usage: "service tag to serve; repeatable",
	},
	&cli.DurationFlag{
		Name:  "read-timeout",
		Value: time.Minute,
		Usage: "HTTP server read timeout",
	},
	&cli.DurationFlag{
		Name:  "write-timeout",
		Value: time.Minute,
		Usage: "HTTP server write timeout",
	},
	&cli.DurationFlag{
		Name:  "shutdown-timeout",
		Value: 15 * time.Second,
		Usage: "graceful shutdown deadline",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
}

func main() {
	app := &cli.App{
		Name:   "replicad",
		Usage:  "Serve filesystem backends to replicax gateways",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	logger, err := newLogger(cCtx.Bool("log-json"), cCtx.Bool("log-debug"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if cCtx.Bool("log-uid") {
		logger = logger.With(zap.String("uid", uuid.NewString()))
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := remote.NewServer(logger)
	backends, err := mountAll(ctx, server, cCtx.String("root"), cCtx.StringSlice("tag"), logger)
	defer func() {
		if cerr := closeAll(backends); cerr != nil {
			logger.Warn("Failed to close backends", zap.Error(cerr))
		}
	}()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cCtx.String("listen-addr"),
		Handler:      server,
		ReadTimeout:  cCtx.Duration("read-timeout"),
		WriteTimeout: cCtx.Duration("write-timeout"),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting replicad",
			zap.String("listen_addr", srv.Addr),
			zap.Strings("tags", server.Tags()),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cCtx.Duration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("replicad stopped")
	return nil
}

// mountAll creates one filesystem backend per tag below root and mounts it.
// The returned backends need closing even when an error is returned.
func mountAll(ctx context.Context, server *remote.Server, root string, tags []string, logger *zap.Logger) ([]replicax.Backend, error) {
	factory := fs.NewFactory(nil, logger)
	var backends []replicax.Backend
	for _, tag := range tags {
		id := root
		if root != replicax.FilesystemTemp && root != replicax.FilesystemMemory {
			id = filepath.Join(root, tag)
		}
		region, err := replicax.NewRegion(replicax.KindFilesystem, id)
		if err != nil {
			return backends, err
		}
		backend, err := factory.New(ctx, region)
		if err != nil {
			return backends, fmt.Errorf("tag %s: %w", tag, err)
		}
		backends = append(backends, backend)
		if err := server.Mount(tag, backend); err != nil {
			return backends, err
		}
	}
	return backends, nil
}

func closeAll(backends []replicax.Backend) error {
	var err error
	for _, b := range backends {
		if c, ok := b.(interface{ Close() error }); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

func newLogger(json, debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if json {
		cfg = zap.NewProductionConfig()
	}
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
