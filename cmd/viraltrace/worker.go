package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/insideout-labs/viraltrace/config"
	"github.com/insideout-labs/viraltrace/internal/collab"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
	"github.com/insideout-labs/viraltrace/internal/queue/streams"
	"github.com/insideout-labs/viraltrace/internal/runtime"
	"github.com/insideout-labs/viraltrace/internal/store"
	"github.com/insideout-labs/viraltrace/internal/worker"
)

// workerCMD runs a standalone analysis worker against persisted snapshots.
// It shares the consumer group with in-process workers, so any number of
// replicas can drain the stream together.
func workerCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone cluster-analysis worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr(),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			defer func() { _ = rdb.Close() }()

			if err := streams.EnsureGroup(ctx, rdb, streams.StreamClusterUpdated, cfg.Worker.Group); err != nil {
				return err
			}
			consumerName := fmt.Sprintf("%s-%s", cfg.Worker.Name, uuid.NewString()[:8])
			consumer := streams.NewConsumer(rdb, cfg.Worker.Group, consumerName)

			tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName:    "viraltrace-worker",
				ServiceVersion: "dev",
				MetricsPort:    cfg.Telemetry.MetricsPort,
			})
			if err != nil {
				return err
			}
			defer func() { _ = tele.Shutdown(context.Background()) }()

			httpClient := &http.Client{Timeout: cfg.Collab.Timeout}
			influence := &collab.HTTPInfluence{BaseURL: cfg.Collab.InfluenceURL, Client: httpClient}

			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
			processor := worker.NewProcessor(
				logger,
				worker.NewStoreEngine(st), st, consumer, influence,
				propagation.Config{ParentEpsilon: cfg.Propagation.ParentEpsilon, ExactSim: cfg.Propagation.ExactSim, ParaphraseSim: cfg.Propagation.ParaphraseSim},
				network.Config{TrackedPlatforms: cfg.Network.TrackedPlatforms, ScoreCap: cfg.Network.ScoreCap},
				cfg.Worker.Debounce, meter, tracer,
			)
			return processor.Start(ctx)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}
