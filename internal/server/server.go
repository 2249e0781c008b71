// Package server exposes the HTTP API: post ingestion, cluster inspection
// and the evidence ledger endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/insideout-labs/viraltrace/config"
	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/collab"
	"github.com/insideout-labs/viraltrace/internal/ledger"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
	"github.com/insideout-labs/viraltrace/internal/queue/streams"
	"github.com/insideout-labs/viraltrace/internal/runtime"
	"github.com/insideout-labs/viraltrace/internal/store"
	"github.com/insideout-labs/viraltrace/internal/worker"
)

// Run wires dependencies and starts the API server. It blocks until the
// listener fails.
func Run(cfgPath, addr string) error {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("warn: migrations: %v", err)
	}

	ctx := context.Background()
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
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	if err := streams.EnsureGroup(ctx, rdb, streams.StreamClusterUpdated, cfg.Worker.Group); err != nil {
		return err
	}
	publisher := streams.NewPublisher(rdb)

	engineLogger := log.New(log.Writer(), "[CLUSTER] ", log.LstdFlags)
	engine, err := cluster.NewEngine(cluster.Config{
		Epsilon:        cfg.Cluster.Epsilon,
		MinPts:         cfg.Cluster.MinPts,
		LatenessWindow: cfg.Cluster.LatenessWindow,
		Buckets:        cfg.Cluster.Buckets,
		LSHPlanes:      cfg.Cluster.LSHPlanes,
		EmbeddingDim:   cfg.Cluster.EmbeddingDim,
		LSHSeed:        cfg.Cluster.LSHSeed,
	}, engineLogger)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Collab.Timeout}
	embedder := &collab.RetryingEmbedder{
		Inner:      &collab.HTTPEmbedder{BaseURL: cfg.Collab.EmbedURL, Client: httpClient},
		Retries:    cfg.Collab.EmbedRetries,
		Backoff:    cfg.Collab.EmbedBackoff,
		DeadLetter: &collab.RedisDeadLetter{Client: rdb},
		Logger:     log.New(log.Writer(), "[EMBED] ", log.LstdFlags),
	}
	pki := &collab.HTTPPKI{BaseURL: cfg.Collab.PKIURL, Client: httpClient}
	authorityKeys := collab.StaticAuthorityKeys(cfg.Collab.AuthorityKeys)

	masterKey, err := cfg.Ledger.DecodeMasterKey()
	if err != nil {
		return err
	}
	ldg, err := ledger.New(ledger.Config{
		MasterKey:         masterKey,
		MaxAppendAttempts: cfg.Ledger.MaxAppendAttempts,
	}, st, pki, pki, authorityKeys.AuthorityKey, log.New(log.Writer(), "[LEDGER] ", log.LstdFlags))
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(runtime.EchoAuthMiddleware(secret))

	ph := &PostsHandler{
		Engine:    engine,
		Store:     st,
		Publisher: publisher,
		Embedder:  embedder,
		Dim:       cfg.Cluster.EmbeddingDim,
		Logger:    log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
	ph.Register(protected)

	ch := &ClustersHandler{
		Engine:  engine,
		Store:   st,
		PropCfg: propagation.Config{ParentEpsilon: cfg.Propagation.ParentEpsilon, ExactSim: cfg.Propagation.ExactSim, ParaphraseSim: cfg.Propagation.ParaphraseSim},
	}
	ch.Register(protected)

	eh := &EvidenceHandler{
		Ledger:  ldg,
		Engine:  engine,
		PropCfg: ch.PropCfg,
		NetCfg:  network.Config{TrackedPlatforms: cfg.Network.TrackedPlatforms, ScoreCap: cfg.Network.ScoreCap},
	}
	eh.Register(protected)

	tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "viraltrace-api",
		ServiceVersion: "dev",
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tele.Shutdown(context.Background()) }()

	// The analysis worker runs in-process so it sees the live engine state.
	consumer := streams.NewConsumer(rdb, cfg.Worker.Group, cfg.Worker.Name)
	influence := &collab.HTTPInfluence{BaseURL: cfg.Collab.InfluenceURL, Client: httpClient}
	processor := worker.NewProcessor(
		log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
		engine, st, consumer, influence,
		ch.PropCfg,
		eh.NetCfg,
		cfg.Worker.Debounce, meter, tracer,
	)
	go func() {
		if err := processor.Start(ctx); err != nil {
			baseLogger.Printf("worker processor exited: %v", err)
		}
	}()

	// Promote expired held posts to singleton clusters on a fixed cadence.
	// Promoted posts were never persisted while held, so the flush is also
	// their first write to the posts table.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			for _, a := range engine.FlushExpired(time.Now()) {
				if snap, ok := engine.Snapshot(a.ClusterID); ok {
					ph.PersistMaterialized(ctx, snap)
					if _, err := publisher.PublishClusterUpdated(ctx, streams.ClusterUpdated{ClusterID: snap.ID, Generation: snap.Generation}); err != nil {
						baseLogger.Printf("warn: publish flush update: %v", err)
					}
				}
			}
		}
	}()

	if addr == "" {
		addr = cfg.General.Listen
	}
	baseLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}
