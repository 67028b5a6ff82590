package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/tree-sync-engine/internal/config"
	"github.com/example/tree-sync-engine/internal/observability"
	"github.com/example/tree-sync-engine/internal/playback"
	"github.com/example/tree-sync-engine/internal/relay"
	"github.com/example/tree-sync-engine/internal/snapshot"
	"github.com/example/tree-sync-engine/internal/storage"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg, config.Needs{Postgres: true, Object: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	if err := resources.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare snapshot bucket")
	}

	editLog := storage.NewEditLog(resources.Postgres)
	if docs, err := editLog.ActiveDocuments(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to list logged documents")
	} else {
		logger.Info().Int("documents", len(docs)).Msg("edit log ready")
	}

	playbackSvc := playback.NewService(editLog, cfg.ObjectBucket, playback.NewObjectLoader(resources.Object), logger, playback.ServiceConfig{})

	rl, err := relay.New(relay.NewJWTAuthenticator([]byte(cfg.JWTSecret)), logger, relay.Config{
		TrunkWindow: cfg.TrunkWindow,
		CacheEdits:  cfg.CatchUpEdits,
	},
		relay.WithEditLog(editLog),
		relay.WithLoader(func(ctx context.Context, doc types.DocumentID) (uint64, []*tree.Node, error) {
			resp, err := playbackSvc.Playback(ctx, playback.Request{Document: doc})
			if err != nil {
				return 0, nil, err
			}
			return resp.Seq, resp.Nodes, nil
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build relay")
	}

	snapshotWorker := snapshot.NewWorker(editLog, rl, resources.Object, cfg.ObjectBucket, logger,
		snapshot.WithInterval(cfg.SnapshotInterval),
		snapshot.WithEditThreshold(cfg.SnapshotEdits),
	)
	snapshotWorker.Start(ctx)
	go checkpointLoop(ctx, editLog, rl, logger, cfg.HealthcheckProbe)

	mux := http.NewServeMux()
	mux.Handle("/ws", rl)
	mux.Handle("/documents/", playback.NewHTTPHandler(playbackSvc, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := resources.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpServer.Shutdown(shutdownCtx)
		rl.Close()
		playbackSvc.Close()
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

// checkpointLoop records how far each hosted document has been sequenced and
// exports the number of logged edits past the checkpoint.
func checkpointLoop(ctx context.Context, editLog *storage.EditLog, rl *relay.Relay, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, docID := range rl.Documents() {
				seq, _, ok := rl.State(docID)
				if !ok || seq == 0 {
					continue
				}
				if err := editLog.RecordCheckpoint(ctx, docID, seq); err != nil {
					logger.Error().Err(err).Str("document", string(docID)).Msg("failed to persist checkpoint")
					continue
				}
				if backlog, err := editLog.CountAfter(ctx, docID, seq); err == nil {
					editLog.RecordBacklog(docID, backlog)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
