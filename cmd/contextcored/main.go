// Command contextcored runs the local-first context enrichment service:
// it watches transcript directories, keeps a vector index of their
// chunks current, and serves enrichment, search, and reindex requests
// over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"contextcore/internal/chunkstore"
	"contextcore/internal/classifier"
	"contextcore/internal/config"
	"contextcore/internal/embedclient"
	"contextcore/internal/embedder"
	"contextcore/internal/httpapi"
	"contextcore/internal/ingest"
	"contextcore/internal/obs"
	"contextcore/internal/observability"
	"contextcore/internal/pipeline"
	"contextcore/internal/search"
	"contextcore/internal/session"
	"contextcore/internal/vectorindex"
)

func main() {
	os.Exit(run())
}

// Exit codes: 0 clean shutdown, 1 fatal configuration or storage error at
// startup, 2 unrecoverable runtime error.
func run() int {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("load configuration")
		return 1
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	shutdownOtel, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOtel = nil
	}
	if shutdownOtel != nil {
		defer func() { _ = shutdownOtel(context.Background()) }()
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	store, err := chunkstore.Open(startupCtx, cfg.Store)
	if err != nil {
		log.Error().Err(err).Msg("open chunk store")
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close chunk store")
		}
	}()

	if err := store.CheckIntegrity(startupCtx); err != nil {
		log.Error().Err(err).Msg("chunk store failed integrity check")
		return 1
	}

	idx := vectorindex.New(store, cfg.Index.StaleAfter, log.Logger)

	embClient := embedclient.New(cfg.Embedding, nil)
	emb := embedder.NewClient(cfg.Embedding, embClient)

	classifierClient := classifier.New(cfg.Classifier, nil)
	sessions := session.New(cfg.Pipeline.SessionBufferSize)
	searchSvc := search.New(store, idx, emb, cfg.Search, log.Logger)

	obsLogger := obs.NewZerologLogger(log.Logger)
	obsMetrics := obs.NewOtelMetrics(cfg.Obs.ServiceName)
	pipe := pipeline.New(searchSvc, classifierClient, sessions, idx, cfg.Pipeline, cfg.Features, cfg.Search.RouteTrims, obsLogger, obsMetrics)

	watchers := map[chunkstore.Source]*ingest.Watcher{
		chunkstore.SourceMemory:     ingest.New(chunkstore.SourceMemory, cfg.Watcher.MemoryDir, store, idx, emb, cfg.Watcher, log.Logger),
		chunkstore.SourceChat:       ingest.New(chunkstore.SourceChat, cfg.Watcher.ChatDir, store, idx, emb, cfg.Watcher, log.Logger),
		chunkstore.SourceChatExport: ingest.New(chunkstore.SourceChatExport, cfg.Watcher.ChatExportDir, store, idx, emb, cfg.Watcher, log.Logger),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var watcherWG sync.WaitGroup
	for _, w := range watchers {
		watcherWG.Add(1)
		go func(w *ingest.Watcher) {
			defer watcherWG.Done()
			ingest.Supervise(ctx, w, log.Logger)
		}(w)
	}

	srv := httpapi.NewServer(pipe, searchSvc, store, idx, emb, watchers, log.Logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("contextcored listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server failed")
		cancel()
		exitCode = 2
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful http shutdown failed")
	}
	watcherWG.Wait()

	return exitCode
}
