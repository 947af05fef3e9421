// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/history"
	"github.com/nishisan-dev/n-stream/internal/pool"
	"github.com/nishisan-dev/n-stream/internal/registry"
	"github.com/nishisan-dev/n-stream/internal/stream"
	"github.com/nishisan-dev/n-stream/internal/token"
	"github.com/nishisan-dev/n-stream/internal/upstream"
)

// Gateway agrega as dependências dos handlers HTTP.
type Gateway struct {
	cfg     *config.GatewayConfig
	logger  *slog.Logger
	pool    *pool.SessionPool
	cache   *stream.FileCache
	reg     *registry.Registry
	tokens  *token.Store
	hist    *history.Store
	codec   *IDCodec
	monitor *SystemMonitor
}

// New monta o gateway com dependências já construídas. Run é o caminho de
// produção; New existe para os testes injetarem fakes.
func New(cfg *config.GatewayConfig, logger *slog.Logger, p *pool.SessionPool,
	cache *stream.FileCache, reg *registry.Registry, tokens *token.Store,
	hist *history.Store, codec *IDCodec, monitor *SystemMonitor) *Gateway {
	return &Gateway{
		cfg:     cfg,
		logger:  logger,
		pool:    p,
		cache:   cache,
		reg:     reg,
		tokens:  tokens,
		hist:    hist,
		codec:   codec,
		monitor: monitor,
	}
}

// Routes constrói o mux do gateway. Os endpoints JSON saem comprimidos;
// o corpo dos streams nunca (já é mídia, e Content-Length deve ser exato).
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /dl/{token}/{id}/{name}", g.handleDownload)
	mux.HandleFunc("HEAD /dl/{token}/{id}/{name}", g.handleDownload)

	mux.Handle("GET /stream/stats", gzhttp.GzipHandler(http.HandlerFunc(g.handleStats)))
	mux.HandleFunc("GET /stream/stats/{stream_id}", g.handleStreamDetail)
	mux.Handle("GET /stream/history", gzhttp.GzipHandler(http.HandlerFunc(g.handleStreamHistory)))

	mux.HandleFunc("GET /api/health", g.handleHealth)

	if !g.cfg.Server.HideCatalog {
		mux.HandleFunc("GET /api/playback/{token}/{id}/{name}", g.handlePlayback)
	}

	return mux
}

// Run sobe o gateway completo: conecta os clients upstream, monta a pool e
// os stores, agenda os jobs periódicos e serve HTTP até o ctx cancelar.
func Run(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) error {
	codec, err := NewIDCodec(cfg.Secret)
	if err != nil {
		return err
	}

	ups := make([]upstream.Client, 0, len(cfg.Clients))
	homeDCs := make([]int, 0, len(cfg.Clients))
	tgClients := make([]*upstream.TelegramClient, 0, len(cfg.Clients))
	for _, entry := range cfg.Clients {
		tc := upstream.NewTelegramClient(upstream.TelegramOptions{
			Name:        entry.Name,
			SessionFile: entry.SessionFile,
			APIID:       cfg.Telegram.APIID,
			APIHash:     cfg.Telegram.APIHash,
			Logger:      logger,
		})
		if err := tc.Connect(ctx); err != nil {
			for _, c := range tgClients {
				c.Close()
			}
			return fmt.Errorf("connecting client %s: %w", entry.Name, err)
		}
		tgClients = append(tgClients, tc)
		ups = append(ups, tc)
		homeDCs = append(homeDCs, entry.DC)
	}
	defer func() {
		for _, c := range tgClients {
			c.Close()
		}
	}()

	sessionPool := pool.NewSessionPool(ups, homeDCs, logger)
	defer sessionPool.Close()
	sessionPool.Prewarm(ctx)

	tokens, err := token.NewStore(cfg.Tokens.File, cfg.Tokens.MaxLines)
	if err != nil {
		return err
	}
	defer tokens.Close()

	var uploader history.Uploader
	if cfg.History.S3.Enabled() {
		s3up, err := history.NewS3Uploader(ctx, cfg.History.S3.Bucket, cfg.History.S3.Prefix, cfg.History.S3.Region)
		if err != nil {
			return err
		}
		uploader = s3up
	}
	hist, err := history.NewStore(cfg.History.File, cfg.History.MaxLines, cfg.History.ArchiveDir, uploader, logger)
	if err != nil {
		return err
	}
	defer hist.Close()

	cache := stream.NewFileCache()
	reg := registry.New()

	monitor := NewSystemMonitor(logger)
	monitor.Start()
	defer monitor.Stop()

	g := New(cfg, logger, sessionPool, cache, reg, tokens, hist, codec, monitor)

	jobs := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	jobs.AddFunc("@every 30m", func() {
		logger.Debug("clearing file property cache", "entries", cache.Len())
		cache.Clear()
	})
	jobs.AddFunc("@midnight", tokens.Rollover)
	jobs.Start()
	defer func() {
		stopCtx := jobs.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			logger.Warn("scheduler stop timed out")
		}
	}()

	server := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: g.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.Listen, "clients", len(ups))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}
