// Command server runs the crisis chat backend: REST API, websocket hub and
// the background scoring pipeline.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-crisis-chat/internal/auth"
	"github.com/tbourn/go-crisis-chat/internal/config"
	"github.com/tbourn/go-crisis-chat/internal/crisis"
	httpapi "github.com/tbourn/go-crisis-chat/internal/http"
	"github.com/tbourn/go-crisis-chat/internal/llm"
	"github.com/tbourn/go-crisis-chat/internal/observability"
	"github.com/tbourn/go-crisis-chat/internal/realtime"
	"github.com/tbourn/go-crisis-chat/internal/repo"
	"github.com/tbourn/go-crisis-chat/internal/services"
	"github.com/tbourn/go-crisis-chat/internal/sysutil"
)

var version = "dev"

// purgeInterval is how often expired idempotency keys are deleted.
const purgeInterval = 10 * time.Minute

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	logger := sysutil.ConfigureLogger(os.Stderr, cfg.LogPretty, sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, "crisis-chat"))
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	db, err := repo.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	backend := llm.New(cfg.LLM, nil)
	detector := crisis.NewDetector(crisis.DefaultLexicon(), crisis.NewJudge(backend, cfg.LLM.JudgeEnabled))
	tokens := auth.NewTokenManager(cfg.Auth)
	if !tokens.Enabled() {
		log.Warn().Msg("JWT_SECRET is empty: all monitor tokens will be rejected")
	}

	convs := services.NewConversationService(db)
	msgs := &services.MessageService{
		DB:              db,
		Detector:        detector,
		Replier:         backend,
		ChatModel:       cfg.LLM.ChatModel,
		Hotline:         cfg.Pipeline.Hotline,
		ContextMessages: cfg.Pipeline.ContextMessages,
		MaxMessageRunes: cfg.Pipeline.MaxMessageRunes,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		Log:             &logger,
	}

	pool := realtime.NewPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, cfg.Pipeline.JobTimeout, &logger)
	hub := realtime.NewHub(convs, msgs, tokens, pool, realtime.WithLogger(&logger))

	r := gin.New()
	ws := httpapi.RegisterRoutes(r, httpapi.Deps{DB: db, Conversations: convs, Hub: hub, Tokens: tokens}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		purgeSubmissions(gctx, db)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		ws.Shutdown()
		pool.Close()
		if oerr := shutdownOTel(sctx); oerr != nil {
			log.Warn().Err(oerr).Msg("otel shutdown")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// purgeSubmissions deletes expired idempotency keys until ctx ends.
func purgeSubmissions(ctx context.Context, db *gorm.DB) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredSubmissions(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge submission keys")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("purged submission keys")
			}
		}
	}
}
