// cmd/api/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/fwippe/orderlens/internal/assets"
	"github.com/fwippe/orderlens/internal/cache"
	"github.com/fwippe/orderlens/internal/config"
	"github.com/fwippe/orderlens/internal/db"
	"github.com/fwippe/orderlens/internal/email"
	"github.com/fwippe/orderlens/internal/http/routes"
	"github.com/fwippe/orderlens/internal/jobs"
	"github.com/fwippe/orderlens/internal/precache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	log.Printf("starting api on :%s", cfg.Port)

	// DB
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("db schema error: %v", err)
	}
	queries := db.New(pool)

	// Provider credentials
	tokens := assets.NewTokenManager(queries, cfg.Assets.ClientID, cfg.Assets.ClientSecret, cfg.Assets.TokenURL, logger)
	if err := tokens.Load(ctx); err != nil {
		log.Fatalf("token load error: %v", err)
	}
	if !tokens.Connected() && cfg.Assets.RefreshToken != "" {
		if err := tokens.SetTokens(ctx, "", cfg.Assets.RefreshToken, time.Unix(0, 0)); err != nil {
			log.Fatalf("token seed error: %v", err)
		}
		logger.Info().Msg("seeded provider refresh token from environment")
	}

	fetcher := assets.NewFetcher(tokens, cfg.Assets.APIBaseURL, cfg.Assets.CDNBaseURL, logger)
	twoTier := cache.NewTwoTier(queries, cfg.Assets.MemoryCacheSize, logger)

	// Mail sender (MailHog in dev unless SMTP_ADDR points elsewhere)
	var sender email.Sender = email.StdoutSender{}
	if cfg.SMTPAddr != "" {
		sender = email.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom)
	}

	job := precache.New(
		precache.OrderLineSource{Q: queries},
		queries,
		fetcher,
		tokens,
		twoTier,
		logger,
		precache.WithAlerts(sender, cfg.AlertEmail),
	)

	// Scheduled precache runs flow through asynq so the daily trigger
	// survives restarts and shows up in the queue tooling. The worker is
	// embedded here because the run has to execute in this process, where
	// the job singleton and its status live.
	asynqSrv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			"assets": 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskPrecacheAssets, func(ctx context.Context, t *asynq.Task) error {
		var p jobs.PrecacheAssetsPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("bad payload: %w", err)
		}
		snap := job.Run(ctx)
		logger.Info().
			Str("trigger", p.Trigger).
			Str("phase", string(snap.Phase)).
			Int("done", snap.Done).
			Int("errors", snap.Errors).
			Msg("scheduled precache finished")
		return nil
	})
	if err := asynqSrv.Start(mux); err != nil {
		log.Fatalf("asynq server error: %v", err)
	}
	defer asynqSrv.Shutdown()

	payload, err := json.Marshal(jobs.PrecacheAssetsPayload{Trigger: "schedule"})
	if err != nil {
		log.Fatalf("schedule payload error: %v", err)
	}
	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := scheduler.Register(
		cfg.PrecacheSchedule,
		asynq.NewTask(jobs.TaskPrecacheAssets, payload),
		asynq.Queue("assets"),
		asynq.MaxRetry(1),
		asynq.Timeout(4*time.Hour),
	); err != nil {
		log.Fatalf("schedule error: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("scheduler error: %v", err)
	}
	defer scheduler.Shutdown()

	// Router / server
	s := routes.New(routes.ServerOptions{
		Cache:   twoTier,
		Fetcher: fetcher,
		Job:     job,
		Tokens:  tokens,
		Cfg:     cfg,
		Log:     logger,
	})
	h := hlog.NewHandler(logger)(s.Router)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: h}
	log.Fatal(srv.ListenAndServe())
}
