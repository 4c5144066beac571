// cmd/precache/main.go
//
// One-shot precache run for operators and migrations: warms the durable
// asset cache and exits non-zero when the run stopped early.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fwippe/orderlens/internal/assets"
	"github.com/fwippe/orderlens/internal/cache"
	"github.com/fwippe/orderlens/internal/config"
	"github.com/fwippe/orderlens/internal/db"
	"github.com/fwippe/orderlens/internal/email"
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

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

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

	tokens := assets.NewTokenManager(queries, cfg.Assets.ClientID, cfg.Assets.ClientSecret, cfg.Assets.TokenURL, logger)
	if err := tokens.Load(ctx); err != nil {
		log.Fatalf("token load error: %v", err)
	}
	if !tokens.Connected() && cfg.Assets.RefreshToken != "" {
		if err := tokens.SetTokens(ctx, "", cfg.Assets.RefreshToken, time.Unix(0, 0)); err != nil {
			log.Fatalf("token seed error: %v", err)
		}
	}

	fetcher := assets.NewFetcher(tokens, cfg.Assets.APIBaseURL, cfg.Assets.CDNBaseURL, logger)
	twoTier := cache.NewTwoTier(queries, cfg.Assets.MemoryCacheSize, logger)

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

	snap := job.Run(ctx)
	logger.Info().
		Str("phase", string(snap.Phase)).
		Int("total", snap.Total).
		Int("done", snap.Done).
		Int("errors", snap.Errors).
		Msg("precache run finished")

	if snap.Phase != precache.PhaseComplete {
		os.Exit(1)
	}
}
