package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tally/internal/aggregate"
	"tally/internal/auth"
	"tally/internal/backend"
	"tally/internal/cli"
	"tally/internal/config"
	"tally/internal/core"
	"tally/internal/engine"
	"tally/internal/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tally:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := cli.LoadEnvFile(); err != nil {
		return err
	}
	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		return err
	}
	logger := cli.SetupLogger(cfg)
	logger.Info("Starting tally",
		log.NewFields().WithOperation(log.OpStartup).ToSlice()...)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	res, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend).Slog()).
		CreateBackend(context.Background(), backendCfg)
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}

	authLogger := logger.WithComponent(log.ComponentAuth)
	session := auth.NewSession(newAuthenticator(cfg), authLogger.Slog())

	eng := engine.New(res.Gateway,
		engine.WithLogger(logger),
		engine.WithQueueSize(cfg.EventQueueSize),
		engine.WithAggregateOptions(aggregate.Options{
			WeekStart:          cfg.WeekStartDay(),
			StreakLookbackDays: cfg.StreakLookbackDays,
		}),
	)

	identities, stopWatch := session.Watch()

	var once sync.Once
	shutdown := func(ctx context.Context) {
		once.Do(func() {
			logger.Info("Shutting down", log.NewFields().WithOperation(log.OpShutdown).ToSlice()...)
			stopWatch()
			if err := eng.Close(); err != nil {
				logger.Error("Engine close failed", log.FieldError, err)
			}
			if err := session.SignOut(ctx); err != nil {
				authLogger.Warn("Sign-out failed", log.FieldError, err)
			}
			session.Close()
			if res.Cleanup != nil {
				if err := res.Cleanup(); err != nil {
					logger.Error("Backend cleanup failed", log.FieldError, err)
				}
			}
		})
	}

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return eng.Follow(gctx, identities)
	})
	g.Go(func() error {
		return reportSummaries(gctx, eng, logger, cfg.SummaryInterval)
	})
	g.Go(func() error {
		if _, err := session.SignIn(gctx, signInName(cfg), cfg.AuthPassword); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		return nil
	})

	logger.Info("Tally running", "backend", res.Kind, "auth", cfg.AuthBackend)

	err = g.Wait()
	if ctx.Err() == nil {
		// Stopped without a signal: something failed on its own.
		shutdown(context.Background())
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	cli.WaitForShutdown(ctx, done)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAuthenticator(cfg *config.Config) auth.Authenticator {
	if cfg.AuthBackend == "supabase" {
		return auth.NewSupabase(auth.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			PublishableKey: cfg.SupabasePublishableKey,
			AuthTimeout:    cfg.SupabaseAuthTimeout,
			EmailDomain:    cfg.SupabaseEmailDomain,
		})
	}
	return auth.Static{
		UserID:   cfg.AuthUserID,
		Username: cfg.AuthUsername,
		Password: cfg.AuthPassword,
		Domain:   cfg.SupabaseEmailDomain,
	}
}

func signInName(cfg *config.Config) string {
	if cfg.AuthUsername != "" {
		return cfg.AuthUsername
	}
	return cfg.AuthUserID
}

// reportSummaries logs the mirror's totals and streak every interval.
func reportSummaries(ctx context.Context, eng *engine.Engine, logger *log.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if eng.Owner() == "" {
				continue
			}
			s := eng.Summary(now)
			en := eng.Engagement(now)
			logger.Info("Summary",
				log.FieldOwnerID, eng.Owner(),
				log.FieldCount, en.TotalEntries,
				"today", core.FormatAmount(s.TotalToday),
				"week", core.FormatAmount(s.TotalWeek),
				"month", core.FormatAmount(s.TotalMonth),
				"all", core.FormatAmount(s.TotalAll),
				"streak", en.Streak,
				"level", en.Level,
				"hot_streak", en.HotStreak)
		}
	}
}
