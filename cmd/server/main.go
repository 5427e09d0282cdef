package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/roomsignal/internal/adapters/auth"
	router "github.com/dkeye/roomsignal/internal/adapters/http"
	"github.com/dkeye/roomsignal/internal/adapters/pubsub"
	"github.com/dkeye/roomsignal/internal/adapters/rtc"
	"github.com/dkeye/roomsignal/internal/app"
	"github.com/dkeye/roomsignal/internal/app/orch"
	"github.com/dkeye/roomsignal/internal/config"
	"github.com/dkeye/roomsignal/internal/core"
)

func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console output until the config says otherwise.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	engine, err := rtc.NewEngine(rtc.Config{
		ICEServers: cfg.Media.ICEServers,
		UDPPortMin: cfg.Media.UDPPortMin,
		UDPPortMax: cfg.Media.UDPPortMax,
		Logger:     rtc.NewLoggerFactory(log.Logger),
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	defer engine.Close()

	policy, err := app.ParsePolicy(cfg.Signal.SlowPolicy)
	if err != nil {
		return err
	}
	validator := auth.NewJWTValidator(cfg.Auth.Secret, cfg.Auth.Issuer)

	g, gctx := errgroup.WithContext(ctx)

	var mirror core.EventMirror
	if cfg.PubSub.Driver == "redis" {
		client, err := pubsub.NewRedisClient(ctx, pubsub.RedisConfig{
			Address:  cfg.PubSub.Redis.Address,
			Password: cfg.PubSub.Redis.Password,
			DB:       cfg.PubSub.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		m := pubsub.NewRedisMirror(client, cfg.PubSub.Channel, cfg.PubSub.Buffer)
		mirror = m
		g.Go(func() error { return m.Run(gctx) })
	}

	o := orch.New(orch.Options{
		Engine:       engine,
		Validator:    validator,
		Limiter:      app.NewRateLimiter(cfg.Auth.MaxAttempts, cfg.Auth.AttemptWindow),
		Policy:       policy,
		Mirror:       mirror,
		VideoAllowed: cfg.Room.VideoAllowed,
	})

	var issuer router.TokenIssuer
	if cfg.Mode == "debug" {
		issuer = validator
	}
	r := router.SetupRouter(gctx, cfg, o, issuer)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("RoomSignal server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		o.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
