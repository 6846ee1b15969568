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

	router "github.com/dkeye/Spaces/internal/adapters/http"
	"github.com/dkeye/Spaces/internal/adapters/realtime"
	"github.com/dkeye/Spaces/internal/adapters/rtc"
	sig "github.com/dkeye/Spaces/internal/adapters/signal"
	"github.com/dkeye/Spaces/internal/adapters/store"
	"github.com/dkeye/Spaces/internal/app"
	"github.com/dkeye/Spaces/internal/app/orch"
	"github.com/dkeye/Spaces/internal/config"
	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	backend, rt, pub, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	backend = store.WithEvents(backend, pub)
	policy := app.SimplePolicy{}
	roles := app.NewRoleStore(backend, rt, policy)
	requests := app.NewRequestQueue(backend, backend, roles, rt, policy)
	spaces := app.NewSpaceService(backend, roles, policy)

	hub := sig.NewHub(cfg.Signaling.SendBuffer)
	var transport sig.Transport = hub
	if cfg.Signaling.URL != "" {
		transport = &sig.WSTransport{
			URL:        cfg.Signaling.URL,
			Secret:     cfg.RelaySecret(),
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
		}
	}
	connector := sig.NewConnector(transport, sig.Options{
		SendBuffer:   cfg.Signaling.SendBuffer,
		RateLimit:    cfg.Signaling.RateLimit,
		RateInterval: cfg.Signaling.RateInterval,
		Reconnect: app.ReconnectPolicy{
			Attempts: cfg.Reconnect.Attempts,
			Base:     cfg.Reconnect.Base,
			Max:      cfg.Reconnect.Max,
		},
	})

	media, err := rtc.NewFactory(rtc.Config{
		ICEServers:    cfg.RTC.ICEServers,
		ICEUsername:   cfg.RTC.ICEUsername,
		ICECredential: cfg.RTC.ICECredential,
		UDPPortMin:    cfg.RTC.UDPPortMin,
		UDPPortMax:    cfg.RTC.UDPPortMax,
	})
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	capturer := &rtc.Capturer{}

	reg := router.NewRegistry(func(user domain.UserID) *orch.Session {
		return orch.New(user, orch.Deps{
			Spaces:             spaces,
			Roles:              roles,
			Requests:           requests,
			Signal:             connector,
			Media:              media,
			Capture:            capturer,
			NegotiationTimeout: cfg.RTC.NegotiationTimeout,
		})
	})
	defer reg.Close()

	relay := &sig.Relay{
		Hub:        hub,
		Secret:     cfg.RelaySecret(),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(cfg, reg, relay),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Str("realtime", cfg.Realtime.Driver).Msg("Spaces server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})
	return g.Wait()
}

// openStores picks persistence and row events from config.
func openStores(ctx context.Context, cfg *config.Config) (core.Backend, core.Realtime, core.Publisher, func(), error) {
	var (
		backend core.Backend
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closers = append(closers, pg.Close)
		backend = pg
	default:
		backend = store.NewMemory()
	}

	switch cfg.Realtime.Driver {
	case "redis":
		rd, err := realtime.DialRedis(ctx, cfg.Realtime.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, err
		}
		closers = append(closers, func() {
			if err := rd.Close(); err != nil {
				log.Warn().Str("module", "realtime").Err(err).Msg("redis close")
			}
		})
		return backend, rd, rd, closeAll, nil
	default:
		broker := realtime.NewBroker(0)
		return backend, broker, broker, closeAll, nil
	}
}
