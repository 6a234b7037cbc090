package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Huddle/internal/adapters/http"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg)
	},
}

func orchConfig(cfg *config.Config) orch.Config {
	return orch.Config{
		DefaultChannel: domain.ChannelID(cfg.DefaultChannel),
		HistoryPage:    cfg.HistoryPage,
		StoreTimeout:   cfg.Store.Timeout,
		RingTimeout:    cfg.Call.RingTimeout,
		MessageLimit:   cfg.Limits.Message.Max,
		MessageWindow:  cfg.Limits.Message.Window,
		ICEServers:     cfg.WebRTCICEServers(),
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Error().Err(err).Str("module", "main").Msg("open store")
		return err
	}
	defer st.Close()

	o := orch.New(st, app.SimplePolicy{}, orchConfig(cfg))
	if err := o.EnsureDefaultChannel(ctx); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("default channel")
		return err
	}
	connects := app.NewFixedWindowLimiter(cfg.Limits.Connect.Max, cfg.Limits.Connect.Window)

	g, gctx := errgroup.WithContext(ctx)
	r := router.SetupRouter(gctx, cfg, o, connects)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", addr).Msg("Huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "main").Msg("Shutting down")
		o.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("Server forced to shutdown")
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("server error")
		return err
	}
	log.Info().Str("module", "main").Msg("Server exited gracefully")
	return nil
}
