package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sitesmith/internal/handlers"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(state *runtimeState) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the generation workers and the domain scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				state.cfg.ListenAddr = listen
			}
			return runServe(cmd.Context(), state)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override SITESMITH_LISTEN_ADDR")
	return cmd
}

func runServe(parent context.Context, state *runtimeState) error {
	log := state.log
	a, err := newApp(state.cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing resources")
		}
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := newEcho(log)
	handlers.RegisterRoutes(e.Group("/api"), a.orch, a.tracker, a.domains)
	handlers.RegisterSystemRoutes(e, a.registry, a.ping)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.orch.Run(gctx)
	})
	// The pool is consuming, so re-enqueued pending tasks never fill the
	// queue. Recovery finishes before the API accepts new submissions.
	if err := a.orch.Recover(gctx); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("task recovery failed: %w", err)
	}

	a.scheduler.Start(gctx)
	defer a.scheduler.Stop()

	g.Go(func() error {
		log.Info().Str("addr", state.cfg.ListenAddr).Msg("sitesmith listening")
		if err := e.Start(state.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newEcho(log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	return e
}
