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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"editorial/internal/config"
	"editorial/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := withApp()
			if err != nil {
				return err
			}
			cfg := a.Config
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if bp := viper.GetString("base-path"); bp != "" {
				cfg.Server.BasePath = bp
			}
			if cfg.Server.JWTSecret == "" && !allowAnonymous {
				a.Close(context.Background())
				return fmt.Errorf("server.jwt_secret is required for bearer auth (run edt config init, or pass --allow-anonymous for local use)")
			}

			recovered, err := a.Engine.RecoverInterrupted(ctx)
			if err != nil {
				a.Close(context.Background())
				return fmt.Errorf("recover interrupted sessions: %w", err)
			}
			if len(recovered) > 0 {
				a.Log.Warn("marked interrupted sessions as failed", "sessions", recovered)
			}

			handler, err := server.New(server.Config{
				Engine:        a.Engine,
				Bus:           a.Bus,
				BasePath:      cfg.Server.BasePath,
				DefaultPhases: cfg.Generator.DefaultPhases,
				Logger:        a.Log.With("component", "http"),
				Auth: server.AuthConfig{
					JWTSecret:      cfg.Server.JWTSecret,
					AllowAnonymous: allowAnonymous,
					Logger:         a.Log.With("component", "auth"),
				},
			})
			if err != nil {
				a.Close(context.Background())
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if cfg.Scheduler.Enabled {
				g.Go(func() error { return a.Runner.Run(gctx) })
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				g.Go(func() error {
					return config.Watch(gctx, path, a.Log.Logger, a.Reload)
				})
			}

			fmt.Printf("Serving editorial API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			runErr := g.Wait()

			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.Close(closeCtx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "accept requests without credentials")
	return cmd
}
