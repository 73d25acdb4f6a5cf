package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the local cache in sync until interrupted",
	Long:  "Connect with the stored token and apply realtime events to the local cache.\nNotifications are printed to stdout. Stop with Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		requireToken(cfg)
		newApp(cfg).Run()
		return nil
	},
}

// newApp wires the sync daemon. Hooks run in registration order on start
// and in reverse on stop, so the engine closes before the cache.
func newApp(cfg *Config) *fx.App {
	log := chatsync.NewLogger(cfg.Sync.Log).Named("chatsync")
	return fx.New(
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Supply(cfg, log),
		fx.Provide(
			newCache,
			newClient,
			newRegistry,
			newEngine,
		),
		fx.Invoke(serveMetrics),
		fx.Invoke(runEngine),
	)
}

func newCache(lc fx.Lifecycle, cfg *Config) (chatsync.Cache, error) {
	cache, err := openCache(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return cache.Close() },
	})
	return cache, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func newEngine(cfg *Config, cache chatsync.Cache, client *chatsync.Client, reg *prometheus.Registry, log *zap.Logger) (*chatsync.Engine, error) {
	return chatsync.NewEngineForClient(cfg.Sync, cache, client,
		chatsync.WithLogger(log),
		chatsync.WithRegisterer(reg),
	)
}

func serveMetrics(lc fx.Lifecycle, cfg *Config, reg *prometheus.Registry, log *zap.Logger) {
	if cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func runEngine(lc fx.Lifecycle, cfg *Config, engine *chatsync.Engine, log *zap.Logger) {
	engine.OnNotification(func(n chatsync.Notification) {
		if n.Description != "" {
			fmt.Printf("[%s] %s: %s\n", n.Kind, n.Title, n.Description)
			return
		}
		fmt.Printf("[%s] %s\n", n.Kind, n.Title)
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := engine.Start(ctx); err != nil {
				return err
			}
			engine.SetCredential(cfg.Auth.Token, cfg.Auth.UserID)

			if err := engine.Conversations.Refresh(ctx); err != nil {
				log.Warn("initial conversation refresh failed", zap.Error(err))
			}
			if err := engine.Friends.Refresh(ctx); err != nil {
				log.Warn("initial friend refresh failed", zap.Error(err))
			}
			if removed, err := engine.EnforceRetention(ctx); err != nil {
				log.Warn("retention failed", zap.Error(err))
			} else if removed > 0 {
				log.Info("retention applied", zap.Int("removed", removed))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return engine.Close()
		},
	})
}
