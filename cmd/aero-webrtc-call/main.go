package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const backendConnectTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// The server never answers calls itself, but building the API validates the
	// ICE network settings that clients fetch from /webrtc/ice.
	if _, err := negotiation.NewAPI(cfg, logger); err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-call",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"store", cfg.Store,
		"broker", cfg.Broker,
		"ring_timeout", cfg.RingTimeout,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupSecurityWarnings(logger, cfg)

	authn, err := auth.New(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})
	srv.SetAuthenticator(authn)

	var closers []io.Closer
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close backend", "err", err)
			}
		}
	}

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), backendConnectTimeout)
	store, storeClose, err := openStore(connectCtx, cfg, srv)
	if err == nil {
		closers = append(closers, storeClose)
	}
	var broker relay.Broker
	if err == nil {
		var brokerClose io.Closer
		broker, brokerClose, err = openBroker(connectCtx, cfg, srv)
		if err == nil {
			closers = append(closers, brokerClose)
		}
	}
	cancelConnect()
	if err != nil {
		logger.Error("failed to open backend", "err", err)
		closeAll()
		os.Exit(1)
	}

	m := metrics.New()
	hub := relay.NewHub(relay.HubConfig{
		Broker:          broker,
		InboxQueueBytes: cfg.InboxQueueBytes,
		Metrics:         m,
		Logger:          logger,
	})
	closers = append(closers, hub)

	records := callrecord.NewService(callrecord.ServiceConfig{
		Store:    store,
		Notifier: hub,
		Presence: hub,
		Logger:   logger,
	})

	sig, err := signaling.NewServer(signaling.Config{
		Records:              records,
		Hub:                  hub,
		Auth:                 authn,
		Metrics:              m,
		Logger:               logger,
		Origins:              origin.Policy{Allowed: cfg.AllowedOrigins},
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		closeAll()
		os.Exit(2)
	}
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m,
		metrics.Gauge{Name: "aero_webrtc_call_open_inbox_websockets", Help: "Inbox WebSockets connected to this instance.", Value: sig.OpenInboxes},
		metrics.Gauge{Name: "aero_webrtc_call_hub_inboxes", Help: "Inbox subscriptions held by this instance.", Value: hub.Inboxes},
	))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		closeAll()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Inboxes are hijacked connections that http.Server.Shutdown does not track.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	closeAll()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openStore(ctx context.Context, cfg config.Config, srv *httpserver.Server) (callrecord.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := callrecord.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		store := callrecord.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		srv.AddReadinessCheck("postgres", pool.Ping)
		return store, closerFunc(func() error { pool.Close(); return nil }), nil
	default:
		return callrecord.NewMemoryStore(), closerFunc(func() error { return nil }), nil
	}
}

func openBroker(ctx context.Context, cfg config.Config, srv *httpserver.Server) (relay.Broker, io.Closer, error) {
	switch cfg.Broker {
	case config.BrokerRedis:
		rdb, err := relay.OpenRedis(ctx, relay.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		srv.AddReadinessCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		broker := relay.NewRedisBroker(rdb)
		return broker, closerFunc(func() error {
			return errors.Join(broker.Close(), rdb.Close())
		}), nil
	default:
		broker := relay.NewLocalBroker()
		return broker, broker, nil
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
