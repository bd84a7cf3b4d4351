// Command sessionpoold runs an echo server on a session pool and optionally
// keeps probe connections to other servers, exposing pool metrics over HTTP.
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

	"github.com/cyberinferno/sessionpool/channelpool"
	"github.com/cyberinferno/sessionpool/config"
	"github.com/cyberinferno/sessionpool/eventdriventcpclient"
	"github.com/cyberinferno/sessionpool/logger"
	"github.com/cyberinferno/sessionpool/resolver"
	"github.com/cyberinferno/sessionpool/safemap"
	"github.com/cyberinferno/sessionpool/sessionpool"
	"github.com/cyberinferno/sessionpool/tcpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath string
		listen     string
		logLevel   string
		probes     []string
	)

	pflag.StringVarP(&configPath, "config", "c", "sessionpoold.toml", "path to config file")
	pflag.StringVarP(&listen, "listen", "l", "", "echo listen address (overrides server.listen)")
	pflag.StringVar(&logLevel, "log.level", "", "log level (overrides log.level)")
	pflag.StringSliceVar(&probes, "probe", nil, "host:port to keep a probe connection to (repeatable)")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if pflag.CommandLine.Changed("listen") {
		cfg.Server.Listen = listen
	}
	if pflag.CommandLine.Changed("log.level") {
		cfg.Log.Level = logLevel
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, probes, log); err != nil {
		log.Error("sessionpoold failed", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, probes []string, log logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	res, closeResolver, err := newResolver(ctx, cfg.Resolver, log)
	if err != nil {
		return err
	}
	defer closeResolver()

	pool, err := sessionpool.New(cfg.Pool, func(event sessionpool.Event, sourceID int, severity channelpool.Severity) {
		log.Warn("pool event",
			logger.Field{Key: "event", Value: event.String()},
			logger.Field{Key: "source", Value: sourceID},
			logger.Field{Key: "severity", Value: severity.String()})
	},
		sessionpool.WithLogger(log),
		sessionpool.WithMetrics(sessionpool.NewMetrics(cfg.Metrics.Namespace, reg)),
		sessionpool.WithChannelPoolOptions(
			channelpool.WithResolver(res),
			channelpool.WithMetrics(channelpool.NewMetrics(cfg.Metrics.Namespace, reg)),
		),
	)
	if err != nil {
		return fmt.Errorf("creating session pool: %w", err)
	}

	if err := pool.Start(); err != nil {
		return err
	}
	defer func() {
		if err := pool.Stop(); err != nil {
			log.Error("failed to stop session pool", logger.Field{Key: "error", Value: err})
		}
	}()

	server := &tcpserver.TCPServer{
		Logger:     log,
		Name:       cfg.Server.Name,
		Addr:       cfg.Server.Listen,
		Backlog:    cfg.Server.Backlog,
		Pool:       pool,
		Sessions:   safemap.NewSafeMap[int, tcpserver.TCPServerSession](),
		NewSession: tcpserver.NewEchoSession,
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	clients := make([]*eventdriventcpclient.EventDrivenTCPClient, 0, len(probes))
	for _, addr := range probes {
		client := newProbe(pool, addr, log)
		if err := client.Connect(); err != nil {
			log.Warn("probe connect failed", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "error", Value: err})
		}
		clients = append(clients, client)
	}
	defer func() {
		for _, client := range clients {
			_ = client.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		metrics := serveMetrics(cfg.Metrics.Listen, reg, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	return nil
}

// newResolver builds the connect resolver, sharing its cache through redis
// when an address is configured.
func newResolver(ctx context.Context, cfg config.ResolverConfig, log logger.Logger) (*resolver.Resolver, func(), error) {
	if cfg.RedisAddr == "" {
		return resolver.New(nil, cfg.TTL, nil), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	log.Info("resolver cache shared through redis", logger.Field{Key: "addr", Value: cfg.RedisAddr})
	cache := resolver.NewRedisCache[[]string](client, cfg.RedisPrefix)

	return resolver.New(cache, cfg.TTL, nil), func() { _ = client.Close() }, nil
}

func newProbe(pool *sessionpool.SessionPool, addr string, log logger.Logger) *eventdriventcpclient.EventDrivenTCPClient {
	cfg := eventdriventcpclient.DefaultEventDrivenTCPClientConfig(addr)
	cfg.AutoReconnect = true
	cfg.ConnectAttempts = 3

	client := eventdriventcpclient.NewEventDrivenTCPClient(pool, cfg)
	probeLog := log.With(logger.Field{Key: "probe", Value: addr})

	client.OnConnectionState(func(e eventdriventcpclient.ConnectionStateEvent) {
		probeLog.Info("probe state", logger.Field{Key: "state", Value: e.State.String()})
	})
	client.OnError(func(e eventdriventcpclient.ErrorEvent) {
		probeLog.Warn("probe error", logger.Field{Key: "error", Value: e.Error})
	})
	client.OnDataReceived(func(e eventdriventcpclient.DataReceivedEvent) {
		probeLog.Debug("probe data", logger.Field{Key: "bytes", Value: e.Length})
	})

	return client
}

func serveMetrics(addr string, reg *prometheus.Registry, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logger.Field{Key: "error", Value: err})
		}
	}()

	log.Info("serving metrics", logger.Field{Key: "addr", Value: addr})

	return srv
}
