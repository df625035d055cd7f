package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/gateway"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/notify"
	"github.com/wudi/relay/internal/proxy"
	"github.com/wudi/relay/internal/store"
	"github.com/wudi/relay/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Relay %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting relay",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("store", cfg.Store.Type),
		zap.Int("rules", len(cfg.Rules)),
	)

	if err := run(cfg, *configPath); err != nil {
		logging.Error("Relay stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("Relay stopped")
}

func run(cfg *config.Config, configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	transport, err := proxy.NewTransport(cfg.Forward.Transport)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to create transport: %w", err)
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tracer.Close()

	mc := metrics.NewCollector()

	notifiers, webhook, err := openNotifiers(ctx, cfg.Notify, mc)
	if err != nil {
		st.Close()
		return err
	}
	defer notifiers.Close()

	opts := []gateway.Option{
		gateway.WithHTTPClient(&http.Client{Transport: transport}),
		gateway.WithMetrics(mc),
		gateway.WithTracer(tracer),
		gateway.WithNotifier(notifiers),
	}
	if webhook != nil {
		opts = append(opts, gateway.WithWebhook(webhook))
	}

	gw, err := gateway.New(cfg, st, opts...)
	if err != nil {
		st.Close()
		return err
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logging.Warn("Config hot reload disabled", zap.Error(err))
	}

	return gateway.NewServer(gw, cfg, watcher).Run(ctx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Type != "redis" {
		return store.NewMemoryStore(cfg.MaxRequests), nil
	}

	opts := &redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	}
	if cfg.Redis.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rs := store.NewRedisStore(redis.NewClient(opts), cfg.Redis.KeyPrefix)
	if err := rs.Ping(ctx); err != nil {
		rs.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
	}
	logging.Info("Connected to redis", zap.String("address", cfg.Redis.Address))
	return rs, nil
}

func openNotifiers(ctx context.Context, cfg config.NotifyConfig, mc *metrics.Collector) (*notify.Multi, *notify.Webhook, error) {
	multi := notify.NewMulti(mc)
	var webhook *notify.Webhook

	if cfg.Webhooks.Enabled {
		webhook = notify.NewWebhook(cfg.Webhooks)
		multi.Add("webhook", webhook)
	}
	if cfg.PubSub.Enabled {
		ps, err := notify.OpenPubSub(ctx, cfg.PubSub.TopicURL)
		if err != nil {
			multi.Close()
			return nil, nil, err
		}
		multi.Add("pubsub", ps)
	}
	if cfg.AMQP.Enabled {
		a, err := notify.NewAMQP(cfg.AMQP)
		if err != nil {
			multi.Close()
			return nil, nil, err
		}
		multi.Add("amqp", a)
	}

	logging.Info("Notification channels ready", zap.Int("channels", multi.Len()))
	return multi, webhook, nil
}
