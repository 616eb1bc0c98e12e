// Command server starts the streamrelay orchestrator HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamrelay/internal/api"
	"streamrelay/internal/auth"
	"streamrelay/internal/metadata"
	"streamrelay/internal/notify"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/relay"
	"streamrelay/internal/serverutil"
	"streamrelay/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to the JSON room datastore")
	storageDriver := flag.String("storage-driver", "", "room datastore driver (memory, json, or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	notifyDriver := flag.String("notify-driver", "", "completion notification driver (memory or redis)")
	notifyRedisAddr := flag.String("notify-redis-addr", "", "Redis address for notification transport")
	notifyRedisAddrs := flag.String("notify-redis-addrs", "", "comma separated Redis addresses for notification transport")
	notifyRedisUsername := flag.String("notify-redis-username", "", "Redis username for notification transport")
	notifyRedisPassword := flag.String("notify-redis-password", "", "Redis password for notification transport")
	notifyRedisStream := flag.String("notify-redis-stream", "", "Redis stream key for notification events")
	notifyRedisGroup := flag.String("notify-redis-group", "", "Redis consumer group for notification events")
	notifyRedisMasterName := flag.String("notify-redis-sentinel-master", "", "Redis sentinel master name for notification transport")
	notifyRedisPoolSize := flag.Int("notify-redis-pool-size", 0, "maximum Redis connections for notification transport")
	operatorSecret := flag.String("operator-secret", "", "shared secret required to register a user")
	authPath := flag.String("auth-data", "", "path to the registered-user datastore")
	apiToken := flag.String("api-token", "", "bearer token required on /v1 routes (empty disables)")
	pullerPath := flag.String("puller", "", "path to the stream puller executable")
	encoderPath := flag.String("encoder", "", "path to the encoder executable")
	recordRoot := flag.String("record-root", "", "directory root for local recordings (empty disables recording)")
	srtHost := flag.String("srt-host", "", "SRT push host")
	srtPort := flag.Int("srt-port", 0, "SRT push port")
	rtmpHost := flag.String("rtmp-host", "", "RTMP push host")
	rtmpApp := flag.String("rtmp-app", "", "RTMP push application path")
	metadataTimeout := flag.Duration("metadata-timeout", 0, "timeout for the page-title metadata fetch")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMRELAY_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMRELAY_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMRELAY_ADDR"), ":8080")

	store, storeCloser, err := configureStore(*storageDriver, *dataPath, storage.PostgresConfig{
		DSN:             resolvePostgresDSN(*postgresDSN),
		MaxConnections:  int32(resolveInt(*postgresMaxConns, "STREAMRELAY_POSTGRES_MAX_CONNS")),
		MinConnections:  int32(resolveInt(*postgresMinConns, "STREAMRELAY_POSTGRES_MIN_CONNS")),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "STREAMRELAY_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "STREAMRELAY_POSTGRES_MAX_CONN_IDLE", 0),
		ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("STREAMRELAY_POSTGRES_APP_NAME"), "streamrelay"),
		Logger:          logging.WithComponent(logger, "storage"),
	}, logger)
	if err != nil {
		logger.Error("failed to configure room datastore", "error", err)
		os.Exit(1)
	}

	queueCfg := notify.RedisQueueConfig{
		Addr:       firstNonEmpty(*notifyRedisAddr, os.Getenv("STREAMRELAY_NOTIFY_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*notifyRedisAddrs, os.Getenv("STREAMRELAY_NOTIFY_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*notifyRedisUsername, os.Getenv("STREAMRELAY_NOTIFY_REDIS_USERNAME")),
		Password:   firstNonEmpty(*notifyRedisPassword, os.Getenv("STREAMRELAY_NOTIFY_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*notifyRedisStream, os.Getenv("STREAMRELAY_NOTIFY_REDIS_STREAM")),
		Group:      firstNonEmpty(*notifyRedisGroup, os.Getenv("STREAMRELAY_NOTIFY_REDIS_GROUP")),
		MasterName: firstNonEmpty(*notifyRedisMasterName, os.Getenv("STREAMRELAY_NOTIFY_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*notifyRedisPoolSize, "STREAMRELAY_NOTIFY_REDIS_POOL_SIZE"),
		Logger:     logging.WithComponent(logger, "notify"),
	}
	queue, queueDriver, err := configureNotifyQueue(*notifyDriver, queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure notification queue", "error", err)
		os.Exit(1)
	}

	users, err := auth.NewStore(
		firstNonEmpty(*authPath, os.Getenv("STREAMRELAY_AUTH_DATA"), "data/auth.json"),
		firstNonEmpty(*operatorSecret, os.Getenv("STREAMRELAY_OPERATOR_SECRET")),
	)
	if err != nil {
		logger.Error("failed to open user datastore", "error", err)
		os.Exit(1)
	}

	push := relay.DefaultPushConfig()
	if v := firstNonEmpty(*srtHost, os.Getenv("STREAMRELAY_SRT_HOST")); v != "" {
		push.SRTHost = v
	}
	if v := resolveInt(*srtPort, "STREAMRELAY_SRT_PORT"); v > 0 {
		push.SRTPort = v
	}
	if v := firstNonEmpty(*rtmpHost, os.Getenv("STREAMRELAY_RTMP_HOST")); v != "" {
		push.RTMPHost = v
	}
	if v := firstNonEmpty(*rtmpApp, os.Getenv("STREAMRELAY_RTMP_APP")); v != "" {
		push.RTMPApp = v
	}

	builder := &relay.Builder{
		PullerPath:  firstNonEmpty(*pullerPath, os.Getenv("STREAMRELAY_PULLER")),
		EncoderPath: firstNonEmpty(*encoderPath, os.Getenv("STREAMRELAY_ENCODER")),
		RecordRoot:  firstNonEmpty(*recordRoot, os.Getenv("STREAMRELAY_RECORD_ROOT")),
		Push:        push,
		Titles: metadata.NewFetcher(metadata.Config{
			Timeout: resolveDuration(*metadataTimeout, "STREAMRELAY_METADATA_TIMEOUT", 10*time.Second),
			Logger:  logging.WithComponent(logger, "metadata"),
		}),
		Notifier: queue,
		Logger:   logging.WithComponent(logger, "pipeline"),
		Metrics:  recorder,
	}

	orchestrator := relay.NewOrchestrator(store, relay.NewRegistry(), builder, logging.WithComponent(logger, "orchestrator"), recorder)

	apiServer := api.NewServer(api.Config{
		Orchestrator: orchestrator,
		Users:        users,
		BearerToken:  firstNonEmpty(*apiToken, os.Getenv("STREAMRELAY_API_TOKEN")),
		Logger:       logger,
		Recorder:     recorder,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if queueDriver == "memory" {
		// The in-process queue has no external consumer, so drain it into
		// the log to keep completion events observable.
		go logNotifications(ctx, queue, logging.WithComponent(logger, "notify"))
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("streamrelay listening", "addr", listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")
	err = serverutil.Run(ctx, serverutil.Config{
		Server:          srv,
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "STREAMRELAY_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
	})
	if err != nil {
		logger.Error("server error", "error", err)
	}

	if storeCloser != nil {
		storeCloser()
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close notification queue", "error", err)
		}
	}
	logger.Info("server stopped")
}

func configureStore(flagDriver, flagDataPath string, pgCfg storage.PostgresConfig, logger *slog.Logger) (relay.DescriptorStore, func(), error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("STREAMRELAY_STORAGE_DRIVER")))
	if driver == "" {
		if pgCfg.DSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "memory":
		return storage.NewMemory(), nil, nil
	case "json":
		path := firstNonEmpty(flagDataPath, os.Getenv("STREAMRELAY_DATA"), "data/rooms.json")
		store, err := storage.NewStorage(path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("room datastore ready", "driver", "json", "path", path)
		return store, nil, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		repo, err := storage.NewPostgresRepository(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("room datastore ready", "driver", "postgres")
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func configureNotifyQueue(flagDriver string, cfg notify.RedisQueueConfig, logger *slog.Logger) (notify.Queue, string, error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("STREAMRELAY_NOTIFY_DRIVER")))
	if driver == "" {
		if cfg.Addr != "" || len(cfg.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return notify.NewMemoryQueue(0), driver, nil
	case "redis":
		queue, err := notify.NewRedisQueue(cfg)
		if err != nil {
			return nil, driver, err
		}
		logger.Info("notification queue ready", "driver", "redis", "stream", cfg.Stream)
		return queue, driver, nil
	default:
		return nil, driver, fmt.Errorf("unknown notify driver %q", driver)
	}
}

func logNotifications(ctx context.Context, queue notify.Queue, logger *slog.Logger) {
	sub := queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			logger.Info("session completed", "user_id", event.UserID, "title", event.Title, "text", event.Text)
		}
	}
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("STREAMRELAY_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue != 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil {
			return value
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
