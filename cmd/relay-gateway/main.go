// Main package for the relay gateway: bridges REST callers to Foundry VTT
// worlds connected over the /relay WebSocket endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/auth"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/directory"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/forwarder"
	relaypkg "github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/relay"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/transport"
)

const version = "1.0.0"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// typeTimeoutsFromEnv collects RELAY_TIMEOUT_<TYPE>=<ms> overrides, e.g.
// RELAY_TIMEOUT_DOWNLOAD_FILE=30000 for the download-file type.
func typeTimeoutsFromEnv() map[string]time.Duration {
	timeouts := map[string]time.Duration{
		"download-file": 30 * time.Second,
		"get-sheet":     30 * time.Second,
		"upload-file":   30 * time.Second,
	}
	for _, entry := range os.Environ() {
		key, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(key, "RELAY_TIMEOUT_") {
			continue
		}
		reqType := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, "RELAY_TIMEOUT_"), "_", "-"))
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			timeouts[reqType] = time.Duration(ms) * time.Millisecond
		}
	}
	return timeouts
}

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags, with environment fallbacks
	port := flag.Int("port", envIntOr("PORT", 3010), "Port the HTTP server listens on")
	instanceId := flag.String("instance-id", envOr("INSTANCE_ID", ""), "Replica ID; random when unset")
	redisURL := flag.String("redis-url", envOr("REDIS_URL", ""), "Redis URL; empty disables cross-replica routing")
	apiKeys := flag.String("api-keys", envOr("API_KEYS", ""), "Comma-separated API keys; empty accepts any token")
	pingInterval := flag.Duration("ping-interval", 30*time.Second, "Expected peer ping cadence")
	requestTimeout := flag.Duration("request-timeout", 10*time.Second, "Default per-request deadline")
	idleTimeout := flag.Duration("idle-session-timeout", 10*time.Minute, "Idle session sweep limit")
	dirTTL := flag.Duration("directory-ttl", 60*time.Second, "Directory record lease")
	maxMessageSize := flag.Int("max-message-size", 0, "Max inbound frame size in bytes; 0 for the default")
	flag.Parse()

	replicaId := *instanceId
	if replicaId == "" {
		replicaId = uuid.NewString()
	}
	logger = logger.With(zap.String("instanceId", replicaId))

	//
	// Directory + forwarder, backed by Redis when configured
	dir := directory.Directory(directory.Disabled{})
	fwd := forwarder.Forwarder(forwarder.Disabled{})
	if *redisURL != "" {
		opts, optsErr := redis.ParseURL(*redisURL)
		if optsErr != nil {
			logger.Fatal("Invalid redis URL", zap.Error(optsErr))
		}
		dir = directory.NewRedisDirectory(directory.RedisDirectoryParams{
			Client: redis.NewClient(opts),
			Logger: logger,
		})
		fwd = forwarder.NewRedisForwarder(forwarder.RedisForwarderParams{
			Client:    redis.NewClient(opts),
			ReplicaId: replicaId,
			Logger:    logger,
		})
		logger.Info("Cross-replica routing enabled")
	} else {
		logger.Info("No redis URL configured; running single-replica")
	}

	authenticator := auth.NewStaticKeys(*apiKeys)

	core := relaypkg.NewRelay(relaypkg.RelayParams{
		Config: relaypkg.Config{
			ReplicaId:        replicaId,
			DefaultTimeout:   *requestTimeout,
			TypeTimeouts:     typeTimeoutsFromEnv(),
			DirectoryTTL:     *dirTTL,
			PingInterval:     *pingInterval,
			IdleSessionLimit: *idleTimeout,
		},
		Auth:      authenticator,
		Directory: dir,
		Forwarder: fwd,
		Logger:    logger,
	})

	wsEndpoint := transport.NewWsEndpoint(transport.WsEndpointParams{
		Relay:          core,
		Auth:           authenticator,
		AllowAllHosts:  true,
		MaxMessageSize: *maxMessageSize,
		PingInterval:   *pingInterval,
		Logger:         logger,
	})

	edge := transport.NewEdge(transport.EdgeParams{
		Relay:   core,
		Ws:      wsEndpoint,
		Version: version,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: edge.Router(),
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownRelease()

	group, groupCtx := errgroup.WithContext(shutdownCtx)

	group.Go(func() error {
		logger.Info("Starting relay gateway", zap.Int("port", *port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return core.Run(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()

		logger.Info("Shutting down")
		core.Shutdown()

		drainCtx, drainRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainRelease()

		return multierr.Combine(server.Shutdown(drainCtx), dir.Close(), fwd.Close())
	})

	if err := group.Wait(); err != nil {
		logger.Error("Gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Gateway exited cleanly")
}
