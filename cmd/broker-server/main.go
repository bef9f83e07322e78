// Command broker-server runs the message broker engine behind a REST and
// WebSocket surface, backed by either the in-memory provider or the
// Cassandra provider composed with the Redis instance-lease and Supabase
// authorization facades, selected by BROKER_STORAGE_BACKEND / config.yaml's
// storage.backend.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gocql/gocql"
	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"
	supa "github.com/supabase-community/supabase-go"

	"github.com/ocx/broker/internal/config"
	"github.com/ocx/broker/internal/eventbus"
	"github.com/ocx/broker/internal/identity"
	"github.com/ocx/broker/internal/mb/broker"
	"github.com/ocx/broker/internal/metrics"
	"github.com/ocx/broker/internal/store"
	"github.com/ocx/broker/internal/store/cassandra"
	"github.com/ocx/broker/internal/store/memory"
	redisstore "github.com/ocx/broker/internal/store/redis"
	"github.com/ocx/broker/internal/store/supabase"
	"github.com/ocx/broker/internal/transport"
)

func main() {
	cfg := config.Get()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("storage backend init failed: %v", err)
	}

	m := metrics.New()

	bearer := identity.NewBearerAuthenticator(bearerKeyFunc(cfg.Identity.BearerHMACSecret))

	var spiffeVerifier *identity.SPIFFEVerifier
	if cfg.Identity.SpiffeSocketPath != "" {
		spiffeVerifier, err = identity.NewSPIFFEVerifier(cfg.Identity.SpiffeSocketPath)
		if err != nil {
			slog.Warn("spiffe verifier unavailable, internal-identity calls will be rejected", "error", err)
		}
	}

	engineCfg := broker.Config{
		InstanceTTLSeconds:    cfg.Engine.InstanceTTLSec,
		ClockToleranceMicro:   cfg.Engine.ClockToleranceMicro,
		IntegritySecretOID:    cfg.Engine.IntegritySecretOID,
		IntegritySecret:       integritySecret(cfg.Engine.IntegritySecretHex),
		IntegrityMaxLevel:     cfg.Engine.IntegrityMaxLevel,
		IntegrityBucketSize:   cfg.Engine.IntegrityBucketSize,
		IntegrityBucketWindow: time.Duration(cfg.Engine.IntegrityBucketWindowSec) * time.Second,
	}

	engine, err := broker.NewEngine(ctx, provider, engineCfg)
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}

	topicIDs := func() []string {
		ids, _, err := provider.Topic().ListTopicIDs(ctx, "")
		if err != nil {
			slog.Warn("topic enumeration for consolidator failed", "error", err)
			return nil
		}
		return ids
	}
	go engine.Run(ctx, engineCfg, topicIDs)

	notifier := buildNotifier(cfg)

	transportServer := transport.NewServer(engine, m, bearer, spiffeVerifier, notifier)

	srv := &http.Server{
		Addr:         cfg.Server.Interface + ":" + cfg.Server.Port,
		Handler:      transportServer.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutting down")
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("broker-server starting", "addr", srv.Addr, "backend", cfg.Storage.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// buildNotifier wires the external CloudEvent bus described in
// internal/eventbus: a durable Pub/Sub-backed bus when a project is
// configured, otherwise an in-memory bus with no external fan-out (still
// useful for anything wired into it in-process).
func buildNotifier(cfg *config.Config) eventbus.EventEmitter {
	if cfg.Observability.PubSubProjectID == "" {
		return eventbus.NewBus()
	}
	bus, err := eventbus.NewPubSubBus(cfg.Observability.PubSubProjectID, cfg.Observability.PubSubTopicID)
	if err != nil {
		slog.Warn("pub/sub notification bus unavailable, falling back to in-memory", "error", err)
		return eventbus.NewBus()
	}
	return bus
}

// buildProvider selects and wires the store.Provider named by
// cfg.Storage.Backend.
func buildProvider(ctx context.Context, cfg *config.Config) (store.Provider, error) {
	switch cfg.Storage.Backend {
	case "memory", "":
		return memory.New(), nil
	case "cassandra":
		return buildCassandraProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildCassandraProvider(ctx context.Context, cfg *config.Config) (store.Provider, error) {
	cluster := gocql.NewCluster(cfg.Storage.Cassandra.Hosts...)
	cluster.Keyspace = cfg.Storage.Cassandra.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("create cassandra session: %w", err)
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Storage.Redis.Addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	instanceIDFacade := redisstore.NewInstanceIDFacade(rdb)

	var authzFacade store.AuthorizationFacade
	if cfg.Storage.Supabase.URL != "" && cfg.Storage.Supabase.ServiceKey != "" {
		client, err := supa.NewClient(cfg.Storage.Supabase.URL, cfg.Storage.Supabase.ServiceKey, &supa.ClientOptions{})
		if err != nil {
			return nil, fmt.Errorf("create supabase client: %w", err)
		}
		authzFacade = supabase.New(client)
	} else {
		facade, err := supabase.NewFromEnv()
		if err != nil {
			return nil, fmt.Errorf("supabase authorization facade: %w", err)
		}
		authzFacade = facade
	}

	return cassandra.NewProvider(session, authzFacade, instanceIDFacade), nil
}

// bearerKeyFunc resolves every token against a single shared HMAC secret,
// per config.IdentityConfig's doc comment.
func bearerKeyFunc(secret string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}
}

func integritySecret(hexSecret string) []byte {
	if hexSecret == "" {
		return nil
	}
	b, err := hex.DecodeString(hexSecret)
	if err != nil {
		slog.Warn("integrity/bearer secret is not valid hex, using raw bytes", "error", err)
		return []byte(hexSecret)
	}
	return b
}
