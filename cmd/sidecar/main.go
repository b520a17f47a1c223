package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/ability-sidecar/internal/ability"
	"github.com/dagbolade/ability-sidecar/internal/audit"
	"github.com/dagbolade/ability-sidecar/internal/chains"
	"github.com/dagbolade/ability-sidecar/internal/params"
	"github.com/dagbolade/ability-sidecar/internal/policy"
	"github.com/dagbolade/ability-sidecar/internal/server"
	"github.com/dagbolade/ability-sidecar/internal/signer"
	"github.com/dagbolade/ability-sidecar/internal/simulation"
	"github.com/dagbolade/ability-sidecar/internal/telemetry"
	"github.com/dagbolade/ability-sidecar/internal/usage"
)

const serviceVersion = "0.1.0"

func main() {
	setupLogger()

	log.Info().Msg("starting ability sidecar")

	ctx, cancel := setupSignalHandler()
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}

	log.Info().Msg("sidecar stopped successfully")
}

func run(ctx context.Context) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "ability-sidecar",
		ServiceVersion: serviceVersion,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:       getEnv("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		SampleRate:     getEnvFloat("OTEL_SAMPLE_RATE", 1),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to flush telemetry")
		}
	}()

	registry, err := initChains()
	if err != nil {
		return err
	}

	auditStore, err := initAuditStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := auditStore.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit store")
		}
	}()

	usageStore, recorder, closeUsage, err := initUsage(ctx, auditStore)
	if err != nil {
		return err
	}
	defer closeUsage()

	policyEngine, err := initPolicyEngine(ctx, usageStore)
	if err != nil {
		return err
	}
	defer func() {
		if err := policyEngine.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close policy engine")
		}
	}()

	sign, err := initSigner()
	if err != nil {
		return err
	}

	schema, err := params.NewSchema()
	if err != nil {
		return fmt.Errorf("build request schema: %w", err)
	}

	simClient := simulation.NewClient(registry)
	defer simClient.Close()

	readers := ability.NewEthClients(registry)
	defer readers.Close()

	ab, err := ability.New(ability.Deps{
		Schema:       schema,
		Chains:       registry,
		Simulator:    simClient,
		Policies:     policyEngine,
		Signer:       sign,
		ChainReaders: readers,
		Audit:        auditStore,
		Usage:        recorder,
		SignTimeout:  time.Duration(getEnvInt("SIGN_TIMEOUT", 30)) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("build ability: %w", err)
	}

	cfg := server.LoadConfig()
	srv := server.New(cfg, server.Deps{
		Ability:  ab,
		Policies: policyEngine,
		Audit:    auditStore,
	})

	return runServer(ctx, srv)
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

func initChains() (*chains.Registry, error) {
	path := getEnv("CHAINS_FILE", "./config/chains.yaml")

	log.Info().Str("path", path).Msg("loading chain registry")

	registry, err := chains.Load(path)
	if err != nil {
		return nil, err
	}
	if len(registry.IDs()) == 0 {
		return nil, errors.New("chain registry is empty")
	}

	log.Info().Interface("chains", registry.IDs()).Msg("chain registry loaded")
	return registry, nil
}

func initAuditStore() (*audit.SQLiteStore, error) {
	dbPath := getEnv("DB_PATH", "./db/audit.db")

	log.Info().Str("path", dbPath).Msg("initializing audit store")

	store, err := audit.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("audit store initialized")
	return store, nil
}

// initUsage selects where signing_rate counts come from. The sqlite backend
// counts signed entries in the audit log, so it needs no separate recorder.
func initUsage(ctx context.Context, auditStore *audit.SQLiteStore) (usage.Store, usage.Recorder, func(), error) {
	backend := getEnv("USAGE_BACKEND", "sqlite")

	switch backend {
	case "sqlite":
		log.Info().Str("backend", backend).Msg("usage counters from audit log")
		return auditStore, nil, func() {}, nil

	case "redis":
		retention := time.Duration(getEnvInt("USAGE_RETENTION_HOURS", 24)) * time.Hour
		store := usage.NewRedisStore(getEnv("REDIS_ADDR", "localhost:6379"), os.Getenv("REDIS_PASSWORD"), getEnvInt("REDIS_DB", 0), retention)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}

		log.Info().Str("backend", backend).Dur("retention", retention).Msg("usage counters in redis")
		return store, store, func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis usage store")
			}
		}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown USAGE_BACKEND %q", backend)
	}
}

func initPolicyEngine(ctx context.Context, store usage.Store) (*policy.Engine, error) {
	path := os.Getenv("POLICY_FILE")
	if path == "" {
		log.Warn().Msg("POLICY_FILE not set, running with an empty policy table")
		return policy.NewStaticEngine(false), nil
	}

	log.Info().Str("path", path).Msg("initializing policy engine")

	loader, err := policy.NewLoader(store)
	if err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(ctx, path, loader)
	if err != nil {
		return nil, err
	}

	log.Info().Strs("policies", engine.Policies()).Msg("policy engine initialized")
	return engine, nil
}

func initSigner() (signer.Signer, error) {
	if url := os.Getenv("REMOTE_SIGNER_URL"); url != "" {
		timeout := time.Duration(getEnvInt("REMOTE_SIGNER_TIMEOUT", 10)) * time.Second
		log.Info().Str("url", url).Dur("timeout", timeout).Msg("using remote signer")
		return signer.NewRemote(url, timeout), nil
	}

	path := os.Getenv("SIGNER_KEYS_FILE")
	if path == "" {
		return nil, errors.New("either REMOTE_SIGNER_URL or SIGNER_KEYS_FILE must be set")
	}

	keyring, err := signer.LoadKeyring(path)
	if err != nil {
		return nil, err
	}

	log.Info().Int("keys", len(keyring.Addresses())).Msg("using local keyring")
	return keyring, nil
}

func runServer(ctx context.Context, srv *server.Server) error {
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}
