package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/MealPipe/internal/api"
	"github.com/BTreeMap/MealPipe/internal/flow"
	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/lockfile"
	"github.com/BTreeMap/MealPipe/internal/store"
	"github.com/BTreeMap/MealPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MealPipe state data
	DefaultStateDir = "/var/lib/mealpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mealpipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	// One instance per state directory. The lock is released on exit; a
	// crashed process drops it automatically.
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	planner, err := buildPlanner(flags)
	if err != nil {
		slog.Error("Failed to initialize generation backend", "error", err)
		os.Exit(1)
	}

	relay, relayCleanup, err := buildRelay(flags)
	if err != nil {
		slog.Error("Failed to initialize progress relay", "error", err)
		os.Exit(1)
	}
	defer relayCleanup()

	pipeline := flow.NewPipeline(st, planner, relay, buildPipelineOptions(config)...)

	apiOpts := buildAPIOptions(flags)
	cacheOpts, cacheCleanup, err := buildSessionCacheOptions(flags, config)
	if err != nil {
		slog.Error("Failed to initialize session cache", "error", err)
		os.Exit(1)
	}
	defer cacheCleanup()
	apiOpts = append(apiOpts, cacheOpts...)

	server := api.NewServer(st, pipeline, relay, apiOpts...)

	// Shut down cleanly on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down API server", "error", err)
		}
	}()

	slog.Info("Bootstrapping MealPipe", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := server.Run(); err != nil {
		slog.Error("MealPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MealPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir     string
	DatabaseURL  string
	SupabaseURL  string
	SupabaseKey  string
	OpenAIKey    string
	OpenAIModel  string
	APIAddr      string
	NATSURL      string
	RedisAddr    string
	SessionTTL   time.Duration
	MaxAttempts  int
	GenTimeout   time.Duration
	RetryBackoff time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	supabaseURL *string
	supabaseKey *string
	openaiKey   *string
	openaiModel *string
	apiAddr     *string
	natsURL     *string
	redisAddr   *string
	sessionTTL  time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:     os.Getenv("MEALPIPE_STATE_DIR"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SupabaseURL:  os.Getenv("SUPABASE_URL"),
		SupabaseKey:  os.Getenv("SUPABASE_API_KEY"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  os.Getenv("OPENAI_MODEL"),
		APIAddr:      os.Getenv("API_ADDR"),
		NATSURL:      os.Getenv("NATS_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		SessionTTL:   util.ParseDurationEnv("SESSION_CACHE_TTL", 0),
		MaxAttempts:  util.ParseIntEnv("GENERATION_MAX_ATTEMPTS", 0),
		GenTimeout:   util.ParseDurationEnv("GENERATION_TIMEOUT", 0),
		RetryBackoff: util.ParseDurationEnv("GENERATION_RETRY_BACKOFF", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MEALPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" && config.SupabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"MEALPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"SUPABASE_URL_SET", config.SupabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"NATS_URL_SET", config.NATSURL != "",
		"REDIS_ADDR_SET", config.RedisAddr != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for MealPipe data (overrides $MEALPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		supabaseURL: flag.String("supabase-url", config.SupabaseURL, "Supabase project URL (overrides $SUPABASE_URL)"),
		supabaseKey: flag.String("supabase-api-key", config.SupabaseKey, "Supabase API key (overrides $SUPABASE_API_KEY)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel: flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		natsURL:     flag.String("nats-url", config.NATSURL, "NATS server URL for the progress relay (overrides $NATS_URL)"),
		redisAddr:   flag.String("redis-addr", config.RedisAddr, "Redis address for the session cache (overrides $REDIS_ADDR)"),
		sessionTTL:  config.SessionTTL,
	}

	flag.Parse()

	// Re-anchor a default SQLite path when only the state directory changed.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildStore selects and initializes the persistence backend: Supabase when
// configured, otherwise Postgres or SQLite by DSN shape.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.supabaseURL != "" && *flags.supabaseKey != "" {
		slog.Debug("Configuring Supabase store", "url", *flags.supabaseURL)
		return store.NewSupabaseStore(store.WithSupabase(*flags.supabaseURL, *flags.supabaseKey))
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildPlanner constructs the generation backend client.
func buildPlanner(flags Flags) (genai.Planner, error) {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genai.NewClient(genaiOpts...)
}

// buildRelay selects the progress relay: NATS when a URL is configured,
// otherwise in-process.
func buildRelay(flags Flags) (flow.Relay, func(), error) {
	if *flags.natsURL != "" {
		slog.Debug("Configuring NATS progress relay", "url", *flags.natsURL)
		relay, err := flow.NewNATSRelay(*flags.natsURL)
		if err != nil {
			return nil, nil, err
		}
		return relay, relay.Close, nil
	}
	return flow.NewInProcessRelay(), func() {}, nil
}

// buildPipelineOptions constructs pipeline configuration options
func buildPipelineOptions(config Config) []flow.PipelineOption {
	var opts []flow.PipelineOption
	if config.MaxAttempts > 0 {
		opts = append(opts, flow.WithMaxAttempts(config.MaxAttempts))
	}
	if config.GenTimeout > 0 {
		opts = append(opts, flow.WithGenerationTimeout(config.GenTimeout))
	}
	if config.RetryBackoff > 0 {
		opts = append(opts, flow.WithBaseDelay(config.RetryBackoff))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	apiOpts = append(apiOpts, api.WithEventBus(flow.NewEventBus()))
	return apiOpts
}

// buildSessionCacheOptions configures the session resume cache: Redis when an
// address is configured, otherwise in-memory.
func buildSessionCacheOptions(flags Flags, config Config) ([]api.Option, func(), error) {
	if *flags.redisAddr != "" {
		slog.Debug("Configuring Redis session cache", "addr", *flags.redisAddr)
		cache, err := store.NewRedisSessionCache(*flags.redisAddr, flags.sessionTTL)
		if err != nil {
			return nil, nil, err
		}
		return []api.Option{api.WithSessionCache(cache)}, func() { cache.Close() }, nil
	}
	cache := store.NewMemorySessionCache()
	return []api.Option{api.WithSessionCache(cache)}, func() {}, nil
}
