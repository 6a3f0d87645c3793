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

	"github.com/mindshift-labs/mindpipe/internal/api"
	"github.com/mindshift-labs/mindpipe/internal/flow"
	"github.com/mindshift-labs/mindpipe/internal/genai"
	"github.com/mindshift-labs/mindpipe/internal/lockfile"
	"github.com/mindshift-labs/mindpipe/internal/scheduler"
	"github.com/mindshift-labs/mindpipe/internal/store"
	"github.com/mindshift-labs/mindpipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MindPipe state data
	DefaultStateDir = "/var/lib/mindpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mindpipe.db"
	// DefaultSessionTTL is the inactivity window after which a session expires
	DefaultSessionTTL = 24 * time.Hour
	// DefaultSweepSchedule runs the stale-session sweep every ten minutes
	DefaultSweepSchedule = "*/10 * * * *"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// The step table is static configuration; a broken table must stop
	// startup, never a live session.
	table := flow.DefaultTable()
	if err := table.Validate(); err != nil {
		slog.Error("Step table failed integrity check", "error", err)
		os.Exit(1)
	}

	// SQLite deployments are single-writer; guard the state directory
	// against a second instance.
	if *flags.redisURL == "" && store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.sweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		expired, err := st.ExpireSessions(ctx, time.Now().Add(-*flags.sessionTTL))
		if err != nil {
			slog.Error("Stale session sweep failed", "error", err)
			return
		}
		if expired > 0 {
			slog.Info("Stale session sweep expired sessions", "count", expired, "ttl", *flags.sessionTTL)
		}
	}); err != nil {
		slog.Error("Failed to schedule stale session sweep", "error", err, "schedule", *flags.sweepSchedule)
		os.Exit(1)
	}

	var gate genai.ClientInterface
	if *flags.openaiKey != "" {
		client, err := genai.NewClient(*flags.openaiKey)
		if err != nil {
			slog.Error("Failed to initialize genai client", "error", err)
			os.Exit(1)
		}
		gate = client
	} else {
		slog.Warn("No OpenAI API key configured, assistance gate disabled")
	}

	engine := flow.NewEngine(st, table)
	server := api.NewServer(engine, gate, st, buildAPIOptions(flags)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MindPipe", "steps", table.Len(), "api_addr", *flags.apiAddr, "gate_enabled", gate != nil)
	if err := server.Run(ctx); err != nil {
		slog.Error("MindPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MindPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	RedisURL    string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	redisURL      *string
	openaiKey     *string
	apiAddr       *string
	sessionTTL    *time.Duration
	sweepSchedule *string
}

// initializeLogger sets up structured logging. MINDPIPE_DEBUG=true
// lowers the level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("MINDPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		StateDir:    os.Getenv("MINDPIPE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MINDPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" && config.RedisURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"MINDPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for MindPipe data (overrides $MINDPIPE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		redisURL:      flag.String("redis-url", config.RedisURL, "Redis URL for the session store (overrides $REDIS_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the assistance gate (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sessionTTL:    flag.Duration("session-ttl", DefaultSessionTTL, "inactivity window before a session expires"),
		sweepSchedule: flag.String("sweep-schedule", DefaultSweepSchedule, "cron schedule for the stale session sweep"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisURL_set", *flags.redisURL != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN == "" || store.DetectDSNType(*flags.dbDSN) != "sqlite" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// buildStore constructs the session store from the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.redisURL != "" {
		slog.Debug("Configuring Redis store", "dsn_type", "redis")
		return store.NewRedisStore(store.WithRedisURL(*flags.redisURL))
	}
	if *flags.dbDSN != "" {
		switch store.DetectDSNType(*flags.dbDSN) {
		case "postgres":
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
		case "redis":
			slog.Debug("Detected Redis DSN, configuring Redis store", "dsn_type", "redis")
			return store.NewRedisStore(store.WithRedisURL(*flags.dbDSN))
		default:
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
		}
	}
	slog.Debug("No database DSN provided, using in-memory store")
	return store.NewInMemoryStore(), nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
