package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/notifica/wasender/internal/api"
	"github.com/notifica/wasender/internal/dispatch"
	"github.com/notifica/wasender/internal/lockfile"
	"github.com/notifica/wasender/internal/media"
	"github.com/notifica/wasender/internal/numbers"
	"github.com/notifica/wasender/internal/session"
	"github.com/notifica/wasender/internal/util"
	"github.com/notifica/wasender/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for wasender state data
	DefaultStateDir = "/var/lib/wasender"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "whatsmeow.db"
	// DefaultPort is the default HTTP listen port
	DefaultPort = "3000"
	// DefaultCountryCode is prefixed to short local numbers
	DefaultCountryCode = "57"
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	initializeLogger(*flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping wasender",
		"addr", ":"+*flags.port,
		"country_code", *flags.countryCode,
		"dsn_set", *flags.dbDSN != "",
		"headless", *flags.headless)

	if err := run(flags); err != nil {
		slog.Error("wasender failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("wasender exited successfully")
}

// run wires the modules together and serves until SIGINT/SIGTERM.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One session store, one process. A second instance sharing the same
	// state directory would corrupt the device credentials.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
	if err != nil {
		return fmt.Errorf("creating WhatsApp client: %w", err)
	}

	sess := session.New()
	mgr := session.NewManager(client, sess, session.Config{})
	mgr.Start(ctx)
	defer mgr.Stop()

	dispatcher := dispatch.New(client, numbers.New(*flags.countryCode))
	resolver := media.NewResolver(client)

	server := api.NewServer(sess, dispatcher, resolver, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	Port        string
	Host        string
	CountryCode string
	DBDSN       string
	ClientName  string
	Headless    bool
	StateDir    string
	LogLevel    string
}

// Flags holds command line flag values
type Flags struct {
	port        *string
	host        *string
	countryCode *string
	dbDSN       *string
	clientName  *string
	headless    *bool
	stateDir    *string
	logLevel    *string
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
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
		Port:        util.GetenvDefault("PORT", DefaultPort),
		Host:        util.GetenvDefault("HOST", "localhost"),
		CountryCode: util.GetenvDefault("COUNTRY_CODE", DefaultCountryCode),
		DBDSN:       os.Getenv("WA_DB_DSN"),
		ClientName:  util.GetenvDefault("WA_CLIENT_NAME", whatsapp.DefaultClientName),
		Headless:    util.ParseBoolEnv("WA_HEADLESS", false),
		StateDir:    util.GetenvDefault("WASENDER_STATE_DIR", DefaultStateDir),
		LogLevel:    util.GetenvDefault("LOG_LEVEL", "info"),
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		port:        flag.String("port", config.Port, "HTTP listen port (overrides $PORT)"),
		host:        flag.String("host", config.Host, "hostname reported by /status (overrides $HOST)"),
		countryCode: flag.String("country-code", config.CountryCode, "country code prefixed to short local numbers (overrides $COUNTRY_CODE)"),
		dbDSN:       flag.String("db-dsn", config.DBDSN, "database DSN for the WhatsApp session store (overrides $WA_DB_DSN)"),
		clientName:  flag.String("client-name", config.ClientName, "device name shown in WhatsApp linked devices (overrides $WA_CLIENT_NAME)"),
		headless:    flag.Bool("headless", config.Headless, "suppress terminal QR rendering (overrides $WA_HEADLESS)"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for wasender data (overrides $WASENDER_STATE_DIR)"),
		logLevel:    flag.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
	}

	flag.Parse()
	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if whatsapp.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:"))
	if stateDir == "." || stateDir == "" {
		return nil
	}
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	return os.MkdirAll(stateDir, 0755)
}

// buildWhatsAppOptions constructs WhatsApp client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	if *flags.clientName != "" {
		waOpts = append(waOpts, whatsapp.WithClientName(*flags.clientName))
	}
	if *flags.headless {
		waOpts = append(waOpts, whatsapp.WithHeadless())
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	return []api.Option{
		api.WithAddr(":" + *flags.port),
		api.WithHost(*flags.host),
	}
}
