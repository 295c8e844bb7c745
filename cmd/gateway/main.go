// Command gateway runs the OpenAI-compatible chat-completion gateway:
// an HTTP front door that routes chat requests across configured
// upstream providers according to a route's mode and strategy, with
// background health checking and periodic backup snapshots.
//
// Usage:
//
//	gateway serve                       # start the server
//	gateway serve --config config.yaml  # use an explicit config file
//	gateway migrate up                  # apply pending schema migrations
//	gateway migrate status              # show migration status
//	gateway version                     # print version info
//	gateway health                      # liveness check against a running instance
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"github.com/aimi9933/llmgateway/internal/config"
	"github.com/aimi9933/llmgateway/internal/metrics"
	"github.com/aimi9933/llmgateway/internal/migration"
	"github.com/aimi9933/llmgateway/internal/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting llmgateway",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	if otelProviders != nil {
		defer func() {
			if shutdownErr := otelProviders.Shutdown(context.Background()); shutdownErr != nil {
				logger.Warn("telemetry shutdown failed", zap.Error(shutdownErr))
			}
		}()
	}

	db, err := openDatabase(cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	metricsCollector := metrics.NewCollector("llmgateway", logger)

	srv, err := NewServer(cfg, db, logger, metricsCollector)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	srv.WaitForShutdown()

	logger.Info("llmgateway stopped")
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: gateway migrate <up|down|reset|status|version>")
		os.Exit(1)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	migrator, err := migration.NewMigratorFromDatabaseURL(cfg.Database.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()

	var cliErr error
	switch rest[0] {
	case "up":
		cliErr = cli.RunUp(ctx)
	case "down":
		cliErr = cli.RunDown(ctx)
	case "reset":
		cliErr = cli.RunDownAll(ctx)
	case "status":
		cliErr = cli.RunStatus(ctx)
	case "version":
		cliErr = cli.RunVersion(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", rest[0])
		os.Exit(1)
	}
	if cliErr != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", rest[0], cliErr)
		os.Exit(1)
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/ping")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("llmgateway %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`llmgateway - OpenAI-compatible chat completion gateway

Usage:
  gateway <command> [options]

Commands:
  serve     Start the gateway server
  migrate   Database migration commands
  version   Show version information
  health    Check server liveness
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate reset     Rollback all migrations

Examples:
  gateway serve
  gateway serve --config /etc/llmgateway/config.yaml
  gateway migrate up
  gateway health --addr http://localhost:8080`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := cfg.Format
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoding = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddCaller {
		opts = append(opts, zap.AddCaller())
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// openDatabase dispatches to the GORM driver matching dsn's scheme: a
// bare path or file: URL opens SQLite, postgres:// opens Postgres, and
// mysql:// opens MySQL.
func openDatabase(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "mysql://"):
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "file:"))
	}
	return gorm.Open(dialector, &gorm.Config{})
}
