// Command loopvault runs the leveraged looping system and its maintenance
// tasks: migrations, wallet key encryption and configuration checks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli"

	"github.com/alanyoungcy/loopvault/internal/app"
	"github.com/alanyoungcy/loopvault/internal/config"
	"github.com/alanyoungcy/loopvault/internal/crypto"
	"github.com/alanyoungcy/loopvault/internal/store/postgres"
	"github.com/alanyoungcy/loopvault/internal/store/sqlite"
)

var Version = "dev"

func main() {
	a := cli.NewApp()
	a.Name = "loopvault"
	a.Usage = "leveraged lending position looper"
	a.Version = Version

	a.Commands = []cli.Command{
		runCMD,
		migrateCMD,
		encryptKeyCMD,
		checkConfigCMD,
	}

	if err := a.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Value:  "config.toml",
	Usage:  "path to the TOML configuration file",
	EnvVar: "LOOPVAULT_CONFIG",
}

var (
	runCMD = cli.Command{
		Name:        "run",
		Usage:       "run the configured mode",
		Action:      runAction,
		Flags:       []cli.Flag{configFlag},
		Description: `Start the origin side, the reactive side, or both, as set by mode.`,
	}
	migrateCMD = cli.Command{
		Name:        "migrate",
		Usage:       "apply database migrations",
		Action:      migrateAction,
		Flags:       []cli.Flag{configFlag},
		Description: `Apply the schema of the configured storage backend and exit.`,
	}
	encryptKeyCMD = cli.Command{
		Name:   "encrypt-key",
		Usage:  "write an encrypted wallet key file",
		Action: encryptKeyAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "out, o", Value: "wallet.key", Usage: "output file"},
			cli.StringFlag{Name: "key", EnvVar: "LOOPVAULT_WALLET_PRIVATE_KEY", Usage: "hex private key"},
			cli.StringFlag{Name: "password", EnvVar: "LOOPVAULT_WALLET_KEY_PASSWORD", Usage: "encryption password"},
		},
		Description: `Encrypt the operator key for wallet.encrypted_key_path.`,
	}
	checkConfigCMD = cli.Command{
		Name:        "check-config",
		Usage:       "validate and print the effective configuration",
		Action:      checkConfigAction,
		Flags:       []cli.Flag{configFlag},
		Description: `Load file, .env and environment, validate, and print the result with secrets redacted.`,
	}
)

// newLogger builds the JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig loads and validates the configuration named by the command's
// --config flag. A missing default file is not an error.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !c.IsSet("config") {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("loopvault starting",
		slog.String("version", Version),
		slog.String("mode", cfg.Mode),
		slog.String("config", c.String("config")),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("loopvault stopped")
	return nil
}

func migrateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	switch cfg.Storage.Backend {
	case "postgres":
		client, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: 1,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		applied, err := client.Migrate(ctx)
		if err != nil {
			return err
		}
		logger.Info("postgres migrations applied", slog.Int("count", len(applied)), slog.Any("files", applied))
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("sqlite schema applied", slog.String("path", cfg.SQLite.Path))
	default:
		logger.Info("storage backend has no schema", slog.String("backend", cfg.Storage.Backend))
	}
	return nil
}

func encryptKeyAction(c *cli.Context) error {
	key, password := c.String("key"), c.String("password")
	if key == "" || password == "" {
		return cli.NewExitError("encrypt-key: --key and --password are required", 2)
	}
	address, err := crypto.WriteKeyFile(c.String("out"), key, password)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s for %s\n", c.String("out"), address)
	return nil
}

func checkConfigAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	redacted := config.RedactedConfig(cfg)
	return toml.NewEncoder(os.Stdout).Encode(redacted)
}
