package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/config"
	"github.com/dbsentinel/dbsentinel/internal/monitor"
	"github.com/dbsentinel/dbsentinel/internal/version"
)

var (
	configPath     = flag.String("config", "dbsentinel.json", "Path to the configuration file")
	showVersion    = flag.Bool("version", false, "Show version information")
	showHelp       = flag.Bool("help", false, "Show help message")
	validateConfig = flag.Bool("validate-config", false, "Validate the configuration file and exit")
	verifyAudit    = flag.Bool("verify-audit", false, "Verify the audit chain integrity and exit")
	statusMode     = flag.Bool("status", false, "Query a running monitor and print its status")
	adminAddr      = flag.String("admin", "", "Admin address override for -status")
)

// AppConfig carries the parsed command line into run. ShutdownSignal is
// injectable so tests can drive a full start/stop cycle without sending
// real signals.
type AppConfig struct {
	ConfigPath     string
	ShowVersion    bool
	ShowHelp       bool
	ValidateConfig bool
	VerifyAudit    bool
	StatusMode     bool
	AdminAddr      string
	Logger         *logrus.Logger
	ShutdownSignal chan os.Signal
}

func main() {
	// API credentials and overrides may live in a .env next to the
	// binary; absence is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("Could not load .env file")
	}

	flag.Parse()

	appCfg := &AppConfig{
		ConfigPath:     *configPath,
		ShowVersion:    *showVersion,
		ShowHelp:       *showHelp,
		ValidateConfig: *validateConfig,
		VerifyAudit:    *verifyAudit,
		StatusMode:     *statusMode,
		AdminAddr:      *adminAddr,
	}

	if err := run(appCfg); err != nil {
		logrus.WithError(err).Fatal("dbsentinel failed")
	}
}

func run(appCfg *AppConfig) error {
	if appCfg.ShowHelp {
		printHelp()
		return nil
	}
	if appCfg.ShowVersion {
		fmt.Println(version.Get().String())
		return nil
	}

	logger := appCfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if appCfg.ValidateConfig {
		return handleValidateConfig(appCfg)
	}
	if appCfg.VerifyAudit {
		return handleVerifyAudit(appCfg, logger)
	}
	if appCfg.StatusMode {
		return handleStatus(appCfg, logger)
	}

	return runMonitor(appCfg, logger)
}

// runMonitor is the daemon path: open the audit chain and the database,
// start the monitor and hold until a shutdown signal.
func runMonitor(appCfg *AppConfig, logger *logrus.Logger) error {
	store := config.NewStore(appCfg.ConfigPath, nil, logger)
	cfg := store.Load()
	cfg.Logging.Configure(logger)

	secret, err := audit.LoadOrCreateSecret(cfg.Monitoring.SecretPath, logger)
	if err != nil {
		return fmt.Errorf("monitoring secret: %w", err)
	}

	chain, err := audit.NewChain(audit.DefaultChainConfig(cfg.Monitoring.AuditChainPath), secret, logger)
	if err != nil {
		return fmt.Errorf("open audit chain: %w", err)
	}
	defer func() {
		if err := chain.Close(); err != nil {
			logger.WithError(err).Warn("Audit chain close failed")
		}
	}()

	db, err := sql.Open("mysql", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database handle: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	// An unreachable database is a condition the monitor reports, not a
	// reason to refuse to start.
	if pingErr := db.Ping(); pingErr != nil {
		logger.WithError(pingErr).Warn("Database unreachable at startup; observer will keep retrying")
	}

	monCfg := monitor.DefaultConfig()
	monCfg.AdminAddr = cfg.Monitoring.AdminAddr

	logger.WithFields(logrus.Fields{
		"version": version.Short(),
		"config":  appCfg.ConfigPath,
		"target":  fmt.Sprintf("%s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name),
	}).Info("Starting dbsentinel")

	mon, err := monitor.New(monCfg, cfg, store, chain, secret, db, logger)
	if err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	quit := appCfg.ShutdownSignal
	if quit == nil {
		quit = make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	}
	sig := <-quit

	logger.WithField("signal", fmt.Sprint(sig)).Info("Shutting down")
	if err := mon.Close(); err != nil {
		logger.WithError(err).Warn("Monitor shutdown reported an error")
	}
	logger.Info("Shutdown complete")
	return nil
}

// handleValidateConfig checks the configuration file as written, without
// the repair pass the daemon applies. Exit status is the verdict.
func handleValidateConfig(appCfg *AppConfig) error {
	raw, err := os.ReadFile(appCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg := config.SecureDefaults()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	ok, problems := config.Validate(cfg)
	if !ok {
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "invalid: %s\n", p)
		}
		return fmt.Errorf("%d problem(s) in %s", len(problems), appCfg.ConfigPath)
	}
	fmt.Printf("%s: configuration valid\n", appCfg.ConfigPath)
	return nil
}

// handleVerifyAudit re-verifies the primary chain offline. The secret
// must already exist; generating a fresh one would just guarantee HMAC
// mismatches.
func handleVerifyAudit(appCfg *AppConfig, logger *logrus.Logger) error {
	cfg, err := loadSettings(appCfg, logger)
	if err != nil {
		return err
	}

	if os.Getenv(audit.EnvSecret) == "" {
		if _, statErr := os.Stat(cfg.Monitoring.SecretPath); statErr != nil {
			return fmt.Errorf("no monitoring secret at %s and %s unset", cfg.Monitoring.SecretPath, audit.EnvSecret)
		}
	}
	secret, err := audit.LoadOrCreateSecret(cfg.Monitoring.SecretPath, logger)
	if err != nil {
		return fmt.Errorf("monitoring secret: %w", err)
	}

	chain, err := audit.NewChain(audit.DefaultChainConfig(cfg.Monitoring.AuditChainPath), secret, logger)
	if err != nil {
		return fmt.Errorf("open audit chain: %w", err)
	}
	defer chain.Close()

	result, err := chain.VerifyChain()
	if err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	}
	printVerification(cfg.Monitoring.AuditChainPath, result)
	if !result.Valid {
		return fmt.Errorf("audit chain %s failed verification", cfg.Monitoring.AuditChainPath)
	}
	return nil
}

// loadSettings reads the configuration for the offline modes, refusing
// to invent one when the file is absent.
func loadSettings(appCfg *AppConfig, logger *logrus.Logger) (*config.Config, error) {
	if _, err := os.Stat(appCfg.ConfigPath); err != nil {
		return nil, fmt.Errorf("config file %s: %w", appCfg.ConfigPath, err)
	}
	store := config.NewStore(appCfg.ConfigPath, nil, logger)
	return store.Load(), nil
}

func printHelp() {
	fmt.Printf(`dbsentinel - self-protecting database activity monitor

Usage:
  dbsentinel [flags]               run the monitor
  dbsentinel -status [-admin ...]  show a running monitor's status
  dbsentinel -validate-config      check the configuration file
  dbsentinel -verify-audit         verify the audit chain
  dbsentinel -version              print build information

Flags:
`)
	flag.PrintDefaults()
	fmt.Printf("\nEnvironment:\n  %s  HMAC secret override (otherwise read from the secret file)\n", audit.EnvSecret)
}
