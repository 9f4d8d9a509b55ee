// Package cmd implements stockerctl, a command-line client that trades
// directly against a local store.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stocker/trade-engine/internal/config"
	"github.com/stocker/trade-engine/internal/logging"
	"github.com/stocker/trade-engine/internal/oracle"
	"github.com/stocker/trade-engine/internal/store"
	"github.com/stocker/trade-engine/internal/trade"
)

// rootConfig holds the persistent flags shared by every subcommand.
type rootConfig struct {
	configPath string
	driver     string
	path       string
	dsn        string
	logLevel   string
}

// env is what a subcommand runs against.
type env struct {
	cfg    *config.Config
	engine *trade.Engine
	quotes *oracle.Table
	close  func()
}

// open loads config, applies flag overrides and opens the store.
func (rc *rootConfig) open(ctx context.Context) (*env, error) {
	cfg, err := config.LoadAndValidate(rc.configPath)
	if err != nil {
		return nil, err
	}
	if rc.driver != "" {
		cfg.Store.Driver = rc.driver
	}
	if rc.path != "" {
		cfg.Store.Path = rc.path
	}
	if rc.dsn != "" {
		cfg.Store.DSN = rc.dsn
	}
	if rc.logLevel != "" {
		cfg.Log.Level = rc.logLevel
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	st, closeStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	quotes := oracle.NewTable(oracle.DefaultQuotes())
	return &env{
		cfg:    cfg,
		engine: trade.NewEngine(st, quotes),
		quotes: quotes,
		close: func() {
			closeStore()
			logCloser.Close()
		},
	}, nil
}

// withEnv wraps a subcommand body with store setup and teardown.
func (rc *rootConfig) withEnv(run func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := rc.open(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		return run(cmd, args, e)
	}
}

// NewRootCmd builds the stockerctl command tree.
func NewRootCmd() *cobra.Command {
	rc := &rootConfig{}

	root := &cobra.Command{
		Use:   "stockerctl",
		Short: "Trade stocks against a local trade-engine store",
		Long: `stockerctl opens accounts, executes buy and sell orders, and reports
portfolios and trade history directly against a trade-engine store.

Orders are priced from the built-in quote board. Use --driver sqlite or
--driver badger for state that survives between invocations.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&rc.configPath, "config", "", "path to YAML config")
	pf.StringVar(&rc.driver, "driver", "", "store driver: memory, sqlite, badger or postgres")
	pf.StringVar(&rc.path, "path", "", "sqlite file or badger directory")
	pf.StringVar(&rc.dsn, "dsn", "", "postgres connection string")
	pf.StringVar(&rc.logLevel, "log-level", "", "override log.level from config")

	root.AddCommand(
		newAccountCmd(rc),
		newOrderCmd(rc, "buy"),
		newOrderCmd(rc, "sell"),
		newPortfolioCmd(rc),
		newHistoryCmd(rc),
		newReconcileCmd(rc),
		newQuotesCmd(rc),
	)
	return root
}

// Execute runs stockerctl with the process arguments.
func Execute() error {
	_ = godotenv.Load()
	return NewRootCmd().ExecuteContext(context.Background())
}
