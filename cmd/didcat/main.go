// didcat is the CLI for the DID catalog: register identifiers, compose
// them into trees, resolve replica locations, and run the reaper.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/didcat/didcat/pkg/config"
	"github.com/didcat/didcat/pkg/hierarchy"
	"github.com/didcat/didcat/pkg/replica"
	"github.com/didcat/didcat/pkg/rse"
	"github.com/didcat/didcat/pkg/rule"
	"github.com/didcat/didcat/pkg/store"
	"github.com/didcat/didcat/pkg/undertaker"
)

const version = "0.1.0"

// app holds shared state for all CLI subcommands.
type app struct {
	cfg      *config.Config
	st       *store.Store
	log      *zap.Logger
	engine   *hierarchy.Engine
	deleter  *undertaker.Engine
	resolver *replica.Resolver
	mgr      *rse.StaticManager
	account  string
}

func newApp(configPath, dbPath, account string, verbose bool) (*app, error) {
	cfg := &config.Config{Database: "didcat.db"}
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.Database = dbPath
	}

	logger := zap.NewNop()
	if verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
	}

	st, err := store.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open catalog %q: %w", cfg.Database, err)
	}

	mgr := cfg.EndpointManager()
	return &app{
		cfg:      cfg,
		st:       st,
		log:      logger,
		engine:   hierarchy.New(st, rule.StoreEngine{}, logger),
		deleter:  undertaker.New(st, logger),
		resolver: replica.NewResolver(st, mgr),
		mgr:      mgr,
		account:  account,
	}, nil
}

func (a *app) close() {
	a.st.Close()
	_ = a.log.Sync()
}

func main() {
	var (
		configPath string
		dbPath     string
		account    string
		verbose    bool
		a          *app
	)

	root := &cobra.Command{
		Use:           "didcat",
		Short:         "Catalog for hierarchically organized data identifiers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = newApp(configPath, dbPath, account, verbose)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a != nil {
				a.close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "catalog database path (overrides config)")
	root.PersistentFlags().StringVar(&account, "account", envOr("DIDCAT_ACCOUNT", "root"), "issuer account")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newScopeCmd(&a),
		newRegisterCmd(&a),
		newAttachCmd(&a),
		newDetachCmd(&a),
		newCloseCmd(&a),
		newLsCmd(&a),
		newFilesCmd(&a),
		newMetaCmd(&a),
		newReplicasCmd(&a),
		newReplicaAddCmd(&a),
		newEraseCmd(&a),
		newExpiredCmd(&a),
		newQueueCmd(&a),
		newReaperCmd(&a),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "didcat:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
