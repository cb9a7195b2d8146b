package main

import (
	"fmt"
	"os"

	"github.com/goran-ethernal/MultiChainIndexor/internal/config"
	pkgconfig "github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/spf13/cobra"
)

const (
	version = "1.0.0"
	banner  = `
╔═══════════════════════════════════════════╗
║        MultiChainIndexor v%s           ║
║   Multi-chain Block Indexing Runtime      ║
╚═══════════════════════════════════════════╝
`
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "MultiChainIndexor - multi-chain block indexing runtime",
	Long: `MultiChainIndexor watches EVM, Solana and Substrate chains, broadcasts their blocks
through a shared hub and runs user-defined indexers that turn matched triggers into
entities, with reorg-safe storage and per-deployment failure isolation.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runIndexer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	rootCmd.AddCommand(runCmd, createCmd, listCmd, schemaCmd, chainsCmd)
}

// loadConfig loads the configuration and makes sure the logging section is set.
func loadConfig() (*pkgconfig.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Logging == nil {
		cfg.Logging = &pkgconfig.LoggingConfig{}
		cfg.Logging.ApplyDefaults()
	}

	return cfg, nil
}
