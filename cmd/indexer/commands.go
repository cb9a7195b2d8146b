package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/manager"
	"github.com/goran-ethernal/MultiChainIndexor/internal/migrations"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	pkgconfig "github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

var (
	createName     string
	createManifest string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a deployment of a manifest",
	Long: `Create stores the manifest and registers it under the given name in the indexer
database. The deployment is started by the next run, or through the admin API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistrar(cmd.Context(), func(ctx context.Context, env *offlineEnv) error {
			body, err := os.ReadFile(createManifest)
			if err != nil {
				return fmt.Errorf("failed to read manifest: %w", err)
			}

			baseDir, err := filepath.Abs(filepath.Dir(createManifest))
			if err != nil {
				return fmt.Errorf("failed to resolve manifest directory: %w", err)
			}

			hash, err := env.registrar.AddManifest(ctx, body, baseDir)
			if err != nil {
				return err
			}

			loc, err := env.registrar.CreateIndexer(ctx, createName, hash)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created %s (deployment %s)\n", createName, loc)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistrar(cmd.Context(), func(ctx context.Context, env *offlineEnv) error {
			stores, closeStores, err := manager.NewStoreOpener(ctx, env.cfg.Store, env.db, nil, env.log)
			if err != nil {
				return err
			}
			defer closeStores()

			mgr := manager.New(env.registrar, manager.Components{Stores: stores}, env.cfg.Runtime, env.log)
			list, err := mgr.List(ctx)
			if err != nil {
				return err
			}

			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "(no deployments registered)")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tID\tCHAIN\tNETWORK\tSTATUS\tBLOCK\tHASH\tFAILURE")
			for _, d := range list {
				block := "-"
				if d.BlockPtr != nil {
					block = fmt.Sprintf("%d", d.BlockPtr.Number)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					d.Name, d.Locator.ID, d.ChainType, d.Network, d.Status, block, d.Locator.Hash, d.Failure)
			}

			return w.Flush()
		})
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
		}

		schema := r.Reflect(&pkgconfig.Config{})
		schema.Title = "MultiChainIndexor configuration"

		out, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode schema: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// finalityOptions lists the accepted finality values per chain type.
var finalityOptions = map[chain.ChainType]string{
	chain.Ethereum:  "finalized, safe, latest",
	chain.Solana:    "finalized, confirmed, processed",
	chain.Substrate: "finalized, best",
}

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List supported chain types and the configured chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

		fmt.Fprintln(w, "TYPE\tFINALITY")
		for _, t := range chain.AllChainTypes {
			fmt.Fprintf(w, "%s\t%s\n", t, finalityOptions[t])
		}
		if err := w.Flush(); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			// the configuration is optional for this command
			return nil //nolint:nilerr
		}

		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(w, "CONFIGURED\tNETWORK\tFINALITY\tRPC")
		for _, c := range cfg.Chains {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Type, c.Network, c.Finality, c.RPCURL)
		}
		if cfg.Hub.RemoteAddress != "" {
			fmt.Fprintf(w, "remote hub\t-\t-\t%s\n", cfg.Hub.RemoteAddress)
		}

		return w.Flush()
	},
}

func init() {
	createCmd.Flags().StringVarP(&createName, "name", "n", "", "deployment name")
	createCmd.Flags().StringVarP(&createManifest, "manifest", "m", "", "path to the manifest file")
	_ = createCmd.MarkFlagRequired("name")
	_ = createCmd.MarkFlagRequired("manifest")
}

// offlineEnv is the indexer database opened without starting any chain or runtime.
type offlineEnv struct {
	cfg       *pkgconfig.Config
	db        *sql.DB
	registrar *manager.Registrar
	log       *logger.Logger
}

func withRegistrar(ctx context.Context, fn func(context.Context, *offlineEnv) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.NewComponentLoggerFromConfig(common.ComponentRegistrar, cfg.Logging)

	sqlDB, err := db.NewSQLiteDBFromConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer sqlDB.Close()

	if err := migrations.RunMigrationsDB(log, sqlDB); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return fn(ctx, &offlineEnv{
		cfg:       cfg,
		db:        sqlDB,
		registrar: manager.NewRegistrar(sqlDB, nil, log),
		log:       log,
	})
}
