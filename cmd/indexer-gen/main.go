package main

import (
	"fmt"
	"os"

	"github.com/goran-ethernal/MultiChainIndexor/internal/codegen"
	"github.com/spf13/cobra"
)

const version = "0.2.0"

var gen codegen.Generator

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexer-gen",
	Short: "Generate native handler libraries from event signatures",
	Long: `indexer-gen scaffolds a native handler library for ethereum events: a Go plugin
registering one handler per event, the events ABI, a deployment manifest binding the
handlers and a README describing the stored entities.`,
	Version: version,
	Example: `  # ERC20 token handlers
  indexer-gen --name ERC20Token \
    --event "Transfer(address indexed from, address indexed to, uint256 value)" \
    --event "Approval(address indexed owner, address indexed spender, uint256 value)" \
    --address 0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48 --start-block 6082465

  # Preview without writing files
  indexer-gen --name MyToken --event "Transfer(address,address,uint256)" --dry-run`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := gen.Generate()
		if err != nil {
			return err
		}

		if gen.DryRun {
			fmt.Println("\nDry run complete. No files were created.")
			return nil
		}

		gen.PrintSummary(files)
		return nil
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&gen.Name, "name", "n", "", "indexer name (required, PascalCase, e.g., 'ERC20Token')")
	flags.StringArrayVarP(&gen.Events, "event", "e", nil, "event signature (required, can be specified multiple times)")
	flags.StringVarP(&gen.OutputDir, "output", "o", "", "output directory (default: ./indexers/<name_lowercase>)")
	flags.StringVarP(&gen.Package, "package", "p", "", "plugin name (default: derived from name)")
	flags.StringVar(&gen.Network, "network", "", "network of the data source (default: mainnet)")
	flags.StringVar(&gen.Address, "address", "", "contract address (default: any contract)")
	flags.Uint64Var(&gen.StartBlock, "start-block", 0, "first block of the data source")
	flags.BoolVarP(&gen.Force, "force", "f", false, "overwrite existing files")
	flags.BoolVar(&gen.DryRun, "dry-run", false, "show what would be generated without writing files")

	_ = rootCmd.MarkFlagRequired("name")
	_ = rootCmd.MarkFlagRequired("event")
}
