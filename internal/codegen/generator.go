// Package codegen scaffolds native handler libraries for ethereum event indexers.
package codegen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	mkdirPerm = 0755
	filePerm  = 0644

	defaultNetwork = "mainnet"
)

// Generator writes a handler library, its manifest and ABI for a set of event signatures.
type Generator struct {
	Name       string   // e.g. "ERC20Token"
	Package    string   // plugin name, defaults to the lowercase name
	Events     []string // event signatures
	OutputDir  string   // defaults to ./indexers/<package>
	Network    string
	Address    string // contract address, empty matches any contract
	StartBlock uint64
	Force      bool // overwrite existing files
	DryRun     bool // print what would be written
}

// GeneratedFiles lists the written paths.
type GeneratedFiles struct {
	HandlersFile string
	ManifestFile string
	ABIFile      string
	ReadmeFile   string
}

// Generate renders and writes every file.
func (g *Generator) Generate() (*GeneratedFiles, error) {
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	events, err := g.parseEvents()
	if err != nil {
		return nil, fmt.Errorf("failed to parse events: %w", err)
	}

	if g.Package == "" {
		g.Package = strings.ToLower(g.Name)
	}
	if g.OutputDir == "" {
		g.OutputDir = filepath.Join(".", "indexers", g.Package)
	}
	if g.Network == "" {
		g.Network = defaultNetwork
	}

	data := &TemplateData{
		Name:       g.Name,
		Package:    g.Package,
		Network:    g.Network,
		Address:    g.Address,
		StartBlock: g.StartBlock,
		Events:     events,
	}

	if !g.Force {
		if _, err := os.Stat(g.OutputDir); err == nil {
			return nil, fmt.Errorf("output directory already exists: %s (use --force to overwrite)", g.OutputDir)
		}
	}

	files := &GeneratedFiles{}
	outputs := []struct {
		path     *string
		render   func(*TemplateData) (string, error)
		filename string
	}{
		{&files.HandlersFile, RenderHandlers, "handlers.go"},
		{&files.ABIFile, RenderABI, "abi.json"},
		{&files.ManifestFile, RenderManifest, "manifest.yaml"},
		{&files.ReadmeFile, RenderReadme, "README.md"},
	}

	for _, out := range outputs {
		content, err := out.render(data)
		if err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", out.filename, err)
		}

		path := filepath.Join(g.OutputDir, out.filename)
		*out.path = path

		if err := g.writeFile(path, content); err != nil {
			return nil, err
		}
	}

	return files, nil
}

func (g *Generator) validate() error {
	if g.Name == "" {
		return fmt.Errorf("indexer name is required")
	}
	if len(g.Events) == 0 {
		return fmt.Errorf("at least one event signature is required")
	}
	if first := g.Name[0]; first < 'A' || first > 'Z' {
		return fmt.Errorf("indexer name should start with an uppercase letter: %s", g.Name)
	}
	if g.Address != "" && !common.IsHexAddress(g.Address) {
		return fmt.Errorf("invalid contract address: %s", g.Address)
	}

	return nil
}

func (g *Generator) parseEvents() ([]*EventSignature, error) {
	events := make([]*EventSignature, 0, len(g.Events))
	names := make(map[string]bool, len(g.Events))

	for i, sig := range g.Events {
		event, err := ParseEventSignature(sig)
		if err != nil {
			return nil, fmt.Errorf("invalid event signature #%d '%s': %w", i+1, sig, err)
		}

		if names[event.Name] {
			return nil, fmt.Errorf("duplicate event name: %s", event.Name)
		}
		names[event.Name] = true

		events = append(events, event)
	}

	return events, nil
}

func (g *Generator) writeFile(path, content string) error {
	if g.DryRun {
		fmt.Printf("Would create: %s\n", path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), mkdirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}

	if !g.Force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(content), filePerm); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	fmt.Printf("Generated: %s\n", path)
	return nil
}

// PrintSummary prints the generated files and the next steps.
func (g *Generator) PrintSummary(files *GeneratedFiles) {
	fmt.Println("\n✓ Successfully generated handler library!")
	fmt.Printf("\nIndexer: %s\n", g.Name)
	fmt.Printf("Output:  %s\n", g.OutputDir)
	fmt.Printf("Events:  %d\n", len(g.Events))

	fmt.Println("\nGenerated files:")
	fmt.Printf("  • %s\n", files.HandlersFile)
	fmt.Printf("  • %s\n", files.ABIFile)
	fmt.Printf("  • %s\n", files.ManifestFile)
	fmt.Printf("  • %s\n", files.ReadmeFile)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. cd %s && go build -buildmode=plugin -o %s.so .\n", g.OutputDir, g.Package)
	if g.Address == "" {
		fmt.Println("  2. Set source.address in manifest.yaml, or keep it empty to match every contract")
	} else {
		fmt.Println("  2. Review manifest.yaml")
	}
	fmt.Printf("  3. indexer create --name %s --manifest %s\n", g.Package, files.ManifestFile)
}
