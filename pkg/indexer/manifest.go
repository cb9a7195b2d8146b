package indexer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidManifest is returned for manifests that cannot be parsed or fail validation.
var ErrInvalidManifest = errors.New("invalid manifest")

// Mapping kinds.
const (
	MappingNative = "native"
	MappingWasm   = "wasm"
)

// Block handler filter kinds.
const (
	BlockFilterCall    = "call"
	BlockFilterPolling = "polling"
)

// Manifest describes what a deployment indexes and which code handles it.
type Manifest struct {
	SpecVersion string               `yaml:"spec_version" json:"spec_version"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	DataSources []DataSource         `yaml:"data_sources" json:"data_sources"`
	Templates   []DataSourceTemplate `yaml:"templates,omitempty" json:"templates,omitempty"`

	raw     []byte
	baseDir string
}

// DataSource declares the on-chain activity a mapping cares about.
type DataSource struct {
	// Kind is the chain type of the data source
	Kind    string  `yaml:"kind" json:"kind"`
	Name    string  `yaml:"name" json:"name"`
	Network string  `yaml:"network" json:"network"`
	Source  Source  `yaml:"source" json:"source"`
	Mapping Mapping `yaml:"mapping" json:"mapping"`

	// Template is set for data sources created at runtime
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	// Context is handed to handlers of data sources created at runtime
	Context map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
}

// Source selects the contract, program or pallet a data source watches.
type Source struct {
	// Address is the contract/program address; empty matches any address
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// ABI is an optional path to a contract ABI used to decode event parameters
	ABI string `yaml:"abi,omitempty" json:"abi,omitempty"`

	// StartBlock is the first block the data source is active in
	StartBlock uint64 `yaml:"start_block" json:"start_block"`
}

// Mapping binds chain activity to handlers.
type Mapping struct {
	// Kind selects the execution strategy: "native" or "wasm"
	Kind string `yaml:"kind" json:"kind"`

	// File is the handler module: a plugin (.so) or a wasm module; s3://bucket/key is fetched
	File string `yaml:"file" json:"file"`

	BlockHandlers []BlockHandler `yaml:"block_handlers,omitempty" json:"block_handlers,omitempty"`
	EventHandlers []EventHandler `yaml:"event_handlers,omitempty" json:"event_handlers,omitempty"`
	CallHandlers  []CallHandler  `yaml:"call_handlers,omitempty" json:"call_handlers,omitempty"`
}

// BlockHandler is invoked per block, optionally restricted by a filter.
type BlockHandler struct {
	Handler string              `yaml:"handler" json:"handler"`
	Filter  *BlockHandlerFilter `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// BlockHandlerFilter restricts a block handler to blocks touching the source ("call")
// or to every N-th block ("polling").
type BlockHandlerFilter struct {
	Kind  string `yaml:"kind" json:"kind"`
	Every uint64 `yaml:"every,omitempty" json:"every,omitempty"`
}

// EventHandler is invoked for every matching event, log or log message.
type EventHandler struct {
	Event   string `yaml:"event" json:"event"`
	Handler string `yaml:"handler" json:"handler"`
}

// CallHandler is invoked for every matching call, instruction or extrinsic.
type CallHandler struct {
	Function string `yaml:"function" json:"function"`
	Handler  string `yaml:"handler" json:"handler"`
}

// DataSourceTemplate is a data source without an address, instantiated by handlers at runtime.
type DataSourceTemplate struct {
	Kind    string         `yaml:"kind" json:"kind"`
	Name    string         `yaml:"name" json:"name"`
	Network string         `yaml:"network" json:"network"`
	Source  TemplateSource `yaml:"source" json:"source"`
	Mapping Mapping        `yaml:"mapping" json:"mapping"`
}

// TemplateSource is the address-less source of a template.
type TemplateSource struct {
	ABI string `yaml:"abi,omitempty" json:"abi,omitempty"`
}

// Instantiate creates a data source from the template.
func (t *DataSourceTemplate) Instantiate(name, address string, startBlock uint64, ctx map[string]any) DataSource {
	return DataSource{
		Kind:    t.Kind,
		Name:    name,
		Network: t.Network,
		Source: Source{
			Address:    address,
			ABI:        t.Source.ABI,
			StartBlock: startBlock,
		},
		Mapping:  t.Mapping,
		Template: t.Name,
		Context:  ctx,
	}
}

// HasHandlers returns true if the mapping declares at least one handler.
func (m *Mapping) HasHandlers() bool {
	return len(m.BlockHandlers)+len(m.EventHandlers)+len(m.CallHandlers) > 0
}

// Handlers returns every handler name of the mapping in declaration order.
func (m *Mapping) Handlers() []string {
	names := make([]string, 0, len(m.BlockHandlers)+len(m.EventHandlers)+len(m.CallHandlers))
	for _, h := range m.BlockHandlers {
		names = append(names, h.Handler)
	}
	for _, h := range m.EventHandlers {
		names = append(names, h.Handler)
	}
	for _, h := range m.CallHandlers {
		names = append(names, h.Handler)
	}

	return names
}

func (m *Mapping) validate() error {
	if m.Kind != MappingNative && m.Kind != MappingWasm {
		return fmt.Errorf("mapping.kind must be one of: native, wasm")
	}
	if m.File == "" {
		return fmt.Errorf("mapping.file is required")
	}
	if !m.HasHandlers() {
		return fmt.Errorf("mapping must declare at least one handler")
	}

	for i, h := range m.BlockHandlers {
		if h.Handler == "" {
			return fmt.Errorf("block_handlers[%d]: handler is required", i)
		}
		if h.Filter == nil {
			continue
		}
		switch h.Filter.Kind {
		case BlockFilterCall:
		case BlockFilterPolling:
			if h.Filter.Every == 0 {
				return fmt.Errorf("block_handlers[%d]: polling filter requires every > 0", i)
			}
		default:
			return fmt.Errorf("block_handlers[%d]: filter.kind must be one of: call, polling", i)
		}
	}
	for i, h := range m.EventHandlers {
		if h.Handler == "" || h.Event == "" {
			return fmt.Errorf("event_handlers[%d]: event and handler are required", i)
		}
	}
	for i, h := range m.CallHandlers {
		if h.Handler == "" || h.Function == "" {
			return fmt.Errorf("call_handlers[%d]: function and handler are required", i)
		}
	}

	return nil
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest: %w", ErrInvalidManifest, err)
	}

	m.raw = data

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	return &m, nil
}

// LoadManifest reads a manifest from disk; relative paths in it resolve against its directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	absDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest directory: %w", err)
	}
	m.baseDir = absDir

	return m, nil
}

// Validate checks the manifest for structural errors.
func (m *Manifest) Validate() error {
	if len(m.DataSources) == 0 {
		return fmt.Errorf("at least one data source is required")
	}

	var (
		chainType chain.ChainType
		network   string
		names     = make(map[string]struct{})
	)

	for i := range m.DataSources {
		ds := &m.DataSources[i]
		if ds.Name == "" {
			return fmt.Errorf("data_sources[%d]: name is required", i)
		}
		if _, dup := names[ds.Name]; dup {
			return fmt.Errorf("data_sources[%d]: duplicate name '%s'", i, ds.Name)
		}
		names[ds.Name] = struct{}{}

		ct, err := chain.ParseChainType(ds.Kind)
		if err != nil {
			return fmt.Errorf("data_sources[%d] (%s): %w", i, ds.Name, err)
		}
		if i == 0 {
			chainType, network = ct, ds.Network
		} else if ct != chainType || ds.Network != network {
			return fmt.Errorf("data_sources[%d] (%s): all data sources must share chain type and network", i, ds.Name)
		}

		if err := ds.Mapping.validate(); err != nil {
			return fmt.Errorf("data_sources[%d] (%s): %w", i, ds.Name, err)
		}
	}

	templates := make(map[string]struct{})
	for i := range m.Templates {
		tpl := &m.Templates[i]
		if tpl.Name == "" {
			return fmt.Errorf("templates[%d]: name is required", i)
		}
		if _, dup := templates[tpl.Name]; dup {
			return fmt.Errorf("templates[%d]: duplicate name '%s'", i, tpl.Name)
		}
		templates[tpl.Name] = struct{}{}

		ct, err := chain.ParseChainType(tpl.Kind)
		if err != nil {
			return fmt.Errorf("templates[%d] (%s): %w", i, tpl.Name, err)
		}
		if ct != chainType {
			return fmt.Errorf("templates[%d] (%s): template chain type must match data sources", i, tpl.Name)
		}
		if err := tpl.Mapping.validate(); err != nil {
			return fmt.Errorf("templates[%d] (%s): %w", i, tpl.Name, err)
		}
	}

	return nil
}

// ChainType returns the chain type shared by all data sources.
func (m *Manifest) ChainType() chain.ChainType {
	ct, _ := chain.ParseChainType(m.DataSources[0].Kind)
	return ct
}

// Network returns the network shared by all data sources.
func (m *Manifest) Network() string {
	return m.DataSources[0].Network
}

// Hash returns the content hash of the manifest.
func (m *Manifest) Hash() DeploymentHash {
	return HashManifest(m.raw)
}

// Raw returns the manifest bytes the manifest was parsed from.
func (m *Manifest) Raw() []byte {
	return m.raw
}

// BaseDir returns the directory relative paths resolve against.
func (m *Manifest) BaseDir() string {
	return m.baseDir
}

// SetBaseDir sets the directory relative paths resolve against.
func (m *Manifest) SetBaseDir(dir string) {
	m.baseDir = dir
}

// Template returns the template with the given name.
func (m *Manifest) Template(name string) (*DataSourceTemplate, bool) {
	for i := range m.Templates {
		if m.Templates[i].Name == name {
			return &m.Templates[i], true
		}
	}

	return nil, false
}

// StartBlock returns the lowest start block across all data sources.
func (m *Manifest) StartBlock() uint64 {
	start := m.DataSources[0].Source.StartBlock
	for _, ds := range m.DataSources[1:] {
		start = min(start, ds.Source.StartBlock)
	}

	return start
}

// ResolvePath resolves a path from the manifest; URLs are returned unchanged.
func (m *Manifest) ResolvePath(p string) string {
	if p == "" || strings.Contains(p, "://") || filepath.IsAbs(p) || m.baseDir == "" {
		return p
	}

	return filepath.Join(m.baseDir, p)
}

// HashManifest returns the deployment hash of raw manifest bytes.
func HashManifest(raw []byte) DeploymentHash {
	return DeploymentHash(crypto.Keccak256Hash(raw).Hex())
}
