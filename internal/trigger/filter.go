package trigger

import (
	"fmt"
	"slices"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
)

// AnyKey matches every event or call key.
const AnyKey = "*"

// Normalizer converts manifest values into the keys a chain's scanner matches on.
type Normalizer interface {
	// Address normalizes a contract or program address. Empty stays empty and matches any address.
	Address(addr string) (string, error)
	// Event normalizes an event signature into an event key.
	Event(event string) (string, error)
	// Call normalizes a function signature into a call key.
	Call(function string) (string, error)
}

// PrefixMatcher is implemented by normalizers whose keys match as prefixes
// (Solana instruction data and log messages).
type PrefixMatcher interface {
	PrefixKeys() bool
}

// Match is a handler selected by the filter.
type Match struct {
	Handler    string
	DataSource string
	Address    string
	ABI        string
	Context    map[string]any
}

type keyedHandler struct {
	key     string
	handler string
}

type blockHandler struct {
	handler string
	kind    string
	every   uint64
}

// source holds the normalized criteria of one data source.
type source struct {
	name       string
	address    string
	abi        string
	startBlock uint64
	context    map[string]any

	events []keyedHandler
	calls  []keyedHandler
	blocks []blockHandler
}

func (s *source) active(block uint64) bool {
	return block >= s.startBlock
}

func (s *source) matchesAddress(addr string) bool {
	return s.address == "" || s.address == addr
}

func (s *source) match(handler string) Match {
	return Match{
		Handler:    handler,
		DataSource: s.name,
		Address:    s.address,
		ABI:        s.abi,
		Context:    s.context,
	}
}

// Filter is the union of the match criteria of a deployment's data sources.
// It is owned by a single runtime and not safe for concurrent mutation.
type Filter struct {
	chainType  chain.ChainType
	normalizer Normalizer
	prefix     bool
	sources    []*source
}

// FromDataSources builds a filter from data sources of a single chain type.
func FromDataSources(chainType chain.ChainType, sources []indexer.DataSource, n Normalizer) (*Filter, error) {
	f := &Filter{chainType: chainType, normalizer: n}
	if pm, ok := n.(PrefixMatcher); ok {
		f.prefix = pm.PrefixKeys()
	}

	if err := f.Extend(sources); err != nil {
		return nil, err
	}

	return f, nil
}

// Extend adds the criteria of more data sources. Existing criteria are never discarded;
// on error the filter is left unchanged.
func (f *Filter) Extend(sources []indexer.DataSource) error {
	added := make([]*source, 0, len(sources))
	names := make(map[string]struct{}, len(f.sources)+len(sources))
	for _, s := range f.sources {
		names[s.name] = struct{}{}
	}

	for i := range sources {
		ds := &sources[i]

		if _, exists := names[ds.Name]; exists {
			return fmt.Errorf("data source %q already in filter", ds.Name)
		}
		names[ds.Name] = struct{}{}

		s, err := f.normalize(ds)
		if err != nil {
			return fmt.Errorf("data source %q: %w", ds.Name, err)
		}
		added = append(added, s)
	}

	f.sources = append(f.sources, added...)
	return nil
}

func (f *Filter) normalize(ds *indexer.DataSource) (*source, error) {
	ct, err := chain.ParseChainType(ds.Kind)
	if err != nil {
		return nil, err
	}
	if ct != f.chainType {
		return nil, fmt.Errorf("chain type %s does not match filter chain type %s", ct, f.chainType)
	}

	addr, err := f.normalizer.Address(ds.Source.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", ds.Source.Address, err)
	}

	s := &source{
		name:       ds.Name,
		address:    addr,
		abi:        ds.Source.ABI,
		startBlock: ds.Source.StartBlock,
		context:    ds.Context,
	}

	for _, h := range ds.Mapping.EventHandlers {
		key := AnyKey
		if h.Event != AnyKey {
			if key, err = f.normalizer.Event(h.Event); err != nil {
				return nil, fmt.Errorf("invalid event %q: %w", h.Event, err)
			}
		}
		s.events = append(s.events, keyedHandler{key: key, handler: h.Handler})
	}

	for _, h := range ds.Mapping.CallHandlers {
		key := AnyKey
		if h.Function != AnyKey {
			if key, err = f.normalizer.Call(h.Function); err != nil {
				return nil, fmt.Errorf("invalid function %q: %w", h.Function, err)
			}
		}
		s.calls = append(s.calls, keyedHandler{key: key, handler: h.Handler})
	}

	for _, h := range ds.Mapping.BlockHandlers {
		bh := blockHandler{handler: h.Handler}
		if h.Filter != nil {
			bh.kind = h.Filter.Kind
			bh.every = h.Filter.Every
		}
		if bh.kind == indexer.BlockFilterPolling && bh.every == 0 {
			return nil, fmt.Errorf("block handler %s: polling filter requires every > 0", h.Handler)
		}
		s.blocks = append(s.blocks, bh)
	}

	return s, nil
}

// ChainType returns the chain type of the filter.
func (f *Filter) ChainType() chain.ChainType {
	return f.chainType
}

// Len returns the number of data sources in the filter.
func (f *Filter) Len() int {
	return len(f.sources)
}

// DataSources returns the data source names in declaration order.
func (f *Filter) DataSources() []string {
	names := make([]string, 0, len(f.sources))
	for _, s := range f.sources {
		names = append(names, s.name)
	}
	return names
}

// Addresses returns the distinct non-empty source addresses.
func (f *Filter) Addresses() []string {
	var out []string
	for _, s := range f.sources {
		if s.address != "" && !slices.Contains(out, s.address) {
			out = append(out, s.address)
		}
	}
	return out
}

func (f *Filter) keyMatches(want, got string) bool {
	if want == AnyKey || want == got {
		return true
	}
	return f.prefix && len(got) > len(want) && got[:len(want)] == want
}

// MatchEvent returns the event handlers matching an event emitted by address at block.
// Matches are ordered by data source declaration, then handler declaration.
func (f *Filter) MatchEvent(block uint64, address, key string) []Match {
	return f.matchKeyed(block, address, key, func(s *source) []keyedHandler { return s.events })
}

// MatchCall returns the call handlers matching a call to address at block.
func (f *Filter) MatchCall(block uint64, address, key string) []Match {
	return f.matchKeyed(block, address, key, func(s *source) []keyedHandler { return s.calls })
}

func (f *Filter) matchKeyed(block uint64, address, key string, handlers func(*source) []keyedHandler) []Match {
	var out []Match
	for _, s := range f.sources {
		if !s.active(block) || !s.matchesAddress(address) {
			continue
		}
		for _, h := range handlers(s) {
			if f.keyMatches(h.key, key) {
				out = append(out, s.match(h.handler))
			}
		}
	}
	return out
}

// MatchBlock returns the block handlers that fire at block. touched reports whether the block
// contains a call to an address; it backs the "call" block filter.
func (f *Filter) MatchBlock(block uint64, touched func(address string) bool) []Match {
	var out []Match
	for _, s := range f.sources {
		if !s.active(block) {
			continue
		}
		for _, h := range s.blocks {
			switch h.kind {
			case indexer.BlockFilterCall:
				if !touched(s.address) {
					continue
				}
			case indexer.BlockFilterPolling:
				if (block-s.startBlock)%h.every != 0 {
					continue
				}
			}
			out = append(out, s.match(h.handler))
		}
	}
	return out
}

// HasBlockHandlers returns true if any source declares a block handler.
func (f *Filter) HasBlockHandlers() bool {
	for _, s := range f.sources {
		if len(s.blocks) > 0 {
			return true
		}
	}
	return false
}
