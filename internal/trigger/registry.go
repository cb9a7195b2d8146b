package trigger

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
)

var (
	// ErrUnsupportedKind is returned by scanners for data kinds they cannot decode.
	ErrUnsupportedKind = errors.New("unsupported data kind")

	// ErrNoScanner is returned when no scanner is registered for a chain type.
	ErrNoScanner = errors.New("no scanner registered for chain type")
)

// Scanner decodes envelopes of one chain type and walks them against a filter.
//
// Scan must be deterministic: the same envelope and filter always yield the same occurrences in
// the same order. Elements that fail to decode are logged, counted and skipped.
type Scanner interface {
	ChainType() chain.ChainType
	Normalizer() Normalizer
	Scan(env *chain.RawEnvelope, filter *Filter) (*BlockWithTriggers, error)
}

// Registry routes envelopes to the scanner of their chain type.
type Registry struct {
	mu       sync.RWMutex
	scanners map[chain.ChainType]Scanner
	log      *logger.Logger
}

// NewRegistry creates a registry holding the given scanners.
func NewRegistry(log *logger.Logger, scanners ...Scanner) *Registry {
	r := &Registry{
		scanners: make(map[chain.ChainType]Scanner, len(scanners)),
		log:      log.WithComponent(common.ComponentScanner),
	}
	for _, s := range scanners {
		r.Register(s)
	}

	return r
}

// Register adds a scanner, replacing any scanner of the same chain type.
func (r *Registry) Register(s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.scanners[s.ChainType()]; exists {
		r.log.Infof("scanner for chain type %s already registered, it will be overwritten", s.ChainType())
	}
	r.scanners[s.ChainType()] = s
}

// Get returns the scanner of a chain type.
func (r *Registry) Get(chainType chain.ChainType) (Scanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scanners[chainType]
	if !ok {
		return nil, fmt.Errorf("%w: %s (registered: %v)", ErrNoScanner, chainType, r.listLocked())
	}

	return s, nil
}

// List returns the registered chain types in sorted order.
func (r *Registry) List() []chain.ChainType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []chain.ChainType {
	types := make([]chain.ChainType, 0, len(r.scanners))
	for t := range r.scanners {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// NewFilter builds a filter for the chain type using its scanner's normalizer.
func (r *Registry) NewFilter(chainType chain.ChainType) (*Filter, error) {
	s, err := r.Get(chainType)
	if err != nil {
		return nil, err
	}

	return FromDataSources(chainType, nil, s.Normalizer())
}

// Scan routes env to its scanner. An envelope that cannot be decoded at all is logged, counted
// and yields its block with no triggers so the caller can still advance its checkpoint.
func (r *Registry) Scan(env *chain.RawEnvelope, filter *Filter) (*BlockWithTriggers, error) {
	if env.ChainType != filter.ChainType() {
		return nil, fmt.Errorf("envelope chain type %s does not match filter chain type %s",
			env.ChainType, filter.ChainType())
	}

	s, err := r.Get(env.ChainType)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.Scan(env, filter)
	if err != nil {
		DecodeErrorInc(env.ChainType.String(), string(env.DataKind))
		r.log.Warnf("skipping undecodable %s %s envelope at block %d: %v",
			env.ChainType, env.DataKind, env.BlockNumber, err)

		return NewBlockWithTriggers(BlockFromEnvelope(env)), nil
	}

	ScanLog(env.ChainType.String(), result, time.Since(start))
	return result, nil
}
