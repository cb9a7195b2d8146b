package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
)

// Factory opens dispatchers for mapping modules. It is shared by every deployment of a process.
type Factory struct {
	loader  *Loader
	fetcher *Fetcher
	sandbox config.SandboxConfig
	log     *logger.Logger
}

// NewFactory creates a factory.
func NewFactory(loader *Loader, fetcher *Fetcher, sandbox config.SandboxConfig, log *logger.Logger) *Factory {
	return &Factory{
		loader:  loader,
		fetcher: fetcher,
		sandbox: sandbox,
		log:     log,
	}
}

// Open fetches the module ref points to and returns a dispatcher for the mapping kind.
func (f *Factory) Open(ctx context.Context, kind, ref string) (Dispatcher, error) {
	path, err := f.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	switch kind {
	case indexer.MappingNative:
		return NewNativeDispatcher(f.loader, path)
	case indexer.MappingWasm:
		wasm, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read wasm module %s: %w", path, err)
		}
		return NewSandbox(wasm, f.sandbox, f.log)
	default:
		return nil, fmt.Errorf("unsupported mapping kind %q", kind)
	}
}

// Set holds the dispatchers of one deployment, one per mapping module, opened on first use.
type Set struct {
	factory *Factory

	mu          sync.Mutex
	dispatchers map[string]Dispatcher
}

// NewSet creates an empty set.
func (f *Factory) NewSet() *Set {
	return &Set{
		factory:     f,
		dispatchers: make(map[string]Dispatcher),
	}
}

// Prepare opens the dispatcher of a mapping ahead of its first trigger.
func (s *Set) Prepare(ctx context.Context, mapping indexer.Mapping) error {
	_, err := s.get(ctx, mapping)
	return err
}

// Dispatch invokes the trigger's handler in the module of mapping. mapping.File must already be resolved.
func (s *Set) Dispatch(ctx context.Context, mapping indexer.Mapping, trigger handler.Trigger, host handler.Host) error {
	d, err := s.get(ctx, mapping)
	if err != nil {
		return err
	}

	return d.Dispatch(ctx, trigger, host)
}

func (s *Set) get(ctx context.Context, mapping indexer.Mapping) (Dispatcher, error) {
	key := mapping.Kind + ":" + mapping.File

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dispatchers[key]; ok {
		return d, nil
	}

	d, err := s.factory.Open(ctx, mapping.Kind, mapping.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping %s: %w", mapping.File, err)
	}
	s.dispatchers[key] = d

	return d, nil
}

// Close closes every dispatcher of the set.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, d := range s.dispatchers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", key, err))
		}
	}
	s.dispatchers = make(map[string]Dispatcher)

	return errors.Join(errs...)
}
