// Package dispatch resolves trigger occurrences to mapping code and invokes it.
//
// Two strategies sit behind the Dispatcher interface: native Go plugins bound through ref-counted
// proxies, and wasm modules running in a fuel and memory bounded sandbox. Both stage mutations
// through the handler.Host they are given and report failures as plain errors.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
)

// ErrUnknownHandler is returned when a trigger names a handler the mapping code does not provide.
var ErrUnknownHandler = errors.New("unknown handler")

// Dispatcher invokes the handler named by a trigger.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger handler.Trigger, host handler.Host) error
	Close() error
}

// Key identifies a handler registered by native mapping code.
type Key struct {
	ChainType chain.ChainType
	DataKind  chain.DataKind
	Name      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ChainType, k.DataKind, k.Name)
}

// KeyOf returns the handler key a trigger resolves to.
func KeyOf(t handler.Trigger) Key {
	return Key{ChainType: t.ChainType, DataKind: t.DataKind, Name: t.Handler}
}

var _ handler.Registrar = (*Registry)(nil)

// Registry collects the handlers a native library registers.
type Registry struct {
	mu    sync.RWMutex
	funcs map[Key]handler.Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[Key]handler.Func)}
}

// Register adds a handler. Registering the same key twice is an error.
func (r *Registry) Register(chainType chain.ChainType, kind chain.DataKind, name string, fn handler.Func) error {
	if !chainType.IsValid() {
		return fmt.Errorf("invalid chain type %q", chainType)
	}
	if !kind.IsValid() {
		return fmt.Errorf("invalid data kind %q", kind)
	}
	if name == "" || fn == nil {
		return fmt.Errorf("handler name and function are required")
	}

	key := Key{ChainType: chainType, DataKind: kind, Name: name}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[key]; exists {
		return fmt.Errorf("handler %s already registered", key)
	}
	r.funcs[key] = fn

	return nil
}

// Lookup returns the handler registered under key.
func (r *Registry) Lookup(key Key) (handler.Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[key]
	return fn, ok
}

// Keys returns every registered key in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.funcs))
	for k := range r.funcs {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	return keys
}
