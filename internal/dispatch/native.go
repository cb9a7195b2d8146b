package dispatch

import (
	"context"
	"fmt"
	"plugin"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
)

const strategyNative = "native"

// openFunc loads a library and returns its registration callback.
type openFunc func(path string) (handler.RegisterFunc, error)

// openPlugin opens a Go plugin and looks up its RegisterHandlers symbol.
func openPlugin(path string) (handler.RegisterFunc, error) {
	plug, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin %s: %w", path, err)
	}

	symbol, err := plug.Lookup(handler.RegisterSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s in %s: %w", handler.RegisterSymbol, path, err)
	}

	switch fn := symbol.(type) {
	case func(handler.Registrar) error:
		return fn, nil
	case *func(handler.Registrar) error:
		return *fn, nil
	default:
		return nil, fmt.Errorf("%s in %s has type %T, want func(handler.Registrar) error",
			handler.RegisterSymbol, path, symbol)
	}
}

// Loader loads every native library once per path and hands out ref-counted references to it.
// A library entry is released when its last reference is released. The Go runtime cannot unmap a
// plugin, so a released library that is opened again is registered anew from the cached image.
type Loader struct {
	open openFunc
	log  *logger.Logger

	mu   sync.Mutex
	libs map[string]*Library
}

// NewLoader creates a loader backed by the plugin package.
func NewLoader(log *logger.Logger) *Loader {
	return newLoader(openPlugin, log)
}

func newLoader(open openFunc, log *logger.Logger) *Loader {
	return &Loader{
		open: open,
		log:  log.WithComponent(common.ComponentDispatch),
		libs: make(map[string]*Library),
	}
}

// Open returns a reference to the library at path, loading and registering it on first use.
// The caller owns the reference and must Release it.
func (l *Loader) Open(path string) (*Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lib, ok := l.libs[path]; ok {
		lib.refs++
		return lib, nil
	}

	register, err := l.open(path)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	if err := register(registry); err != nil {
		return nil, fmt.Errorf("failed to register handlers of %s: %w", path, err)
	}

	lib := &Library{path: path, loader: l, registry: registry, refs: 1}
	l.libs[path] = lib
	LibrariesLoadedSet(len(l.libs))

	l.log.Infow("native handler library loaded", "path", path, "handlers", len(registry.Keys()))

	return lib, nil
}

// Loaded returns the number of libraries with live references.
func (l *Loader) Loaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.libs)
}

func (l *Loader) release(lib *Library) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lib.refs--
	if lib.refs > 0 {
		return
	}

	delete(l.libs, lib.path)
	LibrariesLoadedSet(len(l.libs))
	l.log.Infow("native handler library released", "path", lib.path)
}

// Library is a loaded native library. Every reference, including every bound Proxy, keeps it alive.
type Library struct {
	path     string
	loader   *Loader
	registry *Registry
	refs     int // guarded by loader.mu
}

// Path returns the path the library was loaded from.
func (lib *Library) Path() string {
	return lib.path
}

// Bind returns a proxy for the handler registered under key. The proxy holds its own reference.
func (lib *Library) Bind(key Key) (*Proxy, error) {
	fn, ok := lib.registry.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownHandler, key, lib.path)
	}

	lib.loader.mu.Lock()
	defer lib.loader.mu.Unlock()
	if lib.refs == 0 {
		return nil, fmt.Errorf("library %s was released", lib.path)
	}
	lib.refs++

	return &Proxy{lib: lib, key: key, fn: fn}, nil
}

// Release drops the caller's reference.
func (lib *Library) Release() {
	lib.loader.release(lib)
}

// Proxy calls a native handler and keeps its library referenced until released.
type Proxy struct {
	lib      *Library
	key      Key
	fn       handler.Func
	released atomic.Bool
}

// Call invokes the handler. A panic inside handler code is returned as an error.
func (p *Proxy) Call(ctx context.Context, trigger handler.Trigger, host handler.Host) (err error) {
	if p.released.Load() {
		return fmt.Errorf("handler %s called after release", p.key)
	}

	defer func() {
		if r := recover(); r != nil {
			HandlerPanicInc()
			err = fmt.Errorf("handler %s panicked: %v\n%s", p.key, r, debug.Stack())
		}
	}()

	return p.fn(ctx, trigger, host)
}

// Release drops the proxy's library reference. It is safe to call more than once.
func (p *Proxy) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.lib.Release()
	}
}

var _ Dispatcher = (*NativeDispatcher)(nil)

// NativeDispatcher dispatches to one native library, binding proxies on first use.
type NativeDispatcher struct {
	lib *Library
	log *logger.Logger

	mu      sync.Mutex
	proxies map[Key]*Proxy
	closed  bool
}

// NewNativeDispatcher opens the library at path through loader.
func NewNativeDispatcher(loader *Loader, path string) (*NativeDispatcher, error) {
	lib, err := loader.Open(path)
	if err != nil {
		return nil, err
	}

	return &NativeDispatcher{
		lib:     lib,
		log:     loader.log,
		proxies: make(map[Key]*Proxy),
	}, nil
}

func (d *NativeDispatcher) proxy(key Key) (*Proxy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("dispatcher for %s is closed", d.lib.path)
	}
	if p, ok := d.proxies[key]; ok {
		return p, nil
	}

	p, err := d.lib.Bind(key)
	if err != nil {
		return nil, err
	}
	d.proxies[key] = p

	return p, nil
}

// Dispatch calls the handler the trigger names.
func (d *NativeDispatcher) Dispatch(ctx context.Context, trigger handler.Trigger, host handler.Host) error {
	p, err := d.proxy(KeyOf(trigger))
	if err != nil {
		return err
	}

	started := time.Now()
	err = p.Call(ctx, trigger, host)
	HandlerCallLog(strategyNative, started, err)

	return err
}

// Close releases every proxy and the dispatcher's own library reference.
func (d *NativeDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	for _, p := range d.proxies {
		p.Release()
	}
	d.proxies = nil
	d.lib.Release()

	return nil
}
