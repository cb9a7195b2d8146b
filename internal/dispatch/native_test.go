package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
	"github.com/stretchr/testify/require"
)

// memHost is an in-memory handler.Host.
type memHost struct {
	mu       sync.Mutex
	entities map[string]store.Entity
	sources  []handler.DataSourceRequest
	getErr   error
}

func newMemHost(entities ...store.Entity) *memHost {
	h := &memHost{entities: make(map[string]store.Entity)}
	for _, e := range entities {
		h.entities[e.Type+"/"+e.ID] = e
	}
	return h
}

func (h *memHost) Get(_ context.Context, entityType, id string) (*store.Entity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.getErr != nil {
		return nil, h.getErr
	}
	e, ok := h.entities[entityType+"/"+id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (h *memHost) Query(_ context.Context, q store.Query) ([]store.Entity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []store.Entity
	for _, e := range h.entities {
		if e.Type == q.Type {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *memHost) Save(_ context.Context, e store.Entity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entities[e.Type+"/"+e.ID] = e
	return nil
}

func (h *memHost) Remove(_ context.Context, entityType, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entities, entityType+"/"+id)
	return nil
}

func (h *memHost) CreateDataSource(_ context.Context, req handler.DataSourceRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = append(h.sources, req)
	return nil
}

func (h *memHost) entity(entityType, id string) (store.Entity, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entities[entityType+"/"+id]
	return e, ok
}

func eventTrigger(name string) handler.Trigger {
	return handler.Trigger{
		ChainType:  chain.Ethereum,
		DataKind:   chain.KindEvent,
		Handler:    name,
		DataSource: "token",
		Block:      chain.BlockPtr{Number: 10, Hash: "0x0a"},
		Payload:    []byte(`{"log_index":0}`),
	}
}

func testLibrary(r handler.Registrar) error {
	if err := r.Register(chain.Ethereum, chain.KindEvent, "handleTransfer",
		func(ctx context.Context, t handler.Trigger, host handler.Host) error {
			return host.Save(ctx, store.Entity{
				Type: "Transfer",
				ID:   t.Block.Hash,
				Data: map[string]any{"block": t.Block.Number},
			})
		}); err != nil {
		return err
	}

	if err := r.Register(chain.Ethereum, chain.KindEvent, "handlePanic",
		func(context.Context, handler.Trigger, handler.Host) error {
			panic("nil pointer in mapping")
		}); err != nil {
		return err
	}

	return r.Register(chain.Ethereum, chain.KindEvent, "handleFail",
		func(context.Context, handler.Trigger, handler.Host) error {
			return errors.New("unexpected event shape")
		})
}

func newTestLoader(opens *int) *Loader {
	return newLoader(func(path string) (handler.RegisterFunc, error) {
		if path == "missing.so" {
			return nil, errors.New("no such file")
		}
		*opens++
		return testLibrary, nil
	}, logger.NewNopLogger())
}

func TestRegistry_Register(t *testing.T) {
	noop := func(context.Context, handler.Trigger, handler.Host) error { return nil }

	tests := []struct {
		name      string
		chainType chain.ChainType
		kind      chain.DataKind
		handler   string
		fn        handler.Func
		wantErr   bool
	}{
		{name: "valid", chainType: chain.Solana, kind: chain.KindTransaction, handler: "h", fn: noop},
		{name: "duplicate", chainType: chain.Solana, kind: chain.KindTransaction, handler: "h", fn: noop, wantErr: true},
		{name: "same name other kind", chainType: chain.Solana, kind: chain.KindBlock, handler: "h", fn: noop},
		{name: "invalid chain", chainType: "bitcoin", kind: chain.KindBlock, handler: "h", fn: noop, wantErr: true},
		{name: "invalid kind", chainType: chain.Solana, kind: "receipt", handler: "h", fn: noop, wantErr: true},
		{name: "missing name", chainType: chain.Solana, kind: chain.KindBlock, fn: noop, wantErr: true},
		{name: "missing func", chainType: chain.Solana, kind: chain.KindEvent, handler: "h", wantErr: true},
	}

	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.chainType, tt.kind, tt.handler, tt.fn)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}

	require.Len(t, r.Keys(), 2)
}

func TestLoader_RefCounting(t *testing.T) {
	opens := 0
	loader := newTestLoader(&opens)

	first, err := loader.Open("erc20.so")
	require.NoError(t, err)
	second, err := loader.Open("erc20.so")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, opens)

	proxy, err := first.Bind(Key{ChainType: chain.Ethereum, DataKind: chain.KindEvent, Name: "handleTransfer"})
	require.NoError(t, err)

	first.Release()
	second.Release()
	// the proxy still holds the library
	require.Equal(t, 1, loader.Loaded())

	host := newMemHost()
	require.NoError(t, proxy.Call(context.Background(), eventTrigger("handleTransfer"), host))
	_, ok := host.entity("Transfer", "0x0a")
	require.True(t, ok)

	proxy.Release()
	proxy.Release()
	require.Equal(t, 0, loader.Loaded())
	require.Error(t, proxy.Call(context.Background(), eventTrigger("handleTransfer"), host))

	_, err = first.Bind(Key{ChainType: chain.Ethereum, DataKind: chain.KindEvent, Name: "handleTransfer"})
	require.Error(t, err)

	_, err = loader.Open("erc20.so")
	require.NoError(t, err)
	require.Equal(t, 2, opens)

	_, err = loader.Open("missing.so")
	require.Error(t, err)
}

func TestNativeDispatcher_Dispatch(t *testing.T) {
	opens := 0
	loader := newTestLoader(&opens)

	d, err := NewNativeDispatcher(loader, "erc20.so")
	require.NoError(t, err)

	ctx := context.Background()
	host := newMemHost()

	tests := []struct {
		name    string
		trigger handler.Trigger
		wantErr string
		is      error
	}{
		{name: "success", trigger: eventTrigger("handleTransfer")},
		{name: "handler error", trigger: eventTrigger("handleFail"), wantErr: "unexpected event shape"},
		{name: "panic is recovered", trigger: eventTrigger("handlePanic"), wantErr: "panicked: nil pointer in mapping"},
		{name: "unknown handler", trigger: eventTrigger("handleApproval"), is: ErrUnknownHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Dispatch(ctx, tt.trigger, host)
			switch {
			case tt.is != nil:
				require.ErrorIs(t, err, tt.is)
			case tt.wantErr != "":
				require.ErrorContains(t, err, tt.wantErr)
				require.False(t, handler.IsNonDeterministic(err))
			default:
				require.NoError(t, err)
			}
		})
	}

	wrongKind := eventTrigger("handleTransfer")
	wrongKind.DataKind = chain.KindBlock
	require.ErrorIs(t, d.Dispatch(ctx, wrongKind, host), ErrUnknownHandler)

	require.Equal(t, 1, loader.Loaded())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.Equal(t, 0, loader.Loaded())
	require.Error(t, d.Dispatch(ctx, eventTrigger("handleTransfer"), host))
}
