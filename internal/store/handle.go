package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

var _ handler.Host = (*Handle)(nil)

// ValidateDataSourceFunc checks a data source request when a handler makes it.
type ValidateDataSourceFunc func(req handler.DataSourceRequest) error

// Handle buffers the mutations of a single trigger on top of a store.
// Commit stages them into the store's block batch; Discard drops them.
type Handle struct {
	store    store.Store
	validate ValidateDataSourceFunc

	mu      sync.Mutex
	set     *changeSet
	sources []handler.DataSourceRequest
}

// NewHandle creates a handle for one trigger. validate may be nil.
func NewHandle(s store.Store, validate ValidateDataSourceFunc) *Handle {
	return &Handle{
		store:    s,
		validate: validate,
		set:      newChangeSet(),
	}
}

// Get reads through the trigger buffer into the store.
func (h *Handle) Get(ctx context.Context, entityType, id string) (*store.Entity, error) {
	h.mu.Lock()
	ch, ok := h.set.get(entityType, id)
	h.mu.Unlock()

	if ok {
		if ch.deleted {
			return nil, nil
		}
		e := cloneEntity(ch.entity)
		return &e, nil
	}

	e, err := h.store.Get(ctx, entityType, id)
	if err != nil {
		return nil, handler.NonDeterministic(err)
	}

	return e, nil
}

// Query runs q against the store with the trigger buffer applied.
func (h *Handle) Query(ctx context.Context, q store.Query) ([]store.Entity, error) {
	base, err := h.store.Query(ctx, store.Query{Type: q.Type})
	if err != nil {
		return nil, handler.NonDeterministic(err)
	}

	h.mu.Lock()
	overlays := h.set.list()
	h.mu.Unlock()

	return applyQuery(base, overlays, q)
}

// Save buffers an entity write.
func (h *Handle) Save(_ context.Context, entity store.Entity) error {
	if entity.Type == "" || entity.ID == "" {
		return fmt.Errorf("entity type and id are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.set.save(entity)

	return nil
}

// Remove buffers an entity removal.
func (h *Handle) Remove(_ context.Context, entityType, id string) error {
	if entityType == "" || id == "" {
		return fmt.Errorf("entity type and id are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.set.remove(entityType, id)

	return nil
}

// CreateDataSource buffers a request to instantiate a template.
func (h *Handle) CreateDataSource(_ context.Context, req handler.DataSourceRequest) error {
	if h.validate != nil {
		if err := h.validate(req); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = append(h.sources, req)

	return nil
}

// Len returns the number of buffered entity changes.
func (h *Handle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.set.len()
}

// Commit stages the buffered entity changes into the store and returns the buffered data source requests.
func (h *Handle) Commit(ctx context.Context) ([]handler.DataSourceRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.set.list() {
		var err error
		if ch.deleted {
			err = h.store.Remove(ctx, ch.entity.Type, ch.entity.ID)
		} else {
			err = h.store.Save(ctx, ch.entity)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stage %s/%s: %w", ch.entity.Type, ch.entity.ID, err)
		}
	}

	sources := h.sources
	h.set.reset()
	h.sources = nil

	return sources, nil
}

// Discard drops everything buffered by the trigger.
func (h *Handle) Discard() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.set.reset()
	h.sources = nil
}
