package store

import (
	"encoding/json"
	"maps"
	"sort"
	"sync"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

type entityKey struct {
	entityType string
	id         string
}

type change struct {
	entity  store.Entity
	deleted bool
}

// changeSet is an ordered set of entity changes where the last write to a key wins.
type changeSet struct {
	changes map[entityKey]*change
	order   []entityKey
}

func newChangeSet() *changeSet {
	return &changeSet{changes: make(map[entityKey]*change)}
}

func (c *changeSet) put(key entityKey, ch *change) {
	if _, exists := c.changes[key]; !exists {
		c.order = append(c.order, key)
	}
	c.changes[key] = ch
}

func (c *changeSet) save(entity store.Entity) {
	c.put(entityKey{entity.Type, entity.ID}, &change{entity: cloneEntity(entity)})
}

func (c *changeSet) remove(entityType, id string) {
	c.put(entityKey{entityType, id}, &change{
		entity:  store.Entity{Type: entityType, ID: id},
		deleted: true,
	})
}

// get returns the buffered change for a key, if any.
func (c *changeSet) get(entityType, id string) (*change, bool) {
	ch, ok := c.changes[entityKey{entityType, id}]
	return ch, ok
}

// list returns changes in first-write order.
func (c *changeSet) list() []*change {
	out := make([]*change, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.changes[key])
	}

	return out
}

func (c *changeSet) len() int {
	return len(c.order)
}

func (c *changeSet) reset() {
	c.changes = make(map[entityKey]*change)
	c.order = nil
}

// batch holds the changes staged for the block being processed.
type batch struct {
	mu      sync.Mutex
	set     *changeSet
	sources []store.DynamicDataSource
}

func newBatch() *batch {
	return &batch{set: newChangeSet()}
}

func (b *batch) save(entity store.Entity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set.save(entity)
}

func (b *batch) remove(entityType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set.remove(entityType, id)
}

func (b *batch) addSource(ds store.DynamicDataSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources = append(b.sources, ds)
}

func (b *batch) lookup(entityType, id string) (*change, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.set.get(entityType, id)
	if !ok {
		return nil, false
	}
	cp := *ch
	cp.entity = cloneEntity(ch.entity)

	return &cp, true
}

// snapshot returns the staged changes and data sources.
func (b *batch) snapshot() ([]*change, []store.DynamicDataSource) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.set.list(), append([]store.DynamicDataSource(nil), b.sources...)
}

func (b *batch) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.set.reset()
	b.sources = nil
}

func cloneEntity(e store.Entity) store.Entity {
	return store.Entity{Type: e.Type, ID: e.ID, Data: maps.Clone(e.Data)}
}

// applyQuery overlays staged changes on committed entities, then filters, sorts and pages them.
func applyQuery(committed []store.Entity, overlays []*change, q store.Query) ([]store.Entity, error) {
	byID := make(map[string]store.Entity, len(committed))
	for _, e := range committed {
		byID[e.ID] = e
	}

	for _, ch := range overlays {
		if ch.entity.Type != q.Type {
			continue
		}
		if ch.deleted {
			delete(byID, ch.entity.ID)
			continue
		}
		byID[ch.entity.ID] = cloneEntity(ch.entity)
	}

	out := make([]store.Entity, 0, len(byID))
	for _, e := range byID {
		ok, err := matchWhere(e, q.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []store.Entity{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}

	return out, nil
}

// matchWhere compares fields by their JSON encoding so that 5 and 5.0 are equal.
func matchWhere(e store.Entity, where map[string]any) (bool, error) {
	for field, want := range where {
		got, ok := e.Data[field]
		if !ok {
			return false, nil
		}

		equal, err := jsonEqual(got, want)
		if err != nil {
			return false, err
		}
		if !equal {
			return false, nil
		}
	}

	return true, nil
}

func jsonEqual(a, b any) (bool, error) {
	var na, nb any
	if err := normalize(a, &na); err != nil {
		return false, err
	}
	if err := normalize(b, &nb); err != nil {
		return false, err
	}

	ja, _ := json.Marshal(na)
	jb, _ := json.Marshal(nb)

	return string(ja) == string(jb), nil
}

func normalize(v any, out *any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, out)
}
