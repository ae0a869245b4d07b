package tabsplit

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Cache is the local, persisted key→record store and the offline source of
// truth for reads. Each collection is stored as one blob ("cache/<name>").
//
// Writes build the new collection state on a copy, persist it, and only then
// publish it, so a failed write leaves both memory and storage unchanged.
type Cache struct {
	log   zerolog.Logger
	store BlobStore

	mu      sync.RWMutex
	records map[Collection]map[string]CachedRecord
	seq     uint64
}

// NewCache creates an empty cache over store. Call Load to restore
// persisted state.
func NewCache(store BlobStore, log zerolog.Logger) *Cache {
	return &Cache{
		log:     log,
		store:   store,
		records: make(map[Collection]map[string]CachedRecord),
	}
}

func cacheKey(col Collection) string { return "cache/" + string(col) }

// Load restores every known collection from storage.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, col := range Collections {
		data, ok, err := c.store.ReadBlob(cacheKey(col))
		if err != nil {
			return fmt.Errorf("load cache %s: %w", col, err)
		}
		if !ok {
			continue
		}
		var recs []CachedRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return fmt.Errorf("decode cache %s: %w", col, err)
		}
		m := make(map[string]CachedRecord, len(recs))
		for _, r := range recs {
			m[r.ID] = r
			if r.Seq > c.seq {
				c.seq = r.Seq
			}
		}
		c.records[col] = m
	}
	return nil
}

// Get returns a copy of the record stored under (col, id).
func (c *Cache) Get(col Collection, id string) (CachedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[col][id]
	if !ok {
		return CachedRecord{}, false
	}
	return r.clone(), true
}

// GetAll returns copies of every record in col in insertion order.
func (c *Cache) GetAll(col Collection) []CachedRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedRecords(c.records[col], true)
}

// Find returns the first record in insertion order matching pred.
func (c *Cache) Find(col Collection, pred func(CachedRecord) bool) (CachedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range sortedRecords(c.records[col], false) {
		if pred(r) {
			return r.clone(), true
		}
	}
	return CachedRecord{}, false
}

// Len returns the number of records in col.
func (c *Cache) Len(col Collection) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records[col])
}

// Put stores rec under (col, rec.ID) unless the stored record has a newer
// UpdatedAt. It reports whether the write was applied.
func (c *Cache) Put(col Collection, rec CachedRecord) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("put %s: record id is empty", col)
	}
	rec.Collection = col

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.copyCollection(col)
	if prev, ok := m[rec.ID]; ok {
		if rec.UpdatedAt.Before(prev.UpdatedAt) {
			return false, nil
		}
		rec.Seq = prev.Seq
	} else {
		rec.Seq = c.seq + 1
	}
	m[rec.ID] = rec.clone()
	if err := c.commit(col, m); err != nil {
		return false, err
	}
	if rec.Seq > c.seq {
		c.seq = rec.Seq
	}
	return true, nil
}

// Delete removes (col, id). Deleting a missing record is not an error.
func (c *Cache) Delete(col Collection, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[col][id]; !ok {
		return nil
	}
	m := c.copyCollection(col)
	delete(m, id)
	return c.commit(col, m)
}

// Replace swaps the record stored under oldID for rec, keeping the old
// record's position. If rec.ID is already present (for example because a
// push event delivered the server record first) the old record is dropped
// and the two server copies are merged last-write-wins.
func (c *Cache) Replace(col Collection, oldID string, rec CachedRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("replace %s: record id is empty", col)
	}
	rec.Collection = col

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.copyCollection(col)
	old, hasOld := m[oldID]
	existing, hasNew := m[rec.ID]
	if oldID == rec.ID {
		hasNew = false
	}

	switch {
	case hasNew:
		delete(m, oldID)
		if rec.UpdatedAt.Before(existing.UpdatedAt) {
			rec = existing
		}
		rec.Seq = existing.Seq
		if hasOld && old.Seq < rec.Seq {
			rec.Seq = old.Seq
		}
	case hasOld:
		delete(m, oldID)
		rec.Seq = old.Seq
	default:
		rec.Seq = c.seq + 1
	}
	m[rec.ID] = rec.clone()
	if err := c.commit(col, m); err != nil {
		return err
	}
	if rec.Seq > c.seq {
		c.seq = rec.Seq
	}
	return nil
}

// RewriteReferences rewrites foreign keys equal to from in every cached
// entity and returns how many records changed.
func (c *Cache) RewriteReferences(from, to string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, col := range Collections {
		var m map[string]CachedRecord
		for id, r := range c.records[col] {
			if r.Entity == nil || !referencesID(r.Entity, from) {
				continue
			}
			if m == nil {
				m = c.copyCollection(col)
			}
			e := r.Entity.Clone()
			e.RewriteReference(from, to)
			r.Entity = e
			m[id] = r
			changed++
		}
		if m != nil {
			if err := c.commit(col, m); err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

func (c *Cache) copyCollection(col Collection) map[string]CachedRecord {
	src := c.records[col]
	m := make(map[string]CachedRecord, len(src)+1)
	for k, v := range src {
		m[k] = v
	}
	return m
}

// commit persists m as the new state of col and publishes it.
func (c *Cache) commit(col Collection, m map[string]CachedRecord) error {
	data, err := json.Marshal(sortedRecords(m, false))
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", col, err)
	}
	if err := c.store.WriteBlob(cacheKey(col), data); err != nil {
		c.log.Error().Err(err).Str("collection", string(col)).Msg("cache flush failed")
		return fmt.Errorf("persist cache %s: %w", col, err)
	}
	c.records[col] = m
	return nil
}

func sortedRecords(m map[string]CachedRecord, cloned bool) []CachedRecord {
	out := make([]CachedRecord, 0, len(m))
	for _, r := range m {
		if cloned {
			r = r.clone()
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func referencesID(e Entity, id string) bool {
	for _, ref := range e.References() {
		if ref == id {
			return true
		}
	}
	return false
}
