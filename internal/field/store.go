package field

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Payload is what the loader resolves for a single field.
type Payload struct {
	Kind       Kind
	Categories []string
	Codes      []int32   // category fields
	Values     []float32 // continuous fields
}

// Loader resolves field keys to raw value buffers. Implementations live
// outside this package (binary manifest loader, test fakes).
type Loader interface {
	ResolveField(ctx context.Context, source Source, key string) (*Payload, error)
}

// StoreConfig contains field store configuration.
type StoreConfig struct {
	Loader     Loader
	PointCount int
	// MaxObsFields and MaxVarFields bound the number of resident value
	// buffers per source. Gene vectors cost far more per entry than obs
	// annotations, so the bounds are independent.
	MaxObsFields int
	MaxVarFields int
}

// Store owns all known fields and their loaded buffers. Loads are coalesced
// so concurrent callers share one fetch, and a bounded LRU per source evicts
// buffers that are neither active nor mid-load.
type Store struct {
	mu         sync.Mutex
	loader     Loader
	pointCount int

	fields map[Ref]*Field
	order  []Ref

	obsLRU *lruCache
	varLRU *lruCache

	flight   singleflight.Group
	inflight map[Ref]int // ref -> outstanding EnsureLoaded callers

	active    Ref
	hasActive bool

	// epoch guards against loads resolving after a dataset switch.
	epoch int
}

// NewStore creates a field store.
func NewStore(cfg StoreConfig) *Store {
	return &Store{
		loader:     cfg.Loader,
		pointCount: cfg.PointCount,
		fields:     map[Ref]*Field{},
		obsLRU:     newLRUCache(cfg.MaxObsFields),
		varLRU:     newLRUCache(cfg.MaxVarFields),
		inflight:   map[Ref]int{},
	}
}

// PointCount returns the dataset's point count.
func (s *Store) PointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pointCount
}

// Register announces a field known from the dataset manifest without loading
// its buffer. Registering an existing ref is a no-op.
func (s *Store) Register(ref Ref, kind Kind, categories []string) *Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(ref, kind, categories)
}

func (s *Store) register(ref Ref, kind Kind, categories []string) *Field {
	if f, ok := s.fields[ref]; ok {
		return f
	}
	f := &Field{Ref: ref, Kind: kind, Categories: categories}
	f.ResetPresentation()
	s.fields[ref] = f
	s.order = append(s.order, ref)
	return f
}

// Get returns the field for ref, or nil if unknown.
func (s *Store) Get(ref Ref) *Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields[ref]
}

// List returns all non-deleted fields in registration order.
func (s *Store) List() []*Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Field, 0, len(s.order))
	for _, ref := range s.order {
		if f := s.fields[ref]; f != nil && !f.deleted {
			out = append(out, f)
		}
	}
	return out
}

// SetActive pins ref against eviction and records it as the active field.
// The previously active field becomes evictable again.
func (s *Store) SetActive(ref Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = ref
	s.hasActive = true
	s.lruFor(ref.Source).Touch(ref)
}

// Active returns the active field ref, if any.
func (s *Store) Active() (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.hasActive
}

// EnsureLoaded fetches and caches the field's value buffer if absent. It is
// idempotent: concurrent calls for the same field share one in-flight load
// and observe the same buffer instance. A failed load clears the in-flight
// marker so callers may retry.
func (s *Store) EnsureLoaded(ctx context.Context, ref Ref) error {
	s.mu.Lock()
	if f, ok := s.fields[ref]; ok && f.loaded {
		s.lruFor(ref.Source).Touch(ref)
		s.mu.Unlock()
		return nil
	}
	epoch := s.epoch
	s.inflight[ref]++
	s.mu.Unlock()

	_, err, _ := s.flight.Do(ref.String(), func() (interface{}, error) {
		payload, err := s.loader.ResolveField(ctx, ref.Source, ref.Key)
		if err != nil {
			return nil, err
		}
		return payload, s.install(ref, epoch, payload)
	})

	s.mu.Lock()
	if s.inflight[ref]--; s.inflight[ref] <= 0 {
		delete(s.inflight, ref)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("load %s: %w", ref, err)
	}
	return nil
}

// install publishes a resolved payload, unless the store moved to a newer
// epoch while the load was in flight (dataset switch), in which case the
// result is discarded.
func (s *Store) install(ref Ref, epoch int, payload *Payload) error {
	n := len(payload.Codes)
	if payload.Kind == KindContinuous {
		n = len(payload.Values)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		log.Printf("field %s: discarding load from stale epoch %d", ref, epoch)
		return nil
	}
	if n != s.pointCount {
		return fmt.Errorf("%w: buffer has %d entries, dataset has %d points", ErrLoadFailed, n, s.pointCount)
	}

	f := s.register(ref, payload.Kind, payload.Categories)
	if len(payload.Categories) > 0 {
		f.Categories = payload.Categories
	}
	f.Codes = payload.Codes
	if payload.Kind == KindContinuous {
		f.Values = payload.Values
		f.Stats, f.OutlierQuantiles = computeContinuousStats(payload.Values)
	}
	wasLoaded := f.loaded
	f.loaded = true
	if !wasLoaded && !f.filterModified {
		// First residency: presentation defaults need the loaded stats
		// and category count. A session-restored filter is kept as is.
		f.ResetPresentation()
	}

	s.lruFor(ref.Source).Touch(ref)
	s.evictIfNeeded()
	return nil
}

// evictIfNeeded runs after every successful load: while a source cache
// exceeds its bound, the least-recently-used entry that is not pinned
// (active field, in-flight load) is evicted. Caller holds s.mu.
func (s *Store) evictIfNeeded() {
	pinned := func(ref Ref) bool {
		if s.hasActive && ref == s.active {
			return true
		}
		_, loading := s.inflight[ref]
		return loading
	}
	for _, c := range []*lruCache{s.obsLRU, s.varLRU} {
		for _, ref := range c.EvictExcess(pinned) {
			if f, ok := s.fields[ref]; ok {
				f.releaseBuffers()
			}
		}
	}
}

// ResidentCount returns how many fields of source hold resident buffers.
func (s *Store) ResidentCount(source Source) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruFor(source).Len()
}

// Rename changes a field's key, keeping its data and presentation. Returns
// the new ref, or false if the field is unknown or the new key collides.
func (s *Store) Rename(ref Ref, newKey string) (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fields[ref]
	if !ok {
		return Ref{}, false
	}
	newRef := Ref{Source: ref.Source, Key: newKey}
	if _, exists := s.fields[newRef]; exists {
		return Ref{}, false
	}

	delete(s.fields, ref)
	f.Ref = newRef
	s.fields[newRef] = f
	for i, r := range s.order {
		if r == ref {
			s.order[i] = newRef
		}
	}
	c := s.lruFor(ref.Source)
	if f.loaded {
		c.Remove(ref)
		c.Touch(newRef)
	}
	if s.hasActive && s.active == ref {
		s.active = newRef
	}
	return newRef, true
}

// Delete soft-deletes a field: it disappears from enumeration but keeps its
// data so a session restore can bring it back.
func (s *Store) Delete(ref Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fields[ref]
	if !ok {
		return false
	}
	f.deleted = true
	return true
}

// Restore undoes a soft delete.
func (s *Store) Restore(ref Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fields[ref]
	if !ok {
		return false
	}
	f.deleted = false
	return true
}

// Reset switches the store to a new dataset: all fields are dropped and any
// in-flight loads from the previous dataset will be discarded when they
// resolve. There is no cooperative cancellation of the underlying fetches.
func (s *Store) Reset(loader Loader, pointCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.loader = loader
	s.pointCount = pointCount
	s.fields = map[Ref]*Field{}
	s.order = nil
	s.obsLRU.Clear()
	s.varLRU.Clear()
	s.hasActive = false
}

func (s *Store) lruFor(source Source) *lruCache {
	if source == SourceVar {
		return s.varLRU
	}
	return s.obsLRU
}
