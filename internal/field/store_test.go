package field

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeLoader resolves fields from in-memory tables and counts resolutions.
type fakeLoader struct {
	mu         sync.Mutex
	calls      int32
	continuous map[string][]float32
	category   map[string]struct {
		codes      []int32
		categories []string
	}
	failKeys map[string]error
	block    chan struct{} // if set, loads wait until closed
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		continuous: map[string][]float32{},
		category: map[string]struct {
			codes      []int32
			categories []string
		}{},
		failKeys: map[string]error{},
	}
}

func (l *fakeLoader) addContinuous(key string, values []float32) {
	l.continuous[key] = values
}

func (l *fakeLoader) addCategory(key string, codes []int32, categories []string) {
	l.category[key] = struct {
		codes      []int32
		categories []string
	}{codes, categories}
}

func (l *fakeLoader) ResolveField(ctx context.Context, source Source, key string) (*Payload, error) {
	atomic.AddInt32(&l.calls, 1)
	if l.block != nil {
		<-l.block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.failKeys[key]; ok {
		return nil, err
	}
	if values, ok := l.continuous[key]; ok {
		return &Payload{Kind: KindContinuous, Values: append([]float32(nil), values...)}, nil
	}
	if cat, ok := l.category[key]; ok {
		return &Payload{Kind: KindCategory, Codes: append([]int32(nil), cat.codes...), Categories: cat.categories}, nil
	}
	return nil, ErrNotFound
}

func newTestStore(loader Loader, pointCount, maxObs, maxVar int) *Store {
	return NewStore(StoreConfig{
		Loader:       loader,
		PointCount:   pointCount,
		MaxObsFields: maxObs,
		MaxVarFields: maxVar,
	})
}

func TestEnsureLoadedIdempotent(t *testing.T) {
	loader := newFakeLoader()
	loader.addContinuous("score", []float32{1, 2, 3, 4})
	loader.block = make(chan struct{})
	store := newTestStore(loader, 4, 8, 8)

	ref := Ref{Source: SourceObs, Key: "score"}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.EnsureLoaded(context.Background(), ref)
		}(i)
	}
	close(loader.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&loader.calls); got != 1 {
		t.Errorf("loader called %d times, want 1 (coalesced)", got)
	}

	f := store.Get(ref)
	if f == nil || !f.Loaded() {
		t.Fatal("field not loaded")
	}
	if len(f.Values) != 4 {
		t.Errorf("len(Values) = %d, want 4", len(f.Values))
	}

	// A second call is a cache hit: no further loader traffic.
	if err := store.EnsureLoaded(context.Background(), ref); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&loader.calls); got != 1 {
		t.Errorf("loader called %d times after cache hit, want 1", got)
	}
}

func TestEvictionBoundAndActivePin(t *testing.T) {
	loader := newFakeLoader()
	for i := 0; i < 6; i++ {
		loader.addContinuous(fmt.Sprintf("f%d", i), []float32{0, 1, 2})
	}
	store := newTestStore(loader, 3, 2, 2)

	active := Ref{Source: SourceObs, Key: "f0"}
	if err := store.EnsureLoaded(context.Background(), active); err != nil {
		t.Fatal(err)
	}
	store.SetActive(active)

	for i := 1; i < 6; i++ {
		ref := Ref{Source: SourceObs, Key: fmt.Sprintf("f%d", i)}
		if err := store.EnsureLoaded(context.Background(), ref); err != nil {
			t.Fatal(err)
		}
		if got := store.ResidentCount(SourceObs); got > 2 {
			t.Fatalf("after loading f%d: resident count %d exceeds bound 2", i, got)
		}
	}

	// The active field survived every eviction pass.
	if f := store.Get(active); f == nil || !f.Loaded() {
		t.Fatal("active field was evicted")
	}
	// Evicted fields keep metadata but lose buffers.
	f1 := store.Get(Ref{Source: SourceObs, Key: "f1"})
	if f1 == nil {
		t.Fatal("evicted field forgot its metadata")
	}
	if f1.Loaded() {
		t.Error("f1 should have been evicted")
	}
	if f1.Values != nil {
		t.Error("evicted field retained its value buffer")
	}
	if f1.Stats.Max != 2 {
		t.Errorf("evicted field lost stats: %+v", f1.Stats)
	}
}

func TestSeparateSourceBounds(t *testing.T) {
	loader := newFakeLoader()
	loader.addContinuous("obs_a", []float32{1})
	loader.addContinuous("gene_a", []float32{2})
	loader.addContinuous("gene_b", []float32{3})
	store := newTestStore(loader, 1, 4, 1)

	for _, ref := range []Ref{
		{SourceObs, "obs_a"},
		{SourceVar, "gene_a"},
		{SourceVar, "gene_b"},
	} {
		if err := store.EnsureLoaded(context.Background(), ref); err != nil {
			t.Fatal(err)
		}
	}

	if got := store.ResidentCount(SourceVar); got != 1 {
		t.Errorf("var resident count = %d, want 1", got)
	}
	if got := store.ResidentCount(SourceObs); got != 1 {
		t.Errorf("obs resident count = %d, want 1", got)
	}
	// Loading genes never touched the obs cache.
	if f := store.Get(Ref{SourceObs, "obs_a"}); f == nil || !f.Loaded() {
		t.Error("obs field evicted by var loads")
	}
}

func TestFailedLoadIsRetryable(t *testing.T) {
	loader := newFakeLoader()
	loader.failKeys["flaky"] = fmt.Errorf("%w: connection reset", ErrLoadFailed)
	store := newTestStore(loader, 2, 4, 4)

	ref := Ref{Source: SourceObs, Key: "flaky"}
	err := store.EnsureLoaded(context.Background(), ref)
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}

	// Clear the fault; the retry must not be poisoned by the first failure.
	loader.mu.Lock()
	delete(loader.failKeys, "flaky")
	loader.addContinuous("flaky", []float32{5, 6})
	loader.mu.Unlock()

	if err := store.EnsureLoaded(context.Background(), ref); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if f := store.Get(ref); f == nil || !f.Loaded() {
		t.Fatal("field not loaded after retry")
	}
}

func TestNotFoundPropagates(t *testing.T) {
	store := newTestStore(newFakeLoader(), 2, 4, 4)
	err := store.EnsureLoaded(context.Background(), Ref{Source: SourceObs, Key: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPointCountMismatchFailsLoad(t *testing.T) {
	loader := newFakeLoader()
	loader.addContinuous("short", []float32{1, 2})
	store := newTestStore(loader, 10, 4, 4)

	err := store.EnsureLoaded(context.Background(), Ref{Source: SourceObs, Key: "short"})
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed for point count mismatch, got %v", err)
	}
}

func TestResetDiscardsInflightLoad(t *testing.T) {
	loader := newFakeLoader()
	loader.addContinuous("slow", []float32{1, 2})
	loader.block = make(chan struct{})
	store := newTestStore(loader, 2, 4, 4)

	ref := Ref{Source: SourceObs, Key: "slow"}
	done := make(chan error, 1)
	go func() {
		done <- store.EnsureLoaded(context.Background(), ref)
	}()

	// Switch datasets while the load is in flight.
	fresh := newFakeLoader()
	store.Reset(fresh, 5)
	close(loader.block)

	if err := <-done; err != nil {
		t.Fatalf("stale load should resolve without error, got %v", err)
	}
	// The stale result must not have been installed into the new dataset.
	if f := store.Get(ref); f != nil {
		t.Fatalf("stale load was installed after reset: %+v", f)
	}
}

func TestDeletedFieldsExcludedFromEnumeration(t *testing.T) {
	loader := newFakeLoader()
	loader.addCategory("cell_type", []int32{0, 1}, []string{"B", "T"})
	store := newTestStore(loader, 2, 4, 4)

	ref := Ref{Source: SourceObs, Key: "cell_type"}
	if err := store.EnsureLoaded(context.Background(), ref); err != nil {
		t.Fatal(err)
	}

	if !store.Delete(ref) {
		t.Fatal("Delete returned false")
	}
	if got := len(store.List()); got != 0 {
		t.Fatalf("deleted field still enumerated: %d entries", got)
	}
	// Data survives for restoration.
	if f := store.Get(ref); f == nil || !f.Loaded() {
		t.Fatal("deleted field lost its data")
	}
	if !store.Restore(ref) {
		t.Fatal("Restore returned false")
	}
	if got := len(store.List()); got != 1 {
		t.Fatalf("restored field missing from enumeration: %d entries", got)
	}
}

func TestRenameKeepsDataAndActivePin(t *testing.T) {
	loader := newFakeLoader()
	loader.addCategory("leiden", []int32{0, 1, MissingCode}, []string{"0", "1"})
	store := newTestStore(loader, 3, 4, 4)

	ref := Ref{Source: SourceObs, Key: "leiden"}
	if err := store.EnsureLoaded(context.Background(), ref); err != nil {
		t.Fatal(err)
	}
	store.SetActive(ref)

	newRef, ok := store.Rename(ref, "clusters")
	if !ok {
		t.Fatal("Rename failed")
	}
	if store.Get(ref) != nil {
		t.Error("old ref still resolves")
	}
	f := store.Get(newRef)
	if f == nil || !f.Loaded() {
		t.Fatal("renamed field lost its buffer")
	}
	if active, ok := store.Active(); !ok || active != newRef {
		t.Errorf("active ref not updated: %v", active)
	}
}

func TestContinuousStatsComputedOnLoad(t *testing.T) {
	loader := newFakeLoader()
	loader.addContinuous("umi", []float32{10, 20, 30, 40, 50})
	store := newTestStore(loader, 5, 4, 4)

	ref := Ref{Source: SourceObs, Key: "umi"}
	if err := store.EnsureLoaded(context.Background(), ref); err != nil {
		t.Fatal(err)
	}
	f := store.Get(ref)
	if f.Stats.Min != 10 || f.Stats.Max != 50 {
		t.Errorf("stats = %+v, want min 10 max 50", f.Stats)
	}
	if len(f.OutlierQuantiles) != 5 {
		t.Fatalf("len(OutlierQuantiles) = %d, want 5", len(f.OutlierQuantiles))
	}
	// The max value sits at quantile 1, the min strictly below the median.
	if q := f.OutlierQuantiles[4]; q != 1 {
		t.Errorf("quantile of max = %v, want 1", q)
	}
	if q := f.OutlierQuantiles[0]; q >= 0.5 {
		t.Errorf("quantile of min = %v, want < 0.5", q)
	}
	// Defaults adopt the loaded stats.
	if f.Presentation.RangeMin != 10 || f.Presentation.RangeMax != 50 {
		t.Errorf("default range = [%v, %v], want [10, 50]", f.Presentation.RangeMin, f.Presentation.RangeMax)
	}
	if f.Presentation.OutlierThreshold != 1 {
		t.Errorf("default outlier threshold = %v, want 1", f.Presentation.OutlierThreshold)
	}
}
