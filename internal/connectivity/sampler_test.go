package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"
)

type fakeEdgeLoader struct {
	edges *EdgeList
	err   error
	calls int32
	block chan struct{}
}

func (l *fakeEdgeLoader) ResolveEdges(ctx context.Context) (*EdgeList, error) {
	atomic.AddInt32(&l.calls, 1)
	if l.block != nil {
		<-l.block
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.edges, nil
}

// gridEdges builds a simple chain graph: edge i connects point i to i+1.
func gridEdges(points int) *EdgeList {
	n := points - 1
	e := &EdgeList{Sources: make([]int32, n), Destinations: make([]int32, n)}
	for i := 0; i < n; i++ {
		e.Sources[i] = int32(i)
		e.Destinations[i] = int32(i + 1)
	}
	return e
}

func allVisible(points int) []float32 {
	v := make([]float32, points)
	for i := range v {
		v[i] = 1
	}
	return v
}

func TestLoadCoalesced(t *testing.T) {
	loader := &fakeEdgeLoader{edges: gridEdges(100), block: make(chan struct{})}
	s := NewSampler(loader, 42)

	if s.State() != StateUnloaded {
		t.Fatal("expected unloaded state")
	}

	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.EnsureLoaded(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	close(loader.block)
	wg.Wait()

	if got := atomic.LoadInt32(&loader.calls); got != 1 {
		t.Errorf("loader called %d times, want 1", got)
	}
	if s.State() != StateReady {
		t.Fatal("expected ready state")
	}
	if s.EdgeCount() != 99 {
		t.Fatalf("EdgeCount = %d, want 99", s.EdgeCount())
	}
}

func TestLoadFailureRetryable(t *testing.T) {
	loader := &fakeEdgeLoader{err: errors.New("boom")}
	s := NewSampler(loader, 42)

	if err := s.EnsureLoaded(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.State() != StateUnloaded {
		t.Fatal("failed load should return to unloaded")
	}

	loader.err = nil
	loader.edges = gridEdges(10)
	if err := s.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateReady {
		t.Fatal("retry did not load")
	}
}

func TestShuffleDeterminism(t *testing.T) {
	load := func(seed int64) ([]int32, []int32) {
		s := NewSampler(&fakeEdgeLoader{edges: gridEdges(500)}, seed)
		if err := s.EnsureLoaded(context.Background()); err != nil {
			t.Fatal(err)
		}
		return s.sources, s.dests
	}

	s1, d1 := load(42)
	s2, d2 := load(42)
	for i := range s1 {
		if s1[i] != s2[i] || d1[i] != d2[i] {
			t.Fatalf("same seed produced different permutations at %d", i)
		}
	}

	s3, _ := load(43)
	same := 0
	for i := range s1 {
		if s1[i] == s3[i] {
			same++
		}
	}
	if same == len(s1) {
		t.Fatal("different seeds produced identical permutations")
	}

	// The permutation is pairwise: every edge still connects i to i+1.
	for i := range s1 {
		if d1[i] != s1[i]+1 {
			t.Fatalf("edge %d no longer pairs source %d with its destination", i, s1[i])
		}
	}
}

func TestCombinedVisibilityAND(t *testing.T) {
	s := NewSampler(&fakeEdgeLoader{edges: gridEdges(4)}, 1)
	if err := s.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}

	filter := []float32{1, 1, 0, 1}
	lod := []float32{1, 0, 1, 1}
	combined := s.CombinedVisibility(filter, lod)

	want := []float32{1, 0, 0, 1}
	for i := range want {
		if combined[i] != want[i] {
			t.Fatalf("combined[%d] = %v, want %v", i, combined[i], want[i])
		}
	}

	// nil LOD means filter-only.
	combined = s.CombinedVisibility(filter, nil)
	for i := range filter {
		if combined[i] != filter[i] {
			t.Fatalf("combined[%d] = %v, want filter value %v", i, combined[i], filter[i])
		}
	}
}

func TestCountVisibleEdgesAndPrefix(t *testing.T) {
	s := NewSampler(&fakeEdgeLoader{edges: gridEdges(10)}, 7)
	if err := s.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}

	vis := allVisible(10)
	count, prefix := s.CountVisibleEdges(vis)
	if count != 9 {
		t.Fatalf("count = %d, want 9", count)
	}
	if len(prefix) != 10 {
		t.Fatalf("len(prefix) = %d, want edges+1", len(prefix))
	}
	if prefix[0] != 0 || prefix[9] != 9 {
		t.Fatalf("prefix endpoints = %d, %d", prefix[0], prefix[9])
	}
	for i := 1; i < len(prefix); i++ {
		if prefix[i] < prefix[i-1] {
			t.Fatal("prefix sums not monotone")
		}
	}

	// Hide one point: its two incident edges disappear.
	vis[5] = 0
	count, _ = s.CountVisibleEdges(vis)
	if count != 7 {
		t.Fatalf("count = %d after hiding point 5, want 7", count)
	}

	edgeVis := s.EdgeVisibility()
	visSum := 0
	for _, v := range edgeVis {
		if v > 0.5 {
			visSum++
		}
	}
	if visSum != 7 {
		t.Fatalf("edge visibility buffer has %d visible, want 7", visSum)
	}
}

func TestStaleEndpointsNotVisible(t *testing.T) {
	edges := &EdgeList{Sources: []int32{0, 5, 1}, Destinations: []int32{1, 0, -2}}
	s := NewSampler(&fakeEdgeLoader{edges: edges}, 3)
	if err := s.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Only 3 points exist; edge endpoints 5 and -2 are stale.
	count, _ := s.CountVisibleEdges(allVisible(3))
	if count != 1 {
		t.Fatalf("count = %d, want 1 (stale endpoints degrade to invisible)", count)
	}
}

func TestFindLodLimitFastExact(t *testing.T) {
	const points = 1001
	s := NewSampler(&fakeEdgeLoader{edges: gridEdges(points)}, 42)
	if err := s.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Hide a suffix of points so roughly 400 of 1000 edges stay visible.
	vis := allVisible(points)
	for i := 400; i < points; i++ {
		vis[i] = 0
	}
	total, prefix := s.CountVisibleEdges(vis)
	if total != 399 {
		t.Fatalf("setup: %d visible edges", total)
	}

	limit := s.FindLodLimitFast(100)
	if prefix[limit] != 100 {
		t.Fatalf("first %d shuffled edges contain %d visible, want exactly 100", limit, prefix[limit])
	}
	if limit > 0 && prefix[limit-1] >= 100 {
		t.Fatalf("limit %d is not minimal", limit)
	}

	if got := s.FindLodLimitFast(0); got != 0 {
		t.Errorf("FindLodLimitFast(0) = %d, want 0", got)
	}
	if got := s.FindLodLimitFast(-5); got != 0 {
		t.Errorf("FindLodLimitFast(-5) = %d, want 0", got)
	}
	if got := s.FindLodLimitFast(total); got != s.EdgeCount() {
		t.Errorf("FindLodLimitFast(total) = %d, want all %d edges", got, s.EdgeCount())
	}
	if got := s.FindLodLimitFast(total + 50); got != s.EdgeCount() {
		t.Errorf("FindLodLimitFast(total+50) = %d, want all %d edges", got, s.EdgeCount())
	}
}

// TestExactCountProperty drives the sampler with random visibility masks
// and targets: the returned limit must always contain exactly the target
// number of visible edges (when achievable) and must be minimal.
func TestExactCountProperty(t *testing.T) {
	s := NewSampler(&fakeEdgeLoader{edges: gridEdges(200)}, 99)
	if err := s.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}

	rapid.Check(t, func(rt *rapid.T) {
		vis := make([]float32, 200)
		for i := range vis {
			if rapid.Bool().Draw(rt, "visible") {
				vis[i] = 1
			}
		}
		total, prefix := s.CountVisibleEdges(vis)
		if total == 0 {
			return
		}
		target := rapid.IntRange(1, total).Draw(rt, "target")

		limit := s.FindLodLimitFast(target)
		if target >= total {
			if limit != s.EdgeCount() {
				rt.Fatalf("target=total: limit %d, want %d", limit, s.EdgeCount())
			}
			return
		}
		if prefix[limit] != target {
			rt.Fatalf("prefix[%d] = %d, want %d", limit, prefix[limit], target)
		}
		if limit > 0 && prefix[limit-1] >= target {
			rt.Fatalf("limit %d not minimal for target %d", limit, target)
		}
	})
}

func TestResetInvalidatesPrefix(t *testing.T) {
	s := NewSampler(&fakeEdgeLoader{edges: gridEdges(10)}, 5)
	if err := s.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.CountVisibleEdges(allVisible(10))

	s.Reset(&fakeEdgeLoader{edges: gridEdges(20)})
	if s.State() != StateUnloaded {
		t.Fatal("reset did not unload")
	}
	// No stale binary search: before a fresh prefix build the limit query
	// falls back to "all edges" of the (empty) edge set.
	if got := s.FindLodLimitFast(5); got != 0 {
		t.Fatalf("FindLodLimitFast after reset = %d, want 0", got)
	}
}

func TestResetDiscardsInflight(t *testing.T) {
	loader := &fakeEdgeLoader{edges: gridEdges(10), block: make(chan struct{})}
	s := NewSampler(loader, 5)

	done := make(chan error, 1)
	go func() { done <- s.EnsureLoaded(context.Background()) }()

	next := &fakeEdgeLoader{edges: gridEdges(4)}
	s.Reset(next)
	close(loader.block)

	if err := <-done; err != nil {
		t.Fatalf("stale load errored: %v", err)
	}
	// Stale edges were not installed.
	if s.EdgeCount() != 0 {
		t.Fatalf("EdgeCount = %d after reset, want 0", s.EdgeCount())
	}
}
