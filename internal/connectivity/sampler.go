// Package connectivity computes which nearest-neighbor edges are visible
// under the combined filter and level-of-detail predicates, and answers
// "give me exactly K visible edges" queries against a pre-shuffled edge
// order.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// EdgeList is the parallel source/destination point-index arrays of the
// dataset's connectivity graph.
type EdgeList struct {
	Sources      []int32
	Destinations []int32
}

// Loader resolves the dataset's edge list.
type Loader interface {
	ResolveEdges(ctx context.Context) (*EdgeList, error)
}

// State of the lazy edge load.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
)

// Sampler owns the shuffled edge list, the per-point combined-visibility
// buffer, the per-edge visibility buffer, and the visible-edge prefix sums.
// All three buffers are reused across recomputations.
type Sampler struct {
	mu     sync.Mutex
	loader Loader
	seed   int64

	state   State
	sources []int32
	dests   []int32

	flight singleflight.Group
	epoch  int

	combined []float32
	edgeVis  []float32

	prefix      []int
	prefixValid bool
}

// NewSampler creates a sampler. Edges are loaded lazily on first need.
func NewSampler(loader Loader, seed int64) *Sampler {
	return &Sampler{loader: loader, seed: seed}
}

// State returns the load state.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EdgeCount returns the number of loaded edges.
func (s *Sampler) EdgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// EnsureLoaded fetches, validates, and shuffles the edge list if absent.
// Concurrent calls share one in-flight load. On load the edges receive a
// seeded deterministic Fisher-Yates permutation, applied pairwise to
// (sources, destinations), so that the first K shuffled entries are a
// uniform random sample of edges for any K.
func (s *Sampler) EnsureLoaded(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	s.state = StateLoading
	epoch := s.epoch
	s.mu.Unlock()

	_, err, _ := s.flight.Do("edges", func() (interface{}, error) {
		edges, err := s.loader.ResolveEdges(ctx)
		if err != nil {
			return nil, err
		}
		return nil, s.install(edges, epoch)
	})
	if err != nil {
		s.mu.Lock()
		if s.state == StateLoading && epoch == s.epoch {
			s.state = StateUnloaded
		}
		s.mu.Unlock()
		return fmt.Errorf("load edges: %w", err)
	}
	return nil
}

func (s *Sampler) install(edges *EdgeList, epoch int) error {
	if len(edges.Sources) != len(edges.Destinations) {
		return fmt.Errorf("edge list is ragged: %d sources, %d destinations", len(edges.Sources), len(edges.Destinations))
	}

	sources := append([]int32(nil), edges.Sources...)
	dests := append([]int32(nil), edges.Destinations...)
	shuffleEdges(sources, dests, s.seed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		log.Printf("connectivity: discarding edge load from stale epoch %d", epoch)
		return nil
	}
	s.sources = sources
	s.dests = dests
	s.edgeVis = make([]float32, len(sources))
	s.prefix = nil
	s.prefixValid = false
	s.state = StateReady
	return nil
}

// shuffleEdges applies a seeded Fisher-Yates permutation pairwise to the
// two arrays. Same seed, same permutation, across sessions.
func shuffleEdges(sources, dests []int32, seed int64) {
	r := rand.New(rand.NewSource(seed))
	for i := len(sources) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		sources[i], sources[j] = sources[j], sources[i]
		dests[i], dests[j] = dests[j], dests[i]
	}
}

// CombinedVisibility computes per-point combined(p) = filterVisible(p) AND
// lodVisible(p) into the reused shared buffer. A nil lodVis means no LOD
// reduction. Callers must treat the result as read-only.
func (s *Sampler) CombinedVisibility(filterVis, lodVis []float32) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.combined) != len(filterVis) {
		s.combined = make([]float32, len(filterVis))
	}
	for i := range filterVis {
		v := float32(0)
		if filterVis[i] > 0.5 && (lodVis == nil || i >= len(lodVis) || lodVis[i] > 0.5) {
			v = 1
		}
		s.combined[i] = v
	}
	return s.combined
}

// CountVisibleEdges runs a single linear pass over the shuffled edge order,
// counting edges whose both endpoints are combined-visible, and rebuilds
// the prefix-sum table: prefix[i] = visible edges among the first i shuffled
// edges. Endpoints beyond the visibility buffer are stale references from a
// manifest/data mismatch and count as not-visible rather than panicking.
func (s *Sampler) CountVisibleEdges(combined []float32) (visibleCount int, prefix []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.sources)
	if cap(s.prefix) < n+1 {
		s.prefix = make([]int, n+1)
	}
	s.prefix = s.prefix[:n+1]
	s.prefix[0] = 0

	limit := int32(len(combined))
	count := 0
	for i := 0; i < n; i++ {
		src, dst := s.sources[i], s.dests[i]
		visible := src >= 0 && src < limit && dst >= 0 && dst < limit &&
			combined[src] > 0.5 && combined[dst] > 0.5
		if visible {
			count++
			s.edgeVis[i] = 1
		} else {
			s.edgeVis[i] = 0
		}
		s.prefix[i+1] = count
	}
	s.prefixValid = true
	return count, s.prefix
}

// EdgeVisibility returns the per-edge visibility buffer built by the last
// CountVisibleEdges pass, in shuffled edge order. Read-only for callers.
func (s *Sampler) EdgeVisibility() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edgeVis
}

// FindLodLimitFast binary-searches the prefix sums for the smallest index i
// such that the first i shuffled edges contain targetVisible visible edges.
// Returns 0 for target <= 0 and the total edge count when the target meets
// or exceeds all visible edges. O(log n) after the O(n) amortized prefix
// build, which is what keeps the "max edges shown" slider exact without a
// rescan per frame.
func (s *Sampler) FindLodLimitFast(targetVisible int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.sources)
	if targetVisible <= 0 {
		return 0
	}
	if !s.prefixValid {
		log.Printf("connectivity: FindLodLimitFast before prefix build, returning all edges")
		return n
	}
	total := s.prefix[n]
	if targetVisible >= total {
		return n
	}
	return sort.Search(n, func(i int) bool { return s.prefix[i] >= targetVisible })
}

// Reset switches the sampler to a new dataset. The prefix sums are
// invalidated before any stale binary search can observe them; an in-flight
// load from the previous dataset is discarded when it resolves.
func (s *Sampler) Reset(loader Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.loader = loader
	s.state = StateUnloaded
	s.sources = nil
	s.dests = nil
	s.edgeVis = nil
	s.prefix = nil
	s.prefixValid = false
}
