// Package render turns engine state into drawable buffers: per-point colors
// and transparency, stride-based level-of-detail visibility, and rasterized
// PNG previews.
package render

import "sync"

// Data is one complete frame of point buffers handed to a renderer.
type Data struct {
	Positions        []float32 // interleaved XY, 2 per point
	Colors           []float32 // RGBA, 4 per point
	Transparency     []float32 // 1 per point, 0 fully hidden
	OutlierQuantiles []float32 // 1 per point, empty for category fields
}

// Renderer consumes engine output. The engine never assumes a concrete
// display; a headless buffer sink is enough for previews and tests.
type Renderer interface {
	SetData(d Data)

	// LodVisibility returns the per-point level-of-detail mask for the
	// current level, or nil when no reduction applies.
	LodVisibility() []float32
	CurrentLODLevel() int
	SetLODLevel(level int)

	SetEdgeLodLimit(limit int)
	UpdateEdgeVisibility(edgeVis []float32)
}

// BufferSink is the headless Renderer: it retains the latest buffers and
// derives the stride LOD mask. Point p is visible at level L when
// p % 2^L == 0, so deeper levels keep a deterministic subset of points.
type BufferSink struct {
	mu sync.Mutex

	data     Data
	lodLevel int
	lodVis   []float32

	edgeLodLimit int
	edgeVis      []float32
}

// NewBufferSink creates a sink at LOD level 0 (no reduction).
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (b *BufferSink) SetData(d Data) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = d
	if len(b.lodVis) != len(d.Transparency) {
		b.lodVis = nil // point count changed; rebuild on next query
	}
}

// Data returns the last frame handed to the sink.
func (b *BufferSink) Data() Data {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *BufferSink) LodVisibility() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lodLevel <= 0 {
		return nil
	}
	n := len(b.data.Transparency)
	if len(b.lodVis) != n {
		b.lodVis = StrideMask(b.lodLevel, n)
	}
	return b.lodVis
}

// StrideMask builds the stride LOD mask for level over n points, or nil when
// no reduction applies. Views carry their own dimension level, so edge
// recomputation needs masks for levels other than the renderer's current one.
func StrideMask(level, n int) []float32 {
	if level <= 0 {
		return nil
	}
	mask := make([]float32, n)
	stride := 1 << level
	for p := 0; p < n; p += stride {
		mask[p] = 1
	}
	return mask
}

func (b *BufferSink) CurrentLODLevel() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lodLevel
}

func (b *BufferSink) SetLODLevel(level int) {
	if level < 0 {
		level = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if level != b.lodLevel {
		b.lodLevel = level
		b.lodVis = nil
	}
}

func (b *BufferSink) SetEdgeLodLimit(limit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edgeLodLimit = limit
}

// EdgeLodLimit returns the count of leading shuffled edges to draw.
func (b *BufferSink) EdgeLodLimit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.edgeLodLimit
}

func (b *BufferSink) UpdateEdgeVisibility(edgeVis []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edgeVis = edgeVis
}

// EdgeVisibility returns the per-edge visibility buffer last pushed.
func (b *BufferSink) EdgeVisibility() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.edgeVis
}
