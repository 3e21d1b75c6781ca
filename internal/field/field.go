// Package field owns per-point annotation fields: metadata, lazily-loaded
// value buffers, presentation state, and the bounded cache that keeps memory
// in check when users page through hundreds of annotations.
package field

import (
	"errors"
)

// Source identifies which axis of the dataset a field annotates.
type Source string

const (
	// SourceObs annotates observations (cells).
	SourceObs Source = "obs"
	// SourceVar annotates variables (genes); in practice these are
	// per-cell expression vectors for a single gene.
	SourceVar Source = "var"
)

// Kind distinguishes categorical from continuous fields.
type Kind string

const (
	KindCategory   Kind = "category"
	KindContinuous Kind = "continuous"
)

// MissingCode is the sentinel code for points with no category value.
const MissingCode = -1

// Sentinel errors for the loader contract.
var (
	// ErrNotFound means the field is absent from the dataset manifest.
	// Treated as a missing optional feature, not fatal.
	ErrNotFound = errors.New("field not found")
	// ErrLoadFailed means fetching or decoding the buffer failed.
	// Retryable; previous state is left untouched.
	ErrLoadFailed = errors.New("field load failed")
)

// Ref identifies a field within a dataset.
type Ref struct {
	Source Source
	Key    string
}

// String returns the canonical "source:key" form used in session documents
// and cache keys.
func (r Ref) String() string {
	return string(r.Source) + ":" + r.Key
}

// ContinuousStats holds derived statistics for a continuous field.
type ContinuousStats struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
}

// Presentation is the mutable per-field display state. It survives buffer
// eviction and is what snapshots and sessions capture.
type Presentation struct {
	// Enabled gates whether the field participates in filtering at all.
	Enabled bool

	// Category fields.
	CategoryVisible []bool
	CategoryColors  []string // hex overrides, "" selects the palette color
	HideMissing     bool

	// Continuous fields.
	RangeMin         float32
	RangeMax         float32
	OutlierThreshold float64 // quantile in [0,1]; 1 disables outlier filtering
	LogScale         bool

	Colormap string
}

// Clone returns a deep copy of the presentation state.
func (p Presentation) Clone() Presentation {
	out := p
	if p.CategoryVisible != nil {
		out.CategoryVisible = append([]bool(nil), p.CategoryVisible...)
	}
	if p.CategoryColors != nil {
		out.CategoryColors = append([]string(nil), p.CategoryColors...)
	}
	return out
}

// Field is a single annotation column. Metadata (categories, stats) persists
// for the lifetime of the dataset; value buffers come and go under the cache
// bound.
type Field struct {
	Ref  Ref
	Kind Kind

	// Category metadata: ordered labels, fixed at load time.
	Categories []string

	// Loaded value buffers. Codes for category fields (MissingCode for
	// absent values), Values plus OutlierQuantiles for continuous fields.
	// Exactly pointCount entries each once loaded.
	Codes            []int32
	Values           []float32
	OutlierQuantiles []float32

	Stats ContinuousStats

	Presentation Presentation

	loaded  bool
	deleted bool

	// filterModified is true when the field's filter state differs from
	// the implicit all-visible default. Maintained by the filter engine.
	filterModified bool
}

// Loaded reports whether the field's value buffer is resident.
func (f *Field) Loaded() bool { return f.loaded }

// Deleted reports whether the field has been soft-deleted. Deleted fields
// are excluded from enumeration but retain data for restoration.
func (f *Field) Deleted() bool { return f.deleted }

// FilterModified reports whether the field's filter differs from the
// all-visible default.
func (f *Field) FilterModified() bool { return f.filterModified }

// SetFilterModified records whether the field's filter differs from the
// default. Called by the filter engine after every mutation.
func (f *Field) SetFilterModified(v bool) { f.filterModified = v }

// ResetPresentation restores the all-visible default presentation for the
// field's kind.
func (f *Field) ResetPresentation() {
	p := Presentation{
		Enabled:          true,
		OutlierThreshold: 1,
		RangeMin:         f.Stats.Min,
		RangeMax:         f.Stats.Max,
		Colormap:         "viridis",
	}
	if f.Kind == KindCategory {
		p.CategoryVisible = make([]bool, len(f.Categories))
		for i := range p.CategoryVisible {
			p.CategoryVisible[i] = true
		}
		p.CategoryColors = make([]string, len(f.Categories))
		p.Colormap = "categorical"
	}
	f.Presentation = p
	f.filterModified = false
}

// releaseBuffers drops the loaded value buffers, keeping metadata and
// presentation. Called on eviction.
func (f *Field) releaseBuffers() {
	f.Codes = nil
	f.Values = nil
	f.OutlierQuantiles = nil
	f.loaded = false
}
