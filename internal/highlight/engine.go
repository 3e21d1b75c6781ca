// Package highlight manages multi-page collections of named point-index
// groups and the per-point highlight intensity buffer they compose into.
package highlight

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/theislab/cellucid-engine/internal/field"
)

// ErrInvalidState is returned for operations rejected without mutating
// state, such as deleting the last remaining page.
var ErrInvalidState = errors.New("invalid highlight state")

// GroupType distinguishes how a group's membership was defined.
type GroupType string

const (
	GroupCategory GroupType = "category"
	GroupRange    GroupType = "range"
)

// Intensity written for every member of an enabled group. Overlapping
// groups do not stack: intensity is a visual emphasis channel, not a count,
// so the last writer within a rebuild pass wins.
const fullIntensity = 1.0

// Group is a named set of point indices. Membership is captured explicitly
// at creation time, never recomputed from the field, so a highlight survives
// field renames and deletes and restores into datasets without the field.
type Group struct {
	ID            string
	Type          GroupType
	FieldKey      string
	FieldSource   field.Source
	CategoryIndex int
	RangeMin      float64
	RangeMax      float64
	Label         string
	Cells         *roaring.Bitmap
	Enabled       bool
}

// Page is a named collection of groups. Exactly one page is active.
type Page struct {
	ID     string
	Name   string
	Groups []*Group
}

// Engine owns highlight pages and the shared intensity buffer. The buffer
// is allocated once and rebuilt in place.
type Engine struct {
	mu         sync.Mutex
	pages      []*Page
	activePage string
	intensity  []float32
}

// NewEngine creates a highlight engine with one empty default page.
func NewEngine(pointCount int) *Engine {
	first := &Page{ID: uuid.NewString(), Name: "Page 1"}
	return &Engine{
		pages:      []*Page{first},
		activePage: first.ID,
		intensity:  make([]float32, pointCount),
	}
}

// Intensity returns the shared per-point intensity buffer. Read-only for
// callers.
func (e *Engine) Intensity() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intensity
}

// CreatePage adds a new page and returns it. The new page does not become
// active.
func (e *Engine) CreatePage(name string) *Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("Page %d", len(e.pages)+1)
	}
	p := &Page{ID: uuid.NewString(), Name: name}
	e.pages = append(e.pages, p)
	return p
}

// SwitchToPage makes the page active and rebuilds intensity from it.
func (e *Engine) SwitchToPage(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pages {
		if p.ID == id {
			e.activePage = id
			e.rebuildLocked()
			return nil
		}
	}
	return fmt.Errorf("%w: no page %s", ErrInvalidState, id)
}

// DeletePage removes a page. Deleting the last remaining page is refused.
// If the active page is deleted, the first remaining page becomes active.
func (e *Engine) DeletePage(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pages) <= 1 {
		return fmt.Errorf("%w: cannot delete the last page", ErrInvalidState)
	}
	for i, p := range e.pages {
		if p.ID == id {
			e.pages = append(e.pages[:i], e.pages[i+1:]...)
			if e.activePage == id {
				e.activePage = e.pages[0].ID
			}
			e.rebuildLocked()
			return nil
		}
	}
	return fmt.Errorf("%w: no page %s", ErrInvalidState, id)
}

// Pages returns the pages in order plus the active page's ID.
func (e *Engine) Pages() ([]*Page, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Page(nil), e.pages...), e.activePage
}

// GroupSpec describes a highlight group to add.
type GroupSpec struct {
	Type          GroupType
	FieldKey      string
	FieldSource   field.Source
	CategoryIndex int
	RangeMin      float64
	RangeMax      float64
	Label         string
	CellIndices   []uint32
	Enabled       bool
}

// AddHighlightDirect adds a group with explicitly captured membership to the
// active page. Returns nil if the membership is empty.
func (e *Engine) AddHighlightDirect(spec GroupSpec) *Group {
	if len(spec.CellIndices) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	g := &Group{
		ID:            uuid.NewString(),
		Type:          spec.Type,
		FieldKey:      spec.FieldKey,
		FieldSource:   spec.FieldSource,
		CategoryIndex: spec.CategoryIndex,
		RangeMin:      spec.RangeMin,
		RangeMax:      spec.RangeMax,
		Label:         spec.Label,
		Cells:         roaring.BitmapOf(spec.CellIndices...),
		Enabled:       spec.Enabled,
	}
	if g.Label == "" {
		g.Label = defaultLabel(g)
	}

	page := e.pageLocked(e.activePage)
	page.Groups = append(page.Groups, g)
	e.rebuildLocked()
	return g
}

func defaultLabel(g *Group) string {
	if g.Type == GroupRange {
		return fmt.Sprintf("%s [%g, %g]", g.FieldKey, g.RangeMin, g.RangeMax)
	}
	return fmt.Sprintf("%s #%d", g.FieldKey, g.CategoryIndex)
}

// SetGroupEnabled toggles a group on any page and rebuilds intensity if the
// group lives on the active page.
func (e *Engine) SetGroupEnabled(groupID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pages {
		for _, g := range p.Groups {
			if g.ID == groupID {
				g.Enabled = enabled
				if p.ID == e.activePage {
					e.rebuildLocked()
				}
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no group %s", ErrInvalidState, groupID)
}

// ClearAllHighlights removes every group from the active page only.
func (e *Engine) ClearAllHighlights() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pageLocked(e.activePage).Groups = nil
	e.rebuildLocked()
}

// HandleFieldRenamed updates the display labels of groups that reference the
// renamed field. Membership is a creation-time snapshot and never mutates.
func (e *Engine) HandleFieldRenamed(source field.Source, oldKey, newKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pages {
		for _, g := range p.Groups {
			if g.FieldSource != source || g.FieldKey != oldKey {
				continue
			}
			g.FieldKey = newKey
			g.Label = defaultLabel(g)
		}
	}
}

// rebuildLocked recomputes the intensity buffer from the enabled groups of
// the active page. Indices beyond the point count are stale references from
// another dataset generation and are skipped, not fatal.
func (e *Engine) rebuildLocked() {
	for i := range e.intensity {
		e.intensity[i] = 0
	}
	page := e.pageLocked(e.activePage)
	if page == nil {
		return
	}
	n := uint32(len(e.intensity))
	for _, g := range page.Groups {
		if !g.Enabled {
			continue
		}
		it := g.Cells.Iterator()
		for it.HasNext() {
			idx := it.Next()
			if idx >= n {
				continue
			}
			e.intensity[idx] = fullIntensity
		}
	}
}

func (e *Engine) pageLocked(id string) *Page {
	for _, p := range e.pages {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PageSnapshot is the serializable form of a page.
type PageSnapshot struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Groups []GroupSnapshot `json:"highlightedGroups"`
}

// GroupSnapshot is the serializable form of a group, with explicit cell
// indices so restoration needs no field data.
type GroupSnapshot struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	FieldKey      string   `json:"fieldKey"`
	FieldSource   string   `json:"fieldSource"`
	CategoryIndex int      `json:"categoryIndex,omitempty"`
	RangeMin      float64  `json:"rangeMin,omitempty"`
	RangeMax      float64  `json:"rangeMax,omitempty"`
	Label         string   `json:"label"`
	CellIndices   []uint32 `json:"cellIndices"`
	Enabled       bool     `json:"enabled"`
}

// Export serializes every page for the session document.
func (e *Engine) Export() ([]PageSnapshot, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PageSnapshot, len(e.pages))
	for i, p := range e.pages {
		ps := PageSnapshot{ID: p.ID, Name: p.Name, Groups: make([]GroupSnapshot, len(p.Groups))}
		for j, g := range p.Groups {
			ps.Groups[j] = GroupSnapshot{
				ID:            g.ID,
				Type:          string(g.Type),
				FieldKey:      g.FieldKey,
				FieldSource:   string(g.FieldSource),
				CategoryIndex: g.CategoryIndex,
				RangeMin:      g.RangeMin,
				RangeMax:      g.RangeMax,
				Label:         g.Label,
				CellIndices:   g.Cells.ToArray(),
				Enabled:       g.Enabled,
			}
		}
		out[i] = ps
	}
	return out, e.activePage
}

// Restore replaces all pages from a session document. An empty snapshot
// list restores to a single empty page. Unknown active page IDs fall back
// to the first page.
func (e *Engine) Restore(pages []PageSnapshot, activeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(pages) == 0 {
		first := &Page{ID: uuid.NewString(), Name: "Page 1"}
		e.pages = []*Page{first}
		e.activePage = first.ID
		e.rebuildLocked()
		return
	}

	e.pages = make([]*Page, len(pages))
	for i, ps := range pages {
		p := &Page{ID: ps.ID, Name: ps.Name}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		for _, gs := range ps.Groups {
			if len(gs.CellIndices) == 0 {
				continue
			}
			g := &Group{
				ID:            gs.ID,
				Type:          GroupType(gs.Type),
				FieldKey:      gs.FieldKey,
				FieldSource:   field.Source(gs.FieldSource),
				CategoryIndex: gs.CategoryIndex,
				RangeMin:      gs.RangeMin,
				RangeMax:      gs.RangeMax,
				Label:         gs.Label,
				Cells:         roaring.BitmapOf(gs.CellIndices...),
				Enabled:       gs.Enabled,
			}
			if g.ID == "" {
				g.ID = uuid.NewString()
			}
			p.Groups = append(p.Groups, g)
		}
		e.pages[i] = p
	}

	e.activePage = e.pages[0].ID
	for _, p := range e.pages {
		if p.ID == activeID {
			e.activePage = activeID
		}
	}
	e.rebuildLocked()
}
