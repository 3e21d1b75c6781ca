// Package view tracks the live view and immutable snapshot views for
// side-by-side comparison, plus the capture/restore of the full mutable
// context around snapshot construction.
package view

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/theislab/cellucid-engine/internal/field"
)

// ErrUnknownView is returned when a view ID does not resolve.
var ErrUnknownView = errors.New("unknown view")

// LiveID is the reserved ID of the mutable live view.
const LiveID = "live"

// View bundles the derived per-point buffers of one rendering surface.
// The live view's buffers are mutated in place by the coordinator; a
// snapshot view's buffers are copies taken at creation and never change.
type View struct {
	ID    string `json:"id"`
	Label string `json:"label"`

	FieldKey  string     `json:"fieldKey"`
	FieldKind field.Kind `json:"fieldKind"`

	Positions        []float32 `json:"-"`
	Colors           []float32 `json:"-"`
	Transparency     []float32 `json:"-"`
	OutlierQuantiles []float32 `json:"-"`

	CentroidPositions []float32 `json:"-"`
	CentroidColors    []float32 `json:"-"`
	CentroidOutliers  []float32 `json:"-"`

	DimensionLevel int `json:"dimensionLevel"`
}

// Clone returns a deep copy; no buffer is shared with the receiver.
func (v *View) Clone() *View {
	out := *v
	out.Positions = append([]float32(nil), v.Positions...)
	out.Colors = append([]float32(nil), v.Colors...)
	out.Transparency = append([]float32(nil), v.Transparency...)
	out.OutlierQuantiles = append([]float32(nil), v.OutlierQuantiles...)
	out.CentroidPositions = append([]float32(nil), v.CentroidPositions...)
	out.CentroidColors = append([]float32(nil), v.CentroidColors...)
	out.CentroidOutliers = append([]float32(nil), v.CentroidOutliers...)
	return &out
}

// Manager tracks the live view, the snapshot collection, and which view is
// active for per-view queries (edge visibility, LOD level).
type Manager struct {
	mu        sync.Mutex
	store     *field.Store
	live      *View
	snapshots map[string]*View
	order     []string
	activeID  string
}

// NewManager creates a manager whose live view starts empty.
func NewManager(store *field.Store) *Manager {
	return &Manager{
		store:     store,
		live:      &View{ID: LiveID, Label: "Live"},
		snapshots: map[string]*View{},
		activeID:  LiveID,
	}
}

// Live returns the mutable live view. Only the coordinator writes it.
func (m *Manager) Live() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Get resolves a view by ID (live or snapshot).
func (m *Manager) Get(id string) (*View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == LiveID || id == "" {
		return m.live, true
	}
	v, ok := m.snapshots[id]
	return v, ok
}

// Views returns the live view followed by snapshots in creation order.
func (m *Manager) Views() []*View {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*View, 0, 1+len(m.order))
	out = append(out, m.live)
	for _, id := range m.order {
		out = append(out, m.snapshots[id])
	}
	return out
}

// SnapshotPayload reads the live view's current derived buffers by value.
func (m *Manager) SnapshotPayload() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live.Clone()
}

// CreateSnapshotView registers a new immutable view from a payload. The
// payload's buffers are copied, never aliased, because the live state keeps
// mutating after the snapshot is taken. IDs are unique for the process
// lifetime.
func (m *Manager) CreateSnapshotView(label string, payload *View) *View {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := payload.Clone()
	snap.ID = uuid.NewString()
	snap.Label = label
	if snap.Label == "" {
		snap.Label = fmt.Sprintf("Snapshot %d", len(m.order)+1)
	}
	m.snapshots[snap.ID] = snap
	m.order = append(m.order, snap.ID)
	return snap
}

// DeleteView removes a snapshot and releases its buffers. The live view
// cannot be deleted.
func (m *Manager) DeleteView(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == LiveID {
		return fmt.Errorf("%w: cannot delete the live view", ErrUnknownView)
	}
	if _, ok := m.snapshots[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, id)
	}
	delete(m.snapshots, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.activeID == id {
		m.activeID = LiveID
	}
	return nil
}

// ClearSnapshotViews removes all snapshots and reactivates the live view.
func (m *Manager) ClearSnapshotViews() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = map[string]*View{}
	m.order = nil
	m.activeID = LiveID
}

// SetActiveView switches which view subsequent per-view queries target.
func (m *Manager) SetActiveView(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != LiveID {
		if _, ok := m.snapshots[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownView, id)
		}
	}
	m.activeID = id
	return nil
}

// ActiveID returns the active view's ID.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Context is a restore point: a deep copy of every mutable per-view buffer
// and per-field presentation override needed to reconstruct the live state
// exactly. Used around snapshot-building loops that temporarily mutate the
// live state.
type Context struct {
	ActiveField    field.Ref
	HasActiveField bool
	Presentations  map[field.Ref]field.Presentation
	Modified       map[field.Ref]bool
	Live           *View
}

// CaptureCurrentContext deep-copies the current live context.
func (m *Manager) CaptureCurrentContext() *Context {
	m.mu.Lock()
	live := m.live.Clone()
	m.mu.Unlock()

	ctx := &Context{
		Presentations: map[field.Ref]field.Presentation{},
		Modified:      map[field.Ref]bool{},
		Live:          live,
	}
	ctx.ActiveField, ctx.HasActiveField = m.store.Active()
	for _, f := range m.store.List() {
		ctx.Presentations[f.Ref] = f.Presentation.Clone()
		ctx.Modified[f.Ref] = f.FilterModified()
	}
	return ctx
}

// RestoreContext is the exact inverse of CaptureCurrentContext. The caller
// is responsible for triggering a filter recomputation afterwards.
func (m *Manager) RestoreContext(ctx *Context) {
	for ref, p := range ctx.Presentations {
		if f := m.store.Get(ref); f != nil {
			f.Presentation = p.Clone()
			f.SetFilterModified(ctx.Modified[ref])
		}
	}
	if ctx.HasActiveField {
		m.store.SetActive(ctx.ActiveField)
	}

	m.mu.Lock()
	restored := ctx.Live.Clone()
	restored.ID = LiveID
	m.live = restored
	m.mu.Unlock()
}
