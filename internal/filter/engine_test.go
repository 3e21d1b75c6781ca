package filter

import (
	"context"
	"testing"

	"github.com/theislab/cellucid-engine/internal/field"
)

// tenPointFixture builds the canonical 10-point dataset: a category field
// whose category 0 covers points 0-2, and a continuous field with value =
// point index.
type fixtureLoader struct{}

func (fixtureLoader) ResolveField(ctx context.Context, source field.Source, key string) (*field.Payload, error) {
	switch key {
	case "cell_type":
		return &field.Payload{
			Kind:       field.KindCategory,
			Categories: []string{"B", "T", "NK"},
			Codes:      []int32{0, 0, 0, 1, 1, 1, 2, 2, 2, field.MissingCode},
		}, nil
	case "score":
		return &field.Payload{
			Kind:   field.KindContinuous,
			Values: []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		}, nil
	}
	return nil, field.ErrNotFound
}

func newFixtureEngine(t *testing.T) (*Engine, *field.Store) {
	t.Helper()
	store := field.NewStore(field.StoreConfig{
		Loader:       fixtureLoader{},
		PointCount:   10,
		MaxObsFields: 8,
		MaxVarFields: 8,
	})
	for _, key := range []string{"cell_type", "score"} {
		if err := store.EnsureLoaded(context.Background(), field.Ref{Source: field.SourceObs, Key: key}); err != nil {
			t.Fatal(err)
		}
	}
	return NewEngine(store), store
}

func visibleSet(e *Engine) map[int]bool {
	out := map[int]bool{}
	for i, v := range e.Visibility() {
		if v > 0.5 {
			out[i] = true
		}
	}
	return out
}

func TestFreshDatasetAllVisible(t *testing.T) {
	e, _ := newFixtureEngine(t)
	shown, total := e.FilteredCount()
	if shown != 10 || total != 10 {
		t.Fatalf("FilteredCount = %d/%d, want 10/10", shown, total)
	}
}

func TestVisibilityANDComposition(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}
	cont := field.Ref{Source: field.SourceObs, Key: "score"}

	// Hide category 0 (points 0-2), keep continuous range [0,5] (points 0-5).
	e.SetCategoryVisibility(cat, 0, false)
	e.SetContinuousRange(cont, 0, 5)

	got := visibleSet(e)
	want := map[int]bool{3: true, 4: true, 5: true}
	if len(got) != len(want) {
		t.Fatalf("visible set %v, want %v", got, want)
	}
	for p := range want {
		if !got[p] {
			t.Fatalf("point %d should be visible; set %v", p, got)
		}
	}
}

func TestMissingCodeVisibleUnlessHidden(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	// Point 9 has the missing sentinel; hiding a category leaves it visible.
	e.SetCategoryVisibility(cat, 1, false)
	if got := visibleSet(e); !got[9] {
		t.Fatalf("missing-code point hidden by category filter: %v", got)
	}

	e.SetHideMissing(cat, true)
	if got := visibleSet(e); got[9] {
		t.Fatalf("missing-code point visible despite hide-missing: %v", got)
	}
}

func TestZeroEnabledCategoriesHidesAll(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	for i := 0; i < 3; i++ {
		e.SetCategoryVisibility(cat, i, false)
	}
	// Zero enabled categories means zero visible points for this predicate,
	// not "ignore the field". Only the missing-code point survives.
	got := visibleSet(e)
	if len(got) != 1 || !got[9] {
		t.Fatalf("visible set %v, want only the missing-code point", got)
	}
}

func TestDisabledFieldSkipped(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	e.SetCategoryVisibility(cat, 0, false)
	e.SetFieldFilterEnabled(cat, false)

	if shown, _ := e.FilteredCount(); shown != 10 {
		t.Fatalf("disabled filter still applied: %d shown", shown)
	}

	e.SetFieldFilterEnabled(cat, true)
	if shown, _ := e.FilteredCount(); shown != 7 {
		t.Fatalf("re-enabled filter not applied: %d shown", shown)
	}
}

func TestOutlierThreshold(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cont := field.Ref{Source: field.SourceObs, Key: "score"}

	// Threshold 0.5 keeps points whose value sits at or below the median
	// quantile rank: values 0..4.
	e.SetOutlierThreshold(cont, 0.5)
	got := visibleSet(e)
	for p := 0; p <= 4; p++ {
		if !got[p] {
			t.Fatalf("point %d should pass the 0.5 quantile threshold: %v", p, got)
		}
	}
	for p := 5; p <= 9; p++ {
		if got[p] {
			t.Fatalf("point %d should fail the 0.5 quantile threshold: %v", p, got)
		}
	}

	// Threshold 1 disables outlier filtering entirely.
	e.SetOutlierThreshold(cont, 1)
	if shown, _ := e.FilteredCount(); shown != 10 {
		t.Fatalf("threshold 1 should be all-visible, got %d", shown)
	}
}

func TestResetFieldFilter(t *testing.T) {
	e, store := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	e.SetCategoryVisibility(cat, 0, false)
	if !store.Get(cat).FilterModified() {
		t.Fatal("field not marked filter-modified")
	}

	e.ResetFieldFilter(cat)
	if store.Get(cat).FilterModified() {
		t.Fatal("field still filter-modified after reset")
	}
	if shown, _ := e.FilteredCount(); shown != 10 {
		t.Fatalf("reset filter still hides points: %d shown", shown)
	}
}

func TestModifiedFlagRoundTrip(t *testing.T) {
	e, store := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	// Hiding and re-showing the same category lands back on the default;
	// the field must not stay marked modified.
	e.SetCategoryVisibility(cat, 0, false)
	e.SetCategoryVisibility(cat, 0, true)
	if store.Get(cat).FilterModified() {
		t.Fatal("unmodified field still marked filter-modified")
	}
}

func TestDeletedFieldLeavesANDSet(t *testing.T) {
	e, store := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	e.SetCategoryVisibility(cat, 0, false)
	if shown, _ := e.FilteredCount(); shown != 7 {
		t.Fatalf("setup: %d shown", shown)
	}

	store.Delete(cat)
	e.Recompute()
	if shown, _ := e.FilteredCount(); shown != 10 {
		t.Fatalf("deleted field still filters: %d shown", shown)
	}
}

func TestNotificationFanOutAndUnsubscribe(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	var a, b int
	unsubA := e.Subscribe(func(Change) { a++ })
	e.Subscribe(func(Change) { b++ })

	e.SetCategoryVisibility(cat, 0, false)
	if a != 1 || b != 1 {
		t.Fatalf("fan-out a=%d b=%d, want 1/1", a, b)
	}

	unsubA()
	e.SetCategoryVisibility(cat, 1, false)
	if a != 1 {
		t.Fatalf("unsubscribed listener invoked: a=%d", a)
	}
	if b != 2 {
		t.Fatalf("remaining listener missed notification: b=%d", b)
	}
}

func TestColorMutationSkipsVisibilityRecompute(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	gen := e.Generation()
	var change Change
	e.Subscribe(func(c Change) { change = c })

	e.SetCategoryColor(cat, 0, "#ff0000")
	if e.Generation() != gen {
		t.Fatal("color mutation recomputed visibility")
	}
	if !change.Colors || change.Visibility {
		t.Fatalf("unexpected change surfaces: %+v", change)
	}
}

func TestActiveFiltersStructured(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}
	cont := field.Ref{Source: field.SourceObs, Key: "score"}

	e.SetCategoryVisibility(cat, 2, false)
	e.SetContinuousRange(cont, 1, 8)

	filters := e.ActiveFiltersStructured()
	if len(filters) != 2 {
		t.Fatalf("got %d filters, want 2: %v", len(filters), filters)
	}

	cf, ok := filters["obs:cell_type"]
	if !ok {
		t.Fatalf("missing obs:cell_type in %v", filters)
	}
	if len(cf.HiddenCategories) != 1 || cf.HiddenCategories[0] != 2 {
		t.Fatalf("HiddenCategories = %v, want [2]", cf.HiddenCategories)
	}

	sf := filters["obs:score"]
	if sf.RangeMin == nil || *sf.RangeMin != 1 || sf.RangeMax == nil || *sf.RangeMax != 8 {
		t.Fatalf("range = %v..%v, want 1..8", sf.RangeMin, sf.RangeMax)
	}
}

func TestListenersInvokedInRegistrationOrder(t *testing.T) {
	e, _ := newFixtureEngine(t)
	cat := field.Ref{Source: field.SourceObs, Key: "cell_type"}

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		e.Subscribe(func(Change) { order = append(order, i) })
	}

	e.SetCategoryVisibility(cat, 0, false)
	if len(order) != 5 {
		t.Fatalf("got %d invocations, want 5", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("invocation order %v, want registration order", order)
		}
	}
}
