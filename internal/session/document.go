// Package session serializes the full interactive state (filters, highlight
// pages, active fields, snapshot views) to a JSON document and persists named
// documents in SQLite.
package session

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/theislab/cellucid-engine/internal/filter"
	"github.com/theislab/cellucid-engine/internal/highlight"
)

// CurrentVersion is the document format version written on export.
const CurrentVersion = 1

// ErrInvalidDocument marks a payload that is not a session document at all,
// as opposed to one referencing fields absent from the current dataset.
var ErrInvalidDocument = errors.New("invalid session document")

// Document is the persisted session shape.
type Document struct {
	Version        int                           `json:"version"`
	Dataset        string                        `json:"dataset,omitempty"`
	Filters        map[string]filter.FieldFilter `json:"filters"`
	HighlightPages []highlight.PageSnapshot      `json:"highlightPages"`
	ActivePageID   string                        `json:"activeHighlightPage,omitempty"`
	ActiveFields   map[string]string             `json:"activeFields"` // source -> field key
	Multiview      *Multiview                    `json:"multiview,omitempty"`
}

// Multiview captures the snapshot views. Buffers are serialized verbatim so
// a restored snapshot needs no field data from the current dataset.
type Multiview struct {
	Layout       string         `json:"layout,omitempty"`
	ActiveViewID string         `json:"activeViewId,omitempty"`
	Snapshots    []ViewSnapshot `json:"snapshots"`
}

// ViewSnapshot is the serializable form of a snapshot view.
type ViewSnapshot struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	FieldKey       string    `json:"fieldKey,omitempty"`
	FieldKind      string    `json:"fieldKind,omitempty"`
	Colors         []float32 `json:"colors,omitempty"`
	Transparency   []float32 `json:"transparency,omitempty"`
	DimensionLevel int       `json:"dimensionLevel,omitempty"`
}

// Parse decodes and shape-checks a session document. Unrelated JSON files
// fail fast here with a descriptive error; dangling field references do not,
// they are skipped during restoration.
func Parse(data []byte) (*Document, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidDocument, err)
	}
	if probe.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidDocument)
	}
	if *probe.Version < 1 || *probe.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidDocument, *probe.Version)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// Encode serializes a document.
func Encode(doc *Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}
