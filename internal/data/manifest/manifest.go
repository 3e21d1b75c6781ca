// Package manifest loads preprocessed viewer datasets: a manifest.json
// describing the fields plus little-endian binary value buffers, optionally
// zstd-compressed. It implements the loader contracts consumed by the field
// store and the connectivity sampler.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Manifest is the dataset description on disk.
type Manifest struct {
	Name       string      `json:"name"`
	PointCount int         `json:"pointCount"`
	Positions  string      `json:"positions"`
	Fields     []FieldInfo `json:"fields"`
	Edges      *EdgeFiles  `json:"edges,omitempty"`
}

// FieldInfo describes one annotation column.
type FieldInfo struct {
	Source     string   `json:"source"`
	Key        string   `json:"key"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories,omitempty"`
	File       string   `json:"file"`
}

// EdgeFiles points at the connectivity buffers.
type EdgeFiles struct {
	Sources      string `json:"sources"`
	Destinations string `json:"destinations"`
}

// readManifest parses and validates manifest.json from dir.
func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.PointCount <= 0 {
		return nil, fmt.Errorf("manifest has invalid pointCount %d", m.PointCount)
	}
	for _, f := range m.Fields {
		if f.Key == "" || f.File == "" {
			return nil, fmt.Errorf("manifest field %q is missing key or file", f.Key)
		}
		if f.Kind != "category" && f.Kind != "continuous" {
			return nil, fmt.Errorf("manifest field %q has unknown kind %q", f.Key, f.Kind)
		}
	}
	return &m, nil
}
