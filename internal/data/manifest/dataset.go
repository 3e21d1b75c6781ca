package manifest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/theislab/cellucid-engine/internal/connectivity"
	"github.com/theislab/cellucid-engine/internal/field"
)

// Dataset is an opened dataset directory. It resolves field keys and the
// edge list to raw numeric buffers on demand; it does not cache field
// buffers itself, that is the field store's job.
type Dataset struct {
	dir      string
	manifest *Manifest

	posOnce   sync.Once
	positions []float32
	posErr    error
}

// Open reads and validates the dataset manifest in dir.
func Open(dir string) (*Dataset, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	return &Dataset{dir: dir, manifest: m}, nil
}

// Name returns the dataset's display name.
func (d *Dataset) Name() string { return d.manifest.Name }

// PointCount returns the number of points in the embedding.
func (d *Dataset) PointCount() int { return d.manifest.PointCount }

// Fields lists the annotation columns the manifest declares.
func (d *Dataset) Fields() []FieldInfo {
	return append([]FieldInfo(nil), d.manifest.Fields...)
}

// HasEdges reports whether the dataset ships a connectivity graph.
func (d *Dataset) HasEdges() bool { return d.manifest.Edges != nil }

// Positions returns the interleaved XY position buffer, loaded once.
func (d *Dataset) Positions() ([]float32, error) {
	d.posOnce.Do(func() {
		if d.manifest.Positions == "" {
			d.posErr = fmt.Errorf("%w: manifest lists no positions", field.ErrNotFound)
			return
		}
		d.positions, d.posErr = d.readFloat32(d.manifest.Positions)
		if d.posErr == nil && len(d.positions) != 2*d.manifest.PointCount {
			d.posErr = fmt.Errorf("%w: positions buffer has %d values, want %d",
				field.ErrLoadFailed, len(d.positions), 2*d.manifest.PointCount)
		}
	})
	return d.positions, d.posErr
}

// ResolveField loads one field's value buffer. Unknown keys resolve to
// field.ErrNotFound; read or decode failures to field.ErrLoadFailed.
func (d *Dataset) ResolveField(ctx context.Context, source field.Source, key string) (*field.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, ok := d.lookup(source, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", field.ErrNotFound, source, key)
	}

	switch info.Kind {
	case "category":
		codes, err := d.readInt32(info.File)
		if err != nil {
			return nil, err
		}
		return &field.Payload{
			Kind:       field.KindCategory,
			Categories: info.Categories,
			Codes:      codes,
		}, nil
	default:
		values, err := d.readFloat32(info.File)
		if err != nil {
			return nil, err
		}
		return &field.Payload{Kind: field.KindContinuous, Values: values}, nil
	}
}

// ResolveEdges loads the connectivity edge list.
func (d *Dataset) ResolveEdges(ctx context.Context) (*connectivity.EdgeList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.manifest.Edges == nil {
		return nil, fmt.Errorf("%w: dataset has no connectivity edges", field.ErrNotFound)
	}
	sources, err := d.readInt32(d.manifest.Edges.Sources)
	if err != nil {
		return nil, err
	}
	dests, err := d.readInt32(d.manifest.Edges.Destinations)
	if err != nil {
		return nil, err
	}
	if len(sources) != len(dests) {
		return nil, fmt.Errorf("%w: ragged edge buffers (%d vs %d)", field.ErrLoadFailed, len(sources), len(dests))
	}
	return &connectivity.EdgeList{Sources: sources, Destinations: dests}, nil
}

func (d *Dataset) lookup(source field.Source, key string) (FieldInfo, bool) {
	for _, f := range d.manifest.Fields {
		if f.Key == key && f.Source == string(source) {
			return f, true
		}
	}
	return FieldInfo{}, false
}

// readRaw reads a buffer file, transparently decompressing ".zst" files.
func (d *Dataset) readRaw(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", field.ErrLoadFailed, err)
	}
	if !strings.HasSuffix(name, ".zst") {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", field.ErrLoadFailed, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", field.ErrLoadFailed, name, err)
	}
	return out, nil
}

func (d *Dataset) readFloat32(name string) ([]float32, error) {
	raw, err := d.readRaw(name)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes, not float32-aligned", field.ErrLoadFailed, name, len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func (d *Dataset) readInt32(name string) ([]int32, error) {
	raw, err := d.readRaw(name)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes, not int32-aligned", field.ErrLoadFailed, name, len(raw))
	}
	out := make([]int32, len(raw)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
