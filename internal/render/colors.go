package render

import (
	"image/color"
	"math"

	"github.com/theislab/cellucid-engine/internal/field"
	"github.com/theislab/cellucid-engine/pkg/colormap"
)

// Colors derives the RGBA color buffer (4 floats per point, 0..1) for a
// field. Unloaded fields color every point with the missing gray so a slow
// load never paints garbage.
func Colors(f *field.Field, pointCount int) []float32 {
	out := make([]float32, 4*pointCount)
	if f == nil || !f.Loaded() {
		fillAll(out, colormap.Missing)
		return out
	}
	if f.Kind == field.KindCategory {
		categoryColors(f, out)
	} else {
		continuousColors(f, out)
	}
	return out
}

func categoryColors(f *field.Field, out []float32) {
	p := f.Presentation

	// Resolve the per-category palette once, honoring hex overrides.
	palette := make([][4]float32, len(f.Categories))
	for i := range f.Categories {
		c := colormap.Categorical.AtIndex(i)
		if i < len(p.CategoryColors) && p.CategoryColors[i] != "" {
			if parsed, err := colormap.ParseHex(p.CategoryColors[i]); err == nil {
				c = parsed
			}
		}
		palette[i] = rgba(c)
	}

	missing := rgba(colormap.Missing)
	for pt := 0; pt*4 < len(out) && pt < len(f.Codes); pt++ {
		code := f.Codes[pt]
		var c [4]float32
		if code == field.MissingCode || int(code) >= len(palette) || code < 0 {
			c = missing
		} else {
			c = palette[code]
		}
		copy(out[pt*4:], c[:])
	}
}

func continuousColors(f *field.Field, out []float32) {
	p := f.Presentation
	cm := colormap.ByName(p.Colormap)
	missing := rgba(colormap.Missing)

	lo, hi := float64(p.RangeMin), float64(p.RangeMax)
	span := hi - lo
	if span <= 0 {
		span = 1
	}
	logSpan := math.Log1p(span)
	if logSpan == 0 {
		logSpan = 1
	}

	for pt := 0; pt*4 < len(out) && pt < len(f.Values); pt++ {
		v := float64(f.Values[pt])
		if math.IsNaN(v) {
			copy(out[pt*4:], missing[:])
			continue
		}
		var t float64
		if p.LogScale {
			shifted := v - lo
			if shifted < 0 {
				shifted = 0
			}
			t = math.Log1p(shifted) / logSpan
		} else {
			t = (v - lo) / span
		}
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		c := rgba(cm.At(t))
		copy(out[pt*4:], c[:])
	}
}

// Transparency converts the filter visibility buffer into per-point alpha.
// Hidden points get 0, visible points 1; partial values pass through so a
// future soft-fade filter needs no renderer change.
func Transparency(visibility []float32) []float32 {
	out := make([]float32, len(visibility))
	copy(out, visibility)
	return out
}

func rgba(c color.Color) [4]float32 {
	r, g, b, a := c.RGBA()
	return [4]float32{
		float32(r) / 0xffff,
		float32(g) / 0xffff,
		float32(b) / 0xffff,
		float32(a) / 0xffff,
	}
}

func fillAll(out []float32, c color.Color) {
	v := rgba(c)
	for pt := 0; pt*4 < len(out); pt++ {
		copy(out[pt*4:], v[:])
	}
}
