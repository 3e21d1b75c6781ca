package render

import (
	"bytes"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
)

// PreviewConfig contains preview renderer configuration.
type PreviewConfig struct {
	Width       int
	Height      int
	PointRadius float64
}

// Previewer rasterizes point buffers into PNG scatter previews.
type Previewer struct {
	config      PreviewConfig
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewPreviewer creates a preview renderer with pooled drawing contexts.
func NewPreviewer(cfg PreviewConfig) *Previewer {
	if cfg.Width <= 0 {
		cfg.Width = 512
	}
	if cfg.Height <= 0 {
		cfg.Height = 512
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = 1.5
	}
	return &Previewer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Render draws the frame as a scatter plot and encodes it as PNG. Points
// with transparency at or below 0.5 are skipped entirely.
func (p *Previewer) Render(d Data) ([]byte, error) {
	dc := p.contextPool.Get().(*gg.Context)
	defer p.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	n := len(d.Positions) / 2
	if n == 0 {
		return p.encodeContext(dc)
	}

	minX, minY, maxX, maxY := bounds(d.Positions)
	spanX := maxX - minX
	spanY := maxY - minY
	if spanX == 0 {
		spanX = 1
	}
	if spanY == 0 {
		spanY = 1
	}

	const margin = 8.0
	w := float64(p.config.Width) - 2*margin
	h := float64(p.config.Height) - 2*margin

	for i := 0; i < n; i++ {
		if i < len(d.Transparency) && d.Transparency[i] <= 0.5 {
			continue
		}
		px := margin + (float64(d.Positions[i*2])-minX)/spanX*w
		// Flip Y: embedding coordinates grow upward, images downward.
		py := margin + (1-(float64(d.Positions[i*2+1])-minY)/spanY)*h

		dc.SetRGBA(pointChannel(d.Colors, i, 0), pointChannel(d.Colors, i, 1),
			pointChannel(d.Colors, i, 2), pointChannel(d.Colors, i, 3))
		dc.DrawCircle(px, py, p.config.PointRadius)
		dc.Fill()
	}

	return p.encodeContext(dc)
}

func bounds(positions []float32) (minX, minY, maxX, maxY float64) {
	minX, minY = float64(positions[0]), float64(positions[1])
	maxX, maxY = minX, minY
	for i := 2; i+1 < len(positions); i += 2 {
		x, y := float64(positions[i]), float64(positions[i+1])
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}
	return
}

func pointChannel(colors []float32, point, channel int) float64 {
	idx := point*4 + channel
	if idx >= len(colors) {
		if channel == 3 {
			return 1
		}
		return 0.5
	}
	return float64(colors[idx])
}

func (p *Previewer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := p.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		p.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
