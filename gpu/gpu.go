// Package gpu is the drawing surface layers render through: textures holding
// raw samples, a colormap, render targets and the fragment program mapping
// samples to colors.
package gpu

import (
	"fmt"
	"math"

	"github.com/gogpu/gg"
)

// Matrix is a column major 4x4 transform from normalized Web-Mercator
// coordinates to clip space.
type Matrix [16]float64

// Identity returns the identity matrix.
func Identity() Matrix {
	return Matrix{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Apply transforms the point (x, y, 0, 1) and returns its clip space x and y.
func (m Matrix) Apply(x, y float64) (float64, float64) {
	cx := m[0]*x + m[4]*y + m[12]
	cy := m[1]*x + m[5]*y + m[13]
	w := m[3]*x + m[7]*y + m[15]
	if w != 0 && w != 1 {
		cx, cy = cx/w, cy/w
	}
	return cx, cy
}

// Uniforms are the per draw parameters of the tile program.
type Uniforms struct {
	// Scale, ShiftX and ShiftY place the unit tile quad in normalized
	// Web-Mercator coordinates.
	Scale, ShiftX, ShiftY float64
	Matrix                Matrix

	VMin, VMax float64
	// NoData samples are discarded.
	NoData float64
}

// Texture holds the raw samples of one tile.
type Texture interface {
	Width() int
	Height() int
	Release()
}

// Colormap is a 1D lookup texture.
type Colormap interface {
	Len() int
	Release()
}

// RenderTarget is an offscreen color buffer.
type RenderTarget interface {
	Width() int
	Height() int
	Release()
}

// Device is the drawing context provided by the host.
type Device interface {
	NewTexture(width, height int) (Texture, error)
	// Upload replaces the samples of a texture, row major.
	Upload(tex Texture, samples []float32) error
	NewColormap(colors []gg.RGBA) (Colormap, error)
	NewRenderTarget(width, height int) (RenderTarget, error)

	Clear(dst RenderTarget) error
	// Blit copies src into dst, replacing its content.
	Blit(dst, src RenderTarget) error
	// DrawTile runs the tile program over the footprint of tex in dst.
	DrawTile(dst RenderTarget, tex Texture, cmap Colormap, u Uniforms) error
	// Composite blends src over dst with opacity.
	Composite(dst, src RenderTarget, opacity float64) error
}

// ResourceError reports a failure to allocate a device resource.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("failed to create %s: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ColormapFromRGB converts 0-255 RGB triples.
func ColormapFromRGB(triples [][3]uint8) []gg.RGBA {
	colors := make([]gg.RGBA, len(triples))
	for i, c := range triples {
		colors[i] = gg.RGB(float64(c[0])/255, float64(c[1])/255, float64(c[2])/255)
	}
	return colors
}

// Shade is the fragment program. It returns false when the sample is
// discarded: equal to the no data value or NaN. Otherwise the sample is
// normalized to [0,1] between VMin and VMax and looked up in the colormap
// with linear filtering between texel centers.
func Shade(value float32, u Uniforms, cmap []gg.RGBA) (gg.RGBA, bool) {
	if value == float32(u.NoData) || math.IsNaN(float64(value)) || len(cmap) == 0 {
		return gg.Transparent, false
	}
	norm := 0.0
	if u.VMax != u.VMin {
		norm = (float64(value) - u.VMin) / (u.VMax - u.VMin)
	}
	norm = math.Min(math.Max(norm, 0), 1)

	n := len(cmap)
	pos := norm*float64(n) - 0.5
	pos = math.Min(math.Max(pos, 0), float64(n-1))
	i0 := int(math.Floor(pos))
	i1 := min(i0+1, n-1)
	c := cmap[i0].Lerp(cmap[i1], pos-float64(i0))
	c.A = 1
	return c, true
}
