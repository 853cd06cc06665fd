package gpu

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/gogpu/gg"
)

// Software is a Device rendering on the CPU into gg contexts.
type Software struct {
	logger      *slog.Logger
	maxTextures int

	mu       sync.Mutex
	textures int
}

var _ Device = (*Software)(nil)

type SoftwareOption func(*Software)

// WithMaxTextures bounds the number of live textures, as a real device
// would run out of memory.
func WithMaxTextures(n int) SoftwareOption {
	return func(s *Software) { s.maxTextures = n }
}

func WithLogger(l *slog.Logger) SoftwareOption {
	return func(s *Software) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSoftware(opts ...SoftwareOption) *Software {
	s := &Software{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type softTexture struct {
	dev     *Software
	w, h    int
	samples []float32
	once    sync.Once
}

func (t *softTexture) Width() int  { return t.w }
func (t *softTexture) Height() int { return t.h }
func (t *softTexture) Release() {
	t.once.Do(func() {
		t.dev.mu.Lock()
		t.dev.textures--
		t.dev.mu.Unlock()
	})
}

type softColormap struct {
	colors []gg.RGBA
}

func (c *softColormap) Len() int { return len(c.colors) }
func (c *softColormap) Release()  {}

type softTarget struct {
	dc *gg.Context
}

func (t *softTarget) Width() int  { return t.dc.Width() }
func (t *softTarget) Height() int { return t.dc.Height() }
func (t *softTarget) Release()    { _ = t.dc.Close() }

func (s *Software) NewTexture(width, height int) (Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, &ResourceError{Resource: "texture", Err: fmt.Errorf("invalid size %dx%d", width, height)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxTextures > 0 && s.textures >= s.maxTextures {
		s.logger.Warn("texture limit reached", "limit", s.maxTextures)
		return nil, &ResourceError{Resource: "texture", Err: fmt.Errorf("limit of %d textures reached", s.maxTextures)}
	}
	s.textures++
	return &softTexture{dev: s, w: width, h: height}, nil
}

// Textures returns the number of live textures.
func (s *Software) Textures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textures
}

func (s *Software) Upload(tex Texture, samples []float32) error {
	t, ok := tex.(*softTexture)
	if !ok {
		return fmt.Errorf("foreign texture %T", tex)
	}
	if len(samples) != t.w*t.h {
		return fmt.Errorf("upload of %d samples into a %dx%d texture", len(samples), t.w, t.h)
	}
	t.samples = append(t.samples[:0], samples...)
	return nil
}

func (s *Software) NewColormap(colors []gg.RGBA) (Colormap, error) {
	if len(colors) == 0 {
		return nil, &ResourceError{Resource: "colormap", Err: errors.New("no colors")}
	}
	return &softColormap{colors: append([]gg.RGBA(nil), colors...)}, nil
}

func (s *Software) NewRenderTarget(width, height int) (RenderTarget, error) {
	if width <= 0 || height <= 0 {
		return nil, &ResourceError{Resource: "render target", Err: fmt.Errorf("invalid size %dx%d", width, height)}
	}
	return &softTarget{dc: gg.NewContext(width, height)}, nil
}

func target(rt RenderTarget) (*softTarget, error) {
	t, ok := rt.(*softTarget)
	if !ok {
		return nil, fmt.Errorf("foreign render target %T", rt)
	}
	return t, nil
}

func (s *Software) Clear(dst RenderTarget) error {
	t, err := target(dst)
	if err != nil {
		return err
	}
	t.dc.Clear()
	return nil
}

func (s *Software) Blit(dst, src RenderTarget) error {
	d, err := target(dst)
	if err != nil {
		return err
	}
	sr, err := target(src)
	if err != nil {
		return err
	}
	if d == sr {
		return nil
	}
	_ = d.dc.Close()
	d.dc = gg.NewContextForImage(sr.dc.Image())
	return nil
}

func (s *Software) Composite(dst, src RenderTarget, opacity float64) error {
	if opacity <= 0 {
		return nil
	}
	d, err := target(dst)
	if err != nil {
		return err
	}
	sr, err := target(src)
	if err != nil {
		return err
	}
	// same sized images sample texel centers, bilinear filtering is exact
	d.dc.DrawImageEx(gg.ImageBufFromImage(sr.dc.Image()), gg.DrawImageOptions{
		Interpolation: gg.InterpBilinear,
		Opacity:       math.Min(opacity, 1),
		BlendMode:     gg.BlendNormal,
	})
	return nil
}

// DrawTile shades every destination pixel whose center falls on the tile
// quad. Discarded samples leave the pixel transparent so a redrawn tile
// fully replaces what was under it.
func (s *Software) DrawTile(dst RenderTarget, tex Texture, cmap Colormap, u Uniforms) error {
	d, err := target(dst)
	if err != nil {
		return err
	}
	t, ok := tex.(*softTexture)
	if !ok {
		return fmt.Errorf("foreign texture %T", tex)
	}
	cm, ok := cmap.(*softColormap)
	if !ok {
		return fmt.Errorf("foreign colormap %T", cmap)
	}
	if len(t.samples) == 0 {
		return nil
	}

	w, h := float64(d.dc.Width()), float64(d.dc.Height())
	toPixel := func(mx, my float64) (float64, float64) {
		cx, cy := u.Matrix.Apply(mx, my)
		return (cx + 1) / 2 * w, (1 - cy) / 2 * h
	}
	x0, y0 := toPixel(u.ShiftX, u.ShiftY)
	x1, y1 := toPixel(u.ShiftX+u.Scale, u.ShiftY+u.Scale)
	if x0 == x1 || y0 == y1 {
		return nil
	}

	minX := max(int(math.Floor(math.Min(x0, x1))), 0)
	maxX := min(int(math.Ceil(math.Max(x0, x1))), d.dc.Width())
	minY := max(int(math.Floor(math.Min(y0, y1))), 0)
	maxY := min(int(math.Ceil(math.Max(y0, y1))), d.dc.Height())

	for py := minY; py < maxY; py++ {
		fy := (float64(py) + 0.5 - y0) / (y1 - y0)
		if fy < 0 || fy >= 1 {
			continue
		}
		ty := min(int(fy*float64(t.h)), t.h-1)
		for px := minX; px < maxX; px++ {
			fx := (float64(px) + 0.5 - x0) / (x1 - x0)
			if fx < 0 || fx >= 1 {
				continue
			}
			tx := min(int(fx*float64(t.w)), t.w-1)
			c, keep := Shade(t.samples[ty*t.w+tx], u, cm.colors)
			if !keep {
				c = gg.Transparent
			}
			d.dc.SetPixel(px, py, c)
		}
	}
	return nil
}

// Image returns a copy of the content of a render target.
func (s *Software) Image(rt RenderTarget) (image.Image, error) {
	t, err := target(rt)
	if err != nil {
		return nil, err
	}
	return t.dc.Image(), nil
}

// EncodePNG writes the content of a render target as PNG.
func (s *Software) EncodePNG(w io.Writer, rt RenderTarget) error {
	t, err := target(rt)
	if err != nil {
		return err
	}
	return t.dc.EncodePNG(w)
}
