// Package mapview is a headless map: a Web-Mercator viewport whose layers
// are drawn offscreen through a gpu.Device and composited into one image.
package mapview

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/paulmach/orb"

	"github.com/akhenakh/zarrlayer/gpu"
	"github.com/akhenakh/zarrlayer/layer"
	"github.com/akhenakh/zarrlayer/tilemath"
)

// WorldSize is the width in pixels of the whole world at zoom 0.
const WorldSize = 512.0

// Layer is what a map draws. *layer.Layer implements it.
type Layer interface {
	OnAttach(ctx context.Context, dev gpu.Device, vp layer.Viewport) error
	OnFrame(m gpu.Matrix) error
	// Frame returns the last frame of the layer and its opacity.
	Frame() (gpu.RenderTarget, float64)
}

var _ Layer = (*layer.Layer)(nil)

type Map struct {
	dev gpu.Device

	renderMu sync.Mutex
	target   gpu.RenderTarget

	mu            sync.Mutex
	center        orb.Point
	zoom          float64
	width, height int
	layers        []Layer
	dirty         bool
	notify        chan struct{}
}

var _ layer.Viewport = (*Map)(nil)

func New(dev gpu.Device, width, height int) *Map {
	return &Map{
		dev:    dev,
		width:  width,
		height: height,
		notify: make(chan struct{}, 1),
	}
}

// SetView moves the map and requests a new frame.
func (m *Map) SetView(center orb.Point, zoom float64) {
	m.mu.Lock()
	m.center, m.zoom = center, zoom
	m.mu.Unlock()
	m.Invalidate()
}

func (m *Map) SetSize(width, height int) {
	m.mu.Lock()
	m.width, m.height = width, height
	m.mu.Unlock()
	m.Invalidate()
}

func (m *Map) Center() orb.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.center
}

func (m *Map) Zoom() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zoom
}

func (m *Map) Size() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, m.height
}

// Bounds returns the geographic extent of the view. Longitudes may exceed
// the [-180, 180] range when the view shows more than the world.
func (m *Map) Bounds() orb.Bound {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := WorldSize * math.Exp2(m.zoom)
	cx, cy := tilemath.MercatorX(m.center.Lon()), tilemath.MercatorY(m.center.Lat())
	halfW, halfH := float64(m.width)/2/ws, float64(m.height)/2/ws
	return orb.Bound{
		Min: orb.Point{tilemath.LonFromMercatorX(cx - halfW), tilemath.LatFromMercatorY(cy + halfH)},
		Max: orb.Point{tilemath.LonFromMercatorX(cx + halfW), tilemath.LatFromMercatorY(cy - halfH)},
	}
}

// Matrix returns the column major transform from normalized Web-Mercator
// coordinates, y pointing south, to clip space.
func (m *Map) Matrix() gpu.Matrix {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matrixLocked()
}

func (m *Map) matrixLocked() gpu.Matrix {
	ws := WorldSize * math.Exp2(m.zoom)
	cx, cy := tilemath.MercatorX(m.center.Lon()), tilemath.MercatorY(m.center.Lat())
	sx := 2 * ws / float64(m.width)
	sy := 2 * ws / float64(m.height)
	mat := gpu.Identity()
	mat[0] = sx
	mat[5] = -sy
	mat[12] = -sx * cx
	mat[13] = sy * cy
	return mat
}

// AddLayer attaches l to the map. It blocks while l loads.
func (m *Map) AddLayer(ctx context.Context, l Layer) error {
	if err := l.OnAttach(ctx, m.dev, m); err != nil {
		return err
	}
	m.mu.Lock()
	m.layers = append(m.layers, l)
	m.mu.Unlock()
	m.Invalidate()
	return nil
}

// Invalidate marks the map as needing a new frame.
func (m *Map) Invalidate() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Invalidated delivers a value after Invalidate was called.
func (m *Map) Invalidated() <-chan struct{} {
	return m.notify
}

func (m *Map) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Render draws a frame of every layer and composites them, in the order
// they were added, into the map target it returns.
func (m *Map) Render() (gpu.RenderTarget, error) {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	m.mu.Lock()
	layers := append([]Layer(nil), m.layers...)
	mat := m.matrixLocked()
	w, h := m.width, m.height
	m.dirty = false
	m.mu.Unlock()

	if m.target == nil || m.target.Width() != w || m.target.Height() != h {
		target, err := m.dev.NewRenderTarget(w, h)
		if err != nil {
			return nil, err
		}
		if m.target != nil {
			m.target.Release()
		}
		m.target = target
	}
	if err := m.dev.Clear(m.target); err != nil {
		return nil, err
	}

	for i, l := range layers {
		if err := l.OnFrame(mat); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		frame, opacity := l.Frame()
		if frame == nil {
			continue
		}
		if err := m.dev.Composite(m.target, frame, opacity); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return m.target, nil
}

// Close releases the map target.
func (m *Map) Close() {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()
	if m.target != nil {
		m.target.Release()
		m.target = nil
	}
}
