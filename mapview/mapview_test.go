package mapview

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"github.com/akhenakh/zarrlayer/gpu"
	"github.com/akhenakh/zarrlayer/layer"
	"github.com/akhenakh/zarrlayer/tilemath"
	"github.com/akhenakh/zarrlayer/zarrtest"
)

func TestBounds(t *testing.T) {
	m := New(gpu.NewSoftware(), 512, 512)
	m.SetView(orb.Point{0, 0}, 0)

	b := m.Bounds()
	if math.Abs(b.Min.Lon()+180) > 1e-9 || math.Abs(b.Max.Lon()-180) > 1e-9 {
		t.Errorf("longitudes = %v, %v", b.Min.Lon(), b.Max.Lon())
	}
	if math.Abs(b.Max.Lat()-85.0511) > 1e-3 || math.Abs(b.Min.Lat()+85.0511) > 1e-3 {
		t.Errorf("latitudes = %v, %v", b.Min.Lat(), b.Max.Lat())
	}

	m.SetView(orb.Point{10, 20}, 3)
	b = m.Bounds()
	if c := b.Center(); math.Abs(c.Lon()-10) > 1e-9 {
		t.Errorf("center longitude = %v", c.Lon())
	}
	if math.Abs(b.Max.Lon()-b.Min.Lon()-45) > 1e-9 {
		t.Errorf("a 512px wide view at zoom 3 spans %v degrees", b.Max.Lon()-b.Min.Lon())
	}
}

func TestMatrix(t *testing.T) {
	m := New(gpu.NewSoftware(), 512, 256)
	m.SetView(orb.Point{0, 0}, 0)
	mat := m.Matrix()

	testCases := []struct {
		name         string
		x, y         float64
		wantX, wantY float64
	}{
		{name: "center", x: 0.5, y: 0.5},
		{name: "east edge", x: 1, y: 0.5, wantX: 1},
		{name: "north edge of the view", x: 0.5, y: 0.25, wantY: 1},
		{name: "south edge of the view", x: 0.5, y: 0.75, wantY: -1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			x, y := mat.Apply(tc.x, tc.y)
			if math.Abs(x-tc.wantX) > 1e-9 || math.Abs(y-tc.wantY) > 1e-9 {
				t.Errorf("Apply(%v, %v) = %v, %v, want %v, %v", tc.x, tc.y, x, y, tc.wantX, tc.wantY)
			}
		})
	}
}

func TestInvalidate(t *testing.T) {
	m := New(gpu.NewSoftware(), 8, 8)
	if m.Dirty() {
		t.Fatal("a new map should not be dirty")
	}
	m.SetView(orb.Point{1, 2}, 1)
	m.SetSize(16, 16)

	select {
	case <-m.Invalidated():
	default:
		t.Fatal("no invalidation delivered")
	}
	select {
	case <-m.Invalidated():
		t.Fatal("invalidations should coalesce")
	default:
	}
	if !m.Dirty() {
		t.Fatal("the map should be dirty")
	}
	if w, h := m.Size(); w != 16 || h != 16 {
		t.Errorf("Size() = %d, %d", w, h)
	}
	if m.Zoom() != 1 || m.Center() != (orb.Point{1, 2}) {
		t.Errorf("view = %v @ %v", m.Center(), m.Zoom())
	}

	if _, err := m.Render(); err != nil {
		t.Fatal(err)
	}
	if m.Dirty() {
		t.Error("Render should clear the dirty flag")
	}
}

// solidLayer returns an opaque white frame.
type solidLayer struct {
	frame   gpu.RenderTarget
	opacity float64
	err     error
	frames  int
}

func (s *solidLayer) OnAttach(_ context.Context, dev gpu.Device, vp layer.Viewport) error {
	w, h := vp.Size()
	rt, err := dev.NewRenderTarget(w, h)
	if err != nil {
		return err
	}
	tex, err := dev.NewTexture(1, 1)
	if err != nil {
		return err
	}
	defer tex.Release()
	if err := dev.Upload(tex, []float32{1}); err != nil {
		return err
	}
	cmap, err := dev.NewColormap(gpu.ColormapFromRGB([][3]uint8{{255, 255, 255}}))
	if err != nil {
		return err
	}
	defer cmap.Release()
	// the whole world at zoom 0 fills a 512px view
	mat := gpu.Identity()
	mat[0], mat[12] = 2, -1
	mat[5], mat[13] = -2, 1
	err = dev.DrawTile(rt, tex, cmap, gpu.Uniforms{Scale: 1, Matrix: mat, VMax: 1, NoData: -9999})
	if err != nil {
		return err
	}
	s.frame = rt
	return nil
}

func (s *solidLayer) OnFrame(gpu.Matrix) error {
	s.frames++
	return s.err
}

func (s *solidLayer) Frame() (gpu.RenderTarget, float64) { return s.frame, s.opacity }

func rgba(t *testing.T, dev *gpu.Software, rt gpu.RenderTarget) *image.RGBA {
	t.Helper()
	img, err := dev.Image(rt)
	if err != nil {
		t.Fatal(err)
	}
	return img.(*image.RGBA)
}

func TestRenderComposites(t *testing.T) {
	ctx := context.Background()
	dev := gpu.NewSoftware()
	m := New(dev, 8, 8)
	defer m.Close()

	hidden := &solidLayer{opacity: 0}
	half := &solidLayer{opacity: 0.5}
	for _, l := range []*solidLayer{hidden, half} {
		if err := m.AddLayer(ctx, l); err != nil {
			t.Fatalf("AddLayer: %v", err)
		}
	}

	rt, err := m.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if hidden.frames != 1 || half.frames != 1 {
		t.Errorf("OnFrame calls = %d, %d", hidden.frames, half.frames)
	}
	got := rgba(t, dev, rt).RGBAAt(4, 4)
	if got.A != 127 || got.R != 255 {
		t.Errorf("pixel = %v, want white at alpha 127", got)
	}

	// a second render starts from a cleared target
	rt, err = m.Render()
	if err != nil {
		t.Fatal(err)
	}
	if got := rgba(t, dev, rt).RGBAAt(4, 4); got.A != 127 {
		t.Errorf("second render pixel = %v", got)
	}

	half.err = errors.New("boom")
	if _, err := m.Render(); err == nil {
		t.Error("a layer error should fail the render")
	}
}

func TestRenderLayer(t *testing.T) {
	s, err := zarrtest.WritePyramid(zarrtest.Pyramid{
		Version:  "v2",
		Variable: "temp",
		Levels:   3,
		TileSize: 4,
		Dims:     []string{"y", "x"},
		Fill:     -9999.0,
		Value:    func(level int, idx []int) float64 { return float64(level + 1) },
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	dev := gpu.NewSoftware()
	// 20 degrees of longitude at zoom 2.4
	width := int(math.Round(20.0 / 360 * WorldSize * math.Exp2(2.4)))
	m := New(dev, width, width)
	defer m.Close()
	m.SetView(orb.Point{0, 0}, 2.4)

	l, err := layer.New(layer.Options{
		Store:    s,
		Variable: "temp",
		Colormap: gpu.ColormapFromRGB([][3]uint8{{0, 0, 0}, {255, 0, 0}}),
		VMin:     0,
		VMax:     3,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if err := m.AddLayer(ctx, l); err != nil {
		t.Fatalf("AddLayer: %v", err)
	}

	want := []tilemath.Tile{{Z: 2, X: 1, Y: 1}, {Z: 2, X: 1, Y: 2}, {Z: 2, X: 2, Y: 1}, {Z: 2, X: 2, Y: 2}}
	got := l.VisibleTiles()
	if len(got) != len(want) {
		t.Fatalf("VisibleTiles() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tile %d = %v, want %v", i, got[i], want[i])
		}
	}

	if err := l.PrefetchVisible(ctx); err != nil {
		t.Fatal(err)
	}
	rt, err := m.Render()
	if err != nil {
		t.Fatal(err)
	}
	// level 2 holds 3, the top of the range
	if px := rgba(t, dev, rt).RGBAAt(width/2, width/2); px.R != 255 || px.A != 255 {
		t.Errorf("center pixel = %v, want opaque red", px)
	}
}
