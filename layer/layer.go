// Package layer renders a 2D slice of a multiscale zarr dataset as a
// colorized raster overlay, frame by frame, for a host map.
package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/gg"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/zarrlayer/gpu"
	"github.com/akhenakh/zarrlayer/pyramid"
	"github.com/akhenakh/zarrlayer/store"
	"github.com/akhenakh/zarrlayer/tile"
	"github.com/akhenakh/zarrlayer/tilemath"
	"github.com/akhenakh/zarrlayer/zarr"
)

const (
	DefaultMinRenderZoom = tilemath.DefaultMinLevel
	DefaultOpacity       = 1.0

	prefetchConcurrency = 8
)

// State is the lifecycle state of a layer.
type State int

const (
	Uninitialized State = iota
	MetadataLoading
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case MetadataLoading:
		return "metadata_loading"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Viewport is the view of the host map.
type Viewport interface {
	Bounds() orb.Bound
	Zoom() float64
	Size() (width, height int)
}

type Options struct {
	// Source is the dataset URL or path, opened with store.Open unless
	// Store is set.
	Source      string
	Store       store.Store
	HTTPOptions []store.HTTPOption
	// Version pins the metadata encoding, both are tried when empty.
	Version zarr.Version

	Variable string
	Selector pyramid.Selector

	Colormap   []gg.RGBA
	VMin, VMax float64
	// Opacity in [0,1], DefaultOpacity when nil. Zero hides the layer.
	Opacity *float64
	// MinRenderZoom is the coarsest level drawn, DefaultMinRenderZoom when
	// nil. Negative values draw from level 0.
	MinRenderZoom *int

	// Invalidate asks the host for a new frame.
	Invalidate func()

	// Cache is shared by every tile. Each tile keeps its own unbounded
	// cache when nil.
	Cache        tile.SampleCache
	FetchTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Layer draws one variable of a dataset. The host calls OnAttach once, then
// OnFrame for every frame. OnFrame never waits on I/O: tiles whose data is
// not resident yet are skipped and drawn on a later frame.
type Layer struct {
	opts          Options
	logger        *slog.Logger
	minRenderZoom int

	mu       sync.Mutex
	state    State
	st       store.Store
	dev      gpu.Device
	vp       Viewport
	cmap     gpu.Colormap
	frames   *framePair
	drawn    bool
	meta     *pyramid.Metadata
	variable string
	selector pyramid.Selector
	tiles    map[string]*tile.Tile
	vmin     float64
	vmax     float64
	opacity  float64
	loads    int
}

func New(opts Options) (*Layer, error) {
	if opts.Variable == "" {
		return nil, errors.New("a variable is required")
	}
	if opts.Store == nil && opts.Source == "" {
		return nil, errors.New("a source or a store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opacity, minZoom := DefaultOpacity, DefaultMinRenderZoom
	if opts.Opacity != nil {
		opacity = min(max(*opts.Opacity, 0), 1)
	}
	if opts.MinRenderZoom != nil {
		minZoom = max(*opts.MinRenderZoom, 0)
	}
	return &Layer{
		opts:          opts,
		logger:        opts.Logger,
		minRenderZoom: minZoom,
		st:            opts.Store,
		variable:      opts.Variable,
		selector:      opts.Selector.Clone(),
		tiles:         make(map[string]*tile.Tile),
		vmin:          opts.VMin,
		vmax:          opts.VMax,
		opacity:       opacity,
	}, nil
}

// OnAttach binds the layer to the device and viewport of the host, creates
// the colormap and loads the pyramid metadata. Frames drawn while it runs
// are skipped.
func (l *Layer) OnAttach(ctx context.Context, dev gpu.Device, vp Viewport) error {
	l.mu.Lock()
	if l.dev != nil {
		l.mu.Unlock()
		return errors.New("layer is already attached")
	}
	cmap, err := dev.NewColormap(l.opts.Colormap)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.dev, l.vp, l.cmap = dev, vp, cmap
	st := l.st
	l.mu.Unlock()

	if st == nil {
		st, err = store.Open(ctx, l.opts.Source, l.opts.HTTPOptions...)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", l.opts.Source, err)
		}
		l.mu.Lock()
		l.st = st
		l.mu.Unlock()
	}

	l.logger.Info("layer attached", "source", l.opts.Source)
	return l.rebuild(ctx, "attach", l.Variable(), l.Selector(), true)
}

// rebuild replaces the tile set, loading the metadata of variable first when
// reload is set. When two rebuilds overlap the last one started wins.
func (l *Layer) rebuild(ctx context.Context, cause, variable string, sel pyramid.Selector, reload bool) error {
	l.mu.Lock()
	if l.st == nil {
		l.mu.Unlock()
		return errors.New("layer is not attached")
	}
	l.loads++
	gen := l.loads
	meta := l.meta
	prev := l.state
	if reload || meta == nil {
		reload = true
		l.setState(MetadataLoading)
	}
	st := l.st
	l.mu.Unlock()

	if reload {
		var err error
		meta, err = pyramid.Load(ctx, st, variable,
			pyramid.WithVersion(l.opts.Version),
			pyramid.WithLogger(l.logger),
		)
		if err != nil {
			l.mu.Lock()
			if gen == l.loads {
				l.setState(prev)
			}
			l.mu.Unlock()
			return err
		}
	}
	if err := validateSelector(meta, sel); err != nil {
		l.mu.Lock()
		if gen == l.loads {
			l.setState(prev)
		}
		l.mu.Unlock()
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.loads {
		return nil
	}
	old := l.tiles
	l.meta = meta
	l.variable = variable
	l.selector = sel.Clone()
	l.tiles = make(map[string]*tile.Tile)
	l.setState(Ready)
	for _, t := range old {
		t.Release()
	}
	l.opts.Metrics.reload(cause)
	l.logger.Debug("tile set rebuilt", "cause", cause, "variable", variable, "selector", sel, "levels", meta.Levels)
	return nil
}

func (l *Layer) setState(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug("layer state", "from", l.state.String(), "to", s.String())
	l.state = s
}

// validateSelector checks that every selected dimension belongs to the
// variable and every selected value exists along it.
func validateSelector(meta *pyramid.Metadata, sel pyramid.Selector) error {
	if err := sel.Check(meta.Dimensions); err != nil {
		return err
	}
	for dim, values := range sel {
		coords, ok := meta.DimCoords[dim]
		if !ok {
			continue
		}
		for _, v := range values {
			if !slices.Contains(coords, float32(v)) {
				return &pyramid.SelectorError{Dimension: dim, Value: v}
			}
		}
	}
	return nil
}

// tileLocked returns the tile at t, created on first use. It returns nil
// when t is outside the pyramid.
func (l *Layer) tileLocked(t tilemath.Tile) *tile.Tile {
	if l.meta == nil || l.meta.Loader(t.Z) == nil || !t.Valid() {
		return nil
	}
	key := t.Key()
	if tl, ok := l.tiles[key]; ok {
		return tl
	}
	tl := tile.New(t, l.meta, tile.Options{
		Cache:        l.opts.Cache,
		Namespace:    l.variable,
		FetchTimeout: l.opts.FetchTimeout,
		Metrics:      l.opts.Metrics.tile(),
		Logger:       l.logger.With("variable", l.variable),
	})
	l.tiles[key] = tl
	return tl
}

// visibleLocked lists the tiles covering the viewport at the level drawn
// for its zoom, nil when the pyramid has no such level.
func (l *Layer) visibleLocked() []tilemath.Tile {
	if l.state != Ready || l.vp == nil {
		return nil
	}
	level := tilemath.ZoomToLevelMin(l.vp.Zoom(), l.meta.MaxZoom, l.minRenderZoom)
	if l.meta.Loader(level) == nil {
		return nil
	}
	return tilemath.TilesAtZoom(level, l.vp.Bounds())
}

// VisibleTiles lists the tiles a frame would draw.
func (l *Layer) VisibleTiles() []tilemath.Tile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visibleLocked()
}

// OnFrame composes a frame: the previous frame is carried forward, then
// every visible tile with resident data is drawn over it. Visible tiles
// without data are prefetched and drawn by a later frame.
func (l *Layer) OnFrame(m gpu.Matrix) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	visible := l.visibleLocked()
	if len(visible) == 0 {
		return nil
	}

	tiles := make([]*tile.Tile, 0, len(visible))
	for _, t := range visible {
		if tl := l.tileLocked(t); tl != nil {
			tl.Prefetch(l.selector)
			tiles = append(tiles, tl)
		}
	}

	w, h := l.vp.Size()
	if l.frames == nil || l.frames.width != w || l.frames.height != h {
		frames, err := newFramePair(l.dev, w, h)
		if err != nil {
			return err
		}
		if l.frames != nil {
			l.frames.release()
		}
		l.frames = frames
	}

	if err := l.dev.Blit(l.frames.next, l.frames.current); err != nil {
		return fmt.Errorf("failed to carry the previous frame: %w", err)
	}

	drawn := 0
	for _, tl := range tiles {
		data := tl.Data()
		if data == nil {
			continue
		}
		tex, err := tl.Texture(l.dev)
		if err != nil {
			return err
		}
		if err := l.dev.Upload(tex, data); err != nil {
			return fmt.Errorf("failed to upload tile %s: %w", tl.Addr().Key(), err)
		}
		scale, shiftX, shiftY := tilemath.TileToScale(tl.Addr())
		err = l.dev.DrawTile(l.frames.next, tex, l.cmap, gpu.Uniforms{
			Scale:  scale,
			ShiftX: shiftX,
			ShiftY: shiftY,
			Matrix: m,
			VMin:   l.vmin,
			VMax:   l.vmax,
			NoData: l.meta.FillValue,
		})
		if err != nil {
			return fmt.Errorf("failed to draw tile %s: %w", tl.Addr().Key(), err)
		}
		drawn++
	}

	l.frames.swap()
	l.drawn = true
	l.opts.Metrics.frame(drawn)
	return nil
}

// Frame returns the last composed frame and the opacity to composite it
// with. The target is nil until a frame has been drawn.
func (l *Layer) Frame() (gpu.RenderTarget, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frames == nil || !l.drawn {
		return nil, l.opacity
	}
	return l.frames.current, l.opacity
}

// ClearFrames empties both frame targets, so the next frame starts from
// nothing instead of the previous one.
func (l *Layer) ClearFrames() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frames == nil {
		return nil
	}
	if err := l.dev.Clear(l.frames.current); err != nil {
		return err
	}
	return l.dev.Clear(l.frames.next)
}

// PrefetchVisible fetches the data of every visible tile and waits for it.
func (l *Layer) PrefetchVisible(ctx context.Context) error {
	l.mu.Lock()
	var tiles []*tile.Tile
	for _, t := range l.visibleLocked() {
		if tl := l.tileLocked(t); tl != nil {
			tiles = append(tiles, tl)
		}
	}
	sel := l.selector
	l.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, tl := range tiles {
		g.Go(func() error {
			_, err := tl.FetchData(gctx, sel)
			return err
		})
	}
	return g.Wait()
}

func (l *Layer) invalidate() {
	if l.opts.Invalidate != nil {
		l.opts.Invalidate()
	}
}

func (l *Layer) SetOpacity(opacity float64) {
	l.mu.Lock()
	l.opacity = min(max(opacity, 0), 1)
	l.mu.Unlock()
	l.invalidate()
}

func (l *Layer) SetVMinVMax(vmin, vmax float64) {
	l.mu.Lock()
	l.vmin, l.vmax = vmin, vmax
	l.mu.Unlock()
	l.invalidate()
}

// SetVariable switches to another variable of the dataset: the metadata is
// reloaded, the tile set rebuilt and the visible tiles fetched.
func (l *Layer) SetVariable(ctx context.Context, variable string) error {
	if variable == "" {
		return errors.New("a variable is required")
	}
	if err := l.rebuild(ctx, "variable", variable, l.Selector(), true); err != nil {
		return err
	}
	err := l.PrefetchVisible(ctx)
	l.invalidate()
	return err
}

// SetSelector pins other coordinates. The tile set is rebuilt with the
// current metadata.
func (l *Layer) SetSelector(ctx context.Context, sel pyramid.Selector) error {
	if err := l.rebuild(ctx, "selector", l.Variable(), sel, false); err != nil {
		return err
	}
	err := l.PrefetchVisible(ctx)
	l.invalidate()
	return err
}

func (l *Layer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Metadata returns the loaded pyramid metadata, nil before the layer is
// ready.
func (l *Layer) Metadata() *pyramid.Metadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

func (l *Layer) Variable() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.variable
}

func (l *Layer) Selector() pyramid.Selector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selector.Clone()
}

func (l *Layer) Opacity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opacity
}

func (l *Layer) VMinVMax() (float64, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vmin, l.vmax
}

// Close releases the device resources of the layer.
func (l *Layer) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tiles {
		t.Release()
	}
	l.tiles = make(map[string]*tile.Tile)
	if l.frames != nil {
		l.frames.release()
		l.frames = nil
	}
	if l.cmap != nil {
		l.cmap.Release()
		l.cmap = nil
	}
}
