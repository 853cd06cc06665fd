// Package tile fetches, slices and caches the samples a map tile draws.
package tile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/zarrlayer/gpu"
	"github.com/akhenakh/zarrlayer/pyramid"
	"github.com/akhenakh/zarrlayer/tilemath"
	"github.com/akhenakh/zarrlayer/zarr"
)

// ErrNoLevel is returned when the pyramid has no array for the tile level.
var ErrNoLevel = errors.New("no array for tile level")

type Options struct {
	// Cache holds decoded planes. A new MapCache is used when nil.
	Cache SampleCache
	// Namespace prefixes the cache keys of the tile, so a cache shared
	// across variables never serves the planes of another one.
	Namespace string
	// FetchTimeout bounds a chunk read. Zero means no timeout.
	FetchTimeout time.Duration
	Metrics      *Metrics
	Logger       *slog.Logger
}

// Tile is one (z, x, y) cell of the pyramid. It resolves selectors to the
// chunk holding its data, de-duplicates concurrent reads of that chunk and
// keeps the last fetched plane resident for drawing.
type Tile struct {
	addr    tilemath.Tile
	meta    *pyramid.Metadata
	loader  *zarr.Array
	cache   SampleCache
	prefix  string
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger

	inflight singleflight.Group

	mu   sync.Mutex
	data []float32
	tex  gpu.Texture
}

func New(addr tilemath.Tile, meta *pyramid.Metadata, opts Options) *Tile {
	t := &Tile{
		addr:    addr,
		meta:    meta,
		loader:  meta.Loader(addr.Z),
		cache:   opts.Cache,
		prefix:  opts.Namespace + "/" + addr.Key() + "/",
		timeout: opts.FetchTimeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if t.cache == nil {
		t.cache = NewMapCache()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

func (t *Tile) Addr() tilemath.Tile { return t.addr }

// Data returns the resident plane, nil while nothing has been fetched. It
// never blocks on I/O.
func (t *Tile) Data() []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

func (t *Tile) setData(data []float32) {
	t.mu.Lock()
	t.data = data
	t.mu.Unlock()
}

// FetchData returns the plane of the tile for sel. A cached plane is
// returned without I/O, and concurrent callers share a single chunk read.
// The read is not tied to ctx: when ctx ends the caller stops waiting but
// the read still completes and fills the cache.
func (t *Tile) FetchData(ctx context.Context, sel pyramid.Selector) ([]float32, error) {
	data, ch, err := t.start(ctx, sel)
	if err != nil || ch == nil {
		return data, err
	}
	select {
	case res := <-ch:
		if res.Shared {
			t.metrics.shared()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetch starts fetching the plane for sel unless it is cached or already
// in flight, and returns immediately.
func (t *Tile) Prefetch(sel pyramid.Selector) {
	if _, _, err := t.start(context.Background(), sel); err != nil {
		t.logger.Debug("tile prefetch failed", "tile", t.addr.Key(), "error", err)
	}
}

// start resolves sel and returns either the cached plane or the channel of
// the shared read.
func (t *Tile) start(ctx context.Context, sel pyramid.Selector) ([]float32, <-chan singleflight.Result, error) {
	if t.loader == nil {
		return nil, nil, fmt.Errorf("tile %s: %w", t.addr.Key(), ErrNoLevel)
	}
	p, err := t.meta.Resolve(t.addr.X, t.addr.Y, sel)
	if err != nil {
		return nil, nil, err
	}
	key := t.prefix + planeKey(p)
	if data, ok := t.cache.Get(key); ok {
		t.metrics.hit()
		t.setData(data)
		return data, nil, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := t.inflight.DoChan(key, func() (any, error) {
		// a read may have completed between the cache lookup and now
		if data, ok := t.cache.Get(key); ok {
			t.setData(data)
			return data, nil
		}
		return t.read(detached, key, p)
	})
	return nil, ch, nil
}

func (t *Tile) read(ctx context.Context, key string, p pyramid.Plane) ([]float32, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	chunk, err := t.loader.ReadChunk(ctx, p.Chunk)
	var data []float32
	if err == nil {
		data, err = Slice(chunk, p)
	}
	t.metrics.read(start, err)
	if err != nil {
		t.logger.Debug("chunk fetch failed", "tile", t.addr.Key(), "chunk", p.Chunk.Key(), "error", err)
		return nil, err
	}

	t.cache.Set(key, data)
	t.setData(data)
	t.logger.Debug("chunk fetched",
		"tile", t.addr.Key(),
		"chunk", p.Chunk.Key(),
		"missing", chunk.Missing,
		"duration", time.Since(start),
	)
	return data, nil
}

// Texture returns the texture of the tile, creating it on first use.
func (t *Tile) Texture(dev gpu.Device) (gpu.Texture, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tex != nil {
		return t.tex, nil
	}
	w := t.meta.ChunkShape[axis(t.meta.Dimensions, "x")]
	h := t.meta.ChunkShape[axis(t.meta.Dimensions, "y")]
	tex, err := dev.NewTexture(w, h)
	if err != nil {
		return nil, err
	}
	t.tex = tex
	return tex, nil
}

// Release frees the texture of the tile and drops its cached planes. Reads
// still in flight complete and are abandoned.
func (t *Tile) Release() {
	t.mu.Lock()
	tex := t.tex
	t.tex = nil
	t.data = nil
	t.mu.Unlock()
	if tex != nil {
		tex.Release()
	}
	t.cache.DeletePrefix(t.prefix)
}

// planeKey identifies a plane: the chunk key, followed by the in-chunk
// offsets when the chunk has more than two dimensions.
func planeKey(p pyramid.Plane) string {
	key := p.Chunk.Key()
	if len(p.Offsets) <= 2 {
		return key
	}
	parts := make([]string, 0, len(p.Offsets)-2)
	for _, off := range p.Offsets {
		if off >= 0 {
			parts = append(parts, strconv.Itoa(off))
		}
	}
	return key + "@" + strings.Join(parts, ",")
}

func axis(dims []string, name string) int {
	for i, d := range dims {
		if d == name {
			return i
		}
	}
	return 0
}
