// Package pyramid loads the description of a multiscale zarr dataset and
// resolves tiles and selectors to chunk addresses.
package pyramid

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/zarrlayer/store"
	"github.com/akhenakh/zarrlayer/zarr"
)

const (
	// DefaultCRS is used when the multiscales descriptor names none.
	DefaultCRS = "EPSG:3857"

	// DefaultFillValue is the netCDF default fill for floats, used when a
	// variable declares no fill value.
	DefaultFillValue = 9.969209968386869e36
)

// Dataset is one entry of a multiscales descriptor.
type Dataset struct {
	Path          string `json:"path"`
	PixelsPerTile int    `json:"pixels_per_tile,omitempty"`
	CRS           string `json:"crs,omitempty"`
}

// Multiscale is one multiscales descriptor.
type Multiscale struct {
	Datasets []Dataset `json:"datasets"`
}

// Metadata describes a loaded pyramid for one variable. It is immutable once
// loaded.
type Metadata struct {
	Variable string
	Version  zarr.Version

	Levels   []int
	MaxZoom  int
	TileSize int
	CRS      string

	Dimensions []string
	DimCoords  map[string][]float32
	Shape      []int
	ChunkShape []int
	FillValue  float64
	Dtype      zarr.Dtype

	// Loaders holds one array handle per level.
	Loaders map[int]*zarr.Array
}

type loadOptions struct {
	version zarr.Version
	logger  *slog.Logger
}

type Option func(*loadOptions)

// WithVersion pins the metadata encoding instead of trying v2 then v3.
func WithVersion(v zarr.Version) Option {
	return func(o *loadOptions) { o.version = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *loadOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Load reads the multiscales descriptor at the dataset root, opens the
// variable array of every level and loads the coordinate vectors of the non
// spatial dimensions from the coarsest level.
func Load(ctx context.Context, st store.Store, variable string, opts ...Option) (*Metadata, error) {
	o := loadOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	root, err := zarr.OpenGroup(ctx, st, "", o.version)
	if err != nil {
		return nil, &MetadataError{Reason: "cannot open dataset root", Err: err}
	}

	var multiscales []Multiscale
	if err := root.Attrs().Unmarshal("multiscales", &multiscales); err != nil {
		return nil, &MetadataError{Reason: "no `multiscales` in zarr metadata", Err: err}
	}
	if len(multiscales) == 0 || len(multiscales[0].Datasets) == 0 {
		return nil, &MetadataError{Reason: "no `multiscales` or `datasets` in zarr metadata"}
	}
	datasets := multiscales[0].Datasets

	m := &Metadata{
		Variable: variable,
		Version:  root.Version(),
		TileSize: datasets[0].PixelsPerTile,
		CRS:      datasets[0].CRS,
		Loaders:  make(map[int]*zarr.Array, len(datasets)),
	}
	if m.TileSize <= 0 {
		return nil, &MetadataError{Reason: "no `pixels_per_tile` value in `multiscales` metadata"}
	}
	if m.CRS == "" {
		m.CRS = DefaultCRS
	}
	for _, d := range datasets {
		level, err := strconv.Atoi(d.Path)
		if err != nil || level < 0 {
			return nil, &MetadataError{Reason: fmt.Sprintf("dataset path %q is not a zoom level", d.Path)}
		}
		m.Levels = append(m.Levels, level)
	}
	m.MaxZoom = slices.Max(m.Levels)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, level := range m.Levels {
		g.Go(func() error {
			arr, err := root.OpenArray(gctx, fmt.Sprintf("%d/%s", level, variable))
			if err != nil {
				return fmt.Errorf("failed to open level %d of %s: %w", level, variable, err)
			}
			mu.Lock()
			m.Loaders[level] = arr
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	base := m.Loaders[m.Levels[0]]
	m.Dimensions = base.DimensionNames()
	m.Shape = base.Shape()
	m.ChunkShape = base.Chunks()
	m.Dtype = base.Dtype()
	if len(m.Dimensions) == 0 {
		return nil, &MetadataError{Reason: fmt.Sprintf("variable %q has no dimension names", variable)}
	}
	if !slices.Contains(m.Dimensions, "x") || !slices.Contains(m.Dimensions, "y") {
		return nil, &MetadataError{Reason: fmt.Sprintf("variable %q dimensions %v lack x or y", variable, m.Dimensions)}
	}
	m.FillValue = fillValue(base)

	coarsest := slices.Min(m.Levels)
	m.DimCoords = make(map[string][]float32)
	g, gctx = errgroup.WithContext(ctx)
	for i, dim := range m.Dimensions {
		if isSpatial(dim) {
			continue
		}
		g.Go(func() error {
			coords, err := loadCoords(gctx, root, coarsest, dim)
			if err != nil {
				return err
			}
			if len(coords) != m.Shape[i] {
				return &MetadataError{Reason: fmt.Sprintf("dimension %q has %d coordinates for length %d", dim, len(coords), m.Shape[i])}
			}
			mu.Lock()
			m.DimCoords[dim] = coords
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	o.logger.Debug("pyramid metadata loaded",
		"variable", variable,
		"version", m.Version,
		"levels", m.Levels,
		"tile_size", m.TileSize,
		"dimensions", m.Dimensions,
		"crs", m.CRS,
	)
	return m, nil
}

func loadCoords(ctx context.Context, root *zarr.Group, level int, dim string) ([]float32, error) {
	arr, err := root.OpenArray(ctx, fmt.Sprintf("%d/%s", level, dim))
	if err != nil {
		return nil, fmt.Errorf("failed to open coordinates of %q: %w", dim, err)
	}
	v, err := arr.ReadVector(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read coordinates of %q: %w", dim, err)
	}
	coords, ok := v.([]float32)
	if !ok {
		return nil, &zarr.UnsupportedTypeError{Dtype: arr.Dtype().String(), Reason: fmt.Sprintf("coordinates of %q must be float32", dim)}
	}
	return coords, nil
}

// fillValue prefers the CF "_FillValue" attribute, then the array
// fill_value, then DefaultFillValue.
func fillValue(arr *zarr.Array) float64 {
	if v, ok := arr.Attrs()["_FillValue"].(float64); ok {
		return v
	}
	if fv := arr.FillValue(); fv.Valid && !math.IsNaN(fv.Value) {
		return fv.Value
	}
	return DefaultFillValue
}

// Loader returns the array handle of a level, nil when the pyramid has no
// such level.
func (m *Metadata) Loader(level int) *zarr.Array {
	return m.Loaders[level]
}

func isSpatial(dim string) bool {
	return dim == "x" || dim == "y"
}
