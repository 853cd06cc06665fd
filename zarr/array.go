package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/akhenakh/zarrlayer/store"
)

// Array is an opened zarr array. It is safe for concurrent use.
type Array struct {
	store   store.Store
	path    string
	version Version

	shape  []int
	chunks []int
	dtype  Dtype
	fill   FillValue
	attrs  Attributes
	dims   []string

	// chain holds the bytes to bytes codecs in decoding order.
	chain     []Decompressor
	separator string
	keyPrefix string
}

// OpenArray reads the metadata of the array stored at path. With an empty
// version the v2 encoding is tried first and v3 is used as a fallback.
func OpenArray(ctx context.Context, st store.Store, path string, version Version) (*Array, error) {
	switch version {
	case V2:
		return openArrayV2(ctx, st, path)
	case V3:
		return openArrayV3(ctx, st, path)
	case "":
		a, errV2 := openArrayV2(ctx, st, path)
		if errV2 == nil {
			return a, nil
		}
		a, errV3 := openArrayV3(ctx, st, path)
		if errV3 == nil {
			return a, nil
		}
		var ute *UnsupportedTypeError
		if errors.As(errV2, &ute) {
			return nil, errV2
		}
		return nil, fmt.Errorf("failed to open array %q as v2 (%v) or v3: %w", path, errV2, errV3)
	default:
		return nil, fmt.Errorf("unknown zarr version %q", version)
	}
}

func openArrayV2(ctx context.Context, st store.Store, path string) (*Array, error) {
	data, err := st.Get(ctx, joinKey(path, KeyArray))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", joinKey(path, KeyArray), err)
	}
	attrs, err := readAttributesV2(ctx, st, path)
	if err != nil {
		return nil, err
	}
	return newArrayV2(st, path, data, attrs)
}

func openArrayConsolidated(ctx context.Context, st store.Store, path, name string, cm map[string]json.RawMessage) (*Array, error) {
	data, ok := cm[joinKey(name, KeyArray)]
	if !ok {
		// not part of the consolidated snapshot, read it directly
		return openArrayV2(ctx, st, path)
	}
	attrs := Attributes{}
	if raw, ok := cm[joinKey(name, KeyAttributes)]; ok {
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, fmt.Errorf("failed to decode consolidated attributes of %s: %w", name, err)
		}
	}
	return newArrayV2(st, path, data, attrs)
}

func newArrayV2(st store.Store, path string, data []byte, attrs Attributes) (*Array, error) {
	var meta ArrayMetaV2
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode %s of %s: %w", KeyArray, path, err)
	}
	if meta.ZarrFormat != 2 {
		return nil, fmt.Errorf("array %s: unexpected zarr_format %d", path, meta.ZarrFormat)
	}
	if meta.Order == "F" {
		return nil, &UnsupportedTypeError{Dtype: meta.Dtype.String(), Reason: "column major chunk order"}
	}
	if len(meta.Filters) > 0 {
		return nil, &UnsupportedTypeError{Dtype: meta.Dtype.String(), Reason: "filters are not supported"}
	}

	a := &Array{
		store:     st,
		path:      path,
		version:   V2,
		shape:     meta.Shape,
		chunks:    meta.Chunks,
		dtype:     meta.Dtype,
		fill:      meta.FillValue,
		attrs:     attrs,
		dims:      attrs.ArrayDimensions(),
		separator: ".",
	}
	if meta.DimensionSeparator != "" {
		a.separator = meta.DimensionSeparator
	}
	if meta.Compressor != nil {
		d, err := decompressorFor(*meta.Compressor)
		if err != nil {
			return nil, err
		}
		a.chain = []Decompressor{d}
	}
	return a, a.validate()
}

func openArrayV3(ctx context.Context, st store.Store, path string) (*Array, error) {
	data, err := st.Get(ctx, joinKey(path, KeyNode))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", joinKey(path, KeyNode), err)
	}
	var meta NodeMetaV3
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode %s of %s: %w", KeyNode, path, err)
	}
	if meta.NodeType != "array" {
		return nil, fmt.Errorf("node %q is a %q, not an array", path, meta.NodeType)
	}
	if meta.ChunkGrid == nil || meta.ChunkGrid.Name != "regular" {
		return nil, fmt.Errorf("array %s: only regular chunk grids are supported", path)
	}

	dtype, err := ParseDataType(meta.DataType)
	if err != nil {
		return nil, err
	}
	order, chain, err := v3codecs(meta.Codecs)
	if err != nil {
		return nil, err
	}
	if dtype.ByteSize > 1 {
		dtype.ByteOrder = order
	}

	attrs := meta.Attributes
	if attrs == nil {
		attrs = Attributes{}
	}
	a := &Array{
		store:     st,
		path:      path,
		version:   V3,
		shape:     meta.Shape,
		chunks:    meta.ChunkGrid.Configuration.ChunkShape,
		dtype:     dtype,
		fill:      meta.FillValue,
		attrs:     attrs,
		dims:      meta.DimensionNames,
		chain:     chain,
		separator: "/",
		keyPrefix: "c",
	}
	if len(a.dims) == 0 {
		a.dims = attrs.ArrayDimensions()
	}
	if enc := meta.ChunkKeyEncoding; enc != nil {
		switch enc.Name {
		case "default":
		case "v2":
			a.keyPrefix = ""
			a.separator = "."
		default:
			return nil, fmt.Errorf("array %s: unsupported chunk key encoding %q", path, enc.Name)
		}
		if enc.Configuration.Separator != "" {
			a.separator = enc.Configuration.Separator
		}
	}
	return a, a.validate()
}

func (a *Array) validate() error {
	if len(a.shape) != len(a.chunks) {
		return fmt.Errorf("array %s: shape %v and chunks %v differ in rank", a.path, a.shape, a.chunks)
	}
	for i, c := range a.chunks {
		if c <= 0 {
			return fmt.Errorf("array %s: invalid chunk size %d on axis %d", a.path, c, i)
		}
	}
	if a.dims != nil && len(a.dims) != len(a.shape) {
		return fmt.Errorf("array %s: %d dimension names for rank %d", a.path, len(a.dims), len(a.shape))
	}
	return nil
}

func (a *Array) Path() string { return a.path }
func (a *Array) Version() Version { return a.version }
func (a *Array) Shape() []int { return a.shape }
func (a *Array) Chunks() []int { return a.chunks }
func (a *Array) Dtype() Dtype { return a.dtype }
func (a *Array) FillValue() FillValue { return a.fill }
func (a *Array) Attrs() Attributes { return a.attrs }
func (a *Array) DimensionNames() []string { return a.dims }

// ChunkGrid returns the number of chunks along each axis.
func (a *Array) ChunkGrid() []int {
	grid := make([]int, len(a.shape))
	for i := range a.shape {
		grid[i] = (a.shape[i] + a.chunks[i] - 1) / a.chunks[i]
	}
	return grid
}

// ChunkKey returns the store key of the chunk at coords.
func (a *Array) ChunkKey(coords []int) string {
	parts := make([]string, 0, len(coords)+1)
	if a.keyPrefix != "" {
		parts = append(parts, a.keyPrefix)
	}
	for _, c := range coords {
		parts = append(parts, strconv.Itoa(c))
	}
	if len(parts) == 0 {
		parts = append(parts, "0")
	}
	return joinKey(a.path, strings.Join(parts, a.separator))
}

// Chunk is a decoded chunk. Data is a typed slice ([]float32, []int16...)
// holding the full chunk shape in row major order.
type Chunk struct {
	Coords []int
	Shape  []int
	Dtype  Dtype
	Data   any

	// Missing is set when the chunk was not written and Data holds the
	// array fill value.
	Missing bool
}

// Len returns the number of elements of the chunk.
func (c *Chunk) Len() int {
	n := 1
	for _, s := range c.Shape {
		n *= s
	}
	return n
}

// ReadChunk fetches and decodes the chunk at coords. A chunk absent from
// the store is returned filled with the fill value.
func (a *Array) ReadChunk(ctx context.Context, coords []int) (*Chunk, error) {
	if len(coords) != len(a.shape) {
		return nil, fmt.Errorf("array %s: chunk %v has rank %d, want %d", a.path, coords, len(coords), len(a.shape))
	}
	grid := a.ChunkGrid()
	for i, c := range coords {
		if c < 0 || c >= grid[i] {
			return nil, fmt.Errorf("array %s: chunk %v out of the %v grid", a.path, coords, grid)
		}
	}

	chunk := &Chunk{
		Coords: append([]int(nil), coords...),
		Shape:  a.chunks,
		Dtype:  a.dtype,
	}
	n := chunk.Len()

	key := a.ChunkKey(coords)
	raw, err := a.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		chunk.Missing = true
		chunk.Data = a.dtype.filled(n, a.fill.Value)
		return chunk, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
	}

	for _, d := range a.chain {
		if raw, err = d.Decompress(raw); err != nil {
			return nil, fmt.Errorf("failed to decode chunk %s: %w", key, err)
		}
	}
	data, err := a.dtype.decode(raw, n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", key, err)
	}
	chunk.Data = data
	return chunk, nil
}

// ReadVector reads a whole one dimensional array.
func (a *Array) ReadVector(ctx context.Context) (any, error) {
	if len(a.shape) != 1 {
		return nil, fmt.Errorf("array %s: ReadVector needs a 1-D array, got rank %d", a.path, len(a.shape))
	}
	grid := a.ChunkGrid()[0]
	parts := make([]any, 0, grid)
	for i := 0; i < grid; i++ {
		c, err := a.ReadChunk(ctx, []int{i})
		if err != nil {
			return nil, err
		}
		parts = append(parts, c.Data)
	}
	if len(parts) == 0 {
		return a.dtype.filled(0, 0), nil
	}
	return concat(parts, a.shape[0])
}

func concat(parts []any, n int) (any, error) {
	switch parts[0].(type) {
	case []bool:
		return join[bool](parts, n), nil
	case []int8:
		return join[int8](parts, n), nil
	case []int16:
		return join[int16](parts, n), nil
	case []int32:
		return join[int32](parts, n), nil
	case []int64:
		return join[int64](parts, n), nil
	case []uint8:
		return join[uint8](parts, n), nil
	case []uint16:
		return join[uint16](parts, n), nil
	case []uint32:
		return join[uint32](parts, n), nil
	case []uint64:
		return join[uint64](parts, n), nil
	case []float32:
		return join[float32](parts, n), nil
	case []float64:
		return join[float64](parts, n), nil
	default:
		return nil, fmt.Errorf("cannot concatenate %T", parts[0])
	}
}

func join[T any](parts []any, n int) []T {
	out := make([]T, 0, n)
	for _, p := range parts {
		out = append(out, p.([]T)...)
	}
	return out[:n]
}
