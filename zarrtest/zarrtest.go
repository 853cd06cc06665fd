// Package zarrtest writes small zarr hierarchies into memory stores and
// counts store reads, for tests.
package zarrtest

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/akhenakh/zarrlayer/store"
)

// Array describes an array to write. Values are given as float64 and
// converted to Dtype, either from Data (row major, full shape) or Func.
type Array struct {
	Path       string
	Shape      []int
	Chunks     []int
	Dtype      string // v2 type string, "<f4", ">i2", "|u1"...
	Fill       any    // nil writes a null fill value
	Dims       []string
	Attrs      map[string]any
	Compressor string // "", "zlib", "gzip" or "zstd"

	Data []float64
	Func func(idx []int) float64

	// Skip reports chunks that must not be written.
	Skip func(coords []int) bool
}

// WriteArray writes metadata and every chunk of a into s, using the "v2" or
// "v3" encoding.
func WriteArray(s *store.MemoryStore, version string, a Array) error {
	if len(a.Shape) != len(a.Chunks) {
		return fmt.Errorf("shape and chunks differ in rank")
	}
	switch version {
	case "v2":
		if err := writeArrayMetaV2(s, a); err != nil {
			return err
		}
	case "v3":
		if err := writeArrayMetaV3(s, a); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown version %q", version)
	}

	grid := make([]int, len(a.Shape))
	for i := range a.Shape {
		grid[i] = (a.Shape[i] + a.Chunks[i] - 1) / a.Chunks[i]
	}
	fill := 0.0
	if f, ok := toFloat(a.Fill); ok {
		fill = f
	}

	var err error
	forEach(grid, func(coords []int) {
		if err != nil || (a.Skip != nil && a.Skip(coords)) {
			return
		}
		vals := make([]float64, 0, product(a.Chunks))
		forEach(a.Chunks, func(local []int) {
			idx := make([]int, len(local))
			inside := true
			for i := range local {
				idx[i] = coords[i]*a.Chunks[i] + local[i]
				if idx[i] >= a.Shape[i] {
					inside = false
				}
			}
			if !inside {
				vals = append(vals, fill)
				return
			}
			vals = append(vals, a.value(idx))
		})
		var raw []byte
		if raw, err = encode(a.Dtype, vals); err != nil {
			return
		}
		if raw, err = compress(a.Compressor, raw); err != nil {
			return
		}
		s.Put(chunkKey(version, a.Path, coords), raw)
	})
	return err
}

func (a Array) value(idx []int) float64 {
	if a.Func != nil {
		return a.Func(idx)
	}
	flat := 0
	for i := range idx {
		flat = flat*a.Shape[i] + idx[i]
	}
	return a.Data[flat]
}

func chunkKey(version, path string, coords []int) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.Itoa(c)
	}
	if version == "v3" {
		return join(path, "c/"+strings.Join(parts, "/"))
	}
	if len(parts) == 0 {
		return join(path, "0")
	}
	return join(path, strings.Join(parts, "."))
}

func writeArrayMetaV2(s *store.MemoryStore, a Array) error {
	var compressor any
	if a.Compressor != "" {
		compressor = map[string]any{"id": a.Compressor, "level": 1}
	}
	meta := map[string]any{
		"zarr_format": 2,
		"shape":       a.Shape,
		"chunks":      a.Chunks,
		"dtype":       a.Dtype,
		"compressor":  compressor,
		"fill_value":  a.Fill,
		"order":       "C",
		"filters":     nil,
	}
	if err := putJSON(s, join(a.Path, ".zarray"), meta); err != nil {
		return err
	}
	attrs := map[string]any{}
	for k, v := range a.Attrs {
		attrs[k] = v
	}
	if a.Dims != nil {
		attrs["_ARRAY_DIMENSIONS"] = a.Dims
	}
	return putJSON(s, join(a.Path, ".zattrs"), attrs)
}

func writeArrayMetaV3(s *store.MemoryStore, a Array) error {
	name, endian, err := v3Type(a.Dtype)
	if err != nil {
		return err
	}
	codecs := []any{map[string]any{"name": "bytes", "configuration": map[string]any{"endian": endian}}}
	switch a.Compressor {
	case "":
	case "zstd":
		codecs = append(codecs, map[string]any{"name": "zstd", "configuration": map[string]any{"level": 1, "checksum": false}})
	case "gzip":
		codecs = append(codecs, map[string]any{"name": "gzip", "configuration": map[string]any{"level": 1}})
	default:
		return fmt.Errorf("compressor %q has no v3 codec", a.Compressor)
	}
	attrs := map[string]any{}
	for k, v := range a.Attrs {
		attrs[k] = v
	}
	meta := map[string]any{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       a.Shape,
		"data_type":   name,
		"chunk_grid": map[string]any{
			"name":          "regular",
			"configuration": map[string]any{"chunk_shape": a.Chunks},
		},
		"chunk_key_encoding": map[string]any{
			"name":          "default",
			"configuration": map[string]any{"separator": "/"},
		},
		"fill_value": a.Fill,
		"codecs":     codecs,
		"attributes": attrs,
	}
	if a.Dims != nil {
		meta["dimension_names"] = a.Dims
	}
	return putJSON(s, join(a.Path, "zarr.json"), meta)
}

// WriteGroup writes group metadata with attrs at path.
func WriteGroup(s *store.MemoryStore, version, path string, attrs map[string]any) error {
	if attrs == nil {
		attrs = map[string]any{}
	}
	if version == "v3" {
		return putJSON(s, join(path, "zarr.json"), map[string]any{
			"zarr_format": 3,
			"node_type":   "group",
			"attributes":  attrs,
		})
	}
	if err := putJSON(s, join(path, ".zgroup"), map[string]any{"zarr_format": 2}); err != nil {
		return err
	}
	return putJSON(s, join(path, ".zattrs"), attrs)
}

// Consolidate writes a ".zmetadata" key holding every v2 metadata key of s.
func Consolidate(s *store.MemoryStore) error {
	meta := map[string]json.RawMessage{}
	for _, key := range s.Keys() {
		base := key[strings.LastIndex(key, "/")+1:]
		if base != ".zarray" && base != ".zattrs" && base != ".zgroup" {
			continue
		}
		data, err := s.Get(context.Background(), key)
		if err != nil {
			return err
		}
		meta[key] = data
	}
	return putJSON(s, ".zmetadata", map[string]any{
		"zarr_consolidated_format": 1,
		"metadata":                 meta,
	})
}

// Multiscales builds the group attribute describing levels 0 to levels-1.
func Multiscales(levels, tileSize int, crs string) map[string]any {
	datasets := make([]map[string]any, levels)
	for i := range datasets {
		d := map[string]any{"path": strconv.Itoa(i), "pixels_per_tile": tileSize}
		if crs != "" {
			d["crs"] = crs
		}
		datasets[i] = d
	}
	return map[string]any{"multiscales": []any{map[string]any{"datasets": datasets}}}
}

// Pyramid describes a multiscale dataset with one data variable. Spatial
// dimensions are named "x" and "y" and have TileSize*2^level pixels at each
// level, chunked by TileSize.
type Pyramid struct {
	Version    string
	Variable   string
	Levels     int
	TileSize   int
	Dims       []string
	Coords     map[string][]float64
	ChunkSizes map[string]int
	Dtype      string
	Fill       any
	Attrs      map[string]any
	Compressor string
	CRS        string

	// Consolidated writes a ".zmetadata" key, v2 only.
	Consolidated bool

	// Value returns the sample at idx, in Dims order, for a level.
	Value func(level int, idx []int) float64
	// Skip reports chunks that must not be written.
	Skip func(level int, coords []int) bool
}

// WritePyramid writes p into a new memory store.
func WritePyramid(p Pyramid) (*store.MemoryStore, error) {
	s := store.NewMemoryStore()
	if p.Dtype == "" {
		p.Dtype = "<f4"
	}
	if err := WriteGroup(s, p.Version, "", Multiscales(p.Levels, p.TileSize, p.CRS)); err != nil {
		return nil, err
	}
	for level := 0; level < p.Levels; level++ {
		levelPath := strconv.Itoa(level)
		if err := WriteGroup(s, p.Version, levelPath, nil); err != nil {
			return nil, err
		}
		side := p.TileSize << level
		shape := make([]int, len(p.Dims))
		chunks := make([]int, len(p.Dims))
		for i, d := range p.Dims {
			switch d {
			case "x", "y":
				shape[i], chunks[i] = side, p.TileSize
			default:
				shape[i] = len(p.Coords[d])
				chunks[i] = 1
				if c, ok := p.ChunkSizes[d]; ok {
					chunks[i] = c
				}
			}
		}
		lvl := level
		arr := Array{
			Path:       join(levelPath, p.Variable),
			Shape:      shape,
			Chunks:     chunks,
			Dtype:      p.Dtype,
			Fill:       p.Fill,
			Dims:       p.Dims,
			Attrs:      p.Attrs,
			Compressor: p.Compressor,
			Func:       func(idx []int) float64 { return p.Value(lvl, idx) },
		}
		if p.Skip != nil {
			arr.Skip = func(coords []int) bool { return p.Skip(lvl, coords) }
		}
		if err := WriteArray(s, p.Version, arr); err != nil {
			return nil, err
		}
		for dim, values := range p.Coords {
			coord := Array{
				Path:   join(levelPath, dim),
				Shape:  []int{len(values)},
				Chunks: []int{len(values)},
				Dtype:  "<f4",
				Dims:   []string{dim},
				Data:   values,
			}
			if err := WriteArray(s, p.Version, coord); err != nil {
				return nil, err
			}
		}
	}
	if p.Consolidated && p.Version == "v2" {
		if err := Consolidate(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CountingStore wraps a store and records every Get.
type CountingStore struct {
	store.Store

	// Delay is slept before every read.
	Delay time.Duration

	mu     sync.Mutex
	counts map[string]int
}

func NewCountingStore(s store.Store) *CountingStore {
	return &CountingStore{Store: s, counts: map[string]int{}}
}

func (c *CountingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	c.counts[key]++
	c.mu.Unlock()
	if c.Delay > 0 {
		time.Sleep(c.Delay)
	}
	return c.Store.Get(ctx, key)
}

// Count returns the number of reads of key.
func (c *CountingStore) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Matching returns the number of reads of keys accepted by fn.
func (c *CountingStore) Matching(fn func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, v := range c.counts {
		if fn(k) {
			n += v
		}
	}
	return n
}

// MetadataReads counts reads of metadata keys.
func (c *CountingStore) MetadataReads() int {
	return c.Matching(IsMetadataKey)
}

// ChunkReads counts reads of keys that are not metadata.
func (c *CountingStore) ChunkReads() int {
	return c.Matching(func(k string) bool { return !IsMetadataKey(k) })
}

// Reset forgets every recorded read.
func (c *CountingStore) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = map[string]int{}
}

// IsMetadataKey reports whether key holds zarr metadata.
func IsMetadataKey(key string) bool {
	base := key[strings.LastIndex(key, "/")+1:]
	switch base {
	case ".zarray", ".zattrs", ".zgroup", ".zmetadata", "zarr.json":
		return true
	}
	return false
}

func encode(dtype string, vals []float64) ([]byte, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if strings.HasPrefix(dtype, ">") {
		order = binary.BigEndian
	}
	var data any
	switch dtype[1:] {
	case "f4":
		data = convert(vals, func(v float64) float32 { return float32(v) })
	case "f8":
		data = vals
	case "i1":
		data = convert(vals, func(v float64) int8 { return int8(v) })
	case "i2":
		data = convert(vals, func(v float64) int16 { return int16(v) })
	case "i4":
		data = convert(vals, func(v float64) int32 { return int32(v) })
	case "i8":
		data = convert(vals, func(v float64) int64 { return int64(v) })
	case "u1", "b1":
		data = convert(vals, func(v float64) uint8 { return uint8(v) })
	case "u2":
		data = convert(vals, func(v float64) uint16 { return uint16(v) })
	case "u4":
		data = convert(vals, func(v float64) uint32 { return uint32(v) })
	default:
		return nil, fmt.Errorf("unsupported test dtype %q", dtype)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func v3Type(dtype string) (name, endian string, err error) {
	endian = "little"
	if strings.HasPrefix(dtype, ">") {
		endian = "big"
	}
	names := map[string]string{
		"f4": "float32", "f8": "float64",
		"i1": "int8", "i2": "int16", "i4": "int32", "i8": "int64",
		"u1": "uint8", "u2": "uint16", "u4": "uint32", "b1": "bool",
	}
	name, ok := names[dtype[1:]]
	if !ok {
		return "", "", fmt.Errorf("unsupported test dtype %q", dtype)
	}
	return name, endian, nil
}

func compress(codec string, raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch codec {
	case "":
		return raw, nil
	case "zlib":
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("unsupported test compressor %q", codec)
	}
	return buf.Bytes(), nil
}

func putJSON(s *store.MemoryStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Put(key, data)
	return nil
}

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case string:
		if f == "NaN" {
			return math.NaN(), true
		}
	}
	return 0, false
}

func convert[T any](vals []float64, fn func(float64) T) []T {
	out := make([]T, len(vals))
	for i, v := range vals {
		out[i] = fn(v)
	}
	return out
}

func forEach(shape []int, fn func(idx []int)) {
	for _, s := range shape {
		if s == 0 {
			return
		}
	}
	idx := make([]int, len(shape))
	for {
		fn(append([]int(nil), idx...))
		i := len(shape) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

func product(s []int) int {
	n := 1
	for _, v := range s {
		n *= v
	}
	return n
}

func join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
