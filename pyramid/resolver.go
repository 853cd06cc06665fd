package pyramid

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Selector pins non spatial dimensions to one or more coordinate values. A
// dimension absent from the selector means every index along it.
type Selector map[string][]float64

// Clone returns a deep copy of s.
func (s Selector) Clone() Selector {
	c := make(Selector, len(s))
	for k, v := range s {
		c[k] = slices.Clone(v)
	}
	return c
}

// Equal reports whether both selectors pin the same values.
func (s Selector) Equal(o Selector) bool {
	return maps.EqualFunc(s, o, func(a, b []float64) bool { return slices.Equal(a, b) })
}

// Check returns a SelectorError for the first dimension of s, in sorted
// order, that is spatial or not one of dims.
func (s Selector) Check(dims []string) error {
	for _, dim := range slices.Sorted(maps.Keys(s)) {
		switch {
		case dim == "x" || dim == "y":
			return &SelectorError{Dimension: dim, Reason: "spatial dimensions follow the tile"}
		case !slices.Contains(dims, dim):
			return &SelectorError{Dimension: dim, Reason: "not a dimension of the variable"}
		}
	}
	return nil
}

// ChunkAddress holds one chunk index per dimension.
type ChunkAddress []int

// Key returns the comma joined form of the address, used as cache key.
func (c ChunkAddress) Key() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// Chunks lists the chunk addresses holding the data of spatial tile (x, y)
// for sel. Spatial dimensions take the tile index, other dimensions the
// chunks holding the selected coordinates, or all of them when the
// dimension is not selected. The result is the cartesian product in
// dimension order.
func Chunks(sel Selector, dims []string, coords map[string][]float32, chunkShape []int, x, y int) ([]ChunkAddress, error) {
	if err := sel.Check(dims); err != nil {
		return nil, err
	}
	perDim := make([][]int, len(dims))
	for i, dim := range dims {
		switch dim {
		case "x":
			perDim[i] = []int{x}
		case "y":
			perDim[i] = []int{y}
		default:
			indices, err := coordIndices(sel, dim, coords[dim])
			if err != nil {
				return nil, err
			}
			var chunkIdx []int
			for _, idx := range indices {
				c := idx / chunkShape[i]
				if !slices.Contains(chunkIdx, c) {
					chunkIdx = append(chunkIdx, c)
				}
			}
			perDim[i] = chunkIdx
		}
	}

	result := []ChunkAddress{{}}
	for _, options := range perDim {
		next := make([]ChunkAddress, 0, len(result)*len(options))
		for _, prefix := range result {
			for _, o := range options {
				addr := append(slices.Clone(prefix), o)
				next = append(next, addr)
			}
		}
		result = next
	}
	return result, nil
}

// coordIndices returns the positions of the selected values of dim, or
// every position when dim is not selected.
func coordIndices(sel Selector, dim string, coords []float32) ([]int, error) {
	values, ok := sel[dim]
	if !ok {
		all := make([]int, len(coords))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	indices := make([]int, 0, len(values))
	for _, v := range values {
		idx := slices.Index(coords, float32(v))
		if idx < 0 {
			return nil, &SelectorError{Dimension: dim, Value: v}
		}
		indices = append(indices, idx)
	}
	return indices, nil
}

// Chunks resolves tile (x, y) of the pyramid for sel.
func (m *Metadata) Chunks(x, y int, sel Selector) ([]ChunkAddress, error) {
	return Chunks(sel, m.Dimensions, m.DimCoords, m.ChunkShape, x, y)
}

// SingleChunk resolves tile (x, y) and asserts exactly one chunk holds it.
func (m *Metadata) SingleChunk(x, y int, sel Selector) (ChunkAddress, error) {
	chunks, err := m.Chunks(x, y, sel)
	if err != nil {
		return nil, err
	}
	if len(chunks) != 1 {
		return nil, &ResolutionError{Chunks: len(chunks)}
	}
	return chunks[0], nil
}

// Plane locates the 2D raster of a tile inside its chunk.
type Plane struct {
	Chunk ChunkAddress
	// Offsets holds the position inside the chunk of every non spatial
	// dimension, -1 for x and y.
	Offsets []int
	// YAxis and XAxis are the positions of the spatial dimensions.
	YAxis, XAxis int
}

// Resolve returns the chunk and the in-chunk position of the 2D plane that
// tile (x, y) draws for sel. Every non spatial dimension longer than one
// must be pinned to a single value.
func (m *Metadata) Resolve(x, y int, sel Selector) (Plane, error) {
	chunk, err := m.SingleChunk(x, y, sel)
	if err != nil {
		return Plane{}, err
	}
	p := Plane{Chunk: chunk, Offsets: make([]int, len(m.Dimensions))}
	for i, dim := range m.Dimensions {
		switch dim {
		case "x":
			p.XAxis, p.Offsets[i] = i, -1
			continue
		case "y":
			p.YAxis, p.Offsets[i] = i, -1
			continue
		}
		coords := m.DimCoords[dim]
		values, pinned := sel[dim]
		switch {
		case pinned && len(values) == 1:
			idx := slices.Index(coords, float32(values[0]))
			if idx < 0 {
				return Plane{}, &SelectorError{Dimension: dim, Value: values[0]}
			}
			p.Offsets[i] = idx % m.ChunkShape[i]
		case !pinned && len(coords) <= 1:
			p.Offsets[i] = 0
		default:
			return Plane{}, &ResolutionError{Chunks: 1, Reason: "dimension " + strconv.Quote(dim) + " is not pinned to a single value"}
		}
	}
	return p, nil
}
