package tile

import (
	"fmt"

	"github.com/akhenakh/zarrlayer/pyramid"
	"github.com/akhenakh/zarrlayer/zarr"
)

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32
}

// Slice extracts from chunk the 2D plane located by p, as float32 in row
// major (y, x) order. Integer samples are converted, other types are
// rejected.
func Slice(chunk *zarr.Chunk, p pyramid.Plane) ([]float32, error) {
	if len(p.Offsets) != len(chunk.Shape) {
		return nil, fmt.Errorf("plane of rank %d for a chunk of rank %d", len(p.Offsets), len(chunk.Shape))
	}
	switch data := chunk.Data.(type) {
	case []float32:
		return plane(data, chunk.Shape, p), nil
	case []int8:
		return plane(data, chunk.Shape, p), nil
	case []int16:
		return plane(data, chunk.Shape, p), nil
	case []int32:
		return plane(data, chunk.Shape, p), nil
	case []int64:
		return plane(data, chunk.Shape, p), nil
	case []uint8:
		return plane(data, chunk.Shape, p), nil
	case []uint16:
		return plane(data, chunk.Shape, p), nil
	case []uint32:
		return plane(data, chunk.Shape, p), nil
	case []uint64:
		return plane(data, chunk.Shape, p), nil
	default:
		return nil, &zarr.UnsupportedTypeError{
			Dtype:  chunk.Dtype.String(),
			Reason: fmt.Sprintf("samples of type %T cannot be rendered", chunk.Data),
		}
	}
}

func plane[T number](src []T, shape []int, p pyramid.Plane) []float32 {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	base := 0
	for i, off := range p.Offsets {
		if off > 0 {
			base += off * strides[i]
		}
	}

	h, w := shape[p.YAxis], shape[p.XAxis]
	sy, sx := strides[p.YAxis], strides[p.XAxis]
	out := make([]float32, h*w)
	for y := 0; y < h; y++ {
		row := base + y*sy
		for x := 0; x < w; x++ {
			out[y*w+x] = float32(src[row+x*sx])
		}
	}
	return out
}
