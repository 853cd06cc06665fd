package layer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/akhenakh/zarrlayer/pyramid"
	"github.com/akhenakh/zarrlayer/tilemath"
)

// NoValue is returned by point queries when no sample is available.
const NoValue = -1.0

// TileValue returns the sample under a point of the map, read from the
// finest level. x and y are the normalized Web-Mercator coordinates of the
// point, and pick the sample whose pixel contains it. Unlike frames, it
// waits for the tile data. NoValue is returned
// when the tile or the sample is not available, or the sample is zero, NaN
// or the fill value.
func (l *Layer) TileValue(ctx context.Context, lng, lat, x, y float64) (float64, error) {
	l.mu.Lock()
	if l.state != Ready {
		l.mu.Unlock()
		return NoValue, nil
	}
	meta, sel := l.meta, l.selector
	z := meta.MaxZoom
	t := tilemath.Tile{Z: z, X: tilemath.Lon2Tile(lng, z), Y: tilemath.Lat2Tile(lat, z)}
	l.mu.Unlock()

	if !t.Valid() || !t.Bound().Contains(orb.Point{lng, lat}) {
		return NoValue, nil
	}
	_, shiftX, shiftY := tilemath.TileToScale(t)
	w, h := planeSize(meta)
	n := math.Exp2(float64(z))
	xi := int(math.Floor((x - shiftX) * float64(w) * n))
	yi := int(math.Floor((y - shiftY) * float64(h) * n))
	return l.sample(ctx, meta, sel, t, xi, yi)
}

// ValueAt is TileValue for a longitude and latitude.
func (l *Layer) ValueAt(ctx context.Context, lng, lat float64) (float64, error) {
	return l.TileValue(ctx, lng, lat, tilemath.MercatorX(lng), tilemath.MercatorY(lat))
}

// sample reads pixel (xi, yi) of tile t.
func (l *Layer) sample(ctx context.Context, meta *pyramid.Metadata, sel pyramid.Selector, t tilemath.Tile, xi, yi int) (float64, error) {
	w, h := planeSize(meta)
	if xi < 0 || yi < 0 || xi >= w || yi >= h {
		return NoValue, nil
	}

	l.mu.Lock()
	if l.meta != meta {
		// the tile set was rebuilt meanwhile
		l.mu.Unlock()
		return NoValue, nil
	}
	tl := l.tileLocked(t)
	l.mu.Unlock()
	if tl == nil {
		return NoValue, nil
	}

	data, err := tl.FetchData(ctx, sel)
	if err != nil {
		return NoValue, err
	}
	if len(data) != w*h {
		return NoValue, nil
	}
	v := data[yi*w+xi]
	if v == 0 || math.IsNaN(float64(v)) || v == float32(meta.FillValue) {
		return NoValue, nil
	}
	return float64(v), nil
}

func planeSize(meta *pyramid.Metadata) (int, int) {
	w, h := meta.TileSize, meta.TileSize
	for i, d := range meta.Dimensions {
		switch d {
		case "x":
			w = meta.ChunkShape[i]
		case "y":
			h = meta.ChunkShape[i]
		}
	}
	return w, h
}

// Profile samples the finest level along a path of [lat, lng] points, one
// sample per pixel crossed. It returns [lat, lng, value] triples located at
// pixel centers. Pixels without a value are left out.
func (l *Layer) Profile(ctx context.Context, coordinates [][]float64) ([][]float64, error) {
	if len(coordinates) < 2 {
		return nil, errors.New("at least two coordinate pairs are required to create a profile")
	}

	l.mu.Lock()
	if l.state != Ready {
		l.mu.Unlock()
		return nil, errors.New("layer is not ready")
	}
	meta, sel := l.meta, l.selector
	l.mu.Unlock()

	z := meta.MaxZoom
	w, h := planeSize(meta)
	worldW := float64(w) * math.Exp2(float64(z))
	worldH := float64(h) * math.Exp2(float64(z))
	toPixel := func(lat, lng float64) (int, int) {
		px := int(math.Floor(tilemath.MercatorX(lng) * worldW))
		py := int(math.Floor(tilemath.MercatorY(lat) * worldH))
		return min(max(px, 0), int(worldW)-1), min(max(py, 0), int(worldH)-1)
	}

	var profile [][]float64
	visited := make(map[[2]int]struct{})

	for i := 0; i < len(coordinates)-1; i++ {
		start, end := coordinates[i], coordinates[i+1]
		if len(start) != 2 || len(end) != 2 {
			return nil, fmt.Errorf("invalid coordinate pair at index %d; expected [lat, lng]", i)
		}
		x1, y1 := toPixel(start[0], start[1])
		x2, y2 := toPixel(end[0], end[1])

		dx, dy := float64(x2-x1), float64(y2-y1)
		steps := max(int(math.Ceil(math.Max(math.Abs(dx), math.Abs(dy)))), 1)
		xInc, yInc := dx/float64(steps), dy/float64(steps)

		for j := 0; j <= steps; j++ {
			px := x1 + int(math.Round(float64(j)*xInc))
			py := y1 + int(math.Round(float64(j)*yInc))
			if _, ok := visited[[2]int{px, py}]; ok {
				continue
			}
			visited[[2]int{px, py}] = struct{}{}

			t := tilemath.Tile{Z: z, X: px / w, Y: py / h}
			v, err := l.sample(ctx, meta, sel, t, px%w, py%h)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				l.logger.Warn("could not sample profile pixel", "x", px, "y", py, "error", err)
				continue
			}
			if v == NoValue {
				continue
			}
			lng := tilemath.LonFromMercatorX((float64(px) + 0.5) / worldW)
			lat := tilemath.LatFromMercatorY((float64(py) + 0.5) / worldH)
			profile = append(profile, []float64{lat, lng, v})
		}
	}
	return profile, nil
}
