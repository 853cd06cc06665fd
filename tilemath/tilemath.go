// Package tilemath converts between geographic coordinates, Web-Mercator
// tile indices and pyramid levels.
package tilemath

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// DefaultMinLevel is the lowest level picked for a view when the pyramid
// declares a max zoom.
const DefaultMinLevel = 3

// Tile addresses one square of a pyramid level.
type Tile struct {
	Z, X, Y int
}

// Key returns the canonical "z,x,y" form of the tile.
func (t Tile) Key() string {
	return strconv.Itoa(t.Z) + "," + strconv.Itoa(t.X) + "," + strconv.Itoa(t.Y)
}

func (t Tile) String() string { return t.Key() }

// ParseKey is the inverse of Tile.Key.
func ParseKey(key string) (Tile, error) {
	parts := strings.Split(key, ",")
	if len(parts) != 3 {
		return Tile{}, fmt.Errorf("invalid tile key %q", key)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Tile{}, fmt.Errorf("invalid tile key %q: %w", key, err)
		}
		vals[i] = v
	}
	return Tile{Z: vals[0], X: vals[1], Y: vals[2]}, nil
}

// Valid reports whether the indices of the tile exist at its zoom.
func (t Tile) Valid() bool {
	if t.Z < 0 || t.X < 0 || t.Y < 0 {
		return false
	}
	n := 1 << t.Z
	return t.X < n && t.Y < n
}

// MapTile converts the tile into its orb representation. t must be Valid.
func (t Tile) MapTile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z))
}

// Bound returns the geographic bounds covered by the tile.
func (t Tile) Bound() orb.Bound {
	return t.MapTile().Bound()
}

// Lon2Tile returns the column of the tile containing lon at zoom.
func Lon2Tile(lon float64, zoom int) int {
	return int(math.Floor((lon + 180) / 360 * math.Exp2(float64(zoom))))
}

// Lat2Tile returns the row of the tile containing lat at zoom.
func Lat2Tile(lat float64, zoom int) int {
	return int(math.Floor(MercatorY(lat) * math.Exp2(float64(zoom))))
}

// MercatorX returns the normalized [0,1] Web-Mercator x of lon.
func MercatorX(lon float64) float64 {
	return (lon + 180) / 360
}

// MercatorY returns the normalized [0,1] Web-Mercator y of lat, 0 being north.
func MercatorY(lat float64) float64 {
	phi := lat * math.Pi / 180
	return (1 - math.Log(math.Tan(phi)+1/math.Cos(phi))/math.Pi) / 2
}

// LonFromMercatorX is the inverse of MercatorX.
func LonFromMercatorX(x float64) float64 {
	return x*360 - 180
}

// LatFromMercatorY is the inverse of MercatorY.
func LatFromMercatorY(y float64) float64 {
	n := math.Pi * (1 - 2*y)
	return math.Atan(math.Sinh(n)) * 180 / math.Pi
}

// ZoomToLevel maps a fractional view zoom to the pyramid level to draw.
// A maxZoom of zero means the pyramid depth is unknown.
func ZoomToLevel(viewZoom float64, maxZoom int) int {
	return ZoomToLevelMin(viewZoom, maxZoom, DefaultMinLevel)
}

// ZoomToLevelMin is ZoomToLevel with a configurable lower bound.
func ZoomToLevelMin(viewZoom float64, maxZoom, minLevel int) int {
	z := int(math.Floor(viewZoom))
	if maxZoom > 0 {
		return min(max(minLevel, z), maxZoom)
	}
	return max(0, z)
}

// TilesAtZoom lists every tile of the inclusive rectangle covering bounds,
// column by column. Indices are clamped to the valid range of the zoom.
func TilesAtZoom(zoom int, bounds orb.Bound) []Tile {
	limit := (1 << zoom) - 1
	clamp := func(v int) int { return min(max(v, 0), limit) }

	nwX := clamp(Lon2Tile(bounds.Min.Lon(), zoom))
	seX := clamp(Lon2Tile(bounds.Max.Lon(), zoom))
	nwY := clamp(Lat2Tile(bounds.Max.Lat(), zoom))
	seY := clamp(Lat2Tile(bounds.Min.Lat(), zoom))

	tiles := make([]Tile, 0, (seX-nwX+1)*(seY-nwY+1))
	for x := nwX; x <= seX; x++ {
		for y := nwY; y <= seY; y++ {
			tiles = append(tiles, Tile{Z: zoom, X: x, Y: y})
		}
	}
	return tiles
}

// TileToScale returns the scale of a tile relative to the world and the
// normalized offset of its top-left corner.
func TileToScale(t Tile) (scale, shiftX, shiftY float64) {
	scale = math.Exp2(-float64(t.Z))
	return scale, float64(t.X) * scale, float64(t.Y) * scale
}
