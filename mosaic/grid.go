/*
Copyright © 2026 the Calvalus authors.
This file is part of Calvalus.

Calvalus is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Calvalus is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Calvalus.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package mosaic assembles tiles of a regular geographic grid into
// macro-tile products.
package mosaic

import (
	"fmt"
	"image"
	"math"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/bcdev/calvalus2-sub005/product"
	"github.com/ctessum/geom"
)

// Config holds the parameters of a mosaic grid.
type Config struct {
	// MacroTileSize is the number of tiles along each side of a
	// macro tile, which is the extent of one output product.
	MacroTileSize int `toml:"macroTileSize"`

	// NumTileY is the number of tile rows. There are twice as many tile
	// columns.
	NumTileY int `toml:"numTileY"`

	// TileSize is the number of pixels along each side of a tile.
	TileSize int `toml:"tileSize"`

	// WithIntersectionCheck limits the tiles of a region to those that
	// overlap its polygon, rather than its bounding box.
	WithIntersectionCheck bool `toml:"withIntersectionCheck"`

	MaxReducers int `toml:"maxReducers"`

	// NumXPartitions enables splitting macro-tile rows across
	// partitions when greater than 1. Zero selects one partition per
	// macro-tile row over the whole globe.
	NumXPartitions int `toml:"numXPartitions"`

	// Region is an optional WKT polygon limiting the partitioned area.
	Region string `toml:"region"`
}

// DefaultConfig returns the configuration of a global 300 m grid.
func DefaultConfig() Config {
	return Config{
		MacroTileSize:         5,
		NumTileY:              180,
		TileSize:              360,
		WithIntersectionCheck: true,
		MaxReducers:           16,
	}
}

// TileIndex is the position of a tile in the global tile grid. Tiles are
// ordered row-major, TileY first.
type TileIndex struct {
	TileX, TileY int
}

// Less reports whether t comes before o in row-major order.
func (t TileIndex) Less(o TileIndex) bool {
	if t.TileY != o.TileY {
		return t.TileY < o.TileY
	}
	return t.TileX < o.TileX
}

func (t TileIndex) String() string { return fmt.Sprintf("(%d,%d)", t.TileX, t.TileY) }

// Grid is a global grid of square tiles grouped into square macro tiles.
// A Grid is immutable.
type Grid struct {
	macroTileSize int
	numTileX      int
	numTileY      int
	tileSize      int
	width, height int
	pixelSize     float64
	intersect     bool

	macroRegion  image.Rectangle
	macroStepX   int
	macroStepY   int
	macroCountX  int
	partitioning string
}

// NewGrid creates a grid from cfg.
func NewGrid(cfg Config) (*Grid, error) {
	if cfg.MacroTileSize <= 0 || cfg.NumTileY <= 0 || cfg.TileSize <= 0 {
		return nil, fmt.Errorf("mosaic: invalid grid: macroTileSize=%d numTileY=%d tileSize=%d",
			cfg.MacroTileSize, cfg.NumTileY, cfg.TileSize)
	}
	if cfg.NumTileY%cfg.MacroTileSize != 0 {
		return nil, fmt.Errorf("mosaic: numTileY %d is not a multiple of macroTileSize %d", cfg.NumTileY, cfg.MacroTileSize)
	}
	if cfg.MaxReducers <= 0 {
		cfg.MaxReducers = 16
	}
	g := &Grid{
		macroTileSize: cfg.MacroTileSize,
		numTileY:      cfg.NumTileY,
		numTileX:      2 * cfg.NumTileY,
		tileSize:      cfg.TileSize,
		intersect:     cfg.WithIntersectionCheck,
	}
	g.width = g.numTileX * g.tileSize
	g.height = g.numTileY * g.tileSize
	g.pixelSize = 180 / float64(g.height)
	global := image.Rect(0, 0, g.NumMacroTileX(), g.NumMacroTileY())

	if cfg.NumXPartitions == 0 {
		g.macroRegion = global
		g.macroStepY, g.macroStepX, g.macroCountX = 1, g.numTileX, 1
		g.partitioning = "old"
		return g, nil
	}

	g.macroRegion = global
	if cfg.Region != "" {
		r, err := calvalus.ParseWKTRegion("mosaic", cfg.Region)
		if err != nil {
			return nil, err
		}
		g.macroRegion = g.macroTileRectangleOf(g.ComputeBounds(r.Bounds()))
	}
	ny, nx := g.macroRegion.Dy(), g.macroRegion.Dx()
	if ny <= 0 || nx <= 0 {
		return nil, fmt.Errorf("mosaic: region %q covers no macro tile", cfg.Region)
	}
	mr := cfg.MaxReducers
	switch {
	case ny*nx <= mr && cfg.NumXPartitions > 1:
		g.macroStepY, g.macroStepX, g.macroCountX = 1, 1, nx
		g.partitioning = "full"
	case ny*2 <= mr && cfg.NumXPartitions > 1:
		perRow := mr / ny
		g.macroStepY = 1
		g.macroStepX = (nx + perRow - 1) / perRow
		g.macroCountX = (nx + g.macroStepX - 1) / g.macroStepX
		g.partitioning = "partx"
	case ny <= mr:
		g.macroStepY, g.macroStepX, g.macroCountX = 1, nx, 1
		g.partitioning = "fully"
	default:
		g.macroStepY = (ny + mr - 1) / mr
		g.macroStepX, g.macroCountX = nx, 1
		g.partitioning = "party"
	}
	return g, nil
}

func (g *Grid) MacroTileSize() int { return g.macroTileSize }
func (g *Grid) TileSize() int      { return g.tileSize }
func (g *Grid) NumTileX() int      { return g.numTileX }
func (g *Grid) NumTileY() int      { return g.numTileY }
func (g *Grid) NumMacroTileX() int { return g.numTileX / g.macroTileSize }
func (g *Grid) NumMacroTileY() int { return g.numTileY / g.macroTileSize }

// PixelSize returns the size of a pixel in degrees.
func (g *Grid) PixelSize() float64 { return g.pixelSize }

// Size returns the size of the global raster in pixels.
func (g *Grid) Size() (width, height int) { return g.width, g.height }

// Partitioning names the strategy used to assign macro tiles to
// partitions: "old", "full", "partx", "fully" or "party".
func (g *Grid) Partitioning() string { return g.partitioning }

// PixelToTile returns the tile that contains pixel (x, y) of the global
// raster.
func (g *Grid) PixelToTile(x, y int) TileIndex {
	return TileIndex{TileX: x / g.tileSize, TileY: y / g.tileSize}
}

// Macro returns the macro tile that contains t.
func (g *Grid) Macro(t TileIndex) image.Point {
	return image.Pt(t.TileX/g.macroTileSize, t.TileY/g.macroTileSize)
}

// Relative returns the position of t within its macro tile.
func (g *Grid) Relative(t TileIndex) image.Point {
	return image.Pt(t.TileX%g.macroTileSize, t.TileY%g.macroTileSize)
}

// RelativeIndex returns the row-major position of t within its macro
// tile.
func (g *Grid) RelativeIndex(t TileIndex) int {
	r := g.Relative(t)
	return r.Y*g.macroTileSize + r.X
}

// Key returns the sort key of t: tiles sort by macro tile row, then
// macro tile column, then row-major within the macro tile.
func (g *Grid) Key(t TileIndex) int64 {
	m := g.Macro(t)
	return int64(m.Y)<<48 | int64(m.X)<<32 | int64(t.TileY)<<16 | int64(t.TileX)
}

// TileOfKey inverts Key. Negative keys hold metadata and have no tile.
func (g *Grid) TileOfKey(key int64) (TileIndex, bool) {
	if key < 0 {
		return TileIndex{}, false
	}
	return TileIndex{TileX: int(key & 0xffff), TileY: int(key >> 16 & 0xffff)}, true
}

// TileRectangle returns the pixel rectangle of tile (tx, ty) relative
// to the origin of whatever raster the tile coordinates refer to.
func (g *Grid) TileRectangle(tx, ty int) image.Rectangle {
	return image.Rect(tx*g.tileSize, ty*g.tileSize, (tx+1)*g.tileSize, (ty+1)*g.tileSize)
}

// MacroTileRectangle returns the pixel rectangle of macro tile (mx, my)
// in the global raster.
func (g *Grid) MacroTileRectangle(mx, my int) image.Rectangle {
	n := g.tileSize * g.macroTileSize
	return image.Rect(mx*n, my*n, (mx+1)*n, (my+1)*n)
}

// MacroGeocoding returns the geocoding of the product of macro tile m.
func (g *Grid) MacroGeocoding(m image.Point) product.Geocoding {
	r := g.MacroTileRectangle(m.X, m.Y)
	return product.Geocoding{
		X0:        -180 + g.pixelSize*float64(r.Min.X),
		Y0:        90 - g.pixelSize*float64(r.Min.Y),
		PixelSize: g.pixelSize,
	}
}

// TileXToDegree returns the western longitude of tile column tx.
func (g *Grid) TileXToDegree(tx int) float64 {
	return float64(tx)*360/float64(g.numTileX) - 180
}

// TileYToDegree returns the northern latitude of tile row ty.
func (g *Grid) TileYToDegree(ty int) float64 {
	return 90 - float64(ty)*180/float64(g.numTileY)
}

// DegreeToTileX returns the tile column containing longitude lon.
func (g *Grid) DegreeToTileX(lon float64) int {
	return int(math.Floor((lon + 180) / (360 / float64(g.numTileX))))
}

// DegreeToTileY returns the tile row containing latitude lat.
func (g *Grid) DegreeToTileY(lat float64) int {
	return int(math.Floor((90 - lat) / (180 / float64(g.numTileY))))
}

// TileBounds returns the geographic extent of tile (tx, ty).
func (g *Grid) TileBounds(tx, ty int) *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: g.TileXToDegree(tx), Y: g.TileYToDegree(ty + 1)},
		Max: geom.Point{X: g.TileXToDegree(tx + 1), Y: g.TileYToDegree(ty)},
	}
}

func (g *Grid) tilePolygon(tx, ty int) geom.Polygon {
	b := g.TileBounds(tx, ty)
	return geom.Polygon{{
		{X: b.Min.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Max.Y},
		{X: b.Min.X, Y: b.Max.Y},
		{X: b.Min.X, Y: b.Min.Y},
	}}
}

// ComputeBounds returns the pixel rectangle of the global raster covered
// by b, extended by half a pixel on every side. A nil b covers the
// whole raster. Bounds crossing the antimeridian span all longitudes.
func (g *Grid) ComputeBounds(b *geom.Bounds) image.Rectangle {
	full := image.Rect(0, 0, g.width, g.height)
	if b == nil {
		return full
	}
	h := g.pixelSize / 2
	xmin, xmax := b.Min.X-h, b.Max.X+h
	ymin, ymax := b.Min.Y-h, b.Max.Y+h
	if xmin < -180 || xmax > 180 {
		xmin, xmax = -180, 180
	}
	ymin = math.Max(ymin, -90)
	ymax = math.Min(ymax, 90)

	x := int(math.Floor((180 + xmin) / g.pixelSize))
	y := int(math.Floor((90 - ymax) / g.pixelSize))
	w := int(math.Ceil((xmax-xmin)/g.pixelSize + 1))
	ht := int(math.Ceil((ymax-ymin)/g.pixelSize + 1))
	return image.Rect(x, y, x+w, y+ht).Intersect(full)
}

// AlignToTileGrid grows r to whole tiles.
func (g *Grid) AlignToTileGrid(r image.Rectangle) image.Rectangle {
	ts := g.tileSize
	return image.Rect(
		r.Min.X/ts*ts,
		r.Min.Y/ts*ts,
		(r.Max.X+ts-1)/ts*ts,
		(r.Max.Y+ts-1)/ts*ts,
	)
}

func (g *Grid) macroTileRectangleOf(r image.Rectangle) image.Rectangle {
	n := g.tileSize * g.macroTileSize
	return image.Rect(r.Min.X/n, r.Min.Y/n, (r.Max.X+n-1)/n, (r.Max.Y+n-1)/n)
}

// Tiles returns the tiles covering region in row-major order: all tiles
// of the globe if region is nil, otherwise the tiles of its bounding
// box, keeping only those that overlap the polygon if the grid was
// configured with an intersection check.
func (g *Grid) Tiles(region geom.Polygonal) []TileIndex {
	var o []TileIndex
	if region == nil {
		o = make([]TileIndex, 0, g.numTileX*g.numTileY)
		for y := 0; y < g.numTileY; y++ {
			for x := 0; x < g.numTileX; x++ {
				o = append(o, TileIndex{TileX: x, TileY: y})
			}
		}
		return o
	}
	r := g.AlignToTileGrid(g.ComputeBounds(region.Bounds()))
	ts := g.tileSize
	for y := r.Min.Y / ts; y < r.Max.Y/ts; y++ {
		for x := r.Min.X / ts; x < r.Max.X/ts; x++ {
			if g.intersect {
				if region.Intersection(g.tilePolygon(x, y)).Area() <= 0 {
					continue
				}
			}
			o = append(o, TileIndex{TileX: x, TileY: y})
		}
	}
	return o
}
