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

package mosaic

import (
	"fmt"
	"image"

	calvalus "github.com/bcdev/calvalus2-sub005"
)

// TileCollector is a calvalus.CellProcessor that cuts a reprojected
// raster into the tiles of a mosaic grid. The bands of a tile are the
// number of observations, the number of passes and the output
// features, in that order. Tiles without any covered pixel are not
// emitted; the Assembler fills them in.
//
// Pixels arrive in row-major order, so the collector keeps one row of
// tiles at a time, limited to the tile columns region covers.
type TileCollector struct {
	grid     *Grid
	region   image.Rectangle
	numBands int
	emit     func(TileIndex, [][]float32) error

	tileRow  int // -1 before the first pixel
	buf      [][]float32
	touched  []bool
	firstCol int // first tile column of region
	width    int // buffered pixels per row
}

// NewTileCollector creates a collector for pixels of region of the
// global raster, which must be the raster of grid g. Each pixel has
// numFeatures output values. Complete tiles are passed to emit in
// row-major order.
func NewTileCollector(g *Grid, region image.Rectangle, rasterWidth, rasterHeight, numFeatures int, emit func(TileIndex, [][]float32) error) (*TileCollector, error) {
	w, h := g.Size()
	if w != rasterWidth || h != rasterHeight {
		return nil, fmt.Errorf("mosaic: %d×%d tile grid does not match %d×%d raster", w, h, rasterWidth, rasterHeight)
	}
	ts := g.TileSize()
	firstCol, endCol := 0, 0
	if !region.Empty() {
		firstCol, endCol = region.Min.X/ts, (region.Max.X+ts-1)/ts
	}
	c := &TileCollector{
		grid:     g,
		region:   region,
		numBands: numFeatures + 2,
		emit:     emit,
		tileRow:  -1,
		firstCol: firstCol,
		width:    (endCol - firstCol) * ts,
		touched:  make([]bool, endCol-firstCol),
	}
	c.buf = make([][]float32, c.numBands)
	for i := range c.buf {
		c.buf[i] = make([]float32, c.width*ts)
	}
	c.reset()
	return c, nil
}

// TileBandNames returns the band names of the tiles built from cells
// with the given output features.
func TileBandNames(features []string) []string {
	return append([]string{"num_obs", "num_passes"}, features...)
}

func (c *TileCollector) reset() {
	for _, b := range c.buf {
		for i := range b {
			b[i] = nan32
		}
	}
	for i := range c.touched {
		c.touched[i] = false
	}
}

// moveTo flushes the buffered tile row if pixel row y is in another.
func (c *TileCollector) moveTo(y int) error {
	tr := y / c.grid.TileSize()
	if tr == c.tileRow {
		return nil
	}
	if err := c.flush(); err != nil {
		return err
	}
	c.tileRow = tr
	return nil
}

// ProcessCell implements calvalus.CellProcessor.
func (c *TileCollector) ProcessCell(x, y int, cell *calvalus.TemporalCell, out calvalus.Vector) error {
	ax, ay := x+c.region.Min.X, y+c.region.Min.Y
	if err := c.moveTo(ay); err != nil {
		return err
	}
	ts := c.grid.TileSize()
	i := (ay%ts)*c.width + ax - c.firstCol*ts
	c.buf[0][i] = float32(cell.NumObs)
	c.buf[1][i] = float32(cell.NumPasses)
	for j, v := range out {
		c.buf[j+2][i] = v
	}
	c.touched[ax/ts-c.firstCol] = true
	return nil
}

// ProcessMissing implements calvalus.CellProcessor.
func (c *TileCollector) ProcessMissing(x, y int) error {
	return c.moveTo(y + c.region.Min.Y)
}

// End implements calvalus.CellProcessor.
func (c *TileCollector) End() error {
	return c.flush()
}

func (c *TileCollector) flush() error {
	if c.tileRow < 0 {
		return nil
	}
	ts := c.grid.TileSize()
	for col, ok := range c.touched {
		if !ok {
			continue
		}
		tile := make([][]float32, c.numBands)
		for b := range tile {
			t := make([]float32, ts*ts)
			for row := 0; row < ts; row++ {
				copy(t[row*ts:(row+1)*ts], c.buf[b][row*c.width+col*ts:row*c.width+(col+1)*ts])
			}
			tile[b] = t
		}
		if err := c.emit(TileIndex{TileX: c.firstCol + col, TileY: c.tileRow}, tile); err != nil {
			return err
		}
	}
	c.reset()
	return nil
}
