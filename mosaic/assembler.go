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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	tilesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_mosaic_tiles_written_total",
		Help: "The total number of data tiles written to mosaic products",
	})
	tilesMissing = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_mosaic_tiles_missing_total",
		Help: "The total number of NaN tiles written for missing input",
	})
	productsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_mosaic_products_closed_total",
		Help: "The total number of macro-tile products finished",
	})
)

// ProductSink receives macro-tile products tile by tile. Tile positions
// are relative to the macro tile. Between Create and Finish, every
// position of the macro tile is written exactly once, in row-major
// order.
type ProductSink interface {
	Create(macro image.Point) error
	WriteTile(rel image.Point, bands [][]float32) error
	WriteNaNTile(rel image.Point) error
	Finish() error
}

// Assembler turns a stream of tiles, sorted by Grid.Key, into
// macro-tile products. Tiles missing from the stream are written as NaN
// tiles. An Assembler is not safe for concurrent use.
type Assembler struct {
	Log      logrus.FieldLogger
	Progress calvalus.Progress

	grid *Grid
	sink ProductSink

	open    bool
	macro   image.Point
	next    int // relative index of the next tile to write
	lastKey int64
	handled int
}

// NewAssembler creates an assembler writing the products of grid g to
// sink.
func NewAssembler(g *Grid, sink ProductSink) *Assembler {
	return &Assembler{
		Log:      logrus.StandardLogger(),
		Progress: calvalus.NopProgress{},
		grid:     g,
		sink:     sink,
		lastKey:  -1,
	}
}

// CurrentMacroTile returns the macro tile of the open product.
func (a *Assembler) CurrentMacroTile() (image.Point, bool) {
	return a.macro, a.open
}

// Handle writes tile t. Tiles must arrive in strictly increasing key
// order; a tile at or before the previous one is an error wrapping
// calvalus.ErrOutOfOrder.
func (a *Assembler) Handle(t TileIndex, bands [][]float32) error {
	key := a.grid.Key(t)
	if key <= a.lastKey {
		return fmt.Errorf("%w: tile %v after key %#x", calvalus.ErrOutOfOrder, t, a.lastKey)
	}
	a.lastKey = key

	m := a.grid.Macro(t)
	if !a.open || m != a.macro {
		if err := a.finish(); err != nil {
			return err
		}
		a.Log.WithFields(logrus.Fields{"macroX": m.X, "macroY": m.Y}).Debug("creating product")
		if err := a.sink.Create(m); err != nil {
			return fmt.Errorf("mosaic: creating product for macro tile %v: %v", m, err)
		}
		a.open, a.macro, a.next = true, m, 0
	}

	rel := a.grid.RelativeIndex(t)
	if err := a.fill(rel); err != nil {
		return err
	}
	if err := a.sink.WriteTile(a.grid.Relative(t), bands); err != nil {
		return fmt.Errorf("mosaic: writing tile %v: %v", t, err)
	}
	tilesWritten.Inc()
	a.next = rel + 1
	a.handled++
	a.Progress.Report("mosaic", a.handled)
	return nil
}

// MissingTiles returns the relative positions strictly between two
// relative indices of a macro tile. A negative from starts before the
// first position; a negative to runs past the last.
func (a *Assembler) MissingTiles(from, to int) []image.Point {
	n := a.grid.macroTileSize
	if to < 0 {
		to = n * n
	}
	var o []image.Point
	for i := from + 1; i < to; i++ {
		o = append(o, image.Pt(i%n, i/n))
	}
	return o
}

// fill writes NaN tiles for all positions before relative index to.
func (a *Assembler) fill(to int) error {
	for _, p := range a.MissingTiles(a.next-1, to) {
		if err := a.sink.WriteNaNTile(p); err != nil {
			return fmt.Errorf("mosaic: writing NaN tile %v of macro tile %v: %v", p, a.macro, err)
		}
		tilesMissing.Inc()
	}
	if to > a.next {
		a.next = to
	}
	return nil
}

func (a *Assembler) finish() error {
	if !a.open {
		return nil
	}
	if err := a.fill(-1); err != nil {
		return err
	}
	a.open = false
	if err := a.sink.Finish(); err != nil {
		return fmt.Errorf("mosaic: finishing product for macro tile %v: %v", a.macro, err)
	}
	productsClosed.Inc()
	return nil
}

// Close fills and finishes the open product, if any. An assembler that
// never received a tile creates no product.
func (a *Assembler) Close() error {
	return a.finish()
}
