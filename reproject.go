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

package calvalus

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"
)

// CellProcessor receives the pixels of a reprojected raster in row-major
// order. Coordinates are relative to the raster region.
type CellProcessor interface {
	// ProcessCell is called for a pixel covered by a temporal cell. out
	// holds the cell's output values and is only valid during the call.
	ProcessCell(x, y int, cell *TemporalCell, out Vector) error

	// ProcessMissing is called for a pixel no cell covers.
	ProcessMissing(x, y int) error

	// End is called after the last pixel.
	End() error
}

// Reprojector turns a stream of temporal cells sorted by index into the
// pixels of a plate carrée raster. The global raster is 2·H pixels wide
// and H = NumRows·SuperSampling pixels high; only the pixels within the
// configured region are produced. Pixels without a cell are reported as
// missing, so every pixel of the region is produced exactly once.
//
// A grid row can cover several pixel rows and a grid cell several pixel
// columns; each pixel takes the value of the cell whose area contains
// the pixel centre.
type Reprojector struct {
	Log      logrus.FieldLogger
	Progress Progress

	grid          *SEAGrid
	mgr           *CellManager
	region        image.Rectangle
	width, height int
	proc          CellProcessor

	lastIndex int64
	lastRow   int
	row       []*TemporalCell
	nextY     int
	closed    bool

	out      Vector
	outIndex int64
}

// NewReprojector creates a reprojector that writes the pixels of region,
// clipped to the global raster, to proc.
func NewReprojector(ctx *Context, region image.Rectangle, proc CellProcessor) (*Reprojector, error) {
	w, h := ctx.RasterSize()
	region = region.Intersect(image.Rect(0, 0, w, h))
	if region.Empty() {
		return nil, fmt.Errorf("calvalus: reprojection region does not overlap the %dx%d raster", w, h)
	}
	mgr := ctx.CellManager()
	return &Reprojector{
		Log:       logrus.StandardLogger(),
		Progress:  NopProgress{},
		grid:      ctx.grid,
		mgr:       mgr,
		region:    region,
		width:     w,
		height:    h,
		proc:      proc,
		lastIndex: -1,
		lastRow:   -1,
		nextY:     region.Min.Y,
		out:       make(Vector, len(mgr.OutputFeatureNames())),
		outIndex:  -1,
	}, nil
}

// Region returns the raster region the reprojector produces.
func (r *Reprojector) Region() image.Rectangle { return r.region }

// PixelRegion returns the raster region covering b, which is in
// geographic coordinates, for a global raster of the given size. A nil b
// covers the whole raster.
func PixelRegion(b *geom.Bounds, width, height int) image.Rectangle {
	full := image.Rect(0, 0, width, height)
	if b == nil || b.Empty() {
		return full
	}
	x0 := int(math.Floor((b.Min.X + 180) * float64(width) / 360))
	x1 := int(math.Ceil((b.Max.X + 180) * float64(width) / 360))
	y0 := int(math.Floor((90 - b.Max.Y) * float64(height) / 180))
	y1 := int(math.Ceil((90 - b.Min.Y) * float64(height) / 180))
	return image.Rect(x0, y0, x1, y1).Intersect(full)
}

// gridRow returns the grid row containing the centre of pixel row y.
func (r *Reprojector) gridRow(y int) int {
	lat := 90 - (float64(y)+0.5)*180/float64(r.height)
	return r.grid.RowIndex(lat)
}

// Add adds the next cell of the stream. Cells must arrive in
// non-decreasing index order; metadata records are ignored.
func (r *Reprojector) Add(cell *TemporalCell) error {
	if r.closed {
		return fmt.Errorf("calvalus: reprojector is closed")
	}
	if cell.Index < 0 {
		return nil
	}
	if cell.Index < r.lastIndex {
		return fmt.Errorf("%w: cell %d after cell %d", ErrOutOfOrder, cell.Index, r.lastIndex)
	}
	r.lastIndex = cell.Index
	row := r.grid.RowOf(cell.Index)
	if row != r.lastRow {
		if err := r.advance(row); err != nil {
			return err
		}
		r.row = r.row[:0]
		r.lastRow = row
	}
	r.row = append(r.row, cell)
	return nil
}

// Close writes the remaining rows of the region and ends the processor.
func (r *Reprojector) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.advance(math.MaxInt32); err != nil {
		return err
	}
	return r.proc.End()
}

// advance emits all pixel rows whose grid row is before limit. Pixel
// rows of the buffered grid row get data, all others are missing.
func (r *Reprojector) advance(limit int) error {
	for r.nextY < r.region.Max.Y {
		gr := r.gridRow(r.nextY)
		if gr >= limit {
			break
		}
		var err error
		if gr == r.lastRow && len(r.row) > 0 {
			err = r.emitRow(r.nextY, gr)
			pixelRowsWritten.Inc()
		} else {
			err = r.emitMissingRow(r.nextY)
			pixelRowsMissing.Inc()
		}
		if err != nil {
			return err
		}
		r.nextY++
		r.Progress.Report("reproject", r.nextY-r.region.Min.Y)
	}
	return nil
}

func (r *Reprojector) emitMissingRow(y int) error {
	for x := r.region.Min.X; x < r.region.Max.X; x++ {
		if err := r.proc.ProcessMissing(x-r.region.Min.X, y-r.region.Min.Y); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reprojector) emitRow(y, row int) error {
	base := r.grid.BaseIndex(row)
	for x := r.region.Min.X; x < r.region.Max.X; x++ {
		lon := -180 + (float64(x)+0.5)*360/float64(r.width)
		idx := base + int64(r.grid.ColIndex(lon, row))
		i := sort.Search(len(r.row), func(i int) bool { return r.row[i].Index >= idx })
		rx, ry := x-r.region.Min.X, y-r.region.Min.Y
		var err error
		if i < len(r.row) && r.row[i].Index == idx {
			c := r.row[i]
			if r.outIndex != idx {
				r.mgr.FinalizeInto(c, r.out)
				r.outIndex = idx
			}
			err = r.proc.ProcessCell(rx, ry, c, r.out)
		} else {
			err = r.proc.ProcessMissing(rx, ry)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
