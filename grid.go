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
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/geom"
)

// DefaultNumRows is the number of grid rows used when none is configured.
// It gives cells of roughly 9.28 km.
const DefaultNumRows = 2160

// ErrInvalidGrid is returned when grid parameters are inconsistent.
var ErrInvalidGrid = errors.New("calvalus: invalid grid")

// SEAGrid is an equal-area planetary grid. The globe is divided into
// NumRows latitude bands of equal height, and each band is divided into
// a number of columns proportional to the cosine of its central latitude
// so that all cells have approximately the same area. Cells are numbered
// row by row starting at the north pole and going west to east within
// each row.
//
// A SEAGrid is immutable and safe for concurrent use.
type SEAGrid struct {
	numRows   int
	latBin    []float64
	baseBin   []int64
	numBin    []int
	totalBins int64
}

// NewSEAGrid creates a grid with numRows rows. numRows must be even and
// at least 2.
func NewSEAGrid(numRows int) (*SEAGrid, error) {
	if numRows < 2 {
		return nil, fmt.Errorf("%w: number of rows must be >= 2 but is %d", ErrInvalidGrid, numRows)
	}
	if numRows%2 != 0 {
		return nil, fmt.Errorf("%w: number of rows must be even but is %d", ErrInvalidGrid, numRows)
	}
	g := &SEAGrid{
		numRows: numRows,
		latBin:  make([]float64, numRows),
		baseBin: make([]int64, numRows),
		numBin:  make([]int, numRows),
	}
	var base int64
	for row := 0; row < numRows; row++ {
		lat := 90.0 - (float64(row)+0.5)*180.0/float64(numRows)
		g.latBin[row] = lat
		g.numBin[row] = int(2.0*float64(numRows)*math.Cos(lat*math.Pi/180.0) + 0.5)
		g.baseBin[row] = base
		base += int64(g.numBin[row])
	}
	g.totalBins = base
	return g, nil
}

// NumRows returns the number of rows in the grid.
func (g *SEAGrid) NumRows() int { return g.numRows }

// NumCols returns the number of cells in the given row.
func (g *SEAGrid) NumCols(row int) int { return g.numBin[row] }

// BaseIndex returns the index of the first cell in the given row.
func (g *SEAGrid) BaseIndex(row int) int64 { return g.baseBin[row] }

// TotalCells returns the number of cells in the grid.
func (g *SEAGrid) TotalCells() int64 { return g.totalBins }

// CenterLat returns the latitude of the centre of the given row.
func (g *SEAGrid) CenterLat(row int) float64 { return g.latBin[row] }

// RowIndex returns the row containing latitude lat. Latitudes outside
// [-90, 90] are clamped to the first or last row.
func (g *SEAGrid) RowIndex(lat float64) int {
	row := int((90.0 - lat) * float64(g.numRows) / 180.0)
	if row < 0 {
		return 0
	}
	if row >= g.numRows {
		return g.numRows - 1
	}
	return row
}

// ColIndex returns the column of longitude lon within the given row.
func (g *SEAGrid) ColIndex(lon float64, row int) int {
	n := g.numBin[row]
	if lon <= -180.0 {
		return 0
	}
	if lon >= 180.0 {
		return n - 1
	}
	col := int((180.0 + lon) * float64(n) / 360.0)
	if col >= n {
		return n - 1
	}
	return col
}

// CoordinateToIndex returns the index of the cell containing the given
// coordinate.
func (g *SEAGrid) CoordinateToIndex(lat, lon float64) int64 {
	row := g.RowIndex(lat)
	return g.baseBin[row] + int64(g.ColIndex(lon, row))
}

// RowOf returns the row that contains cell idx. Indices below zero
// return row 0 and indices beyond the last cell return the last row.
func (g *SEAGrid) RowOf(idx int64) int {
	if idx <= 0 {
		return 0
	}
	// The first row whose base index is greater than idx follows the
	// row we are looking for.
	row := sort.Search(g.numRows, func(i int) bool { return g.baseBin[i] > idx }) - 1
	if row < 0 {
		return 0
	}
	return row
}

// Center returns the centre coordinate of cell idx.
func (g *SEAGrid) Center(idx int64) (lat, lon float64) {
	row := g.RowOf(idx)
	col := idx - g.baseBin[row]
	n := float64(g.numBin[row])
	return g.latBin[row], 360.0*(float64(col)+0.5)/n - 180.0
}

// RowBounds returns the range of rows covered by b, where b is in
// geographic coordinates. A nil b covers the whole grid.
func (g *SEAGrid) RowBounds(b *geom.Bounds) (minRow, maxRow int) {
	if b == nil || b.Empty() {
		return 0, g.numRows - 1
	}
	minRow = g.RowOf(g.CoordinateToIndex(b.Max.Y, b.Min.X))
	maxRow = g.RowOf(g.CoordinateToIndex(b.Min.Y, b.Max.X))
	return minRow, maxRow
}
