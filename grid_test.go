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
	"testing"

	"github.com/ctessum/geom"
	"github.com/kr/pretty"
)

func TestSEAGridRows(t *testing.T) {
	tests := []struct {
		rows  int
		cols  []int
		total int64
	}{
		{rows: 6, cols: []int{3, 8, 12, 12, 8, 3}, total: 46},
		{rows: 8, cols: []int{3, 9, 13, 16, 16, 13, 9, 3}, total: 82},
	}
	for _, test := range tests {
		g, err := NewSEAGrid(test.rows)
		if err != nil {
			t.Fatal(err)
		}
		var cols []int
		var base int64
		for r := 0; r < g.NumRows(); r++ {
			cols = append(cols, g.NumCols(r))
			if g.BaseIndex(r) != base {
				t.Errorf("rows=%d: base of row %d: want %d but have %d", test.rows, r, base, g.BaseIndex(r))
			}
			base += int64(g.NumCols(r))
		}
		if diff := pretty.Diff(cols, test.cols); len(diff) != 0 {
			t.Errorf("rows=%d: %v", test.rows, diff)
		}
		if g.TotalCells() != test.total {
			t.Errorf("rows=%d: want %d cells but have %d", test.rows, test.total, g.TotalCells())
		}
	}
}

func TestSEAGridDefault(t *testing.T) {
	g, err := NewSEAGrid(DefaultNumRows)
	if err != nil {
		t.Fatal(err)
	}
	if g.TotalCells() != 5940422 {
		t.Errorf("want 5940422 cells but have %d", g.TotalCells())
	}
	for idx := int64(0); idx < g.TotalCells(); idx += 997 {
		lat, lon := g.Center(idx)
		if have := g.CoordinateToIndex(lat, lon); have != idx {
			t.Fatalf("centre of cell %d (%g, %g) maps to %d", idx, lat, lon, have)
		}
	}
}

func TestSEAGridInvalid(t *testing.T) {
	for _, n := range []int{-2, 0, 1, 3, 2161} {
		if _, err := NewSEAGrid(n); !errors.Is(err, ErrInvalidGrid) {
			t.Errorf("rows=%d: want ErrInvalidGrid but have %v", n, err)
		}
	}
}

func TestSEAGridCoordinateToIndex(t *testing.T) {
	g, err := NewSEAGrid(6)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		lat, lon float64
		idx      int64
	}{
		{lat: 90, lon: -180, idx: 0},
		{lat: 89, lon: 179.9, idx: 2},
		{lat: 95, lon: 0, idx: 1}, // clamped to the first row
		{lat: 10, lon: -180, idx: 11},
		{lat: 10, lon: 0, idx: 17},
		{lat: -10, lon: 0, idx: 29},
		{lat: -90, lon: 180, idx: 45},
		{lat: -100, lon: 200, idx: 45},
	}
	for _, test := range tests {
		if have := g.CoordinateToIndex(test.lat, test.lon); have != test.idx {
			t.Errorf("(%g, %g): want %d but have %d", test.lat, test.lon, test.idx, have)
		}
	}
}

func TestSEAGridRowOf(t *testing.T) {
	g, err := NewSEAGrid(8)
	if err != nil {
		t.Fatal(err)
	}
	row := 0
	for idx := int64(0); idx < g.TotalCells(); idx++ {
		if row+1 < g.NumRows() && idx >= g.BaseIndex(row+1) {
			row++
		}
		if have := g.RowOf(idx); have != row {
			t.Errorf("cell %d: want row %d but have %d", idx, row, have)
		}
	}
	if have := g.RowOf(-5); have != 0 {
		t.Errorf("negative index: want row 0 but have %d", have)
	}
	if have := g.RowOf(g.TotalCells() + 10); have != g.NumRows()-1 {
		t.Errorf("index beyond grid: want last row but have %d", have)
	}
}

func TestSEAGridRowBounds(t *testing.T) {
	g, err := NewSEAGrid(6)
	if err != nil {
		t.Fatal(err)
	}
	if lo, hi := g.RowBounds(nil); lo != 0 || hi != 5 {
		t.Errorf("nil bounds: want 0..5 but have %d..%d", lo, hi)
	}
	b := &geom.Bounds{Min: geom.Point{X: 0, Y: -90}, Max: geom.Point{X: 180, Y: -31}}
	if lo, hi := g.RowBounds(b); lo != 4 || hi != 5 {
		t.Errorf("southern bounds: want 4..5 but have %d..%d", lo, hi)
	}
	b = &geom.Bounds{Min: geom.Point{X: -10, Y: -10}, Max: geom.Point{X: 10, Y: 10}}
	if lo, hi := g.RowBounds(b); lo != 2 || hi != 3 {
		t.Errorf("equatorial bounds: want 2..3 but have %d..%d", lo, hi)
	}
}
