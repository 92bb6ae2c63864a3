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
	"math"
)

// LineWriter receives complete scanlines of a band. The line is only
// valid during the call. product.NetCDF is a LineWriter.
type LineWriter interface {
	WriteLine(band, y int, line []float32) error
}

type chunk struct {
	x, y, w, h int
	samples    []float32
}

// LineBuffer collects rectangular writes narrower than the raster and
// passes them on as full-width scanlines, each written exactly once.
//
// Writes to a band are buffered until at least three are pending and
// the first and last of them start on different rows; the writes
// starting on the first row are then stitched into lines. Flush and
// Close write everything that is buffered. Parts of a line that no
// write covered hold the band's fill value.
type LineBuffer struct {
	width, height int
	fill          []float32
	w             LineWriter

	pending [][]chunk
	done    []int // per band, rows below done have been written
}

// NewLineBuffer creates a line buffer for a raster of the given size
// with one fill value per band.
func NewLineBuffer(width, height int, fill []float32, w LineWriter) *LineBuffer {
	return &LineBuffer{
		width:   width,
		height:  height,
		fill:    fill,
		w:       w,
		pending: make([][]chunk, len(fill)),
		done:    make([]int, len(fill)),
	}
}

// Write buffers a w×h block of band with its upper left corner at
// (x, y). Samples are row-major and are not copied.
func (b *LineBuffer) Write(band, x, y, w, h int, samples []float32) error {
	if band < 0 || band >= len(b.pending) {
		return fmt.Errorf("mosaic: invalid band %d", band)
	}
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > b.width || y+h > b.height {
		return fmt.Errorf("mosaic: block (%d,%d)+%d×%d outside %d×%d raster", x, y, w, h, b.width, b.height)
	}
	if len(samples) != w*h {
		return fmt.Errorf("mosaic: block of %d×%d has %d samples", w, h, len(samples))
	}
	if y < b.done[band] {
		return fmt.Errorf("mosaic: band %d row %d has already been written", band, y)
	}
	p := append(b.pending[band], chunk{x: x, y: y, w: w, h: h, samples: samples})
	b.pending[band] = p
	if len(p) >= 3 && p[0].y != p[len(p)-1].y {
		return b.flushFirst(band)
	}
	return nil
}

// flushFirst writes the lines of all pending blocks of band that start
// on the same row as the first one.
func (b *LineBuffer) flushFirst(band int) error {
	p := b.pending[band]
	y := p[0].y
	var group, rest []chunk
	for _, c := range p {
		if c.y == y {
			group = append(group, c)
		} else {
			rest = append(rest, c)
		}
	}
	b.pending[band] = rest
	return b.writeGroup(band, group)
}

func (b *LineBuffer) writeGroup(band int, group []chunk) error {
	if len(group) == 0 {
		return nil
	}
	y0, y1 := group[0].y, group[0].y
	for _, c := range group {
		if c.y < y0 {
			y0 = c.y
		}
		if c.y+c.h > y1 {
			y1 = c.y + c.h
		}
	}
	if y0 < b.done[band] {
		return fmt.Errorf("mosaic: band %d row %d has already been written", band, y0)
	}
	line := make([]float32, b.width)
	for y := y0; y < y1; y++ {
		for i := range line {
			line[i] = b.fill[band]
		}
		for _, c := range group {
			if y < c.y || y >= c.y+c.h {
				continue
			}
			copy(line[c.x:c.x+c.w], c.samples[(y-c.y)*c.w:(y-c.y+1)*c.w])
		}
		if err := b.w.WriteLine(band, y, line); err != nil {
			return err
		}
	}
	b.done[band] = y1
	return nil
}

// Flush writes all buffered blocks, grouped by starting row.
func (b *LineBuffer) Flush() error {
	for band := range b.pending {
		for len(b.pending[band]) > 0 {
			if err := b.flushFirst(band); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes the buffer.
func (b *LineBuffer) Close() error {
	return b.Flush()
}

var nan32 = float32(math.NaN())

// NaNFill returns n NaN fill values.
func NaNFill(n int) []float32 {
	o := make([]float32, n)
	for i := range o {
		o[i] = nan32
	}
	return o
}
