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
	"path/filepath"
	"strconv"

	"github.com/bcdev/calvalus2-sub005/product"
	"github.com/sirupsen/logrus"
)

// DefaultNameFormat names products by macro tile row and column.
const DefaultNameFormat = "tile-v%02d-h%02d"

// ProductName applies format to the row and column of macro tile m.
func ProductName(format string, m image.Point) string {
	if format == "" {
		format = DefaultNameFormat
	}
	return fmt.Sprintf(format, m.Y, m.X)
}

// NetCDFSink writes every macro tile as a NetCDF product in Dir. Tiles
// are passed through a LineBuffer so the product is written one
// full-width scanline at a time.
type NetCDFSink struct {
	Log logrus.FieldLogger

	// NameFormat is applied to the macro tile row and column to name
	// products.
	NameFormat string

	// Attributes are added to every product.
	Attributes map[string]string

	dir   string
	grid  *Grid
	bands []product.Band
	fill  []float32

	cur      *product.NetCDF
	lines    *LineBuffer
	nanTile  [][]float32
	products []string
}

// NewNetCDFSink creates a sink for products of grid g with the given
// bands.
func NewNetCDFSink(g *Grid, dir string, bands []product.Band) *NetCDFSink {
	s := &NetCDFSink{
		Log:        logrus.StandardLogger(),
		NameFormat: DefaultNameFormat,
		dir:        dir,
		grid:       g,
		bands:      bands,
	}
	ts := g.TileSize()
	for _, b := range bands {
		f := float32(b.Fill)
		s.fill = append(s.fill, f)
		t := make([]float32, ts*ts)
		for i := range t {
			t[i] = f
		}
		s.nanTile = append(s.nanTile, t)
	}
	return s
}

// Create implements ProductSink.
func (s *NetCDFSink) Create(m image.Point) error {
	if s.cur != nil {
		return fmt.Errorf("mosaic: product still open")
	}
	name := ProductName(s.NameFormat, m)
	n := s.grid.TileSize() * s.grid.MacroTileSize()
	attrs := map[string]string{
		"product_name": name,
		"tile_x":       strconv.Itoa(m.X),
		"tile_y":       strconv.Itoa(m.Y),
	}
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	p, err := product.CreateNetCDF(filepath.Join(s.dir, name+".nc"), n, n, s.bands, s.grid.MacroGeocoding(m), attrs)
	if err != nil {
		return err
	}
	p.Log = s.Log
	s.cur = p
	s.lines = NewLineBuffer(n, n, s.fill, p)
	return nil
}

// WriteTile implements ProductSink.
func (s *NetCDFSink) WriteTile(rel image.Point, bands [][]float32) error {
	if len(bands) != len(s.bands) {
		return fmt.Errorf("mosaic: tile has %d bands but the product has %d", len(bands), len(s.bands))
	}
	return s.write(rel, bands)
}

// WriteNaNTile implements ProductSink.
func (s *NetCDFSink) WriteNaNTile(rel image.Point) error {
	return s.write(rel, s.nanTile)
}

func (s *NetCDFSink) write(rel image.Point, bands [][]float32) error {
	if s.cur == nil {
		return fmt.Errorf("mosaic: no open product")
	}
	r := s.grid.TileRectangle(rel.X, rel.Y)
	for i, b := range bands {
		if err := s.lines.Write(i, r.Min.X, r.Min.Y, r.Dx(), r.Dy(), b); err != nil {
			s.Abort()
			return err
		}
	}
	return nil
}

// Finish implements ProductSink.
func (s *NetCDFSink) Finish() error {
	if s.cur == nil {
		return fmt.Errorf("mosaic: no open product")
	}
	if err := s.lines.Close(); err != nil {
		s.Abort()
		return err
	}
	p := s.cur
	s.cur, s.lines = nil, nil
	if err := p.Close(); err != nil {
		return err
	}
	s.products = append(s.products, p.Path())
	return nil
}

// Abort discards the open product, if any.
func (s *NetCDFSink) Abort() {
	if s.cur != nil {
		s.cur.Abort()
		s.cur, s.lines = nil, nil
	}
}

// Products returns the paths of the finished products.
func (s *NetCDFSink) Products() []string { return s.products }
