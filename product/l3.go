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

package product

import (
	"fmt"
	"image"
	"strconv"

	calvalus "github.com/bcdev/calvalus2-sub005"
)

// RasterGeocoding returns the geocoding of region within the global
// plate carrée raster of the given height, which is twice as wide.
func RasterGeocoding(region image.Rectangle, rasterHeight int) Geocoding {
	ps := 180 / float64(rasterHeight)
	return Geocoding{
		X0:        -180 + float64(region.Min.X)*ps,
		Y0:        90 - float64(region.Min.Y)*ps,
		PixelSize: ps,
	}
}

// L3Bands returns the bands of an L3 product: the observation and pass
// counts followed by the output features.
func L3Bands(features []string, fill []float32) []Band {
	bands := []Band{
		{Name: "num_obs", Type: Int16, Fill: -1},
		{Name: "num_passes", Type: Int16, Fill: -1},
	}
	for i, f := range features {
		bands = append(bands, Band{Name: f, Type: Float32, Fill: float64(fill[i])})
	}
	return bands
}

// L3Writer is a calvalus.CellProcessor that writes the reprojected
// cells to a NetCDF product, one row at a time.
type L3Writer struct {
	p      *NetCDF
	lines  [][]float32
	fill   []float32
	width  int
	height int
	x, y   int
}

// NewL3Writer creates an L3 product at path covering region of the
// global raster of ctx. attrs are added to the product's global
// attributes together with the configuration fingerprint.
func NewL3Writer(path string, ctx *calvalus.Context, region image.Rectangle, attrs map[string]string) (*L3Writer, error) {
	mgr := ctx.CellManager()
	bands := L3Bands(mgr.OutputFeatureNames(), mgr.OutputFillValues())
	_, h := ctx.RasterSize()
	a := map[string]string{
		"processing_config_hash": ctx.Hash(),
		"num_rows":               strconv.Itoa(ctx.Grid().NumRows()),
		"super_sampling":         strconv.Itoa(ctx.SuperSampling()),
	}
	for k, v := range attrs {
		a[k] = v
	}
	p, err := CreateNetCDF(path, region.Dx(), region.Dy(), bands, RasterGeocoding(region, h), a)
	if err != nil {
		return nil, err
	}
	w := &L3Writer{
		p:      p,
		width:  region.Dx(),
		height: region.Dy(),
	}
	for _, b := range bands {
		w.lines = append(w.lines, make([]float32, w.width))
		w.fill = append(w.fill, float32(b.Fill))
	}
	return w, nil
}

// Product returns the underlying NetCDF product.
func (w *L3Writer) Product() *NetCDF { return w.p }

func (w *L3Writer) check(x, y int) error {
	if x != w.x || y != w.y {
		return fmt.Errorf("product: pixel (%d, %d) written out of order, expected (%d, %d)", x, y, w.x, w.y)
	}
	return nil
}

// ProcessCell implements calvalus.CellProcessor.
func (w *L3Writer) ProcessCell(x, y int, cell *calvalus.TemporalCell, out calvalus.Vector) error {
	if err := w.check(x, y); err != nil {
		return err
	}
	w.lines[0][x] = float32(cell.NumObs)
	w.lines[1][x] = float32(cell.NumPasses)
	for i, v := range out {
		w.lines[i+2][x] = v
	}
	return w.next()
}

// ProcessMissing implements calvalus.CellProcessor.
func (w *L3Writer) ProcessMissing(x, y int) error {
	if err := w.check(x, y); err != nil {
		return err
	}
	for i, l := range w.lines {
		l[x] = w.fill[i]
	}
	return w.next()
}

func (w *L3Writer) next() error {
	w.x++
	if w.x < w.width {
		return nil
	}
	for b, l := range w.lines {
		if err := w.p.WriteLine(b, w.y, l); err != nil {
			return err
		}
	}
	w.x = 0
	w.y++
	return nil
}

// End implements calvalus.CellProcessor. It closes the product.
func (w *L3Writer) End() error {
	if w.y != w.height || w.x != 0 {
		w.p.Abort()
		return fmt.Errorf("product: %s ended after %d of %d rows", w.p.Path(), w.y, w.height)
	}
	return w.p.Close()
}

// Abort discards the product.
func (w *L3Writer) Abort() { w.p.Abort() }
