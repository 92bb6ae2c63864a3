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

// Package product writes raster products: NetCDF files and images.
package product

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/ctessum/cdf"
	"github.com/sirupsen/logrus"
)

// DataType is the storage type of a band.
type DataType int

const (
	Float32 DataType = iota
	Int16
)

// Band describes one variable of a product.
type Band struct {
	Name string
	Type DataType

	// Fill is written where no value is available. NaN values are
	// stored as Fill in Int16 bands.
	Fill float64
}

// Geocoding maps pixel positions to geographic coordinates: the upper
// left corner of pixel (x, y) is at longitude X0 + x·PixelSize and
// latitude Y0 - y·PixelSize.
type Geocoding struct {
	X0, Y0, PixelSize float64
}

// Lon returns the longitude of the centre of pixel column x.
func (g Geocoding) Lon(x int) float64 { return g.X0 + (float64(x)+0.5)*g.PixelSize }

// Lat returns the latitude of the centre of pixel row y.
func (g Geocoding) Lat(y int) float64 { return g.Y0 - (float64(y)+0.5)*g.PixelSize }

// NetCDF is a NetCDF product under construction. Lines are written to
// a temporary file next to the destination, which is only renamed into
// place by Close, so a failed run never leaves a readable partial
// product.
type NetCDF struct {
	Log logrus.FieldLogger

	path, tmp     string
	f             *os.File
	cdf           *cdf.File
	bands         []Band
	width, height int
	int16Buf      []int16
}

// CreateNetCDF creates a product of the given size at path. Global
// attributes are written in sorted key order.
func CreateNetCDF(path string, width, height int, bands []Band, geo Geocoding, attrs map[string]string) (*NetCDF, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("product: invalid size %d×%d", width, height)
	}
	h := cdf.NewHeader([]string{"y", "x"}, []int{height, width})
	h.AddAttribute("", "Conventions", "CF-1.4")
	h.AddAttribute("", "geospatial_lon_min", []float64{geo.X0})
	h.AddAttribute("", "geospatial_lon_max", []float64{geo.X0 + float64(width)*geo.PixelSize})
	h.AddAttribute("", "geospatial_lat_max", []float64{geo.Y0})
	h.AddAttribute("", "geospatial_lat_min", []float64{geo.Y0 - float64(height)*geo.PixelSize})
	h.AddAttribute("", "pixel_size", []float64{geo.PixelSize})
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.AddAttribute("", k, attrs[k])
	}

	h.AddVariable("lat", []string{"y"}, []float64{0})
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddVariable("lon", []string{"x"}, []float64{0})
	h.AddAttribute("lon", "units", "degrees_east")

	seen := map[string]bool{"lat": true, "lon": true}
	for _, b := range bands {
		if seen[b.Name] {
			return nil, fmt.Errorf("product: duplicate band %q", b.Name)
		}
		seen[b.Name] = true
		switch b.Type {
		case Float32:
			h.AddVariable(b.Name, []string{"y", "x"}, []float32{0})
			h.AddAttribute(b.Name, "_FillValue", []float32{float32(b.Fill)})
		case Int16:
			h.AddVariable(b.Name, []string{"y", "x"}, []int16{0})
			h.AddAttribute(b.Name, "_FillValue", []int16{int16(b.Fill)})
		default:
			return nil, fmt.Errorf("product: band %s has invalid type %d", b.Name, b.Type)
		}
	}
	h.Define()
	if errs := h.Check(); len(errs) != 0 {
		return nil, fmt.Errorf("product: invalid header: %v", errs[0])
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return nil, fmt.Errorf("product: %v", err)
	}
	p := &NetCDF{
		Log:    logrus.StandardLogger(),
		path:   path,
		tmp:    tmp.Name(),
		f:      tmp,
		bands:  bands,
		width:  width,
		height: height,
	}
	p.cdf, err = cdf.Create(tmp, h)
	if err != nil {
		p.Abort()
		return nil, fmt.Errorf("product: writing header: %v", err)
	}
	if err := p.writeCoordinates(geo); err != nil {
		p.Abort()
		return nil, err
	}
	return p, nil
}

func (p *NetCDF) writeCoordinates(geo Geocoding) error {
	lat := make([]float64, p.height)
	for y := range lat {
		lat[y] = geo.Lat(y)
	}
	lon := make([]float64, p.width)
	for x := range lon {
		lon[x] = geo.Lon(x)
	}
	if _, err := p.cdf.Writer("lat", []int{0}, []int{p.height}).Write(lat); err != nil {
		return fmt.Errorf("product: writing latitudes: %v", err)
	}
	if _, err := p.cdf.Writer("lon", []int{0}, []int{p.width}).Write(lon); err != nil {
		return fmt.Errorf("product: writing longitudes: %v", err)
	}
	return nil
}

// Path returns the destination of the product.
func (p *NetCDF) Path() string { return p.path }

// Size returns the raster size of the product.
func (p *NetCDF) Size() (width, height int) { return p.width, p.height }

// Bands returns the bands of the product.
func (p *NetCDF) Bands() []Band { return p.bands }

// WriteLine writes row y of band. The line must span the full width.
func (p *NetCDF) WriteLine(band, y int, line []float32) error {
	if band < 0 || band >= len(p.bands) {
		return fmt.Errorf("product: invalid band %d", band)
	}
	if y < 0 || y >= p.height || len(line) != p.width {
		return fmt.Errorf("product: invalid line y=%d width=%d for %d×%d raster", y, len(line), p.width, p.height)
	}
	b := p.bands[band]
	w := p.cdf.Writer(b.Name, []int{y, 0}, []int{y, p.width})
	var err error
	if b.Type == Int16 {
		if p.int16Buf == nil {
			p.int16Buf = make([]int16, p.width)
		}
		for i, v := range line {
			p.int16Buf[i] = toInt16(v, b.Fill)
		}
		_, err = w.Write(p.int16Buf)
	} else {
		_, err = w.Write(line)
	}
	if err != nil {
		return fmt.Errorf("product: writing %s line %d: %v", b.Name, y, err)
	}
	return nil
}

func toInt16(v float32, fill float64) int16 {
	switch {
	case math.IsNaN(float64(v)):
		return int16(fill)
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Close finishes the product and moves it to its destination.
func (p *NetCDF) Close() error {
	if err := cdf.UpdateNumRecs(p.f); err != nil {
		p.Abort()
		return fmt.Errorf("product: %v", err)
	}
	if err := p.f.Close(); err != nil {
		os.Remove(p.tmp)
		return fmt.Errorf("product: %v", err)
	}
	if err := os.Rename(p.tmp, p.path); err != nil {
		os.Remove(p.tmp)
		return fmt.Errorf("product: %v", err)
	}
	p.Log.WithFields(logrus.Fields{"path": p.path}).Info("wrote product")
	return nil
}

// Abort discards the product.
func (p *NetCDF) Abort() {
	p.f.Close()
	os.Remove(p.tmp)
}
