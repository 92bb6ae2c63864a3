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
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"
)

// ImageConfig describes an image of one band (gray) or three bands
// (red, green, blue).
type ImageConfig struct {
	// Name is the file name. Its extension selects the format: .png,
	// .tif or .tiff.
	Name  string   `toml:"name"`
	Bands []string `toml:"bands"`

	// V1 and V2 hold, per band, the values mapped to 0 and 255. A band
	// whose V1 equals its V2, or that has no entry, is scaled over the
	// range of its valid values.
	V1 []float64 `toml:"v1"`
	V2 []float64 `toml:"v2"`
}

// ImageWriter is a calvalus.CellProcessor that collects bands in memory
// and writes them as images when the raster is complete.
type ImageWriter struct {
	Log logrus.FieldLogger

	dir           string
	images        []ImageConfig
	width, height int

	// index maps a band name to its position in the output vector;
	// -1 is num_obs and -2 num_passes.
	index   map[string]int
	rasters map[string]*sparse.DenseArray
	written []string
}

// NewImageWriter creates a writer for a raster of the given size whose
// cells carry the named output features.
func NewImageWriter(dir string, features []string, width, height int, images []ImageConfig) (*ImageWriter, error) {
	w := &ImageWriter{
		Log:     logrus.StandardLogger(),
		dir:     dir,
		images:  images,
		width:   width,
		height:  height,
		index:   map[string]int{"num_obs": -1, "num_passes": -2},
		rasters: make(map[string]*sparse.DenseArray),
	}
	for i, f := range features {
		w.index[f] = i
	}
	for _, img := range images {
		if n := len(img.Bands); n != 1 && n != 3 {
			return nil, fmt.Errorf("product: image %s must have 1 or 3 bands but has %d", img.Name, n)
		}
		if _, err := encoderFor(img.Name); err != nil {
			return nil, err
		}
		for _, b := range img.Bands {
			if _, ok := w.index[b]; !ok {
				return nil, fmt.Errorf("product: image %s: undefined band %s", img.Name, b)
			}
			if _, ok := w.rasters[b]; !ok {
				r := sparse.ZerosDense(height, width)
				for i := range r.Elements {
					r.Elements[i] = math.NaN()
				}
				w.rasters[b] = r
			}
		}
	}
	return w, nil
}

// ProcessCell implements calvalus.CellProcessor.
func (w *ImageWriter) ProcessCell(x, y int, cell *calvalus.TemporalCell, out calvalus.Vector) error {
	for name, r := range w.rasters {
		var v float64
		switch i := w.index[name]; i {
		case -1:
			v = float64(cell.NumObs)
		case -2:
			v = float64(cell.NumPasses)
		default:
			v = float64(out[i])
		}
		r.Set(v, y, x)
	}
	return nil
}

// ProcessMissing implements calvalus.CellProcessor. Rasters start out
// as NaN, so there is nothing to do.
func (w *ImageWriter) ProcessMissing(x, y int) error { return nil }

// End implements calvalus.CellProcessor. It writes all images.
func (w *ImageWriter) End() error {
	for _, cfg := range w.images {
		if err := w.write(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Written returns the paths of the images written so far.
func (w *ImageWriter) Written() []string { return w.written }

func (w *ImageWriter) write(cfg ImageConfig) error {
	scaled := make([][]uint8, len(cfg.Bands))
	valid := make([][]bool, len(cfg.Bands))
	for i, b := range cfg.Bands {
		r := w.rasters[b]
		v1, v2 := autoRange(r.Elements)
		if i < len(cfg.V1) && i < len(cfg.V2) && cfg.V1[i] != cfg.V2[i] {
			v1, v2 = cfg.V1[i], cfg.V2[i]
		}
		scaled[i], valid[i] = scale(r.Elements, v1, v2)
		w.Log.WithFields(logrus.Fields{"image": cfg.Name, "band": b, "v1": v1, "v2": v2}).Debug("scaling band")
	}
	var img image.Image
	rect := image.Rect(0, 0, w.width, w.height)
	if len(cfg.Bands) == 1 {
		img = &image.Gray{Pix: scaled[0], Stride: w.width, Rect: rect}
	} else {
		rgba := image.NewNRGBA(rect)
		for i := range scaled[0] {
			a := uint8(255)
			if !valid[0][i] || !valid[1][i] || !valid[2][i] {
				a = 0
			}
			rgba.SetNRGBA(i%w.width, i/w.width, color.NRGBA{R: scaled[0][i], G: scaled[1][i], B: scaled[2][i], A: a})
		}
		img = rgba
	}

	enc, _ := encoderFor(cfg.Name)
	path := filepath.Join(w.dir, cfg.Name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("product: %v", err)
	}
	if err := enc(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("product: encoding %s: %v", cfg.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("product: %v", err)
	}
	w.written = append(w.written, path)
	w.Log.WithFields(logrus.Fields{"path": path}).Info("wrote image")
	return nil
}

func encoderFor(name string) (func(io.Writer, image.Image) error, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return png.Encode, nil
	case ".tif", ".tiff":
		return func(w io.Writer, m image.Image) error {
			return tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate})
		}, nil
	}
	return nil, fmt.Errorf("product: unsupported image format for %s", name)
}

// autoRange returns the minimum and maximum of the valid values, or
// (0, 1) if there are none.
func autoRange(v []float64) (v1, v2 float64) {
	ok := make([]float64, 0, len(v))
	for _, x := range v {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			ok = append(ok, x)
		}
	}
	if len(ok) == 0 {
		return 0, 1
	}
	return floats.Min(ok), floats.Max(ok)
}

// scale maps v linearly from [v1, v2] onto [0, 255], clamping values
// outside of the range. Invalid values become 0.
func scale(v []float64, v1, v2 float64) ([]uint8, []bool) {
	o := make([]uint8, len(v))
	valid := make([]bool, len(v))
	for i, x := range v {
		if math.IsNaN(x) {
			continue
		}
		valid[i] = true
		if v2 == v1 {
			continue
		}
		s := math.Round((x - v1) / (v2 - v1) * 255)
		o[i] = uint8(math.Max(0, math.Min(255, s)))
	}
	return o, valid
}
