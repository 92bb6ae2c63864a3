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

package calvalusutil

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/bcdev/calvalus2-sub005/cloud"
	"github.com/bcdev/calvalus2-sub005/product"
	"github.com/bcdev/calvalus2-sub005/tilecodec"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// FormatOptions configures the formatting of L3 part files.
type FormatOptions struct {
	// Prefix is the directory of the part files in the bucket.
	Prefix string

	// OutputDir receives the products.
	OutputDir string

	// Product is the file name of the NetCDF product. No product is
	// written if it is empty.
	Product string

	Images     []product.ImageConfig
	Attributes map[string]string
}

// processors passes every pixel to several processors.
type processors []calvalus.CellProcessor

func (p processors) ProcessCell(x, y int, cell *calvalus.TemporalCell, out calvalus.Vector) error {
	for _, pp := range p {
		if err := pp.ProcessCell(x, y, cell, out); err != nil {
			return err
		}
	}
	return nil
}

func (p processors) ProcessMissing(x, y int) error {
	for _, pp := range p {
		if err := pp.ProcessMissing(x, y); err != nil {
			return err
		}
	}
	return nil
}

func (p processors) End() error {
	for _, pp := range p {
		if err := pp.End(); err != nil {
			return err
		}
	}
	return nil
}

// Format reprojects the temporal cells stored in the part files onto
// the raster covering the region of interest and writes the NetCDF
// product and the images. It returns the paths of the files written.
func Format(ctx context.Context, bctx *calvalus.Context, bucket *blob.Bucket, opts FormatOptions, log logrus.FieldLogger) ([]string, error) {
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("calvalus: %v", err)
	}
	w, h := bctx.RasterSize()
	region := calvalus.PixelRegion(bctx.Bounds(), w, h)

	var procs processors
	var l3 *product.L3Writer
	if opts.Product != "" {
		var err error
		l3, err = product.NewL3Writer(filepath.Join(opts.OutputDir, opts.Product), bctx, region, opts.Attributes)
		if err != nil {
			return nil, err
		}
		procs = append(procs, l3)
	}
	var img *product.ImageWriter
	if len(opts.Images) > 0 {
		var err error
		img, err = product.NewImageWriter(opts.OutputDir, bctx.CellManager().OutputFeatureNames(), region.Dx(), region.Dy(), opts.Images)
		if err != nil {
			if l3 != nil {
				l3.Abort()
			}
			return nil, err
		}
		img.Log = log
		procs = append(procs, img)
	}
	if len(procs) == 0 {
		return nil, fmt.Errorf("calvalus: nothing to format")
	}

	err := reprojectParts(ctx, bctx, bucket, opts.Prefix, region, procs, log)
	if err != nil {
		if l3 != nil {
			l3.Abort()
		}
		return nil, err
	}
	var written []string
	if l3 != nil {
		written = append(written, l3.Product().Path())
	}
	if img != nil {
		written = append(written, img.Written()...)
	}
	return written, nil
}

// reprojectParts streams the temporal cells of the part files under
// prefix through a reprojector for region.
func reprojectParts(ctx context.Context, bctx *calvalus.Context, bucket *blob.Bucket, prefix string, region image.Rectangle, proc calvalus.CellProcessor, log logrus.FieldLogger) error {
	r, err := calvalus.NewReprojector(bctx, region, proc)
	if err != nil {
		return err
	}
	r.Log = log
	r.Progress = calvalus.LogProgress{Log: log, Every: 1000}
	if err := readParts(ctx, bctx, bucket, prefix, r.Add, log); err != nil {
		return err
	}
	return r.Close()
}

// readParts passes every temporal cell of the part files under prefix
// to add, checking the metadata record on the way.
func readParts(ctx context.Context, bctx *calvalus.Context, bucket *blob.Bucket, prefix string, add func(*calvalus.TemporalCell) error, log logrus.FieldLogger) error {
	parts, err := cloud.OpenParts(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	defer parts.Close()
	parts.Log = log
	if len(parts.Parts()) == 0 {
		log.WithFields(logrus.Fields{"prefix": prefix}).Warn("no cells found; the product will be empty")
	} else if _, err := cloud.ReadFile(ctx, bucket, prefix, successMarker); err != nil {
		log.WithFields(logrus.Fields{"prefix": prefix}).Warn("binning run did not finish; parts may be incomplete")
	}
	for {
		rec, err := parts.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if rec.Key < 0 {
			p, err := tilecodec.UnmarshalPacked(rec.Payload)
			if err != nil {
				return err
			}
			if !p.IsMetadata {
				continue
			}
			m, err := decodeL3Metadata(p.Metadata)
			if err != nil {
				return err
			}
			if err := checkMetadata(m, bctx, log); err != nil {
				return err
			}
			continue
		}
		c, err := tilecodec.UnmarshalTemporalCell(rec.Payload, rec.Key)
		if err != nil {
			return fmt.Errorf("calvalus: cell %d: %w", rec.Key, err)
		}
		if err := add(c); err != nil {
			return err
		}
	}
}
