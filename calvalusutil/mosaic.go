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
	"os"
	"sort"
	"sync"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/bcdev/calvalus2-sub005/mosaic"
	"github.com/bcdev/calvalus2-sub005/product"
	"github.com/bcdev/calvalus2-sub005/tilecodec"
	"github.com/lanrat/extsort"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// MosaicOptions configures the mosaicking of L3 part files.
type MosaicOptions struct {
	// Prefix is the directory of the part files in the bucket.
	Prefix string

	// OutputDir receives one product per macro tile.
	OutputDir  string
	NameFormat string
	Attributes map[string]string
	TempDir    string
}

// mosaicRegion returns the part of the global raster covered by the
// region of interest, aligned to whole tiles.
func mosaicRegion(bctx *calvalus.Context, g *mosaic.Grid) image.Rectangle {
	if b := bctx.Bounds(); b != nil {
		return g.AlignToTileGrid(g.ComputeBounds(b))
	}
	w, h := g.Size()
	return image.Rect(0, 0, w, h)
}

// Mosaic cuts the raster of the temporal cells stored in the part files
// into the tiles of grid g and assembles them into one NetCDF product
// per macro tile. Tiles are routed to the partitions of g and every
// partition assembles its macro tiles concurrently with the others.
// It returns the sorted paths of the products.
func Mosaic(ctx context.Context, bctx *calvalus.Context, g *mosaic.Grid, bucket *blob.Bucket, opts MosaicOptions, log logrus.FieldLogger) ([]string, error) {
	mgr := bctx.CellManager()
	bands := product.L3Bands(mgr.OutputFeatureNames(), mgr.OutputFillValues())
	attrs := map[string]string{"processing_config_hash": bctx.Hash()}
	for k, v := range opts.Attributes {
		attrs[k] = v
	}
	rw, rh := bctx.RasterSize()
	if gw, gh := g.Size(); gw != rw || gh != rh {
		return nil, fmt.Errorf("calvalus: mosaic grid is %dx%d pixels but the binning raster is %dx%d", gw, gh, rw, rh)
	}
	region := mosaicRegion(bctx, g)
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("calvalus: %v", err)
	}

	var mu sync.Mutex
	var products []string
	err := shuffle(ctx, g.NumPartitions(), opts.TempDir,
		func(emit emitFunc) error {
			tc, err := mosaic.NewTileCollector(g, region, rw, rh, len(mgr.OutputFeatureNames()),
				func(t mosaic.TileIndex, data [][]float32) error {
					b, err := tilecodec.MarshalTile(data)
					if err != nil {
						return err
					}
					key := g.Key(t)
					return emit(g.PartitionOfKey(key), key, b)
				})
			if err != nil {
				return err
			}
			return reprojectParts(ctx, bctx, bucket, opts.Prefix, region, tc, log)
		},
		func(part int, sorted <-chan extsort.SortType, wait func() error) error {
			sink := mosaic.NewNetCDFSink(g, opts.OutputDir, bands)
			sink.Log = log
			sink.NameFormat = opts.NameFormat
			sink.Attributes = attrs
			a := mosaic.NewAssembler(g, sink)
			a.Log = log.WithFields(logrus.Fields{"partition": part})
			a.Progress = calvalus.LogProgress{Log: log, Every: 100}
			if err := assemble(g, a, sorted, wait); err != nil {
				sink.Abort()
				return err
			}
			mu.Lock()
			products = append(products, sink.Products()...)
			mu.Unlock()
			return nil
		})
	if err != nil {
		return nil, err
	}
	sort.Strings(products)
	log.WithFields(logrus.Fields{"products": len(products), "partitioning": g.Partitioning()}).Info("mosaic finished")
	return products, nil
}

// assemble hands the sorted tiles to a. The open product is only
// finished once wait confirms that no tile is missing from sorted.
func assemble(g *mosaic.Grid, a *mosaic.Assembler, sorted <-chan extsort.SortType, wait func() error) error {
	for r := range sorted {
		rec := r.(record)
		t, ok := g.TileOfKey(rec.key)
		if !ok {
			continue
		}
		data, err := tilecodec.UnmarshalTile(rec.payload)
		if err != nil {
			return fmt.Errorf("calvalus: tile %v: %w", t, err)
		}
		if err := a.Handle(t, data); err != nil {
			return err
		}
	}
	if err := wait(); err != nil {
		return err
	}
	return a.Close()
}
