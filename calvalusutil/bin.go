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
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/bcdev/calvalus2-sub005/cloud"
	"github.com/bcdev/calvalus2-sub005/tilecodec"
	"github.com/lanrat/extsort"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// ObservationReader reads observations from a CSV file whose header
// names the columns. It needs a lat and a lon column and one column per
// input variable; other columns are ignored. Empty values and values
// that are not numbers are read as NaN.
type ObservationReader struct {
	r        *csv.Reader
	latCol   int
	lonCol   int
	inputCol []int
	line     int
	raw      []float32
}

// NewObservationReader reads the header from r and locates the given
// input variables.
func NewObservationReader(r io.Reader, inputs []string) (*ObservationReader, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("calvalus: reading observation header: %v", err)
	}
	cols := make(map[string]int)
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	o := &ObservationReader{r: cr, line: 1, raw: make([]float32, len(inputs))}
	find := func(name string) (int, error) {
		i, ok := cols[name]
		if !ok {
			return 0, fmt.Errorf("calvalus: observations have no column %q", name)
		}
		return i, nil
	}
	if o.latCol, err = find("lat"); err != nil {
		return nil, err
	}
	if o.lonCol, err = find("lon"); err != nil {
		return nil, err
	}
	for _, in := range inputs {
		i, err := find(in)
		if err != nil {
			return nil, err
		}
		o.inputCol = append(o.inputCol, i)
	}
	return o, nil
}

// Next returns the next observation, or io.EOF. raw is only valid
// until the next call.
func (o *ObservationReader) Next() (lat, lon float64, raw []float32, err error) {
	rec, err := o.r.Read()
	if err == io.EOF {
		return 0, 0, nil, io.EOF
	} else if err != nil {
		return 0, 0, nil, fmt.Errorf("calvalus: reading observations: %v", err)
	}
	o.line++
	if lat, err = strconv.ParseFloat(strings.TrimSpace(rec[o.latCol]), 64); err != nil {
		return 0, 0, nil, fmt.Errorf("calvalus: observation line %d: invalid latitude: %v", o.line, err)
	}
	if lon, err = strconv.ParseFloat(strings.TrimSpace(rec[o.lonCol]), 64); err != nil {
		return 0, 0, nil, fmt.Errorf("calvalus: observation line %d: invalid longitude: %v", o.line, err)
	}
	for i, c := range o.inputCol {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 32)
		if err != nil {
			v = math.NaN()
		}
		o.raw[i] = float32(v)
	}
	return lat, lon, o.raw, nil
}

// BinOptions configures a binning run.
type BinOptions struct {
	// Inputs are CSV observation files. Every file is one pass.
	Inputs []string

	// Prefix is the directory of the part files in the bucket.
	Prefix        string
	NumPartitions int
	Compress      bool
	TempDir       string

	// Regions, if set, are counted per cell and written with a summary
	// of every cell to the "summary" directory below Prefix.
	Regions []*calvalus.Region
}

// BinStats summarizes a binning run.
type BinStats struct {
	Observations, Skipped int
	calvalus.ReduceStats
}

// Bin aggregates the observations of all inputs into temporal cells and
// writes them, sorted by cell index, to part files. Cells are routed to
// partitions by grid row, so part n holds rows before those of part
// n+1. Part 0 starts with a metadata record describing the run.
func Bin(ctx context.Context, bctx *calvalus.Context, bucket *blob.Bucket, opts BinOptions, log logrus.FieldLogger) (BinStats, error) {
	var stats BinStats
	if opts.NumPartitions < 1 {
		opts.NumPartitions = 1
	}
	parts, err := calvalus.NewRowPartitioner(bctx.Grid(), opts.NumPartitions, bctx.Bounds())
	if err != nil {
		return stats, err
	}
	var router *calvalus.RegionRouter
	if len(opts.Regions) > 0 {
		if router, err = calvalus.NewRegionRouter(bctx.Grid(), opts.Regions, 0); err != nil {
			return stats, err
		}
	}
	meta, err := newL3Metadata(bctx).encode()
	if err != nil {
		return stats, err
	}

	// Parts of an earlier run with more partitions would otherwise be
	// read together with the new ones.
	for _, dir := range []string{opts.Prefix, summaryPrefix(opts.Prefix)} {
		if err := cloud.DeleteDir(ctx, bucket, dir); err != nil {
			return stats, err
		}
	}

	reduceStats := make([]calvalus.ReduceStats, opts.NumPartitions)
	err = shuffle(ctx, opts.NumPartitions, opts.TempDir,
		func(emit emitFunc) error {
			return mapObservations(bctx, parts, opts.Inputs, emit, &stats, log)
		},
		func(part int, sorted <-chan extsort.SortType, wait func() error) error {
			s, err := reducePartition(ctx, bctx, bucket, opts, part, meta, router, sorted, wait)
			reduceStats[part] = s
			return err
		})
	for _, s := range reduceStats {
		stats.SpatialCells += s.SpatialCells
		stats.TemporalCells += s.TemporalCells
		stats.Dropped += s.Dropped
	}
	if err != nil {
		return stats, err
	}
	if err := cloud.WriteFile(ctx, bucket, opts.Prefix, successMarker, []byte(meta)); err != nil {
		return stats, err
	}
	log.WithFields(logrus.Fields{
		"observations":   stats.Observations,
		"skipped":        stats.Skipped,
		"spatial_cells":  stats.SpatialCells,
		"temporal_cells": stats.TemporalCells,
		"dropped":        stats.Dropped,
	}).Info("binning finished")
	return stats, nil
}

// mapObservations bins every input file separately and emits the
// resulting spatial cells to their partitions.
func mapObservations(bctx *calvalus.Context, parts *calvalus.RowPartitioner, inputs []string, emit emitFunc, stats *BinStats, log logrus.FieldLogger) error {
	b := calvalus.NewSpatialBinner(bctx)
	for _, in := range inputs {
		if err := binFile(b, in, bctx.Variables().Names()[:bctx.Variables().NumInputs()]); err != nil {
			return err
		}
		cells := b.Complete()
		log.WithFields(logrus.Fields{"input": in, "cells": len(cells)}).Info("binned pass")
		for _, c := range cells {
			b, err := tilecodec.AppendSpatialCell(nil, c)
			if err != nil {
				return err
			}
			if err := emit(parts.Partition(c.Index), c.Index, b); err != nil {
				return err
			}
		}
	}
	stats.Observations, stats.Skipped = b.NumObs, b.NumSkipped
	return nil
}

func binFile(b *calvalus.SpatialBinner, path string, inputs []string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("calvalus: %v", err)
	}
	defer f.Close()
	r, err := NewObservationReader(f, inputs)
	if err != nil {
		return fmt.Errorf("%v in %s", err, path)
	}
	for {
		lat, lon, raw, err := r.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("%v in %s", err, path)
		}
		if err := b.Add(lat, lon, raw); err != nil {
			return err
		}
	}
}

// sortedCells decodes the spatial cells of a sorted partition.
type sortedCells struct {
	in <-chan extsort.SortType
}

// Next implements calvalus.SpatialCellSource.
func (s sortedCells) Next() (*calvalus.SpatialCell, error) {
	r, ok := <-s.in
	if !ok {
		return nil, io.EOF
	}
	rec := r.(record)
	return tilecodec.UnmarshalSpatialCell(rec.payload, rec.key)
}

func reducePartition(ctx context.Context, bctx *calvalus.Context, bucket *blob.Bucket, opts BinOptions, part int, meta string, router *calvalus.RegionRouter, sorted <-chan extsort.SortType, wait func() error) (calvalus.ReduceStats, error) {
	w, err := cloud.NewPartWriter(ctx, bucket, opts.Prefix, part, opts.Compress)
	if err != nil {
		return calvalus.ReduceStats{}, err
	}
	var sum *cloud.PartWriter
	if router != nil {
		if sum, err = cloud.NewPartWriter(ctx, bucket, summaryPrefix(opts.Prefix), part, opts.Compress); err != nil {
			w.Abort()
			return calvalus.ReduceStats{}, err
		}
	}
	abort := func() {
		w.Abort()
		if sum != nil {
			sum.Abort()
		}
	}
	if part == 0 {
		if err := writeMetadata(w, meta); err != nil {
			abort()
			return calvalus.ReduceStats{}, err
		}
	}

	var buf, pbuf []byte
	stats, err := bctx.Reduce(sortedCells{in: sorted}, func(t *calvalus.TemporalCell) error {
		var err error
		if buf, err = tilecodec.AppendTemporalCell(buf[:0], t); err != nil {
			return err
		}
		if err := w.Write(t.Index, buf); err != nil {
			return err
		}
		if sum == nil {
			return nil
		}
		p := tilecodec.Packed{Values: [3]int16{
			tilecodec.Saturate(t.NumObs),
			tilecodec.Saturate(t.NumPasses),
			tilecodec.Saturate(len(router.Route(t.Index))),
		}}
		if pbuf, err = tilecodec.AppendPacked(pbuf[:0], p); err != nil {
			return err
		}
		return sum.Write(t.Index, pbuf)
	})
	if err == nil {
		err = wait()
	}
	if err != nil {
		abort()
		return stats, err
	}
	if err := w.Close(); err != nil {
		if sum != nil {
			sum.Abort()
		}
		return stats, err
	}
	if sum != nil {
		if err := sum.Close(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// successMarker is written next to the parts of a finished run.
const successMarker = "_SUCCESS"

func summaryPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/summary"
}

func writeMetadata(w *cloud.PartWriter, meta string) error {
	b, err := tilecodec.AppendPacked(nil, tilecodec.Packed{IsMetadata: true, Metadata: meta})
	if err != nil {
		return err
	}
	return w.Write(-1, b)
}
