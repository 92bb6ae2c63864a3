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
	"fmt"
	"image"
	"io"
	"sort"
	"text/tabwriter"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/bcdev/calvalus2-sub005/mosaic"
	"github.com/ctessum/geom"
)

// RegionSummary describes how the work for one region is distributed.
type RegionSummary struct {
	Name   string
	Bounds *geom.Bounds

	// MinRow and MaxRow are the binning grid rows the region covers.
	MinRow, MaxRow int

	// Tiles is the number of mosaic tiles covering the region, and
	// MacroTiles the number of products they are written to.
	Tiles, MacroTiles int

	// Partitions lists the mosaic partitions that receive tiles of
	// the region.
	Partitions []int
}

// SummarizeRegions computes a summary for every region.
func SummarizeRegions(bctx *calvalus.Context, g *mosaic.Grid, regions []*calvalus.Region) ([]RegionSummary, error) {
	var o []RegionSummary
	for _, r := range regions {
		b := r.Bounds()
		p, err := calvalus.NewRowPartitioner(bctx.Grid(), 1, b)
		if err != nil {
			return nil, err
		}
		s := RegionSummary{Name: r.Name, Bounds: b}
		s.MinRow, s.MaxRow = p.Rows()

		tiles := g.Tiles(r.Polygonal)
		s.Tiles = len(tiles)
		macros := make(map[image.Point]bool)
		parts := make(map[int]bool)
		for _, t := range tiles {
			macros[g.Macro(t)] = true
			parts[g.PartitionOfKey(g.Key(t))] = true
		}
		s.MacroTiles = len(macros)
		for k := range parts {
			s.Partitions = append(s.Partitions, k)
		}
		sort.Ints(s.Partitions)
		o = append(o, s)
	}
	return o, nil
}

// WriteRegions writes a table of region summaries to w.
func WriteRegions(w io.Writer, s []RegionSummary) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBOUNDS\tROWS\tTILES\tPRODUCTS\tPARTITIONS")
	for _, r := range s {
		fmt.Fprintf(tw, "%s\t[%.4g %.4g %.4g %.4g]\t%d-%d\t%d\t%d\t%v\n", r.Name,
			r.Bounds.Min.X, r.Bounds.Min.Y, r.Bounds.Max.X, r.Bounds.Max.Y,
			r.MinRow, r.MaxRow, r.Tiles, r.MacroTiles, r.Partitions)
	}
	return tw.Flush()
}
