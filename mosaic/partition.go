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

import "image"

// NumPartitions returns the number of partitions macro tiles are
// assigned to.
func (g *Grid) NumPartitions() int {
	ny := g.macroRegion.Dy()
	return (ny + g.macroStepY - 1) / g.macroStepY * g.macroCountX
}

// MacroRegion returns the rectangle of macro tiles that is partitioned.
func (g *Grid) MacroRegion() image.Rectangle { return g.macroRegion }

// Partition returns the partition of macro tile m. Macro tiles outside
// the partitioned region are clamped to the nearest one inside it.
func (g *Grid) Partition(m image.Point) int {
	r := g.macroRegion
	x := clamp(m.X, r.Min.X, r.Max.X-1)
	y := clamp(m.Y, r.Min.Y, r.Max.Y-1)
	return (y-r.Min.Y)/g.macroStepY*g.macroCountX + (x-r.Min.X)/g.macroStepX
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PartitionOfKey returns the partition of the record stored under key.
// Metadata records, which have negative keys, go to partition 0.
func (g *Grid) PartitionOfKey(key int64) int {
	t, ok := g.TileOfKey(key)
	if !ok {
		return 0
	}
	return g.Partition(g.Macro(t))
}
