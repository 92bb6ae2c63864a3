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

package calvalus

import (
	"sort"
)

// SpatialBinner aggregates the observations of one input batch (one
// pass) into spatial cells. It is not safe for concurrent use.
type SpatialBinner struct {
	ctx   *Context
	mgr   *CellManager
	cells map[int64]*SpatialCell

	// NumObs counts the observations that were added to a cell and
	// NumSkipped the ones rejected by the mask or the region of interest.
	NumObs, NumSkipped int
}

// NewSpatialBinner creates a binner for ctx.
func NewSpatialBinner(ctx *Context) *SpatialBinner {
	return &SpatialBinner{
		ctx:   ctx,
		mgr:   ctx.CellManager(),
		cells: make(map[int64]*SpatialCell),
	}
}

// Add adds an observation whose raw values are ordered like the
// configured input variables.
func (b *SpatialBinner) Add(lat, lon float64, raw []float32) error {
	obs, ok, err := b.ctx.vars.Prepare(lat, lon, raw)
	if err != nil {
		return err
	}
	if !ok || (b.ctx.region != nil && !b.ctx.region.Contains(lat, lon)) {
		b.NumSkipped++
		observationsMasked.Inc()
		return nil
	}
	idx := b.ctx.grid.CoordinateToIndex(lat, lon)
	c, ok := b.cells[idx]
	if !ok {
		c = b.mgr.NewSpatialCell(idx)
		b.cells[idx] = c
	}
	b.mgr.Accumulate(c, obs)
	b.NumObs++
	observationsBinned.Inc()
	return nil
}

// Complete finishes all cells of the current batch and returns those
// holding at least one observation, sorted by index. The binner is
// empty afterwards and can be used for the next batch.
func (b *SpatialBinner) Complete() []*SpatialCell {
	o := make([]*SpatialCell, 0, len(b.cells))
	for _, c := range b.cells {
		if c.NumObs == 0 {
			continue
		}
		b.mgr.CompleteSpatial(c)
		o = append(o, c)
	}
	sort.Slice(o, func(i, j int) bool { return o[i].Index < o[j].Index })
	b.cells = make(map[int64]*SpatialCell)
	return o
}
