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
	"errors"
	"fmt"
	"io"
)

// ErrOutOfOrder is returned when records arrive in an order that breaks
// the sorting guarantee of the shuffle.
var ErrOutOfOrder = errors.New("calvalus: records out of order")

// SpatialCellSource delivers spatial cells sorted by index. Next returns
// io.EOF after the last cell.
type SpatialCellSource interface {
	Next() (*SpatialCell, error)
}

// SliceSource is a SpatialCellSource backed by a slice.
type SliceSource []*SpatialCell

// Next implements SpatialCellSource.
func (s *SliceSource) Next() (*SpatialCell, error) {
	if len(*s) == 0 {
		return nil, io.EOF
	}
	c := (*s)[0]
	*s = (*s)[1:]
	return c, nil
}

// ReduceStats summarizes a reduce run.
type ReduceStats struct {
	SpatialCells  int
	TemporalCells int
	Dropped       int
}

// Reduce merges a sorted stream of spatial cells into temporal cells,
// runs the post-processing chain on each of them and passes the ones that
// are kept to emit in index order. Metadata records (negative indices)
// are ignored.
func (c *Context) Reduce(src SpatialCellSource, emit func(*TemporalCell) error) (ReduceStats, error) {
	var stats ReduceStats
	mgr := c.CellManager()
	var cur *TemporalCell
	flush := func() error {
		if cur == nil {
			return nil
		}
		mgr.CompleteTemporal(cur)
		t := cur
		cur = nil
		if c.post != nil {
			keep, err := c.post.Process(t)
			if err != nil {
				return err
			}
			if !keep {
				stats.Dropped++
				temporalCellsDropped.Inc()
				return nil
			}
		}
		stats.TemporalCells++
		temporalCellsEmitted.Inc()
		return emit(t)
	}
	last := int64(-1)
	for {
		s, err := src.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return stats, err
		}
		if s.Index < 0 {
			continue
		}
		if s.Index < last {
			return stats, fmt.Errorf("%w: cell %d after cell %d", ErrOutOfOrder, s.Index, last)
		}
		stats.SpatialCells++
		if cur != nil && s.Index != cur.Index {
			if err := flush(); err != nil {
				return stats, err
			}
		}
		if cur == nil {
			cur = mgr.NewTemporalCell(s.Index)
		}
		mgr.AggregateTemporal(cur, s)
		last = s.Index
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}
