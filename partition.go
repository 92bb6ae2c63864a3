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
	"fmt"

	"github.com/ctessum/geom"
)

// RowPartitioner assigns grid cells to partitions so that every partition
// holds a contiguous range of rows, and partitions follow each other in
// row order.
type RowPartitioner struct {
	grid           *SEAGrid
	n              int
	minRow, maxRow int
}

// NewRowPartitioner creates a partitioner that splits the rows of g
// covered by b (or all rows if b is nil) into numPartitions ranges.
func NewRowPartitioner(g *SEAGrid, numPartitions int, b *geom.Bounds) (*RowPartitioner, error) {
	if numPartitions < 1 {
		return nil, fmt.Errorf("calvalus: number of partitions must be positive but is %d", numPartitions)
	}
	p := &RowPartitioner{grid: g, n: numPartitions}
	p.minRow, p.maxRow = g.RowBounds(b)
	return p, nil
}

// NumPartitions returns the number of partitions.
func (p *RowPartitioner) NumPartitions() int { return p.n }

// Rows returns the first and last row covered by the partitioner.
func (p *RowPartitioner) Rows() (minRow, maxRow int) { return p.minRow, p.maxRow }

// Partition returns the partition of cell idx. Metadata records go to
// partition 0; cells in rows outside of the covered range go to the
// first or last partition.
func (p *RowPartitioner) Partition(idx int64) int {
	if idx < 0 {
		return 0
	}
	row := p.grid.RowOf(idx)
	part := (row - p.minRow) * p.n / (p.maxRow - p.minRow + 1)
	if part < 0 {
		return 0
	}
	if part >= p.n {
		return p.n - 1
	}
	return part
}

// RowRange returns the rows assigned to partition part. If there are more
// partitions than rows, some partitions are empty and last < first.
func (p *RowPartitioner) RowRange(part int) (first, last int) {
	rows := p.maxRow - p.minRow + 1
	first = p.minRow + ceilDiv(part*rows, p.n)
	last = p.minRow + ceilDiv((part+1)*rows, p.n) - 1
	return first, last
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
