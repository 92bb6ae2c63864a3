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
	"strings"
)

// Vector is a feature vector. Aggregators see sub-slices of a cell's
// vector that start at their own offset.
type Vector []float32

// SpatialCell holds the result of aggregating one pass of observations
// over one grid cell.
type SpatialCell struct {
	Index    int64
	NumObs   int
	Features Vector
}

// TemporalCell holds the merge of all spatial cells sharing an index
// over the processing period.
type TemporalCell struct {
	Index     int64
	NumObs    int
	NumPasses int
	Features  Vector
}

// OutputCell is a finalized temporal cell.
type OutputCell struct {
	Index     int64
	NumObs    int
	NumPasses int
	Values    Vector
}

// CellFactory creates empty cells with feature vectors of the requested
// length. Implementations need not be safe for concurrent use.
type CellFactory interface {
	NewSpatialCell(idx int64, numFeatures int) *SpatialCell
	NewTemporalCell(idx int64, numFeatures int) *TemporalCell
}

// CellKind selects a CellFactory implementation.
type CellKind int

const (
	// HeapCells allocates every feature vector separately.
	HeapCells CellKind = iota
	// ArenaCells carves feature vectors out of large shared slabs,
	// which keeps the number of allocations low for big partitions.
	ArenaCells
)

// ParseCellKind returns the CellKind with the given name.
func ParseCellKind(s string) (CellKind, error) {
	switch strings.ToLower(s) {
	case "", "heap":
		return HeapCells, nil
	case "arena":
		return ArenaCells, nil
	default:
		return HeapCells, fmt.Errorf("calvalus: invalid cell kind %q", s)
	}
}

func (k CellKind) String() string {
	switch k {
	case HeapCells:
		return "heap"
	case ArenaCells:
		return "arena"
	default:
		return fmt.Sprintf("CellKind(%d)", int(k))
	}
}

// Factory returns a new CellFactory of kind k.
func (k CellKind) Factory() CellFactory {
	if k == ArenaCells {
		return &arenaFactory{slabCells: 4096}
	}
	return heapFactory{}
}

type heapFactory struct{}

func (heapFactory) NewSpatialCell(idx int64, n int) *SpatialCell {
	return &SpatialCell{Index: idx, Features: make(Vector, n)}
}

func (heapFactory) NewTemporalCell(idx int64, n int) *TemporalCell {
	return &TemporalCell{Index: idx, Features: make(Vector, n)}
}

type arenaFactory struct {
	slabCells int
	slab      Vector
}

func (a *arenaFactory) alloc(n int) Vector {
	if n == 0 {
		return Vector{}
	}
	if len(a.slab) < n {
		size := a.slabCells * n
		a.slab = make(Vector, size)
	}
	v := a.slab[:n:n]
	a.slab = a.slab[n:]
	return v
}

func (a *arenaFactory) NewSpatialCell(idx int64, n int) *SpatialCell {
	return &SpatialCell{Index: idx, Features: a.alloc(n)}
}

func (a *arenaFactory) NewTemporalCell(idx int64, n int) *TemporalCell {
	return &TemporalCell{Index: idx, Features: a.alloc(n)}
}
