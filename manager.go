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

// cellLayout describes where each aggregator's features live within the
// spatial, temporal and output vectors. It is shared by all managers
// created from one Context and never modified.
type cellLayout struct {
	aggs []Aggregator

	spatialOffsets, temporalOffsets, outputOffsets []int
	spatialNames, temporalNames, outputNames       []string
	outputFill                                     []float32
}

func newCellLayout(aggs []Aggregator) *cellLayout {
	l := &cellLayout{aggs: aggs}
	for _, a := range aggs {
		l.spatialOffsets = append(l.spatialOffsets, len(l.spatialNames))
		l.spatialNames = append(l.spatialNames, a.SpatialFeatureNames()...)

		l.temporalOffsets = append(l.temporalOffsets, len(l.temporalNames))
		l.temporalNames = append(l.temporalNames, a.TemporalFeatureNames()...)

		l.outputOffsets = append(l.outputOffsets, len(l.outputNames))
		out := a.OutputFeatureNames()
		l.outputNames = append(l.outputNames, out...)
		for range out {
			l.outputFill = append(l.outputFill, a.OutputFillValue())
		}
	}
	return l
}

func (l *cellLayout) spatial(i int, v Vector) Vector {
	return v[l.spatialOffsets[i] : l.spatialOffsets[i]+len(l.aggs[i].SpatialFeatureNames())]
}

func (l *cellLayout) temporal(i int, v Vector) Vector {
	return v[l.temporalOffsets[i] : l.temporalOffsets[i]+len(l.aggs[i].TemporalFeatureNames())]
}

func (l *cellLayout) output(i int, v Vector) Vector {
	return v[l.outputOffsets[i] : l.outputOffsets[i]+len(l.aggs[i].OutputFeatureNames())]
}

// CellManager creates cells and drives the aggregators over them. It
// implements the accumulate, merge and finalize steps of the pipeline.
//
// A CellManager is not safe for concurrent use; each worker should get
// its own from Context.CellManager.
type CellManager struct {
	*cellLayout
	factory CellFactory
}

// NewCellManager creates a manager for the given aggregators whose cells
// are allocated by a factory of the given kind.
func NewCellManager(kind CellKind, aggs ...Aggregator) *CellManager {
	return &CellManager{cellLayout: newCellLayout(aggs), factory: kind.Factory()}
}

// Aggregators returns the aggregators in feature order.
func (m *CellManager) Aggregators() []Aggregator { return m.aggs }

// SpatialFeatureNames returns the names of the spatial features.
func (m *CellManager) SpatialFeatureNames() []string { return m.spatialNames }

// TemporalFeatureNames returns the names of the temporal features.
func (m *CellManager) TemporalFeatureNames() []string { return m.temporalNames }

// OutputFeatureNames returns the names of the output features.
func (m *CellManager) OutputFeatureNames() []string { return m.outputNames }

// OutputFillValues returns the fill value of every output feature.
func (m *CellManager) OutputFillValues() []float32 { return m.outputFill }

// NewSpatialCell returns an initialized spatial cell.
func (m *CellManager) NewSpatialCell(idx int64) *SpatialCell {
	c := m.factory.NewSpatialCell(idx, len(m.spatialNames))
	for i, a := range m.aggs {
		a.InitSpatial(m.spatial(i, c.Features))
	}
	return c
}

// Accumulate adds an observation to a spatial cell. Observations without
// any valid value are not counted.
func (m *CellManager) Accumulate(c *SpatialCell, obs Observation) {
	if allNaN(obs.Values) {
		return
	}
	for i, a := range m.aggs {
		a.AggregateSpatial(obs, m.spatial(i, c.Features))
	}
	c.NumObs++
}

// CompleteSpatial finishes a spatial cell after its last observation.
func (m *CellManager) CompleteSpatial(c *SpatialCell) {
	for i, a := range m.aggs {
		a.CompleteSpatial(c.NumObs, m.spatial(i, c.Features))
	}
}

// NewTemporalCell returns an initialized temporal cell.
func (m *CellManager) NewTemporalCell(idx int64) *TemporalCell {
	c := m.factory.NewTemporalCell(idx, len(m.temporalNames))
	for i, a := range m.aggs {
		a.InitTemporal(m.temporal(i, c.Features))
	}
	return c
}

// AggregateTemporal merges one spatial cell into t. Spatial cells
// without observations leave t unchanged.
func (m *CellManager) AggregateTemporal(t *TemporalCell, s *SpatialCell) {
	if s.NumObs == 0 {
		return
	}
	for i, a := range m.aggs {
		a.AggregateTemporal(m.spatial(i, s.Features), s.NumObs, m.temporal(i, t.Features))
	}
	t.NumObs += s.NumObs
	t.NumPasses++
}

// CompleteTemporal finishes a temporal cell after its last spatial cell.
func (m *CellManager) CompleteTemporal(t *TemporalCell) {
	for i, a := range m.aggs {
		a.CompleteTemporal(t.NumObs, m.temporal(i, t.Features))
	}
}

// Merge combines all spatial cells of index idx into a completed temporal
// cell. The order of cells does not matter.
func (m *CellManager) Merge(idx int64, cells []*SpatialCell) *TemporalCell {
	t := m.NewTemporalCell(idx)
	for _, s := range cells {
		m.AggregateTemporal(t, s)
	}
	m.CompleteTemporal(t)
	return t
}

// Finalize computes the output values of a temporal cell.
func (m *CellManager) Finalize(t *TemporalCell) OutputCell {
	out := OutputCell{
		Index:     t.Index,
		NumObs:    t.NumObs,
		NumPasses: t.NumPasses,
		Values:    make(Vector, len(m.outputNames)),
	}
	m.FinalizeInto(t, out.Values)
	return out
}

// FinalizeInto computes the output values of t into out, which must have
// room for all output features.
func (m *CellManager) FinalizeInto(t *TemporalCell, out Vector) {
	for i, a := range m.aggs {
		a.ComputeOutput(m.temporal(i, t.Features), m.output(i, out))
	}
}
