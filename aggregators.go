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
	"math"
)

var nan32 = float32(math.NaN())

func fillValue(cfg AggregatorConfig) float32 {
	if cfg.FillValue != nil {
		return *cfg.FillValue
	}
	return nan32
}

func varIndex(vc *VariableContext, name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("missing variable name")
	}
	i := vc.Index(name)
	if i < 0 {
		return 0, fmt.Errorf("undefined variable %s", name)
	}
	return i, nil
}

// average computes the mean and standard deviation of a variable. Each
// pass contributes its own mean, weighted by the number of its
// observations raised to weightCoeff.
type average struct {
	varIndex     int
	weightCoeff  float64
	fill         float32
	spatialNames []string
	tempNames    []string
	outNames     []string
}

func newAverage(vc *VariableContext, cfg AggregatorConfig) (Aggregator, error) {
	i, err := varIndex(vc, cfg.VarName)
	if err != nil {
		return nil, err
	}
	n := cfg.VarName
	return &average{
		varIndex:     i,
		weightCoeff:  cfg.WeightCoeff,
		fill:         fillValue(cfg),
		spatialNames: []string{n + "_sum_x", n + "_sum_xx", n + "_count"},
		tempNames:    []string{n + "_sum_x", n + "_sum_xx", n + "_weights"},
		outNames:     []string{n + "_mean", n + "_sigma"},
	}, nil
}

func (a *average) SpatialFeatureNames() []string  { return a.spatialNames }
func (a *average) TemporalFeatureNames() []string { return a.tempNames }
func (a *average) OutputFeatureNames() []string   { return a.outNames }
func (a *average) OutputFillValue() float32       { return a.fill }

func (a *average) InitSpatial(v Vector) {
	v[0], v[1], v[2] = 0, 0, 0
}

func (a *average) AggregateSpatial(obs Observation, v Vector) {
	x := obs.Values[a.varIndex]
	if math.IsNaN(float64(x)) {
		return
	}
	v[0] += x
	v[1] += x * x
	v[2]++
}

func (a *average) CompleteSpatial(_ int, v Vector) {
	if v[2] > 0 {
		v[0] /= v[2]
		v[1] /= v[2]
	}
}

func (a *average) InitTemporal(v Vector) {
	v[0], v[1], v[2] = 0, 0, 0
}

func (a *average) AggregateTemporal(spatial Vector, _ int, v Vector) {
	count := spatial[2]
	if count <= 0 {
		return
	}
	w := float32(math.Pow(float64(count), a.weightCoeff))
	v[0] += spatial[0] * w
	v[1] += spatial[1] * w
	v[2] += w
}

func (a *average) CompleteTemporal(_ int, _ Vector) {}

func (a *average) ComputeOutput(t Vector, out Vector) {
	w := float64(t[2])
	if w <= 0 {
		out[0], out[1] = a.fill, a.fill
		return
	}
	mean := float64(t[0]) / w
	variance := float64(t[1])/w - mean*mean
	if variance < 0 {
		variance = 0
	}
	out[0] = float32(mean)
	out[1] = float32(math.Sqrt(variance))
}

// minMax tracks the extremes of a variable.
type minMax struct {
	varIndex int
	fill     float32
	names    []string
}

func newMinMax(vc *VariableContext, cfg AggregatorConfig) (Aggregator, error) {
	i, err := varIndex(vc, cfg.VarName)
	if err != nil {
		return nil, err
	}
	return &minMax{
		varIndex: i,
		fill:     fillValue(cfg),
		names:    []string{cfg.VarName + "_min", cfg.VarName + "_max"},
	}, nil
}

func (a *minMax) SpatialFeatureNames() []string  { return a.names }
func (a *minMax) TemporalFeatureNames() []string { return a.names }
func (a *minMax) OutputFeatureNames() []string   { return a.names }
func (a *minMax) OutputFillValue() float32       { return a.fill }

func (a *minMax) InitSpatial(v Vector) {
	v[0] = float32(math.Inf(1))
	v[1] = float32(math.Inf(-1))
}

func (a *minMax) AggregateSpatial(obs Observation, v Vector) {
	a.update(obs.Values[a.varIndex], obs.Values[a.varIndex], v)
}

func (a *minMax) update(lo, hi float32, v Vector) {
	if !math.IsNaN(float64(lo)) && lo < v[0] {
		v[0] = lo
	}
	if !math.IsNaN(float64(hi)) && hi > v[1] {
		v[1] = hi
	}
}

func (a *minMax) CompleteSpatial(int, Vector) {}

func (a *minMax) InitTemporal(v Vector) { a.InitSpatial(v) }

func (a *minMax) AggregateTemporal(spatial Vector, _ int, v Vector) {
	a.update(spatial[0], spatial[1], v)
}

func (a *minMax) CompleteTemporal(int, Vector) {}

func (a *minMax) ComputeOutput(t Vector, out Vector) {
	if math.IsInf(float64(t[0]), 1) {
		out[0], out[1] = a.fill, a.fill
		return
	}
	out[0], out[1] = t[0], t[1]
}

// onMaxSet keeps the maximum of one variable together with the values
// other variables had in the observation where the maximum occurred.
type onMaxSet struct {
	maxIndex  int
	setIndex  []int
	fill      float32
	names     []string
	numValues int
}

func newOnMaxSet(vc *VariableContext, cfg AggregatorConfig) (Aggregator, error) {
	i, err := varIndex(vc, cfg.VarName)
	if err != nil {
		return nil, err
	}
	a := &onMaxSet{
		maxIndex: i,
		fill:     fillValue(cfg),
		names:    []string{cfg.VarName + "_max"},
	}
	for _, n := range cfg.VarNames {
		j, err := varIndex(vc, n)
		if err != nil {
			return nil, err
		}
		a.setIndex = append(a.setIndex, j)
		a.names = append(a.names, n)
	}
	a.numValues = len(a.names)
	return a, nil
}

func (a *onMaxSet) SpatialFeatureNames() []string  { return a.names }
func (a *onMaxSet) TemporalFeatureNames() []string { return a.names }
func (a *onMaxSet) OutputFeatureNames() []string   { return a.names }
func (a *onMaxSet) OutputFillValue() float32       { return a.fill }

func (a *onMaxSet) InitSpatial(v Vector) {
	v[0] = float32(math.Inf(-1))
	for i := 1; i < a.numValues; i++ {
		v[i] = nan32
	}
}

func (a *onMaxSet) AggregateSpatial(obs Observation, v Vector) {
	x := obs.Values[a.maxIndex]
	if math.IsNaN(float64(x)) || x <= v[0] {
		return
	}
	v[0] = x
	for i, j := range a.setIndex {
		v[i+1] = obs.Values[j]
	}
}

func (a *onMaxSet) CompleteSpatial(int, Vector) {}

func (a *onMaxSet) InitTemporal(v Vector) { a.InitSpatial(v) }

func (a *onMaxSet) AggregateTemporal(spatial Vector, _ int, v Vector) {
	if math.IsNaN(float64(spatial[0])) || spatial[0] <= v[0] {
		return
	}
	copy(v[:a.numValues], spatial[:a.numValues])
}

func (a *onMaxSet) CompleteTemporal(int, Vector) {}

func (a *onMaxSet) ComputeOutput(t Vector, out Vector) {
	if math.IsInf(float64(t[0]), -1) {
		for i := 0; i < a.numValues; i++ {
			out[i] = a.fill
		}
		return
	}
	copy(out[:a.numValues], t[:a.numValues])
}
