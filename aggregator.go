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
	"sort"
	"strings"
)

// Aggregator computes statistics of one or more variables. The pipeline
// only moves the resulting feature vectors around; the formulas belong to
// the aggregator.
//
// Every vector an aggregator receives is the slice of the cell vector
// that starts at the aggregator's own features, so index 0 is always the
// aggregator's first feature.
type Aggregator interface {
	// SpatialFeatureNames, TemporalFeatureNames and OutputFeatureNames
	// name the features of the three vector layouts.
	SpatialFeatureNames() []string
	TemporalFeatureNames() []string
	OutputFeatureNames() []string

	// OutputFillValue is written for output features that cannot be
	// computed.
	OutputFillValue() float32

	InitSpatial(v Vector)
	AggregateSpatial(obs Observation, v Vector)
	CompleteSpatial(numObs int, v Vector)

	InitTemporal(v Vector)
	AggregateTemporal(spatial Vector, numSpatialObs int, v Vector)
	CompleteTemporal(numTemporalObs int, v Vector)

	ComputeOutput(temporal Vector, out Vector)
}

// AggregatorConfig configures an aggregator. Which fields are used
// depends on the aggregator type.
type AggregatorConfig struct {
	Type        string   `toml:"type"`
	VarName     string   `toml:"varName"`
	VarNames    []string `toml:"varNames"`
	Percentage  int      `toml:"percentage"`
	WeightCoeff float64  `toml:"weightCoeff"`
	FillValue   *float32 `toml:"fillValue"`
}

// AggregatorFactory creates an aggregator from its configuration.
type AggregatorFactory func(vc *VariableContext, cfg AggregatorConfig) (Aggregator, error)

// Registry maps aggregator type names to factories.
type Registry map[string]AggregatorFactory

// DefaultRegistry returns a registry holding the built-in aggregators.
func DefaultRegistry() Registry {
	return Registry{
		"AVG":        newAverage,
		"MIN_MAX":    newMinMax,
		"ON_MAX_SET": newOnMaxSet,
	}
}

// Register adds or replaces the factory for typ.
func (r Registry) Register(typ string, f AggregatorFactory) {
	r[strings.ToUpper(typ)] = f
}

// Types returns the sorted type names in the registry.
func (r Registry) Types() []string {
	o := make([]string, 0, len(r))
	for t := range r {
		o = append(o, t)
	}
	sort.Strings(o)
	return o
}

// New creates the aggregator described by cfg.
func (r Registry) New(vc *VariableContext, cfg AggregatorConfig) (Aggregator, error) {
	f, ok := r[strings.ToUpper(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("calvalus: unknown aggregator type %q; valid types are %v", cfg.Type, r.Types())
	}
	a, err := f(vc, cfg)
	if err != nil {
		return nil, fmt.Errorf("calvalus: aggregator %s: %v", cfg.Type, err)
	}
	return a, nil
}
