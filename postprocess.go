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

	"github.com/Knetic/govaluate"
)

// PostProcessConfig configures the steps applied to temporal cells after
// they have been merged.
type PostProcessConfig struct {
	// MinObs drops cells with fewer observations. Zero disables the check.
	MinObs int `toml:"minObs"`

	// ValidExpr drops cells for which the expression is false. It may
	// refer to temporal features and to num_obs and num_passes.
	ValidExpr string `toml:"validExpr"`
}

// PostProcessor inspects a merged temporal cell before it is emitted and
// decides whether to keep it. It may modify the cell's features.
type PostProcessor interface {
	Process(t *TemporalCell) (keep bool, err error)
}

// Chain runs post-processors in order and stops at the first one that
// drops the cell.
type Chain []PostProcessor

// Process implements PostProcessor.
func (c Chain) Process(t *TemporalCell) (bool, error) {
	for _, p := range c {
		keep, err := p.Process(t)
		if err != nil || !keep {
			return false, err
		}
	}
	return true, nil
}

// MinObs drops cells with fewer than the given number of observations.
type MinObs int

// Process implements PostProcessor.
func (m MinObs) Process(t *TemporalCell) (bool, error) {
	return t.NumObs >= int(m), nil
}

// Valid drops cells for which a boolean expression over the temporal
// features is false.
type Valid struct {
	expr  *govaluate.EvaluableExpression
	names map[string]int
}

// NewValid compiles expr for cells with the given temporal features.
func NewValid(expr string, temporalNames []string) (*Valid, error) {
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("calvalus: valid expression: %v", err)
	}
	v := &Valid{expr: e, names: make(map[string]int)}
	for i, n := range temporalNames {
		v.names[n] = i
	}
	for _, n := range e.Vars() {
		if _, ok := v.names[n]; !ok && n != "num_obs" && n != "num_passes" {
			return nil, fmt.Errorf("calvalus: valid expression: undefined variable %s", n)
		}
	}
	return v, nil
}

type temporalParams struct {
	v *Valid
	t *TemporalCell
}

func (p temporalParams) Get(name string) (interface{}, error) {
	switch name {
	case "num_obs":
		return float64(p.t.NumObs), nil
	case "num_passes":
		return float64(p.t.NumPasses), nil
	}
	i, ok := p.v.names[name]
	if !ok {
		return nil, fmt.Errorf("undefined variable %s", name)
	}
	return float64(p.t.Features[i]), nil
}

// Process implements PostProcessor.
func (v *Valid) Process(t *TemporalCell) (bool, error) {
	r, err := v.expr.Eval(temporalParams{v: v, t: t})
	if err != nil {
		return false, fmt.Errorf("calvalus: evaluating valid expression for cell %d: %v", t.Index, err)
	}
	switch b := r.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0 && !math.IsNaN(b), nil
	}
	return false, fmt.Errorf("calvalus: valid expression evaluated to %T", r)
}

// newPostProcessor builds the chain described by cfg. It returns nil if
// no step is configured.
func newPostProcessor(cfg PostProcessConfig, temporalNames []string) (PostProcessor, error) {
	var c Chain
	if cfg.MinObs > 0 {
		c = append(c, MinObs(cfg.MinObs))
	}
	if cfg.ValidExpr != "" {
		v, err := NewValid(cfg.ValidExpr, temporalNames)
		if err != nil {
			return nil, err
		}
		c = append(c, v)
	}
	if len(c) == 0 {
		return nil, nil
	}
	return c, nil
}
