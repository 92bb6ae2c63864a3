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

// VariableConfig defines a derived variable as an expression of other
// variables.
type VariableConfig struct {
	Name string `toml:"name"`
	Expr string `toml:"expr"`
}

// Observation is one geolocated sample. Values are ordered like the
// names of the VariableContext that prepared it.
type Observation struct {
	Lat, Lon float64
	Values   []float32
}

type derivedVariable struct {
	index int
	expr  *govaluate.EvaluableExpression
}

// VariableContext knows the variables available to aggregators: the raw
// input variables followed by the derived ones. It also holds the mask
// that decides which observations are used at all.
type VariableContext struct {
	names   []string
	index   map[string]int
	inputs  int
	derived []derivedVariable
	mask    *govaluate.EvaluableExpression
}

// NewVariableContext creates a variable context for observations carrying
// the given input variables. Derived variables are evaluated in order and
// may refer to input variables, to earlier derived variables, and to
// "lat" and "lon". An empty maskExpr accepts every observation.
func NewVariableContext(inputs []string, vars []VariableConfig, maskExpr string) (*VariableContext, error) {
	vc := &VariableContext{
		index:  make(map[string]int),
		inputs: len(inputs),
	}
	for _, name := range inputs {
		if err := vc.define(name); err != nil {
			return nil, err
		}
	}
	for _, v := range vars {
		if err := vc.define(v.Name); err != nil {
			return nil, err
		}
		expr, err := vc.compile(v.Expr)
		if err != nil {
			return nil, fmt.Errorf("calvalus: variable %s: %v", v.Name, err)
		}
		vc.derived = append(vc.derived, derivedVariable{index: vc.index[v.Name], expr: expr})
	}
	if maskExpr != "" {
		expr, err := vc.compile(maskExpr)
		if err != nil {
			return nil, fmt.Errorf("calvalus: mask expression: %v", err)
		}
		vc.mask = expr
	}
	return vc, nil
}

func (vc *VariableContext) define(name string) error {
	if name == "" {
		return fmt.Errorf("calvalus: empty variable name")
	}
	if _, ok := vc.index[name]; ok {
		return fmt.Errorf("calvalus: variable %s defined twice", name)
	}
	vc.index[name] = len(vc.names)
	vc.names = append(vc.names, name)
	return nil
}

// compile parses expr and makes sure that every variable it refers to
// is already known.
func (vc *VariableContext) compile(expr string) (*govaluate.EvaluableExpression, error) {
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, err
	}
	for _, v := range e.Vars() {
		if v == "lat" || v == "lon" {
			continue
		}
		if _, ok := vc.index[v]; !ok {
			return nil, fmt.Errorf("undefined variable %s in `%s`", v, expr)
		}
	}
	return e, nil
}

// Names returns the names of all variables.
func (vc *VariableContext) Names() []string { return vc.names }

// NumInputs returns the number of raw input variables.
func (vc *VariableContext) NumInputs() int { return vc.inputs }

// Index returns the position of the named variable, or -1.
func (vc *VariableContext) Index(name string) int {
	if i, ok := vc.index[name]; ok {
		return i
	}
	return -1
}

type observationParams struct {
	vc  *VariableContext
	obs *Observation
}

func (p observationParams) Get(name string) (interface{}, error) {
	switch name {
	case "lat":
		return p.obs.Lat, nil
	case "lon":
		return p.obs.Lon, nil
	}
	i, ok := p.vc.index[name]
	if !ok {
		return nil, fmt.Errorf("undefined variable %s", name)
	}
	return float64(p.obs.Values[i]), nil
}

// Prepare turns raw input values into an Observation, evaluating derived
// variables and the mask. ok is false if the observation is masked out.
func (vc *VariableContext) Prepare(lat, lon float64, raw []float32) (obs Observation, ok bool, err error) {
	if len(raw) != vc.inputs {
		return obs, false, fmt.Errorf("calvalus: observation has %d values but %d input variables are defined", len(raw), vc.inputs)
	}
	obs = Observation{Lat: lat, Lon: lon, Values: make([]float32, len(vc.names))}
	copy(obs.Values, raw)
	params := observationParams{vc: vc, obs: &obs}
	for _, d := range vc.derived {
		r, err := d.expr.Eval(params)
		if err != nil {
			return obs, false, fmt.Errorf("calvalus: evaluating %s: %v", vc.names[d.index], err)
		}
		obs.Values[d.index] = toFloat32(r)
	}
	if vc.mask == nil {
		return obs, true, nil
	}
	r, err := vc.mask.Eval(params)
	if err != nil {
		return obs, false, fmt.Errorf("calvalus: evaluating mask: %v", err)
	}
	switch v := r.(type) {
	case bool:
		return obs, v, nil
	case float64:
		return obs, v != 0 && !math.IsNaN(v), nil
	default:
		return obs, false, fmt.Errorf("calvalus: mask evaluated to %T", r)
	}
}

func toFloat32(r interface{}) float32 {
	switch v := r.(type) {
	case float64:
		return float32(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return float32(math.NaN())
	}
}

// allNaN reports whether every value of an observation is NaN.
func allNaN(v []float32) bool {
	for _, x := range v {
		if !math.IsNaN(float64(x)) {
			return false
		}
	}
	return true
}
