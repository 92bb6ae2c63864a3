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
	"math"
	"sort"
	"testing"

	"github.com/kr/pretty"
)

func TestVariableContext(t *testing.T) {
	vc, err := NewVariableContext([]string{"rrs_1", "rrs_2"},
		[]VariableConfig{{Name: "ratio", Expr: "rrs_1 / rrs_2"}, {Name: "north", Expr: "lat > 0"}},
		"rrs_1 > 0 && ratio < 10")
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Diff(vc.Names(), []string{"rrs_1", "rrs_2", "ratio", "north"}); len(diff) != 0 {
		t.Error(diff)
	}
	o, ok, err := vc.Prepare(10, 20, []float32{4, 2})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("observation should pass the mask")
	}
	if diff := pretty.Diff(o.Values, []float32{4, 2, 2, 1}); len(diff) != 0 {
		t.Error(diff)
	}
	if _, ok, _ := vc.Prepare(10, 20, []float32{-1, 2}); ok {
		t.Error("observation should be masked")
	}
	if _, _, err := vc.Prepare(10, 20, []float32{1}); err == nil {
		t.Error("want error for wrong number of values")
	}

	for _, bad := range [][]VariableConfig{
		{{Name: "x", Expr: "unknown * 2"}},
		{{Name: "rrs_1", Expr: "1"}},
		{{Name: "y", Expr: "(("}},
	} {
		if _, err := NewVariableContext([]string{"rrs_1"}, bad, ""); err == nil {
			t.Errorf("%v: want error", bad)
		}
	}
}

func binningConfig() BinningConfig {
	return BinningConfig{
		NumRows:  6,
		Inputs:   []string{"chl"},
		MaskExpr: "chl >= 0",
		Aggregators: []AggregatorConfig{
			{Type: "AVG", VarName: "chl"},
			{Type: "MIN_MAX", VarName: "chl"},
		},
	}
}

func TestSpatialBinner(t *testing.T) {
	ctx, err := NewContext(binningConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	b := NewSpatialBinner(ctx)
	for _, o := range []struct {
		lat, lon float64
		chl      float32
	}{
		{lat: -80, lon: 170, chl: 1},
		{lat: 80, lon: -170, chl: 2},
		{lat: 80, lon: -175, chl: 4},
		{lat: 0, lon: 0, chl: -1}, // masked
		{lat: 0, lon: 0, chl: float32(math.NaN())},
	} {
		if err := b.Add(o.lat, o.lon, []float32{o.chl}); err != nil {
			t.Fatal(err)
		}
	}
	if b.NumObs != 3 || b.NumSkipped != 2 {
		t.Errorf("want 3 binned and 2 skipped but have %d and %d", b.NumObs, b.NumSkipped)
	}
	cells := b.Complete()
	if len(cells) != 2 {
		t.Fatalf("want 2 cells but have %d", len(cells))
	}
	if cells[0].Index != 0 || cells[1].Index != 45 {
		t.Errorf("cells are not sorted: %d, %d", cells[0].Index, cells[1].Index)
	}
	if cells[0].NumObs != 2 || cells[0].Features[0] != 3 {
		t.Errorf("cell 0: want 2 observations with mean 3 but have %d and %g", cells[0].NumObs, cells[0].Features[0])
	}
	if len(b.Complete()) != 0 {
		t.Error("binner should be empty after Complete")
	}
}

func TestSpatialBinnerRegion(t *testing.T) {
	cfg := binningConfig()
	cfg.Region = "POLYGON((-20 -20, 20 -20, 20 20, -20 20, -20 -20))"
	ctx, err := NewContext(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := NewSpatialBinner(ctx)
	if err := b.Add(0, 0, []float32{1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(50, 50, []float32{1}); err != nil {
		t.Fatal(err)
	}
	if b.NumObs != 1 || b.NumSkipped != 1 {
		t.Errorf("want 1 binned and 1 skipped but have %d and %d", b.NumObs, b.NumSkipped)
	}
}

func TestReduce(t *testing.T) {
	cfg := binningConfig()
	cfg.PostProcess = PostProcessConfig{MinObs: 2, ValidExpr: "chl_max < 100 && num_passes > 0"}
	ctx, err := NewContext(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	var cells []*SpatialCell
	for _, batch := range [][][2]float64{
		{{80, -170}, {-80, 170}, {0, 0}},
		{{80, -170}, {-80, 170}},
		{{-80, 170}},
	} {
		b := NewSpatialBinner(ctx)
		for _, o := range batch {
			v := float32(10)
			if o[0] < 0 {
				v = 200
			}
			if err := b.Add(o[0], o[1], []float32{v}); err != nil {
				t.Fatal(err)
			}
		}
		cells = append(cells, b.Complete()...)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Index < cells[j].Index })

	var out []int64
	src := SliceSource(cells)
	stats, err := ctx.Reduce(&src, func(tc *TemporalCell) error {
		out = append(out, tc.Index)
		if tc.NumPasses != 2 {
			t.Errorf("cell %d: want 2 passes but have %d", tc.Index, tc.NumPasses)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// Cell 29 has one observation, cell 45 exceeds the valid expression.
	if diff := pretty.Diff(out, []int64{0}); len(diff) != 0 {
		t.Error(diff)
	}
	want := ReduceStats{SpatialCells: 6, TemporalCells: 1, Dropped: 2}
	if diff := pretty.Diff(stats, want); len(diff) != 0 {
		t.Error(diff)
	}
}

func TestReduceOutOfOrder(t *testing.T) {
	ctx, err := NewContext(binningConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mgr := ctx.CellManager()
	src := SliceSource{mgr.NewSpatialCell(5), mgr.NewSpatialCell(3)}
	_, err = ctx.Reduce(&src, func(*TemporalCell) error { return nil })
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("want ErrOutOfOrder but have %v", err)
	}
}

func TestContextErrors(t *testing.T) {
	for name, mod := range map[string]func(*BinningConfig){
		"odd rows":       func(c *BinningConfig) { c.NumRows = 7 },
		"no aggregators": func(c *BinningConfig) { c.Aggregators = nil },
		"cell kind":      func(c *BinningConfig) { c.CellKind = "stack" },
		"region":         func(c *BinningConfig) { c.Region = "POINT(1 2)" },
		"valid":          func(c *BinningConfig) { c.PostProcess.ValidExpr = "nope > 1" },
		"mask":           func(c *BinningConfig) { c.MaskExpr = "sst > 1" },
	} {
		cfg := binningConfig()
		mod(&cfg)
		if _, err := NewContext(cfg, nil); err == nil {
			t.Errorf("%s: want error", name)
		}
	}
}

func TestContextHash(t *testing.T) {
	a, err := NewContext(binningConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewContext(binningConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := binningConfig()
	cfg.NumRows = 8
	c, err := NewContext(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() != b.Hash() {
		t.Error("equal configurations have different hashes")
	}
	if a.Hash() == c.Hash() {
		t.Error("different configurations have equal hashes")
	}
}
