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

package mosaic

import (
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/bcdev/calvalus2-sub005/product"
	"github.com/ctessum/cdf"
)

func readBand(t *testing.T, path, band string, buf interface{}) {
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := nc.Reader(band, nil, nil).Read(buf); err != nil {
		t.Fatal(err)
	}
}

func TestNetCDFSink(t *testing.T) {
	g, err := NewGrid(Config{MacroTileSize: 2, NumTileY: 2, TileSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	bands := []product.Band{
		{Name: "num_obs", Type: product.Int16, Fill: -1},
		{Name: "chl_mean", Type: product.Float32, Fill: math.NaN()},
	}
	sink := NewNetCDFSink(g, dir, bands)
	sink.Attributes = map[string]string{"processing_config_hash": "abc"}
	a := NewAssembler(g, sink)

	if err := a.Handle(TileIndex{TileX: 0, TileY: 0}, [][]float32{{1, 2, 3, 4}, {0.1, 0.2, 0.3, 0.4}}); err != nil {
		t.Fatal(err)
	}
	if err := a.Handle(TileIndex{TileX: 3, TileY: 1}, [][]float32{{5, 6, 7, 8}, {0.5, 0.6, 0.7, float32(math.NaN())}}); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	want := []string{filepath.Join(dir, "tile-v00-h00.nc"), filepath.Join(dir, "tile-v00-h01.nc")}
	if len(sink.Products()) != 2 || sink.Products()[0] != want[0] || sink.Products()[1] != want[1] {
		t.Fatalf("products: want %v but have %v", want, sink.Products())
	}
	leftovers, err := filepath.Glob(filepath.Join(dir, ".*tmp*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}

	obs := make([]int16, 16)
	readBand(t, want[0], "num_obs", obs)
	wantObs := []int16{
		1, 2, -1, -1,
		3, 4, -1, -1,
		-1, -1, -1, -1,
		-1, -1, -1, -1,
	}
	for i := range obs {
		if obs[i] != wantObs[i] {
			t.Errorf("num_obs[%d]: want %d but have %d", i, wantObs[i], obs[i])
		}
	}

	chl := make([]float32, 16)
	readBand(t, want[1], "chl_mean", chl)
	for i, v := range chl {
		x, y := i%4, i/4
		switch {
		case x == 2 && y == 2:
			if v != 0.5 {
				t.Errorf("chl_mean(2,2): want 0.5 but have %g", v)
			}
		case x == 3 && y == 3:
			if !math.IsNaN(float64(v)) {
				t.Errorf("chl_mean(3,3): want NaN but have %g", v)
			}
		case x < 2 || y < 2:
			if !math.IsNaN(float64(v)) {
				t.Errorf("chl_mean(%d,%d): want fill but have %g", x, y, v)
			}
		}
	}
}

func TestProductName(t *testing.T) {
	for _, c := range []struct {
		format, want string
	}{
		{"", "tile-v07-h12"},
		{"L3_%d_%d", "L3_7_12"},
	} {
		if have := ProductName(c.format, image.Pt(12, 7)); have != c.want {
			t.Errorf("ProductName(%q): want %s but have %s", c.format, c.want, have)
		}
	}
}
