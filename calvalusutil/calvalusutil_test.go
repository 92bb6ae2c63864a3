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

package calvalusutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/bcdev/calvalus2-sub005/cloud"
	"github.com/bcdev/calvalus2-sub005/mosaic"
	"github.com/bcdev/calvalus2-sub005/product"
	"github.com/bcdev/calvalus2-sub005/tilecodec"
	"github.com/ctessum/cdf"
	"github.com/kr/pretty"
	"github.com/lanrat/extsort"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

func testContext(t *testing.T) *calvalus.Context {
	t.Helper()
	ctx, err := calvalus.NewContext(calvalus.BinningConfig{
		NumRows:     2,
		Inputs:      []string{"chl"},
		Aggregators: []calvalus.AggregatorConfig{{Type: "AVG", VarName: "chl"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openNetCDF(t *testing.T, path string) *cdf.File {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	nc, err := cdf.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	return nc
}

func read(t *testing.T, nc *cdf.File, v string, buf interface{}) {
	t.Helper()
	if _, err := nc.Reader(v, nil, nil).Read(buf); err != nil {
		t.Fatal(err)
	}
}

func TestObservationReader(t *testing.T) {
	in := `# comment
lat, lon, extra, chl, sst
10, 20, x, 1.5, 280
-5, 170, y, , 281
`
	r, err := NewObservationReader(strings.NewReader(in), []string{"sst", "chl"})
	if err != nil {
		t.Fatal(err)
	}
	lat, lon, raw, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if lat != 10 || lon != 20 {
		t.Errorf("want (10, 20) but have (%g, %g)", lat, lon)
	}
	if diff := pretty.Diff(raw, []float32{280, 1.5}); len(diff) > 0 {
		t.Error(diff)
	}
	_, _, raw, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if raw[0] != 281 || !math.IsNaN(float64(raw[1])) {
		t.Errorf("want [281 NaN] but have %v", raw)
	}
	if _, _, _, err = r.Next(); err != io.EOF {
		t.Errorf("want io.EOF but have %v", err)
	}

	if _, err := NewObservationReader(strings.NewReader("lat,lon\n"), []string{"chl"}); err == nil {
		t.Error("want an error for a missing column")
	}
	r, err = NewObservationReader(strings.NewReader("lat,lon,chl\nnorth,1,2\n"), []string{"chl"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err = r.Next(); err == nil {
		t.Error("want an error for an invalid latitude")
	}
}

func TestMetadata(t *testing.T) {
	ctx := testContext(t)
	s, err := newL3Metadata(ctx).encode()
	if err != nil {
		t.Fatal(err)
	}
	m, err := decodeL3Metadata(s)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Diff(m, newL3Metadata(ctx)); len(diff) > 0 {
		t.Error(diff)
	}
	log := logrus.StandardLogger()
	m.ConfigHash = "other"
	if err := checkMetadata(m, ctx, log); err != nil {
		t.Errorf("a different hash should only warn but have %v", err)
	}
	m.NumRows = 4
	if err := checkMetadata(m, ctx, log); err == nil {
		t.Error("want an error for a different grid")
	}
}

func TestShuffle(t *testing.T) {
	const parts = 3
	keys := []int64{17, 3, -1, 9, 4, 12, 0, 5, 30, 21, 7, 8}
	var mu sync.Mutex
	have := make(map[int][]int64)
	err := shuffle(context.Background(), parts, t.TempDir(),
		func(emit emitFunc) error {
			for _, k := range keys {
				p := 0
				if k > 0 {
					p = int(k % parts)
				}
				if err := emit(p, k, []byte{byte(k)}); err != nil {
					return err
				}
			}
			return nil
		},
		func(part int, sorted <-chan extsort.SortType, wait func() error) error {
			var o []int64
			for r := range sorted {
				rec := r.(record)
				if len(rec.payload) != 1 || rec.payload[0] != byte(rec.key) {
					t.Errorf("key %d: wrong payload %v", rec.key, rec.payload)
				}
				o = append(o, rec.key)
			}
			if err := wait(); err != nil {
				return err
			}
			mu.Lock()
			have[part] = o
			mu.Unlock()
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	want := map[int][]int64{
		0: {-1, 0, 3, 9, 12, 21, 30},
		1: {4, 7},
		2: {5, 8, 17},
	}
	if diff := pretty.Diff(have, want); len(diff) > 0 {
		t.Error(diff)
	}
}

func TestShuffleInvalidPartition(t *testing.T) {
	err := shuffle(context.Background(), 2, t.TempDir(),
		func(emit emitFunc) error { return emit(2, 1, nil) },
		func(part int, sorted <-chan extsort.SortType, wait func() error) error {
			for range sorted {
			}
			return wait()
		})
	if err == nil {
		t.Error("want an error for an invalid partition")
	}
}

func TestShuffleProduceError(t *testing.T) {
	failed := errors.New("input lost")
	var mu sync.Mutex
	waitErrs := make(map[int]error)
	err := shuffle(context.Background(), 2, t.TempDir(),
		func(emit emitFunc) error {
			for k := int64(0); k < 10; k++ {
				if err := emit(int(k%2), k, nil); err != nil {
					return err
				}
			}
			return failed
		},
		func(part int, sorted <-chan extsort.SortType, wait func() error) error {
			for range sorted {
			}
			err := wait()
			mu.Lock()
			waitErrs[part] = err
			mu.Unlock()
			return err
		})
	if err != failed {
		t.Errorf("want error %v but have %v", failed, err)
	}
	for p := 0; p < 2; p++ {
		if waitErrs[p] == nil {
			t.Errorf("partition %d: want wait to report the failed input", p)
		}
	}
}

func TestShuffleReduceError(t *testing.T) {
	full := errors.New("disk full")
	err := shuffle(context.Background(), 2, t.TempDir(),
		func(emit emitFunc) error {
			for k := int64(0); k < 10000; k++ {
				if err := emit(int(k%2), k, nil); err != nil {
					return err
				}
			}
			return nil
		},
		func(part int, sorted <-chan extsort.SortType, wait func() error) error {
			if part == 1 {
				return full
			}
			for range sorted {
			}
			return wait()
		})
	if !errors.Is(err, full) {
		t.Errorf("want error %v but have %v", full, err)
	}
}

// TestMosaicProduceError checks that a macro tile whose tiles stop
// arriving because the input failed is not left behind as a product.
func TestMosaicProduceError(t *testing.T) {
	g := testGrid(t)
	out := t.TempDir()
	bands := product.L3Bands([]string{"chl_mean", "chl_sigma"}, []float32{float32(math.NaN()), float32(math.NaN())})
	var mu sync.Mutex
	var products []string
	err := shuffle(context.Background(), g.NumPartitions(), t.TempDir(),
		func(emit emitFunc) error {
			b, err := tilecodec.MarshalTile([][]float32{{1}, {1}, {2}, {0}})
			if err != nil {
				return err
			}
			key := g.Key(mosaic.TileIndex{TileX: 1, TileY: 0})
			if err := emit(g.PartitionOfKey(key), key, b); err != nil {
				return err
			}
			return errors.New("input lost")
		},
		func(part int, sorted <-chan extsort.SortType, wait func() error) error {
			sink := mosaic.NewNetCDFSink(g, out, bands)
			if err := assemble(g, mosaic.NewAssembler(g, sink), sorted, wait); err != nil {
				sink.Abort()
				return err
			}
			mu.Lock()
			products = append(products, sink.Products()...)
			mu.Unlock()
			return nil
		})
	if err == nil {
		t.Fatal("want an error for a failed input")
	}
	files, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		t.Errorf("file %s left behind", f.Name())
	}
	if len(products) != 0 {
		t.Errorf("want no products but have %v", products)
	}
}

const regionTOML = `
[[region]]
name = "atlantic"
wkt = "POLYGON((-10 0, 10 0, 10 80, -10 80, -10 0))"

[[region]]
name = "broken"
wkt = "POLYGON((0 0, 1 1))"
`

func TestLoadRegions(t *testing.T) {
	path := writeFile(t, t.TempDir(), "regions.toml", regionTOML)
	r, err := LoadRegions(path, calvalus.ShapefileFilter{}, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 1 || r[0].Name != "atlantic" {
		t.Fatalf("want only region atlantic but have %d regions", len(r))
	}
	if !r[0].Contains(45, 0) || r[0].Contains(-45, 120) {
		t.Error("wrong region geometry")
	}
	if _, err := LoadRegions(filepath.Join(t.TempDir(), "regions.json"), calvalus.ShapefileFilter{}, logrus.StandardLogger()); err == nil {
		t.Error("want an error for an unsupported file type")
	}
}

func testGrid(t *testing.T) *mosaic.Grid {
	t.Helper()
	g, err := mosaic.NewGrid(mosaic.Config{MacroTileSize: 1, NumTileY: 2, TileSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestSummarizeRegions(t *testing.T) {
	path := writeFile(t, t.TempDir(), "regions.toml", regionTOML)
	r, err := LoadRegions(path, calvalus.ShapefileFilter{}, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	s, err := SummarizeRegions(testContext(t), testGrid(t), r)
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 1 {
		t.Fatalf("want 1 summary but have %d", len(s))
	}
	have := s[0]
	if have.MinRow != 0 || have.MaxRow != 1 {
		t.Errorf("rows: want 0-1 but have %d-%d", have.MinRow, have.MaxRow)
	}
	if have.Tiles != 6 || have.MacroTiles != 6 {
		t.Errorf("want 6 tiles in 6 macro tiles but have %d in %d", have.Tiles, have.MacroTiles)
	}
	if diff := pretty.Diff(have.Partitions, []int{0, 1}); len(diff) > 0 {
		t.Errorf("partitions: %v", diff)
	}
	var b bytes.Buffer
	if err := WriteRegions(&b, s); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "atlantic") {
		t.Errorf("region missing from table:\n%s", b.String())
	}
}

func TestReadJobConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CALVALUS_TEST_DIR", dir)
	path := writeFile(t, dir, "job.toml", `
[binning]
numRows = 2
inputs = ["chl"]

[[binning.aggregators]]
type = "AVG"
varName = "chl"

[mosaic]
macroTileSize = 1
numTileY = 2
tileSize = 1

[[image]]
name = "${CALVALUS_TEST_DIR}/chl.png"
bands = ["chl_mean"]
`)
	cfg, err := ReadJobConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Binning.NumRows != 2 || len(cfg.Binning.Aggregators) != 1 {
		t.Errorf("wrong binning configuration: %+v", cfg.Binning)
	}
	want := mosaic.DefaultConfig()
	want.MacroTileSize, want.NumTileY, want.TileSize = 1, 2, 1
	if diff := pretty.Diff(cfg.Mosaic, want); len(diff) > 0 {
		t.Errorf("mosaic: %v", diff)
	}
	if have := cfg.Images[0].Name; have != filepath.Join(dir, "chl.png") {
		t.Errorf("image name: want %s but have %s", filepath.Join(dir, "chl.png"), have)
	}
	if _, err := calvalus.NewContext(cfg.Binning, calvalus.DefaultRegistry()); err != nil {
		t.Error(err)
	}
}

// binTestData bins two passes over a 2-row grid: cell 1 receives three
// observations in two passes and cell 5 one.
func binTestData(t *testing.T, ctx *calvalus.Context, regions []*calvalus.Region) (*blob.Bucket, BinStats) {
	t.Helper()
	dir := t.TempDir()
	a := writeFile(t, dir, "a.csv", "lat,lon,chl\n45,0,2\n50,10,4\n-45,170,6\n")
	b := writeFile(t, dir, "b.csv", "lat,lon,chl\n45,-10,3\n")
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	stats, err := Bin(context.Background(), ctx, bucket, BinOptions{
		Inputs:        []string{a, b},
		Prefix:        "l3",
		NumPartitions: 2,
		Compress:      true,
		TempDir:       t.TempDir(),
		Regions:       regions,
	}, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return bucket, stats
}

func TestBin(t *testing.T) {
	ctx := testContext(t)
	path := writeFile(t, t.TempDir(), "regions.toml", regionTOML)
	regions, err := LoadRegions(path, calvalus.ShapefileFilter{}, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	bucket, stats := binTestData(t, ctx, regions)
	want := BinStats{Observations: 4, ReduceStats: calvalus.ReduceStats{SpatialCells: 3, TemporalCells: 2}}
	if diff := pretty.Diff(stats, want); len(diff) > 0 {
		t.Errorf("stats: %v", diff)
	}

	bg := context.Background()
	meta, err := cloud.ReadFile(bg, bucket, "l3", successMarker)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(meta), ctx.Hash()) {
		t.Errorf("success marker does not hold the metadata:\n%s", meta)
	}
	parts, err := cloud.OpenParts(bg, bucket, "l3")
	if err != nil {
		t.Fatal(err)
	}
	defer parts.Close()
	if len(parts.Parts()) != 2 {
		t.Fatalf("want 2 parts but have %v", parts.Parts())
	}
	if diff := pretty.Diff(parts.FirstKeys(), []int64{-1, 5}); len(diff) > 0 {
		t.Errorf("first keys: %v", diff)
	}
	var cells []*calvalus.TemporalCell
	for {
		rec, err := parts.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		if rec.Key < 0 {
			p, err := tilecodec.UnmarshalPacked(rec.Payload)
			if err != nil {
				t.Fatal(err)
			}
			if !p.IsMetadata || !strings.Contains(p.Metadata, ctx.Hash()) {
				t.Errorf("wrong metadata record %+v", p)
			}
			continue
		}
		c, err := tilecodec.UnmarshalTemporalCell(rec.Payload, rec.Key)
		if err != nil {
			t.Fatal(err)
		}
		cells = append(cells, c)
	}
	if len(cells) != 2 {
		t.Fatalf("want 2 cells but have %d", len(cells))
	}
	out := ctx.CellManager().Finalize(cells[0])
	if out.Index != 1 || out.NumObs != 3 || out.NumPasses != 2 || out.Values[0] != 3 {
		t.Errorf("cell 1: have %+v", out)
	}
	out = ctx.CellManager().Finalize(cells[1])
	if out.Index != 5 || out.NumObs != 1 || out.NumPasses != 1 || out.Values[0] != 6 {
		t.Errorf("cell 5: have %+v", out)
	}

	sum, err := cloud.OpenParts(bg, bucket, summaryPrefix("l3"))
	if err != nil {
		t.Fatal(err)
	}
	defer sum.Close()
	var packed [][3]int16
	for {
		rec, err := sum.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		p, err := tilecodec.UnmarshalPacked(rec.Payload)
		if err != nil {
			t.Fatal(err)
		}
		packed = append(packed, p.Values)
	}
	if diff := pretty.Diff(packed, [][3]int16{{3, 2, 1}, {1, 1, 0}}); len(diff) > 0 {
		t.Errorf("summary: %v", diff)
	}
}

// TestBinInputError checks that a failed input leaves neither parts nor
// a success marker behind.
func TestBinInputError(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.csv", "lat,lon,chl\n45,0,2\n-45,170,6\n")
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	_, err := Bin(context.Background(), ctx, bucket, BinOptions{
		Inputs:        []string{a, filepath.Join(dir, "missing.csv")},
		Prefix:        "l3",
		NumPartitions: 2,
		TempDir:       t.TempDir(),
	}, logrus.StandardLogger())
	if err == nil {
		t.Fatal("want an error for a missing input")
	}
	iter := bucket.List(nil)
	for {
		obj, err := iter.Next(context.Background())
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		t.Errorf("object %s left behind", obj.Key)
	}
}

func TestFormat(t *testing.T) {
	ctx := testContext(t)
	bucket, _ := binTestData(t, ctx, nil)
	out := t.TempDir()
	files, err := Format(context.Background(), ctx, bucket, FormatOptions{
		Prefix:     "l3",
		OutputDir:  out,
		Product:    "l3.nc",
		Images:     []product.ImageConfig{{Name: "chl.png", Bands: []string{"chl_mean"}}},
		Attributes: map[string]string{"product_type": "L3"},
	}, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != filepath.Join(out, "l3.nc") {
		t.Fatalf("wrong files %v", files)
	}
	if _, err := os.Stat(files[1]); err != nil {
		t.Error(err)
	}

	nc := openNetCDF(t, files[0])
	obs := make([]int16, 8)
	read(t, nc, "num_obs", obs)
	if diff := pretty.Diff(obs, []int16{-1, 3, 3, -1, -1, -1, -1, 1}); len(diff) > 0 {
		t.Errorf("num_obs: %v", diff)
	}
	mean := make([]float32, 8)
	read(t, nc, "chl_mean", mean)
	for i, want := range []float32{3, 3, 6} {
		j := []int{1, 2, 7}[i]
		if mean[j] != want {
			t.Errorf("chl_mean[%d]: want %g but have %g", j, want, mean[j])
		}
	}
	if have := nc.Header.GetAttribute("", "product_type"); have != "L3" {
		t.Errorf("product_type: want L3 but have %v", have)
	}

	if _, err := Format(context.Background(), ctx, bucket, FormatOptions{Prefix: "l3", OutputDir: out}, logrus.StandardLogger()); err == nil {
		t.Error("want an error when there is nothing to format")
	}
}

func TestFormatWrongGrid(t *testing.T) {
	bucket, _ := binTestData(t, testContext(t), nil)
	other, err := calvalus.NewContext(calvalus.BinningConfig{
		NumRows:     4,
		Inputs:      []string{"chl"},
		Aggregators: []calvalus.AggregatorConfig{{Type: "AVG", VarName: "chl"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Format(context.Background(), other, bucket, FormatOptions{Prefix: "l3", OutputDir: t.TempDir(), Product: "l3.nc"}, logrus.StandardLogger())
	if err == nil {
		t.Error("want an error for parts binned on another grid")
	}
}

func TestMosaic(t *testing.T) {
	ctx := testContext(t)
	bucket, _ := binTestData(t, ctx, nil)
	out := t.TempDir()
	files, err := Mosaic(context.Background(), ctx, testGrid(t), bucket, MosaicOptions{
		Prefix:     "l3",
		OutputDir:  out,
		NameFormat: mosaic.DefaultNameFormat,
		TempDir:    t.TempDir(),
	}, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(out, "tile-v00-h01.nc"),
		filepath.Join(out, "tile-v00-h02.nc"),
		filepath.Join(out, "tile-v01-h03.nc"),
	}
	if diff := pretty.Diff(files, want); len(diff) > 0 {
		t.Fatal(diff)
	}
	nc := openNetCDF(t, files[2])
	obs := make([]int16, 1)
	read(t, nc, "num_obs", obs)
	mean := make([]float32, 1)
	read(t, nc, "chl_mean", mean)
	if obs[0] != 1 || mean[0] != 6 {
		t.Errorf("want 1 observation with mean 6 but have %d with %g", obs[0], mean[0])
	}
	if have := nc.Header.GetAttribute("", "processing_config_hash"); have != ctx.Hash() {
		t.Errorf("hash: want %s but have %v", ctx.Hash(), have)
	}
}

func TestMosaicWrongGrid(t *testing.T) {
	ctx := testContext(t)
	g, err := mosaic.NewGrid(mosaic.Config{MacroTileSize: 1, NumTileY: 4, TileSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = Mosaic(context.Background(), ctx, g, memblob.OpenBucket(nil), MosaicOptions{OutputDir: t.TempDir()}, logrus.StandardLogger())
	if err == nil {
		t.Error("want an error for a grid of another size")
	}
}

func TestVersionCmd(t *testing.T) {
	var b bytes.Buffer
	Root.SetOutput(&b)
	Root.SetArgs([]string{"version"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if want := "Calvalus v" + calvalus.Version + "\n"; b.String() != want {
		t.Errorf("want %q but have %q", want, b.String())
	}
}
