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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/bcdev/calvalus2-sub005/mosaic"
	"github.com/bcdev/calvalus2-sub005/product"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// JobConfig is the content of a job file: the binning configuration
// together with the settings of the products made from its output.
type JobConfig struct {
	Binning calvalus.BinningConfig  `toml:"binning"`
	Mosaic  mosaic.Config           `toml:"mosaic"`
	Regions []calvalus.RegionConfig `toml:"region"`
	Images  []product.ImageConfig   `toml:"image"`
}

// ReadJobConfig reads a job file. Environment variables in file names
// within the file are expanded.
func ReadJobConfig(path string) (*JobConfig, error) {
	cfg := &JobConfig{Mosaic: mosaic.DefaultConfig()}
	if _, err := toml.DecodeFile(os.ExpandEnv(path), cfg); err != nil {
		return nil, fmt.Errorf("calvalus: reading job file: %v", err)
	}
	for i := range cfg.Images {
		cfg.Images[i].Name = os.ExpandEnv(cfg.Images[i].Name)
	}
	return cfg, nil
}

// l3Metadata is stored in the metadata record of L3 part files.
type l3Metadata struct {
	Version        string   `toml:"version"`
	ConfigHash     string   `toml:"configHash"`
	NumRows        int      `toml:"numRows"`
	Region         string   `toml:"region"`
	OutputFeatures []string `toml:"outputFeatures"`
}

func newL3Metadata(ctx *calvalus.Context) l3Metadata {
	return l3Metadata{
		Version:        calvalus.Version,
		ConfigHash:     ctx.Hash(),
		NumRows:        ctx.Grid().NumRows(),
		Region:         ctx.Config().Region,
		OutputFeatures: ctx.CellManager().OutputFeatureNames(),
	}
}

func (m l3Metadata) encode() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(m); err != nil {
		return "", fmt.Errorf("calvalus: encoding metadata: %v", err)
	}
	return b.String(), nil
}

func decodeL3Metadata(s string) (l3Metadata, error) {
	var m l3Metadata
	if _, err := toml.Decode(s, &m); err != nil {
		return m, fmt.Errorf("calvalus: decoding metadata: %v", err)
	}
	return m, nil
}

// checkMetadata compares the metadata of an L3 run with the context
// used to read it. Diverging fingerprints are only logged; diverging
// grids are an error.
func checkMetadata(m l3Metadata, ctx *calvalus.Context, log logrus.FieldLogger) error {
	if m.NumRows != ctx.Grid().NumRows() {
		return fmt.Errorf("calvalus: parts were binned on %d rows but the configuration has %d", m.NumRows, ctx.Grid().NumRows())
	}
	if m.ConfigHash != ctx.Hash() {
		log.WithFields(logrus.Fields{"parts": m.ConfigHash, "config": ctx.Hash()}).Warn("binning configuration differs from the one the parts were made with")
	}
	return nil
}

// LoadRegions reads regions from a TOML file holding [[region]] tables
// with name and wkt keys, or from a shapefile.
func LoadRegions(path string, filter calvalus.ShapefileFilter, log logrus.FieldLogger) ([]*calvalus.Region, error) {
	path = os.ExpandEnv(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return calvalus.ReadShapefileRegions(path, filter, log)
	case ".toml":
		var f struct {
			Region []calvalus.RegionConfig `toml:"region"`
		}
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("calvalus: reading regions: %v", err)
		}
		return calvalus.ParseRegions(f.Region, log), nil
	}
	return nil, fmt.Errorf("calvalus: regions must be given as a .toml or .shp file, not %s", path)
}

// GetStringMapString returns a map[string]string from the given
// configuration variable, which may hold a map or a JSON string.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case string:
		return cfg.GetStringMapString(varName)
	default:
		return cast.ToStringMapString(i)
	}
}

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	o := make([]string, len(s))
	for i, v := range s {
		o[i] = os.ExpandEnv(v)
	}
	return o
}
