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

	"github.com/bcdev/calvalus2-sub005/internal/hash"
	"github.com/ctessum/geom"
)

// Version is the version of the Calvalus binning tools.
const Version = "2.0.0"

// BinningConfig holds the configuration of a binning run.
type BinningConfig struct {
	// NumRows is the number of rows of the planetary grid.
	NumRows int `toml:"numRows"`

	// SuperSampling is the number of raster pixels per grid row used
	// when formatting products.
	SuperSampling int `toml:"superSampling"`

	// Inputs names the values of each observation record.
	Inputs []string `toml:"inputs"`

	MaskExpr    string             `toml:"maskExpr"`
	Variables   []VariableConfig   `toml:"variables"`
	Aggregators []AggregatorConfig `toml:"aggregators"`

	// CellKind selects how cells are allocated: "heap" or "arena".
	CellKind string `toml:"cellKind"`

	PostProcess PostProcessConfig `toml:"postProcess"`

	// Region is an optional WKT polygon. Observations outside of it are
	// ignored and products cover only its bounding box.
	Region string `toml:"region"`
}

// Context holds everything derived from a BinningConfig. It is created
// once per run, never modified afterwards, and safe for concurrent use.
type Context struct {
	cfg    BinningConfig
	grid   *SEAGrid
	vars   *VariableContext
	layout *cellLayout
	kind   CellKind
	post   PostProcessor
	region *Region
	hash   string
}

// NewContext validates cfg and builds a Context from it. Aggregators are
// looked up in reg, or in DefaultRegistry if reg is nil.
func NewContext(cfg BinningConfig, reg Registry) (*Context, error) {
	if cfg.NumRows == 0 {
		cfg.NumRows = DefaultNumRows
	}
	if cfg.SuperSampling == 0 {
		cfg.SuperSampling = 1
	}
	if cfg.SuperSampling < 0 {
		return nil, fmt.Errorf("calvalus: super sampling must be positive but is %d", cfg.SuperSampling)
	}
	if len(cfg.Aggregators) == 0 {
		return nil, fmt.Errorf("calvalus: no aggregators configured")
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	c := &Context{cfg: cfg, hash: hash.Hash(cfg)}
	var err error
	if c.grid, err = NewSEAGrid(cfg.NumRows); err != nil {
		return nil, err
	}
	if c.kind, err = ParseCellKind(cfg.CellKind); err != nil {
		return nil, err
	}
	if c.vars, err = NewVariableContext(cfg.Inputs, cfg.Variables, cfg.MaskExpr); err != nil {
		return nil, err
	}
	aggs := make([]Aggregator, len(cfg.Aggregators))
	for i, ac := range cfg.Aggregators {
		if aggs[i], err = reg.New(c.vars, ac); err != nil {
			return nil, err
		}
	}
	c.layout = newCellLayout(aggs)
	if c.post, err = newPostProcessor(cfg.PostProcess, c.layout.temporalNames); err != nil {
		return nil, err
	}
	if cfg.Region != "" {
		if c.region, err = ParseWKTRegion("roi", cfg.Region); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Config returns the configuration with defaults applied.
func (c *Context) Config() BinningConfig { return c.cfg }

// Grid returns the planetary grid.
func (c *Context) Grid() *SEAGrid { return c.grid }

// Variables returns the variable context.
func (c *Context) Variables() *VariableContext { return c.vars }

// SuperSampling returns the number of raster pixels per grid row.
func (c *Context) SuperSampling() int { return c.cfg.SuperSampling }

// Region returns the region of interest, or nil for the whole globe.
func (c *Context) Region() *Region { return c.region }

// Bounds returns the bounds of the region of interest, or nil.
func (c *Context) Bounds() *geom.Bounds {
	if c.region == nil {
		return nil
	}
	return c.region.Bounds()
}

// PostProcessor returns the post-processing chain, or nil.
func (c *Context) PostProcessor() PostProcessor { return c.post }

// Hash returns a fingerprint of the configuration.
func (c *Context) Hash() string { return c.hash }

// CellManager returns a new cell manager for use by one worker.
func (c *Context) CellManager() *CellManager {
	return &CellManager{cellLayout: c.layout, factory: c.kind.Factory()}
}

// RasterSize returns the size in pixels of the global raster products
// are cut from.
func (c *Context) RasterSize() (width, height int) {
	height = c.grid.NumRows() * c.cfg.SuperSampling
	return 2 * height, height
}
