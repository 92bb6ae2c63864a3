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
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"
	lru "github.com/hashicorp/golang-lru/v2"
	goshp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"github.com/sirupsen/logrus"
)

// Region is a named area in geographic coordinates (X = longitude,
// Y = latitude).
type Region struct {
	Name string
	geom.Polygonal
}

// Contains reports whether the coordinate lies inside the region or on
// its edge.
func (r *Region) Contains(lat, lon float64) bool {
	return geom.Point{X: lon, Y: lat}.Within(r.Polygonal) != geom.Outside
}

// RegionConfig defines a region by its name and a WKT polygon or
// multipolygon.
type RegionConfig struct {
	Name string `toml:"name"`
	WKT  string `toml:"wkt"`
}

// ParseWKTRegion parses a WKT POLYGON or MULTIPOLYGON into a region.
func ParseWKTRegion(name, s string) (*Region, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("calvalus: region %s: %v", name, err)
	}
	var p geom.Polygonal
	switch t := g.(type) {
	case orb.Polygon:
		if err := validPolygon(t); err != nil {
			return nil, fmt.Errorf("calvalus: region %s: %v", name, err)
		}
		p = fromOrb(t)
	case orb.MultiPolygon:
		mp := make(geom.MultiPolygon, len(t))
		for i, pp := range t {
			if err := validPolygon(pp); err != nil {
				return nil, fmt.Errorf("calvalus: region %s: polygon %d: %v", name, i, err)
			}
			mp[i] = fromOrb(pp)
		}
		p = mp
	default:
		return nil, fmt.Errorf("calvalus: region %s: geometry must be a polygon but is %s", name, g.GeoJSONType())
	}
	return &Region{Name: name, Polygonal: p}, nil
}

// ParseRegions parses all region configurations. Regions with invalid
// geometry are skipped with a warning.
func ParseRegions(cfgs []RegionConfig, log logrus.FieldLogger) []*Region {
	var o []*Region
	for _, c := range cfgs {
		r, err := ParseWKTRegion(c.Name, c.WKT)
		if err != nil {
			log.WithFields(logrus.Fields{"region": c.Name}).Warnf("skipping region: %v", err)
			continue
		}
		o = append(o, r)
	}
	return o
}

// validPolygon checks that every ring of p is closed and simple, has at
// least four points with finite coordinates, and has a non-zero area.
func validPolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return fmt.Errorf("empty polygon")
	}
	for i, r := range p {
		if len(r) < 4 {
			return fmt.Errorf("ring %d has %d points", i, len(r))
		}
		if !r.Closed() {
			return fmt.Errorf("ring %d is not closed", i)
		}
		for _, pt := range r {
			if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) || math.IsInf(pt[0], 0) || math.IsInf(pt[1], 0) {
				return fmt.Errorf("ring %d has invalid coordinates", i)
			}
		}
		if planar.Area(r) == 0 {
			return fmt.Errorf("ring %d has zero area", i)
		}
		if a, b, ok := selfIntersection(r); ok {
			return fmt.Errorf("ring %d intersects itself between edges %d and %d", i, a, b)
		}
	}
	return nil
}

// selfIntersection returns the first pair of non-adjacent edges of the
// closed ring r that touch or cross.
func selfIntersection(r orb.Ring) (int, int, bool) {
	n := len(r) - 1 // number of edges
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue // the closing edge is adjacent to the first one
			}
			if segmentsIntersect(r[i], r[i+1], r[j], r[j+1]) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)
	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

// orientation is positive if c lies left of the line from a to b,
// negative if it lies right of it and zero if the three are collinear.
func orientation(a, b, c orb.Point) float64 {
	v := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment reports whether c, collinear with a and b, lies between them.
func onSegment(a, b, c orb.Point) bool {
	return math.Min(a[0], b[0]) <= c[0] && c[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= c[1] && c[1] <= math.Max(a[1], b[1])
}

func fromOrb(p orb.Polygon) geom.Polygon {
	o := make(geom.Polygon, len(p))
	for i, r := range p {
		o[i] = make([]geom.Point, len(r))
		for j, pt := range r {
			o[i][j] = geom.Point{X: pt[0], Y: pt[1]}
		}
	}
	return o
}

func toOrb(p geom.Polygon) orb.Polygon {
	o := make(orb.Polygon, len(p))
	for i, r := range p {
		o[i] = make(orb.Ring, len(r))
		for j, pt := range r {
			o[i][j] = orb.Point{pt.X, pt.Y}
		}
	}
	return o
}

// geographic is the spatial reference of region coordinates.
const geographic = "+proj=longlat +datum=WGS84 +no_defs"

var prjMetadata = regexp.MustCompile(`,\s*METADATA\s*\[[^\]]+\]`)

// ShapefileFilter selects features of a shapefile and names them.
type ShapefileFilter struct {
	// Attribute, if set together with Values, keeps only features whose
	// Attribute value is one of Values. It also names the regions if it
	// is a string attribute.
	Attribute string
	Values    []string
}

// ParseFilterValues splits a comma-separated list of attribute values.
func ParseFilterValues(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var o []string
	for _, v := range strings.Split(s, ",") {
		o = append(o, strings.TrimSpace(v))
	}
	return o
}

// nameAttribute returns the attribute used to name regions: the
// requested attribute if it holds strings, otherwise the first string
// attribute. An empty result means regions are numbered.
func nameAttribute(fields []goshp.Field, requested string) string {
	if requested == "" {
		return ""
	}
	for _, f := range fields {
		if strings.EqualFold(f.String(), requested) && f.Fieldtype == 'C' {
			return f.String()
		}
	}
	for _, f := range fields {
		if f.Fieldtype == 'C' {
			return f.String()
		}
	}
	return ""
}

// ReadShapefileRegions reads the polygons of a shapefile as regions,
// transforming them to geographic coordinates if the shapefile has a
// .prj file. Features that are not valid polygons are skipped with a
// warning.
func ReadShapefileRegions(path string, filter ShapefileFilter, log logrus.FieldLogger) ([]*Region, error) {
	base := strings.TrimSuffix(path, ".shp")
	schema, err := goshp.Open(base + ".shp")
	if err != nil {
		return nil, fmt.Errorf("calvalus: opening shapefile: %v", err)
	}
	nameAttr := nameAttribute(schema.Fields(), filter.Attribute)
	schema.Close()

	trans, err := shapefileTransform(base + ".prj")
	if err != nil {
		return nil, err
	}

	var fields []string
	if nameAttr != "" {
		fields = append(fields, nameAttr)
	}
	useFilter := filter.Attribute != "" && len(filter.Values) > 0
	allowed := make(map[string]bool)
	if useFilter {
		for _, v := range filter.Values {
			allowed[v] = true
		}
		if filter.Attribute != nameAttr {
			fields = append(fields, filter.Attribute)
		}
	}

	d, err := shp.NewDecoder(base + ".shp")
	if err != nil {
		return nil, fmt.Errorf("calvalus: opening shapefile: %v", err)
	}
	defer d.Close()

	var o []*Region
	ordinal := 0
	for {
		g, vals, more := d.DecodeRowFields(fields...)
		if !more {
			break
		}
		if useFilter && !allowed[strings.TrimSpace(vals[filter.Attribute])] {
			continue
		}
		name := strconv.Itoa(ordinal)
		ordinal++
		if nameAttr != "" {
			name = strings.TrimSpace(vals[nameAttr])
		}
		if trans != nil {
			if g, err = g.Transform(trans); err != nil {
				return nil, fmt.Errorf("calvalus: region %s: %v", name, err)
			}
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			log.WithFields(logrus.Fields{"region": name}).Warnf("skipping region: geometry is %T, not a polygon", g)
			continue
		}
		if err := checkPolygonal(p); err != nil {
			log.WithFields(logrus.Fields{"region": name}).Warnf("skipping region: %v", err)
			continue
		}
		o = append(o, &Region{Name: name, Polygonal: p})
	}
	if err := d.Error(); err != nil {
		return nil, fmt.Errorf("calvalus: reading shapefile: %v", err)
	}
	return o, nil
}

func checkPolygonal(p geom.Polygonal) error {
	for _, pp := range p.Polygons() {
		if err := validPolygon(toOrb(pp)); err != nil {
			return err
		}
	}
	return nil
}

// shapefileTransform returns the transform from the spatial reference in
// prjFile to geographic coordinates, or nil if there is no such file.
func shapefileTransform(prjFile string) (proj.Transformer, error) {
	b, err := os.ReadFile(prjFile)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("calvalus: reading projection: %v", err)
	}
	src, err := proj.Parse(prjMetadata.ReplaceAllString(strings.TrimSpace(string(b)), ""))
	if err != nil {
		return nil, fmt.Errorf("calvalus: parsing projection: %v", err)
	}
	dst, err := proj.Parse(geographic)
	if err != nil {
		return nil, err
	}
	t, err := src.NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("calvalus: projection transform: %v", err)
	}
	return t, nil
}

// RegionRouter finds the regions that contain the centre of a grid
// cell. It is safe for concurrent use.
type RegionRouter struct {
	grid  *SEAGrid
	index *rtree.Rtree
	cache *lru.Cache[int64, []string]
}

// NewRegionRouter indexes regions for routing cells of grid g. Results
// for up to cacheSize cells are cached.
func NewRegionRouter(g *SEAGrid, regions []*Region, cacheSize int) (*RegionRouter, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := lru.New[int64, []string](cacheSize)
	if err != nil {
		return nil, err
	}
	r := &RegionRouter{grid: g, index: rtree.NewTree(25, 50), cache: c}
	for _, reg := range regions {
		r.index.Insert(reg)
	}
	return r, nil
}

// Route returns the sorted names of the regions containing the centre of
// cell idx. Metadata records belong to no region.
func (r *RegionRouter) Route(idx int64) []string {
	if idx < 0 {
		return nil
	}
	if names, ok := r.cache.Get(idx); ok {
		return names
	}
	lat, lon := r.grid.Center(idx)
	p := geom.Point{X: lon, Y: lat}
	var names []string
	for _, g := range r.index.SearchIntersect(p.Bounds()) {
		reg := g.(*Region)
		if p.Within(reg.Polygonal) != geom.Outside {
			names = append(names, reg.Name)
		}
	}
	sort.Strings(names)
	r.cache.Add(idx, names)
	return names
}
