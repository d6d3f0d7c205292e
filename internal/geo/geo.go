// Package geo extracts bounds and a compact summary from a GeoJSON area of interest.
package geo

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"

	"github.com/terrachat/terrachat/pkg/types"
)

// Position is a longitude/latitude pair.
type Position struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Bounds is the axis-aligned bounding box of a geometry.
type Bounds struct {
	MinLon float64  `json:"min_lon"`
	MaxLon float64  `json:"max_lon"`
	MinLat float64  `json:"min_lat"`
	MaxLat float64  `json:"max_lat"`
	Center Position `json:"center"`
}

// Summary is what the prompt builder needs to know about an area.
type Summary struct {
	Center        Position `json:"center"`
	Bounds        Bounds   `json:"bounds"`
	WidthDegrees  float64  `json:"width_degrees"`
	HeightDegrees float64  `json:"height_degrees"`
}

// Geometry is a parsed GeoJSON object. Features and collections are
// folded into one orb.Collection; Shape is nil for a feature without
// geometry.
type Geometry struct {
	Type  string
	Shape orb.Geometry
}

// geometryTypes are the GeoJSON geometry objects an area may use.
var geometryTypes = map[string]bool{
	"Point":              true,
	"MultiPoint":         true,
	"LineString":         true,
	"MultiLineString":    true,
	"Polygon":            true,
	"MultiPolygon":       true,
	"GeometryCollection": true,
}

// Parse validates raw as GeoJSON and decodes it. Any structural problem
// is reported as a *types.ValidationError.
func Parse(raw json.RawMessage) (*Geometry, error) {
	doc := gjson.ParseBytes(raw)
	if !gjson.ValidBytes(raw) || !doc.IsObject() {
		return nil, invalid("must be a GeoJSON object")
	}
	typ := doc.Get("type").String()
	if typ == "" {
		return nil, invalid("missing type")
	}

	g := &Geometry{Type: typ}
	switch typ {
	case "Feature":
		if err := checkFeature(doc); err != nil {
			return nil, err
		}
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, decodeError(err)
		}
		g.Shape = f.Geometry

	case "FeatureCollection":
		for i, f := range doc.Get("features").Array() {
			if f.Get("type").String() != "Feature" {
				return nil, invalid(fmt.Sprintf("features[%d] must be a Feature", i))
			}
			if err := checkFeature(f); err != nil {
				return nil, err
			}
		}
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return nil, decodeError(err)
		}
		shapes := orb.Collection{}
		for _, f := range fc.Features {
			if f.Geometry != nil {
				shapes = append(shapes, f.Geometry)
			}
		}
		g.Shape = shapes

	default:
		if err := checkGeometry(doc, "unsupported type"); err != nil {
			return nil, err
		}
		decoded, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, decodeError(err)
		}
		g.Shape = decoded.Geometry()
	}

	if b, ok := g.bound(); ok {
		if b.Min.Lon() < -180 || b.Max.Lon() > 180 || b.Min.Lat() < -90 || b.Max.Lat() > 90 {
			return nil, invalid(fmt.Sprintf("positions span [%g, %g] to [%g, %g], out of range",
				b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()))
		}
	}
	return g, nil
}

func checkFeature(f gjson.Result) error {
	geometry := f.Get("geometry")
	if !geometry.Exists() || geometry.Type == gjson.Null {
		return nil
	}
	if !geometry.IsObject() {
		return invalid("feature geometry must be an object")
	}
	return checkGeometry(geometry, "unsupported feature geometry")
}

// checkGeometry rejects what decoding alone would accept: unknown types,
// missing coordinates and positions with a single value, which decode as
// if the latitude were zero.
func checkGeometry(g gjson.Result, unsupported string) error {
	typ := g.Get("type").String()
	if !geometryTypes[typ] {
		return invalid(fmt.Sprintf("%s %q", unsupported, typ))
	}
	if typ == "GeometryCollection" {
		for _, member := range g.Get("geometries").Array() {
			if err := checkGeometry(member, unsupported); err != nil {
				return err
			}
		}
		return nil
	}
	coords := g.Get("coordinates")
	if !coords.IsArray() {
		return invalid("coordinates missing or malformed")
	}
	if shortPosition(coords) {
		return invalid("position needs longitude and latitude")
	}
	return nil
}

func shortPosition(coords gjson.Result) bool {
	items := coords.Array()
	if len(items) == 0 {
		return false
	}
	if items[0].Type == gjson.Number {
		return len(items) < 2
	}
	for _, item := range items {
		if item.IsArray() && shortPosition(item) {
			return true
		}
	}
	return false
}

func (g *Geometry) bound() (orb.Bound, bool) {
	if g == nil || g.Shape == nil {
		return orb.Bound{}, false
	}
	b := g.Shape.Bound()
	if b.IsEmpty() {
		return orb.Bound{}, false
	}
	return b, true
}

// Bounds returns the bounding box of g, or false when g holds no positions.
func (g *Geometry) Bounds() (Bounds, bool) {
	b, ok := g.bound()
	if !ok {
		return Bounds{}, false
	}
	center := b.Center()
	return Bounds{
		MinLon: b.Min.Lon(),
		MaxLon: b.Max.Lon(),
		MinLat: b.Min.Lat(),
		MaxLat: b.Max.Lat(),
		Center: Position{Lon: center.Lon(), Lat: center.Lat()},
	}, true
}

// Summarize returns the centre, bounds and extent of g.
func (g *Geometry) Summarize() (*Summary, bool) {
	b, ok := g.Bounds()
	if !ok {
		return nil, false
	}
	return &Summary{
		Center:        b.Center,
		Bounds:        b,
		WidthDegrees:  b.MaxLon - b.MinLon,
		HeightDegrees: b.MaxLat - b.MinLat,
	}, true
}

// Summarize parses raw and summarizes it in one step.
func Summarize(raw json.RawMessage) (*Summary, error) {
	g, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	s, _ := g.Summarize()
	return s, nil
}

func decodeError(err error) error {
	return invalid(fmt.Sprintf("malformed GeoJSON: %v", err))
}

func invalid(msg string) error {
	return &types.ValidationError{Field: "area_of_interest", Message: msg}
}
