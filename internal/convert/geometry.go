package convert

import (
	"fmt"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// toOrb converts a shapefile shape to the orb geometry it is stored as.
// Lines and polygons are always multi geometries; Z and M values are
// dropped. A nil shape converts to a nil geometry.
func toOrb(s shp.Shape) (orb.Geometry, error) {
	switch g := s.(type) {
	case nil:
		return nil, nil
	case *shp.Point:
		return orb.Point{g.X, g.Y}, nil
	case *shp.PointZ:
		return orb.Point{g.X, g.Y}, nil
	case *shp.MultiPoint:
		return multiPoint(g.Points), nil
	case *shp.MultiPointZ:
		return multiPoint(g.Points), nil
	case *shp.PolyLine:
		return multiLineString(g.Parts, g.Points), nil
	case *shp.PolyLineZ:
		return multiLineString(g.Parts, g.Points), nil
	case *shp.Polygon:
		return multiPolygon(g.Parts, g.Points), nil
	case *shp.PolygonZ:
		return multiPolygon(g.Parts, g.Points), nil
	default:
		return nil, fmt.Errorf("unsupported shape %T", s)
	}
}

func multiPoint(points []shp.Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// parts splits points at the part offsets.
func parts(offsets []int32, points []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(offsets))
	for i, start := range offsets {
		end := int32(len(points))
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if start < 0 || start > end || end > int32(len(points)) {
			continue
		}
		part := make([]orb.Point, 0, end-start)
		for _, p := range points[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}

func multiLineString(offsets []int32, points []shp.Point) orb.MultiLineString {
	var mls orb.MultiLineString
	for _, p := range parts(offsets, points) {
		mls = append(mls, orb.LineString(p))
	}
	return mls
}

// multiPolygon groups rings into polygons. Shapefile outer rings are
// clockwise and holes counter-clockwise; a hole belongs to the first outer
// ring containing it, or the last one when none does.
func multiPolygon(offsets []int32, points []shp.Point) orb.MultiPolygon {
	var mp orb.MultiPolygon
	var holes []orb.Ring
	for _, p := range parts(offsets, points) {
		ring := orb.Ring(p)
		if len(ring) < 4 {
			continue
		}
		if ring.Orientation() == orb.CCW {
			holes = append(holes, ring)
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}

	if len(mp) == 0 {
		// Only counter-clockwise rings: the file ignores the winding rule.
		for _, h := range holes {
			mp = append(mp, orb.Polygon{h})
		}
		return mp
	}
	for _, h := range holes {
		owner := len(mp) - 1
		for i, poly := range mp {
			if planar.RingContains(poly[0], h[0]) {
				owner = i
				break
			}
		}
		mp[owner] = append(mp[owner], h)
	}
	return mp
}
