package service

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// TriggerFunc reports whether a single point triggers a fence. It must be pure.
type TriggerFunc func(p Point, f GeoFence) bool

// IsTriggered is the default TriggerFunc. Inbound fences fire while the point is
// inside the geometry, outbound fences while it is outside. Fences with no usable
// geometry never fire.
func IsTriggered(p Point, f GeoFence) bool {
	if f.Geometry == nil || f.Geometry.Coordinates == nil {
		return false
	}
	inside, ok := contains(f.Geometry.Geometry(), f.RadiusMeters, orb.Point{p.Lon, p.Lat})
	if !ok {
		return false
	}
	if f.FenceType == FenceOutbound {
		return !inside
	}
	return inside
}

func contains(g orb.Geometry, radius float64, pt orb.Point) (inside, ok bool) {
	switch g := g.(type) {
	case orb.Point:
		if radius <= 0 {
			return false, false
		}
		return geo.Distance(g, pt) <= radius, true
	case orb.Polygon:
		return planar.PolygonContains(g, pt), true
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, pt), true
	}
	return false, false
}

// anyTriggered ORs the trigger over the whole batch.
func anyTriggered(trigger TriggerFunc, points []Point, f GeoFence) bool {
	for _, p := range points {
		if trigger(p, f) {
			return true
		}
	}
	return false
}
