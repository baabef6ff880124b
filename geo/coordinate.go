package geo

import "math"

// EarthRadius is the default planet radius in meters.
const EarthRadius = 6378137.0

// Coordinate is an immutable geodetic position. Latitude is clamped to
// [-90, 90], longitude wraps around at the antimeridian, altitude is
// unconstrained.
type Coordinate struct {
	Lat float64
	Lon float64
	Alt float64
}

func NewCoordinate(lat, lon, alt float64) Coordinate {
	return Coordinate{
		Lat: clampLatitude(lat),
		Lon: WrapLongitude(lon),
		Alt: alt,
	}
}

func clampLatitude(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

// WrapLongitude maps any longitude into [-180, 180].
func WrapLongitude(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

// Circumference returns the planet circumference at the equator.
func Circumference(radius float64) float64 {
	return 2 * math.Pi * radius
}

// CircumferenceAtLatitude returns the circumference of the parallel at the
// given latitude. Used for latitude based tile size compensation on
// spherical bodies.
func CircumferenceAtLatitude(lat, radius float64) float64 {
	return Circumference(radius) * math.Cos(lat*math.Pi/180)
}

// ToPoint converts the coordinate to a planet local Cartesian point.
// sphericalRatio blends between the flat projection (0) and the planet
// centered spherical mapping (1).
func (c Coordinate) ToPoint(radius, sphericalRatio float64) Vec3 {
	flat := c.toFlatPoint(radius)
	if sphericalRatio <= 0 {
		return flat
	}

	sphere := c.toSpherePoint(radius)
	if sphericalRatio >= 1 {
		return sphere
	}
	return Lerp(flat, sphere, sphericalRatio)
}

func (c Coordinate) toFlatPoint(radius float64) Vec3 {
	meridian := Circumference(radius)
	return Vec3{
		X: c.Lon / 360 * meridian,
		Y: c.Alt,
		Z: c.Lat / 360 * meridian,
	}
}

func (c Coordinate) toSpherePoint(radius float64) Vec3 {
	lat := c.Lat * math.Pi / 180
	lon := c.Lon * math.Pi / 180
	r := radius + c.Alt

	return Vec3{
		X: r * math.Cos(lat) * math.Sin(lon),
		Y: r * math.Sin(lat),
		Z: r * math.Cos(lat) * math.Cos(lon),
	}
}

// ToCoordinate is the inverse of Coordinate.ToPoint. It is exact for
// sphericalRatio 0 and 1 and blends the flat and spherical inverses for
// intermediate ratios.
func ToCoordinate(p Vec3, radius, sphericalRatio float64) Coordinate {
	if sphericalRatio <= 0 {
		return fromFlatPoint(p, radius)
	}
	if sphericalRatio >= 1 {
		return fromSpherePoint(p, radius)
	}

	flat := fromFlatPoint(p, radius)
	sphere := fromSpherePoint(p, radius)
	return NewCoordinate(
		flat.Lat+(sphere.Lat-flat.Lat)*sphericalRatio,
		flat.Lon+(sphere.Lon-flat.Lon)*sphericalRatio,
		flat.Alt+(sphere.Alt-flat.Alt)*sphericalRatio,
	)
}

func fromFlatPoint(p Vec3, radius float64) Coordinate {
	meridian := Circumference(radius)
	return NewCoordinate(
		p.Z/meridian*360,
		p.X/meridian*360,
		p.Y,
	)
}

func fromSpherePoint(p Vec3, radius float64) Coordinate {
	r := p.Length()
	if r == 0 {
		return NewCoordinate(0, 0, -radius)
	}

	return NewCoordinate(
		math.Asin(p.Y/r)*180/math.Pi,
		math.Atan2(p.X, p.Z)*180/math.Pi,
		r-radius,
	)
}

// DistanceTo returns the local ground distance in meters between two
// coordinates, including the altitude delta. Longitude spans are scaled by
// the circumference at the midpoint latitude so the metric stays uniform
// towards the poles.
func (c Coordinate) DistanceTo(o Coordinate, radius float64) float64 {
	midLat := (c.Lat + o.Lat) / 2

	dLon := WrapLongitude(o.Lon-c.Lon) / 360 * CircumferenceAtLatitude(midLat, radius)
	dLat := (o.Lat - c.Lat) / 360 * Circumference(radius)
	dAlt := o.Alt - c.Alt

	return math.Sqrt(dLon*dLon + dLat*dLat + dAlt*dAlt)
}
