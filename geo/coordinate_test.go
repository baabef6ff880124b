package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCoordinate(t *testing.T) {
	c := NewCoordinate(95, 190, 50)
	require.Equal(t, 90.0, c.Lat)
	require.Equal(t, -170.0, c.Lon)
	require.Equal(t, 50.0, c.Alt)

	c = NewCoordinate(-100, -185, 0)
	require.Equal(t, -90.0, c.Lat)
	require.Equal(t, 175.0, c.Lon)
}

func TestWrapLongitude(t *testing.T) {
	require.Equal(t, 0.0, WrapLongitude(360))
	require.Equal(t, -170.0, WrapLongitude(190))
	require.Equal(t, 170.0, WrapLongitude(-190))
	require.Equal(t, -180.0, WrapLongitude(-180))
}

func TestCircumferenceAtLatitude(t *testing.T) {
	equator := Circumference(EarthRadius)
	require.InDelta(t, equator/2, CircumferenceAtLatitude(60, EarthRadius), 1e-6)
	require.InDelta(t, 0, CircumferenceAtLatitude(90, EarthRadius), 1e-6)
}

func TestFlatPointRoundTrip(t *testing.T) {
	c := NewCoordinate(48.85, 2.35, 120)

	p := c.ToPoint(EarthRadius, 0)
	got := ToCoordinate(p, EarthRadius, 0)

	require.InDelta(t, c.Lat, got.Lat, 1e-9)
	require.InDelta(t, c.Lon, got.Lon, 1e-9)
	require.InDelta(t, c.Alt, got.Alt, 1e-9)
}

func TestSpherePointRoundTrip(t *testing.T) {
	c := NewCoordinate(-33.86, 151.2, 2500)

	p := c.ToPoint(EarthRadius, 1)
	got := ToCoordinate(p, EarthRadius, 1)

	require.InDelta(t, c.Lat, got.Lat, 1e-9)
	require.InDelta(t, c.Lon, got.Lon, 1e-9)
	require.InDelta(t, c.Alt, got.Alt, 1e-6)
}

func TestSpherePointAtEquator(t *testing.T) {
	p := NewCoordinate(0, 0, 0).ToPoint(EarthRadius, 1)
	require.True(t, p.EqualWithEpsilon(Vec3{0, 0, EarthRadius}, 1e-6))

	p = NewCoordinate(90, 0, 0).ToPoint(EarthRadius, 1)
	require.True(t, p.EqualWithEpsilon(Vec3{0, EarthRadius, 0}, 1e-6))
}

func TestBlendedPoint(t *testing.T) {
	c := NewCoordinate(10, 20, 0)

	flat := c.ToPoint(EarthRadius, 0)
	sphere := c.ToPoint(EarthRadius, 1)
	half := c.ToPoint(EarthRadius, 0.5)

	require.True(t, half.EqualWithEpsilon(Lerp(flat, sphere, 0.5), 1e-6))
}

func TestDistanceTo(t *testing.T) {
	a := NewCoordinate(0, 0, 0)

	// One degree of latitude at the equator.
	b := NewCoordinate(1, 0, 0)
	require.InDelta(t, Circumference(EarthRadius)/360, a.DistanceTo(b, EarthRadius), 1e-6)

	// Pure altitude delta.
	b = NewCoordinate(0, 0, 1000)
	require.InDelta(t, 1000, a.DistanceTo(b, EarthRadius), 1e-9)

	// Longitude spans shrink towards the poles.
	near := NewCoordinate(60, 0, 0).DistanceTo(NewCoordinate(60, 1, 0), EarthRadius)
	far := NewCoordinate(0, 0, 0).DistanceTo(NewCoordinate(0, 1, 0), EarthRadius)
	require.Less(t, near, far)
}

func TestDistanceToAcrossAntimeridian(t *testing.T) {
	a := NewCoordinate(0, 179.5, 0)
	b := NewCoordinate(0, -179.5, 0)

	want := Circumference(EarthRadius) / 360
	require.InDelta(t, want, a.DistanceTo(b, EarthRadius), 1e-6)
	require.False(t, math.IsNaN(a.DistanceTo(b, EarthRadius)))
}
