package grid

import (
	"fmt"
	"math"

	"github.com/geodrift/strata/geo"
)

// Index identifies one cell of a 2D grid. X and Y address the cell, W and
// H carry the total grid dimensions so indices from different grids never
// compare equal. Equality and hashing are structural.
type Index struct {
	X int32
	Y int32
	W int32
	H int32
}

func (i Index) String() string {
	return fmt.Sprintf("%d/%d@%dx%d", i.X, i.Y, i.W, i.H)
}

// SameDimensions reports whether two indices address cells of the same
// grid and are therefore comparable.
func (i Index) SameDimensions(o Index) bool {
	return i.W == o.W && i.H == o.H
}

// Valid reports whether the index addresses a cell inside its grid.
func (i Index) Valid() bool {
	return i.W > 0 && i.H > 0 &&
		i.X >= 0 && i.X < i.W &&
		i.Y >= 0 && i.Y < i.H
}

// Dimensions returns the tile counts of a grid at the given zoom level.
// The longitude axis holds 2^zoom tiles; the latitude axis is scaled by
// ratio (1 for square grids, 0.5 for full globe geographic tiling).
func Dimensions(zoom int, ratio float64) (int32, int32) {
	if zoom < 0 {
		zoom = 0
	}
	w := int32(1) << uint(zoom)

	if ratio <= 0 {
		ratio = 1
	}
	h := int32(math.Round(float64(w) * ratio))
	if h < 1 {
		h = 1
	}
	return w, h
}

// CellCenter returns the geodetic center of the cell. The grid spans the
// full longitude range [-180, 180] and latitude range [-90, 90].
func CellCenter(i Index) geo.Coordinate {
	return geo.NewCoordinate(
		-90+(float64(i.Y)+0.5)*180/float64(i.H),
		-180+(float64(i.X)+0.5)*360/float64(i.W),
		0,
	)
}

// IndexAt returns the index of the cell containing the given coordinate in
// a grid of the given dimensions.
func IndexAt(c geo.Coordinate, w, h int32) Index {
	x := int32(math.Floor((c.Lon + 180) / 360 * float64(w)))
	y := int32(math.Floor((c.Lat + 90) / 180 * float64(h)))

	// The east and north edges belong to the last cell.
	if x >= w {
		x = w - 1
	}
	if y >= h {
		y = h - 1
	}
	return Index{X: x, Y: y, W: w, H: h}
}

// ComputeCoveredIndices returns the set of cells covered by a disk of
// viewRadius meters around center. A cell is covered when its center falls
// within the radius, which keeps the result deterministic and independent
// of iteration order. Longitude wraps at the antimeridian; rows are
// clamped at the poles.
func ComputeCoveredIndices(center geo.Coordinate, w, h int32, viewRadius, planetRadius float64) map[Index]struct{} {
	covered := make(map[Index]struct{})
	if w <= 0 || h <= 0 || viewRadius <= 0 {
		return covered
	}

	latDegPerMeter := 360 / geo.Circumference(planetRadius)
	latRadius := viewRadius * latDegPerMeter

	yMin := int32(math.Floor((center.Lat - latRadius + 90) / 180 * float64(h)))
	yMax := int32(math.Floor((center.Lat + latRadius + 90) / 180 * float64(h)))
	if yMin < 0 {
		yMin = 0
	}
	if yMax > h-1 {
		yMax = h - 1
	}

	flatCenter := geo.NewCoordinate(center.Lat, center.Lon, 0)

	for y := yMin; y <= yMax; y++ {
		rowLat := -90 + (float64(y)+0.5)*180/float64(h)

		parallel := geo.CircumferenceAtLatitude(rowLat, planetRadius)
		var xMin, xMax int32
		if parallel <= viewRadius*2 {
			// The whole parallel fits in the view disk, near a pole.
			xMin, xMax = 0, w-1
		} else {
			lonRadius := viewRadius * 360 / parallel
			xMin = int32(math.Floor((center.Lon - lonRadius + 180) / 360 * float64(w)))
			xMax = int32(math.Floor((center.Lon + lonRadius + 180) / 360 * float64(w)))
			if xMax-xMin >= w {
				xMin, xMax = 0, w-1
			}
		}

		for x := xMin; x <= xMax; x++ {
			// Wrap around the antimeridian seam.
			wx := ((x % w) + w) % w

			idx := Index{X: wx, Y: y, W: w, H: h}
			if flatCenter.DistanceTo(CellCenter(idx), planetRadius) <= viewRadius {
				covered[idx] = struct{}{}
			}
		}
	}

	return covered
}
