package grid

import (
	"math"
	"time"

	"github.com/geodrift/strata/geo"
)

const (
	// Geo center moves below these thresholds since the last committed
	// position do not count as a grid change.
	changeThresholdDeg = 0.0001
	changeThresholdAlt = 1.0
)

// Descriptor describes one cascade grid of a camera: its geo center, tile
// dimensions, effective tile size in meters and the zoom range in which
// loaded cells are collider eligible. Descriptors are recomputed every
// tick and never persisted.
type Descriptor struct {
	Camera          string
	Center          geo.Coordinate
	Zoom            int
	W               int32
	H               int32
	Size            float64
	ColliderMinZoom int
	ColliderMaxZoom int
}

// Indices returns the covered cell set of the descriptor.
func (d Descriptor) Indices(planetRadius float64) map[Index]struct{} {
	return ComputeCoveredIndices(d.Center, d.W, d.H, d.Size, planetRadius)
}

// TrackerOptions configures a camera grid tracker.
type TrackerOptions struct {
	// Inclusive cascade zoom range.
	MinZoom int
	MaxZoom int

	// Base multiplier applied to the cell extent to obtain the effective
	// tile size.
	BaseSizeMultiplier float64

	// Latitude over longitude tile count ratio, see Dimensions.
	DimensionRatio float64

	// Motion damping. Moves below DeadZone meters are ignored; beyond it
	// the offset grows by OffsetMultiplier per normalized motion unit,
	// capped at OffsetMaximum, and decays linearly to zero over
	// OffsetDuration once motion settles.
	DeadZone         float64
	OffsetMultiplier float64
	OffsetMaximum    float64
	OffsetDuration   time.Duration

	// Collider eligibility zoom range threaded through to load scopes.
	ColliderMinZoom int
	ColliderMaxZoom int

	PlanetRadius   float64
	SphericalRatio float64
}

func (o TrackerOptions) normalized() TrackerOptions {
	if o.MaxZoom < o.MinZoom {
		o.MaxZoom = o.MinZoom
	}
	if o.BaseSizeMultiplier <= 0 {
		o.BaseSizeMultiplier = 1
	}
	if o.DimensionRatio <= 0 {
		o.DimensionRatio = 1
	}
	if o.PlanetRadius <= 0 {
		o.PlanetRadius = geo.EarthRadius
	}
	return o
}

// Tracker computes the cascaded grid set for one camera. It is owned by
// the scheduler loop.
type Tracker struct {
	opts   TrackerOptions
	id     string
	camera *geo.Transform
	target *geo.Transform
	origin *geo.Origin

	hasLast bool
	lastGeo geo.Coordinate

	hasCommitted bool
	committed    geo.Coordinate

	offset        float64
	offsetUpdated time.Time

	descriptors []Descriptor
}

func NewTracker(id string, camera *geo.Transform, origin *geo.Origin, opts TrackerOptions) *Tracker {
	return &Tracker{
		opts:   opts.normalized(),
		id:     id,
		camera: camera,
		origin: origin,
	}
}

func (t *Tracker) ID() string {
	return t.id
}

func (t *Tracker) Camera() *geo.Transform {
	return t.camera
}

// SetTarget switches grid centering from the camera to a look-at target
// controller, or back when target is nil. Switching the center source
// invalidates the cached last geo coordinate so no stale motion delta is
// produced.
func (t *Tracker) SetTarget(target *geo.Transform) {
	if t.target == target {
		return
	}
	t.target = target
	t.hasLast = false
}

// MoveTo places the camera transform at the given geodetic coordinate.
// Runs on the scheduler loop.
func (t *Tracker) MoveTo(c geo.Coordinate) {
	point := c.ToPoint(t.opts.PlanetRadius, t.opts.SphericalRatio)
	if t.origin != nil {
		point = geo.Sub(point, t.origin.Offset())
	}
	if parent := t.camera.Parent(); parent != nil {
		point = geo.Sub(point, parent.WorldPosition())
	}
	t.camera.SetLocalPosition(point)
}

func (t *Tracker) centerTransform() *geo.Transform {
	if t.target != nil {
		return t.target
	}
	return t.camera
}

// CenterCoordinate returns the current geodetic position of the grid
// center source.
func (t *Tracker) CenterCoordinate() geo.Coordinate {
	world := t.centerTransform().WorldPosition()
	if t.origin != nil {
		world = t.origin.WorldPoint(world)
	}
	return geo.ToCoordinate(world, t.opts.PlanetRadius, t.opts.SphericalRatio)
}

// Update recomputes the cascade descriptors from the current center
// position and applies motion damping. It must be called every tick.
func (t *Tracker) Update(now time.Time) []Descriptor {
	center := t.CenterCoordinate()

	if t.hasLast {
		moved := t.lastGeo.DistanceTo(center, t.opts.PlanetRadius)
		if moved > 0 {
			t.applyMotion(moved, center.Alt, now)
		}
	}
	t.lastGeo = center
	t.hasLast = true

	factor := t.opts.BaseSizeMultiplier*t.latitudeCompensation(center.Lat) - t.DynamicSizeOffset(now)
	if factor < 0 {
		factor = 0
	}

	t.descriptors = t.descriptors[:0]
	for zoom := t.opts.MinZoom; zoom <= t.opts.MaxZoom; zoom++ {
		w, h := Dimensions(zoom, t.opts.DimensionRatio)
		cellExtent := geo.Circumference(t.opts.PlanetRadius) / float64(w)

		t.descriptors = append(t.descriptors, Descriptor{
			Camera:          t.id,
			Center:          center,
			Zoom:            zoom,
			W:               w,
			H:               h,
			Size:            factor * cellExtent,
			ColliderMinZoom: t.opts.ColliderMinZoom,
			ColliderMaxZoom: t.opts.ColliderMaxZoom,
		})
	}

	return t.descriptors
}

// applyMotion grows the dynamic size offset. Growth is immediate and
// monotonic: a motion event never lowers the current offset, only the
// timed decay does.
func (t *Tracker) applyMotion(moved, altitude float64, now time.Time) {
	amplitude := math.Max(0, moved-t.opts.DeadZone) / math.Max(altitude, 1)
	candidate := amplitude * t.opts.OffsetMultiplier
	if candidate > t.opts.OffsetMaximum {
		candidate = t.opts.OffsetMaximum
	}
	if candidate < 0 {
		candidate = 0
	}

	current := t.DynamicSizeOffset(now)
	if candidate > current {
		current = candidate
	}

	t.offset = current
	t.offsetUpdated = now
}

// DynamicSizeOffset returns the current motion damping offset, linearly
// decayed since the last size affecting update.
func (t *Tracker) DynamicSizeOffset(now time.Time) float64 {
	if t.offset == 0 {
		return 0
	}
	if t.opts.OffsetDuration <= 0 {
		return 0
	}

	elapsed := now.Sub(t.offsetUpdated)
	if elapsed >= t.opts.OffsetDuration {
		return 0
	}
	return t.offset * (1 - float64(elapsed)/float64(t.opts.OffsetDuration))
}

func (t *Tracker) latitudeCompensation(lat float64) float64 {
	if t.opts.SphericalRatio <= 0 {
		return 1
	}

	comp := geo.CircumferenceAtLatitude(lat, t.opts.PlanetRadius) / geo.Circumference(t.opts.PlanetRadius)
	return 1 + (comp-1)*math.Min(t.opts.SphericalRatio, 1)
}

// Descriptors returns the cascades computed by the last Update.
func (t *Tracker) Descriptors() []Descriptor {
	return t.descriptors
}

// GridsChanged reports whether the center moved beyond the change
// thresholds since the last committed position. This is the coarse
// trigger for scope diffing, distinct from the finer grained motion
// damping which reacts to any position change.
func (t *Tracker) GridsChanged() bool {
	if !t.hasLast {
		return false
	}
	if !t.hasCommitted {
		return true
	}

	return math.Abs(t.lastGeo.Lat-t.committed.Lat) > changeThresholdDeg ||
		math.Abs(geo.WrapLongitude(t.lastGeo.Lon-t.committed.Lon)) > changeThresholdDeg ||
		math.Abs(t.lastGeo.Alt-t.committed.Alt) > changeThresholdAlt
}

// Commit records the current center as the last loaded position. Called
// by the loader once the scope set has been reconciled against the
// grids.
func (t *Tracker) Commit() {
	if !t.hasLast {
		return
	}
	t.committed = t.lastGeo
	t.hasCommitted = true
}
