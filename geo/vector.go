package geo

import "math"

// Vec3 is a double precision 3D vector. All coordinate math feeding grid
// index computation stays in float64; only render-relative offsets may be
// narrowed to float32 by consumers.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

func NewVec3(x, y, z float64) Vec3 {
	return Vec3{x, y, z}
}

func Add(a Vec3, b Vec3) Vec3 {
	return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

func Sub(a Vec3, b Vec3) Vec3 {
	return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z}
}

func Mul(a Vec3, s float64) Vec3 {
	return Vec3{a.X * s, a.Y * s, a.Z * s}
}

func Lerp(a Vec3, b Vec3, t float64) Vec3 {
	return Add(Mul(a, 1-t), Mul(b, t))
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func Cross(a Vec3, b Vec3) Vec3 {
	return Vec3{
		a.Y*b.Z - a.Z*b.Y,
		a.Z*b.X - a.X*b.Z,
		a.X*b.Y - a.Y*b.X,
	}
}

func Distance(a Vec3, b Vec3) float64 {
	return Sub(a, b).Length()
}

func Normalized(a Vec3) Vec3 {
	length := a.Length()
	if length == 0 {
		return a
	}
	return Mul(a, 1/length)
}

func (v Vec3) EqualWithEpsilon(o Vec3, epsilon float64) bool {
	return math.Abs(v.X-o.X) <= epsilon &&
		math.Abs(v.Y-o.Y) <= epsilon &&
		math.Abs(v.Z-o.Z) <= epsilon
}
