package physics

import "math"

// Vec3 is the float32 vector exchanged on the wire and integrated by the server.
type Vec3 struct {
	X float32
	Y float32
	Z float32
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale multiplies each axis by s.
func (v Vec3) Scale(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Dot returns the scalar product.
func (v Vec3) Dot(o Vec3) float32 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Cross returns the vector product.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Len returns the euclidean length.
func (v Vec3) Len() float32 { return float32(math.Sqrt(float64(v.Dot(v)))) }

// MaxAbs returns the infinity norm used for world bound checks.
func (v Vec3) MaxAbs() float32 {
	m := abs32(v.X)
	if y := abs32(v.Y); y > m {
		m = y
	}
	if z := abs32(v.Z); z > m {
		m = z
	}
	return m
}

// Normalized returns the unit vector or the zero vector when v is degenerate.
func (v Vec3) Normalized() Vec3 {
	length := v.Len()
	if length == 0 {
		return Vec3{}
	}
	return v.Scale(1 / length)
}

// ClampLen limits the vector magnitude to limit; non-positive limits disable the guard.
func (v Vec3) ClampLen(limit float32) Vec3 {
	//1.- Skip clamping when the limit disables the guard or the vector is already short enough.
	if !(limit > 0) {
		return v
	}
	lengthSq := v.Dot(v)
	if lengthSq == 0 || lengthSq <= limit*limit {
		return v
	}
	//2.- Scale uniformly so the magnitude matches the limit.
	return v.Scale(limit / float32(math.Sqrt(float64(lengthSq))))
}

// Distance returns |a-b|.
func Distance(a, b Vec3) float32 { return a.Sub(b).Len() }

// DistanceSq returns |a-b|² and avoids the square root in hot interest checks.
func DistanceSq(a, b Vec3) float32 {
	d := a.Sub(b)
	return d.Dot(d)
}

// IsFinite reports whether no component is NaN or infinite.
func (v Vec3) IsFinite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// Quat is a rotation quaternion with the scalar part in W.
type Quat struct {
	X float32
	Y float32
	Z float32
	W float32
}

// IdentityQuat is the neutral rotation.
var IdentityQuat = Quat{W: 1}

// QuatFromYaw builds a rotation around the vertical Z axis.
func QuatFromYaw(yawRad float32) Quat {
	half := float64(yawRad) / 2
	return Quat{Z: float32(math.Sin(half)), W: float32(math.Cos(half))}
}

// Norm returns the quaternion magnitude.
func (q Quat) Norm() float32 {
	return float32(math.Sqrt(float64(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)))
}

// IsUnit reports whether the magnitude lies within tolerance of one.
func (q Quat) IsUnit(tolerance float32) bool {
	return abs32(q.Norm()-1) <= tolerance
}

// Normalized rescales the quaternion to unit length, falling back to identity.
func (q Quat) Normalized() Quat {
	n := q.Norm()
	if n == 0 || !finite(n) {
		return IdentityQuat
	}
	inv := 1 / n
	return Quat{q.X * inv, q.Y * inv, q.Z * inv, q.W * inv}
}

// Mul composes q then o.
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

// Rotate applies the rotation to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	//1.- Use the optimised form v' = v + 2w(u×v) + 2u×(u×v).
	u := Vec3{q.X, q.Y, q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// Yaw extracts the heading around Z in radians.
func (q Quat) Yaw() float32 {
	siny := 2 * (q.W*q.Z + q.X*q.Y)
	cosy := 1 - 2*(q.Y*q.Y+q.Z*q.Z)
	return float32(math.Atan2(float64(siny), float64(cosy)))
}

// Forward is the local +Y axis rotated into world space.
func (q Quat) Forward() Vec3 {
	return q.Rotate(Vec3{Y: 1})
}

// IntegrateAngular advances the orientation by angular velocity (rad/s) over dt seconds.
func (q Quat) IntegrateAngular(angVel Vec3, dt float32) Quat {
	//1.- Skip the update when nothing rotates.
	if dt <= 0 || (angVel.X == 0 && angVel.Y == 0 && angVel.Z == 0) {
		return q
	}
	//2.- Apply q' = q + 0.5*ω*q*dt and renormalise.
	omega := Quat{X: angVel.X, Y: angVel.Y, Z: angVel.Z}
	d := omega.Mul(q)
	half := dt / 2
	next := Quat{
		X: q.X + d.X*half,
		Y: q.Y + d.Y*half,
		Z: q.Z + d.Z*half,
		W: q.W + d.W*half,
	}
	return next.Normalized()
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
