package physics

// Stats captures the tunable rigid-body parameters of a vehicle archetype.
type Stats struct {
	MassKg           float32 `json:"massKg"`
	MaxSpeedMps      float32 `json:"maxSpeedMps"`
	AccelMps2        float32 `json:"accelMps2"`
	ReverseAccelMps2 float32 `json:"reverseAccelMps2"`
	BrakeDecelMps2   float32 `json:"brakeDecelMps2"`
	DragPerSecond    float32 `json:"dragPerSecond"`
	MaxYawRateRadSec float32 `json:"maxYawRateRadSec"`
	Seats            int     `json:"seats"`
}

// Intent is the driver input forwarded by the client owning seat 0.
type Intent struct {
	Throttle float32 // [-1,1], negative reverses
	Brake    float32 // [0,1]
	Steer    float32 // [-1,1], positive turns left
}

// Clamp bounds every axis so a malformed packet cannot inject extreme forces.
func (i Intent) Clamp() Intent {
	return Intent{
		Throttle: clamp32(i.Throttle, -1, 1),
		Brake:    clamp32(i.Brake, 0, 1),
		Steer:    clamp32(i.Steer, -1, 1),
	}
}

// Body is the simplified rigid body reconciled on the server.
type Body struct {
	Pos    Vec3
	Vel    Vec3
	Rot    Quat
	AngVel Vec3
}

// Step integrates the body over dt seconds and returns the longitudinal
// deceleration in m/s² observed across the step (positive when slowing).
func Step(body *Body, intent Intent, stats Stats, dt float32) float32 {
	//1.- Guard against nil bodies or invalid timesteps.
	if body == nil || dt <= 0 {
		return 0
	}
	intent = intent.Clamp()
	prev := body.Vel
	forward := body.Rot.Forward()

	//2.- Apply traction along the heading and braking against the current motion.
	accel := stats.AccelMps2
	if intent.Throttle < 0 {
		accel = stats.ReverseAccelMps2
	}
	body.Vel = body.Vel.Add(forward.Scale(intent.Throttle * accel * dt))
	if intent.Brake > 0 {
		speed := body.Vel.Len()
		drop := intent.Brake * stats.BrakeDecelMps2 * dt
		if drop >= speed {
			body.Vel = Vec3{}
		} else if speed > 0 {
			body.Vel = body.Vel.Scale((speed - drop) / speed)
		}
	}

	//3.- Bleed speed through linear drag then cap at the archetype limit.
	if stats.DragPerSecond > 0 {
		factor := 1 - stats.DragPerSecond*dt
		if factor < 0 {
			factor = 0
		}
		body.Vel = body.Vel.Scale(factor)
	}
	body.Vel = body.Vel.ClampLen(stats.MaxSpeedMps)

	//4.- Steering drives yaw rate proportional to speed so parked vehicles cannot spin.
	speedFactor := float32(1)
	if stats.MaxSpeedMps > 0 {
		speedFactor = clamp32(body.Vel.Len()/(stats.MaxSpeedMps*0.25), 0, 1)
	}
	body.AngVel = Vec3{Z: intent.Steer * stats.MaxYawRateRadSec * speedFactor}
	body.Rot = body.Rot.IntegrateAngular(body.AngVel, dt)

	//5.- Advance position with the post-force velocity.
	body.Pos = body.Pos.Add(body.Vel.Scale(dt))
	return LongitudinalDecel(prev, body.Vel, dt)
}

// LongitudinalDecel returns (|prev| - |cur|) / dt.
func LongitudinalDecel(prev, cur Vec3, dt float32) float32 {
	if dt <= 0 {
		return 0
	}
	return (prev.Len() - cur.Len()) / dt
}

// ApplyImpulse changes velocity by impulse/mass, used for collision reports.
func ApplyImpulse(body *Body, impulse Vec3, massKg float32) {
	if body == nil || massKg <= 0 {
		return
	}
	body.Vel = body.Vel.Add(impulse.Scale(1 / massKg))
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
