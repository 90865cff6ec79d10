package physics

import (
	"math"
	"testing"
)

func near(a, b, eps float32) bool {
	return float32(math.Abs(float64(a-b))) <= eps
}

func TestQuatRotateForwardFollowsYaw(t *testing.T) {
	//1.- A quarter turn left should point the +Y forward axis down -X.
	q := QuatFromYaw(math.Pi / 2)
	forward := q.Forward()
	if !near(forward.X, -1, 1e-5) || !near(forward.Y, 0, 1e-5) {
		t.Fatalf("unexpected forward %+v", forward)
	}
	if !near(q.Yaw(), math.Pi/2, 1e-5) {
		t.Fatalf("unexpected yaw %.4f", q.Yaw())
	}
	if !q.IsUnit(0.1) {
		t.Fatalf("expected unit quaternion, norm %.4f", q.Norm())
	}
}

func TestStepAcceleratesAlongHeadingAndCapsSpeed(t *testing.T) {
	stats := Stats{MassKg: 1500, MaxSpeedMps: 10, AccelMps2: 20, BrakeDecelMps2: 30}
	body := &Body{Rot: IdentityQuat}
	//1.- Full throttle for one second at 20 m/s² would exceed the 10 m/s cap.
	for i := 0; i < 10; i++ {
		Step(body, Intent{Throttle: 1}, stats, 0.1)
	}
	if !near(body.Vel.Len(), 10, 1e-3) {
		t.Fatalf("expected speed capped at 10, got %.3f", body.Vel.Len())
	}
	if body.Pos.Y <= 0 || !near(body.Pos.X, 0, 1e-4) {
		t.Fatalf("expected motion along +Y, got %+v", body.Pos)
	}
}

func TestStepReportsBrakingDeceleration(t *testing.T) {
	stats := Stats{MassKg: 1500, MaxSpeedMps: 50, AccelMps2: 10, BrakeDecelMps2: 30}
	body := &Body{Rot: IdentityQuat, Vel: Vec3{Y: 20}}
	decel := Step(body, Intent{Brake: 1}, stats, 0.1)
	if !near(decel, 30, 1e-3) {
		t.Fatalf("expected 30 m/s² deceleration, got %.3f", decel)
	}
}

func TestIntentClampRejectsExtremeInput(t *testing.T) {
	got := Intent{Throttle: 9, Brake: -2, Steer: -7}.Clamp()
	if got.Throttle != 1 || got.Brake != 0 || got.Steer != -1 {
		t.Fatalf("unexpected clamp %+v", got)
	}
}

func TestRouteSampleInterpolates(t *testing.T) {
	route := NewRoute([]Vec3{{0, 0, 0}, {10, 0, 0}, {10, 10, 0}})
	if !near(route.Length(), 20, 1e-5) {
		t.Fatalf("unexpected length %.3f", route.Length())
	}
	point, tangent := route.Sample(15)
	if !near(point.X, 10, 1e-5) || !near(point.Y, 5, 1e-5) {
		t.Fatalf("unexpected point %+v", point)
	}
	if !near(tangent.Y, 1, 1e-5) {
		t.Fatalf("unexpected tangent %+v", tangent)
	}
	end, _ := route.Sample(100)
	if end != (Vec3{10, 10, 0}) {
		t.Fatalf("expected clamp to the final node, got %+v", end)
	}
	if NewRoute([]Vec3{{}}) != nil {
		t.Fatal("expected nil route for a single node")
	}
}

func TestVecHelpers(t *testing.T) {
	v := Vec3{3, -4, 0}
	if v.Len() != 5 || v.MaxAbs() != 4 {
		t.Fatalf("unexpected len/maxabs %.2f %.2f", v.Len(), v.MaxAbs())
	}
	if got := v.ClampLen(2.5).Len(); !near(got, 2.5, 1e-5) {
		t.Fatalf("unexpected clamp %.3f", got)
	}
	nan := float32(math.NaN())
	if (Vec3{X: nan}).IsFinite() {
		t.Fatal("expected NaN to be rejected")
	}
}
