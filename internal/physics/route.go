package physics

// Route is a polyline traversed at constant speed, used for metro lines.
type Route struct {
	nodes   []Vec3
	lengths []float32
	total   float32
}

// NewRoute copies nodes and precomputes cumulative segment lengths.
func NewRoute(nodes []Vec3) *Route {
	//1.- Require at least two nodes to describe a segment.
	if len(nodes) < 2 {
		return nil
	}
	copied := make([]Vec3, len(nodes))
	copy(copied, nodes)
	lengths := make([]float32, len(nodes))
	//2.- Accumulate arc length so sampling is a binary walk over the table.
	for i := 1; i < len(copied); i++ {
		lengths[i] = lengths[i-1] + Distance(copied[i-1], copied[i])
	}
	return &Route{nodes: copied, lengths: lengths, total: lengths[len(lengths)-1]}
}

// Length returns the total arc length.
func (r *Route) Length() float32 {
	if r == nil {
		return 0
	}
	return r.total
}

// Sample returns the point at the given distance along the route and the unit tangent.
func (r *Route) Sample(distance float32) (Vec3, Vec3) {
	if r == nil {
		return Vec3{}, Vec3{}
	}
	//1.- Clamp to the endpoints.
	if distance <= 0 {
		return r.nodes[0], r.nodes[1].Sub(r.nodes[0]).Normalized()
	}
	last := len(r.nodes) - 1
	if distance >= r.total {
		return r.nodes[last], r.nodes[last].Sub(r.nodes[last-1]).Normalized()
	}
	//2.- Locate the segment containing the distance and interpolate linearly.
	for i := 1; i <= last; i++ {
		if r.lengths[i] < distance {
			continue
		}
		a, b := r.nodes[i-1], r.nodes[i]
		segment := r.lengths[i] - r.lengths[i-1]
		if segment == 0 {
			return a, Vec3{}
		}
		t := (distance - r.lengths[i-1]) / segment
		return a.Add(b.Sub(a).Scale(t)), b.Sub(a).Normalized()
	}
	return r.nodes[last], Vec3{}
}
