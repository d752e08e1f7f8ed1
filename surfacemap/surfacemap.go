// Package surfacemap implements a kd-tree–indexed set of probed
// (x, y, z) surface points and the plane-prediction query the autolevel
// processor uses to adjust commanded Z.
package surfacemap

import (
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Point is one probed surface sample.
type Point struct {
	X, Y, Z float64
}

// file is the on-disk surface-map document shape.
type file struct {
	Bounds       [2][2]float64 `json:"bounds"`
	ProbePointsX int           `json:"probePointsX"`
	ProbePointsY int           `json:"probePointsY"`
	SpacingX     float64       `json:"spacingX"`
	SpacingY     float64       `json:"spacingY"`
	MinSpacing   float64       `json:"minSpacing"`
	Time         float64       `json:"time"`
	Points       [][3]float64  `json:"points"`
}

// Map is a read-only, kd-tree-indexed probe point set.
type Map struct {
	MinSpacing float64
	points     []Point
	root       *node
}

type node struct {
	point       Point
	axis        int // 0 = split on X, 1 = split on Y
	left, right *node
}

// Load reads a surface-map JSON document from path and builds its
// kd-tree index.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read surface map")
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "unmarshal surface map")
	}
	points := make([]Point, len(f.Points))
	for i, p := range f.Points {
		points[i] = Point{X: p[0], Y: p[1], Z: p[2]}
	}
	return New(points, f.MinSpacing), nil
}

// New builds a Map directly from a point set, without going through the
// JSON file format.
func New(points []Point, minSpacing float64) *Map {
	m := &Map{MinSpacing: minSpacing, points: append([]Point(nil), points...)}
	m.root = build(append([]Point(nil), points...), 0)
	return m
}

func build(pts []Point, depth int) *node {
	if len(pts) == 0 {
		return nil
	}
	axis := depth % 2
	sort.Slice(pts, func(i, j int) bool {
		if axis == 0 {
			return pts[i].X < pts[j].X
		}
		return pts[i].Y < pts[j].Y
	})
	mid := len(pts) / 2
	n := &node{point: pts[mid], axis: axis}
	n.left = build(pts[:mid], depth+1)
	n.right = build(pts[mid+1:], depth+1)
	return n
}

// nearestK returns the k points nearest to (x, y) by planar distance, in
// increasing order of distance.
func (m *Map) nearestK(x, y float64, k int) []Point {
	if k > len(m.points) {
		k = len(m.points)
	}
	type cand struct {
		p    Point
		dist float64
	}
	var best []cand
	var visit func(n *node)
	visit = func(n *node) {
		if n == nil {
			return
		}
		dx := n.point.X - x
		dy := n.point.Y - y
		d := dx*dx + dy*dy
		best = append(best, cand{p: n.point, dist: d})

		var primary, secondary *node
		var diff float64
		if n.axis == 0 {
			diff = x - n.point.X
		} else {
			diff = y - n.point.Y
		}
		if diff < 0 {
			primary, secondary = n.left, n.right
		} else {
			primary, secondary = n.right, n.left
		}
		visit(primary)
		// The far side is always visited too, with no pruning: probe
		// maps are small enough to check every point.
		visit(secondary)
	}
	visit(m.root)
	sort.Slice(best, func(i, j int) bool { return best[i].dist < best[j].dist })
	if len(best) > k {
		best = best[:k]
	}
	out := make([]Point, len(best))
	for i, c := range best {
		out[i] = c.p
	}
	return out
}

// exact returns a point's Z if (x, y) matches a known point exactly.
func (m *Map) exact(x, y float64) (float64, bool) {
	for _, p := range m.points {
		if p.X == x && p.Y == y {
			return p.Z, true
		}
	}
	return 0, false
}

// PredictZ estimates the surface height at (x, y). It returns (0, false)
// when there isn't enough data to predict anything.
func (m *Map) PredictZ(x, y float64) (float64, bool) {
	if len(m.points) == 0 {
		return 0, false
	}
	if z, ok := m.exact(x, y); ok {
		return z, true
	}

	// Widen k until three of the candidates form a valid (non-collinear,
	// non-XY-orthogonal) plane, or we run out of points.
	for k := 3; k <= len(m.points); k++ {
		cands := m.nearestK(x, y, k)
		if z, ok := planeFromTriples(cands, x, y); ok {
			return z, true
		}
	}

	// Fall back to collinear two-point interpolation when the query
	// point lies on the line through two known points.
	if len(m.points) >= 2 {
		if z, ok := collinearInterp(m.points, x, y); ok {
			return z, true
		}
	}
	return 0, false
}

// planeFromTriples searches triples of cands for one that spans a valid
// plane (non-collinear in XY, and whose normal has a non-zero Z
// component and non-zero XY components), evaluating the query point
// against the first such plane found.
func planeFromTriples(cands []Point, x, y float64) (float64, bool) {
	n := len(cands)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				if z, ok := planeZ(cands[i], cands[j], cands[k], x, y); ok {
					return z, true
				}
			}
		}
	}
	return 0, false
}

func planeZ(a, b, c Point, x, y float64) (float64, bool) {
	// Normal of the plane through a, b, c via the cross product of two
	// edge vectors.
	ux, uy, uz := b.X-a.X, b.Y-a.Y, b.Z-a.Z
	vx, vy, vz := c.X-a.X, c.Y-a.Y, c.Z-a.Z
	nx := uy*vz - uz*vy
	ny := uz*vx - ux*vz
	nz := ux*vy - uy*vx

	const eps = 1e-9
	if math.Abs(nz) < eps {
		return 0, false // degenerate: points collinear in XY (the plane is vertical)
	}
	if math.Abs(nx) < eps && math.Abs(ny) < eps {
		return 0, false // normal purely vertical: all three points share one Z (a horizontal plane)
	}
	// Plane equation: nx(X-a.X) + ny(Y-a.Y) + nz(Z-a.Z) = 0
	z := a.Z - (nx*(x-a.X)+ny*(y-a.Y))/nz
	return z, true
}

func collinearInterp(points []Point, x, y float64) (float64, bool) {
	const eps = 1e-9
	n := len(points)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := points[i], points[j]
			dx, dy := b.X-a.X, b.Y-a.Y
			// Cross product of (query-a) and (b-a): zero iff collinear.
			cross := (x-a.X)*dy - (y-a.Y)*dx
			if math.Abs(cross) > eps {
				continue
			}
			length2 := dx*dx + dy*dy
			if length2 < eps {
				continue
			}
			t := ((x-a.X)*dx + (y-a.Y)*dy) / length2
			return a.Z + t*(b.Z-a.Z), true
		}
	}
	return 0, false
}
