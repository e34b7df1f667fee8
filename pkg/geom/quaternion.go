// Package geom holds the rotation algebra of pose space: unit quaternions,
// their rotation matrices and uniform sampling on SO(3).
package geom

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Quaternion is w + xi + yj + zk stored as [w, x, y, z]. Rotations are unit
// quaternions; q and -q describe the same rotation.
type Quaternion [4]float64

// Identity is the null rotation.
var Identity = Quaternion{1, 0, 0, 0}

// FromAxisAngle returns the rotation by angle radians about axis.
func FromAxisAngle(axis r3.Vector, angle float64) Quaternion {
	u := axis.Normalize()
	s := math.Sin(angle / 2)
	return Quaternion{math.Cos(angle / 2), s * u.X, s * u.Y, s * u.Z}
}

// Mul returns the Hamilton product p ⊗ q, the rotation q followed by p.
func Mul(p, q Quaternion) Quaternion {
	return Quaternion{
		p[0]*q[0] - p[1]*q[1] - p[2]*q[2] - p[3]*q[3],
		p[0]*q[1] + p[1]*q[0] + p[2]*q[3] - p[3]*q[2],
		p[0]*q[2] - p[1]*q[3] + p[2]*q[0] + p[3]*q[1],
		p[0]*q[3] + p[1]*q[2] - p[2]*q[1] + p[3]*q[0],
	}
}

func (q Quaternion) Conj() Quaternion { return Quaternion{q[0], -q[1], -q[2], -q[3]} }

func (q Quaternion) Neg() Quaternion { return Quaternion{-q[0], -q[1], -q[2], -q[3]} }

func (q Quaternion) Dot(p Quaternion) float64 {
	return q[0]*p[0] + q[1]*p[1] + q[2]*p[2] + q[3]*p[3]
}

func (q Quaternion) Norm() float64 { return math.Sqrt(q.Dot(q)) }

// Normalize returns q scaled to unit length. The zero quaternion maps to
// Identity.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	if n == 0 {
		return Identity
	}
	return Quaternion{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Canonical returns whichever of q and -q has a non-negative scalar part.
func (q Quaternion) Canonical() Quaternion {
	if q[0] < 0 {
		return q.Neg()
	}
	return q
}

// Rotate applies the rotation q to v.
func (q Quaternion) Rotate(v r3.Vector) r3.Vector {
	p := Mul(Mul(q, Quaternion{0, v.X, v.Y, v.Z}), q.Conj())
	return r3.Vector{X: p[1], Y: p[2], Z: p[3]}
}

// Matrix returns the 3x3 rotation matrix of the unit quaternion q.
func (q Quaternion) Matrix() *mat.Dense {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// FromMatrix returns the unit quaternion of a rotation matrix, with a
// non-negative scalar part.
func FromMatrix(m mat.Matrix) Quaternion {
	m00, m11, m22 := m.At(0, 0), m.At(1, 1), m.At(2, 2)
	tr := m00 + m11 + m22

	var q Quaternion
	switch {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q = Quaternion{s / 4, (m.At(2, 1) - m.At(1, 2)) / s, (m.At(0, 2) - m.At(2, 0)) / s, (m.At(1, 0) - m.At(0, 1)) / s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = Quaternion{(m.At(2, 1) - m.At(1, 2)) / s, s / 4, (m.At(0, 1) + m.At(1, 0)) / s, (m.At(0, 2) + m.At(2, 0)) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = Quaternion{(m.At(0, 2) - m.At(2, 0)) / s, (m.At(0, 1) + m.At(1, 0)) / s, s / 4, (m.At(1, 2) + m.At(2, 1)) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = Quaternion{(m.At(1, 0) - m.At(0, 1)) / s, (m.At(0, 2) + m.At(2, 0)) / s, (m.At(1, 2) + m.At(2, 1)) / s, s / 4}
	}
	return q.Normalize().Canonical()
}

// Random draws a rotation uniformly from SO(3) by normalising an isotropic
// 4D Gaussian.
func Random(rng *rand.Rand) Quaternion {
	for {
		q := Quaternion{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		if n := q.Norm(); n > 1e-12 {
			return q.Normalize()
		}
	}
}

// Distance returns the angle in radians of the rotation taking p to q. It is
// zero for q == -p.
func Distance(p, q Quaternion) float64 {
	d := math.Abs(p.Dot(q))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

func (q Quaternion) String() string {
	return fmt.Sprintf("(%.4f, %.4f, %.4f, %.4f)", q[0], q[1], q[2], q[3])
}

// SliceCoord returns the 3D frequency that the 2D frequency (i, j) of a
// projection at rotation rot samples: rot^T (i, j, 0). Projection and
// back-projection share this convention.
func SliceCoord(rot mat.Matrix, i, j float64) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*i + rot.At(1, 0)*j,
		Y: rot.At(0, 1)*i + rot.At(1, 1)*j,
		Z: rot.At(0, 2)*i + rot.At(1, 2)*j,
	}
}
