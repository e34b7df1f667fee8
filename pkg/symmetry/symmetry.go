// Package symmetry builds the proper point groups used to fold poses and to
// expand reconstructions: Cn, Dn, T, O and I.
package symmetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"emrefine/pkg/geom"
)

// ErrUnknownSymmetry reports a symmetry identifier that names no supported
// point group.
var ErrUnknownSymmetry = errors.New("symmetry: unknown point group")

// maxOrder bounds the closure against generators that do not close.
const maxOrder = 1024

// Symmetry is a point group given by its non-identity elements.
type Symmetry struct {
	name  string
	elems []geom.Quaternion
}

// New parses a point-group identifier such as "C1", "C4", "D7", "T", "O" or
// "I". Identifiers are case-insensitive.
func New(name string) (*Symmetry, error) {
	id := strings.ToUpper(strings.TrimSpace(name))
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrUnknownSymmetry)
	}

	var gens []geom.Quaternion
	switch id[0] {
	case 'C', 'D':
		n, err := strconv.Atoi(id[1:])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSymmetry, name)
		}
		gens = append(gens, fold(r3.Vector{Z: 1}, n))
		if id[0] == 'D' {
			gens = append(gens, fold(r3.Vector{X: 1}, 2))
		}
	case 'T':
		if id != "T" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSymmetry, name)
		}
		gens = append(gens, fold(r3.Vector{Z: 1}, 2), fold(r3.Vector{X: 1, Y: 1, Z: 1}, 3))
	case 'O':
		if id != "O" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSymmetry, name)
		}
		gens = append(gens, fold(r3.Vector{Z: 1}, 4), fold(r3.Vector{X: 1, Y: 1, Z: 1}, 3))
	case 'I':
		if id != "I" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSymmetry, name)
		}
		phi := (1 + math.Sqrt(5)) / 2
		gens = append(gens,
			fold(r3.Vector{Z: 1}, 2),
			fold(r3.Vector{X: 1, Y: 1, Z: 1}, 3),
			fold(r3.Vector{Y: 1, Z: phi}, 5))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSymmetry, name)
	}

	elems, err := closure(gens)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	return &Symmetry{name: id, elems: elems}, nil
}

// Name returns the normalised identifier.
func (s *Symmetry) Name() string { return s.name }

// NSymmetryElement returns the number of elements besides the identity.
func (s *Symmetry) NSymmetryElement() int { return len(s.elems) }

// Order returns the size of the group, identity included.
func (s *Symmetry) Order() int { return len(s.elems) + 1 }

// Quaternion returns non-identity element i.
func (s *Symmetry) Quaternion(i int) geom.Quaternion { return s.elems[i] }

// Get returns the transform pair of element i: R rotates a point by the
// element and L = R^T undoes it.
func (s *Symmetry) Get(i int) (L, R *mat.Dense) {
	R = s.elems[i].Matrix()
	L = mat.DenseCopyOf(R.T())
	return L, R
}

// Fold maps a pose to its representative among the equivalent poses
// q ⊗ g, picking the one closest to the identity. A nil Symmetry leaves q
// unchanged.
func (s *Symmetry) Fold(q geom.Quaternion) geom.Quaternion {
	if s == nil {
		return q
	}
	best := q.Canonical()
	for _, g := range s.elems {
		c := geom.Mul(q, g).Canonical()
		if c[0] > best[0] {
			best = c
		}
	}
	return best
}

func (s *Symmetry) String() string {
	return fmt.Sprintf("%s (%d elements)", s.name, s.Order())
}

func fold(axis r3.Vector, n int) geom.Quaternion {
	return geom.FromAxisAngle(axis, 2*math.Pi/float64(n))
}

// closure multiplies generators until the set stops growing. Quaternions q
// and -q are the same rotation and are stored once.
func closure(gens []geom.Quaternion) ([]geom.Quaternion, error) {
	group := []geom.Quaternion{geom.Identity}
	contains := func(q geom.Quaternion) bool {
		for _, g := range group {
			if math.Abs(g.Dot(q)) > 1-1e-9 {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(group); i++ {
		for _, g := range gens {
			q := geom.Mul(group[i], g).Normalize().Canonical()
			if contains(q) {
				continue
			}
			if len(group) == maxOrder {
				return nil, fmt.Errorf("%w: group exceeds %d elements", ErrUnknownSymmetry, maxOrder)
			}
			group = append(group, q)
		}
	}
	return group[1:], nil
}
