package parallel

import (
	"fmt"
)

// Hemisphere identifies the role of a rank in gold-standard refinement.
type Hemisphere int

const (
	// Master coordinates and aggregates; it owns no images.
	Master Hemisphere = iota
	// HemiA refines the first half of the data.
	HemiA
	// HemiB refines the second half of the data.
	HemiB
)

// MasterRank is the world rank of the coordinator.
const MasterRank = 0

// Lead ranks of each hemisphere in the world communicator. Each lead is
// group rank 0 of its hemisphere.
const (
	HemiALead = 1
	HemiBLead = 2
)

func (h Hemisphere) String() string {
	switch h {
	case Master:
		return "master"
	case HemiA:
		return "A"
	case HemiB:
		return "B"
	default:
		return fmt.Sprintf("Hemisphere(%d)", int(h))
	}
}

// HemisphereRanks returns the world ranks of hemisphere A (odd ranks) and
// hemisphere B (even ranks other than the master).
func HemisphereRanks(size int) (a, b []int) {
	if size < 1 {
		return nil, nil
	}

	sizeA := size / 2
	sizeB := size - 1 - sizeA

	a = make([]int, sizeA)
	for i := range a {
		a[i] = 2*i + 1
	}
	b = make([]int, sizeB)
	for i := range b {
		b[i] = 2*i + 2
	}
	return a, b
}

// HemisphereOf returns the hemisphere a world rank belongs to.
func HemisphereOf(rank, size int) Hemisphere {
	switch {
	case rank == MasterRank:
		return Master
	case rank%2 == 1:
		return HemiA
	default:
		return HemiB
	}
}

// Context is the immutable topology a rank works in: its world
// communicator, its hemisphere communicator and its hemisphere label. It is
// built once and passed to every component that communicates.
type Context struct {
	world      Comm
	hemi       Comm
	hemisphere Hemisphere
}

// SplitHemispheres splits world into the master and two hemispheres. Every
// rank of world must call it. The world needs at least three ranks so that
// both hemispheres are non-empty.
func SplitHemispheres(world Comm) (*Context, error) {
	size := world.Size()
	if size < 3 {
		return nil, fmt.Errorf("%w: %d ranks, need at least 3", ErrInvalidWorld, size)
	}

	a, b := HemisphereRanks(size)

	// Both groups are created on every rank, in the same order.
	commA := world.Sub(a)
	commB := world.Sub(b)

	ctx := &Context{world: world, hemisphere: HemisphereOf(world.Rank(), size)}
	switch ctx.hemisphere {
	case HemiA:
		ctx.hemi = commA
	case HemiB:
		ctx.hemi = commB
	}
	return ctx, nil
}

// NewContext assembles a Context from parts that were split elsewhere.
func NewContext(world, hemi Comm, hemisphere Hemisphere) *Context {
	return &Context{world: world, hemi: hemi, hemisphere: hemisphere}
}

// World returns the world communicator.
func (c *Context) World() Comm { return c.world }

// Hemi returns the hemisphere communicator, or nil on the master.
func (c *Context) Hemi() Comm { return c.hemi }

// Hemisphere returns the role of this rank.
func (c *Context) Hemisphere() Hemisphere { return c.hemisphere }

// IsMaster reports whether this rank is the coordinator.
func (c *Context) IsMaster() bool { return c.hemisphere == Master }

// Rank returns the world rank.
func (c *Context) Rank() int { return c.world.Rank() }

// Size returns the world size.
func (c *Context) Size() int { return c.world.Size() }

// IsLead reports whether this rank is rank 0 of its hemisphere.
func (c *Context) IsLead() bool {
	return c.hemi != nil && c.hemi.Rank() == 0
}

func (c *Context) String() string {
	if c.IsMaster() {
		return "master process"
	}
	return fmt.Sprintf("process %4d of %4d (hemisphere %s)", c.Rank(), c.Size(), c.hemisphere)
}
