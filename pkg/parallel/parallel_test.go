package parallel

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHemisphereSplit checks that every non-master rank lands in exactly one
// hemisphere and that the hemispheres differ in size by at most one.
func TestHemisphereSplit(t *testing.T) {
	for size := 3; size <= 64; size++ {
		a, b := HemisphereRanks(size)

		seen := make(map[int]int)
		for _, r := range a {
			seen[r]++
			require.Equal(t, HemiA, HemisphereOf(r, size))
		}
		for _, r := range b {
			seen[r]++
			require.Equal(t, HemiB, HemisphereOf(r, size))
		}

		require.NotContains(t, seen, MasterRank, "size %d", size)
		for r := 1; r < size; r++ {
			require.Equal(t, 1, seen[r], "size %d rank %d", size, r)
		}

		diff := len(a) - len(b)
		require.True(t, diff >= -1 && diff <= 1, "size %d: |A|=%d |B|=%d", size, len(a), len(b))
		require.Equal(t, HemiALead, a[0])
		require.Equal(t, HemiBLead, b[0])
	}
}

func TestSplitHemispheresRejectsSmallWorld(t *testing.T) {
	w := NewLocalWorld(2)
	_, err := SplitHemispheres(w.Comm(0))
	require.ErrorIs(t, err, ErrInvalidWorld)
}

func TestSplitHemispheresContext(t *testing.T) {
	const size = 7
	w := NewLocalWorld(size)

	var mu sync.Mutex
	hemiSizes := map[Hemisphere]int{}

	err := w.Run(context.Background(), func(_ context.Context, comm Comm) error {
		ctx, err := SplitHemispheres(comm)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()

		if ctx.IsMaster() {
			require.Nil(t, ctx.Hemi())
			return nil
		}
		require.NotNil(t, ctx.Hemi())
		hemiSizes[ctx.Hemisphere()] = ctx.Hemi().Size()
		if ctx.Rank() == HemiALead || ctx.Rank() == HemiBLead {
			require.True(t, ctx.IsLead())
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, hemiSizes[HemiA])
	require.Equal(t, 3, hemiSizes[HemiB])
}

// TestPlanIntMaxPlusOne exercises the exact boundary: one element past the
// transfer limit needs a second block of size one.
func TestPlanIntMaxPlusOne(t *testing.T) {
	blocks := Plan(math.MaxInt32+1, math.MaxInt32)
	require.Len(t, blocks, 2)
	require.Equal(t, Block{Offset: 0, Size: math.MaxInt32}, blocks[0])
	require.Equal(t, Block{Offset: math.MaxInt32, Size: 1}, blocks[1])

	require.Len(t, Plan(math.MaxInt32, math.MaxInt32), 1)
	require.Empty(t, Plan(0, math.MaxInt32))
}

func TestBlockTagsAreDistinct(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		tag := BlockTag(7, 5, i)
		require.False(t, seen[tag])
		seen[tag] = true
	}
}

// TestSendRecvLargeReassembles sends limit+1 elements with a small limit and
// checks the receiver gets a bit-identical copy.
func TestSendRecvLargeReassembles(t *testing.T) {
	const limit = 7
	src := make([]float64, limit+1)
	for i := range src {
		src[i] = math.Float64frombits(uint64(0x3ff0000000000000) + uint64(i)*977)
	}
	src[limit] = math.Inf(-1)

	w := NewLocalWorld(2, WithMaxCount(limit))
	got := make([]float64, len(src))

	err := w.Run(context.Background(), func(_ context.Context, comm Comm) error {
		require.Len(t, Plan(len(src), comm.MaxCount()), 2)
		if comm.Rank() == 0 {
			return SendLarge(comm, src, 1, 3)
		}
		return RecvLarge(comm, got, 0, 3)
	})
	require.NoError(t, err)
	for i := range src {
		require.Equal(t, math.Float64bits(src[i]), math.Float64bits(got[i]), "element %d", i)
	}
}

func TestRecvLargeDetectsShortBlock(t *testing.T) {
	w := NewLocalWorld(2, WithMaxCount(4))

	err := w.Run(context.Background(), func(_ context.Context, comm Comm) error {
		if comm.Rank() == 0 {
			// A single short block where the receiver expects a full one.
			if err := comm.Send([]int{1, 2}, 1, BlockTag(9, 2, 0)); err != nil && !errors.Is(err, ErrAborted) {
				return err
			}
			return nil
		}
		buf := make([]int, 6)
		return RecvLarge(comm, buf, 0, 9)
	})
	require.ErrorIs(t, err, ErrIncompleteTransfer)
}

func TestBcastLarge(t *testing.T) {
	const size = 5
	w := NewLocalWorld(size, WithMaxCount(3))

	results := make([][]complex128, size)
	err := w.Run(context.Background(), func(_ context.Context, comm Comm) error {
		buf := make([]complex128, 10)
		if comm.Rank() == 2 {
			for i := range buf {
				buf[i] = complex(float64(i), -float64(i))
			}
		}
		if err := BcastLarge(comm, buf, 2); err != nil {
			return err
		}
		results[comm.Rank()] = buf
		return nil
	})
	require.NoError(t, err)
	for r := 0; r < size; r++ {
		for i, v := range results[r] {
			require.Equal(t, complex(float64(i), -float64(i)), v)
		}
	}
}

func TestAllreduceLargeIsDeterministic(t *testing.T) {
	const size = 6
	run := func() [][]float64 {
		w := NewLocalWorld(size, WithMaxCount(4))
		out := make([][]float64, size)
		err := w.Run(context.Background(), func(_ context.Context, comm Comm) error {
			buf := make([]float64, 9)
			for i := range buf {
				buf[i] = 0.1 * float64(comm.Rank()+1) / float64(i+3)
			}
			if err := AllreduceLarge(comm, buf, buf); err != nil {
				return err
			}
			out[comm.Rank()] = buf
			return nil
		})
		require.NoError(t, err)
		return out
	}

	first := run()
	second := run()
	for r := 0; r < size; r++ {
		require.Equal(t, first[0], first[r], "rank %d disagrees", r)
		require.Equal(t, first[r], second[r], "rank %d not reproducible", r)
	}
	require.InDelta(t, 0.1*21/3.0, first[0][0], 1e-12)
}

func TestAllreduceOnHemisphere(t *testing.T) {
	const size = 5
	w := NewLocalWorld(size)

	var mu sync.Mutex
	sums := map[int]int{}

	err := w.Run(context.Background(), func(_ context.Context, comm Comm) error {
		ctx, err := SplitHemispheres(comm)
		if err != nil {
			return err
		}
		if ctx.IsMaster() {
			return nil
		}
		s, err := AllreduceSum(ctx.Hemi(), ctx.Rank())
		if err != nil {
			return err
		}
		mu.Lock()
		sums[ctx.Rank()] = s
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[int]int{1: 4, 3: 4, 2: 6, 4: 6}, sums)
}

func TestRunAbortsBlockedRanks(t *testing.T) {
	w := NewLocalWorld(3)
	boom := errors.New("boom")

	err := w.Run(context.Background(), func(_ context.Context, comm Comm) error {
		if comm.Rank() == 1 {
			return boom
		}
		return Barrier(comm)
	})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, w.Err(), boom)
}

func TestAllreduceLengthMismatch(t *testing.T) {
	w := NewLocalWorld(1)
	err := AllreduceLarge(w.Comm(0), []float64{1, 2}, []float64{0})
	require.ErrorIs(t, err, ErrLengthMismatch)
}
