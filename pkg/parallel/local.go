package parallel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// message is one in-flight point-to-point transfer.
type message struct {
	comm    string
	src     int
	tag     int
	payload any
	ack     chan struct{}
}

// mailbox holds the messages addressed to one world rank.
type mailbox struct {
	mu     sync.Mutex
	queue  []*message
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{})}
}

func (b *mailbox) put(m *message) {
	b.mu.Lock()
	b.queue = append(b.queue, m)
	close(b.signal)
	b.signal = make(chan struct{})
	b.mu.Unlock()
}

// take removes the oldest message matching comm/src/tag. When none is queued
// it returns the channel that is closed on the next arrival.
func (b *mailbox) take(comm string, src, tag int) (*message, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, m := range b.queue {
		if m.comm == comm && m.src == src && m.tag == tag {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return m, nil
		}
	}
	return nil, b.signal
}

// LocalWorld is an in-process world of ranks that talk through mailboxes.
// Each rank runs in its own goroutine; there is no shared mutable state
// between ranks other than the transport itself. A LocalWorld runs once.
type LocalWorld struct {
	size     int
	maxCount int
	boxes    []*mailbox

	abortOnce sync.Once
	abort     chan struct{}
	abortErr  error
}

// Option configures a LocalWorld.
type Option func(*LocalWorld)

// WithMaxCount lowers the per-transfer element limit. Tests use it to drive
// the block splitting of the large-transfer helpers with small buffers.
func WithMaxCount(n int) Option {
	return func(w *LocalWorld) {
		if n > 0 {
			w.maxCount = n
		}
	}
}

// NewLocalWorld creates a world of the given size.
func NewLocalWorld(size int, opts ...Option) *LocalWorld {
	w := &LocalWorld{
		size:     size,
		maxCount: DefaultMaxCount,
		boxes:    make([]*mailbox, size),
		abort:    make(chan struct{}),
	}
	for i := range w.boxes {
		w.boxes[i] = newMailbox()
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *LocalWorld) Size() int { return w.size }

// Comm returns the world communicator endpoint of the given rank.
func (w *LocalWorld) Comm(rank int) Comm {
	ranks := make([]int, w.size)
	for i := range ranks {
		ranks[i] = i
	}
	return &localComm{world: w, key: "world", ranks: ranks, rank: rank}
}

// Abort unblocks every pending and future call with ErrAborted.
func (w *LocalWorld) Abort(cause error) {
	w.abortOnce.Do(func() {
		w.abortErr = cause
		close(w.abort)
	})
}

// Err returns the cause passed to the first Abort, if any.
func (w *LocalWorld) Err() error {
	select {
	case <-w.abort:
		return w.abortErr
	default:
		return nil
	}
}

// Run executes fn once per rank and waits for all of them. The first rank
// to fail aborts the world, so the remaining ranks return from whatever
// collective they are blocked in instead of waiting forever.
func (w *LocalWorld) Run(ctx context.Context, fn func(ctx context.Context, comm Comm) error) error {
	g, gctx := errgroup.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			w.Abort(ctx.Err())
		case <-done:
		}
	}()

	for rank := 0; rank < w.size; rank++ {
		rank := rank
		g.Go(func() error {
			if err := fn(gctx, w.Comm(rank)); err != nil {
				err = fmt.Errorf("rank %d: %w", rank, err)
				w.Abort(err)
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	close(done)

	// A rank that was merely unblocked by the abort may have returned first;
	// report the failure that caused it.
	if errors.Is(err, ErrAborted) {
		if cause := w.Err(); cause != nil && !errors.Is(cause, ErrAborted) {
			return cause
		}
	}
	return err
}

// localComm is one rank's view of a group inside a LocalWorld.
type localComm struct {
	world *LocalWorld
	key   string
	ranks []int // world rank of each group rank
	rank  int
}

func (c *localComm) Rank() int     { return c.rank }
func (c *localComm) Size() int     { return len(c.ranks) }
func (c *localComm) MaxCount() int { return c.world.maxCount }

func (c *localComm) Send(payload any, dest, tag int) error {
	if dest < 0 || dest >= len(c.ranks) {
		return fmt.Errorf("send to %d of %d: %w", dest, len(c.ranks), ErrInvalidRank)
	}

	m := &message{
		comm:    c.key,
		src:     c.rank,
		tag:     tag,
		payload: payload,
		ack:     make(chan struct{}),
	}
	c.world.boxes[c.ranks[dest]].put(m)

	select {
	case <-m.ack:
		return nil
	case <-c.world.abort:
		return ErrAborted
	}
}

func (c *localComm) Recv(src, tag int) (any, error) {
	if src < 0 || src >= len(c.ranks) {
		return nil, fmt.Errorf("receive from %d of %d: %w", src, len(c.ranks), ErrInvalidRank)
	}

	box := c.world.boxes[c.ranks[c.rank]]
	for {
		m, wait := box.take(c.key, src, tag)
		if m != nil {
			close(m.ack)
			return m.payload, nil
		}

		select {
		case <-wait:
		case <-c.world.abort:
			return nil, ErrAborted
		}
	}
}

func (c *localComm) Sub(ranks []int) Comm {
	parts := make([]string, len(ranks))
	world := make([]int, len(ranks))
	self := -1
	for i, r := range ranks {
		parts[i] = strconv.Itoa(r)
		world[i] = c.ranks[r]
		if r == c.rank {
			self = i
		}
	}
	if self < 0 {
		return nil
	}
	return &localComm{
		world: c.world,
		key:   c.key + "/" + strings.Join(parts, ","),
		ranks: world,
		rank:  self,
	}
}
