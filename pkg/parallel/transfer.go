package parallel

import (
	"fmt"
)

// Tags reserved for collectives. User point-to-point tags are non-negative.
const (
	bcastTag  = -1
	reduceTag = -2
)

// Block is one contiguous piece of a large transfer.
type Block struct {
	Offset int
	Size   int
}

// Plan splits count elements into blocks of at most limit elements. Every
// block but the last has exactly limit elements; the last carries the
// remainder. An empty transfer has no blocks.
func Plan(count, limit int) []Block {
	if count <= 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultMaxCount
	}

	n := (count-1)/limit + 1
	blocks := make([]Block, n)
	for i := range blocks {
		size := limit
		if i == n-1 {
			size = count - limit*(n-1)
		}
		blocks[i] = Block{Offset: i * limit, Size: size}
	}
	return blocks
}

// BlockTag returns the tag of block i of an nBlock transfer. Distinct blocks
// of one transfer never share a tag, so an acknowledgement cannot be
// attributed to the wrong block.
func BlockTag(tag, nBlock, i int) int {
	return tag*nBlock + i
}

func reportBlocks(op string, n int) {
	if n > 1 {
		log.Infof("%s: transmitting %d block(s)", op, n)
	}
}

// SendLarge synchronously sends buf to dest, block by block.
func SendLarge[T Element](c Comm, buf []T, dest, tag int) error {
	blocks := Plan(len(buf), c.MaxCount())
	reportBlocks("SendLarge", len(blocks))

	for i, b := range blocks {
		chunk := make([]T, b.Size)
		copy(chunk, buf[b.Offset:b.Offset+b.Size])
		if err := c.Send(chunk, dest, BlockTag(tag, len(blocks), i)); err != nil {
			return fmt.Errorf("SendLarge block %d of %d to %d: %w", i, len(blocks), dest, err)
		}
	}
	return nil
}

// RecvLarge fills buf from src. Each block's element count is checked
// against the plan; a mismatch is reported as ErrIncompleteTransfer.
func RecvLarge[T Element](c Comm, buf []T, src, tag int) error {
	blocks := Plan(len(buf), c.MaxCount())
	reportBlocks("RecvLarge", len(blocks))

	for i, b := range blocks {
		payload, err := c.Recv(src, BlockTag(tag, len(blocks), i))
		if err != nil {
			return fmt.Errorf("RecvLarge block %d of %d from %d: %w", i, len(blocks), src, err)
		}
		if err := receiveInto(buf[b.Offset:b.Offset+b.Size], payload); err != nil {
			return fmt.Errorf("RecvLarge block %d of %d from %d: %w", i, len(blocks), src, err)
		}
	}
	return nil
}

// BcastLarge copies root's buf into buf on every rank of the group.
func BcastLarge[T Element](c Comm, buf []T, root int) error {
	blocks := Plan(len(buf), c.MaxCount())
	reportBlocks("BcastLarge", len(blocks))

	for i, b := range blocks {
		if err := bcastBlock(c, buf[b.Offset:b.Offset+b.Size], root, BlockTag(bcastTag, len(blocks), i)); err != nil {
			return fmt.Errorf("BcastLarge block %d of %d: %w", i, len(blocks), err)
		}
	}
	return nil
}

// AllreduceLarge leaves the element-wise sum of every rank's send buffer in
// recv on every rank. send and recv may be the same slice.
//
// Partial sums are folded at group rank 0 in ascending rank order, so the
// result is bit-identical on every rank and across runs.
func AllreduceLarge[T Element](c Comm, send, recv []T) error {
	if len(send) != len(recv) {
		return fmt.Errorf("AllreduceLarge: %w: %d != %d", ErrLengthMismatch, len(send), len(recv))
	}

	blocks := Plan(len(send), c.MaxCount())
	reportBlocks("AllreduceLarge", len(blocks))

	for i, b := range blocks {
		tag := BlockTag(reduceTag, len(blocks), i)

		acc := make([]T, b.Size)
		copy(acc, send[b.Offset:b.Offset+b.Size])

		if c.Rank() == 0 {
			part := make([]T, b.Size)
			for src := 1; src < c.Size(); src++ {
				payload, err := c.Recv(src, tag)
				if err != nil {
					return fmt.Errorf("AllreduceLarge block %d of %d from %d: %w", i, len(blocks), src, err)
				}
				if err := receiveInto(part, payload); err != nil {
					return fmt.Errorf("AllreduceLarge block %d of %d from %d: %w", i, len(blocks), src, err)
				}
				for j := range acc {
					acc[j] += part[j]
				}
			}
		} else if err := c.Send(acc, 0, tag); err != nil {
			return fmt.Errorf("AllreduceLarge block %d of %d: %w", i, len(blocks), err)
		}

		if err := bcastBlock(c, acc, 0, tag); err != nil {
			return fmt.Errorf("AllreduceLarge block %d of %d: %w", i, len(blocks), err)
		}
		copy(recv[b.Offset:b.Offset+b.Size], acc)
	}
	return nil
}

// AllreduceSum returns the sum of v over the group.
func AllreduceSum[T Element](c Comm, v T) (T, error) {
	buf := []T{v}
	if err := AllreduceLarge(c, buf, buf); err != nil {
		return v, err
	}
	return buf[0], nil
}

// Barrier returns once every rank of the group has entered it.
func Barrier(c Comm) error {
	_, err := AllreduceSum(c, 0)
	return err
}

func bcastBlock[T Element](c Comm, buf []T, root, tag int) error {
	if root < 0 || root >= c.Size() {
		return fmt.Errorf("broadcast root %d of %d: %w", root, c.Size(), ErrInvalidRank)
	}

	if c.Rank() != root {
		payload, err := c.Recv(root, tag)
		if err != nil {
			return err
		}
		return receiveInto(buf, payload)
	}

	for dest := 0; dest < c.Size(); dest++ {
		if dest == root {
			continue
		}
		chunk := make([]T, len(buf))
		copy(chunk, buf)
		if err := c.Send(chunk, dest, tag); err != nil {
			return err
		}
	}
	return nil
}

func receiveInto[T Element](dst []T, payload any) error {
	chunk, ok := payload.([]T)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrTypeMismatch, payload)
	}
	if len(chunk) != len(dst) {
		return fmt.Errorf("%w: got %d elements, want %d", ErrIncompleteTransfer, len(chunk), len(dst))
	}
	copy(dst, chunk)
	return nil
}
