package parallel

import "errors"

// Every message is prefixed with "parallel:" so collective failures are easy
// to find in rank logs. Callers match with errors.Is.
var (
	// ErrIncompleteTransfer is returned when a received block does not carry
	// the number of elements the sender planned. It is always fatal: the two
	// sides of the transfer no longer agree on the payload.
	ErrIncompleteTransfer = errors.New("parallel: incomplete transmission")

	// ErrAborted is returned by any blocking call once the world has been
	// aborted by a failing rank or a cancelled context.
	ErrAborted = errors.New("parallel: world aborted")

	// ErrInvalidWorld signals a world that cannot be split into a master and
	// two non-empty hemispheres.
	ErrInvalidWorld = errors.New("parallel: invalid world")

	// ErrInvalidRank indicates a source or destination outside the group.
	ErrInvalidRank = errors.New("parallel: rank out of range")

	// ErrTypeMismatch indicates that a payload arrived with a different
	// element type than the receiver expected.
	ErrTypeMismatch = errors.New("parallel: payload type mismatch")

	// ErrLengthMismatch indicates send and receive buffers of different
	// lengths handed to a reduction.
	ErrLengthMismatch = errors.New("parallel: buffer length mismatch")
)
