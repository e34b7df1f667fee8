// Package parallel provides the communication substrate of the refinement
// engine: a rank-addressed communicator, the master / hemisphere split used
// for gold-standard refinement, and collectives that chunk payloads larger
// than a single transfer can carry.
//
// All calls are blocking. A collective returns only once every member of the
// group has taken part, so each collective doubles as a barrier.
package parallel

import (
	"math"

	"github.com/sirupsen/logrus"
)

// DefaultMaxCount is the largest element count a single transfer can carry.
// It mirrors the 32-bit signed count of message-passing libraries.
const DefaultMaxCount = math.MaxInt32

// Comm is a communicator over a fixed, ordered group of ranks.
type Comm interface {
	// Rank returns the rank of the caller inside the group.
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// MaxCount returns the largest element count a single Send may carry.
	MaxCount() int

	// Send delivers payload to dest and blocks until dest has received it.
	Send(payload any, dest, tag int) error

	// Recv blocks until a payload from src with the given tag arrives.
	Recv(src, tag int) (any, error)

	// Sub creates a communicator over the given group ranks. Every member of
	// the receiver must call Sub with the same arguments in the same order.
	// Callers that are not listed get nil.
	Sub(ranks []int) Comm
}

// Element is the set of payload element types the large-transfer helpers
// move and reduce.
type Element interface {
	~int | ~int64 | ~float64 | ~complex128
}

var log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "parallel")

// SetLogger replaces the logger used to report multi-block transfers.
func SetLogger(entry *logrus.Entry) {
	if entry != nil {
		log = entry.WithField("component", "parallel")
	}
}
