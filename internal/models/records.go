// Package models holds the records persisted by the experiment store.
package models

import (
	"time"

	"emrefine/pkg/ctf"
)

// Micrograph is one exposure and its imaging conditions
type Micrograph struct {
	// ID is the database key
	ID int64

	// Name is the original file name of the micrograph
	Name string

	// CTF describes the contrast transfer of every image cut from it
	CTF ctf.Params
}

// Group is a set of images sharing a noise model
type Group struct {
	// ID is the database key
	ID int64

	// Name identifies the group for the user
	Name string
}

// Image is one boxed particle image
type Image struct {
	// ID is the database key; images are distributed by it
	ID int64

	// MicrographID references the micrograph the image was cut from
	MicrographID int64

	// GroupID references the noise group
	GroupID int64

	// Name is the original file name or stack position of the image
	Name string

	// Size is the edge length in pixels
	Size int

	// Pixels holds Size x Size real-space values, row-major
	Pixels []float64
}

// Checkpoint is the model state of one iteration of one run
type Checkpoint struct {
	// RunID identifies the refinement run
	RunID string

	// Iter is the iteration the state was recorded after
	Iter int

	// R is the Fourier radius in use
	R int

	// Resolution is the estimated resolution in Å
	Resolution float64

	// SearchType is GLOBAL, LOCAL or STOP
	SearchType string

	// References holds the real-space voxels of each class, float32 encoded
	References [][]byte

	// CreatedAt is when the checkpoint was written
	CreatedAt time.Time
}

// Pose is the best hypothesis and spread of one image's particle filter at
// a checkpoint
type Pose struct {
	// ImageID references the image
	ImageID int64

	// Class is the class the image was assigned to
	Class int

	// Quaternion is the rotation as [w, x, y, z]
	Quaternion [4]float64

	// TX and TY are the translation in pixels
	TX, TY float64

	// Weight is the posterior weight of the hypothesis
	Weight float64

	// K0, K1, S0, S1 and Rho are the spread of the posterior
	K0, K1, S0, S1, Rho float64
}
