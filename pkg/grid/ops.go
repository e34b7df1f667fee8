// Package grid provides the dense pixel containers of the engine: 2D images
// and 3D volumes that own both a real-space buffer and a half-spectrum
// Fourier buffer, with bounds-checked accessors and small generic
// higher-order operations in place of per-pixel loops.
package grid

import (
	"errors"
	"fmt"
	"math"
)

// ErrIndexOutOfRange is the panic value of an accessor called with a
// coordinate outside the container.
var ErrIndexOutOfRange = errors.New("grid: index out of range")

// ErrShape is returned when two containers or a container and a file do
// not agree on their dimensions.
var ErrShape = errors.New("grid: shape mismatch")

// Space selects the real-space or the Fourier-space half of a container.
type Space int

const (
	RealSpace Space = iota
	FourierSpace
)

// Element is the pixel type of either space.
type Element interface {
	~float64 | ~complex128
}

// Apply replaces every element of data by fn(element).
func Apply[T Element](data []T, fn func(T) T) {
	for i, v := range data {
		data[i] = fn(v)
	}
}

// Zip stores fn(a[i], b[i]) into dst[i]. All three slices must have the same
// length; dst may alias a or b.
func Zip[T Element](dst, a, b []T, fn func(x, y T) T) {
	if len(a) != len(dst) || len(b) != len(dst) {
		panic(fmt.Errorf("%w: zip of %d, %d into %d", ErrShape, len(a), len(b), len(dst)))
	}
	for i := range dst {
		dst[i] = fn(a[i], b[i])
	}
}

// Reduce folds data into acc from the first element to the last.
func Reduce[T Element, A any](data []T, acc A, fn func(A, T) A) A {
	for _, v := range data {
		acc = fn(acc, v)
	}
	return acc
}

// Shell returns the index of the Fourier shell containing frequency
// (i, j, k), i.e. its radius rounded to the nearest integer.
func Shell(i, j, k int) int {
	return int(math.Round(Norm(i, j, k)))
}

// Norm returns the radius of frequency (i, j, k).
func Norm(i, j, k int) float64 {
	return math.Sqrt(float64(i*i + j*j + k*k))
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

func outOfRange(coord ...int) {
	panic(fmt.Errorf("%w: %v", ErrIndexOutOfRange, coord))
}
