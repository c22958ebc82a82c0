package tensor

import (
	"errors"
	"fmt"
)

// FrameAxis is the time axis of feature tensors shaped (batch, frames, ...).
const FrameAxis = 1

var ErrShape = errors.New("tensor shape mismatch")

// Tensor is a dense float32 array in row-major order. Tensors are treated as
// values: nothing in this module writes into Data after construction.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// New validates that data fills shape exactly.
func New(shape []int, data []float32) (Tensor, error) {
	if size(shape) != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v wants %d values, got %d", ErrShape, shape, size(shape), len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, size(shape))}
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// Len is the number of elements.
func (t Tensor) Len() int { return len(t.Data) }

func (t Tensor) IsZero() bool { return t.Shape == nil && t.Data == nil }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	if t.IsZero() {
		return Tensor{}
	}
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

func (t Tensor) Validate() error {
	if size(t.Shape) != len(t.Data) {
		return fmt.Errorf("%w: shape %v holds %d values", ErrShape, t.Shape, len(t.Data))
	}
	return nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Frames is the extent of the frame axis, or 0 for tensors of rank < 2.
func (t Tensor) Frames() int {
	if len(t.Shape) <= FrameAxis {
		return 0
	}
	return t.Shape[FrameAxis]
}

// stride returns the number of values per frame and the number of leading
// (batch) blocks.
func (t Tensor) stride() (outer, inner int) {
	outer = 1
	for _, d := range t.Shape[:FrameAxis] {
		outer *= d
	}
	inner = 1
	for _, d := range t.Shape[FrameAxis+1:] {
		inner *= d
	}
	return outer, inner
}

// SliceFrames copies frames [start, end) into a new tensor.
func (t Tensor) SliceFrames(start, end int) (Tensor, error) {
	if len(t.Shape) <= FrameAxis {
		return Tensor{}, fmt.Errorf("%w: rank %d has no frame axis", ErrShape, len(t.Shape))
	}
	frames := t.Shape[FrameAxis]
	if start < 0 || end > frames || start > end {
		return Tensor{}, fmt.Errorf("slice frames [%d,%d) out of range 0..%d", start, end, frames)
	}
	outer, inner := t.stride()
	n := end - start
	data := make([]float32, 0, outer*n*inner)
	for o := 0; o < outer; o++ {
		base := o * frames * inner
		data = append(data, t.Data[base+start*inner:base+end*inner]...)
	}
	shape := append([]int(nil), t.Shape...)
	shape[FrameAxis] = n
	return Tensor{Shape: shape, Data: data}, nil
}

// ConcatFrames joins b after a along the frame axis. A zero-valued a yields a
// copy of b.
func ConcatFrames(a, b Tensor) (Tensor, error) {
	if a.IsZero() || a.Len() == 0 && a.Frames() == 0 {
		return b.Clone(), nil
	}
	if len(a.Shape) != len(b.Shape) || len(a.Shape) <= FrameAxis {
		return Tensor{}, fmt.Errorf("%w: concat %v with %v", ErrShape, a.Shape, b.Shape)
	}
	for i := range a.Shape {
		if i != FrameAxis && a.Shape[i] != b.Shape[i] {
			return Tensor{}, fmt.Errorf("%w: concat %v with %v", ErrShape, a.Shape, b.Shape)
		}
	}
	outer, inner := a.stride()
	fa, fb := a.Shape[FrameAxis], b.Shape[FrameAxis]
	data := make([]float32, 0, len(a.Data)+len(b.Data))
	for o := 0; o < outer; o++ {
		data = append(data, a.Data[o*fa*inner:(o+1)*fa*inner]...)
		data = append(data, b.Data[o*fb*inner:(o+1)*fb*inner]...)
	}
	shape := append([]int(nil), a.Shape...)
	shape[FrameAxis] = fa + fb
	return Tensor{Shape: shape, Data: data}, nil
}

// ArgMax returns the index of the largest value, first wins on ties.
func (t Tensor) ArgMax() int {
	if len(t.Data) == 0 {
		return -1
	}
	best := 0
	for i, v := range t.Data {
		if v > t.Data[best] {
			best = i
		}
	}
	return best
}
