// Package tensor places gorgonia dense tensors on a device and exposes
// their float32 rows to the hand-written layers.
package tensor

import (
	"fmt"
	"strings"
	"sync"

	ggtensor "gorgonia.org/tensor"
)

// Device represents computation device
type Device int

const (
	CPU Device = iota
	GPU
)

// String returns the device name used in configuration files
func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDevice maps a configuration string onto a Device
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", s)
	}
}

// Tensor represents a multi-dimensional array placed on a device
type Tensor struct {
	data   ggtensor.Tensor
	device Device
	mu     sync.Mutex
}

// NewTensor creates a new zero-filled tensor
func NewTensor(shape []int, dtype Dtype, dev Device) (*Tensor, error) {
	if dev == GPU {
		// GPU implementation would go here
		return nil, fmt.Errorf("GPU not implemented yet")
	}
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", shape)
		}
	}
	if len(shape) == 0 || volume(shape) == 0 {
		return nil, fmt.Errorf("empty tensor shape %v", shape)
	}

	data := ggtensor.New(ggtensor.WithShape(shape...), ggtensor.Of(dtype))
	return &Tensor{
		data:   data,
		device: dev,
	}, nil
}

// Zeros creates a float32 tensor of the given shape
func Zeros(dev Device, shape ...int) (*Tensor, error) {
	return NewTensor(shape, Float32, dev)
}

// FromFloat32 builds a float32 tensor over a copy of data
func FromFloat32(dev Device, data []float32, shape ...int) (*Tensor, error) {
	if len(data) != volume(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	t, err := NewTensor(shape, Float32, dev)
	if err != nil {
		return nil, err
	}
	copy(t.Float32s(), data)
	return t, nil
}

// Data returns the underlying tensor data
func (t *Tensor) Data() ggtensor.Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// Float32s returns the float32 backing slice. Writes go through to the tensor.
// Dense.Data unwraps single-element tensors to a scalar, so the slice comes
// from the dense header instead.
func (t *Tensor) Float32s() []float32 {
	d, ok := t.Data().(*ggtensor.Dense)
	if !ok {
		panic(fmt.Sprintf("tensor: %T is not a dense tensor", t.Data()))
	}
	return d.Float32s()
}

// Shape returns the tensor shape
func (t *Tensor) Shape() []int {
	return t.data.Shape()
}

// Dtype returns the tensor data type
func (t *Tensor) Dtype() Dtype {
	return t.data.Dtype()
}

// Device returns the tensor device
func (t *Tensor) Device() Device {
	return t.device
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return t.data.Shape().TotalSize()
}

// At returns the value at coordinates
func (t *Tensor) At(coord ...int) (interface{}, error) {
	return t.data.At(coord...)
}

// Row returns the contiguous slice of the last dimension at the leading
// coordinates, e.g. Row(b, t) of a [B,T,V] tensor is the V logits.
func (t *Tensor) Row(coord ...int) []float32 {
	shape := t.Shape()
	if len(coord) != len(shape)-1 {
		panic(fmt.Sprintf("tensor: Row needs %d coordinates, got %d", len(shape)-1, len(coord)))
	}
	offset := 0
	for i, c := range coord {
		offset = offset*shape[i] + c
	}
	width := shape[len(shape)-1]
	return t.Float32s()[offset*width : (offset+1)*width]
}

// Add performs element-wise addition
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if t.device != other.device {
		return nil, fmt.Errorf("tensor devices must match")
	}

	result, err := ggtensor.Add(t.data, other.data)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		data:   result,
		device: t.device,
	}, nil
}

// Clone returns a deep copy on the same device
func (t *Tensor) Clone() *Tensor {
	data := t.Data().Clone()
	return &Tensor{
		data:   data.(ggtensor.Tensor),
		device: t.device,
	}
}

// Zero sets every element to zero
func (t *Tensor) Zero() {
	buf := t.Float32s()
	for i := range buf {
		buf[i] = 0
	}
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Re-export the gorgonia dtypes used by the models
type Dtype = ggtensor.Dtype

var Float32 = ggtensor.Float32
