package tensor

import (
	"fmt"
)

// NewTensor wraps data in a tensor of the given shape. The data slice is not
// copied.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return NewTensor(shape, make([]float32, calculateNumElements(shape)))
}

// Full allocates a tensor with every element set to value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	clone, _ := NewTensor(t.Shape, data)
	return clone
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to %v", t.NumElems, newShape)
	}
	return NewTensor(newShape, t.Data)
}
