package tensor

import (
	"fmt"
)

// Tensor is a dense, row-major float32 array. Inference code in this module
// always works in NCHW layout with a batch dimension of one.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// CHW returns channels, height and width of a [1, C, H, W] tensor.
func (t *Tensor) CHW() (int, int, int, error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 {
		return 0, 0, 0, fmt.Errorf("expected [1, C, H, W] tensor, got shape %v", t.Shape)
	}
	return t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Plane returns the backing slice of channel c of a [1, C, H, W] tensor.
// The returned slice aliases the tensor data.
func (t *Tensor) Plane(c int) ([]float32, error) {
	channels, h, w, err := t.CHW()
	if err != nil {
		return nil, err
	}
	if c < 0 || c >= channels {
		return nil, fmt.Errorf("channel %d out of range [0, %d)", c, channels)
	}
	n := h * w
	return t.Data[c*n : (c+1)*n], nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
