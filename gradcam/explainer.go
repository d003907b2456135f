// Package gradcam turns the recorded forward pass of a classifier into a
// gradient-weighted class activation map.
package gradcam

import (
	"context"
	"fmt"

	"github.com/deepcam/deepcam/engine"
	"github.com/deepcam/deepcam/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultEpsilon guards the min-max normalization against a zero range.
const DefaultEpsilon = 1e-8

// Explanation is the output of one Grad-CAM computation.
type Explanation struct {
	ClassIndex int
	Field      *Field
	// Activation and Gradient are the target-layer snapshots the field was
	// derived from, shape [1, C, h, w].
	Activation *tensor.Tensor
	Gradient   *tensor.Tensor
	// Weights holds the per-channel importance (spatial mean of Gradient).
	Weights []float64
}

// Explainer computes Grad-CAM fields. It has no mutable state.
type Explainer struct {
	epsilon float64
}

// Option configures an Explainer.
type Option func(*Explainer)

// WithEpsilon overrides the normalization epsilon.
func WithEpsilon(eps float64) Option {
	return func(e *Explainer) {
		if eps > 0 {
			e.epsilon = eps
		}
	}
}

// New returns an Explainer.
func New(opts ...Option) *Explainer {
	e := &Explainer{epsilon: DefaultEpsilon}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Explain back-propagates the logit classIdx of pass to its target layer and
// builds a width x height intensity field. A single-channel or all-zero
// feature map produces a flat zero field.
func (e *Explainer) Explain(ctx context.Context, pass *engine.Pass, classIdx, width, height int) (*Explanation, error) {
	if pass == nil {
		return nil, fmt.Errorf("pass is nil")
	}
	field, err := NewField(width, height)
	if err != nil {
		return nil, err
	}

	activation := pass.Activation()
	channels, h, w, err := activation.CHW()
	if err != nil {
		return nil, fmt.Errorf("target activation: %w", err)
	}

	gradient, err := pass.Backward(ctx, classIdx)
	if err != nil {
		return nil, fmt.Errorf("backward pass: %w", err)
	}
	if !sameShape(gradient.Shape, activation.Shape) {
		return nil, fmt.Errorf("gradient shape %v does not match activation %v", gradient.Shape, activation.Shape)
	}

	explanation := &Explanation{
		ClassIndex: classIdx,
		Field:      field,
		Activation: activation,
		Gradient:   gradient,
		Weights:    make([]float64, channels),
	}

	plane := h * w
	actPlane := make([]float64, plane)
	gradPlane := make([]float64, plane)
	cam := make([]float64, plane)
	for c := 0; c < channels; c++ {
		g, err := gradient.Plane(c)
		if err != nil {
			return nil, err
		}
		toFloat64(gradPlane, g)
		weight := stat.Mean(gradPlane, nil)
		explanation.Weights[c] = weight

		a, err := activation.Plane(c)
		if err != nil {
			return nil, err
		}
		toFloat64(actPlane, a)
		floats.AddScaled(cam, weight, actPlane)
	}

	if channels < 2 {
		return explanation, nil
	}

	for i, v := range cam {
		if v < 0 || v != v {
			cam[i] = 0
		}
	}

	resized := resizeBilinear(cam, w, h, width, height)
	lo, hi := floats.Min(resized), floats.Max(resized)
	scale := hi - lo + e.epsilon
	for i, v := range resized {
		n := (v - lo) / scale
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		field.Values[i] = n
	}

	return explanation, nil
}

func toFloat64(dst []float64, src []float32) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}

func sameShape(a, b []int) bool {
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
