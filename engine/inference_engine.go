package engine

import (
	"context"
	"fmt"

	"github.com/deepcam/deepcam/tensor"
)

// Prediction is the classifier verdict for one image.
type Prediction struct {
	Label string `json:"label"`
	Index int    `json:"index"`
	// Confidence is the probability of Label as a percentage in [0, 100].
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities"`
	ClassNames    []string  `json:"class_names"`
}

// ProbabilityOf returns the probability of the named class.
func (p Prediction) ProbabilityOf(label string) (float64, bool) {
	for i, name := range p.ClassNames {
		if name == label && i < len(p.Probabilities) {
			return p.Probabilities[i], true
		}
	}
	return 0, false
}

// Pass is the record of one forward pass: the output of every layer, kept so
// that a single backward pass can be run against exactly these activations.
// A Pass belongs to one analysis and is never shared.
type Pass struct {
	model      *Model
	trace      []*tensor.Tensor // trace[0] is the input, trace[i+1] the output of layer i
	Logits     []float32
	Prediction Prediction
}

// Infer runs input ([1, 3, H, W], normalized) through the network and
// returns the recorded pass with its prediction.
func (m *Model) Infer(ctx context.Context, input *tensor.Tensor) (*Pass, error) {
	if input == nil {
		return nil, fmt.Errorf("input tensor is nil")
	}
	if !sameShape(input.Shape, m.spec.InputShape) {
		return nil, fmt.Errorf("input shape %v does not match model input %v", input.Shape, m.spec.InputShape)
	}

	trace := make([]*tensor.Tensor, len(m.nodes)+1)
	trace[0] = input
	if err := m.run(ctx, trace, 0); err != nil {
		return nil, err
	}

	out := trace[len(trace)-1]
	logits := out.Data
	if len(logits) != len(m.classNames) {
		return nil, fmt.Errorf("network produced %d logits for %d classes", len(logits), len(m.classNames))
	}
	if out.HasNonFinite() {
		return nil, fmt.Errorf("network produced non-finite logits")
	}

	probs := tensor.Softmax(logits)
	idx := tensor.ArgMax(probs)
	confidence := probs[idx] * 100
	if confidence > 100 {
		confidence = 100
	}

	return &Pass{
		model:  m,
		trace:  trace,
		Logits: append([]float32(nil), logits...),
		Prediction: Prediction{
			Label:         m.classNames[idx],
			Index:         idx,
			Confidence:    confidence,
			Probabilities: probs,
			ClassNames:    m.ClassNames(),
		},
	}, nil
}

// run executes layers start onwards, reading trace[start] and the recorded
// merge operands and filling trace[start+1:].
func (m *Model) run(ctx context.Context, trace []*tensor.Tensor, start int) error {
	for i := start; i < len(m.nodes); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := m.nodes[i]
		var out *tensor.Tensor
		var err error
		if n.merge != nil {
			out, err = n.merge.forward(trace[i], trace[n.other])
		} else {
			out, err = n.kernel.forward(trace[i])
		}
		if err != nil {
			return fmt.Errorf("forward %s: %w", m.spec.Layers[i].Name, err)
		}
		trace[i+1] = out
	}
	return nil
}

// Model returns the model that produced the pass.
func (p *Pass) Model() *Model {
	return p.model
}

// Activation returns the output of the target layer recorded during the
// forward pass.
func (p *Pass) Activation() *tensor.Tensor {
	return p.trace[p.model.targetIndex+1]
}

// Backward propagates the gradient of the single logit classIdx (every other
// output gradient zero) from the head down to the target layer and returns
// the gradient with respect to the target layer's output. Outputs that feed
// both the next layer and a later skip connection receive the sum of both
// gradients.
func (p *Pass) Backward(ctx context.Context, classIdx int) (*tensor.Tensor, error) {
	if classIdx < 0 || classIdx >= len(p.model.classNames) {
		return nil, fmt.Errorf("class index %d out of range [0, %d)", classIdx, len(p.model.classNames))
	}

	last := p.trace[len(p.trace)-1]
	seed, err := tensor.Zeros(last.Shape)
	if err != nil {
		return nil, err
	}
	seed.Data[classIdx] = 1

	// grads[i] is the gradient with respect to trace[i]
	grads := make([]*tensor.Tensor, len(p.trace))
	grads[len(grads)-1] = seed
	target := p.model.targetIndex

	for i := len(p.model.nodes) - 1; i > target; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gradOut := grads[i+1]
		if gradOut == nil {
			continue
		}
		n := p.model.nodes[i]
		if n.merge != nil {
			gradIn, gradOther, err := n.merge.backward(p.trace[i], p.trace[n.other], gradOut)
			if err != nil {
				return nil, fmt.Errorf("backward %s: %w", p.model.spec.Layers[i].Name, err)
			}
			accumulate(grads, i, gradIn)
			if n.other > target {
				accumulate(grads, n.other, gradOther)
			}
			continue
		}
		gradIn, err := n.kernel.backward(p.trace[i], p.trace[i+1], gradOut)
		if err != nil {
			return nil, fmt.Errorf("backward %s: %w", p.model.spec.Layers[i].Name, err)
		}
		accumulate(grads, i, gradIn)
	}

	if grads[target+1] == nil {
		return tensor.Zeros(p.trace[target+1].Shape)
	}
	return grads[target+1], nil
}

func accumulate(grads []*tensor.Tensor, i int, g *tensor.Tensor) {
	if grads[i] == nil {
		grads[i] = g
		return
	}
	for j, v := range g.Data {
		grads[i].Data[j] += v
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
