package engine

import (
	"fmt"

	"github.com/deepcam/deepcam/checkpoints"
	"github.com/deepcam/deepcam/layers"
)

// Default normalization statistics (ImageNet), used when a checkpoint does
// not record its own.
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// The two labels a classifier head must produce, in any order.
const (
	FakeLabel = "Fake"
	RealLabel = "Real"
)

// ModelMeta carries the training-time conventions of a set of weights.
type ModelMeta struct {
	// ClassNames maps head output index to label. Required, and must be
	// FakeLabel and RealLabel in the order the head was trained with.
	ClassNames []string
	// Mean and Std are per-channel RGB normalization statistics.
	Mean []float32
	Std  []float32
	// TargetLayer names the layer whose output Grad-CAM explains. Empty
	// selects the final spatial layer.
	TargetLayer string
}

// Model is an executable classifier. It is immutable after construction and
// safe for concurrent use: every forward pass records its activations in its
// own Pass.
type Model struct {
	spec        *layers.ModelSpec
	nodes       []node
	classNames  []string
	mean        [3]float32
	std         [3]float32
	targetLayer string
	targetIndex int
}

// node is one compiled layer. Merge layers read their second operand from
// trace[other].
type node struct {
	kernel kernel
	merge  mergeKernel
	other  int
}

// FromCheckpoint builds a model from a validated checkpoint.
func FromCheckpoint(c *checkpoints.Checkpoint) (*Model, error) {
	return NewModel(c.ModelSpec, c.Weights, ModelMeta{
		ClassNames:  c.Inference.ClassNames,
		Mean:        c.Inference.Mean,
		Std:         c.Inference.Std,
		TargetLayer: c.Inference.TargetLayer,
	})
}

// NewModel compiles spec into executable kernels bound to weights.
func NewModel(spec *layers.ModelSpec, weights []checkpoints.WeightTensor, meta ModelMeta) (*Model, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec is nil")
	}
	if !spec.Compiled {
		if err := spec.Recompile(); err != nil {
			return nil, fmt.Errorf("failed to compile model: %w", err)
		}
	}
	if err := spec.ValidateModelForInference(); err != nil {
		return nil, fmt.Errorf("model validation failed: %w", err)
	}

	numClasses := spec.OutputShape[len(spec.OutputShape)-1]
	if err := validateClassNames(meta.ClassNames, numClasses); err != nil {
		return nil, err
	}

	m := &Model{
		spec:       spec,
		classNames: append([]string(nil), meta.ClassNames...),
		mean:       DefaultMean,
		std:        DefaultStd,
	}
	if meta.Mean != nil || meta.Std != nil {
		if len(meta.Mean) != 3 || len(meta.Std) != 3 {
			return nil, fmt.Errorf("normalization needs 3 means and 3 stds, got %d and %d", len(meta.Mean), len(meta.Std))
		}
		for c := 0; c < 3; c++ {
			if meta.Std[c] <= 0 {
				return nil, fmt.Errorf("std[%d] must be positive, got %v", c, meta.Std[c])
			}
			m.mean[c], m.std[c] = meta.Mean[c], meta.Std[c]
		}
	}

	m.targetLayer = meta.TargetLayer
	if m.targetLayer == "" {
		name, err := spec.DefaultTargetLayer()
		if err != nil {
			return nil, err
		}
		m.targetLayer = name
	}
	m.targetIndex = spec.LayerIndex(m.targetLayer)
	if m.targetIndex < 0 {
		return nil, fmt.Errorf("target layer %q not found", m.targetLayer)
	}
	if len(spec.Layers[m.targetIndex].OutputShape) != 4 {
		return nil, fmt.Errorf("target layer %q does not produce a spatial feature map", m.targetLayer)
	}

	weightMap := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}

	m.nodes = make([]node, len(spec.Layers))
	for i, layer := range spec.Layers {
		n, err := buildNode(spec, i, weightMap)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Name, err)
		}
		m.nodes[i] = n
	}
	return m, nil
}

// validateClassNames requires names to be a permutation of FakeLabel and
// RealLabel matching the head width.
func validateClassNames(names []string, numClasses int) error {
	if numClasses != 2 {
		return fmt.Errorf("model head has %d outputs, expected 2", numClasses)
	}
	if len(names) != numClasses {
		return fmt.Errorf("model has %d outputs but %d class names are recorded", numClasses, len(names))
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name != FakeLabel && name != RealLabel {
			return fmt.Errorf("class name %q is neither %q nor %q", name, FakeLabel, RealLabel)
		}
		if seen[name] {
			return fmt.Errorf("duplicate class name %q", name)
		}
		seen[name] = true
	}
	return nil
}

func buildNode(spec *layers.ModelSpec, i int, weights map[string]checkpoints.WeightTensor) (node, error) {
	layer := spec.Layers[i]
	switch layer.Type {
	case layers.Add, layers.ChannelScale:
		from, err := layer.Source()
		if err != nil {
			return node{}, err
		}
		src := spec.LayerIndex(from)
		if src < 0 || src >= i {
			return node{}, fmt.Errorf("from layer %q does not precede %s", from, layer.Name)
		}
		n := node{merge: addKernel{}, other: src + 1}
		if layer.Type == layers.ChannelScale {
			n.merge = channelScaleKernel{}
		}
		return n, nil
	}

	k, err := buildKernel(layer, weights)
	if err != nil {
		return node{}, err
	}
	return node{kernel: k, other: -1}, nil
}

func buildKernel(layer layers.LayerSpec, weights map[string]checkpoints.WeightTensor) (kernel, error) {
	param := func(idx int) ([]float32, error) {
		names := checkpoints.ParameterNames(layer)
		if idx >= len(names) {
			return nil, nil
		}
		w, ok := weights[names[idx]]
		if !ok {
			return nil, fmt.Errorf("missing weight %s", names[idx])
		}
		if len(w.Data) != countElements(layer.ParameterShapes[idx]) {
			return nil, fmt.Errorf("weight %s has %d values, expected shape %v", w.Name, len(w.Data), layer.ParameterShapes[idx])
		}
		return w.Data, nil
	}

	switch layer.Type {
	case layers.Conv2D:
		weight, err := param(0)
		if err != nil {
			return nil, err
		}
		bias, err := param(1)
		if err != nil {
			return nil, err
		}
		return newConv2DKernel(layer, weight, bias)

	case layers.Dense:
		weight, err := param(0)
		if err != nil {
			return nil, err
		}
		bias, err := param(1)
		if err != nil {
			return nil, err
		}
		shape := layer.ParameterShapes[0]
		return &denseKernel{
			weight:   weight,
			bias:     bias,
			inSize:   shape[0],
			outSize:  shape[1],
			outShape: layer.OutputShape,
		}, nil

	case layers.BatchNorm:
		gamma, err := param(0)
		if err != nil {
			return nil, err
		}
		beta, err := param(1)
		if err != nil {
			return nil, err
		}
		eps, err := layer.FloatParam("eps", 1e-5)
		if err != nil {
			return nil, err
		}
		mean, err := runningStat(layer, weights, "running_mean")
		if err != nil {
			return nil, err
		}
		variance, err := runningStat(layer, weights, "running_var")
		if err != nil {
			return nil, err
		}
		return newBatchNormKernel(gamma, beta, mean, variance, eps), nil

	case layers.ReLU:
		return reluKernel(), nil

	case layers.LeakyReLU:
		slope, err := layer.FloatParam("negative_slope", 0.01)
		if err != nil {
			return nil, err
		}
		return leakyReLUKernel(slope), nil

	case layers.HardSwish:
		return hardSwishKernel(), nil

	case layers.HardSigmoid:
		return hardSigmoidKernel(), nil

	case layers.Dropout:
		return identityKernel(), nil

	case layers.MaxPool2D:
		size, err := layer.IntParam("kernel_size", 2)
		if err != nil {
			return nil, err
		}
		stride, err := layer.IntParam("stride", size)
		if err != nil {
			return nil, err
		}
		return &maxPoolKernel{size: size, stride: stride, outShape: layer.OutputShape}, nil

	case layers.GlobalAvgPool2D:
		return globalAvgPoolKernel{}, nil

	case layers.Flatten:
		return flattenKernel{outShape: layer.OutputShape}, nil

	default:
		return nil, fmt.Errorf("unsupported layer type for inference: %s", layer.Type)
	}
}

// runningStat looks a BatchNorm buffer up among the weights first (ONNX
// imports carry them as initializers) and then in the layer spec. A missing
// buffer is an error.
func runningStat(layer layers.LayerSpec, weights map[string]checkpoints.WeightTensor, key string) ([]float32, error) {
	stat, ok := checkpoints.RunningStatistic(layer, weights, key)
	if !ok {
		return nil, fmt.Errorf("missing %s for batch norm layer %s", key, layer.Name)
	}
	if numFeatures := layer.InputShape[1]; len(stat) != numFeatures {
		return nil, fmt.Errorf("%s has %d values, expected %d", key, len(stat), numFeatures)
	}
	return stat, nil
}

func countElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Spec returns the compiled architecture. Callers must not modify it.
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// ClassNames returns the label ordering of the head outputs.
func (m *Model) ClassNames() []string {
	return append([]string(nil), m.classNames...)
}

// NumClasses is the width of the classification head.
func (m *Model) NumClasses() int {
	return len(m.classNames)
}

// InputSize returns the input width and height the model was trained at.
func (m *Model) InputSize() (int, int) {
	return m.spec.InputShape[3], m.spec.InputShape[2]
}

// Normalization returns the per-channel mean and standard deviation.
func (m *Model) Normalization() ([3]float32, [3]float32) {
	return m.mean, m.std
}

// TargetLayer names the layer explained by Grad-CAM.
func (m *Model) TargetLayer() string {
	return m.targetLayer
}
