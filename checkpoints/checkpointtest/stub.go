// Package checkpointtest builds small checkpoints with hand-picked weights
// for tests of the inference and explanation pipeline.
package checkpointtest

import (
	"path/filepath"
	"testing"

	"github.com/deepcam/deepcam/checkpoints"
	"github.com/deepcam/deepcam/layers"
)

// ClassNames is the label ordering used by the stub networks.
var ClassNames = []string{"Fake", "Real"}

// ZeroNet is conv(3->4, 3x3) -> ReLU -> GAP -> dense(2) with every weight and
// bias set to zero. Any input yields zero activations and equal logits.
func ZeroNet(t testing.TB, size int) *checkpoints.Checkpoint {
	t.Helper()

	spec, err := layers.NewModelBuilder([]int{1, 3, size, size}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddGlobalAvgPool2D("pool").
		AddDense(2, true, "head").
		Compile()
	if err != nil {
		t.Fatalf("compile zero net: %v", err)
	}

	return &checkpoints.Checkpoint{
		ModelSpec: spec,
		Weights: []checkpoints.WeightTensor{
			weight("conv1", "weight", []int{4, 3, 3, 3}, make([]float32, 4*3*3*3)),
			weight("conv1", "bias", []int{4}, make([]float32, 4)),
			weight("head", "weight", []int{4, 2}, make([]float32, 8)),
			weight("head", "bias", []int{2}, make([]float32, 2)),
		},
		Inference: checkpoints.InferenceMetadata{ClassNames: append([]string(nil), ClassNames...)},
	}
}

// BrightnessNet is conv(3->2, 1x1) -> ReLU -> GAP -> dense(2). Channel 0 sums
// the normalized RGB values and channel 1 their negation, so after the ReLU
// channel 0 fires on bright pixels and channel 1 on dark ones. Logit 0 reads
// channel 0 and logit 1 reads channel 1. Grad-CAM for class 0 therefore
// highlights the bright region of the input.
func BrightnessNet(t testing.TB, size int) *checkpoints.Checkpoint {
	t.Helper()

	spec, err := layers.NewModelBuilder([]int{1, 3, size, size}).
		AddConv2D(2, 1, 1, 0, true, "conv1").
		AddReLU("relu1").
		AddGlobalAvgPool2D("pool").
		AddFlatten("flatten").
		AddDense(2, true, "head").
		Compile()
	if err != nil {
		t.Fatalf("compile brightness net: %v", err)
	}

	return &checkpoints.Checkpoint{
		ModelSpec: spec,
		Weights: []checkpoints.WeightTensor{
			weight("conv1", "weight", []int{2, 3, 1, 1}, []float32{1, 1, 1, -1, -1, -1}),
			weight("conv1", "bias", []int{2}, []float32{0, 0}),
			// [inputSize, outputSize]: identity
			weight("head", "weight", []int{2, 2}, []float32{1, 0, 0, 1}),
			weight("head", "bias", []int{2}, []float32{0, 0}),
		},
		Inference: checkpoints.InferenceMetadata{
			ClassNames:  append([]string(nil), ClassNames...),
			TargetLayer: "relu1",
		},
	}
}

// Write saves checkpoint as JSON under dir and returns the path.
func Write(t testing.TB, dir, name string, checkpoint *checkpoints.Checkpoint) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	return path
}

func weight(layer, kind string, shape []int, data []float32) checkpoints.WeightTensor {
	return checkpoints.WeightTensor{
		Name:  layer + "." + kind,
		Shape: shape,
		Data:  data,
		Layer: layer,
		Type:  kind,
	}
}
