package layers

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Dropout
	BatchNorm
	LeakyReLU
	HardSwish
	GlobalAvgPool2D
	Flatten
	HardSigmoid
	Add
	ChannelScale
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case LeakyReLU:
		return "LeakyReLU"
	case HardSwish:
		return "HardSwish"
	case GlobalAvgPool2D:
		return "GlobalAvgPool2D"
	case Flatten:
		return "Flatten"
	case HardSigmoid:
		return "HardSigmoid"
	case Add:
		return "Add"
	case ChannelScale:
		return "ChannelScale"
	default:
		return "Unknown"
	}
}

// LayerSpec defines one layer of a network as pure configuration.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`

	// Non-learnable parameters (BatchNorm running statistics)
	RunningStatistics map[string][]float32 `json:"running_statistics,omitempty"`
}

// IntParam reads an integer parameter. Parameters decoded from JSON arrive as
// float64, so values are coerced rather than type-asserted.
func (ls *LayerSpec) IntParam(name string, def int) (int, error) {
	raw, ok := ls.Parameters[name]
	if !ok || raw == nil {
		return def, nil
	}
	v, err := cast.ToIntE(raw)
	if err != nil {
		return 0, fmt.Errorf("layer %s: parameter %s: %w", ls.Name, name, err)
	}
	return v, nil
}

// FloatParam reads a floating point parameter.
func (ls *LayerSpec) FloatParam(name string, def float32) (float32, error) {
	raw, ok := ls.Parameters[name]
	if !ok || raw == nil {
		return def, nil
	}
	v, err := cast.ToFloat32E(raw)
	if err != nil {
		return 0, fmt.Errorf("layer %s: parameter %s: %w", ls.Name, name, err)
	}
	return v, nil
}

// BoolParam reads a boolean parameter.
func (ls *LayerSpec) BoolParam(name string, def bool) (bool, error) {
	raw, ok := ls.Parameters[name]
	if !ok || raw == nil {
		return def, nil
	}
	v, err := cast.ToBoolE(raw)
	if err != nil {
		return false, fmt.Errorf("layer %s: parameter %s: %w", ls.Name, name, err)
	}
	return v, nil
}

// StringParam reads a string parameter.
func (ls *LayerSpec) StringParam(name string) (string, error) {
	raw, ok := ls.Parameters[name]
	if !ok || raw == nil {
		return "", nil
	}
	v, err := cast.ToStringE(raw)
	if err != nil {
		return "", fmt.Errorf("layer %s: parameter %s: %w", ls.Name, name, err)
	}
	return v, nil
}

// Source names the earlier layer whose output is the second operand of an
// Add or ChannelScale layer.
func (ls *LayerSpec) Source() (string, error) {
	return ls.StringParam("from")
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model. The input is flattened.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddGroupedConv2D(outputChannels, kernelSize, stride, padding, 1, useBias, name)
}

// AddGroupedConv2D adds a grouped convolution. groups equal to the input
// channel count gives a depthwise convolution.
func (mb *ModelBuilder) AddGroupedConv2D(
	outputChannels, kernelSize, stride, padding, groups int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"groups":          groups,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
// negativeSlope: slope for negative input values (default: 0.01)
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddHardSwish adds the x*relu6(x+3)/6 activation used by MobileNetV3 blocks.
func (mb *ModelBuilder) AddHardSwish(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: HardSwish, Name: name})
}

// AddHardSigmoid adds the relu6(x+3)/6 gate activation.
func (mb *ModelBuilder) AddHardSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: HardSigmoid, Name: name})
}

// AddResidual adds the output of the earlier layer from to the current
// feature map. Both must have the same shape.
func (mb *ModelBuilder) AddResidual(from, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Add,
		Name: name,
		Parameters: map[string]interface{}{
			"from": from,
		},
	})
}

// AddChannelScale multiplies every channel of the earlier layer from by the
// matching value of the current [N, C, 1, 1] input.
func (mb *ModelBuilder) AddChannelScale(from, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: ChannelScale,
		Name: name,
		Parameters: map[string]interface{}{
			"from": from,
		},
	})
}

// AddSqueezeExcitation appends a squeeze-and-excitation block over the
// current feature map of the given channel count: global pooling, a 1x1
// reduction to squeeze channels, ReLU, a 1x1 expansion, a hard-sigmoid gate
// and the channel-wise rescale. Sub-layers are named after the torchvision
// SqueezeExcitation module; the rescale itself is called name.
func (mb *ModelBuilder) AddSqueezeExcitation(channels, squeeze int, name string) *ModelBuilder {
	from := ""
	if n := len(mb.layers); n > 0 {
		from = mb.layers[n-1].Name
	}
	return mb.AddGlobalAvgPool2D(name+".avgpool").
		AddConv2D(squeeze, 1, 1, 0, true, name+".fc1").
		AddReLU(name+".activation").
		AddConv2D(channels, 1, 1, 0, true, name+".fc2").
		AddHardSigmoid(name+".scale_activation").
		AddChannelScale(from, name)
}

// AddMaxPool2D adds a max pooling layer.
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
		},
	})
}

// AddGlobalAvgPool2D averages every channel down to a single value.
func (mb *ModelBuilder) AddGlobalAvgPool2D(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool2D, Name: name})
}

// AddFlatten collapses all non-batch dimensions.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddDropout adds a Dropout layer. Dropout is the identity at inference time;
// the rate is kept so checkpoints round-trip.
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model
// num_features: number of input channels
// eps: small value added for numerical stability (default: 1e-5)
// affine: whether learnable scale and shift parameters are present
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, affine bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"affine":       affine,
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	copy(model.Layers, mb.layers)

	if err := model.Recompile(); err != nil {
		return nil, err
	}
	mb.compiled = true
	return model, nil
}

// Recompile recomputes shapes and parameter information in place. Specs
// loaded from disk are recompiled rather than trusted.
func (ms *ModelSpec) Recompile() error {
	if len(ms.Layers) == 0 {
		return fmt.Errorf("cannot compile empty model")
	}
	if len(ms.InputShape) == 0 {
		return fmt.Errorf("model must specify input shape")
	}

	currentShape := ms.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)
	outputs := make(map[string][]int, len(ms.Layers))

	for i := range ms.Layers {
		layer := &ms.Layers[i]
		if layer.Name == "" {
			return fmt.Errorf("layer %d has no name", i)
		}
		if _, dup := outputs[layer.Name]; dup {
			return fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		if layer.Parameters == nil {
			layer.Parameters = map[string]interface{}{}
		}

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape, outputs)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		outputs[layer.Name] = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	ms.OutputShape = currentShape
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.Compiled = true
	return nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int, outputs map[string][]int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case GlobalAvgPool2D:
		if len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("GlobalAvgPool2D requires 4D input")
		}
		return []int{inputShape[0], inputShape[1], 1, 1}, [][]int{}, 0, nil
	case Flatten:
		features := 1
		for _, d := range inputShape[1:] {
			features *= d
		}
		return []int{inputShape[0], features}, [][]int{}, 0, nil
	case ReLU, Dropout, LeakyReLU, HardSwish, HardSigmoid:
		return computeActivationInfo(inputShape)
	case Add, ChannelScale:
		return computeMergeInfo(layer, inputShape, outputs)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize, err := layer.IntParam("output_size", 0)
	if err != nil {
		return nil, nil, 0, err
	}
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias, err := layer.BoolParam("use_bias", true)
	if err != nil {
		return nil, nil, 0, err
	}

	// For 4D input [batch, channels, height, width]: input_size = channels * height * width
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels, err := layer.IntParam("output_channels", 0)
	if err != nil {
		return nil, nil, 0, err
	}
	kernelSize, err := layer.IntParam("kernel_size", 0)
	if err != nil {
		return nil, nil, 0, err
	}
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("output_channels and kernel_size must be positive")
	}
	stride, err := layer.IntParam("stride", 1)
	if err != nil {
		return nil, nil, 0, err
	}
	padding, err := layer.IntParam("padding", 0)
	if err != nil {
		return nil, nil, 0, err
	}
	groups, err := layer.IntParam("groups", 1)
	if err != nil {
		return nil, nil, 0, err
	}
	useBias, err := layer.BoolParam("use_bias", true)
	if err != nil {
		return nil, nil, 0, err
	}
	if stride <= 0 || padding < 0 || groups <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid stride %d, padding %d or groups %d", stride, padding, groups)
	}

	batchSize := inputShape[0]
	inputChannels := inputShape[1]
	inputHeight := inputShape[2]
	inputWidth := inputShape[3]

	if inputChannels%groups != 0 || outputChannels%groups != 0 {
		return nil, nil, 0, fmt.Errorf("groups %d must divide input channels %d and output channels %d",
			groups, inputChannels, outputChannels)
	}
	layer.Parameters["input_channels"] = inputChannels

	// checked before dividing: integer division truncates toward zero
	if kernelSize > inputHeight+2*padding || kernelSize > inputWidth+2*padding {
		return nil, nil, 0, fmt.Errorf("kernel %d does not fit input %dx%d with padding %d",
			kernelSize, inputHeight, inputWidth, padding)
	}
	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1

	outputShape := []int{batchSize, outputChannels, outputHeight, outputWidth}

	// Weight tensor: [outputChannels, inputChannels/groups, kernelSize, kernelSize]
	weightShape := []int{outputChannels, inputChannels / groups, kernelSize, kernelSize}
	paramShapes := [][]int{weightShape}
	paramCount := int64(outputChannels * (inputChannels / groups) * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires at least 2D input")
	}

	numFeatures, err := layer.IntParam("num_features", inputShape[1])
	if err != nil {
		return nil, nil, 0, err
	}
	affine, err := layer.BoolParam("affine", true)
	if err != nil {
		return nil, nil, 0, err
	}

	// BatchNorm doesn't change the input shape - it normalizes along the feature dimension
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	if numFeatures != inputShape[1] {
		return nil, nil, 0, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	var paramShapes [][]int
	var paramCount int64

	if affine {
		paramShapes = append(paramShapes, []int{numFeatures}) // gamma (scale)
		paramShapes = append(paramShapes, []int{numFeatures}) // beta (shift)
		paramCount = int64(numFeatures * 2)
	}

	// running_mean and running_var are buffers, not parameters
	return outputShape, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D requires 4D input")
	}
	kernelSize, err := layer.IntParam("kernel_size", 2)
	if err != nil {
		return nil, nil, 0, err
	}
	stride, err := layer.IntParam("stride", kernelSize)
	if err != nil {
		return nil, nil, 0, err
	}
	if kernelSize <= 0 || stride <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel_size and stride must be positive")
	}
	if kernelSize > inputShape[2] || kernelSize > inputShape[3] {
		return nil, nil, 0, fmt.Errorf("pool kernel %d does not fit input %dx%d", kernelSize, inputShape[2], inputShape[3])
	}
	outH := (inputShape[2]-kernelSize)/stride + 1
	outW := (inputShape[3]-kernelSize)/stride + 1
	return []int{inputShape[0], inputShape[1], outH, outW}, [][]int{}, 0, nil
}

// computeMergeInfo checks the second operand of an Add or ChannelScale layer.
// The operand must come from a layer compiled earlier.
func computeMergeInfo(layer *LayerSpec, inputShape []int, outputs map[string][]int) ([]int, [][]int, int64, error) {
	from, err := layer.Source()
	if err != nil {
		return nil, nil, 0, err
	}
	if from == "" {
		return nil, nil, 0, fmt.Errorf("%s layer requires a from parameter", layer.Type)
	}
	other, ok := outputs[from]
	if !ok {
		return nil, nil, 0, fmt.Errorf("from layer %q is not an earlier layer", from)
	}

	switch layer.Type {
	case Add:
		if !sameShape(inputShape, other) {
			return nil, nil, 0, fmt.Errorf("cannot add %v from %s to %v", other, from, inputShape)
		}
	case ChannelScale:
		if len(other) != 4 || len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("ChannelScale requires 4D operands")
		}
		if inputShape[0] != other[0] || inputShape[1] != other[1] || inputShape[2] != 1 || inputShape[3] != 1 {
			return nil, nil, 0, fmt.Errorf("scale %v does not match %v from %s", inputShape, other, from)
		}
	}

	outputShape := make([]int, len(other))
	copy(outputShape, other)
	return outputShape, [][]int{}, 0, nil
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

func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	return outputShape, [][]int{}, 0, nil
}

// LayerIndex returns the position of the named layer, or -1.
func (ms *ModelSpec) LayerIndex(name string) int {
	for i, layer := range ms.Layers {
		if layer.Name == name {
			return i
		}
	}
	return -1
}

// DefaultTargetLayer returns the last layer producing a spatial feature map,
// i.e. the output of the final convolutional block.
func (ms *ModelSpec) DefaultTargetLayer() (string, error) {
	fallback := ""
	for i := len(ms.Layers) - 1; i >= 0; i-- {
		shape := ms.Layers[i].OutputShape
		if len(shape) != 4 || ms.Layers[i].Type == GlobalAvgPool2D {
			continue
		}
		// layers after global pooling keep a 1x1 map
		if shape[2]*shape[3] > 1 {
			return ms.Layers[i].Name, nil
		}
		if fallback == "" {
			fallback = ms.Layers[i].Name
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("model has no spatial layer to explain")
}

// ValidateModelForInference checks that the model is a single-image CNN
// classifier: [1, 3, H, W] input, at least one convolution and a final dense
// head.
func (ms *ModelSpec) ValidateModelForInference() error {
	if !ms.Compiled {
		return fmt.Errorf("model not compiled")
	}
	if len(ms.Layers) == 0 {
		return fmt.Errorf("empty model")
	}
	if len(ms.InputShape) != 4 || ms.InputShape[0] != 1 || ms.InputShape[1] != 3 {
		return fmt.Errorf("inference requires input shape [1, 3, H, W], got %v", ms.InputShape)
	}

	hasConv := false
	for _, layer := range ms.Layers {
		if layer.Type == Conv2D {
			hasConv = true
			break
		}
	}
	if !hasConv {
		return fmt.Errorf("model requires at least one Conv2D layer")
	}
	if last := ms.Layers[len(ms.Layers)-1]; last.Type != Dense {
		return fmt.Errorf("last layer must be Dense, got %s", last.Type)
	}
	return nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n\n", layer.ParameterCount)
	}

	return sb.String()
}
