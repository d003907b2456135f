package layers_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/deepcam/deepcam/layers"
)

// mobileNetTail mirrors the last stages of a small MobileNetV3 classifier.
func mobileNetTail() *layers.ModelBuilder {
	return layers.NewModelBuilder([]int{1, 3, 32, 32}).
		AddConv2D(16, 3, 2, 1, false, "features.0.conv").
		AddBatchNorm(16, 1e-3, true, "features.0.bn").
		AddHardSwish("features.0.act").
		AddGroupedConv2D(16, 3, 2, 1, 16, false, "features.1.dw").
		AddBatchNorm(16, 1e-3, true, "features.1.bn").
		AddReLU("features.1.act").
		AddMaxPool2D(2, 2, "features.2.pool").
		AddGlobalAvgPool2D("avgpool").
		AddFlatten("flatten").
		AddDense(32, true, "classifier.0").
		AddHardSwish("classifier.1").
		AddDropout(0.2, "classifier.2").
		AddDense(2, true, "classifier.3")
}

func TestModelBuilderShapes(t *testing.T) {
	model, err := mobileNetTail().Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	tests := []struct {
		layer string
		shape []int
	}{
		{"features.0.conv", []int{1, 16, 16, 16}},
		{"features.1.dw", []int{1, 16, 8, 8}},
		{"features.2.pool", []int{1, 16, 4, 4}},
		{"avgpool", []int{1, 16, 1, 1}},
		{"flatten", []int{1, 16}},
		{"classifier.3", []int{1, 2}},
	}
	for _, tt := range tests {
		idx := model.LayerIndex(tt.layer)
		if idx < 0 {
			t.Errorf("Layer %s not found", tt.layer)
			continue
		}
		if got := model.Layers[idx].OutputShape; !reflect.DeepEqual(got, tt.shape) {
			t.Errorf("%s output shape = %v, want %v", tt.layer, got, tt.shape)
		}
	}

	dw := model.Layers[model.LayerIndex("features.1.dw")]
	if !reflect.DeepEqual(dw.ParameterShapes, [][]int{{16, 1, 3, 3}}) {
		t.Errorf("Depthwise weight shape = %v", dw.ParameterShapes)
	}

	// 16*3*3*3 + 2*16 + 16*1*3*3 + 2*16 + (16*32+32) + (32*2+2)
	var want int64 = 432 + 32 + 144 + 32 + 544 + 66
	if model.TotalParameters != want {
		t.Errorf("TotalParameters = %d, want %d", model.TotalParameters, want)
	}

	if err := model.ValidateModelForInference(); err != nil {
		t.Errorf("Expected valid inference model: %v", err)
	}
	if !strings.Contains(model.Summary(), "classifier.3") {
		t.Error("Summary does not list the head")
	}
}

func TestDefaultTargetLayer(t *testing.T) {
	model, err := mobileNetTail().Compile()
	if err != nil {
		t.Fatal(err)
	}
	name, err := model.DefaultTargetLayer()
	if err != nil {
		t.Fatal(err)
	}
	if name != "features.2.pool" {
		t.Errorf("DefaultTargetLayer = %s, want features.2.pool", name)
	}

	// dropout straight after pooling keeps a 1x1 map and is skipped
	model, err = layers.NewModelBuilder([]int{1, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv").
		AddReLU("act").
		AddGlobalAvgPool2D("pool").
		AddDropout(0.1, "drop").
		AddDense(2, true, "head").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := model.DefaultTargetLayer(); name != "act" {
		t.Errorf("DefaultTargetLayer = %s, want act", name)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *layers.ModelBuilder
	}{
		{"Empty", layers.NewModelBuilder([]int{1, 3, 8, 8})},
		{"DuplicateName", layers.NewModelBuilder([]int{1, 3, 8, 8}).
			AddConv2D(4, 3, 1, 1, true, "conv").
			AddReLU("conv")},
		{"BadGroups", layers.NewModelBuilder([]int{1, 3, 8, 8}).
			AddGroupedConv2D(4, 3, 1, 1, 2, true, "conv")},
		{"BatchNormFeatures", layers.NewModelBuilder([]int{1, 3, 8, 8}).
			AddConv2D(4, 3, 1, 1, true, "conv").
			AddBatchNorm(8, 1e-5, true, "bn")},
		{"PoolTooLarge", layers.NewModelBuilder([]int{1, 3, 2, 2}).
			AddMaxPool2D(4, 4, "pool")},
		{"PoolTallerThanInput", layers.NewModelBuilder([]int{1, 3, 2, 8}).
			AddMaxPool2D(3, 1, "pool")},
		{"ConvTooLarge", layers.NewModelBuilder([]int{1, 3, 2, 2}).
			AddConv2D(4, 5, 5, 0, true, "conv")},
		{"ResidualShape", layers.NewModelBuilder([]int{1, 3, 8, 8}).
			AddConv2D(4, 3, 1, 1, true, "conv1").
			AddConv2D(4, 3, 2, 1, true, "conv2").
			AddResidual("conv1", "add")},
		{"ResidualForwardReference", layers.NewModelBuilder([]int{1, 3, 8, 8}).
			AddConv2D(4, 3, 1, 1, true, "conv1").
			AddResidual("conv2", "add").
			AddConv2D(4, 3, 1, 1, true, "conv2")},
		{"ResidualWithoutSource", layers.NewModelBuilder([]int{1, 3, 8, 8}).
			AddConv2D(4, 3, 1, 1, true, "conv1").
			AddResidual("", "add")},
		{"ScaleNotPooled", layers.NewModelBuilder([]int{1, 3, 8, 8}).
			AddConv2D(4, 3, 1, 1, true, "conv1").
			AddConv2D(4, 1, 1, 0, true, "conv2").
			AddChannelScale("conv1", "scale")},
		{"ScaleChannels", layers.NewModelBuilder([]int{1, 3, 8, 8}).
			AddConv2D(4, 3, 1, 1, true, "conv1").
			AddSqueezeExcitation(8, 2, "se")},
	}
	for _, tt := range tests {
		if _, err := tt.builder.Compile(); err == nil {
			t.Errorf("%s: expected compile error", tt.name)
		}
	}
}

func TestPoolOutputShape(t *testing.T) {
	tests := []struct {
		input  []int
		kernel int
		stride int
		want   []int
	}{
		{[]int{1, 3, 4, 4}, 4, 4, []int{1, 3, 1, 1}},
		{[]int{1, 3, 5, 5}, 2, 2, []int{1, 3, 2, 2}},
		{[]int{1, 3, 7, 5}, 3, 2, []int{1, 3, 3, 2}},
	}
	for _, tt := range tests {
		model, err := layers.NewModelBuilder(tt.input).AddMaxPool2D(tt.kernel, tt.stride, "pool").Compile()
		if err != nil {
			t.Errorf("pool %d/%d over %v: %v", tt.kernel, tt.stride, tt.input, err)
			continue
		}
		if !reflect.DeepEqual(model.OutputShape, tt.want) {
			t.Errorf("pool %d/%d over %v = %v, want %v", tt.kernel, tt.stride, tt.input, model.OutputShape, tt.want)
		}
	}
}

// invertedResidual is one MobileNetV3 bottleneck with squeeze-excitation and
// a skip connection, as torchvision names it.
func invertedResidual() *layers.ModelBuilder {
	return layers.NewModelBuilder([]int{1, 3, 16, 16}).
		AddConv2D(16, 3, 2, 1, false, "features.0.0").
		AddBatchNorm(16, 1e-3, true, "features.0.1").
		AddHardSwish("features.0.2").
		AddConv2D(32, 1, 1, 0, false, "features.1.block.0.0").
		AddHardSwish("features.1.block.0.2").
		AddGroupedConv2D(32, 5, 1, 2, 32, false, "features.1.block.1.0").
		AddHardSwish("features.1.block.1.2").
		AddSqueezeExcitation(32, 8, "features.1.block.2").
		AddConv2D(16, 1, 1, 0, false, "features.1.block.3.0").
		AddResidual("features.0.2", "features.1.add").
		AddGlobalAvgPool2D("avgpool").
		AddFlatten("flatten").
		AddDense(2, true, "classifier.3")
}

func TestSqueezeExcitationAndResidual(t *testing.T) {
	model, err := invertedResidual().Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	tests := []struct {
		layer string
		shape []int
	}{
		{"features.1.block.2.avgpool", []int{1, 32, 1, 1}},
		{"features.1.block.2.fc1", []int{1, 8, 1, 1}},
		{"features.1.block.2.scale_activation", []int{1, 32, 1, 1}},
		{"features.1.block.2", []int{1, 32, 8, 8}},
		{"features.1.add", []int{1, 16, 8, 8}},
	}
	for _, tt := range tests {
		idx := model.LayerIndex(tt.layer)
		if idx < 0 {
			t.Errorf("Layer %s not found", tt.layer)
			continue
		}
		if got := model.Layers[idx].OutputShape; !reflect.DeepEqual(got, tt.shape) {
			t.Errorf("%s output shape = %v, want %v", tt.layer, got, tt.shape)
		}
	}

	scale := model.Layers[model.LayerIndex("features.1.block.2")]
	if scale.Type != layers.ChannelScale {
		t.Errorf("SE output layer type = %s", scale.Type)
	}
	if from, _ := scale.Source(); from != "features.1.block.1.2" {
		t.Errorf("SE rescales %q, want features.1.block.1.2", from)
	}
	fc1 := model.Layers[model.LayerIndex("features.1.block.2.fc1")]
	if !reflect.DeepEqual(fc1.ParameterShapes, [][]int{{8, 32, 1, 1}, {8}}) {
		t.Errorf("fc1 parameter shapes = %v", fc1.ParameterShapes)
	}

	name, err := model.DefaultTargetLayer()
	if err != nil || name != "features.1.add" {
		t.Errorf("DefaultTargetLayer = %s, %v; want features.1.add", name, err)
	}
	if err := model.ValidateModelForInference(); err != nil {
		t.Errorf("Expected valid inference model: %v", err)
	}

	// the skip source survives a JSON round trip
	data, err := json.Marshal(model)
	if err != nil {
		t.Fatal(err)
	}
	var decoded layers.ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if err := decoded.Recompile(); err != nil {
		t.Fatalf("Recompile after JSON round trip: %v", err)
	}
	if from, _ := decoded.Layers[decoded.LayerIndex("features.1.add")].Source(); from != "features.0.2" {
		t.Errorf("residual source after round trip = %q", from)
	}
}

func TestValidateModelForInference(t *testing.T) {
	noConv, err := layers.NewModelBuilder([]int{1, 3, 4, 4}).
		AddFlatten("flatten").
		AddDense(2, true, "head").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	if err := noConv.ValidateModelForInference(); err == nil {
		t.Error("Expected error for model without convolution")
	}

	gray, err := layers.NewModelBuilder([]int{1, 1, 4, 4}).
		AddConv2D(2, 3, 1, 1, true, "conv").
		AddGlobalAvgPool2D("pool").
		AddDense(2, true, "head").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	if err := gray.ValidateModelForInference(); err == nil {
		t.Error("Expected error for single-channel input")
	}
}

func TestParamsSurviveJSON(t *testing.T) {
	model, err := mobileNetTail().Compile()
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(model)
	if err != nil {
		t.Fatal(err)
	}

	var decoded layers.ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if err := decoded.Recompile(); err != nil {
		t.Fatalf("Recompile after JSON round trip: %v", err)
	}
	if !reflect.DeepEqual(decoded.OutputShape, model.OutputShape) {
		t.Errorf("Output shape %v, want %v", decoded.OutputShape, model.OutputShape)
	}

	dw := decoded.Layers[decoded.LayerIndex("features.1.dw")]
	groups, err := dw.IntParam("groups", 1)
	if err != nil || groups != 16 {
		t.Errorf("groups = %d, %v", groups, err)
	}
	eps, err := decoded.Layers[1].FloatParam("eps", 0)
	if err != nil || eps != 1e-3 {
		t.Errorf("eps = %v, %v", eps, err)
	}
	affine, err := decoded.Layers[1].BoolParam("affine", false)
	if err != nil || !affine {
		t.Errorf("affine = %v, %v", affine, err)
	}
}

func TestLayerTypeString(t *testing.T) {
	tests := map[layers.LayerType]string{
		layers.Conv2D:          "Conv2D",
		layers.HardSwish:       "HardSwish",
		layers.GlobalAvgPool2D: "GlobalAvgPool2D",
		layers.Flatten:         "Flatten",
		layers.HardSigmoid:     "HardSigmoid",
		layers.Add:             "Add",
		layers.ChannelScale:    "ChannelScale",
	}
	for lt, want := range tests {
		if got := lt.String(); got != want {
			t.Errorf("%d.String() = %s, want %s", int(lt), got, want)
		}
	}
}
