package checkpoints_test

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/deepcam/deepcam/checkpoints"
	"github.com/deepcam/deepcam/checkpoints/checkpointtest"
	"github.com/deepcam/deepcam/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCheckpointJSONSaveLoad(t *testing.T) {
	dir := t.TempDir()
	original := checkpointtest.BrightnessNet(t, 8)
	original.Inference.Mean = []float32{0.5, 0.5, 0.5}
	original.Inference.Std = []float32{0.5, 0.5, 0.5}
	original.Metadata.Description = "brightness check"

	path := checkpointtest.Write(t, dir, "model.json", original)

	loaded, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}

	if loaded.Metadata.Framework != "deepcam" {
		t.Errorf("Expected framework deepcam, got %q", loaded.Metadata.Framework)
	}
	if loaded.Metadata.Description != "brightness check" {
		t.Errorf("Description not preserved: %q", loaded.Metadata.Description)
	}
	if !reflect.DeepEqual(loaded.Inference, original.Inference) {
		t.Errorf("Inference metadata mismatch: got %+v, want %+v", loaded.Inference, original.Inference)
	}
	if len(loaded.Weights) != len(original.Weights) {
		t.Fatalf("Expected %d weights, got %d", len(original.Weights), len(loaded.Weights))
	}
	for i, w := range loaded.Weights {
		if !reflect.DeepEqual(w.Data, original.Weights[i].Data) {
			t.Errorf("Weight %s data mismatch", w.Name)
		}
	}

	// Parameters come back from JSON as float64; the recompiled spec must
	// still resolve them.
	conv := loaded.ModelSpec.Layers[0]
	if k, err := conv.IntParam("kernel_size", 0); err != nil || k != 1 {
		t.Errorf("kernel_size after round trip = %d, %v", k, err)
	}
}

func TestLoadCheckpointRejectsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := saver.LoadCheckpoint(empty); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("Expected empty-file error, got %v", err)
	}

	if _, err := saver.LoadCheckpoint(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := saver.LoadCheckpoint(garbage); err == nil {
		t.Error("Expected error for corrupt JSON")
	}

	mismatch := checkpointtest.ZeroNet(t, 8)
	mismatch.Weights[0].Shape = []int{4, 3, 5, 5}
	path := checkpointtest.Write(t, dir, "mismatch.json", mismatch)
	if _, err := saver.LoadCheckpoint(path); err == nil || !strings.Contains(err.Error(), "shape mismatch") {
		t.Errorf("Expected shape mismatch error, got %v", err)
	}

	missing := checkpointtest.ZeroNet(t, 8)
	missing.Weights = missing.Weights[:3]
	path = checkpointtest.Write(t, dir, "missing-weight.json", missing)
	if _, err := saver.LoadCheckpoint(path); err == nil || !strings.Contains(err.Error(), "missing weight") {
		t.Errorf("Expected missing weight error, got %v", err)
	}
}

func TestONNXRoundTrip(t *testing.T) {
	dir := t.TempDir()
	original := checkpointtest.BrightnessNet(t, 8)
	path := filepath.Join(dir, "model.onnx")

	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).SaveCheckpoint(original, path); err != nil {
		t.Fatalf("Failed to export ONNX: %v", err)
	}

	loaded, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to import ONNX: %v", err)
	}

	if !reflect.DeepEqual(loaded.Inference.ClassNames, checkpointtest.ClassNames) {
		t.Errorf("Class names mismatch: %v", loaded.Inference.ClassNames)
	}
	if loaded.Inference.TargetLayer != "relu1" {
		t.Errorf("Target layer mismatch: %q", loaded.Inference.TargetLayer)
	}
	if loaded.Metadata.Framework != "deepcam" {
		t.Errorf("Producer name not preserved: %q", loaded.Metadata.Framework)
	}

	weights := loaded.WeightMap()
	for _, want := range original.Weights {
		got, ok := weights[want.Name]
		if !ok {
			t.Errorf("Weight %s missing after import", want.Name)
			continue
		}
		if !reflect.DeepEqual(got.Shape, want.Shape) || !reflect.DeepEqual(got.Data, want.Data) {
			t.Errorf("Weight %s differs after import", want.Name)
		}
		if got.Layer != want.Layer || got.Type != want.Type {
			t.Errorf("Weight %s annotated as %s/%s", want.Name, got.Layer, got.Type)
		}
	}
}

// foreignONNX encodes a model the way other exporters do: initializers only,
// unpacked dims and raw little-endian data, no embedded architecture.
func foreignONNX(weights []checkpoints.WeightTensor) []byte {
	var graph []byte
	for _, w := range weights {
		var tensor []byte
		for _, d := range w.Shape {
			tensor = protowire.AppendTag(tensor, 1, protowire.VarintType)
			tensor = protowire.AppendVarint(tensor, uint64(d))
		}
		tensor = protowire.AppendTag(tensor, 2, protowire.VarintType)
		tensor = protowire.AppendVarint(tensor, 1)
		tensor = protowire.AppendTag(tensor, 8, protowire.BytesType)
		tensor = protowire.AppendString(tensor, w.Name)
		raw := make([]byte, 4*len(w.Data))
		for i, v := range w.Data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		tensor = protowire.AppendTag(tensor, 9, protowire.BytesType)
		tensor = protowire.AppendBytes(tensor, raw)

		graph = protowire.AppendTag(graph, 5, protowire.BytesType)
		graph = protowire.AppendBytes(graph, tensor)
	}

	var model []byte
	model = protowire.AppendTag(model, 1, protowire.VarintType)
	model = protowire.AppendVarint(model, 8)
	model = protowire.AppendTag(model, 7, protowire.BytesType)
	return protowire.AppendBytes(model, graph)
}

func TestONNXImportWithSuppliedSpec(t *testing.T) {
	reference := checkpointtest.ZeroNet(t, 8)
	reference.Weights[2].Data[3] = 0.75
	data := foreignONNX(reference.Weights)

	if _, err := checkpoints.NewONNXImporter().Unmarshal(data); err == nil {
		t.Error("Expected error when no model spec is available")
	}

	loaded, err := checkpoints.NewONNXImporter().
		WithModelSpec(reference.ModelSpec, checkpoints.InferenceMetadata{ClassNames: []string{"Fake", "Real"}}).
		Unmarshal(data)
	if err != nil {
		t.Fatalf("Failed to import foreign ONNX: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Fatalf("Imported checkpoint invalid: %v", err)
	}
	if got := loaded.WeightMap()["head.weight"].Data[3]; got != 0.75 {
		t.Errorf("head.weight[3] = %v, want 0.75", got)
	}
	if !reflect.DeepEqual(loaded.WeightMap()["conv1.weight"].Shape, []int{4, 3, 3, 3}) {
		t.Errorf("Unpacked dims decoded as %v", loaded.WeightMap()["conv1.weight"].Shape)
	}

	if _, err := checkpoints.NewONNXImporter().Unmarshal([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("Expected error for malformed ONNX bytes")
	}
}

func TestONNXImportTransposesGemmWeights(t *testing.T) {
	reference := checkpointtest.ZeroNet(t, 8)
	// the head is [in=4, out=2]; a Gemm exporter writes it as [2, 4]
	gemm := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	foreign := append([]checkpoints.WeightTensor(nil), reference.Weights...)
	foreign[2] = checkpoints.WeightTensor{Name: "head.weight", Shape: []int{2, 4}, Data: gemm}

	loaded, err := checkpoints.NewONNXImporter().
		WithModelSpec(reference.ModelSpec, checkpoints.InferenceMetadata{ClassNames: []string{"Fake", "Real"}}).
		Unmarshal(foreignONNX(foreign))
	if err != nil {
		t.Fatalf("Failed to import foreign ONNX: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Fatalf("Imported checkpoint invalid: %v", err)
	}

	head := loaded.WeightMap()["head.weight"]
	if !reflect.DeepEqual(head.Shape, []int{4, 2}) {
		t.Errorf("head.weight shape = %v, want [4 2]", head.Shape)
	}
	want := []float32{1, 5, 2, 6, 3, 7, 4, 8}
	if !reflect.DeepEqual(head.Data, want) {
		t.Errorf("head.weight = %v, want %v", head.Data, want)
	}
}

func TestValidateRequiresBatchNormStatistics(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 3, 4, 4}).
		AddConv2D(2, 1, 1, 0, false, "conv").
		AddBatchNorm(2, 1e-5, true, "bn").
		AddGlobalAvgPool2D("pool").
		AddDense(2, false, "head").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	checkpoint := &checkpoints.Checkpoint{
		ModelSpec: spec,
		Weights: []checkpoints.WeightTensor{
			{Name: "conv.weight", Shape: []int{2, 3, 1, 1}, Data: make([]float32, 6)},
			{Name: "bn.weight", Shape: []int{2}, Data: []float32{1, 1}},
			{Name: "bn.bias", Shape: []int{2}, Data: []float32{0, 0}},
			{Name: "head.weight", Shape: []int{2, 2}, Data: make([]float32, 4)},
		},
	}

	if err := checkpoint.Validate(); err == nil || !strings.Contains(err.Error(), "missing running_mean") {
		t.Errorf("Expected missing running_mean error, got %v", err)
	}

	checkpoint.Weights = append(checkpoint.Weights,
		checkpoints.WeightTensor{Name: "bn.running_mean", Shape: []int{2}, Data: []float32{0, 0}},
		checkpoints.WeightTensor{Name: "bn.running_var", Shape: []int{3}, Data: []float32{1, 1, 1}},
	)
	if err := checkpoint.Validate(); err == nil || !strings.Contains(err.Error(), "running_var") {
		t.Errorf("Expected running_var length error, got %v", err)
	}

	checkpoint.Weights = checkpoint.Weights[:len(checkpoint.Weights)-1]
	spec.Layers[1].RunningStatistics = map[string][]float32{"running_var": {1, 1}}
	if err := checkpoint.Validate(); err != nil {
		t.Errorf("Statistics split between weights and spec rejected: %v", err)
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		input   string
		want    checkpoints.CheckpointFormat
		wantErr bool
	}{
		{"json", checkpoints.FormatJSON, false},
		{" ONNX ", checkpoints.FormatONNX, false},
		{"pth", checkpoints.FormatJSON, true},
	}
	for _, tt := range tests {
		got, err := checkpoints.ParseFormat(tt.input)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.input, got, err)
		}
	}

	if checkpoints.FormatForPath("weights/korean.ONNX") != checkpoints.FormatONNX {
		t.Error("Expected .ONNX to map to FormatONNX")
	}
	if checkpoints.FormatForPath("weights/korean.json") != checkpoints.FormatJSON {
		t.Error("Expected .json to map to FormatJSON")
	}
}
