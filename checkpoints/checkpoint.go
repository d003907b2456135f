package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepcam/deepcam/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a configuration string ("json", "onnx") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "onnx":
		return FormatONNX, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatForPath guesses the format from the file extension.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

// Checkpoint is a trained classifier: architecture, weights and everything
// needed to run it the way it was trained.
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	Inference InferenceMetadata `json:"inference"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta", "running_mean", "running_var"
}

// InferenceMetadata records the training-time conventions a checkpoint must
// be run with. ClassNames is the label ordering of the head outputs.
type InferenceMetadata struct {
	ClassNames  []string  `json:"class_names"`
	Mean        []float32 `json:"mean,omitempty"`
	Std         []float32 `json:"std,omitempty"`
	TargetLayer string    `json:"target_layer,omitempty"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "deepcam"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint and validates its weights against
// the recompiled model spec.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat checkpoint file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("checkpoint file %s is empty", path)
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint, err = cs.loadJSON(path)
	case FormatONNX:
		checkpoint, err = NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, err
	}

	if err := checkpoint.Validate(); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// Validate recompiles the model spec and checks that every parameter the
// spec declares is present with the declared shape. BatchNorm layers must
// also carry their running mean and variance.
func (c *Checkpoint) Validate() error {
	if c.ModelSpec == nil {
		return fmt.Errorf("checkpoint has no model spec")
	}
	if err := c.ModelSpec.Recompile(); err != nil {
		return fmt.Errorf("invalid model spec: %w", err)
	}

	weightMap := c.WeightMap()
	for _, layer := range c.ModelSpec.Layers {
		names := ParameterNames(layer)
		if len(names) != len(layer.ParameterShapes) {
			return fmt.Errorf("layer %s: expected %d parameters, naming yields %d",
				layer.Name, len(layer.ParameterShapes), len(names))
		}
		for i, name := range names {
			weight, ok := weightMap[name]
			if !ok {
				return fmt.Errorf("missing weight %s", name)
			}
			if !shapesMatch(weight.Shape, layer.ParameterShapes[i]) {
				return fmt.Errorf("shape mismatch for weight %s: checkpoint %v vs model %v",
					name, weight.Shape, layer.ParameterShapes[i])
			}
			if len(weight.Data) != numElements(weight.Shape) {
				return fmt.Errorf("weight %s has %d values for shape %v", name, len(weight.Data), weight.Shape)
			}
		}
		if layer.Type == layers.BatchNorm {
			for _, key := range []string{"running_mean", "running_var"} {
				stat, ok := RunningStatistic(layer, weightMap, key)
				if !ok {
					return fmt.Errorf("missing %s for batch norm layer %s", key, layer.Name)
				}
				if len(stat) != layer.InputShape[1] {
					return fmt.Errorf("%s of %s has %d values, expected %d", key, layer.Name, len(stat), layer.InputShape[1])
				}
			}
		}
	}
	return nil
}

// RunningStatistic returns a BatchNorm buffer ("running_mean" or
// "running_var") from the weights, where ONNX files keep it as an
// initializer, or else from the layer spec.
func RunningStatistic(layer layers.LayerSpec, weights map[string]WeightTensor, key string) ([]float32, bool) {
	if w, ok := weights[layer.Name+"."+key]; ok {
		return w.Data, true
	}
	stat, ok := layer.RunningStatistics[key]
	return stat, ok && stat != nil
}

// WeightMap indexes weights by name.
func (c *Checkpoint) WeightMap() map[string]WeightTensor {
	weightMap := make(map[string]WeightTensor, len(c.Weights))
	for _, weight := range c.Weights {
		weightMap[weight.Name] = weight
	}
	return weightMap
}

// ParameterNames returns the learnable parameter names of a layer in the
// order of its ParameterShapes.
func ParameterNames(layer layers.LayerSpec) []string {
	switch layer.Type {
	case layers.Dense, layers.Conv2D:
		names := []string{layer.Name + ".weight"}
		if useBias, _ := layer.BoolParam("use_bias", true); useBias {
			names = append(names, layer.Name+".bias")
		}
		return names
	case layers.BatchNorm:
		if affine, _ := layer.BoolParam("affine", true); affine {
			// ONNX uses "weight" for gamma and "bias" for beta
			return []string{layer.Name + ".weight", layer.Name + ".bias"}
		}
		return nil
	default:
		return nil
	}
}

func shapesMatch(a, b []int) bool {
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

func numElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
