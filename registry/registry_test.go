package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepcam/deepcam/checkpoints"
	"github.com/deepcam/deepcam/checkpoints/checkpointtest"
	"github.com/deepcam/deepcam/engine"
	"github.com/deepcam/deepcam/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func stubModel(t *testing.T) *engine.Model {
	t.Helper()
	model, err := engine.FromCheckpoint(checkpointtest.ZeroNet(t, 8))
	require.NoError(t, err)
	return model
}

func TestResolveUnknownVariant(t *testing.T) {
	reg, err := New(map[string]Variant{"korean": {Path: "unused.json"}})
	require.NoError(t, err)

	_, err = reg.Resolve(context.Background(), "unknown")
	var unknown *UnknownVariantError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "unknown", unknown.Key)
	assert.Equal(t, []string{"korean"}, unknown.Known)
}

func TestResolveEmptyThenValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "korean.json")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	reg, err := New(map[string]Variant{"korean": {Path: path}}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	_, err = reg.Resolve(context.Background(), "korean")
	var loadErr *WeightLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, path, loadErr.Path)
	assert.Empty(t, reg.Loaded())

	checkpointtest.Write(t, dir, "korean.json", checkpointtest.ZeroNet(t, 8))

	handle, err := reg.Resolve(context.Background(), "korean")
	require.NoError(t, err)
	assert.Equal(t, "korean", handle.Key)
	assert.Equal(t, []string{"Fake", "Real"}, handle.Model.ClassNames())
	assert.Equal(t, []string{"korean"}, reg.Loaded())

	again, err := reg.Resolve(context.Background(), "KOREAN")
	require.NoError(t, err)
	assert.Same(t, handle, again)
}

func TestResolveAliases(t *testing.T) {
	var calls atomic.Int32
	model := stubModel(t)
	loader := func(ctx context.Context, v Variant) (*engine.Model, error) {
		calls.Add(1)
		return model, nil
	}
	reg, err := New(map[string]Variant{
		"foreign": {Path: "f.json", Aliases: []string{"foriegn", "global"}},
		"korean":  {Path: "k.json"},
	}, WithLoader(loader))
	require.NoError(t, err)

	a, err := reg.Resolve(context.Background(), "foriegn")
	require.NoError(t, err)
	b, err := reg.Resolve(context.Background(), "foreign")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "foreign", a.Key)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"foreign", "korean"}, reg.Keys())
}

func TestNewRejectsConflicts(t *testing.T) {
	_, err := New(map[string]Variant{
		"korean":  {Aliases: []string{"kr"}},
		"foreign": {Aliases: []string{"KR"}},
	})
	assert.Error(t, err)

	_, err = New(map[string]Variant{"  ": {}})
	assert.Error(t, err)
}

func TestConcurrentResolveLoadsOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	model := stubModel(t)
	loader := func(ctx context.Context, v Variant) (*engine.Model, error) {
		calls.Add(1)
		<-release
		return model, nil
	}
	reg, err := New(map[string]Variant{"korean": {}}, WithLoader(loader))
	require.NoError(t, err)

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := reg.Resolve(context.Background(), "korean")
			if err == nil {
				handles[i] = h
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 1; i < n; i++ {
		require.NotNil(t, handles[i])
		assert.Same(t, handles[0], handles[i])
	}
}

func TestLoaderFailureIsNotCached(t *testing.T) {
	var calls atomic.Int32
	model := stubModel(t)
	loader := func(ctx context.Context, v Variant) (*engine.Model, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("disk on fire")
		}
		return model, nil
	}
	reg, err := New(map[string]Variant{"korean": {Path: "k.json"}}, WithLoader(loader))
	require.NoError(t, err)

	_, err = reg.Resolve(context.Background(), "korean")
	var loadErr *WeightLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.EqualError(t, loadErr.Unwrap(), "disk on fire")

	_, err = reg.Resolve(context.Background(), "korean")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolveRejectsNonBinaryHead(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 3, 4, 4}).
		AddConv2D(2, 1, 1, 0, false, "conv").
		AddGlobalAvgPool2D("pool").
		AddDense(3, false, "head").
		Compile()
	require.NoError(t, err)

	reg, err := New(map[string]Variant{"x": {}}, WithLoader(func(context.Context, Variant) (*engine.Model, error) {
		return engine.NewModel(spec, []checkpoints.WeightTensor{
			{Name: "conv.weight", Shape: []int{2, 3, 1, 1}, Data: make([]float32, 6)},
			{Name: "head.weight", Shape: []int{2, 3}, Data: make([]float32, 6)},
		}, engine.ModelMeta{ClassNames: []string{"Fake", "Real", "Other"}})
	}))
	require.NoError(t, err)

	_, err = reg.Resolve(context.Background(), "x")
	var loadErr *WeightLoadError
	assert.ErrorAs(t, err, &loadErr)
	assert.Empty(t, reg.Loaded())
}

// writeSpec saves a checkpoint for spec with every declared parameter set to
// a small constant.
func writeSpec(t *testing.T, dir, name string, spec *layers.ModelSpec) string {
	t.Helper()
	ckpt := &checkpoints.Checkpoint{
		ModelSpec: spec,
		Inference: checkpoints.InferenceMetadata{ClassNames: []string{"Fake", "Real"}},
	}
	for _, layer := range spec.Layers {
		for i, paramName := range checkpoints.ParameterNames(layer) {
			shape := layer.ParameterShapes[i]
			n := 1
			for _, d := range shape {
				n *= d
			}
			data := make([]float32, n)
			for j := range data {
				data[j] = 0.1
			}
			ckpt.Weights = append(ckpt.Weights, checkpoints.WeightTensor{Name: paramName, Shape: shape, Data: data})
		}
	}
	return checkpointtest.Write(t, dir, name, ckpt)
}

func TestResolveRejectsMalformedCheckpoints(t *testing.T) {
	dir := t.TempDir()

	// written without the builder, which rejects the oversized pool
	pool := &layers.ModelSpec{
		InputShape: []int{1, 3, 2, 2},
		Layers: []layers.LayerSpec{
			{Type: layers.Conv2D, Name: "conv", Parameters: map[string]interface{}{
				"output_channels": 2, "kernel_size": 1, "use_bias": false,
			}},
			{Type: layers.MaxPool2D, Name: "pool", Parameters: map[string]interface{}{
				"kernel_size": 4, "stride": 4,
			}},
			{Type: layers.Flatten, Name: "flatten", Parameters: map[string]interface{}{}},
			{Type: layers.Dense, Name: "head", Parameters: map[string]interface{}{
				"output_size": 2, "use_bias": false,
			}},
		},
	}
	poolPath := checkpointtest.Write(t, dir, "pool.json", &checkpoints.Checkpoint{
		ModelSpec: pool,
		Weights: []checkpoints.WeightTensor{
			{Name: "conv.weight", Shape: []int{2, 3, 1, 1}, Data: make([]float32, 6)},
			{Name: "head.weight", Shape: []int{2, 2}, Data: make([]float32, 4)},
		},
		Inference: checkpoints.InferenceMetadata{ClassNames: []string{"Fake", "Real"}},
	})

	bn, err := layers.NewModelBuilder([]int{1, 3, 4, 4}).
		AddConv2D(2, 1, 1, 0, false, "conv").
		AddBatchNorm(2, 1e-5, true, "bn").
		AddGlobalAvgPool2D("pool").
		AddDense(2, true, "head").
		Compile()
	require.NoError(t, err)
	bnPath := writeSpec(t, dir, "bn.json", bn)

	brightnessPath := checkpointtest.Write(t, dir, "brightness.json", checkpointtest.BrightnessNet(t, 4))

	reg, err := New(map[string]Variant{
		"pool":      {Path: poolPath},
		"bn":        {Path: bnPath},
		"lowercase": {Path: brightnessPath, ClassNames: []string{"real", "fake"}},
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	for _, key := range reg.Keys() {
		t.Run(key, func(t *testing.T) {
			_, err := reg.Resolve(context.Background(), key)
			var loadErr *WeightLoadError
			assert.ErrorAs(t, err, &loadErr)
		})
	}
	assert.Empty(t, reg.Loaded())
}

func TestResolveHonorsCallerContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg, err := New(map[string]Variant{"korean": {}}, WithLoader(func(context.Context, Variant) (*engine.Model, error) {
		<-release
		return nil, errors.New("never used")
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Resolve(ctx, "korean")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadCheckpointOverrides(t *testing.T) {
	dir := t.TempDir()
	ckpt := checkpointtest.ZeroNet(t, 8)
	ckpt.Inference.ClassNames = nil
	path := filepath.Join(dir, "foreign.onnx")
	require.NoError(t, checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).SaveCheckpoint(ckpt, path))

	_, err := LoadCheckpoint(context.Background(), Variant{Key: "foreign", Path: path})
	assert.Error(t, err)

	model, err := LoadCheckpoint(context.Background(), Variant{
		Key:         "foreign",
		Path:        path,
		ClassNames:  []string{"Real", "Fake"},
		TargetLayer: "conv1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Real", "Fake"}, model.ClassNames())
	assert.Equal(t, "conv1", model.TargetLayer())

	_, err = LoadCheckpoint(context.Background(), Variant{Key: "foreign", Path: path, Format: "pth"})
	assert.Error(t, err)
}
