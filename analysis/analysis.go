// Package analysis runs the full classify-and-explain pipeline for one
// image: decode, resolve the variant, preprocess, infer, explain, composite
// and report.
package analysis

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/deepcam/deepcam/engine"
	"github.com/deepcam/deepcam/gradcam"
	"github.com/deepcam/deepcam/registry"
	"github.com/deepcam/deepcam/report"
	"github.com/deepcam/deepcam/tensor"
	"github.com/deepcam/deepcam/vision/overlay"
	"github.com/deepcam/deepcam/vision/preprocessing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FakeLabel is the class whose probability is reported as FakeProbability.
const FakeLabel = engine.FakeLabel

// Stage names a step of the pipeline.
type Stage string

const (
	StageDecode     Stage = "decode"
	StageResolve    Stage = "resolve"
	StagePreprocess Stage = "preprocess"
	StageInfer      Stage = "infer"
	StageExplain    Stage = "explain"
	StageComposite  Stage = "composite"
	StageReport     Stage = "report"
	StageEncode     Stage = "encode"
)

// StageError reports the step at which an analysis failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Resolver hands out loaded variants.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*registry.Handle, error)
}

// Result is a completed analysis. Nothing in it is shared with another
// analysis.
type Result struct {
	ID         string            `json:"id"`
	Variant    string            `json:"variant"`
	Prediction engine.Prediction `json:"prediction"`
	Field      *gradcam.Field    `json:"-"`
	Overlay    *overlay.Result   `json:"-"`
	OverlayPNG []byte            `json:"-"`
	DigitGrid  [][]int           `json:"digit_grid,omitempty"`
	Report     string            `json:"report"`
	// FakeProbability is the probability of the "Fake" class in [0, 1].
	FakeProbability float64       `json:"fake_probability"`
	Stats           gradcam.Stats `json:"heat_stats"`
	Duration        time.Duration `json:"duration"`
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger; one line is written per analysis.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithOverlayOptions replaces overlay.DefaultOptions.
func WithOverlayOptions(opts overlay.Options) Option {
	return func(a *Analyzer) { a.overlay = opts }
}

// WithSummarizer replaces the template report.
func WithSummarizer(s report.Summarizer) Option {
	return func(a *Analyzer) {
		if s != nil {
			a.summarizer = s
		}
	}
}

// WithExplainer replaces the default Grad-CAM explainer.
func WithExplainer(e *gradcam.Explainer) Option {
	return func(a *Analyzer) {
		if e != nil {
			a.explainer = e
		}
	}
}

// WithNormalization overrides the normalization recorded in each checkpoint.
func WithNormalization(mean, std [3]float32) Option {
	return func(a *Analyzer) {
		a.mean, a.std = mean, std
		a.overrideNorm = true
	}
}

// WithInputSize makes the analyzer reject variants whose input is not
// size x size. Zero accepts any size.
func WithInputSize(size int) Option {
	return func(a *Analyzer) { a.inputSize = size }
}

// Analyzer is safe for concurrent use. Every call to Analyze owns its
// intermediate tensors; only the resolved models are shared.
type Analyzer struct {
	resolver   Resolver
	explainer  *gradcam.Explainer
	summarizer report.Summarizer
	overlay    overlay.Options
	logger     *zap.Logger

	inputSize    int
	overrideNorm bool
	mean, std    [3]float32
}

// New returns an Analyzer over resolver.
func New(resolver Resolver, opts ...Option) *Analyzer {
	a := &Analyzer{
		resolver:   resolver,
		explainer:  gradcam.New(),
		summarizer: report.Template{},
		overlay:    overlay.DefaultOptions(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies imageBytes with the named variant and explains the
// verdict. On error no partial result is returned; the error is a
// *StageError wrapping the cause.
func (a *Analyzer) Analyze(ctx context.Context, imageBytes []byte, variantKey string) (*Result, error) {
	start := time.Now()
	id := uuid.NewString()

	result, err := a.analyze(ctx, imageBytes, variantKey)
	if err != nil {
		a.logger.Warn("analysis failed",
			zap.String("id", id),
			zap.String("variant", variantKey),
			zap.Error(err),
		)
		return nil, err
	}

	result.ID = id
	result.Duration = time.Since(start)
	a.logger.Info("analysis complete",
		zap.String("id", id),
		zap.String("variant", result.Variant),
		zap.String("label", result.Prediction.Label),
		zap.Float64("confidence", result.Prediction.Confidence),
		zap.Float64("fake_probability", result.FakeProbability),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (a *Analyzer) analyze(ctx context.Context, imageBytes []byte, variantKey string) (*Result, error) {
	fail := func(stage Stage, err error) (*Result, error) {
		return nil, &StageError{Stage: stage, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(StageDecode, err)
	}
	img, err := preprocessing.DecodeBytes(imageBytes)
	if err != nil {
		return fail(StageDecode, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(StageResolve, err)
	}
	handle, err := a.resolver.Resolve(ctx, variantKey)
	if err != nil {
		return fail(StageResolve, err)
	}
	model := handle.Model

	if err := ctx.Err(); err != nil {
		return fail(StagePreprocess, err)
	}
	input, err := a.preprocess(model, img)
	if err != nil {
		return fail(StagePreprocess, err)
	}

	pass, err := model.Infer(ctx, input)
	if err != nil {
		return fail(StageInfer, err)
	}
	prediction := pass.Prediction
	fakeProbability, ok := prediction.ProbabilityOf(FakeLabel)
	if !ok {
		return fail(StageInfer, fmt.Errorf("prediction has no %q class among %v", FakeLabel, prediction.ClassNames))
	}

	bounds := img.Bounds()
	explanation, err := a.explainer.Explain(ctx, pass, prediction.Index, bounds.Dx(), bounds.Dy())
	if err != nil {
		return fail(StageExplain, err)
	}
	field := explanation.Field

	if err := ctx.Err(); err != nil {
		return fail(StageComposite, err)
	}
	composite, err := overlay.Composite(img, field, a.overlay)
	if err != nil {
		return fail(StageComposite, err)
	}

	stats := field.Stats()
	text, err := a.summarizer.Summarize(ctx, report.Input{
		Prediction:      prediction,
		Variant:         handle.Key,
		FakeProbability: fakeProbability,
		Stats:           stats,
	})
	if err != nil {
		return fail(StageReport, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(StageEncode, err)
	}
	var buf bytes.Buffer
	if err := overlay.EncodePNG(&buf, composite.Image); err != nil {
		return fail(StageEncode, err)
	}

	return &Result{
		Variant:         handle.Key,
		Prediction:      prediction,
		Field:           field,
		Overlay:         composite,
		OverlayPNG:      buf.Bytes(),
		DigitGrid:       composite.Digits,
		Report:          text,
		FakeProbability: fakeProbability,
		Stats:           stats,
	}, nil
}

func (a *Analyzer) preprocess(model *engine.Model, img *image.RGBA) (*tensor.Tensor, error) {
	width, height := model.InputSize()
	if a.inputSize > 0 && (width != a.inputSize || height != a.inputSize) {
		return nil, fmt.Errorf("model input %dx%d does not match configured size %d", width, height, a.inputSize)
	}
	mean, std := model.Normalization()
	if a.overrideNorm {
		mean, std = a.mean, a.std
	}
	return preprocessing.NewImageProcessor(width).
		WithSize(width, height).
		WithNormalization(mean, std).
		Preprocess(img)
}
