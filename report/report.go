// Package report turns a prediction into a human-readable narrative.
package report

import (
	"context"
	"fmt"

	"github.com/deepcam/deepcam/engine"
	"github.com/deepcam/deepcam/gradcam"
)

// Input is everything a Summarizer may draw on.
type Input struct {
	Prediction engine.Prediction
	Variant    string
	// FakeProbability is the probability of the "Fake" class in [0, 1].
	FakeProbability float64
	Stats           gradcam.Stats
}

// Summarizer produces the narrative for one analysis.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

const (
	realTemplate = "This image was classified as Real with a prediction confidence of %.2f%%.\n" +
		"The model analyzed the facial features and detected visual patterns typical of " +
		"authentic images: natural skin texture, consistent lighting reflections and fine contour detail."

	fakeTemplate = "This image was classified as Fake with a prediction confidence of %.2f%%.\n" +
		"The model detected traces of synthetic generation in the image: abnormal texture, " +
		"boundary distortion and lighting imbalance."
)

// Compose renders the fixed narrative for a label and a confidence
// percentage. Labels other than engine.FakeLabel and engine.RealLabel are
// rejected.
func Compose(label string, confidence float64) (string, error) {
	switch label {
	case engine.RealLabel:
		return fmt.Sprintf(realTemplate, confidence), nil
	case engine.FakeLabel:
		return fmt.Sprintf(fakeTemplate, confidence), nil
	default:
		return "", fmt.Errorf("no narrative for label %q", label)
	}
}

// Template is the deterministic Summarizer.
type Template struct{}

// Summarize implements Summarizer.
func (Template) Summarize(_ context.Context, in Input) (string, error) {
	return Compose(in.Prediction.Label, in.Prediction.Confidence)
}
