package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req"
	"go.uber.org/zap"
)

// DefaultModel is the chat model asked for the extended interpretation.
const DefaultModel = "gpt-4o-mini"

// EnrichedConfig points at an OpenAI-compatible chat completions endpoint.
type EnrichedConfig struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// Enriched appends an LLM interpretation of the heat map to the text of a
// base Summarizer. Any failure of the remote call degrades to the base text.
type Enriched struct {
	base   Summarizer
	cfg    EnrichedConfig
	client *req.Req
	logger *zap.Logger
}

// EnrichedOption configures an Enriched summarizer.
type EnrichedOption func(*Enriched)

// WithLogger sets the logger used to report degraded calls.
func WithLogger(l *zap.Logger) EnrichedOption {
	return func(e *Enriched) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEnriched wraps base. A nil base uses Template.
func NewEnriched(base Summarizer, cfg EnrichedConfig, opts ...EnrichedOption) (*Enriched, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("enrichment endpoint is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if base == nil {
		base = Template{}
	}

	client := req.New()
	client.SetTimeout(cfg.Timeout)

	e := &Enriched{base: base, cfg: cfg, client: client, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Summarize implements Summarizer.
func (e *Enriched) Summarize(ctx context.Context, in Input) (string, error) {
	base, err := e.base.Summarize(ctx, in)
	if err != nil {
		return "", err
	}

	extra, err := e.interpret(ctx, in)
	if err != nil {
		e.logger.Warn("report enrichment unavailable, using base report",
			zap.String("variant", in.Variant),
			zap.Error(err),
		)
		return base, nil
	}
	return base + "\n\n" + extra, nil
}

func (e *Enriched) interpret(ctx context.Context, in Input) (string, error) {
	header := req.Header{"Content-Type": "application/json"}
	if e.cfg.APIKey != "" {
		header["Authorization"] = "Bearer " + e.cfg.APIKey
	}
	body := chatRequest{
		Model:    e.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: Prompt(in)}},
	}

	resp, err := e.client.Post(e.cfg.Endpoint, header, req.BodyJSON(&body), ctx)
	if err != nil {
		return "", fmt.Errorf("chat completion request: %w", err)
	}
	if code := resp.Response().StatusCode; code < 200 || code > 299 {
		return "", fmt.Errorf("chat completion returned status %d", code)
	}

	var out chatResponse
	if err := resp.ToJSON(&out); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat completion error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New("chat completion returned no content")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Prompt builds the interpretation request for one analysis.
func Prompt(in Input) string {
	modelType := "foreign face analysis model"
	if in.Variant == "korean" {
		modelType = "Korean face analysis model"
	}

	var b strings.Builder
	b.WriteString("You are a deepfake detection expert. Interpret the Grad-CAM heat map using the information below.\n\n")
	fmt.Fprintf(&b, "Model type: %s\n", modelType)
	fmt.Fprintf(&b, "Prediction: %s\n", in.Prediction.Label)
	fmt.Fprintf(&b, "Deepfake probability: %.2f%%\n", in.FakeProbability*100)
	fmt.Fprintf(&b, "Heat map: mean intensity %.2f, peak %.2f, %.1f%% of the face above 0.5\n\n",
		in.Stats.Mean, in.Stats.Peak, in.Stats.Coverage*100)
	b.WriteString("Red regions are the parts the model relied on for its decision. ")
	b.WriteString("Based on this visual information, explain technically how the model reached its verdict, ")
	b.WriteString("citing visual evidence such as synthesis traces, skin texture and lighting distortion. ")
	b.WriteString("Also describe the reliability and the limitations of this result from a human expert's point of view.")
	return b.String()
}
