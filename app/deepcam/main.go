// deepcam classifies face images as real or synthetic and writes a Grad-CAM
// overlay and a JSON record for every analysis.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/deepcam/deepcam/analysis"
	"github.com/deepcam/deepcam/config"
	"github.com/deepcam/deepcam/logging"
	"github.com/deepcam/deepcam/registry"
	"github.com/deepcam/deepcam/report"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const timestampLayout = "20060102_150405"

type options struct {
	configPath string
	variant    string
	resultsDir string
	logDir     string
	workers    int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "deepcam",
		Short:        "Deepfake face classification with Grad-CAM explanations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "deepcam.toml", "path to config file")

	analyze := &cobra.Command{
		Use:   "analyze <image|dir>...",
		Short: "Classify images and write overlays and JSON records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, opts, args)
		},
	}
	analyze.Flags().StringVarP(&opts.variant, "variant", "m", "korean", "model variant")
	analyze.Flags().StringVar(&opts.resultsDir, "results-dir", filepath.Join("data", "results"), "directory for overlay images")
	analyze.Flags().StringVar(&opts.logDir, "log-dir", filepath.Join("data", "logs"), "directory for JSON records")
	analyze.Flags().IntVarP(&opts.workers, "workers", "j", runtime.NumCPU(), "images analyzed concurrently")

	variants := &cobra.Command{
		Use:   "variants",
		Short: "List the configured model variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVariants(cmd, opts)
		},
	}

	root.AddCommand(analyze, variants)
	return root
}

func setup(opts *options) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newAnalyzer(cfg *config.Config, logger *zap.Logger) (*analysis.Analyzer, error) {
	reg, err := registry.New(cfg.RegistryVariants(), registry.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	overlayOpts, err := cfg.OverlayOptions()
	if err != nil {
		return nil, err
	}

	var summarizer report.Summarizer = report.Template{}
	if cfg.Report.Provider == "openai" {
		summarizer, err = report.NewEnriched(report.Template{}, report.EnrichedConfig{
			Endpoint: cfg.Report.Endpoint,
			Model:    cfg.Report.Model,
			APIKey:   cfg.APIKey(),
			Timeout:  cfg.Report.Timeout,
		}, report.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	opts := []analysis.Option{
		analysis.WithLogger(logger),
		analysis.WithOverlayOptions(overlayOpts),
		analysis.WithSummarizer(summarizer),
		analysis.WithInputSize(cfg.Model.InputSize),
	}
	if mean, std, ok := cfg.Normalization(); ok {
		opts = append(opts, analysis.WithNormalization(mean, std))
	}
	return analysis.New(reg, opts...), nil
}

// record is the JSON written next to every overlay.
type record struct {
	Timestamp string           `json:"timestamp"`
	Image     string           `json:"image"`
	Overlay   string           `json:"overlay"`
	Record    string           `json:"-"`
	Result    *analysis.Result `json:"result"`
}

func runAnalyze(cmd *cobra.Command, opts *options, images []string) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	analyzer, err := newAnalyzer(cfg, logger)
	if err != nil {
		return err
	}
	for _, dir := range []string{opts.resultsDir, opts.logDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	images, err = collectImages(images)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records := make([]*record, len(images))
	g, gctx := errgroup.WithContext(ctx)
	if opts.workers < 1 {
		opts.workers = 1
	}
	g.SetLimit(opts.workers)
	for i, path := range images {
		i, path := i, path
		g.Go(func() error {
			rec, err := analyzeFile(gctx, analyzer, opts, path)
			if err != nil {
				return err
			}
			records[i] = rec
			logger.Info("artifacts written", logging.Fields(
				"image", rec.Image,
				"overlay", rec.Overlay,
				"record", rec.Record,
			)...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, rec := range records {
		r := rec.Result
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%.2f%%)\n%s\n\n", rec.Image, r.Prediction.Label, r.Prediction.Confidence, r.Report)
	}
	return nil
}

func analyzeFile(ctx context.Context, analyzer *analysis.Analyzer, opts *options, path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	result, err := analyzer.Analyze(ctx, data, opts.variant)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", path, err)
	}

	stamp := time.Now().Format(timestampLayout)
	name := stamp + "_" + result.ID[:8]
	rec := &record{
		Timestamp: stamp,
		Image:     path,
		Overlay:   filepath.Join(opts.resultsDir, "gradcam_"+name+".png"),
		Record:    filepath.Join(opts.logDir, "result_"+name+".json"),
		Result:    result,
	}
	if err := os.WriteFile(rec.Overlay, result.OverlayPNG, 0644); err != nil {
		return nil, fmt.Errorf("write overlay: %w", err)
	}

	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if err := os.WriteFile(rec.Record, body, 0644); err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}
	return rec, nil
}

func runVariants(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	reg, err := registry.New(cfg.RegistryVariants())
	if err != nil {
		return err
	}
	for _, key := range reg.Keys() {
		v, err := reg.Variant(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s", key, v.Path)
		if len(v.Aliases) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), " (aliases: %v)", v.Aliases)
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}
