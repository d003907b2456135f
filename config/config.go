// Package config loads deepcam settings from TOML, .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/deepcam/deepcam/registry"
	"github.com/deepcam/deepcam/vision/overlay"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEEPCAM_"

// Config holds the complete deepcam configuration.
type Config struct {
	Model    ModelConfig              `toml:"model"`
	Variants map[string]VariantConfig `toml:"variants" validate:"required,min=1,dive"`
	Overlay  OverlayConfig            `toml:"overlay"`
	Report   ReportConfig             `toml:"report"`
	Log      LogConfig                `toml:"log"`
}

// ModelConfig holds preprocessing settings shared by every variant.
type ModelConfig struct {
	// InputSize is the expected square input side. Zero accepts whatever the
	// checkpoint declares.
	InputSize int `toml:"input_size" validate:"gte=0,lte=2048"`

	// Mean and Std override the normalization recorded in the checkpoint.
	Mean []float64 `toml:"mean" validate:"omitempty,len=3,dive,gte=0,lte=1"`
	Std  []float64 `toml:"std" validate:"omitempty,len=3,dive,gt=0"`
}

// VariantConfig describes one set of weights.
type VariantConfig struct {
	Path    string   `toml:"path" validate:"required"`
	Format  string   `toml:"format" validate:"omitempty,oneof=json onnx"`
	Aliases []string `toml:"aliases"`

	// ClassNames is the label ordering of the head, index 0 first: "Fake"
	// and "Real" in either order. Empty uses the ordering recorded in the
	// checkpoint.
	ClassNames  []string `toml:"class_names" validate:"omitempty,len=2,unique,dive,oneof=Fake Real"`
	TargetLayer string   `toml:"target_layer"`
}

// OverlayConfig holds visualization settings.
type OverlayConfig struct {
	Policy      string  `toml:"policy" validate:"oneof=blend threshold"`
	ImageWeight float64 `toml:"image_weight" validate:"gte=0,lte=1"`
	HeatWeight  float64 `toml:"heat_weight" validate:"gte=0,lte=1"`
	Threshold   float64 `toml:"threshold" validate:"gte=0,lte=1"`
	GridEnabled bool    `toml:"grid_enabled"`
	GridSize    int     `toml:"grid_size" validate:"gte=1,lte=64"`
}

// ReportConfig selects the narrative provider.
type ReportConfig struct {
	// Provider is "template" or "openai".
	Provider string `toml:"provider" validate:"oneof=template openai"`
	Endpoint string `toml:"endpoint" validate:"omitempty,url"`
	Model    string `toml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string        `toml:"api_key_env"`
	Timeout   time.Duration `toml:"timeout" validate:"gte=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json console"`
}

// DefaultConfig returns the configuration of the standard deployment: a
// Korean-face and a foreign-face MobileNetV3 variant.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			InputSize: 224,
		},
		Variants: map[string]VariantConfig{
			"korean": {
				Path: filepath.Join("weights", "korean.onnx"),
			},
			"foreign": {
				Path:    filepath.Join("weights", "foreign.onnx"),
				Aliases: []string{"foriegn"},
			},
		},
		Overlay: OverlayConfig{
			Policy:      "blend",
			ImageWeight: 0.6,
			HeatWeight:  0.4,
			Threshold:   0.5,
			GridEnabled: true,
			GridSize:    8,
		},
		Report: ReportConfig{
			Provider:  "template",
			Endpoint:  "https://api.openai.com/v1/chat/completions",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path on top of DefaultConfig. A missing
// file yields the defaults. A .env file in the working directory, if any,
// is loaded first so that it can feed the environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	// A file that declares variants replaces the default set.
	var declared struct {
		Variants map[string]toml.Primitive `toml:"variants"`
	}
	if _, err := toml.Decode(string(data), &declared); err != nil {
		return fmt.Errorf("decode TOML: %w", err)
	}
	if len(declared.Variants) > 0 {
		c.Variants = nil
	}

	md, err := toml.Decode(string(data), c)
	if err != nil {
		return fmt.Errorf("decode TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides applies DEEPCAM_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "OVERLAY_POLICY"); v != "" {
		c.Overlay.Policy = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "OVERLAY_GRID"); v != "" {
		enabled, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("%sOVERLAY_GRID: %w", EnvPrefix, err)
		}
		c.Overlay.GridEnabled = enabled
	}
	if v := os.Getenv(EnvPrefix + "REPORT_PROVIDER"); v != "" {
		c.Report.Provider = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "REPORT_ENDPOINT"); v != "" {
		c.Report.Endpoint = v
	}
	if v := os.Getenv(EnvPrefix + "REPORT_TIMEOUT"); v != "" {
		timeout, err := cast.ToDurationE(v)
		if err != nil {
			return fmt.Errorf("%sREPORT_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Report.Timeout = timeout
	}

	// DEEPCAM_VARIANT_<KEY>_PATH points an existing variant at other weights.
	for key, v := range c.Variants {
		name := EnvPrefix + "VARIANT_" + strings.ToUpper(key) + "_PATH"
		if path := os.Getenv(name); path != "" {
			v.Path = path
			c.Variants[key] = v
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Report.Provider == "openai" && c.Report.Endpoint == "" {
		return errors.New("report.endpoint is required for the openai provider")
	}
	if _, err := registry.New(c.RegistryVariants()); err != nil {
		return err
	}
	return nil
}

// RegistryVariants converts the variant table for registry.New.
func (c *Config) RegistryVariants() map[string]registry.Variant {
	out := make(map[string]registry.Variant, len(c.Variants))
	for key, v := range c.Variants {
		out[key] = registry.Variant{
			Key:         key,
			Path:        v.Path,
			Format:      v.Format,
			Aliases:     append([]string(nil), v.Aliases...),
			ClassNames:  append([]string(nil), v.ClassNames...),
			TargetLayer: v.TargetLayer,
		}
	}
	return out
}

// OverlayOptions converts the overlay section, keeping the default grid
// blend weights.
func (c *Config) OverlayOptions() (overlay.Options, error) {
	policy, err := overlay.ParsePolicy(c.Overlay.Policy)
	if err != nil {
		return overlay.Options{}, err
	}
	opts := overlay.DefaultOptions()
	opts.Policy = policy
	opts.ImageWeight = c.Overlay.ImageWeight
	opts.HeatWeight = c.Overlay.HeatWeight
	opts.Threshold = c.Overlay.Threshold
	opts.Grid.Enabled = c.Overlay.GridEnabled
	opts.Grid.Size = c.Overlay.GridSize
	return opts, opts.Validate()
}

// Normalization returns the configured mean/std override, if any.
func (c *Config) Normalization() (mean, std [3]float32, ok bool) {
	if len(c.Model.Mean) != 3 || len(c.Model.Std) != 3 {
		return mean, std, false
	}
	for i := 0; i < 3; i++ {
		mean[i] = float32(c.Model.Mean[i])
		std[i] = float32(c.Model.Std[i])
	}
	return mean, std, true
}

// APIKey reads the report API key from the configured variable.
func (c *Config) APIKey() string {
	if c.Report.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Report.APIKeyEnv)
}
