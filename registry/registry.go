// Package registry resolves variant keys to loaded, shareable classifiers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepcam/deepcam/checkpoints"
	"github.com/deepcam/deepcam/engine"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// BinaryClasses is the head width every variant must have.
const BinaryClasses = 2

// Variant describes one set of weights.
type Variant struct {
	Key  string
	Path string
	// Format is "json" or "onnx"; empty selects by file extension.
	Format  string
	Aliases []string
	// ClassNames overrides the label ordering recorded in the checkpoint.
	ClassNames []string
	// TargetLayer overrides the Grad-CAM layer recorded in the checkpoint.
	TargetLayer string
}

// Handle is a loaded variant. It is shared by every caller that resolves the
// same key and must be treated as read-only.
type Handle struct {
	Key      string
	Path     string
	Model    *engine.Model
	LoadedAt time.Time
}

// UnknownVariantError is returned for keys that match no variant or alias.
type UnknownVariantError struct {
	Key   string
	Known []string
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("unknown model variant %q (known: %s)", e.Key, strings.Join(e.Known, ", "))
}

// WeightLoadError is returned when a variant's weights cannot be loaded. The
// failure is not cached: a later Resolve tries again.
type WeightLoadError struct {
	Key  string
	Path string
	Err  error
}

func (e *WeightLoadError) Error() string {
	return fmt.Sprintf("load weights for %s from %s: %v", e.Key, e.Path, e.Err)
}

func (e *WeightLoadError) Unwrap() error { return e.Err }

// Loader builds a model for a variant.
type Loader func(ctx context.Context, v Variant) (*engine.Model, error)

// Option configures a Registry.
type Option func(*Registry)

// WithLoader replaces the checkpoint loader.
func WithLoader(l Loader) Option {
	return func(r *Registry) { r.load = l }
}

// WithLogger sets the logger used for load events.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry caches one model per variant for the life of the process.
// Concurrent misses on the same key share a single load.
type Registry struct {
	variants map[string]Variant
	aliases  map[string]string
	load     Loader
	logger   *zap.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
	group   singleflight.Group
}

// New creates a registry over variants, keyed by variant key. Keys and
// aliases are case-insensitive and must be unique.
func New(variants map[string]Variant, opts ...Option) (*Registry, error) {
	r := &Registry{
		variants: make(map[string]Variant, len(variants)),
		aliases:  make(map[string]string),
		load:     LoadCheckpoint,
		logger:   zap.NewNop(),
		handles:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}

	for key, v := range variants {
		canonical := normalize(key)
		if canonical == "" {
			return nil, fmt.Errorf("variant key must not be empty")
		}
		if _, dup := r.aliases[canonical]; dup {
			return nil, fmt.Errorf("variant key %q is declared twice", key)
		}
		v.Key = canonical
		r.variants[canonical] = v
		r.aliases[canonical] = canonical
	}
	for canonical, v := range r.variants {
		for _, alias := range v.Aliases {
			a := normalize(alias)
			if owner, dup := r.aliases[a]; dup && owner != canonical {
				return nil, fmt.Errorf("alias %q of %s is already used by %s", alias, canonical, owner)
			}
			r.aliases[a] = canonical
		}
	}
	return r, nil
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Keys lists the canonical variant keys.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.variants))
	for k := range r.variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Loaded lists the variants currently cached.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Variant returns the configuration behind key or one of its aliases.
func (r *Registry) Variant(key string) (Variant, error) {
	canonical, ok := r.aliases[normalize(key)]
	if !ok {
		return Variant{}, &UnknownVariantError{Key: key, Known: r.Keys()}
	}
	return r.variants[canonical], nil
}

// Resolve returns the cached handle for key, loading it on first use.
func (r *Registry) Resolve(ctx context.Context, key string) (*Handle, error) {
	variant, err := r.Variant(key)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	handle, ok := r.handles[variant.Key]
	r.mu.RUnlock()
	if ok {
		return handle, nil
	}

	// The load is shared, so it must not die with whichever caller started it.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(variant.Key, func() (interface{}, error) {
		r.mu.RLock()
		cached, ok := r.handles[variant.Key]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
		return r.loadVariant(loadCtx, variant)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	}
}

func (r *Registry) loadVariant(ctx context.Context, v Variant) (*Handle, error) {
	start := time.Now()
	model, err := r.load(ctx, v)
	switch {
	case err != nil:
	case model == nil:
		err = fmt.Errorf("loader returned no model")
	case model.NumClasses() != BinaryClasses:
		err = fmt.Errorf("model head has %d outputs, expected %d", model.NumClasses(), BinaryClasses)
	}
	if err != nil {
		r.logger.Error("failed to load model variant",
			zap.String("variant", v.Key),
			zap.String("path", v.Path),
			zap.Error(err),
		)
		var loadErr *WeightLoadError
		if errors.As(err, &loadErr) {
			return nil, err
		}
		return nil, &WeightLoadError{Key: v.Key, Path: v.Path, Err: err}
	}

	handle := &Handle{Key: v.Key, Path: v.Path, Model: model, LoadedAt: time.Now()}
	r.mu.Lock()
	r.handles[v.Key] = handle
	r.mu.Unlock()

	r.logger.Info("model variant loaded",
		zap.String("variant", v.Key),
		zap.String("path", v.Path),
		zap.Strings("classes", model.ClassNames()),
		zap.String("target_layer", model.TargetLayer()),
		zap.Duration("duration", time.Since(start)),
	)
	return handle, nil
}

// LoadCheckpoint is the default Loader. It reads a JSON or ONNX checkpoint,
// applies the variant's overrides and compiles the model.
func LoadCheckpoint(_ context.Context, v Variant) (*engine.Model, error) {
	if v.Path == "" {
		return nil, fmt.Errorf("variant %s has no weight path", v.Key)
	}
	format := checkpoints.FormatForPath(v.Path)
	if v.Format != "" {
		f, err := checkpoints.ParseFormat(v.Format)
		if err != nil {
			return nil, err
		}
		format = f
	}

	ckpt, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(v.Path)
	if err != nil {
		return nil, err
	}
	if len(v.ClassNames) > 0 {
		ckpt.Inference.ClassNames = append([]string(nil), v.ClassNames...)
	}
	if v.TargetLayer != "" {
		ckpt.Inference.TargetLayer = v.TargetLayer
	}
	if len(ckpt.Inference.ClassNames) == 0 {
		return nil, fmt.Errorf("checkpoint records no class names and the variant sets none")
	}
	return engine.FromCheckpoint(ckpt)
}
