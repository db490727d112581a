package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"aegis/internal/registry"
	"aegis/pkg/types"
)

const defaultOverhead = 1.2

// FastConfig configures the Fast tier.
type FastConfig struct {
	ModelPath string
	Adapter   InferenceAdapter
	Load      LoadOptions
	Defaults  Params
	// Overhead scales the model file size into resident VRAM.
	Overhead float64
	// WorkVRAM and WorkRAM are reserved per generation (KV cache, scratch).
	WorkVRAM uint64
	WorkRAM  uint64
	OnState  StateFunc
	Logger   zerolog.Logger
}

// FastTier keeps a small model resident for the process lifetime and serves
// one generation at a time.
type FastTier struct {
	cfg FastConfig
	m   machine
	log zerolog.Logger

	mu    sync.Mutex
	sess  InferSession
	model registry.Model
}

// NewFast constructs the Fast tier in state Unloaded.
func NewFast(cfg FastConfig) *FastTier {
	if cfg.Adapter == nil {
		cfg.Adapter = NewLlamaAdapter()
	}
	if cfg.Overhead <= 0 {
		cfg.Overhead = defaultOverhead
	}
	cfg.Defaults = cfg.Defaults.WithDefaults(DefaultParams)
	f := &FastTier{cfg: cfg, log: cfg.Logger.With().Str("component", "tier").Str("tier", "fast").Logger()}
	f.m = machine{tier: types.TierFast, state: Unloaded, onChange: cfg.OnState}
	return f
}

func (f *FastTier) Kind() types.Tier { return types.TierFast }
func (f *FastTier) State() State     { return f.m.get() }

// ModelPath returns the configured model path.
func (f *FastTier) ModelPath() string { return f.cfg.ModelPath }

// Stat resolves the model file without loading it, so its resident size
// can be pinned before Load.
func (f *FastTier) Stat() error {
	m, err := registry.ResolveModel(f.cfg.ModelPath)
	if err != nil {
		return &LoadError{Tier: types.TierFast, Path: f.cfg.ModelPath, Err: err}
	}
	f.mu.Lock()
	f.model = m
	f.mu.Unlock()
	return nil
}

// Footprint reports the pinned resident size and the per-generation working set.
func (f *FastTier) Footprint() Footprint {
	f.mu.Lock()
	size := f.model.Size
	f.mu.Unlock()
	fp := Footprint{WorkVRAM: f.cfg.WorkVRAM, WorkRAM: f.cfg.WorkRAM}
	resident := uint64(float64(size) * f.cfg.Overhead)
	if f.cfg.Load.GPULayers == 0 {
		fp.ResidentRAM = resident
	} else {
		fp.ResidentVRAM = resident
	}
	return fp
}

func (f *FastTier) FootprintEstimate() (vram, ram uint64) {
	return f.cfg.WorkVRAM, f.cfg.WorkRAM
}

// Load resolves and loads the model through the adapter.
func (f *FastTier) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.m.to(Loading); err != nil {
		return err
	}
	if err := f.Stat(); err != nil {
		_ = f.m.to(Failed)
		return err
	}
	f.mu.Lock()
	path := f.model.Path
	size := f.model.Size
	f.mu.Unlock()

	start := time.Now()
	sess, err := f.cfg.Adapter.Start(path, f.cfg.Load)
	if err != nil {
		_ = f.m.to(Failed)
		f.log.Error().Err(err).Str("path", path).Msg("load failed")
		return &LoadError{Tier: types.TierFast, Path: path, Err: err}
	}
	f.mu.Lock()
	f.sess = sess
	f.mu.Unlock()
	if err := f.m.to(Resident); err != nil {
		_ = sess.Close()
		return err
	}
	f.log.Info().Str("path", path).Str("size", humanize.IBytes(uint64(size))).
		Dur("load_time", time.Since(start)).Msg("model resident")
	return nil
}

// Unload closes the session. It is used only for recovery and shutdown.
func (f *FastTier) Unload(ctx context.Context) error {
	if f.m.get() == Unloaded {
		return nil
	}
	if err := f.m.to(Unloading); err != nil {
		return err
	}
	f.mu.Lock()
	sess := f.sess
	f.sess = nil
	f.mu.Unlock()
	var err error
	if sess != nil {
		err = sess.Close()
	}
	if err != nil {
		_ = f.m.to(Failed)
		return fmt.Errorf("fast unload: %w", err)
	}
	return f.m.to(Unloaded)
}

// Generate streams one generation. Cancellation returns the tier to
// Resident; any other runtime error marks it Failed.
func (f *FastTier) Generate(ctx context.Context, job Job) *Stream {
	var s *Stream
	s = newStream(ctx, func(ctx context.Context, emit emitFunc) (Result, error) {
		if err := f.m.toFrom(Generating, Resident); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrNotResident, err)
		}
		f.mu.Lock()
		sess := f.sess
		f.mu.Unlock()
		params := job.Params.WithDefaults(f.cfg.Defaults)
		prompt := BuildPrompt(job.Prompt, job.Context)

		start := time.Now()
		n := 0
		measured := false
		res, err := sess.Generate(ctx, prompt, params, func(tok string) error {
			n++
			if !measured {
				measured = true
				if fp, ok := sess.(Footprinter); ok {
					vram, ram := fp.MeasuredFootprint()
					s.setMeasured(Footprint{WorkVRAM: vram, WorkRAM: ram})
				}
			}
			if !emit(tok) {
				return errStopped
			}
			return nil
		})
		out := Result{Text: res.Content, Tokens: n, Duration: time.Since(start), Finish: res.FinishReason}
		switch {
		case err == nil, errors.Is(err, errStopped):
			_ = f.m.to(Resident)
			return out, nil
		case ctx.Err() != nil:
			_ = f.m.to(Resident)
			return out, ctx.Err()
		default:
			_ = f.m.to(Failed)
			f.log.Error().Err(err).Str("request_id", job.RequestID).Msg("generation failed")
			return out, fmt.Errorf("fast generate: %w", err)
		}
	})
	return s
}
