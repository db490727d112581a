package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"aegis/internal/offload"
	"aegis/pkg/types"
)

// ExecutorFactory builds the executor for one Deep generation.
type ExecutorFactory func(job Job, prompt string, params Params, shards []offload.Shard) (offload.Executor, error)

// DeepConfig configures the Deep tier.
type DeepConfig struct {
	Coordinator *offload.Coordinator
	Executors   ExecutorFactory
	Defaults    Params
	// VRAM is the GPU memory one Deep generation needs.
	VRAM uint64
	// RAMOverhead is RAM needed beyond the offload window.
	RAMOverhead uint64
	OnState     StateFunc
	Logger      zerolog.Logger
}

// DeepTier streams a large model through the offload coordinator for every
// request: Unloaded → Loading → Resident → Generating → Unloading → Unloaded.
type DeepTier struct {
	cfg   DeepConfig
	coord *offload.Coordinator
	m     machine
	log   zerolog.Logger
}

// NewDeep constructs the Deep tier in state Unloaded and registers the
// coordinator's abort hook, which moves the tier to Unloading.
func NewDeep(cfg DeepConfig) *DeepTier {
	if cfg.Executors == nil {
		cfg.Executors = NewLlamaExecutors(LoadOptions{})
	}
	cfg.Defaults = cfg.Defaults.WithDefaults(DefaultParams)
	d := &DeepTier{
		cfg:   cfg,
		coord: cfg.Coordinator,
		log:   cfg.Logger.With().Str("component", "tier").Str("tier", "deep").Logger(),
	}
	d.m = machine{tier: types.TierDeep, state: Unloaded, onChange: cfg.OnState}
	d.coord.SetOnAbort(func() {
		if err := d.m.to(Unloading); err != nil {
			d.log.Debug().Err(err).Msg("abort while not loaded")
		}
	})
	return d
}

func (d *DeepTier) Kind() types.Tier { return types.TierDeep }
func (d *DeepTier) State() State     { return d.m.get() }

// Footprint of the Deep tier is entirely per generation.
func (d *DeepTier) Footprint() Footprint {
	vram, ram := d.FootprintEstimate()
	return Footprint{WorkVRAM: vram, WorkRAM: ram}
}

func (d *DeepTier) FootprintEstimate() (vram, ram uint64) {
	return d.cfg.VRAM, uint64(d.coord.WindowBytes()) + d.cfg.RAMOverhead
}

// Load verifies that every shard is present and readable without stalling.
// The model is not kept resident; the tier ends Unloaded, or Failed on error.
func (d *DeepTier) Load(ctx context.Context) error {
	if err := d.m.toFrom(Loading, Unloaded, Failed); err != nil {
		return err
	}
	_, ram := d.FootprintEstimate()
	err := d.coord.Validate(ram)
	if err == nil {
		err = d.coord.Probe(ctx)
	}
	if err != nil {
		_ = d.m.to(Failed)
		d.log.Error().Err(err).Msg("probe failed")
		return &LoadError{Tier: types.TierDeep, Path: d.shardPath(), Err: err}
	}
	return d.m.to(Unloaded)
}

// Unload is a no-op outside a generation; a Failed tier is reset to Unloaded.
func (d *DeepTier) Unload(context.Context) error {
	switch d.m.get() {
	case Failed:
		return d.m.to(Unloaded)
	case Unloaded:
		return nil
	}
	return &TransitionError{Tier: types.TierDeep, From: d.m.get(), To: Unloaded}
}

func (d *DeepTier) shardPath() string {
	if sh := d.coord.Shards(); len(sh) > 0 {
		return sh[0].Path
	}
	return ""
}

// Generate runs one offloaded generation. A storage stall or load fault
// aborts the run and leaves the tier Failed; cancellation aborts to Unloaded.
func (d *DeepTier) Generate(ctx context.Context, job Job) *Stream {
	var s *Stream
	s = newStream(ctx, func(ctx context.Context, emit emitFunc) (Result, error) {
		if err := d.m.toFrom(Loading, Unloaded); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrNotResident, err)
		}
		params := job.Params.WithDefaults(d.cfg.Defaults)
		prompt := BuildPrompt(job.Prompt, job.Context)
		start := time.Now()

		exec, err := d.cfg.Executors(job, prompt, params, d.coord.Shards())
		if err != nil {
			_ = d.m.to(Failed)
			return Result{}, &LoadError{Tier: types.TierDeep, Path: d.shardPath(), Err: err}
		}
		h, err := d.coord.Begin(ctx, job.Reservation, exec)
		if err != nil {
			_ = exec.Close()
			_ = d.m.to(Failed)
			return Result{}, &LoadError{Tier: types.TierDeep, Path: d.shardPath(), Err: err}
		}

		var out Result
		fail := func(err error) (Result, error) {
			loading := d.m.get() == Loading
			_ = d.coord.Abort(h)
			out.Duration = time.Since(start)
			if ctx.Err() != nil && !offload.IsIOStall(err) {
				_ = d.m.to(Unloaded)
				return out, ctx.Err()
			}
			_ = d.m.to(Failed)
			d.log.Error().Err(err).Str("request_id", job.RequestID).Bool("loading", loading).Msg("offload run failed")
			if loading && !offload.IsIOStall(err) {
				return out, &LoadError{Tier: types.TierDeep, Path: d.shardPath(), Err: err}
			}
			return out, err
		}

		var loadedAt time.Time
		for {
			if d.m.get() == Loading && h.Loaded() {
				loadedAt = time.Now()
				_ = d.m.to(Resident)
				_ = d.m.to(Generating)
				d.log.Debug().Str("request_id", job.RequestID).Dur("load_time", loadedAt.Sub(start)).Msg("model staged")
			}
			p, err := h.Step(ctx)
			if err != nil {
				return fail(err)
			}
			if p.Kind == offload.ProgressDone {
				break
			}
			if p.Kind != offload.ProgressToken {
				continue
			}
			if out.Tokens == 0 {
				s.setMeasured(d.measure(exec, h))
			}
			out.Tokens++
			out.Text += p.Token
			if !emit(p.Token) {
				out.Finish = "stopped"
				break
			}
			if out.Tokens >= params.MaxTokens {
				out.Finish = "length"
				break
			}
		}
		if out.Finish == "" {
			out.Finish = "stop"
		}
		if d.m.get() == Loading {
			// finished without ever completing a pass
			_ = d.m.to(Resident)
			_ = d.m.to(Generating)
		}
		_ = d.m.to(Unloading)
		endErr := d.coord.End(h)
		out.Duration = time.Since(start)
		if endErr != nil && !errors.Is(endErr, offload.ErrClosed) {
			_ = d.m.to(Failed)
			return out, fmt.Errorf("deep end: %w", endErr)
		}
		_ = d.m.to(Unloaded)
		return out, nil
	})
	return s
}

func (d *DeepTier) measure(exec offload.Executor, h *offload.Handle) Footprint {
	if fp, ok := exec.(Footprinter); ok {
		vram, ram := fp.MeasuredFootprint()
		return Footprint{WorkVRAM: vram, WorkRAM: ram}
	}
	return Footprint{WorkVRAM: d.cfg.VRAM, WorkRAM: uint64(h.PeakWindowBytes()) + d.cfg.RAMOverhead}
}
