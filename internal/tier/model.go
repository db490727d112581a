package tier

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"aegis/internal/ledger"
	"aegis/pkg/types"
)

// Model is a tier the orchestrator can load, generate on and unload.
type Model interface {
	Kind() types.Tier
	State() State
	// Load brings the model into service; fails with *LoadError.
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	// Generate returns a lazy token stream for job. Nothing runs until the
	// stream is ranged over.
	Generate(ctx context.Context, job Job) *Stream
	// FootprintEstimate is the per-generation reservation size.
	FootprintEstimate() (vram, ram uint64)
	// Footprint reports resident and working sizes.
	Footprint() Footprint
}

// Footprint describes memory held while resident and per generation.
type Footprint struct {
	ResidentVRAM uint64
	ResidentRAM  uint64
	WorkVRAM     uint64
	WorkRAM      uint64
}

// Job is one generation scheduled on a tier.
type Job struct {
	RequestID   string
	Prompt      string
	Context     []types.Message
	Params      Params
	Reservation ledger.Reservation
}

// Result summarizes a finished stream.
type Result struct {
	Text     string
	Tokens   int
	Duration time.Duration
	Finish   string
}

// TokensPerSecond is the generation throughput.
func (r Result) TokensPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Tokens) / r.Duration.Seconds()
}

// emitFunc hands one token to the consumer; false means the consumer stopped.
type emitFunc func(tok string) bool

type runFunc func(ctx context.Context, emit emitFunc) (Result, error)

// Stream is a lazy, finite, non-restartable token sequence.
type Stream struct {
	ctx      context.Context
	run      runFunc
	consumed atomic.Bool

	mu       sync.Mutex
	result   Result
	measured *Footprint
}

func newStream(ctx context.Context, run runFunc) *Stream {
	return &Stream{ctx: ctx, run: run}
}

// errStream builds a stream that yields err once.
func errStream(ctx context.Context, err error) *Stream {
	return newStream(ctx, func(context.Context, emitFunc) (Result, error) { return Result{}, err })
}

// All yields tokens until the generation ends. A terminal error is yielded
// once with an empty token. Ranging a second time yields ErrStreamConsumed.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		stopped := false
		res, err := s.run(s.ctx, func(tok string) bool {
			if stopped {
				return false
			}
			if !yield(tok, nil) {
				stopped = true
				return false
			}
			return true
		})
		s.mu.Lock()
		s.result = res
		s.mu.Unlock()
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// Result is valid once ranging has finished.
func (s *Stream) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Measured returns the footprint the runtime actually used, if it reported one.
func (s *Stream) Measured() (Footprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.measured == nil {
		return Footprint{}, false
	}
	return *s.measured, true
}

func (s *Stream) setMeasured(fp Footprint) {
	s.mu.Lock()
	s.measured = &fp
	s.mu.Unlock()
}

// errStopped is returned inside runners when the consumer stopped early.
var errStopped = errors.New("consumer stopped")
