package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aegis/internal/ledger"
	"aegis/internal/offload"
	"aegis/internal/tier"
	"aegis/pkg/types"
)

const waitTimeout = 5 * time.Second

// fakeSession streams fixed tokens; a non-nil gate holds generations until closed.
type fakeSession struct {
	mu       sync.Mutex
	tokens   []string
	gate     chan struct{}
	prompts  []string
	failNext bool
}

func (s *fakeSession) Generate(ctx context.Context, prompt string, _ tier.Params, onToken func(string) error) (tier.FinalResult, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	gate, fail, tokens := s.gate, s.failNext, s.tokens
	s.failNext = false
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tier.FinalResult{}, ctx.Err()
		}
	}
	for _, tok := range tokens {
		if err := onToken(tok); err != nil {
			return tier.FinalResult{}, err
		}
	}
	if fail {
		return tier.FinalResult{}, errors.New("device lost")
	}
	return tier.FinalResult{CompletionTokens: len(tokens), FinishReason: "stop"}, nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) setGate(g chan struct{}) {
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()
}

func (s *fakeSession) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

type fakeAdapter struct{ sess *fakeSession }

func (a fakeAdapter) Start(string, tier.LoadOptions) (tier.InferSession, error) { return a.sess, nil }

// deepExec streams the shards once and emits fixed tokens.
type deepExec struct{ tokens []string }

func (e *deepExec) Forward(context.Context, offload.Shard, []byte) error { return nil }
func (e *deepExec) Emit(context.Context) (offload.Output, error) {
	if len(e.tokens) == 0 {
		return offload.Output{Done: true}, nil
	}
	tok := e.tokens[0]
	e.tokens = e.tokens[1:]
	return offload.Output{Token: tok, Resident: true}, nil
}
func (e *deepExec) Close() error { return nil }

type stallReader struct{ release <-chan struct{} }

func (r stallReader) Read([]byte) (int, error) { <-r.release; return 0, io.EOF }
func (r stallReader) Close() error             { return nil }

type setup struct {
	vramBudget uint64
	ramBudget  uint64
	deepVRAM   uint64
	cfg        func(*Config)
}

type harness struct {
	o      *Orchestrator
	led    *ledger.Ledger
	fast   *fakeSession
	events *MemoryPublisher
	stall  *atomic.Bool
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.vramBudget == 0 {
		s.vramBudget = 10_000
	}
	if s.ramBudget == 0 {
		s.ramBudget = 10_000
	}
	if s.deepVRAM == 0 {
		s.deepVRAM = 1000
	}
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	modelPath := filepath.Join(t.TempDir(), "fast.gguf")
	require.NoError(t, os.WriteFile(modelPath, make([]byte, 100), 0o644))

	h := &harness{
		fast:   &fakeSession{tokens: []string{"o", "k"}},
		events: NewMemoryPublisher(),
		stall:  &atomic.Bool{},
	}
	h.led = ledger.New(ledger.Config{VRAMBudget: s.vramBudget, RAMBudget: s.ramBudget, Exclusive: []types.Tier{types.TierFast}})

	fast := tier.NewFast(tier.FastConfig{
		ModelPath: modelPath,
		Adapter:   fakeAdapter{sess: h.fast},
		Load:      tier.LoadOptions{GPULayers: -1},
		WorkVRAM:  100,
		OnState:   ObserveTierState,
	})
	coord := offload.New(offload.Config{
		WindowBytes:  64,
		StallTimeout: 50 * time.Millisecond,
		Shards:       []offload.Shard{{Index: 0, Path: "deep-1", Size: 16}, {Index: 1, Path: "deep-2", Size: 16}},
		Open: func(string) (io.ReadCloser, error) {
			if h.stall.Load() {
				return stallReader{release: release}, nil
			}
			return io.NopCloser(bytes.NewReader(make([]byte, 16))), nil
		},
	})
	deep := tier.NewDeep(tier.DeepConfig{
		Coordinator: coord,
		VRAM:        s.deepVRAM,
		RAMOverhead: 36,
		Executors: func(tier.Job, string, tier.Params, []offload.Shard) (offload.Executor, error) {
			return &deepExec{tokens: []string{"deep", " ok"}}, nil
		},
	})
	cfg := Config{
		Fast:            fast,
		Deep:            deep,
		Ledger:          h.led,
		RetryBackoff:    20 * time.Millisecond,
		RetryBackoffMax: 100 * time.Millisecond,
		RetryCeiling:    5,
		Events:          h.events,
	}
	if s.cfg != nil {
		s.cfg(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = o.Close(ctx)
	})
	h.o = o
	return h
}

// collector is a Sink that buffers updates.
type collector struct{ ch chan Update }

func newCollector() *collector { return &collector{ch: make(chan Update, 256)} }

func (c *collector) Deliver(u Update) { c.ch <- u }

// wait returns the tokens and the terminal update of one request.
func (c *collector) wait(t *testing.T) ([]string, Update) {
	t.Helper()
	var toks []string
	deadline := time.After(waitTimeout)
	for {
		select {
		case u := <-c.ch:
			if !u.Terminal() {
				toks = append(toks, u.Token)
				continue
			}
			return toks, u
		case <-deadline:
			t.Fatalf("timed out waiting for terminal update (tokens so far %v)", toks)
			return nil, Update{}
		}
	}
}

// next yields the terminal update, skipping tokens.
func (c *collector) next() <-chan Update {
	out := make(chan Update, 1)
	go func() {
		for u := range c.ch {
			if u.Terminal() {
				out <- u
				return
			}
		}
	}()
	return out
}

func (h *harness) submit(t *testing.T, req Request) (string, *collector) {
	t.Helper()
	c := newCollector()
	id, err := h.o.Submit(req, c)
	require.NoError(t, err)
	return id, c
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
