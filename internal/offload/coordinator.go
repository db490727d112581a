// Package offload streams Deep-tier model shards from storage through a
// bounded RAM window, feeding an Executor shard by shard so the peak
// footprint of a generation never exceeds its reservation.
//
// A run is Begin → Step* → End (or Abort). Begin re-validates the window
// against the reservation and performs a full reset whenever the previous
// run left the window inconsistent; partial shard state is never resumed.
package offload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aegis/internal/ledger"
)

const (
	defaultStallTimeout = 10 * time.Second
	defaultChunkBytes   = 4 << 20
)

// Shard is one model file streamed through the window.
type Shard struct {
	Index int
	Path  string
	Size  int64
}

// Output is what an Executor produces at the end of a pass.
type Output struct {
	Token string
	// Done ends the run. A Done output may still carry a final Token.
	Done bool
	// Resident tells the coordinator the executor holds the weights it needs
	// and no further shard passes are required.
	Resident bool
}

// Executor runs the model layers held by each shard.
type Executor interface {
	// Forward applies the layers in data for the current position.
	Forward(ctx context.Context, shard Shard, data []byte) error
	// Emit is called after the final shard of a pass (or on every step once
	// the executor reported Resident).
	Emit(ctx context.Context) (Output, error)
	// Close releases executor resources.
	Close() error
}

// Config configures a Coordinator.
type Config struct {
	// WindowBytes is fixed for the coordinator's lifetime.
	WindowBytes  int64
	StallTimeout time.Duration
	ChunkBytes   int
	Shards       []Shard
	// Open opens a shard for reading; defaults to os.Open.
	Open func(path string) (io.ReadCloser, error)
	// OnAbort is invoked after Abort released the window.
	OnAbort func()
	Logger  zerolog.Logger
}

// Coordinator owns the offload window.
type Coordinator struct {
	mu      sync.Mutex
	win     *window
	shards  []Shard
	stall   time.Duration
	chunk   int
	open    func(string) (io.ReadCloser, error)
	onAbort func()
	active  *Handle
	log     zerolog.Logger
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		win:     newWindow(cfg.WindowBytes),
		shards:  append([]Shard(nil), cfg.Shards...),
		stall:   cfg.StallTimeout,
		chunk:   cfg.ChunkBytes,
		open:    cfg.Open,
		onAbort: cfg.OnAbort,
		log:     cfg.Logger.With().Str("component", "offload").Logger(),
	}
	if c.stall <= 0 {
		c.stall = defaultStallTimeout
	}
	if c.chunk <= 0 {
		c.chunk = defaultChunkBytes
	}
	if c.open == nil {
		c.open = func(p string) (io.ReadCloser, error) { return os.Open(p) }
	}
	return c
}

// SetOnAbort installs the abort hook. It must be called before the first Begin.
func (c *Coordinator) SetOnAbort(fn func()) {
	c.mu.Lock()
	c.onAbort = fn
	c.mu.Unlock()
}

// Shards returns the shard set.
func (c *Coordinator) Shards() []Shard { return append([]Shard(nil), c.shards...) }

// WindowBytes returns the configured window size.
func (c *Coordinator) WindowBytes() int64 { return c.win.capacity }

// Validate checks the window against a RAM allowance and the shard set.
func (c *Coordinator) Validate(ramAllowance uint64) error {
	if c.win.capacity <= 0 {
		return &WindowError{Window: c.win.capacity, Reason: "window not configured"}
	}
	if uint64(c.win.capacity) > ramAllowance {
		return &WindowError{Window: c.win.capacity, Need: int64(ramAllowance), Reason: "window exceeds reserved RAM"}
	}
	if len(c.shards) == 0 {
		return &WindowError{Window: c.win.capacity, Reason: "no shards"}
	}
	for _, s := range c.shards {
		if s.Size > c.win.capacity {
			return &WindowError{Window: c.win.capacity, Need: s.Size, Reason: fmt.Sprintf("shard %s larger than window", s.Path)}
		}
	}
	return nil
}

// Stats returns a view of the window.
func (c *Coordinator) Stats() WindowStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.win.stats()
}

// Handle is one run over the window.
type Handle struct {
	c      *Coordinator
	res    ledger.Reservation
	exec   Executor
	next   int
	pass   int
	tokens int
	// resident is set once the executor no longer needs shard passes.
	resident bool
	done     bool
	closed   bool
	// stop is closed when the handle ends so in-flight readers exit.
	stop     chan struct{}
	peakUsed int64
}

// Begin starts a run for res. It fails with ErrBusy while another run is
// active and with *WindowError when the window cannot serve res.
func (c *Coordinator) Begin(ctx context.Context, res ledger.Reservation, exec Executor) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, errors.New("offload: nil executor")
	}
	if err := c.Validate(res.RAM); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, ErrBusy
	}
	if c.win.dirty {
		partial := c.win.partial
		c.win.reset()
		c.log.Warn().Int("partial_shard", partial).Uint64("epoch", c.win.epoch).Msg("window inconsistent, full reset")
	} else {
		c.win.allocate()
	}
	h := &Handle{c: c, res: res, exec: exec, stop: make(chan struct{})}
	c.active = h
	c.log.Debug().Str("holder", res.Holder).Int("shards", len(c.shards)).Int64("window", c.win.capacity).Msg("begin")
	return h, nil
}

// ProgressKind classifies a Step result.
type ProgressKind int

const (
	// ProgressShard: a shard was streamed and applied.
	ProgressShard ProgressKind = iota
	// ProgressToken: a token was produced.
	ProgressToken
	// ProgressDone: the run finished; further Steps keep returning Done.
	ProgressDone
)

// Progress reports what one Step did.
type Progress struct {
	Kind  ProgressKind
	Shard int
	Bytes int64
	Pass  int
	Token string
}

// Step advances the run by one shard or one token.
func (h *Handle) Step(ctx context.Context) (Progress, error) {
	if h.closed {
		return Progress{}, ErrClosed
	}
	if h.done {
		return Progress{Kind: ProgressDone, Pass: h.pass}, nil
	}
	shards := h.c.shards
	if h.resident || h.next >= len(shards) {
		out, err := h.exec.Emit(ctx)
		if err != nil {
			return Progress{}, fmt.Errorf("emit: %w", err)
		}
		if out.Resident {
			h.resident = true
		} else {
			h.next = 0
			h.pass++
		}
		if out.Done {
			h.done = true
			if out.Token == "" {
				return Progress{Kind: ProgressDone, Pass: h.pass}, nil
			}
		}
		h.tokens++
		return Progress{Kind: ProgressToken, Token: out.Token, Pass: h.pass}, nil
	}

	sh := shards[h.next]
	data, err := h.c.load(ctx, h, sh)
	if err != nil {
		return Progress{}, err
	}
	if err := h.exec.Forward(ctx, sh, data); err != nil {
		return Progress{}, fmt.Errorf("forward shard %d: %w", sh.Index, err)
	}
	h.next++
	return Progress{Kind: ProgressShard, Shard: sh.Index, Bytes: sh.Size, Pass: h.pass}, nil
}

// Loaded reports whether the first full pass completed, i.e. the model has
// been staged through the window at least once.
func (h *Handle) Loaded() bool { return h.resident || h.pass > 0 || h.next >= len(h.c.shards) }

// PeakWindowBytes is the largest window occupancy seen during the run.
func (h *Handle) PeakWindowBytes() int64 { return h.peakUsed }

// Reservation returns the reservation the run was started with.
func (h *Handle) Reservation() ledger.Reservation { return h.res }

// End finishes a run cleanly and releases the window.
func (c *Coordinator) End(h *Handle) error {
	return c.finish(h, false)
}

// Abort stops a run, releases any shard buffers and marks the window for a
// full reset on the next Begin. OnAbort is called afterwards.
func (c *Coordinator) Abort(h *Handle) error {
	if err := c.finish(h, true); err != nil {
		return err
	}
	c.mu.Lock()
	fn := c.onAbort
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *Coordinator) finish(h *Handle, abort bool) error {
	c.mu.Lock()
	if h == nil || h.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	h.closed = true
	close(h.stop)
	if c.active == h {
		c.active = nil
	}
	if abort {
		c.win.dirty = true
	}
	partial := c.win.partial
	c.win.release()
	c.mu.Unlock()

	err := h.exec.Close()
	ev := c.log.Debug()
	if abort {
		ev = c.log.Info()
	}
	ev.Str("holder", h.res.Holder).Bool("abort", abort).Int("partial_shard", partial).
		Int("passes", h.pass).Int("tokens", h.tokens).Msg("run finished")
	return err
}

type chunk struct {
	data []byte
	err  error
	eof  bool
}

// load streams sh into the window. A read that makes no progress within the
// stall timeout fails with *IOStallError and leaves the window dirty.
func (c *Coordinator) load(ctx context.Context, h *Handle, sh Shard) ([]byte, error) {
	c.mu.Lock()
	if h.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	dst := c.win.place(sh.Index, sh.Size)
	c.mu.Unlock()

	chunks := make(chan chunk)
	go c.read(sh, chunks, h.stop)

	timer := time.NewTimer(c.stall)
	defer timer.Stop()
	var off int64
	for {
		select {
		case ch := <-chunks:
			if ch.err != nil {
				return nil, fmt.Errorf("read shard %s: %w", sh.Path, ch.err)
			}
			if off+int64(len(ch.data)) > sh.Size {
				return nil, fmt.Errorf("read shard %s: larger than declared %d bytes", sh.Path, sh.Size)
			}
			copy(dst[off:], ch.data)
			off += int64(len(ch.data))
			if ch.eof {
				if off != sh.Size {
					return nil, fmt.Errorf("read shard %s: short read %d/%d bytes", sh.Path, off, sh.Size)
				}
				c.mu.Lock()
				c.win.commit(sh.Index, sh.Size)
				if c.win.used > h.peakUsed {
					h.peakUsed = c.win.used
				}
				c.mu.Unlock()
				return dst, nil
			}
			timer.Reset(c.stall)
		case <-timer.C:
			return nil, &IOStallError{Shard: sh.Path, After: c.stall, Read: off, Size: sh.Size}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// read sends sh in chunks until EOF, error or stop. Readers never touch the
// window arena, so a reader orphaned by a stall cannot corrupt a later run.
func (c *Coordinator) read(sh Shard, out chan<- chunk, stop <-chan struct{}) {
	send := func(ch chunk) bool {
		select {
		case out <- ch:
			return true
		case <-stop:
			return false
		}
	}
	f, err := c.open(sh.Path)
	if err != nil {
		send(chunk{err: err})
		return
	}
	defer f.Close()
	for {
		buf := make([]byte, c.chunk)
		n, err := io.ReadFull(f, buf)
		switch {
		case err == nil:
			if !send(chunk{data: buf[:n]}) {
				return
			}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			send(chunk{data: buf[:n], eof: true})
			return
		default:
			send(chunk{err: err})
			return
		}
	}
}

// Probe opens every shard and reads its first chunk within the stall
// timeout. It does not touch the window and needs no reservation.
func (c *Coordinator) Probe(ctx context.Context) error {
	if len(c.shards) == 0 {
		return &WindowError{Window: c.win.capacity, Reason: "no shards"}
	}
	for _, sh := range c.shards {
		stop := make(chan struct{})
		chunks := make(chan chunk)
		go c.read(sh, chunks, stop)
		timer := time.NewTimer(c.stall)
		var err error
		select {
		case ch := <-chunks:
			err = ch.err
		case <-timer.C:
			err = &IOStallError{Shard: sh.Path, After: c.stall, Size: sh.Size}
		case <-ctx.Done():
			err = ctx.Err()
		}
		timer.Stop()
		close(stop)
		if err != nil {
			return fmt.Errorf("probe shard %s: %w", sh.Path, err)
		}
	}
	return nil
}
