package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aegis/internal/ledger"
	"aegis/pkg/types"
)

// Orchestrator owns the per-tier lanes and the request table.
type Orchestrator struct {
	cfg    Config
	ledger *ledger.Ledger
	lanes  map[types.Tier]*lane
	log    zerolog.Logger
	events EventPublisher
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	ready   bool
	closed  bool
	counts  struct{ submitted, completed, failed, cancelled uint64 }

	// loopCtx stops the admission loops; genCtx is only cancelled when
	// Close gives up waiting on in-flight generations.
	loopCtx    context.Context
	stopLoops  context.CancelFunc
	genCtx     context.Context
	cancelGens context.CancelFunc
	loops      sync.WaitGroup
	wg         sync.WaitGroup
	startTime  time.Time
}

// New constructs an Orchestrator. Start must be called before Submit.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Fast == nil || cfg.Deep == nil {
		return nil, errors.New("orchestrator: both tiers are required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("orchestrator: ledger is required")
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		ledger:    cfg.Ledger,
		log:       cfg.Logger.With().Str("component", "orchestrator").Logger(),
		events:    cfg.Events,
		now:       cfg.Now,
		jobs:      make(map[string]*job),
		startTime: cfg.Now(),
	}
	o.loopCtx, o.stopLoops = context.WithCancel(context.Background())
	o.genCtx, o.cancelGens = context.WithCancel(context.Background())
	o.lanes = map[types.Tier]*lane{
		types.TierFast: newLane(types.TierFast, cfg.Fast, o.now),
		types.TierDeep: newLane(types.TierDeep, cfg.Deep, o.now),
	}
	return o, nil
}

// Start brings the tiers up and launches one admission loop per tier.
// A tier that cannot be loaded after one retry is marked degraded; Start
// itself fails only when ctx ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started || o.closed {
		o.mu.Unlock()
		return errors.New("orchestrator: already started")
	}
	o.started = true
	o.mu.Unlock()

	for _, t := range []types.Tier{types.TierFast, types.TierDeep} {
		l := o.lanes[t]
		err := o.loadTier(ctx, l)
		if err != nil && ctx.Err() == nil {
			o.log.Warn().Err(err).Str("tier", string(t)).Msg("initial load failed, retrying once")
			err = o.reloadTier(ctx, l)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.markDegraded(l, err)
		}
	}
	for _, l := range o.lanes {
		o.loops.Add(1)
		go o.runLane(o.loopCtx, l)
	}
	o.observeLedger()
	o.mu.Lock()
	o.ready = true
	o.mu.Unlock()
	return nil
}

// Ready reports whether the orchestrator accepts work on at least one tier.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	ok := o.ready && !o.closed
	o.mu.Unlock()
	if !ok {
		return false
	}
	for _, l := range o.lanes {
		if !l.isDegraded() {
			return true
		}
	}
	return false
}

// Lookup returns the phase of a non-terminal request.
func (o *Orchestrator) Lookup(id string) (Phase, bool) {
	o.mu.Lock()
	j := o.jobs[id]
	o.mu.Unlock()
	if j == nil {
		return 0, false
	}
	return j.getPhase(), true
}

// Close cancels queued requests, waits for in-flight generations until ctx
// ends (then cancels them) and unloads both tiers.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()
	// Submissions already past the closed check either land in a queue
	// before this point, and are drained below, or see the lane closed.
	for _, l := range o.lanes {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	}

	o.stopLoops()
	o.loops.Wait()
	for _, l := range o.lanes {
		for _, e := range l.queue.Drain() {
			o.finish(e.Value, Update{Kind: UpdateCancelled, Err: &CancelledError{RequestID: e.ID, Reason: "shutting down"}})
		}
	}

	done := make(chan struct{})
	go func() { o.wg.Wait(); close(done) }()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn().Msg("shutdown deadline reached, cancelling in-flight generations")
		o.cancelGens()
		<-done
		err = ctx.Err()
	}
	o.cancelGens()

	uctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for t, l := range o.lanes {
		if uerr := l.model.Unload(uctx); uerr != nil {
			o.log.Warn().Err(uerr).Str("tier", string(t)).Msg("unload on close")
		}
		o.ledger.Unpin(pinHolder(t))
	}
	o.observeLedger()
	o.log.Info().Msg("orchestrator closed")
	return err
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) lane(t types.Tier) (*lane, error) {
	l, ok := o.lanes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	return l, nil
}

// deliver stamps u with the request's identity and hands it to the sink.
func (o *Orchestrator) deliver(j *job, u Update) {
	u.RequestID = j.req.ID
	u.Channel = j.req.Channel
	u.Tier = j.tier
	if j.sink != nil {
		j.sink.Deliver(u)
	}
}

// finish moves j to its terminal phase and delivers u exactly once.
func (o *Orchestrator) finish(j *job, u Update) {
	j.once.Do(func() {
		var phase Phase
		var outcome string
		switch u.Kind {
		case UpdateCompleted:
			phase, outcome = PhaseCompleted, "completed"
		case UpdateCancelled:
			phase, outcome = PhaseCancelled, "cancelled"
			if IsTimeout(u.Err) {
				outcome = "timeout"
			}
		default:
			u.Kind = UpdateFailed
			phase, outcome = PhaseFailed, ErrorKind(u.Err)
		}
		j.setPhase(phase)

		o.mu.Lock()
		delete(o.jobs, j.req.ID)
		switch phase {
		case PhaseCompleted:
			o.counts.completed++
		case PhaseCancelled:
			o.counts.cancelled++
		default:
			o.counts.failed++
		}
		o.mu.Unlock()

		requestsTotal.WithLabelValues(string(j.tier), outcome).Inc()
		name := EventCompleted
		switch phase {
		case PhaseFailed:
			name = EventFailed
		case PhaseCancelled:
			name = EventCancelled
		}
		o.events.Publish(Event{Name: name, RequestID: j.req.ID, Tier: j.tier, Fields: map[string]any{"outcome": outcome}})
		ev := o.log.Debug()
		if u.Err != nil {
			ev = o.log.Info().Err(u.Err)
		}
		ev.Str("request_id", j.req.ID).Str("tier", string(j.tier)).Str("outcome", outcome).Msg("request finished")
		o.deliver(j, u)
	})
}

func (o *Orchestrator) observeLedger() {
	s := o.ledger.Snapshot()
	ledgerCommitted.WithLabelValues("vram").Set(float64(s.VRAMCommitted + s.VRAMDrift))
	ledgerCommitted.WithLabelValues("ram").Set(float64(s.RAMCommitted + s.RAMDrift))
}

func pinHolder(t types.Tier) string { return "tier:" + string(t) }
