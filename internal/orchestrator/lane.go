package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"aegis/internal/ledger"
	"aegis/internal/queue"
	"aegis/internal/tier"
	"aegis/pkg/types"
)

// lane is the admission loop state of one tier. A lane runs at most one
// generation at a time.
type lane struct {
	tier  types.Tier
	model tier.Model
	queue *queue.Queue[*job]
	wakeC chan struct{}

	mu         sync.Mutex
	busy       bool
	inflight   string
	recovering bool
	degraded   bool
	closed     bool
	failures   int
	lastErr    string
}

func newLane(t types.Tier, m tier.Model, now func() time.Time) *lane {
	return &lane{tier: t, model: m, queue: queue.New[*job](now), wakeC: make(chan struct{}, 1)}
}

func (l *lane) wake() {
	select {
	case l.wakeC <- struct{}{}:
	default:
	}
}

func (l *lane) isDegraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// idle reports whether a submission may bypass the queue.
func (l *lane) idleLocked() bool {
	return !l.busy && !l.recovering && !l.degraded && l.queue.Len() == 0
}

// runLane admits queued requests until ctx ends. It wakes on submissions,
// ledger releases, backoff expiry and the earliest queued deadline.
func (o *Orchestrator) runLane(ctx context.Context, l *lane) {
	defer o.loops.Done()
	for {
		changed := o.ledger.Changed()
		wait := o.admit(l)
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-l.wakeC:
		case <-changed:
			o.clearBackoff(l)
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// clearBackoff lets the head request retry immediately once freed memory
// covers its footprint. Releases that leave it short keep the backoff.
func (o *Orchestrator) clearBackoff(l *lane) {
	if e, ok := l.queue.Peek(); ok {
		vram, ram := l.model.FootprintEstimate()
		if !o.ledger.Fits(l.tier, vram, ram) {
			return
		}
		e.Value.mu.Lock()
		e.Value.notBefore = time.Time{}
		e.Value.mu.Unlock()
	}
}

// admit expires overdue entries and tries to admit the head of the queue.
// It returns how long the lane may sleep before it must look again (0 means
// until the next signal).
func (o *Orchestrator) admit(l *lane) time.Duration {
	for {
		now := o.now()
		for _, e := range l.queue.Expire(now) {
			o.finish(e.Value, Update{Kind: UpdateCancelled, Err: &TimeoutError{
				RequestID: e.ID, Deadline: e.Deadline, Queued: now.Sub(e.Enqueued),
			}})
		}
		queueDepth.WithLabelValues(string(l.tier)).Set(float64(l.queue.Len()))

		l.mu.Lock()
		if l.busy || l.recovering || l.degraded {
			l.mu.Unlock()
			return o.deadlineWait(l, now, 0)
		}
		e, ok := l.queue.Peek()
		if !ok {
			l.mu.Unlock()
			return 0
		}
		j := e.Value
		j.mu.Lock()
		notBefore := j.notBefore
		j.mu.Unlock()
		if now.Before(notBefore) {
			l.mu.Unlock()
			return o.deadlineWait(l, now, notBefore.Sub(now))
		}

		vram, ram := l.model.FootprintEstimate()
		res, err := o.ledger.Reserve(l.tier, vram, ram, j.req.ID)
		if err != nil {
			backoff, attempt, retry := o.retryPolicy(j, err)
			if retry {
				l.mu.Unlock()
				backoffsTotal.WithLabelValues(string(l.tier)).Inc()
				o.events.Publish(Event{Name: EventBackoff, RequestID: j.req.ID, Tier: l.tier, Fields: map[string]any{"attempt": attempt, "backoff": backoff}})
				o.log.Debug().Err(err).Str("request_id", j.req.ID).Str("tier", string(l.tier)).
					Int("attempt", attempt).Dur("backoff", backoff).Msg("backoff")
				return o.deadlineWait(l, now, backoff)
			}
			_, removed := l.queue.Remove(j.req.ID)
			l.mu.Unlock()
			if removed {
				o.finish(j, Update{Kind: UpdateFailed, Err: exhausted(l.tier, j, err)})
			}
			continue
		}
		if _, ok := l.queue.Remove(j.req.ID); !ok {
			// cancelled between Peek and Remove
			l.mu.Unlock()
			if rerr := o.ledger.Release(res); rerr != nil {
				o.log.Error().Err(rerr).Str("request_id", j.req.ID).Msg("release after lost admission")
			}
			continue
		}
		l.busy = true
		l.inflight = j.req.ID
		o.wg.Add(1)
		l.mu.Unlock()

		admissionsTotal.WithLabelValues(string(l.tier), "queue").Inc()
		o.dispatch(l, j, res)
	}
}

// retryPolicy decides whether a failed reservation is retried and after how long.
func (o *Orchestrator) retryPolicy(j *job, err error) (time.Duration, int, bool) {
	var im *ledger.InsufficientMemoryError
	retryable := (errors.As(err, &im) && !im.Unsatisfiable) || ledger.IsSlotBusy(err)
	j.mu.Lock()
	defer j.mu.Unlock()
	if !retryable || j.attempts >= o.cfg.RetryCeiling {
		return 0, j.attempts, false
	}
	j.attempts++
	backoff := o.cfg.RetryBackoffMax
	if shift := j.attempts - 1; shift < 30 {
		backoff = o.cfg.RetryBackoff << shift
	}
	if backoff <= 0 || backoff > o.cfg.RetryBackoffMax {
		backoff = o.cfg.RetryBackoffMax
	}
	j.notBefore = o.now().Add(backoff)
	return backoff, j.attempts, true
}

func exhausted(t types.Tier, j *job, err error) error {
	reason := "retry ceiling reached"
	var im *ledger.InsufficientMemoryError
	if errors.As(err, &im) && im.Unsatisfiable {
		reason = "request can never fit the memory budget"
	}
	j.mu.Lock()
	attempts := j.attempts
	j.mu.Unlock()
	return &ResourceExhaustedError{Tier: t, Attempts: attempts, Reason: reason, Err: err}
}

// deadlineWait bounds d by the time until the earliest queued deadline.
func (o *Orchestrator) deadlineWait(l *lane, now time.Time, d time.Duration) time.Duration {
	next, ok := l.queue.NextDeadline()
	if !ok {
		return d
	}
	until := next.Sub(now) + time.Millisecond
	if until <= 0 {
		until = time.Millisecond
	}
	if d == 0 || until < d {
		return until
	}
	return d
}
