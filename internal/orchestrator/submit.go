package orchestrator

import (
	"strings"

	"github.com/google/uuid"

	"aegis/internal/ledger"
	"aegis/internal/queue"
	"aegis/internal/tier"
	"aegis/pkg/types"
)

// Submit registers req and returns its id without waiting for admission.
// All results, including rejections by a degraded tier, reach sink.
// Submit itself fails only for malformed requests or after Close.
func (o *Orchestrator) Submit(req Request, sink Sink) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &InvalidRequestError{Reason: "prompt is required"}
	}
	if req.Priority < types.PriorityLow || req.Priority > types.PriorityUrgent {
		return "", &InvalidRequestError{Reason: "unknown priority " + req.Priority.String()}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := o.now()
	if req.Deadline.IsZero() && o.cfg.DefaultDeadline > 0 {
		req.Deadline = now.Add(o.cfg.DefaultDeadline)
	}

	t := req.Tier
	switch t {
	case types.TierAuto, "":
		t = o.selectTier(req)
	case types.TierFast, types.TierDeep:
	default:
		return "", &InvalidRequestError{Reason: "unknown tier " + string(t)}
	}
	l := o.lanes[t]
	j := &job{req: req, sink: sink, tier: t, submitted: now, phase: PhaseSubmitted}

	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return "", ErrClosed
	case !o.ready:
		o.mu.Unlock()
		return "", ErrNotStarted
	case o.jobs[req.ID] != nil:
		o.mu.Unlock()
		return "", &InvalidRequestError{Reason: "duplicate request id " + req.ID}
	}
	o.jobs[req.ID] = j
	o.counts.submitted++
	o.mu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		o.forget(req.ID)
		return "", ErrClosed
	}
	if l.degraded {
		l.mu.Unlock()
		go o.finish(j, Update{Kind: UpdateFailed, Err: &ResourceExhaustedError{Tier: t, Reason: "tier degraded"}})
		return req.ID, nil
	}
	if t == types.TierFast && l.idleLocked() {
		if res, ok := o.tryBypass(l, j); ok {
			l.busy = true
			l.inflight = j.req.ID
			o.wg.Add(1)
			l.mu.Unlock()
			admissionsTotal.WithLabelValues(string(t), "bypass").Inc()
			o.dispatch(l, j, res)
			return req.ID, nil
		}
	}
	err := l.queue.Enqueue(queue.Entry[*job]{ID: req.ID, Priority: req.Priority, Deadline: req.Deadline, Value: j})
	l.mu.Unlock()
	if err != nil {
		o.forget(req.ID)
		return "", &InvalidRequestError{Reason: err.Error()}
	}
	j.setPhase(PhaseQueued)
	queueDepth.WithLabelValues(string(t)).Set(float64(l.queue.Len()))
	o.events.Publish(Event{Name: EventQueued, RequestID: req.ID, Tier: t})
	l.wake()
	return req.ID, nil
}

// forget undoes the registration of a submission that was not accepted.
func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.jobs, id)
	o.counts.submitted--
	o.mu.Unlock()
}

// tryBypass reserves directly for an idle Fast lane. On failure the
// request falls back to the queue, where backoff applies.
func (o *Orchestrator) tryBypass(l *lane, j *job) (ledger.Reservation, bool) {
	vram, ram := l.model.FootprintEstimate()
	res, err := o.ledger.Reserve(l.tier, vram, ram, j.req.ID)
	if err != nil {
		o.log.Debug().Err(err).Str("request_id", j.req.ID).Msg("bypass unavailable, queueing")
		return ledger.Reservation{}, false
	}
	return res, true
}

// selectTier picks Fast for Auto requests while the Fast queue is short,
// the prompt plus its completion budget fits the Fast context window and
// Fast is not degraded.
func (o *Orchestrator) selectTier(req Request) types.Tier {
	fast := o.lanes[types.TierFast]
	if fast.isDegraded() {
		return types.TierDeep
	}
	if fast.queue.Len() >= o.cfg.FastQueueDepthThreshold {
		return types.TierDeep
	}
	budget := req.Params.MaxTokens
	if budget <= 0 {
		budget = o.cfg.FastMaxTokens
	}
	if tier.PromptTokens(req.Prompt, req.Context)+budget > o.cfg.FastContextTokens {
		return types.TierDeep
	}
	return types.TierFast
}

// Cancel removes a queued request and reports it Cancelled. It returns false
// once the request was admitted (or is unknown): in-flight generations are
// never interrupted.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	j := o.jobs[id]
	o.mu.Unlock()
	if j == nil {
		return false
	}
	l := o.lanes[j.tier]
	if !l.queue.Cancel(id) {
		return false
	}
	queueDepth.WithLabelValues(string(j.tier)).Set(float64(l.queue.Len()))
	o.finish(j, Update{Kind: UpdateCancelled, Err: &CancelledError{RequestID: id, Reason: "cancelled by channel"}})
	l.wake()
	return true
}
