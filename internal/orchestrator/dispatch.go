package orchestrator

import (
	"context"
	"strings"

	"aegis/internal/act"
	"aegis/internal/ledger"
	"aegis/internal/tier"
)

// dispatch starts the generation for an admitted job. The caller marks the
// lane busy and adds to o.wg while holding l.mu.
func (o *Orchestrator) dispatch(l *lane, j *job, res ledger.Reservation) {
	j.setPhase(PhaseAdmitted)
	o.events.Publish(Event{Name: EventAdmitted, RequestID: j.req.ID, Tier: l.tier})
	o.observeLedger()
	go o.generate(l, j, res)
}

// generate runs one generation to completion. Deadlines are not enforced
// here: once admitted, only the tier itself (storage stall detection) or
// shutdown stops a generation.
func (o *Orchestrator) generate(l *lane, j *job, res ledger.Reservation) {
	defer o.wg.Done()
	j.setPhase(PhaseGenerating)
	start := o.now()

	stream := l.model.Generate(o.genCtx, tier.Job{
		RequestID:   j.req.ID,
		Prompt:      j.req.Prompt,
		Context:     j.req.Context,
		Params:      j.req.Params,
		Reservation: res,
	})
	var text strings.Builder
	var genErr error
	first := true
	for tok, err := range stream.All() {
		if err != nil {
			genErr = err
			break
		}
		if first {
			first = false
			if fp, ok := stream.Measured(); ok {
				if rerr := o.ledger.Reconcile(res, fp.WorkVRAM, fp.WorkRAM); rerr != nil {
					o.log.Warn().Err(rerr).Str("request_id", j.req.ID).Msg("reconcile")
				}
			}
		}
		text.WriteString(tok)
		o.deliver(j, Update{Kind: UpdateToken, Token: tok})
	}
	result := stream.Result()
	generationDuration.WithLabelValues(string(l.tier)).Observe(o.now().Sub(start).Seconds())

	if err := o.ledger.Release(res); err != nil {
		o.log.Error().Err(err).Str("request_id", j.req.ID).Msg("release")
	}
	o.observeLedger()

	failed := l.model.State() == tier.Failed
	l.mu.Lock()
	l.busy = false
	l.inflight = ""
	if failed {
		l.recovering = true
		l.failures++
		if genErr != nil {
			l.lastErr = genErr.Error()
		}
	}
	l.mu.Unlock()
	if failed {
		o.wg.Add(1)
		go o.recover(l, genErr)
	}

	switch {
	case genErr == nil:
		u := Update{Kind: UpdateCompleted, Text: text.String(), Tokens: result.Tokens, Duration: result.Duration}
		if d, ok := act.Parse(u.Text); ok {
			u.Directive = &d
			o.handoff(l, j, u)
		}
		o.log.Info().Str("request_id", j.req.ID).Str("tier", string(l.tier)).Int("tokens", result.Tokens).
			Dur("duration", result.Duration).Float64("tokens_per_s", result.TokensPerSecond()).Msg("generation complete")
		o.finish(j, u)
	case o.genCtx.Err() != nil:
		o.finish(j, Update{Kind: UpdateCancelled, Tokens: result.Tokens, Err: &CancelledError{RequestID: j.req.ID, Reason: "shutting down"}})
	default:
		o.finish(j, Update{Kind: UpdateFailed, Tokens: result.Tokens, Err: &GenerationError{Tier: l.tier, Err: genErr}})
	}
	l.wake()
}

// handoff passes a directive to the act layer without waiting for it.
func (o *Orchestrator) handoff(l *lane, j *job, u Update) {
	if o.cfg.Act == nil {
		return
	}
	h := act.Handoff{
		RequestID: j.req.ID,
		Channel:   j.req.Channel,
		Tier:      l.tier,
		Directive: *u.Directive,
		Text:      u.Text,
		Completed: o.now(),
	}
	o.events.Publish(Event{Name: EventHandoff, RequestID: j.req.ID, Tier: l.tier, Fields: map[string]any{"directive": h.Directive.Name}})
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ActTimeout)
		defer cancel()
		if err := o.cfg.Act.Handle(ctx, h); err != nil {
			o.log.Warn().Err(err).Str("request_id", h.RequestID).Str("directive", h.Directive.Name).Msg("handoff failed")
		}
	}()
}
