package orchestrator

import (
	"context"
	"fmt"

	"aegis/pkg/types"
)

// recover handles a tier that entered Failed: queued work is failed fast,
// one automatic reload is attempted, and the tier is degraded if it fails.
func (o *Orchestrator) recover(l *lane, cause error) {
	defer o.wg.Done()
	o.log.Error().Err(cause).Str("tier", string(l.tier)).Msg("tier_failed")
	o.events.Publish(Event{Name: EventTierFailed, Tier: l.tier, Fields: map[string]any{"error": errString(cause)}})

	for _, e := range l.queue.Drain() {
		o.finish(e.Value, Update{Kind: UpdateFailed, Err: &TierFailedError{Tier: l.tier, Err: cause}})
	}
	queueDepth.WithLabelValues(string(l.tier)).Set(0)

	err := o.reloadTier(o.genCtx, l)
	if err != nil {
		o.markDegraded(l, err)
	} else {
		l.mu.Lock()
		l.recovering = false
		l.mu.Unlock()
		o.log.Info().Str("tier", string(l.tier)).Msg("tier_recovered")
		o.events.Publish(Event{Name: EventTierRecovered, Tier: l.tier})
	}
	l.wake()
}

// loadTier pins the tier's resident footprint and loads it.
func (o *Orchestrator) loadTier(ctx context.Context, l *lane) error {
	if s, ok := l.model.(interface{ Stat() error }); ok {
		if err := s.Stat(); err != nil {
			return err
		}
	}
	fp := l.model.Footprint()
	pinned := false
	if fp.ResidentVRAM > 0 || fp.ResidentRAM > 0 {
		if err := o.ledger.Pin(l.tier, fp.ResidentVRAM, fp.ResidentRAM, pinHolder(l.tier)); err != nil {
			return fmt.Errorf("pin %s tier: %w", l.tier, err)
		}
		pinned = true
	}
	start := o.now()
	if err := l.model.Load(ctx); err != nil {
		if pinned {
			o.ledger.Unpin(pinHolder(l.tier))
		}
		return err
	}
	o.observeLedger()
	o.log.Info().Str("tier", string(l.tier)).Dur("load_time", o.now().Sub(start)).Msg("tier loaded")
	return nil
}

// reloadTier unloads whatever is left of the tier and loads it again.
func (o *Orchestrator) reloadTier(ctx context.Context, l *lane) error {
	if err := l.model.Unload(ctx); err != nil {
		o.log.Warn().Err(err).Str("tier", string(l.tier)).Msg("unload before reload")
	}
	o.ledger.Unpin(pinHolder(l.tier))
	return o.loadTier(ctx, l)
}

// markDegraded stops the tier from accepting work. Requests queued while
// recovering are reported ResourceExhausted.
func (o *Orchestrator) markDegraded(l *lane, err error) {
	l.mu.Lock()
	l.degraded = true
	l.recovering = false
	l.lastErr = errString(err)
	l.mu.Unlock()
	tierDegraded.WithLabelValues(string(l.tier)).Set(1)
	o.log.Error().Err(err).Str("tier", string(l.tier)).Msg("tier_degraded")
	o.events.Publish(Event{Name: EventTierDegraded, Tier: l.tier, Fields: map[string]any{"error": errString(err)}})
	for _, e := range l.queue.Drain() {
		o.finish(e.Value, Update{Kind: UpdateFailed, Err: &ResourceExhaustedError{Tier: l.tier, Reason: "tier degraded", Err: err}})
	}
}

// Reload is the explicit intervention for a degraded or failed tier. It
// fails with ErrReloadBusy while the tier is generating or recovering.
func (o *Orchestrator) Reload(ctx context.Context, t types.Tier) error {
	if o.isClosed() {
		return ErrClosed
	}
	l, err := o.lane(t)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.busy || l.recovering {
		l.mu.Unlock()
		return ErrReloadBusy
	}
	l.recovering = true
	l.mu.Unlock()

	start := o.now()
	err = o.reloadTier(ctx, l)
	l.mu.Lock()
	l.recovering = false
	if err == nil {
		l.degraded = false
		l.lastErr = ""
	} else {
		l.degraded = true
		l.lastErr = err.Error()
	}
	l.mu.Unlock()
	l.wake()
	if err != nil {
		tierDegraded.WithLabelValues(string(t)).Set(1)
		o.log.Error().Err(err).Str("tier", string(t)).Msg("reload failed")
		return err
	}
	tierDegraded.WithLabelValues(string(t)).Set(0)
	o.log.Info().Str("tier", string(t)).Dur("took", o.now().Sub(start)).Msg("reload")
	o.events.Publish(Event{Name: EventTierRecovered, Tier: t, Fields: map[string]any{"manual": true}})
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
