package orchestrator

import (
	"aegis/pkg/types"
)

// Status builds a detailed status response for /status.
func (o *Orchestrator) Status() types.StatusResponse {
	now := o.now()
	o.mu.Lock()
	resp := types.StatusResponse{
		Active:         len(o.jobs),
		Submitted:      o.counts.submitted,
		Completed:      o.counts.completed,
		Failed:         o.counts.failed,
		Cancelled:      o.counts.cancelled,
		UptimeSeconds:  int64(now.Sub(o.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	o.mu.Unlock()

	for _, t := range []types.Tier{types.TierFast, types.TierDeep} {
		l := o.lanes[t]
		fp := l.model.Footprint()
		l.mu.Lock()
		resp.Tiers = append(resp.Tiers, types.TierStatus{
			Tier:              t,
			State:             l.model.State().String(),
			Degraded:          l.degraded,
			QueueLen:          l.queue.Len(),
			Inflight:          l.inflight,
			Failures:          l.failures,
			WorkVRAMBytes:     fp.WorkVRAM,
			WorkRAMBytes:      fp.WorkRAM,
			ResidentVRAMBytes: fp.ResidentVRAM,
			ResidentRAMBytes:  fp.ResidentRAM,
			LastError:         l.lastErr,
		})
		l.mu.Unlock()
	}

	s := o.ledger.Snapshot()
	resp.Ledger = types.LedgerStatus{
		VRAMBudgetBytes:    s.VRAMBudget,
		RAMBudgetBytes:     s.RAMBudget,
		VRAMCommittedBytes: s.VRAMCommitted,
		RAMCommittedBytes:  s.RAMCommitted,
		VRAMDriftBytes:     s.VRAMDrift,
		RAMDriftBytes:      s.RAMDrift,
		Reservations:       len(s.Reservations),
		Pins:               s.Pins,
	}
	return resp
}
