// Package orchestrator routes channel requests onto the Fast and Deep model
// tiers. It is structured into small files by concern:
//
//   - orchestrator.go: Orchestrator type, constructor, Start and Close.
//   - config.go: Config and package defaults.
//   - request.go: Request, Update, Sink and per-request phases.
//   - submit.go: Submit, Cancel and Auto tier selection (incl. Fast bypass).
//   - lane.go: one admission loop per tier (deadline sweep, reservation, backoff).
//   - dispatch.go: running a generation and delivering its tokens.
//   - recovery.go: tier failure handling, automatic reload, degraded state, Reload.
//   - errors.go: Timeout, ResourceExhausted, Cancelled and friends.
//   - events.go / eventpub_memory.go: lifecycle events.
//   - metrics.go: Prometheus collectors.
//   - status.go: Status report for /status.
//
// Memory accounting is delegated to the ledger: every admission holds exactly
// one reservation which is released exactly once when the generation ends.
package orchestrator
