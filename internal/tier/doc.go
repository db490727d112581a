// Package tier implements the two model tiers the orchestrator schedules onto.
// It is structured into small files by concern:
//
//   - state.go: State enum and the legal transition table.
//   - model.go: Model interface, Job, Footprint and the lazy token Stream.
//   - errors.go: LoadError, ErrStreamConsumed and dependency errors.
//   - adapter.go: InferenceAdapter/InferSession used by the Fast tier.
//   - fast.go: FastTier, resident for the process lifetime.
//   - deep.go: DeepTier, loaded per request through the offload coordinator.
//   - prompt.go: prompt assembly and parameter defaults.
//
// Build tags and runtimes:
//
//   - In-process llama: go-llama.cpp adapter and resident Deep executor,
//     enabled with `-tags=llama` (adapter_llama.go).
//   - Without the tag a stub is compiled (adapter_llama_stub.go) that fails
//     Start with a dependency-unavailable error, keeping default builds CGO-free.
package tier
