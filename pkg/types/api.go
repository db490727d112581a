package types

// GenerateRequest is the payload accepted by POST /v1/generate.
type GenerateRequest struct {
	// Prompt text to generate a completion for.
	// example: Summarise the last three mails from Alice.
	Prompt string `json:"prompt" example:"Summarise the last three mails from Alice."`
	// Optional prior turns passed along with the prompt.
	Context []Message `json:"context,omitempty"`
	// Tier preference: auto (default), fast or deep.
	// example: auto
	Tier string `json:"tier,omitempty" example:"auto"`
	// Priority class: low, normal (default), high or urgent.
	// example: normal
	Priority string `json:"priority,omitempty" example:"normal"`
	// Deadline in milliseconds from submission. 0 uses the server default.
	// example: 30000
	DeadlineMs int64 `json:"deadline_ms,omitempty" example:"30000"`
	// Originating channel reference, echoed back on every line.
	// example: matrix:!room:example.org
	Channel string `json:"channel,omitempty" example:"matrix:!room:example.org"`
	// Maximum number of new tokens to generate.
	// example: 256
	MaxTokens int `json:"max_tokens,omitempty" example:"256"`
	// Sampling temperature.
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Optional stop sequences.
	Stop []string `json:"stop,omitempty"`
	// Random seed; 0 lets the runtime choose.
	Seed int64 `json:"seed,omitempty"`
}

// StreamLine is one NDJSON line written on the /v1/generate response stream.
// The first line carries only RequestID; token lines carry Token; the last
// line has Done set or Error populated.
type StreamLine struct {
	RequestID string     `json:"request_id"`
	Channel   string     `json:"channel,omitempty"`
	Token     string     `json:"token,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Tier      Tier       `json:"tier,omitempty"`
	Content   string     `json:"content,omitempty"`
	Directive *Directive `json:"directive,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Error     string     `json:"error,omitempty"`
	// Kind classifies Error: timeout, resource_exhausted, cancelled, io_stall, load_error, failed.
	Kind string `json:"kind,omitempty"`
}

// Usage summarises a completed generation.
type Usage struct {
	CompletionTokens int     `json:"completion_tokens"`
	DurationMs       int64   `json:"duration_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// CancelResponse is returned by DELETE /v1/requests/{id}.
type CancelResponse struct {
	RequestID string `json:"request_id"`
	// True only when the request was still queued and has been removed.
	Cancelled bool `json:"cancelled"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: prompt is required
	Error string `json:"error" example:"prompt is required"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// TierStatus summarises one model tier for /status.
type TierStatus struct {
	// Tier name.
	// example: fast
	Tier Tier `json:"tier" example:"fast"`
	// Lifecycle state (unloaded, loading, resident, generating, unloading, failed).
	// example: resident
	State string `json:"state" example:"resident"`
	// True once the tier has exhausted its automatic reload.
	Degraded bool `json:"degraded"`
	// Queued requests awaiting admission.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Request currently generating on this tier, if any.
	Inflight string `json:"inflight,omitempty"`
	// Tier failures observed since start.
	Failures int `json:"failures"`
	// Declared working footprint per generation.
	WorkVRAMBytes uint64 `json:"work_vram_bytes"`
	WorkRAMBytes  uint64 `json:"work_ram_bytes"`
	// Footprint pinned while the tier is resident.
	ResidentVRAMBytes uint64 `json:"resident_vram_bytes"`
	ResidentRAMBytes  uint64 `json:"resident_ram_bytes"`
	// Last tier error, if any.
	LastError string `json:"last_error,omitempty"`
}

// LedgerStatus is the memory ledger view for /status.
type LedgerStatus struct {
	VRAMBudgetBytes    uint64 `json:"vram_budget_bytes"`
	RAMBudgetBytes     uint64 `json:"ram_budget_bytes"`
	VRAMCommittedBytes uint64 `json:"vram_committed_bytes"`
	RAMCommittedBytes  uint64 `json:"ram_committed_bytes"`
	VRAMDriftBytes     uint64 `json:"vram_drift_bytes"`
	RAMDriftBytes      uint64 `json:"ram_drift_bytes"`
	Reservations       int    `json:"reservations"`
	Pins               int    `json:"pins"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Tiers  []TierStatus `json:"tiers"`
	Ledger LedgerStatus `json:"ledger"`
	// Requests known to the orchestrator and not yet terminal.
	Active int `json:"active"`
	// Lifetime counters.
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
