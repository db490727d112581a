// Package config loads aegisd settings from YAML, JSON or TOML files and
// AEGIS_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults, except
// for the pointer fields where nil does. Zero memory budgets mean "probe the
// host".
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	FastModelPath string `json:"fast_model_path" yaml:"fast_model_path" toml:"fast_model_path"`
	DeepModelPath string `json:"deep_model_path" yaml:"deep_model_path" toml:"deep_model_path"`

	VRAMBudgetBytes    uint64 `json:"vram_budget_bytes" yaml:"vram_budget_bytes" toml:"vram_budget_bytes"`
	RAMBudgetBytes     uint64 `json:"ram_budget_bytes" yaml:"ram_budget_bytes" toml:"ram_budget_bytes"`
	VRAMMarginBytes    uint64 `json:"vram_margin_bytes" yaml:"vram_margin_bytes" toml:"vram_margin_bytes"`
	RAMMarginBytes     uint64 `json:"ram_margin_bytes" yaml:"ram_margin_bytes" toml:"ram_margin_bytes"`
	OffloadWindowBytes uint64 `json:"offload_window_bytes" yaml:"offload_window_bytes" toml:"offload_window_bytes"`

	FastQueueDepthThreshold int   `json:"fast_queue_depth_threshold" yaml:"fast_queue_depth_threshold" toml:"fast_queue_depth_threshold"`
	StallTimeoutMs          int64 `json:"stall_timeout_ms" yaml:"stall_timeout_ms" toml:"stall_timeout_ms"`
	RetryBackoffMs          int64 `json:"retry_backoff_ms" yaml:"retry_backoff_ms" toml:"retry_backoff_ms"`
	RetryBackoffMaxMs       int64 `json:"retry_backoff_max_ms" yaml:"retry_backoff_max_ms" toml:"retry_backoff_max_ms"`

	// Zero is meaningful for these two (no retries, no deadline), so nil marks them unset.
	DeepRetryCeiling  *int   `json:"deep_retry_ceiling,omitempty" yaml:"deep_retry_ceiling,omitempty" toml:"deep_retry_ceiling,omitempty"`
	DefaultDeadlineMs *int64 `json:"default_deadline_ms,omitempty" yaml:"default_deadline_ms,omitempty" toml:"default_deadline_ms,omitempty"`

	FastContextTokens    int    `json:"fast_context_tokens" yaml:"fast_context_tokens" toml:"fast_context_tokens"`
	FastMaxTokens        int    `json:"fast_max_tokens" yaml:"fast_max_tokens" toml:"fast_max_tokens"`
	FastWorkingVRAMBytes uint64 `json:"fast_working_vram_bytes" yaml:"fast_working_vram_bytes" toml:"fast_working_vram_bytes"`

	// FastGPULayers limits offloaded layers; 0 offloads every layer.
	FastGPULayers int  `json:"fast_gpu_layers" yaml:"fast_gpu_layers" toml:"fast_gpu_layers"`
	FastCPUOnly   bool `json:"fast_cpu_only" yaml:"fast_cpu_only" toml:"fast_cpu_only"`

	// FastServerURL runs the Fast tier against a llama.cpp server instead of in process.
	FastServerURL    string `json:"fast_server_url" yaml:"fast_server_url" toml:"fast_server_url"`
	FastServerAPIKey string `json:"fast_server_api_key" yaml:"fast_server_api_key" toml:"fast_server_api_key"`

	DeepVRAMBytes        uint64 `json:"deep_vram_bytes" yaml:"deep_vram_bytes" toml:"deep_vram_bytes"`
	DeepRAMOverheadBytes uint64 `json:"deep_ram_overhead_bytes" yaml:"deep_ram_overhead_bytes" toml:"deep_ram_overhead_bytes"`
	DeepMaxTokens        int    `json:"deep_max_tokens" yaml:"deep_max_tokens" toml:"deep_max_tokens"`
	DeepContextTokens    int    `json:"deep_context_tokens" yaml:"deep_context_tokens" toml:"deep_context_tokens"`
	DeepGPULayers        int    `json:"deep_gpu_layers" yaml:"deep_gpu_layers" toml:"deep_gpu_layers"`
	DeepModelLayers      int    `json:"deep_model_layers" yaml:"deep_model_layers" toml:"deep_model_layers"`

	Threads int `json:"threads" yaml:"threads" toml:"threads"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	MaxBodyBytes      int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORSEnabled       bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins       []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSMethods       []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSHeaders       []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
	ShutdownTimeoutMs int64    `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`

	// ActWebhookURL receives directive handoffs as JSON; empty logs them only.
	ActWebhookURL string `json:"act_webhook_url" yaml:"act_webhook_url" toml:"act_webhook_url"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
