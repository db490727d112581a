package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultAddr            = ":8090"
	defaultWindow          = 2 << 30
	defaultVRAMMargin      = 512 << 20
	defaultRAMMargin       = 2 << 30
	defaultFastQueueDepth  = 4
	defaultRetryCeiling    = 8
	defaultStallTimeoutMs  = 10_000
	defaultDeadlineMs      = 120_000
	defaultBackoffMs       = 250
	defaultBackoffMaxMs    = 10_000
	defaultFastContext     = 4096
	defaultDeepContext     = 8192
	defaultMaxTokens       = 1024
	defaultFastWorkingVRAM = 512 << 20
	defaultDeepVRAM        = 4 << 30
	defaultDeepRAMOverhead = 1 << 30
	defaultMaxBody         = 1 << 20
	defaultShutdownMs      = 15_000
)

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	setStr(&c.Addr, DefaultAddr)
	setU64(&c.OffloadWindowBytes, defaultWindow)
	setU64(&c.VRAMMarginBytes, defaultVRAMMargin)
	setU64(&c.RAMMarginBytes, defaultRAMMargin)
	setInt(&c.FastQueueDepthThreshold, defaultFastQueueDepth)
	if c.DeepRetryCeiling == nil {
		c.DeepRetryCeiling = ptr(defaultRetryCeiling)
	}
	setI64(&c.StallTimeoutMs, defaultStallTimeoutMs)
	if c.DefaultDeadlineMs == nil {
		c.DefaultDeadlineMs = ptr(int64(defaultDeadlineMs))
	}
	setI64(&c.RetryBackoffMs, defaultBackoffMs)
	setI64(&c.RetryBackoffMaxMs, defaultBackoffMaxMs)
	setInt(&c.FastContextTokens, defaultFastContext)
	setInt(&c.FastMaxTokens, defaultMaxTokens)
	setU64(&c.FastWorkingVRAMBytes, defaultFastWorkingVRAM)
	setU64(&c.DeepVRAMBytes, defaultDeepVRAM)
	setU64(&c.DeepRAMOverheadBytes, defaultDeepRAMOverhead)
	setInt(&c.DeepMaxTokens, defaultMaxTokens)
	setInt(&c.DeepContextTokens, defaultDeepContext)
	setStr(&c.LogLevel, "info")
	setStr(&c.LogFormat, "console")
	setI64(&c.MaxBodyBytes, defaultMaxBody)
	setI64(&c.ShutdownTimeoutMs, defaultShutdownMs)
	if c.CORSEnabled {
		if len(c.CORSOrigins) == 0 {
			c.CORSOrigins = []string{"*"}
		}
		if len(c.CORSMethods) == 0 {
			c.CORSMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		}
		if len(c.CORSHeaders) == 0 {
			c.CORSHeaders = []string{"Content-Type", "X-Log-Level"}
		}
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.FastModelPath) == "" {
		errs = append(errs, errors.New("fast_model_path is required"))
	}
	if strings.TrimSpace(c.DeepModelPath) == "" {
		errs = append(errs, errors.New("deep_model_path is required"))
	}
	if c.FastQueueDepthThreshold < 1 {
		errs = append(errs, errors.New("fast_queue_depth_threshold must be >= 1"))
	}
	if c.RetryCeiling() < 0 {
		errs = append(errs, errors.New("deep_retry_ceiling must be >= 0"))
	}
	if c.StallTimeoutMs <= 0 {
		errs = append(errs, errors.New("stall_timeout_ms must be > 0"))
	}
	if c.DefaultDeadlineMs != nil && *c.DefaultDeadlineMs < 0 {
		errs = append(errs, errors.New("default_deadline_ms must be >= 0"))
	}
	if c.RetryBackoffMaxMs < c.RetryBackoffMs {
		errs = append(errs, errors.New("retry_backoff_max_ms must be >= retry_backoff_ms"))
	}
	if c.FastMaxTokens >= c.FastContextTokens {
		errs = append(errs, fmt.Errorf("fast_max_tokens (%d) must be below fast_context_tokens (%d)", c.FastMaxTokens, c.FastContextTokens))
	}
	if c.RAMBudgetBytes > 0 && c.OffloadWindowBytes+c.DeepRAMOverheadBytes > c.RAMBudgetBytes {
		errs = append(errs, errors.New("offload_window_bytes + deep_ram_overhead_bytes exceed ram_budget_bytes"))
	}
	if c.DeepMaxTokens >= c.DeepContextTokens {
		errs = append(errs, fmt.Errorf("deep_max_tokens (%d) must be below deep_context_tokens (%d)", c.DeepMaxTokens, c.DeepContextTokens))
	}
	if c.VRAMBudgetBytes > 0 && c.DeepVRAMBytes > c.VRAMBudgetBytes {
		errs = append(errs, errors.New("deep_vram_bytes exceeds vram_budget_bytes"))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (want console|json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// StallTimeout returns stall_timeout_ms as a duration.
func (c Config) StallTimeout() time.Duration { return ms(c.StallTimeoutMs) }

// DefaultDeadline returns default_deadline_ms as a duration; zero means none.
func (c Config) DefaultDeadline() time.Duration {
	if c.DefaultDeadlineMs == nil {
		return 0
	}
	return ms(*c.DefaultDeadlineMs)
}

// RetryCeiling returns deep_retry_ceiling; zero fails on the first
// InsufficientMemory.
func (c Config) RetryCeiling() int {
	if c.DeepRetryCeiling == nil {
		return 0
	}
	return *c.DeepRetryCeiling
}

// RetryBackoff returns the initial and maximum backoff.
func (c Config) RetryBackoff() (time.Duration, time.Duration) {
	return ms(c.RetryBackoffMs), ms(c.RetryBackoffMaxMs)
}

// ShutdownTimeout returns shutdown_timeout_ms as a duration.
func (c Config) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMs) }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// EnvPrefix prefixes environment overrides, e.g. AEGIS_VRAM_BUDGET_BYTES.
const EnvPrefix = "AEGIS_"

// ApplyEnv overrides fields from AEGIS_<YAML KEY> variables. Lists are comma separated.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	var errs []error
	for i := 0; i < t.NumField(); i++ {
		key := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if key == "" {
			continue
		}
		name := EnvPrefix + strings.ToUpper(key)
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(v.Field(i), strings.TrimSpace(raw)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func setField(f reflect.Value, raw string) error {
	switch f.Kind() {
	case reflect.Pointer:
		v := reflect.New(f.Type().Elem())
		if err := setField(v.Elem(), raw); err != nil {
			return err
		}
		f.Set(v)
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetUint(n)
	case reflect.Slice:
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		f.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func setStr(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func setI64(p *int64, def int64) {
	if *p == 0 {
		*p = def
	}
}

func setU64(p *uint64, def uint64) {
	if *p == 0 {
		*p = def
	}
}

// FastLayers maps the fast tier settings onto a GPU layer count
// (-1 all, 0 none).
func (c Config) FastLayers() int {
	switch {
	case c.FastCPUOnly:
		return 0
	case c.FastGPULayers <= 0:
		return -1
	default:
		return c.FastGPULayers
	}
}
