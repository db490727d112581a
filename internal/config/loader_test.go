package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nfast_model_path: /m/fast.gguf\ndeep_model_path: /m/deep\nvram_budget_bytes: 123\noffload_window_bytes: 64\ncors_allowed_origins: [a, b]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.FastModelPath != "/m/fast.gguf" || cfg.DeepModelPath != "/m/deep" || cfg.VRAMBudgetBytes != 123 || cfg.OffloadWindowBytes != 64 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "b" {
		t.Fatalf("origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","fast_model_path":"/f","deep_retry_ceiling":3,"stall_timeout_ms":500}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.FastModelPath != "/f" || cfg.RetryCeiling() != 3 || cfg.StallTimeoutMs != 500 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\ndeep_model_path=\"/x\"\nfast_queue_depth_threshold=9\nfast_cpu_only=true\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.DeepModelPath != "/x" || cfg.FastQueueDepthThreshold != 9 || !cfg.FastCPUOnly {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load(filepath.Join(d, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadInvalidFiles(t *testing.T) {
	d := t.TempDir()
	cases := map[string]string{
		"bad.yaml": "addr: [unterminated\n",
		"bad.json": `{"addr":`,
		"bad.toml": "addr = \n",
	}
	for name, body := range cases {
		p := writeTempFile(t, d, name, body)
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Addr != DefaultAddr || cfg.FastQueueDepthThreshold != 4 || cfg.RetryCeiling() != 8 || cfg.StallTimeoutMs != 10_000 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.LogFormat != "console" || cfg.LogLevel != "info" {
		t.Fatalf("log defaults: %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.CORSOrigins != nil {
		t.Fatalf("cors origins set while disabled: %v", cfg.CORSOrigins)
	}
	cfg = Config{CORSEnabled: true, Addr: ":1"}
	cfg.ApplyDefaults()
	if cfg.Addr != ":1" || len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("cors defaults: %+v", cfg)
	}
}

func TestExplicitZeroSurvivesDefaults(t *testing.T) {
	d := t.TempDir()
	for name, body := range map[string]string{
		"zero.yaml": "deep_retry_ceiling: 0\ndefault_deadline_ms: 0\n",
		"zero.json": `{"deep_retry_ceiling":0,"default_deadline_ms":0}`,
		"zero.toml": "deep_retry_ceiling = 0\ndefault_deadline_ms = 0\n",
	} {
		cfg, err := Load(writeTempFile(t, d, name, body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		cfg.ApplyDefaults()
		if cfg.RetryCeiling() != 0 || cfg.DefaultDeadline() != 0 {
			t.Fatalf("%s: zero overwritten: ceiling=%d deadline=%v", name, cfg.RetryCeiling(), cfg.DefaultDeadline())
		}
	}

	var cfg Config
	env := map[string]string{"AEGIS_DEEP_RETRY_CEILING": "0", "AEGIS_DEFAULT_DEADLINE_MS": "0"}
	if err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	cfg.ApplyDefaults()
	if cfg.RetryCeiling() != 0 || cfg.DefaultDeadline() != 0 {
		t.Fatalf("env zero overwritten: ceiling=%d deadline=%v", cfg.RetryCeiling(), cfg.DefaultDeadline())
	}

	cfg = Config{}
	cfg.ApplyDefaults()
	if cfg.DefaultDeadline() != 120*time.Second {
		t.Fatalf("unset deadline default: %v", cfg.DefaultDeadline())
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{FastModelPath: "/f", DeepModelPath: "/d"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := cfg
	bad.FastModelPath = ""
	bad.LogFormat = "xml"
	bad.RAMBudgetBytes = 1
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"fast_model_path", "log_format", "ram_budget_bytes"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AEGIS_ADDR":                 ":1234",
		"AEGIS_VRAM_BUDGET_BYTES":    "4096",
		"AEGIS_DEEP_RETRY_CEILING":   "2",
		"AEGIS_CORS_ENABLED":         "true",
		"AEGIS_CORS_ALLOWED_ORIGINS": "http://a, http://b",
	}
	var cfg Config
	err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Addr != ":1234" || cfg.VRAMBudgetBytes != 4096 || cfg.RetryCeiling() != 2 || !cfg.CORSEnabled {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b" {
		t.Fatalf("origins: %v", cfg.CORSOrigins)
	}

	env = map[string]string{"AEGIS_RAM_BUDGET_BYTES": "lots"}
	if err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err == nil || !strings.Contains(err.Error(), "AEGIS_RAM_BUDGET_BYTES") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFastLayers(t *testing.T) {
	if got := (Config{}).FastLayers(); got != -1 {
		t.Fatalf("default layers = %d", got)
	}
	if got := (Config{FastGPULayers: 20}).FastLayers(); got != 20 {
		t.Fatalf("layers = %d", got)
	}
	if got := (Config{FastGPULayers: 20, FastCPUOnly: true}).FastLayers(); got != 0 {
		t.Fatalf("cpu only layers = %d", got)
	}
}
