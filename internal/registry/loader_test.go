package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestResolveModel(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "fast.Q4_K_M.GGUF")
	writeFile(t, p, 10)
	m, err := ResolveModel(p)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.Size != 10 || m.ID != "fast.Q4_K_M.GGUF" {
		t.Fatalf("unexpected model: %+v", m)
	}
}

func TestResolveModelMissing(t *testing.T) {
	_, err := ResolveModel(filepath.Join(t.TempDir(), "nope.gguf"))
	if !errors.Is(err, ErrModelMissing) {
		t.Fatalf("expected ErrModelMissing, got %v", err)
	}
	if !strings.Contains(err.Error(), "download") {
		t.Fatalf("message should point at downloading: %v", err)
	}
	if _, err := ResolveModel(""); !errors.Is(err, ErrModelMissing) {
		t.Fatalf("empty path: %v", err)
	}
}

func TestResolveModelRejectsNonGGUF(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "model.bin")
	writeFile(t, p, 1)
	if _, err := ResolveModel(p); err == nil {
		t.Fatalf("expected error for non-gguf file")
	}
}

func TestResolveShardsSplitSet(t *testing.T) {
	dir := t.TempDir()
	for i, size := range []int{30, 20, 10} {
		writeFile(t, filepath.Join(dir, "deep-0000"+string(rune('1'+i))+"-of-00003.gguf"), size)
	}
	shards, err := ResolveShards(filepath.Join(dir, "deep-00002-of-00003.gguf"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(shards) != 3 {
		t.Fatalf("expected 3 shards, got %d", len(shards))
	}
	for i, s := range shards {
		if s.Index != i {
			t.Fatalf("shard %d has index %d", i, s.Index)
		}
	}
	if TotalSize(shards) != 60 || Largest(shards) != 30 {
		t.Fatalf("sizes: total=%d largest=%d", TotalSize(shards), Largest(shards))
	}
}

func TestResolveShardsSplitSetMissingPart(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "deep-00001-of-00002.gguf"), 5)
	_, err := ResolveShards(filepath.Join(dir, "deep-00001-of-00002.gguf"))
	if !errors.Is(err, ErrModelMissing) {
		t.Fatalf("expected ErrModelMissing, got %v", err)
	}
}

func TestResolveShardsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.gguf"), 2)
	writeFile(t, filepath.Join(dir, "a.gguf"), 1)
	writeFile(t, filepath.Join(dir, "notes.txt"), 1)
	shards, err := ResolveShards(dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(shards) != 2 || filepath.Base(shards[0].Path) != "a.gguf" {
		t.Fatalf("unexpected shards: %+v", shards)
	}

	empty := t.TempDir()
	if _, err := ResolveShards(empty); !errors.Is(err, ErrModelMissing) {
		t.Fatalf("empty dir: %v", err)
	}
}

func TestResolveShardsRejectsEmptyShard(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "deep.gguf")
	writeFile(t, p, 0)
	if _, err := ResolveShards(p); err == nil {
		t.Fatalf("expected error for empty shard")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	got, err := expandHome("~/models/x.gguf")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "models/x.gguf") {
		t.Fatalf("unexpected: %s", got)
	}
	if got, _ := expandHome("/abs"); got != "/abs" {
		t.Fatalf("unexpected: %s", got)
	}
}
