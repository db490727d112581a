// Package registry resolves model paths from configuration into files on disk:
// a single GGUF for the Fast tier and an ordered shard set for the Deep tier.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"aegis/internal/offload"
)

// ErrModelMissing is wrapped by every error for a model path that does not exist.
var ErrModelMissing = errors.New("model file not found")

// splitRe matches llama.cpp split names such as model-00001-of-00003.gguf.
var splitRe = regexp.MustCompile(`^(.*)-(\d{5})-of-(\d{5})\.gguf$`)

// Model is a resolved single-file model.
type Model struct {
	ID   string
	Path string
	Size int64
}

// ResolveModel checks that path names a readable GGUF file.
func ResolveModel(path string) (Model, error) {
	abs, err := absPath(path)
	if err != nil {
		return Model{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Model{}, fmt.Errorf("%w: %s (download the model or fix the configured path)", ErrModelMissing, abs)
		}
		return Model{}, fmt.Errorf("stat model: %w", err)
	}
	if fi.IsDir() {
		return Model{}, fmt.Errorf("model path %s is a directory", abs)
	}
	if !isGGUF(abs) {
		return Model{}, fmt.Errorf("model path %s is not a .gguf file", abs)
	}
	return Model{ID: filepath.Base(abs), Path: abs, Size: fi.Size()}, nil
}

// ResolveShards expands path into the ordered shard set of a Deep model.
// path may be a directory of *.gguf files (sorted by name), any member of a
// split GGUF set (all N parts must be present), or a single GGUF file.
func ResolveShards(path string) ([]offload.Shard, error) {
	abs, err := absPath(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (download the model or fix the configured path)", ErrModelMissing, abs)
		}
		return nil, fmt.Errorf("stat model: %w", err)
	}
	var paths []string
	switch {
	case fi.IsDir():
		paths, err = scanDir(abs)
	case splitRe.MatchString(filepath.Base(abs)):
		paths, err = splitSet(abs)
	case isGGUF(abs):
		paths = []string{abs}
	default:
		err = fmt.Errorf("model path %s is not a .gguf file", abs)
	}
	if err != nil {
		return nil, err
	}
	shards := make([]offload.Shard, 0, len(paths))
	for i, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: shard %s", ErrModelMissing, p)
		}
		if st.Size() == 0 {
			return nil, fmt.Errorf("shard %s is empty", p)
		}
		shards = append(shards, offload.Shard{Index: i, Path: p, Size: st.Size()})
	}
	return shards, nil
}

// TotalSize sums the sizes of shards.
func TotalSize(shards []offload.Shard) int64 {
	var n int64
	for _, s := range shards {
		n += s.Size
	}
	return n
}

// Largest returns the size of the largest shard.
func Largest(shards []offload.Shard) int64 {
	var n int64
	for _, s := range shards {
		n = max(n, s.Size)
	}
	return n
}

func scanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isGGUF(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no .gguf shards in %s", ErrModelMissing, dir)
	}
	sort.Strings(out)
	return out, nil
}

func splitSet(path string) ([]string, error) {
	m := splitRe.FindStringSubmatch(filepath.Base(path))
	n, _ := strconv.Atoi(m[3])
	if n == 0 {
		return nil, fmt.Errorf("invalid split name %s", path)
	}
	dir := filepath.Dir(path)
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("%s-%05d-of-%s.gguf", m[1], i, m[3]))
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: split part %d/%d (%s)", ErrModelMissing, i, n, p)
		}
		out = append(out, p)
	}
	return out, nil
}

func isGGUF(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".gguf")
}

func absPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty model path", ErrModelMissing)
	}
	p, err := expandHome(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	return abs, nil
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/llm
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
