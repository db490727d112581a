package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelServer(t *testing.T, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/org/repo/resolve/main/tiny.gguf" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "gated", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPullTarget(t *testing.T) {
	assert.Equal(t, filepath.Join(defaultFastModelDir, "m.gguf"), pullTarget("", "m.gguf"))
	assert.Equal(t, "/models/fast.gguf", pullTarget("/models/fast.gguf", "m.gguf"))
	assert.Equal(t, filepath.Join("/models", "m.gguf"), pullTarget("/models", "sub/m.gguf"))
}

func TestPullModel_DownloadsThenSkips(t *testing.T) {
	body := bytes.Repeat([]byte("gguf"), 1024)
	var hits atomic.Int32
	srv := modelServer(t, body, &hits)
	dest := filepath.Join(t.TempDir(), "fast", "tiny.gguf")
	po := pullOpts{repo: "org/repo", file: "tiny.gguf", revision: "main", endpoint: srv.URL + "/", token: "secret"}

	var out bytes.Buffer
	pulled, err := pullModel(context.Background(), srv.Client(), po, dest, &out, time.Hour)
	require.NoError(t, err)
	assert.True(t, pulled)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.NoFileExists(t, dest+"-partial")
	assert.Contains(t, out.String(), "4.0 KiB")

	out.Reset()
	pulled, err = pullModel(context.Background(), srv.Client(), po, dest, &out, time.Hour)
	require.NoError(t, err)
	assert.False(t, pulled)
	assert.Contains(t, out.String(), "already present")
	assert.Equal(t, int32(1), hits.Load(), "existing file is not fetched again")
}

func TestPullModel_HTTPErrorLeavesNothing(t *testing.T) {
	var hits atomic.Int32
	srv := modelServer(t, []byte("x"), &hits)
	dest := filepath.Join(t.TempDir(), "tiny.gguf")
	po := pullOpts{repo: "org/repo", file: "tiny.gguf", revision: "main", endpoint: srv.URL}

	_, err := pullModel(context.Background(), srv.Client(), po, dest, &bytes.Buffer{}, time.Hour)
	require.ErrorContains(t, err, "401")
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+"-partial")
}

func TestProgressLine(t *testing.T) {
	p := &progressWriter{total: 2048}
	_, _ = p.Write(make([]byte, 1024))
	assert.Equal(t, "  1.0 KiB / 2.0 KiB (50.0%)", p.line())

	unknown := &progressWriter{total: -1}
	_, _ = unknown.Write(make([]byte, 1024))
	assert.Equal(t, "  1.0 KiB", unknown.line())
}

func TestPullCommand(t *testing.T) {
	var hits atomic.Int32
	srv := modelServer(t, []byte("weights"), &hits)
	dir := t.TempDir()
	t.Setenv("AEGIS_CONFIG", "")
	t.Setenv("AEGIS_FAST_MODEL_PATH", dir)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"pull", "--endpoint", srv.URL, "--repo", "org/repo", "--file", "tiny.gguf", "--token", "secret"})
	require.NoError(t, root.Execute())

	got, err := os.ReadFile(filepath.Join(dir, "tiny.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(got))
	assert.Contains(t, out.String(), "model ready")
}
