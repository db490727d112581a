package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func llamaServer(t *testing.T, lines []string, seen *completionRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestServerAdapter_StreamsCompletion(t *testing.T) {
	var seen completionRequest
	srv := llamaServer(t, []string{
		`: keep-alive`,
		`data: {"choices":[{"text":"Hel"}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"content":"!","stop":true}`,
		`data: not json`,
		`data: [DONE]`,
	}, &seen)

	a := NewServerAdapter(ServerConfig{BaseURL: srv.URL + "/", APIKey: "k", Model: "small"})
	sess, err := a.Start("/models/small.gguf", LoadOptions{})
	require.NoError(t, err)
	defer sess.Close()

	var toks []string
	res, err := sess.Generate(context.Background(), "hi", Params{MaxTokens: 8, TopK: 40, Stop: []string{"\n"}}, func(s string) error {
		toks = append(toks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", "!"}, toks)
	assert.Equal(t, "Hello!", res.Content)
	assert.Equal(t, 3, res.CompletionTokens)
	assert.Equal(t, "stop", res.FinishReason)

	assert.Equal(t, "small", seen.Model)
	assert.Equal(t, "hi", seen.Prompt)
	assert.Equal(t, 8, seen.MaxTokens)
	assert.True(t, seen.Stream)
	assert.Equal(t, []string{"\n"}, seen.Stop)
}

func TestServerAdapter_StartFailures(t *testing.T) {
	srv := llamaServer(t, nil, nil)
	_, err := NewServerAdapter(ServerConfig{BaseURL: srv.URL}).Start("m", LoadOptions{})
	require.ErrorContains(t, err, "not ready")

	srv.Close()
	_, err = NewServerAdapter(ServerConfig{BaseURL: srv.URL, APIKey: "k"}).Start("m", LoadOptions{})
	require.ErrorContains(t, err, "unreachable")
}

func TestServerAdapter_CallbackStops(t *testing.T) {
	srv := llamaServer(t, []string{`data: {"content":"a"}`, `data: {"content":"b"}`}, nil)
	sess, err := NewServerAdapter(ServerConfig{BaseURL: srv.URL, APIKey: "k"}).Start("m", LoadOptions{})
	require.NoError(t, err)
	res, err := sess.Generate(context.Background(), "x", Params{}, func(string) error { return errStopped })
	require.ErrorIs(t, err, errStopped)
	assert.Equal(t, "a", res.Content)
}

func TestServerAdapter_HTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "context overflow", http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	sess, err := NewServerAdapter(ServerConfig{BaseURL: srv.URL}).Start("m", LoadOptions{})
	require.NoError(t, err)
	_, err = sess.Generate(context.Background(), "x", Params{}, func(string) error { return nil })
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "context overflow"))
}

func TestFastTier_WithServerAdapter(t *testing.T) {
	srv := llamaServer(t, []string{`data: {"content":"ok"}`, `data: [DONE]`}, nil)
	f := NewFast(FastConfig{
		ModelPath: createModelFile(t, 10),
		Adapter:   NewServerAdapter(ServerConfig{BaseURL: srv.URL, APIKey: "k"}),
	})
	require.NoError(t, f.Load(context.Background()))
	var out strings.Builder
	stream := f.Generate(context.Background(), Job{RequestID: "r", Prompt: "hi"})
	for tok, err := range stream.All() {
		require.NoError(t, err)
		out.WriteString(tok)
	}
	assert.Equal(t, "ok", out.String())
	assert.Equal(t, Resident, f.State())
	require.NoError(t, f.Unload(context.Background()))
}
