package tier

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServerConfig configures an adapter backed by a running llama.cpp server.
type ServerConfig struct {
	BaseURL string
	APIKey  string
	// Model is sent as the completion "model" field; empty uses the model path.
	Model          string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

type serverAdapter struct {
	cfg    ServerConfig
	client *http.Client
	log    zerolog.Logger
}

// NewServerAdapter returns an adapter that streams completions from the
// OpenAI-compatible endpoint of a llama.cpp server. The server owns the
// weights; the tier still accounts for them from the local model file.
func NewServerAdapter(cfg ServerConfig) InferenceAdapter {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	// Deadlines come from request contexts.
	return &serverAdapter{
		cfg:    cfg,
		client: &http.Client{Transport: tr},
		log:    cfg.Logger.With().Str("component", "server_adapter").Logger(),
	}
}

// Start checks that the server answers /health.
func (a *serverAdapter) Start(modelPath string, _ LoadOptions) (InferSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	a.authorize(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llama server unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama server not ready: %s", resp.Status)
	}
	model := a.cfg.Model
	if model == "" {
		model = modelPath
	}
	return &serverSession{a: a, model: model}, nil
}

func (a *serverAdapter) authorize(req *http.Request) {
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
}

type serverSession struct {
	a     *serverAdapter
	model string
}

type completionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	Stream        bool     `json:"stream"`
}

type chunkChoice struct {
	Text  string `json:"text"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type completionChunk struct {
	Choices []chunkChoice `json:"choices"`
	// Native llama.cpp stream lines.
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func (c completionChunk) fragment() (text, finish string) {
	if len(c.Choices) > 0 {
		ch := c.Choices[0]
		text = ch.Text
		if text == "" {
			text = ch.Delta.Content
		}
		return text, ch.FinishReason
	}
	if c.Stop {
		finish = "stop"
	}
	return c.Content, finish
}

func (s *serverSession) Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (FinalResult, error) {
	if s.a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.a.cfg.RequestTimeout)
		defer cancel()
	}
	body, err := json.Marshal(completionRequest{
		Model:         s.model,
		Prompt:        prompt,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		Stop:          params.Stop,
		Seed:          params.Seed,
		RepeatPenalty: params.RepeatPenalty,
		Stream:        true,
	})
	if err != nil {
		return FinalResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.a.cfg.BaseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return FinalResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.a.authorize(req)
	resp, err := s.a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FinalResult{}, fmt.Errorf("llama server: %s: %s", resp.Status, bytes.TrimSpace(b))
	}

	var (
		final FinalResult
		sb    strings.Builder
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			line = strings.TrimSpace(data)
		}
		if line == "[DONE]" {
			break
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			s.a.log.Debug().Str("line", line).Msg("unknown stream line")
			continue
		}
		text, finish := chunk.fragment()
		if text != "" {
			sb.WriteString(text)
			final.CompletionTokens++
			if err := onToken(text); err != nil {
				final.Content = sb.String()
				return final, err
			}
		}
		if finish != "" {
			final.FinishReason = finish
		}
	}
	final.Content = sb.String()
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return final, ctx.Err()
		}
		return final, err
	}
	return final, nil
}

func (s *serverSession) Close() error {
	s.a.client.CloseIdleConnections()
	return nil
}
