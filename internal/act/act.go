// Package act receives tool directives found in completed generations.
// Handoff is one-way: results are never fed back to the orchestrator.
package act

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aegis/pkg/types"
)

// Handoff is a completed generation carrying a directive.
type Handoff struct {
	RequestID string          `json:"request_id"`
	Channel   string          `json:"channel,omitempty"`
	Tier      types.Tier      `json:"tier"`
	Directive types.Directive `json:"directive"`
	Text      string          `json:"text"`
	Completed time.Time       `json:"completed"`
}

// Handler consumes handoffs.
type Handler interface {
	Handle(ctx context.Context, h Handoff) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, h Handoff) error

func (f HandlerFunc) Handle(ctx context.Context, h Handoff) error { return f(ctx, h) }

// LogHandler logs each handoff and does nothing else.
func LogHandler(log zerolog.Logger) Handler {
	return HandlerFunc(func(_ context.Context, h Handoff) error {
		log.Info().Str("component", "act").Str("request_id", h.RequestID).
			Str("channel", h.Channel).Str("directive", h.Directive.Name).Msg("handoff")
		return nil
	})
}

// HTTPHandler posts each handoff as JSON to url.
type HTTPHandler struct {
	URL    string
	Client *http.Client
}

func (w HTTPHandler) Handle(ctx context.Context, h Handoff) error {
	body, err := json.Marshal(h)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c := w.Client
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("act webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("act webhook: status %d", resp.StatusCode)
	}
	return nil
}

var (
	toolCallRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	fenceRe    = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

type rawDirective struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Parameters map[string]any `json:"parameters"`
}

// Parse extracts a directive from generated text. It recognises a
// <tool_call>{...}</tool_call> block, a fenced JSON block, or text that is a
// single JSON object; the object needs a "name" and may carry "arguments"
// or "parameters".
func Parse(text string) (types.Directive, bool) {
	var candidates []string
	if m := toolCallRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if t := strings.TrimSpace(text); strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
		candidates = append(candidates, t)
	}
	for _, c := range candidates {
		var raw rawDirective
		if err := json.Unmarshal([]byte(c), &raw); err != nil || strings.TrimSpace(raw.Name) == "" {
			continue
		}
		args := raw.Arguments
		if args == nil {
			args = raw.Parameters
		}
		return types.Directive{Name: strings.TrimSpace(raw.Name), Arguments: args}, true
	}
	return types.Directive{}, false
}
