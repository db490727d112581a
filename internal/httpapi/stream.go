package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"aegis/internal/orchestrator"
	"aegis/pkg/types"
)

// chanSink forwards orchestrator updates to the handler goroutine. Once the
// handler returns, updates are dropped instead of blocking generation.
type chanSink struct {
	ch   chan orchestrator.Update
	done chan struct{}
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan orchestrator.Update, 64), done: make(chan struct{})}
}

func (s *chanSink) Deliver(u orchestrator.Update) {
	select {
	case s.ch <- u:
	case <-s.done:
	}
}

// lineFor renders an update as one NDJSON stream line.
func lineFor(u orchestrator.Update) types.StreamLine {
	line := types.StreamLine{RequestID: u.RequestID, Channel: u.Channel, Tier: u.Tier}
	switch u.Kind {
	case orchestrator.UpdateToken:
		line.Token = u.Token
	case orchestrator.UpdateCompleted:
		line.Done = true
		line.Content = u.Text
		line.Directive = u.Directive
		usage := &types.Usage{CompletionTokens: u.Tokens, DurationMs: u.Duration.Milliseconds()}
		if s := u.Duration.Seconds(); s > 0 {
			usage.TokensPerSecond = float64(u.Tokens) / s
		}
		line.Usage = usage
	default:
		line.Done = true
		line.Error = errText(u.Err)
		line.Kind = orchestrator.ErrorKind(u.Err)
		if line.Kind == "" {
			line.Kind = u.Kind.String()
		}
	}
	return line
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// serveGenerate submits the request and streams its updates as NDJSON. A
// client disconnect or server shutdown cancels the request if it is still
// queued; an admitted generation runs to completion and its output is
// discarded.
func serveGenerate(svc Service, w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGenerate(w, r)
	if !ok {
		return
	}
	lvl := requestLogLevel(r)
	log := zlog.With().Str("path", r.URL.Path).Logger()
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		log = log.With().Str("http_request_id", rid).Logger()
	}

	sink := newChanSink()
	defer close(sink.done)
	start := time.Now()
	id, err := svc.Submit(req, sink)
	if err != nil {
		status := writeError(w, err)
		if lvl >= LevelError {
			log.Warn().Int("status", status).Err(err).Msg("generate rejected")
		}
		return
	}
	log = log.With().Str("request_id", id).Logger()
	if lvl >= LevelInfo {
		log.Info().Str("tier", string(req.Tier)).Str("priority", req.Priority.String()).Msg("generate start")
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Request-ID", id)
	w.WriteHeader(http.StatusOK)
	var out io.Writer = w
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{log: log})
	}
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(out)
	emit := func(line types.StreamLine) error {
		if err := enc.Encode(line); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	if err := emit(types.StreamLine{RequestID: id, Channel: req.Channel}); err != nil {
		svc.Cancel(id)
		return
	}

	ctx, cancel := streamContext(r)
	defer cancel()
	for {
		select {
		case u := <-sink.ch:
			if err := emit(lineFor(u)); err != nil {
				svc.Cancel(id)
				return
			}
			if !u.Terminal() {
				continue
			}
			if lvl >= LevelInfo {
				ev := log.Info()
				if u.Kind != orchestrator.UpdateCompleted {
					ev = log.Warn().Err(u.Err)
				}
				ev.Str("outcome", u.Kind.String()).Str("tier", string(u.Tier)).Int("tokens", u.Tokens).
					Dur("dur", time.Since(start)).Msg("generate end")
			}
			return
		case <-ctx.Done():
			cancelled := svc.Cancel(id)
			if lvl >= LevelInfo {
				log.Info().Bool("dequeued", cancelled).Msg("client gone")
			}
			return
		}
	}
}
