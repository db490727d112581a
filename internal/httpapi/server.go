// Package httpapi exposes the orchestrator over HTTP: NDJSON generation
// streams, cancellation, tier reloads, status and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegis/internal/orchestrator"
	"aegis/internal/tier"
	"aegis/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(req orchestrator.Request, sink orchestrator.Sink) (string, error)
	Cancel(id string) bool
	Reload(ctx context.Context, t types.Tier) error
	Status() types.StatusResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		serveGenerate(svc, w, r)
	})

	r.Delete("/v1/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		writeJSON(w, types.CancelResponse{RequestID: id, Cancelled: svc.Cancel(id)})
	})

	r.Post("/v1/tiers/{tier}/reload", func(w http.ResponseWriter, r *http.Request) {
		t, err := types.ParseTier(chi.URLParam(r, "tier"))
		if err != nil || t == types.TierAuto {
			writeJSONError(w, http.StatusNotFound, "unknown tier "+chi.URLParam(r, "tier"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
		defer cancel()
		start := time.Now()
		if err := svc.Reload(ctx, t); err != nil {
			status := writeError(w, err)
			zlog.Warn().Str("tier", string(t)).Int("status", status).Err(err).Msg("reload failed")
			return
		}
		zlog.Info().Str("tier", string(t)).Dur("dur", time.Since(start)).Msg("tier reloaded")
		for _, ts := range svc.Status().Tiers {
			if ts.Tier == t {
				writeJSON(w, ts)
				return
			}
		}
		writeJSON(w, types.TierStatus{Tier: t})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeGenerate validates the body and maps it to an orchestrator request.
func decodeGenerate(w http.ResponseWriter, r *http.Request) (orchestrator.Request, bool) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return orchestrator.Request{}, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return orchestrator.Request{}, false
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return orchestrator.Request{}, false
	}
	t, err := types.ParseTier(body.Tier)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return orchestrator.Request{}, false
	}
	p, err := types.ParsePriority(body.Priority)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return orchestrator.Request{}, false
	}
	if body.DeadlineMs < 0 {
		writeJSONError(w, http.StatusBadRequest, "deadline_ms must be >= 0")
		return orchestrator.Request{}, false
	}
	req := orchestrator.Request{
		ID:       r.Header.Get("Idempotency-Key"),
		Channel:  body.Channel,
		Prompt:   body.Prompt,
		Context:  body.Context,
		Tier:     t,
		Priority: p,
		Params: tier.Params{
			MaxTokens:   body.MaxTokens,
			Temperature: float32(body.Temperature),
			TopP:        float32(body.TopP),
			Seed:        int(body.Seed),
			Stop:        body.Stop,
		},
	}
	if body.DeadlineMs > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.DeadlineMs) * time.Millisecond)
	}
	return req, true
}
