// Package gateway exposes the OpenAI-compatible HTTP surface and forwards
// requests to backend models, ensuring each referenced model is resident
// before dispatch.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pop101/SlowChat/internal/catalog"
	"github.com/Pop101/SlowChat/internal/lifecycle"
	"github.com/Pop101/SlowChat/internal/logging"
	"github.com/Pop101/SlowChat/internal/scheduler"
	"github.com/Pop101/SlowChat/internal/telemetry"
)

// createdTimestamp is the constant Unix time reported for every model
// listing. It is part of the wire contract, not a real creation time.
const createdTimestamp = 1686935002

// forwardPaths are the four OpenAI-style routes that require model
// resolution before forwarding.
var forwardPaths = []string{
	"/v1/completions",
	"/v1/chat/completions",
	"/v1/embeddings",
	"/v1/moderations",
}

// Gateway wires the catalog, lifecycle controller, and telemetry probe into
// an http.Handler.
type Gateway struct {
	log       logging.Logger
	catalog   *catalog.Catalog
	lifecycle *lifecycle.Controller
	hostname  string
	metrics   *telemetry.Metrics
	client    *http.Client
	mux       *http.ServeMux
}

// New builds the gateway's route table.
func New(log logging.Logger, cat *catalog.Catalog, ctrl *lifecycle.Controller, hostname string, metrics *telemetry.Metrics) *Gateway {
	g := &Gateway{
		log:       logging.Component(log, "gateway"),
		catalog:   cat,
		lifecycle: ctrl,
		hostname:  hostname,
		metrics:   metrics,
		client:    &http.Client{Timeout: 120 * time.Second},
		mux:       http.NewServeMux(),
	}
	g.registerRoutes()
	return g
}

func (g *Gateway) registerRoutes() {
	for _, path := range forwardPaths {
		g.mux.HandleFunc("POST "+path, g.handleForward)
	}
	g.mux.HandleFunc("GET /v1/models", g.handleListModels)
	g.mux.HandleFunc("GET /v1/models/{name}", g.handleGetModel)
	if g.metrics != nil {
		g.mux.Handle("GET /metrics", promhttp.HandlerFor(g.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

type errorBody struct {
	Object  string `json:"object"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Object: "error", Message: message})
}

func (g *Gateway) handleForward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Model not specified or not found")
		return
	}

	var decoded struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.Model == "" {
		writeError(w, http.StatusBadRequest, "Model not specified or not found")
		return
	}

	spec, err := g.catalog.Get(decoded.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Model not specified or not found")
		return
	}

	if err := g.lifecycle.EnsureLoaded(r.Context(), decoded.Model); err != nil {
		g.writeLifecycleError(w, decoded.Model, err)
		return
	}
	g.lifecycle.MarkUsed(decoded.Model, time.Now())

	status, respBody, err := forwardWithRetry(r.Context(), g.client, spec.Location+r.URL.Path, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("upstream request failed: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (g *Gateway) writeLifecycleError(w http.ResponseWriter, model string, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrModelUnknown), errors.Is(err, catalog.ErrModelNotFound):
		writeError(w, http.StatusBadRequest, "Model not specified or not found")
	case errors.Is(err, lifecycle.ErrInsufficientCapacity):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, scheduler.ErrEvictionInfeasible):
		writeError(w, http.StatusInternalServerError, "unable to free sufficient GPU memory; free VRAM manually and retry")
	case errors.Is(err, lifecycle.ErrSpawnFailed):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, telemetry.ErrUnavailable):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// retryableStatuses are the upstream statuses retried with backoff, per the
// source's urllib3 Retry(status_forcelist=[500,502,503,504]).
var retryableStatuses = map[int]bool{500: true, 502: true, 503: true, 504: true}

const maxAttempts = 5

// forwardWithRetry POSTs body to url, retrying up to maxAttempts times with
// exponential backoff (1s, 2s, 4s, 8s between attempts) on a retryable status or a
// connection error. 4xx responses and any other error propagate
// immediately.
func forwardWithRetry(ctx context.Context, client *http.Client, url string, body []byte) (int, []byte, error) {
	backoff := time.Second
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt == maxAttempts {
				return 0, nil, err
			}
			if !sleepBackoff(ctx, &backoff) {
				return 0, nil, ctx.Err()
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, nil, err
		}

		if retryableStatuses[resp.StatusCode] && attempt < maxAttempts {
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			if !sleepBackoff(ctx, &backoff) {
				return 0, nil, ctx.Err()
			}
			continue
		}

		return resp.StatusCode, respBody, nil
	}

	return 0, nil, lastErr
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
		*backoff *= 2
		return true
	case <-ctx.Done():
		return false
	}
}

type modelRecord struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Created  int64  `json:"created"`
	OwnedBy  string `json:"owned_by"`
}

type modelList struct {
	Object string        `json:"object"`
	Data   []modelRecord `json:"data"`
}

func (g *Gateway) toRecord(name string) modelRecord {
	return modelRecord{ID: name, Object: "model", Created: createdTimestamp, OwnedBy: g.hostname}
}

func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	names := g.catalog.List()
	records := make([]modelRecord, 0, len(names))
	for _, name := range names {
		records = append(records, g.toRecord(name))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(modelList{Object: "list", Data: records})
}

func (g *Gateway) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.PathValue("name"), "/")
	if _, err := g.catalog.Get(name); err != nil {
		writeError(w, http.StatusNotFound, "Model not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.toRecord(name))
}
