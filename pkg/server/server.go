// Package server exposes the dispatcher over HTTP: generate, streaming
// generate, embeddings, health and GPU telemetry, plus the prometheus
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/dispatcher"
	"github.com/modelmux/modelmux/pkg/gpu"
	"github.com/modelmux/modelmux/pkg/types"
)

const shutdownGrace = 10 * time.Second

// EmbeddingsService is the subset of the dispatcher used by the embeddings
// handler.
type EmbeddingsService interface {
	Embeddings(ctx context.Context, modelID, prompt string) ([]float64, error)
}

// Resetter performs manual breaker resets.
type Resetter interface {
	ResetInstance(id string) bool
}

type Server struct {
	cfg        config.Config
	svc        dispatcher.Service
	embeddings EmbeddingsService
	resetter   Resetter
	gpus       *gpu.Probe
	router     *mux.Router
}

type Params struct {
	Service    dispatcher.Service
	Embeddings EmbeddingsService
	Resetter   Resetter
	Gpus       *gpu.Probe
}

func New(cfg config.Config, p Params) *Server {
	s := &Server{
		cfg:        cfg,
		svc:        p.Service,
		embeddings: p.Embeddings,
		resetter:   p.Resetter,
		gpus:       p.Gpus,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/generate/stream", s.handleGenerateStream).Methods(http.MethodPost)
	api.HandleFunc("/embeddings", s.handleEmbeddings).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/gpus", s.handleGpus).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/reset", s.handleReset).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until the context ends, then drains in-flight
// requests within the shutdown grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.ServerPort),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.ErrKindValidation:
		return http.StatusBadRequest
	case types.ErrKindNoHealthyInstance:
		return http.StatusServiceUnavailable
	case types.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case types.ErrKindCancelled:
		return 499 // client closed request
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeRequest(r *http.Request) (*types.InferenceRequest, error) {
	var req types.InferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, types.WrapError(types.ErrKindValidation, err, "decoding request body")
	}
	return &req, nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.svc.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGenerateStream writes newline-delimited JSON chunks, flushing each,
// then a final line carrying the full response envelope.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.NewError(types.ErrKindValidation, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	wrote := false

	resp, err := s.svc.DispatchStream(r.Context(), req, func(chunk types.StreamChunk) {
		wrote = true
		_ = enc.Encode(chunk)
		flusher.Flush()
	})
	if err != nil {
		if !wrote {
			writeError(w, err)
		}
		return
	}
	_ = enc.Encode(resp)
	flusher.Flush()
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, types.WrapError(types.ErrKindValidation, err, "decoding request body"))
		return
	}
	vec, err := s.embeddings.Embeddings(r.Context(), body.Model, body.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]float64{"embedding": vec})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health(r.Context()))
}

func (s *Server) handleGpus(w http.ResponseWriter, r *http.Request) {
	if s.gpus == nil {
		writeJSON(w, http.StatusOK, map[string]any{"gpus": []types.Gpu{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gpus": s.gpus.Enumerate(r.Context())})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.resetter == nil || !s.resetter.ResetInstance(id) {
		writeError(w, types.NewError(types.ErrKindValidation, "unknown instance %q", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "instance_id": id})
}
