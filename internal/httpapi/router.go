// Package httpapi exposes quoting, paid transcription and transcript access
// over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fmueller/voxscribe/internal/billing"
	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/fmueller/voxscribe/internal/logging"
	"github.com/fmueller/voxscribe/internal/monitoring"
	"github.com/fmueller/voxscribe/internal/orchestrator"
	"github.com/fmueller/voxscribe/internal/storage"
	"github.com/fmueller/voxscribe/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Service is what the API needs from the orchestrator.
type Service interface {
	Quote(ctx context.Context, userID string, req orchestrator.Request) (orchestrator.Offer, error)
	Confirm(ctx context.Context, userID string, req orchestrator.Request, quote billing.Quote) (orchestrator.Result, error)
	Get(ctx context.Context, userID, id string) (orchestrator.Result, error)
	List(ctx context.Context, userID string, limit int) ([]store.Transcript, error)
	Delete(ctx context.Context, userID, id string) error
	Download(ctx context.Context, userID, id string) (orchestrator.Links, error)
	Balance(ctx context.Context, userID string) (int64, error)
	RedeemPromo(ctx context.Context, userID, code string) (int64, error)
}

type Config struct {
	// APIKey guards every /v1 route when set.
	APIKey string
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64
}

type Deps struct {
	Service Service
	Blobs   storage.ObjectStore
	Signer  *storage.Signer
	Hub     *ProgressHub
	Logger  *zap.Logger
}

type Router struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func NewRouter(cfg Config, deps Deps) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if deps.Hub == nil {
		deps.Hub = NewProgressHub()
	}
	r := &Router{cfg: cfg, deps: deps, logger: logging.OrNop(deps.Logger).Named("http")}

	m := mux.NewRouter()
	m.HandleFunc("/healthz", r.handleHealthz).Methods(http.MethodGet)
	m.HandleFunc("/blobs/{token}", r.handleBlob).Methods(http.MethodGet)

	api := m.PathPrefix("/v1").Subrouter()
	api.Use(r.withAPIKey)
	api.HandleFunc("/quotes", r.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/transcriptions", r.handleTranscribe).Methods(http.MethodPost)
	api.HandleFunc("/progress/{request_id}", r.handleProgress).Methods(http.MethodGet)
	api.HandleFunc("/users/{user_id}/balance", r.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/users/{user_id}/promo", r.handlePromo).Methods(http.MethodPost)
	api.HandleFunc("/users/{user_id}/transcripts", r.handleList).Methods(http.MethodGet)
	api.HandleFunc("/users/{user_id}/transcripts/{id}", r.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/users/{user_id}/transcripts/{id}", r.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/users/{user_id}/transcripts/{id}/download", r.handleDownload).Methods(http.MethodGet)

	return monitoring.Recover(m)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.APIKey != "" {
			got := req.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(r.cfg.APIKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// Shortage is set for insufficient balance responses.
	Shortage int64 `json:"shortage,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the typed reason of err. Internal error text only
// goes to the log.
func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", zap.String("path", req.URL.Path), zap.String("code", code), zap.Error(err))
	} else {
		r.logger.Info("request rejected", zap.String("path", req.URL.Path), zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: code, Message: faults.UserMessage(err)})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownDuration):
		return http.StatusBadRequest, "duration_required"
	case errors.Is(err, billing.ErrInvalidPromo), errors.Is(err, billing.ErrPromoAlreadyRedeemed):
		return http.StatusBadRequest, "invalid_promo"
	case errors.Is(err, orchestrator.ErrPromoUnavailable):
		return http.StatusNotFound, "promo_unavailable"
	case errors.Is(err, storage.ErrInvalidLink):
		return http.StatusForbidden, "invalid_link"
	case errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound, "not_found"
	}

	code := faults.Code(err)
	return statusFor(code), code
}

func statusFor(code string) int {
	switch code {
	case "insufficient_balance":
		return http.StatusPaymentRequired
	case "file_too_large":
		return http.StatusRequestEntityTooLarge
	case "unsupported_format":
		return http.StatusUnsupportedMediaType
	case "decode_error", "acquisition_failed", "no_speech", "partial_chunk_loss":
		return http.StatusUnprocessableEntity
	case "asr_provider_error", "max_retries_exceeded":
		return http.StatusBadGateway
	case "asr_rate_limited":
		return http.StatusServiceUnavailable
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
