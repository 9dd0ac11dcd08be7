package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/acquire"
	"github.com/fmueller/voxscribe/internal/orchestrator"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// transcriptionRequest describes platform audio to quote or transcribe.
type transcriptionRequest struct {
	UserID    string  `json:"user_id"`
	RequestID string  `json:"request_id,omitempty"`
	FileID    string  `json:"file_id"`
	FileSize  int64   `json:"file_size"`
	MIMEType  string  `json:"mime_type,omitempty"`
	FileName  string  `json:"file_name,omitempty"`
	Duration  float64 `json:"duration"`
	Kind      string  `json:"kind,omitempty"`
	Language  string  `json:"language,omitempty"`
}

func (t transcriptionRequest) validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(t.FileID) == "" {
		return errors.New("file_id is required")
	}
	if t.FileSize < 0 || t.Duration < 0 {
		return errors.New("file_size and duration must not be negative")
	}
	return nil
}

func (t transcriptionRequest) toRequest() orchestrator.Request {
	id := t.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	return orchestrator.Request{
		RequestID: id,
		Audio: acquire.Request{
			OriginID:     t.FileID,
			DeclaredSize: t.FileSize,
			MIME:         t.MIMEType,
			FileName:     t.FileName,
			Duration:     time.Duration(t.Duration * float64(time.Second)),
			Kind:         t.Kind,
		},
		Language: t.Language,
	}
}

func (r *Router) decode(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, r.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return false
	}
	return true
}

func (r *Router) decodeTranscription(w http.ResponseWriter, req *http.Request) (transcriptionRequest, bool) {
	var body transcriptionRequest
	if !r.decode(w, req, &body) {
		return body, false
	}
	if err := body.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return body, false
	}
	return body, true
}

func (r *Router) handleQuote(w http.ResponseWriter, req *http.Request) {
	body, ok := r.decodeTranscription(w, req)
	if !ok {
		return
	}

	offer, err := r.deps.Service.Quote(req.Context(), body.UserID, body.toRequest())
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// handleTranscribe quotes and, when the balance covers it, runs the
// transcription in the same request.
func (r *Router) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	body, ok := r.decodeTranscription(w, req)
	if !ok {
		return
	}
	run := body.toRequest()
	run.Progress = r.deps.Hub.Publish

	offer, err := r.deps.Service.Quote(req.Context(), body.UserID, run)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if !offer.CanAfford {
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:    "insufficient_balance",
			Message:  fmt.Sprintf("this transcription costs %d coins, your balance is %d", offer.Quote.Cost, offer.Balance),
			Shortage: offer.Shortage,
		})
		return
	}

	w.Header().Set("X-Request-ID", run.RequestID)
	res, err := r.deps.Service.Confirm(req.Context(), body.UserID, run, offer.Quote)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.logger.Info("transcription created",
		zap.String("user_id", body.UserID),
		zap.String("request_id", run.RequestID),
		zap.String("transcript_id", res.ID),
	)
	writeJSON(w, http.StatusCreated, res)
}

func (r *Router) handleBalance(w http.ResponseWriter, req *http.Request) {
	userID := mux.Vars(req)["user_id"]
	balance, err := r.deps.Service.Balance(req.Context(), userID)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (r *Router) handlePromo(w http.ResponseWriter, req *http.Request) {
	userID := mux.Vars(req)["user_id"]
	var body struct {
		Code string `json:"code"`
	}
	if !r.decode(w, req, &body) {
		return
	}

	balance, err := r.deps.Service.RedeemPromo(req.Context(), userID, body.Code)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	userID := mux.Vars(req)["user_id"]
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	list, err := r.deps.Service.List(req.Context(), userID, limit)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": list})
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	res, err := r.deps.Service.Get(req.Context(), vars["user_id"], vars["id"])
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	if err := r.deps.Service.Delete(req.Context(), vars["user_id"], vars["id"]); err != nil {
		r.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleDownload(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	links, err := r.deps.Service.Download(req.Context(), vars["user_id"], vars["id"])
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// handleBlob serves the object behind a presigned link.
func (r *Router) handleBlob(w http.ResponseWriter, req *http.Request) {
	if r.deps.Signer == nil || r.deps.Blobs == nil {
		http.NotFound(w, req)
		return
	}

	bucket, key, err := r.deps.Signer.Verify(mux.Vars(req)["token"])
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	obj, err := r.deps.Blobs.Get(req.Context(), bucket, key)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}
