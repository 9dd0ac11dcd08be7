package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fmueller/voxscribe/internal/acquire"
	"github.com/fmueller/voxscribe/internal/billing"
	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/fmueller/voxscribe/internal/orchestrator"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/storage"
	"github.com/fmueller/voxscribe/internal/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	root       string
	acquireErr error
}

func (s *stubRunner) Acquire(_ context.Context, req acquire.Request, job pipeline.Job) (*pipeline.Workspace, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	dir, err := os.MkdirTemp(s.root, "run-*")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "source.oga")
	if err := os.WriteFile(path, []byte("opus"), 0o644); err != nil {
		return nil, err
	}
	if job.Progress != nil {
		job.Progress(pipeline.Progress{RequestID: job.RequestID, Stage: pipeline.StageAcquiring, Done: 1, Total: 1})
	}
	return &pipeline.Workspace{Dir: dir, Source: acquire.Source{Path: path, MIME: req.MIME, Kind: req.Kind}}, nil
}

func (s *stubRunner) Transcribe(_ context.Context, _ *pipeline.Workspace, job pipeline.Job) (pipeline.Result, error) {
	if job.Progress != nil {
		job.Progress(pipeline.Progress{RequestID: job.RequestID, Stage: pipeline.StageDone, Done: 1, Total: 1})
	}
	return pipeline.Result{Text: "hello world", Chunks: 1, Duration: 2 * time.Minute, Method: "openai-api"}, nil
}

type testServer struct {
	url    string
	ledger *billing.MemoryLedger
	runner *stubRunner
	hub    *ProgressHub
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	signer, err := storage.NewSigner("0123456789abcdef0123", "")
	require.NoError(t, err)
	blobs := storage.NewMemoryStore(signer)
	ledger := billing.NewMemoryLedger()
	runner := &stubRunner{root: t.TempDir()}

	orch, err := orchestrator.New(orchestrator.Deps{
		Pipeline:    runner,
		Ledger:      ledger,
		Promos:      ledger,
		Transcripts: store.NewMemoryStore(),
		Blobs:       blobs,
	}, orchestrator.Options{CostPerMinute: 10})
	require.NoError(t, err)

	hub := NewProgressHub()
	handler := NewRouter(Config{APIKey: apiKey}, Deps{Service: orch, Blobs: blobs, Signer: signer, Hub: hub})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testServer{url: srv.URL, ledger: ledger, runner: runner, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func voiceBody(userID string, minutes float64) map[string]any {
	return map[string]any{
		"user_id":    userID,
		"request_id": "req-" + userID,
		"file_id":    "file-1",
		"file_size":  1 << 20,
		"mime_type":  "audio/ogg",
		"file_name":  "voice.oga",
		"duration":   minutes * 60,
		"kind":       "voice",
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	resp, body := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))
}

func TestQuoteReportsShortage(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	require.NoError(t, s.ledger.Credit(context.Background(), "u1", 95, "seed"))

	resp, body := s.do(t, http.MethodPost, "/v1/quotes", voiceBody("u1", 10))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var offer orchestrator.Offer
	require.NoError(t, json.Unmarshal(body, &offer))
	require.EqualValues(t, 100, offer.Quote.Cost)
	require.False(t, offer.CanAfford)
	require.EqualValues(t, 5, offer.Shortage)
}

func TestQuoteValidatesBody(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	resp, body := s.do(t, http.MethodPost, "/v1/quotes", map[string]any{"file_id": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "user_id is required")

	resp, _ = s.do(t, http.MethodPost, "/v1/quotes", map[string]any{"user_id": "u", "file_id": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTranscriptionLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "secret")
	auth := []string{"X-API-Key", "secret"}

	resp, _ := s.do(t, http.MethodPost, "/v1/users/u1/promo", map[string]string{"code": "nope"}, auth...)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	s.ledger.AddPromo("WELCOME", 100, 0)
	resp, body := s.do(t, http.MethodPost, "/v1/users/u1/promo", map[string]string{"code": "welcome"}, auth...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"user_id":"u1","balance":100}`, string(body))

	resp, body = s.do(t, http.MethodPost, "/v1/transcriptions", voiceBody("u1", 2), auth...)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	require.Equal(t, "req-u1", resp.Header.Get("X-Request-ID"))

	var created orchestrator.Result
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, "hello world", created.Text)
	require.Equal(t, "voice", created.Metadata.Source)
	require.EqualValues(t, 20, created.Cost)

	resp, body = s.do(t, http.MethodGet, "/v1/users/u1/balance", nil, auth...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"user_id":"u1","balance":80}`, string(body))

	resp, body = s.do(t, http.MethodGet, "/v1/users/u1/transcripts?limit=5", nil, auth...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), created.ID)

	resp, body = s.do(t, http.MethodGet, "/v1/users/u1/transcripts/"+created.ID, nil, auth...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "hello world")

	resp, body = s.do(t, http.MethodGet, "/v1/users/u1/transcripts/"+created.ID+"/download", nil, auth...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var links orchestrator.Links
	require.NoError(t, json.Unmarshal(body, &links))
	require.True(t, strings.HasPrefix(links.Transcript, "/blobs/"))

	resp, body = s.do(t, http.MethodGet, links.Transcript, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello world", string(body))
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	resp, _ = s.do(t, http.MethodGet, "/v1/users/u2/transcripts/"+created.ID, nil, auth...)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/v1/users/u1/transcripts/"+created.ID, nil, auth...)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/v1/users/u1/transcripts/"+created.ID, nil, auth...)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.JSONEq(t, `{"error":"not_found"}`, string(body))

	resp, _ = s.do(t, http.MethodGet, links.Transcript, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTranscriptionRequiresBalance(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	require.NoError(t, s.ledger.Credit(context.Background(), "u1", 15, "seed"))

	resp, body := s.do(t, http.MethodPost, "/v1/transcriptions", voiceBody("u1", 2))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "insufficient_balance", e.Error)
	require.EqualValues(t, 5, e.Shortage)
}

func TestTranscriptionDeferredAcquisition(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	require.NoError(t, s.ledger.Credit(context.Background(), "u1", 1000, "seed"))
	s.runner.acquireErr = faults.WithReason(faults.ErrAcquisitionFailed, "Please resubmit the audio through the upload page.")

	resp, body := s.do(t, http.MethodPost, "/v1/transcriptions", voiceBody("u1", 30))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.JSONEq(t, `{"error":"acquisition_failed","message":"Please resubmit the audio through the upload page."}`, string(body))

	balance, err := s.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, balance)
}

func TestAPIKeyIsRequired(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "secret")
	resp, _ := s.do(t, http.MethodGet, "/v1/users/u1/balance", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/v1/users/u1/balance", nil, "X-API-Key", "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBlobRejectsForgedToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	resp, body := s.do(t, http.MethodGet, "/blobs/not-a-token", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, string(body), "invalid_link")
}

func TestProgressStreamsUntilDone(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/v1/progress/req-7"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.subscribers("req-7") == 1 }, 2*time.Second, 10*time.Millisecond)

	s.hub.Publish(pipeline.Progress{RequestID: "other", Stage: pipeline.StageAnalyzing})
	s.hub.Publish(pipeline.Progress{RequestID: "req-7", Stage: pipeline.StageTranscribing, Done: 1, Total: 3})
	s.hub.Publish(pipeline.Progress{RequestID: "req-7", Stage: pipeline.StageDone, Done: 1, Total: 1})

	var got []pipeline.Progress
	for {
		var p pipeline.Progress
		if err := conn.ReadJSON(&p); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, p)
	}

	require.Equal(t, []pipeline.Progress{
		{RequestID: "req-7", Stage: pipeline.StageTranscribing, Done: 1, Total: 3},
		{RequestID: "req-7", Stage: pipeline.StageDone, Done: 1, Total: 1},
	}, got)
	require.Eventually(t, func() bool { return s.hub.subscribers("req-7") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClassifyMapsFaultsToStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("x: %w", faults.ErrInsufficientBalance), http.StatusPaymentRequired, "insufficient_balance"},
		{faults.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "file_too_large"},
		{faults.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "unsupported_format"},
		{faults.ErrDecode, http.StatusUnprocessableEntity, "decode_error"},
		{faults.ErrAcquisitionFailed, http.StatusUnprocessableEntity, "acquisition_failed"},
		{faults.ErrProvider, http.StatusBadGateway, "asr_provider_error"},
		{faults.ErrRateLimited, http.StatusServiceUnavailable, "asr_rate_limited"},
		{faults.ErrStorage, http.StatusInternalServerError, "storage_error"},
		{faults.ErrNotFound, http.StatusNotFound, "not_found"},
		{orchestrator.ErrUnknownDuration, http.StatusBadRequest, "duration_required"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		require.Equal(t, tc.status, status, tc.code)
		require.Equal(t, tc.code, code)
	}
}
