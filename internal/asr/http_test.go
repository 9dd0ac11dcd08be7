package asr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPEngineSendsMultipartForm(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "voxscribe/"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "whisper-large", r.FormValue("model"))
		require.Equal(t, "json", r.FormValue("response_format"))
		require.Equal(t, "de", r.FormValue("language"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		require.Equal(t, "chunk_001.wav", header.Filename)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "RIFFdata", string(data))

		_, _ = io.WriteString(w, `{"text":"  Guten Tag  "}`)
	}))
	defer server.Close()

	engine := NewHTTPEngine(HTTPOptions{BaseURL: server.URL + "/", APIKey: "secret", Model: "whisper-large"})
	text, err := engine.Transcribe(context.Background(), Request{Audio: []byte("RIFFdata"), FileName: "chunk_001.wav", Language: " DE "})
	require.NoError(t, err)
	require.Equal(t, "Guten Tag", text)
	require.Equal(t, "openai-api", engine.Name())
}

func TestHTTPEngineOmitsAutoLanguage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, ok := r.MultipartForm.Value["language"]
		require.False(t, ok)
		_, _ = io.WriteString(w, `{"text":"hi"}`)
	}))
	defer server.Close()

	engine := NewHTTPEngine(HTTPOptions{BaseURL: server.URL})
	_, err := engine.Transcribe(context.Background(), Request{Audio: []byte("x"), Language: "auto"})
	require.NoError(t, err)
}

func TestHTTPEngineReturnsStatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached"}}`)
	}))
	defer server.Close()

	engine := NewHTTPEngine(HTTPOptions{BaseURL: server.URL})
	_, err := engine.Transcribe(context.Background(), Request{Audio: []byte("x")})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.RateLimited())
	require.Equal(t, "Rate limit reached", statusErr.Message)
	require.Equal(t, 7*time.Second, statusErr.RetryAfter)
}

func TestHTTPEngineWrapsTransportFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	engine := NewHTTPEngine(HTTPOptions{BaseURL: url})
	_, err := engine.Transcribe(context.Background(), Request{Audio: []byte("x")})
	require.ErrorIs(t, err, ErrTransport)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	require.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestSanitizeLanguage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "auto", SanitizeLanguage(""))
	require.Equal(t, "auto", SanitizeLanguage("   "))
	require.Equal(t, "en", SanitizeLanguage(" EN "))
	require.Equal(t, "de", SanitizeLanguage("De"))
}
