package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/version"
)

// ErrFileTooBig is the platform refusing to serve a file above its
// bot download ceiling.
var ErrFileTooBig = errors.New("platform refused: file is too big")

// FileAPI turns a platform file identifier into a downloadable URL.
type FileAPI interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// TelegramFiles resolves file ids through the Bot API getFile method. The
// same client serves the public endpoint and a self-hosted Bot API server,
// which lifts the download ceiling.
type TelegramFiles struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewTelegramFiles(baseURL, token string, client *http.Client) *TelegramFiles {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TelegramFiles{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: client,
	}
}

type getFileResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		FileID   string `json:"file_id"`
		FileSize int64  `json:"file_size"`
		FilePath string `json:"file_path"`
	} `json:"result"`
}

func (t *TelegramFiles) FileURL(ctx context.Context, fileID string) (string, error) {
	if strings.TrimSpace(fileID) == "" {
		return "", errors.New("file id is required")
	}

	endpoint := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", t.baseURL, t.token, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build getFile request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// The error text contains the token-bearing URL.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return "", fmt.Errorf("getFile: %w", urlErr.Err)
		}
		return "", fmt.Errorf("getFile: %w", err)
	}
	defer resp.Body.Close()

	var out getFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode getFile response (status %d): %w", resp.StatusCode, err)
	}

	if !out.OK {
		if strings.Contains(strings.ToLower(out.Description), "file is too big") {
			return "", fmt.Errorf("%w: %s", ErrFileTooBig, out.Description)
		}
		return "", fmt.Errorf("getFile failed: %d %s", out.ErrorCode, out.Description)
	}
	if out.Result.FilePath == "" {
		return "", errors.New("getFile returned no file path")
	}

	return fmt.Sprintf("%s/file/bot%s/%s", t.baseURL, t.token, strings.TrimLeft(out.Result.FilePath, "/")), nil
}
