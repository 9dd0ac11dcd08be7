// Package acquire materializes incoming audio on local disk, working around
// the messaging platform's bot download ceiling.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/download"
	"github.com/fmueller/voxscribe/internal/faults"
	"go.uber.org/zap"
)

const (
	MethodDirect     = "direct"
	MethodDirectLink = "direct_link"
	MethodLocal      = "local"
)

type Request struct {
	OriginID     string
	DeclaredSize int64
	MIME         string
	FileName     string
	Duration     time.Duration
	// Kind is where the audio came from: voice, audio, document or upload.
	Kind string
}

// Source is audio that has been fully written to Path.
type Source struct {
	Path     string
	Size     int64
	Duration time.Duration
	MIME     string
	OriginID string
	FileName string
	Kind     string
	Method   string
}

// Deferred means the audio could not be fetched. Reason is meant for the
// sender and names the alternate channel to use.
type Deferred struct {
	Reason string
}

// Result holds exactly one of Source or Deferred.
type Result struct {
	Source   *Source
	Deferred *Deferred
}

// Fetch downloads url into dst, refusing bodies larger than maxBytes.
type Fetch func(ctx context.Context, url, dst string, maxBytes int64) error

type Options struct {
	// CeilingBytes is the largest file the primary file API will serve.
	CeilingBytes int64
	// MaxFileBytes is the hard cap for any source.
	MaxFileBytes     int64
	AlternateChannel string
}

type Strategy struct {
	primary  FileAPI
	fallback FileAPI
	fetch    Fetch
	opts     Options
	logger   *zap.Logger
}

// NewStrategy wires the platform file APIs. fallback may be nil when no
// self-hosted endpoint is configured.
func NewStrategy(primary, fallback FileAPI, opts Options, logger *zap.Logger) *Strategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AlternateChannel == "" {
		opts.AlternateChannel = "the upload page"
	}
	s := &Strategy{primary: primary, fallback: fallback, opts: opts, logger: logger}
	s.fetch = s.download
	return s
}

func (s *Strategy) download(ctx context.Context, url, dst string, maxBytes int64) error {
	return download.DownloadFile(ctx, download.Options{
		URL:         url,
		Destination: dst,
		MaxBytes:    maxBytes,
		Retries:     3,
		Backoff:     time.Second,
		NoProgress:  true,
		Logger:      s.logger,
	})
}

// Acquire downloads the audio described by req into dir. Refusals by the
// platform are not errors: they yield a Deferred result.
func (s *Strategy) Acquire(ctx context.Context, req Request, dir string) (Result, error) {
	if err := s.check(req); err != nil {
		return Result{}, err
	}

	dst := filepath.Join(dir, "source"+sourceExt(req))
	var errs []error

	if s.primary != nil && s.withinCeiling(req.DeclaredSize) {
		src, err := s.tryFetch(ctx, s.primary, req, dst, MethodDirect)
		if err == nil {
			return Result{Source: src}, nil
		}
		if errors.Is(err, faults.ErrFileTooLarge) || ctx.Err() != nil {
			return Result{}, err
		}
		s.logger.Warn("direct fetch failed", zap.String("origin", req.OriginID), zap.Error(err))
		errs = append(errs, err)
	}

	// Without a self-hosted endpoint the platform API still gets one
	// best-effort attempt at oversized files.
	linkAPI := s.fallback
	if linkAPI == nil && !s.withinCeiling(req.DeclaredSize) {
		linkAPI = s.primary
	}
	if linkAPI != nil {
		src, err := s.tryFetch(ctx, linkAPI, req, dst, MethodDirectLink)
		if err == nil {
			return Result{Source: src}, nil
		}
		if errors.Is(err, faults.ErrFileTooLarge) || ctx.Err() != nil {
			return Result{}, err
		}
		s.logger.Warn("direct link fallback failed", zap.String("origin", req.OriginID), zap.Error(err))
		errs = append(errs, err)
	}

	_ = os.Remove(dst)
	s.logger.Info("acquisition deferred",
		zap.String("origin", req.OriginID),
		zap.Int64("declared_size", req.DeclaredSize),
		zap.Error(errors.Join(errs...)),
	)
	return Result{Deferred: &Deferred{Reason: s.deferReason(req)}}, nil
}

func (s *Strategy) check(req Request) error {
	if s.opts.MaxFileBytes > 0 && req.DeclaredSize > s.opts.MaxFileBytes {
		return fmt.Errorf("%w: %s exceeds the %s limit", faults.ErrFileTooLarge, humanBytes(req.DeclaredSize), humanBytes(s.opts.MaxFileBytes))
	}
	if !IsAudioFormat(req.MIME, req.FileName) {
		return fmt.Errorf("%w: %s", faults.ErrUnsupportedFormat, describeFormat(req))
	}
	return nil
}

func (s *Strategy) withinCeiling(size int64) bool {
	return s.opts.CeilingBytes <= 0 || size <= s.opts.CeilingBytes
}

func (s *Strategy) tryFetch(ctx context.Context, api FileAPI, req Request, dst, method string) (*Source, error) {
	fileURL, err := api.FileURL(ctx, req.OriginID)
	if err != nil {
		return nil, err
	}
	if err := s.fetch(ctx, fileURL, dst, s.opts.MaxFileBytes); err != nil {
		return nil, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("stat downloaded audio: %w", err)
	}

	s.logger.Debug("audio acquired", zap.String("origin", req.OriginID), zap.String("method", method), zap.Int64("bytes", info.Size()))
	return &Source{
		Path:     dst,
		Size:     info.Size(),
		Duration: req.Duration,
		MIME:     req.MIME,
		OriginID: req.OriginID,
		FileName: req.FileName,
		Kind:     req.Kind,
		Method:   method,
	}, nil
}

func (s *Strategy) deferReason(req Request) string {
	if !s.withinCeiling(req.DeclaredSize) {
		return fmt.Sprintf("The file is %s, above the %s limit for bot downloads. Please resubmit the audio through %s.",
			humanBytes(req.DeclaredSize), humanBytes(s.opts.CeilingBytes), s.opts.AlternateChannel)
	}
	return fmt.Sprintf("The audio could not be downloaded from the messaging platform. Please resubmit it through %s.", s.opts.AlternateChannel)
}

// LocalFile describes a file already on disk, used by the CLI.
func LocalFile(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat audio: %w", err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if !IsAudioFormat(mimeType, name) {
		return Source{}, fmt.Errorf("%w: %s", faults.ErrUnsupportedFormat, name)
	}
	return Source{
		Path:     path,
		Size:     info.Size(),
		MIME:     mimeType,
		OriginID: path,
		FileName: name,
		Kind:     "upload",
		Method:   MethodLocal,
	}, nil
}

var audioExtensions = map[string]bool{
	".aac": true, ".aiff": true, ".amr": true, ".flac": true, ".m4a": true,
	".mka": true, ".mkv": true, ".mov": true, ".mp3": true, ".mp4": true,
	".mpeg": true, ".oga": true, ".ogg": true, ".opus": true, ".wav": true,
	".webm": true, ".wma": true,
}

// IsAudioFormat accepts audio and video containers. Requests without any
// format hint are accepted and left to the decoder.
func IsAudioFormat(mimeType, fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	if audioExtensions[ext] {
		return true
	}

	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch {
	case strings.HasPrefix(mimeType, "audio/"), strings.HasPrefix(mimeType, "video/"), mimeType == "application/ogg":
		return true
	case mimeType == "" || mimeType == "application/octet-stream":
		return ext == ""
	}
	return false
}

func sourceExt(req Request) string {
	if ext := strings.ToLower(filepath.Ext(req.FileName)); audioExtensions[ext] {
		return ext
	}
	if exts, err := mime.ExtensionsByType(req.MIME); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func describeFormat(req Request) string {
	switch {
	case req.MIME != "" && req.FileName != "":
		return fmt.Sprintf("%s (%s)", req.FileName, req.MIME)
	case req.MIME != "":
		return req.MIME
	default:
		return req.FileName
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
