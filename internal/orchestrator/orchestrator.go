// Package orchestrator runs paid transcriptions: it quotes, reserves coins,
// runs the pipeline, persists the result and refunds on failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/acquire"
	"github.com/fmueller/voxscribe/internal/billing"
	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/fmueller/voxscribe/internal/logging"
	"github.com/fmueller/voxscribe/internal/monitoring"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/storage"
	"github.com/fmueller/voxscribe/internal/store"
	"github.com/fmueller/voxscribe/internal/transcript"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownDuration  = errors.New("audio duration is required for a quote")
	ErrPromoUnavailable = errors.New("promo codes are not enabled")
)

type State string

const (
	StateQuoted     State = "quoted"
	StateReserved   State = "reserved"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Runner is the part of the pipeline the orchestrator drives. Acquisition is
// a separate step so that nothing is charged for audio that never arrives.
type Runner interface {
	Acquire(ctx context.Context, req acquire.Request, job pipeline.Job) (*pipeline.Workspace, error)
	Transcribe(ctx context.Context, ws *pipeline.Workspace, job pipeline.Job) (pipeline.Result, error)
}

type Deps struct {
	Pipeline    Runner
	Ledger      billing.Ledger
	Promos      billing.PromoRedeemer
	Transcripts store.Repository
	Blobs       storage.ObjectStore
	Reporter    monitoring.Reporter
	Logger      *zap.Logger
}

type Options struct {
	CostPerMinute    int64
	MaxFileBytes     int64
	AudioBucket      string
	TranscriptBucket string
	PresignTTL       time.Duration
}

type Request struct {
	RequestID string
	Audio     acquire.Request
	Language  string
	Progress  pipeline.ProgressFunc
}

type Offer struct {
	Quote     billing.Quote `json:"quote"`
	Balance   int64         `json:"balance"`
	CanAfford bool          `json:"can_afford"`
	Shortage  int64         `json:"shortage"`
}

type Result struct {
	ID            string         `json:"id"`
	AudioKey      *string        `json:"audio_key,omitempty"`
	TranscriptKey string         `json:"transcript_key"`
	CreatedAt     time.Time      `json:"created_at"`
	Metadata      store.Metadata `json:"metadata"`
	Text          string         `json:"text"`
	Cost          int64          `json:"cost"`
}

// Links are time-limited download URLs for one transcript.
type Links struct {
	Transcript string    `json:"transcript_url"`
	Audio      string    `json:"audio_url,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type Orchestrator struct {
	deps Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Pipeline == nil || deps.Ledger == nil || deps.Transcripts == nil || deps.Blobs == nil {
		return nil, errors.New("orchestrator needs a pipeline, a ledger, a transcript store and a blob store")
	}
	if deps.Reporter == nil {
		deps.Reporter = monitoring.Nop{}
	}
	if opts.AudioBucket == "" {
		opts.AudioBucket = "audio"
	}
	if opts.TranscriptBucket == "" {
		opts.TranscriptBucket = "transcripts"
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	return &Orchestrator{
		deps: deps,
		opts: opts,
		log:  logging.OrNop(deps.Logger).Named("orchestrator"),
		now:  time.Now,
	}, nil
}

// Quote prices req and compares it with the current balance. No coins move.
func (o *Orchestrator) Quote(ctx context.Context, userID string, req Request) (Offer, error) {
	if req.Audio.Duration <= 0 {
		return Offer{}, ErrUnknownDuration
	}
	if o.opts.MaxFileBytes > 0 && req.Audio.DeclaredSize > o.opts.MaxFileBytes {
		return Offer{}, fmt.Errorf("%w: %d bytes, limit is %d", faults.ErrFileTooLarge, req.Audio.DeclaredSize, o.opts.MaxFileBytes)
	}

	balance, err := o.deps.Ledger.Balance(ctx, userID)
	if err != nil {
		return Offer{}, fmt.Errorf("read balance: %w", err)
	}

	quote := billing.NewQuote(req.Audio.Duration, req.Audio.DeclaredSize, o.opts.CostPerMinute)
	canAfford, shortage := quote.CanAfford(balance)
	o.transition(o.requestLogger(userID, req), StateQuoted, zap.Int64("cost", quote.Cost), zap.Bool("can_afford", canAfford))

	return Offer{Quote: quote, Balance: balance, CanAfford: canAfford, Shortage: shortage}, nil
}

// Confirm runs a quoted transcription. Audio is acquired before any debit;
// once coins are reserved the run is detached from ctx so a caller going
// away cannot leave a charge without a result or a refund.
func (o *Orchestrator) Confirm(ctx context.Context, userID string, req Request, quote billing.Quote) (Result, error) {
	log := o.requestLogger(userID, req)
	job := pipeline.Job{RequestID: req.RequestID, Language: req.Language, Progress: req.Progress}

	ws, err := o.deps.Pipeline.Acquire(ctx, req.Audio, job)
	if err != nil {
		o.fail(log, req, err)
		return Result{}, err
	}
	defer ws.Close()

	ctx = context.WithoutCancel(ctx)

	if quote.Cost > 0 {
		if err := o.deps.Ledger.Debit(ctx, userID, quote.Cost, "transcription:"+req.RequestID); err != nil {
			o.fail(log, req, err)
			return Result{}, err
		}
	}
	o.transition(log, StateReserved, zap.Int64("cost", quote.Cost))

	settled := false
	defer func() {
		if settled {
			return
		}
		r := recover()
		o.refund(ctx, log, userID, req, quote.Cost)
		err := fmt.Errorf("transcription aborted: %v", r)
		o.fail(log, req, err)
		o.report(err, userID, req)
		if r != nil {
			panic(r)
		}
	}()

	res, err := o.process(ctx, log, userID, req, ws, job)
	settled = true
	if err != nil {
		o.refund(ctx, log, userID, req, quote.Cost)
		o.fail(log, req, err)
		o.report(err, userID, req)
		return Result{}, err
	}

	res.Cost = quote.Cost
	o.transition(log, StateSucceeded, zap.String("transcript_id", res.ID), zap.Int("words", res.Metadata.WordCount))
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, log *zap.Logger, userID string, req Request, ws *pipeline.Workspace, job pipeline.Job) (Result, error) {
	o.transition(log, StateProcessing)

	out, err := o.deps.Pipeline.Transcribe(ctx, ws, job)
	if err != nil {
		return Result{}, err
	}
	if declared := req.Audio.Duration; declared > 0 && out.Duration > 0 && (out.Duration-declared).Abs() > durationDriftTolerance {
		log.Warn("declared duration differs from measured audio",
			zap.Duration("declared", declared),
			zap.Duration("measured", out.Duration),
		)
	}

	id := uuid.NewString()
	audioKey := storage.AudioKey(userID, id)
	transcriptKey := storage.TranscriptKey(userID, id)

	var written []blobRef
	cleanup := func() {
		for _, ref := range written {
			if err := o.deps.Blobs.Delete(ctx, ref.bucket, ref.key); err != nil {
				log.Warn("could not delete blob after failure", zap.String("key", ref.key), zap.Error(err))
			}
		}
	}

	data, err := os.ReadFile(ws.Source.Path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read source audio: %w", faults.ErrStorage, err)
	}
	if err := o.deps.Blobs.Put(ctx, o.opts.AudioBucket, audioKey, data, audioContentType(ws.Source.MIME)); err != nil {
		return Result{}, fmt.Errorf("%w: store audio: %w", faults.ErrStorage, err)
	}
	written = append(written, blobRef{o.opts.AudioBucket, audioKey})

	if err := o.deps.Blobs.Put(ctx, o.opts.TranscriptBucket, transcriptKey, []byte(out.Text), "text/plain; charset=utf-8"); err != nil {
		cleanup()
		return Result{}, fmt.Errorf("%w: store transcript: %w", faults.ErrStorage, err)
	}
	written = append(written, blobRef{o.opts.TranscriptBucket, transcriptKey})

	row := &store.Transcript{
		ID:            id,
		UserID:        userID,
		AudioKey:      &audioKey,
		TranscriptKey: transcriptKey,
		Metadata: store.Metadata{
			Source:           sourceKind(req.Audio.Kind),
			DurationSeconds:  out.Duration.Seconds(),
			OriginalFilename: req.Audio.FileName,
			WordCount:        transcript.WordCount(out.Text),
			ProcessingMethod: out.Method,
			Language:         req.Language,
			ChunkCount:       out.Chunks,
			LostChunks:       out.Lost,
		},
		CreatedAt: o.now().UTC(),
	}
	if err := o.deps.Transcripts.Create(ctx, row); err != nil {
		cleanup()
		return Result{}, fmt.Errorf("%w: save transcript row: %w", faults.ErrStorage, err)
	}

	return resultFromRow(*row, out.Text), nil
}

// The charge follows the declared duration; larger gaps are only logged.
const durationDriftTolerance = time.Minute

type blobRef struct {
	bucket string
	key    string
}

func (o *Orchestrator) refund(ctx context.Context, log *zap.Logger, userID string, req Request, amount int64) {
	if amount <= 0 {
		return
	}
	if err := o.deps.Ledger.Credit(ctx, userID, amount, "refund:"+req.RequestID); err != nil {
		log.Error("refund failed", zap.Int64("amount", amount), zap.Error(err))
		o.deps.Reporter.Capture(fmt.Errorf("refund %d coins: %w", amount, err), map[string]string{
			"user_id":    userID,
			"request_id": req.RequestID,
		})
		return
	}
	log.Info("refunded", zap.Int64("amount", amount))
}

// report forwards failures that are not the sender's fault.
func (o *Orchestrator) report(err error, userID string, req Request) {
	switch faults.Code(err) {
	case "internal_error", "storage_error", "asr_provider_error":
		o.deps.Reporter.Capture(err, map[string]string{
			"user_id":    userID,
			"request_id": req.RequestID,
			"code":       faults.Code(err),
		})
	}
}

func (o *Orchestrator) Balance(ctx context.Context, userID string) (int64, error) {
	return o.deps.Ledger.Balance(ctx, userID)
}

// RedeemPromo credits a promo code and returns the new balance.
func (o *Orchestrator) RedeemPromo(ctx context.Context, userID, code string) (int64, error) {
	if o.deps.Promos == nil {
		return 0, ErrPromoUnavailable
	}
	amount, err := o.deps.Promos.RedeemPromo(ctx, userID, code)
	if err != nil {
		return 0, err
	}
	o.log.Info("promo redeemed", zap.String("user_id", userID), zap.Int64("amount", amount))
	return o.deps.Ledger.Balance(ctx, userID)
}

// Get returns one transcript including its text.
func (o *Orchestrator) Get(ctx context.Context, userID, id string) (Result, error) {
	row, err := o.deps.Transcripts.Get(ctx, userID, id)
	if err != nil {
		return Result{}, err
	}
	obj, err := o.deps.Blobs.Get(ctx, o.opts.TranscriptBucket, row.TranscriptKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Result{}, fmt.Errorf("transcript text %s: %w", id, faults.ErrNotFound)
		}
		return Result{}, fmt.Errorf("%w: load transcript text: %w", faults.ErrStorage, err)
	}
	return resultFromRow(row, string(obj.Data)), nil
}

func (o *Orchestrator) List(ctx context.Context, userID string, limit int) ([]store.Transcript, error) {
	return o.deps.Transcripts.List(ctx, userID, limit)
}

// Delete removes a transcript row and, best effort, its blobs.
func (o *Orchestrator) Delete(ctx context.Context, userID, id string) error {
	row, err := o.deps.Transcripts.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	if row.AudioKey != nil {
		if err := o.deps.Blobs.Delete(ctx, o.opts.AudioBucket, *row.AudioKey); err != nil {
			o.log.Warn("could not delete audio blob", zap.String("transcript_id", id), zap.Error(err))
		}
	}
	if err := o.deps.Blobs.Delete(ctx, o.opts.TranscriptBucket, row.TranscriptKey); err != nil {
		o.log.Warn("could not delete transcript blob", zap.String("transcript_id", id), zap.Error(err))
	}

	return o.deps.Transcripts.Delete(ctx, userID, id)
}

// Download returns presigned links for a transcript and its audio.
func (o *Orchestrator) Download(ctx context.Context, userID, id string) (Links, error) {
	row, err := o.deps.Transcripts.Get(ctx, userID, id)
	if err != nil {
		return Links{}, err
	}

	links := Links{ExpiresAt: o.now().Add(o.opts.PresignTTL).UTC()}
	links.Transcript, err = o.deps.Blobs.PresignedURL(ctx, o.opts.TranscriptBucket, row.TranscriptKey, o.opts.PresignTTL)
	if err != nil {
		return Links{}, fmt.Errorf("%w: sign transcript link: %w", faults.ErrStorage, err)
	}
	if row.AudioKey != nil {
		links.Audio, err = o.deps.Blobs.PresignedURL(ctx, o.opts.AudioBucket, *row.AudioKey, o.opts.PresignTTL)
		if err != nil {
			return Links{}, fmt.Errorf("%w: sign audio link: %w", faults.ErrStorage, err)
		}
	}
	return links, nil
}

func (o *Orchestrator) requestLogger(userID string, req Request) *zap.Logger {
	return o.log.With(zap.String("user_id", userID), zap.String("request_id", req.RequestID))
}

func (o *Orchestrator) fail(log *zap.Logger, req Request, err error) {
	o.transition(log, StateFailed, zap.String("reason", faults.Code(err)), zap.Error(err))
	if req.Progress != nil {
		req.Progress(pipeline.Progress{RequestID: req.RequestID, Stage: pipeline.StageFailed})
	}
}

func (o *Orchestrator) transition(log *zap.Logger, state State, fields ...zap.Field) {
	fields = append([]zap.Field{zap.String("state", string(state))}, fields...)
	if state == StateFailed {
		log.Warn("transcription state", fields...)
		return
	}
	log.Info("transcription state", fields...)
}

func resultFromRow(row store.Transcript, text string) Result {
	return Result{
		ID:            row.ID,
		AudioKey:      row.AudioKey,
		TranscriptKey: row.TranscriptKey,
		CreatedAt:     row.CreatedAt,
		Metadata:      row.Metadata,
		Text:          text,
	}
}

func sourceKind(kind string) string {
	if kind = strings.TrimSpace(kind); kind != "" {
		return kind
	}
	return "upload"
}

func audioContentType(mimeType string) string {
	if mimeType = strings.TrimSpace(mimeType); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
