// Package worker drives queued edit jobs through prep, the provider and storage to a terminal status
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/imageproc"
	"github.com/UnendingLoop/ImageEditor/internal/metrics"
	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/mwlogger"
	"github.com/UnendingLoop/ImageEditor/internal/pricing"
	"github.com/UnendingLoop/ImageEditor/internal/provider"
	"github.com/UnendingLoop/ImageEditor/internal/queue"
	"github.com/UnendingLoop/ImageEditor/internal/storage"
	"github.com/gabriel-vasile/mimetype"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

const (
	progressStarted  = 5
	progressPrepared = 20
	progressDone     = 100

	defaultAttemptLease = 10 * time.Minute
)

// JobStore is the part of the job store the worker needs.
type JobStore interface {
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	GetUploadByID(ctx context.Context, id string) (*model.Upload, error)
	SetJobStatus(ctx context.Context, id string, status model.Status, patch model.StatusPatch) error
	ClaimJob(ctx context.Context, id string, progress int, lease time.Duration) (*model.Job, error)
}

type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GetObjectStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// Committer is satisfied by *wbf/kafka.Consumer.
type Committer interface {
	Commit(ctx context.Context, msg kafkago.Message) error
}

type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl queue.DeadLetter) error
}

type Config struct {
	Concurrency    int
	Retry          retry.Strategy
	AttemptTimeout time.Duration
	MaxBytes       int64
	MaxDim         int
	Rates          pricing.Rates

	// Lease is how long a claimed job stays reserved for this worker. Zero derives it
	// from the attempt budget.
	Lease time.Duration
}

type Worker struct {
	store     JobStore
	blobs     BlobStore
	editor    provider.Editor
	committer Committer
	dlq       DeadLetterPublisher
	cfg       Config

	offsets  *offsetTracker
	commitMu sync.Mutex

	sleep func(ctx context.Context, d time.Duration) error
}

func New(store JobStore, blobs BlobStore, editor provider.Editor, committer Committer, dlq DeadLetterPublisher, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = leaseFor(cfg)
	}
	return &Worker{
		store:     store,
		blobs:     blobs,
		editor:    editor,
		committer: committer,
		dlq:       dlq,
		cfg:       cfg,
		offsets:   newOffsetTracker(),
		sleep:     sleepCtx,
	}
}

// leaseFor covers every attempt of one message including the backoff pauses between them.
func leaseFor(cfg Config) time.Duration {
	perAttempt := cfg.AttemptTimeout
	if perAttempt <= 0 {
		perAttempt = defaultAttemptLease
	}
	total := time.Minute
	for i := 1; i <= cfg.Retry.Attempts; i++ {
		total += perAttempt + queue.Backoff(cfg.Retry, i)
	}
	return total
}

// errDrop marks a message that is committed without touching any job.
var errDrop = errors.New("task dropped")

// Run consumes until ctx is done or the channel is closed, then waits for in-flight jobs.
// A single dispatcher hands messages to the slots so offsets are tracked in queue order.
func (w *Worker) Run(ctx context.Context, msgs <-chan kafkago.Message) {
	slots := make(chan kafkago.Message)

	var wg sync.WaitGroup
	for i := range w.cfg.Concurrency {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot, slots)
		}(i)
	}

	w.dispatch(ctx, msgs, slots)
	close(slots)
	wg.Wait()
	zlog.Logger.Info().Msg("All worker slots stopped")
}

func (w *Worker) dispatch(ctx context.Context, in <-chan kafkago.Message, out chan<- kafkago.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				zlog.Logger.Info().Msg("Queue channel closed, stopping dispatcher...")
				return
			}
			w.offsets.track(msg)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) loop(ctx context.Context, slot int, msgs <-chan kafkago.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				zlog.Logger.Info().Int("slot", slot).Msg("Stopping worker slot...")
				return
			}
			w.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage runs every attempt of one task and commits the message unless ctx was
// cancelled mid-way, in which case the broker redelivers it.
func (w *Worker) HandleMessage(ctx context.Context, msg kafkago.Message) {
	task, err := queue.DecodeTask(msg.Key, msg.Value)
	if err != nil {
		zlog.Logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Dropping malformed queue message")
		w.commit(ctx, msg)
		return
	}

	logger := zlog.Logger.With().Str("job_id", task.JobID).Str("user_id", task.UserID).Logger()
	ctx = mwlogger.WithLogger(ctx, logger)

	held := false
	for attempt := 1; ; attempt++ {
		err := w.attempt(ctx, task, &held)
		if err == nil || errors.Is(err, errDrop) {
			break
		}
		if ctx.Err() != nil {
			logger.Warn().Err(err).Msg("Shutdown during processing, leaving message uncommitted")
			return
		}

		if isPermanent(err) || attempt >= w.cfg.Retry.Attempts {
			w.fail(ctx, task, err, attempt)
			break
		}

		pause := queue.Backoff(w.cfg.Retry, attempt+1)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", pause).Msg("Attempt failed, retrying")
		if err := w.sleep(ctx, pause); err != nil {
			return
		}
	}

	w.commit(ctx, msg)
}

func (w *Worker) attempt(ctx context.Context, task model.QueueTask, held *bool) error {
	if w.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		defer cancel()
	}
	return w.process(ctx, task, held)
}

// claim takes the job for this message. Later attempts of the same message already hold
// the lease and only re-read the job.
func (w *Worker) claim(ctx context.Context, task model.QueueTask, held *bool) (*model.Job, error) {
	logger := mwlogger.LoggerFromContext(ctx)

	if *held {
		job, err := w.store.GetJobByID(ctx, task.JobID)
		switch {
		case errors.Is(err, model.ErrJobNotFound):
			return nil, errDrop
		case err != nil:
			return nil, fmt.Errorf("fetch job: %w", err)
		case job.Status.IsTerminal():
			return nil, errDrop
		}
		if err := w.setProgress(ctx, job, progressStarted); err != nil {
			return nil, err
		}
		return job, nil
	}

	job, err := w.store.ClaimJob(ctx, task.JobID, progressStarted, w.cfg.Lease)
	switch {
	case err == nil:
		*held = true
		return job, nil
	case errors.Is(err, model.ErrJobNotFound):
		logger.Warn().Msg("Job referenced by queue message doesn't exist, dropping")
		return nil, errDrop
	case errors.Is(err, model.ErrJobClaimed):
		logger.Info().Msg("Job is leased by another worker, dropping duplicate delivery")
		return nil, errDrop
	case errors.Is(err, model.ErrInvalidTransition):
		// повторная доставка уже завершенной задачи
		logger.Info().Err(err).Msg("Job already finished, skipping redelivery")
		return nil, errDrop
	default:
		return nil, fmt.Errorf("claim job: %w", err)
	}
}

// process is one attempt at a job.
func (w *Worker) process(ctx context.Context, task model.QueueTask, held *bool) error {
	logger := mwlogger.LoggerFromContext(ctx)

	// забрать задачу себе
	job, err := w.claim(ctx, task, held)
	if err != nil {
		return err
	}

	upload, err := w.store.GetUploadByID(ctx, job.UploadID.String())
	if err != nil {
		return fmt.Errorf("fetch upload: %w", err)
	}

	// достать исходник и подготовить его
	original, err := w.readObject(ctx, upload.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch original: %w", err)
	}
	working, err := imageproc.CompressIfNeeded(original, w.cfg.MaxBytes, w.cfg.MaxDim, upload.Mime)
	if err != nil {
		return fmt.Errorf("compress original: %w", err)
	}

	req := provider.Request{
		ImageBase64: base64.StdEncoding.EncodeToString(working.Data),
		ImageMime:   upload.Mime,
		Prompt:      job.Prompt,
	}

	if job.MaskKey != nil {
		rawMask, err := w.readObject(ctx, *job.MaskKey)
		if err != nil {
			return fmt.Errorf("fetch mask: %w", err)
		}
		mask, err := imageproc.ResizeMaskTo(rawMask, working.Width, working.Height)
		if err != nil {
			return fmt.Errorf("resize mask: %w", err)
		}
		req.MaskBase64 = base64.StdEncoding.EncodeToString(mask)
	}

	if err := w.setProgress(ctx, job, progressPrepared); err != nil {
		return err
	}

	// вызов провайдера
	start := time.Now()
	res, err := w.editor.Edit(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ProviderLatency.WithLabelValues(w.editor.Name(), outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("provider %s: %w", w.editor.Name(), err)
	}

	result, err := base64.StdEncoding.DecodeString(res.ImageBase64)
	if err != nil || len(result) == 0 {
		return fmt.Errorf("%w: undecodable result", model.ErrNoImagePayload)
	}
	mime := res.Mime
	if !model.InImageTypeMap[mime] {
		mime = mimetype.Detect(result).String()
	}

	// положить результат в сторедж
	resultKey := storage.ResultKey(job.UserID, job.ID.String(), mime)
	if err := w.blobs.PutObject(ctx, resultKey, result, mime); err != nil {
		return fmt.Errorf("store result: %w", err)
	}

	reqBytes := int64(len(req.ImageBase64) + len(req.MaskBase64) + len(req.Prompt))
	resBytes := int64(len(res.ImageBase64))
	cost := w.cfg.Rates.Actual(reqBytes, resBytes)
	progress := progressDone

	if err := w.store.SetJobStatus(ctx, job.ID.String(), model.StatusDone, model.StatusPatch{
		Progress:  &progress,
		ResultKey: &resultKey,
		ReqBytes:  &reqBytes,
		ResBytes:  &resBytes,
		CostCents: &cost,
	}); err != nil {
		return fmt.Errorf("save result to DB: %w", err)
	}

	metrics.JobsFinished.WithLabelValues(string(model.StatusDone)).Inc()
	logger.Info().Str("result_key", resultKey).Int64("req_bytes", reqBytes).Int64("res_bytes", resBytes).
		Int64("cost_cents", cost).Dur("provider_latency", time.Since(start)).Msg("Job done")
	return nil
}

func (w *Worker) setProgress(ctx context.Context, job *model.Job, progress int) error {
	if err := w.store.SetJobStatus(ctx, job.ID.String(), model.StatusProcessing, model.StatusPatch{Progress: &progress}); err != nil {
		return fmt.Errorf("set progress %d: %w", progress, err)
	}
	return nil
}

// fail records the final error on the job and parks the task on the dead-letter topic.
func (w *Worker) fail(ctx context.Context, task model.QueueTask, cause error, attempts int) {
	logger := mwlogger.LoggerFromContext(ctx)
	msg := cause.Error()

	err := w.store.SetJobStatus(ctx, task.JobID, model.StatusError, model.StatusPatch{Error: &msg})
	switch {
	case err == nil:
		metrics.JobsFinished.WithLabelValues(string(model.StatusError)).Inc()
	case errors.Is(err, model.ErrInvalidTransition):
		// другой обработчик уже довел задачу до конца
		logger.Info().Str("cause", msg).Msg("Job already finished elsewhere, nothing to fail")
		return
	case errors.Is(err, model.ErrJobNotFound):
		logger.Warn().Str("cause", msg).Msg("Job vanished before it could be marked as failed")
		return
	default:
		logger.Error().Err(err).Msg("Failed to set job status to error in DB")
	}

	logger.Error().Err(cause).Int("attempts", attempts).Msg("Job failed")

	dl := queue.DeadLetter{
		JobID:    task.JobID,
		UserID:   task.UserID,
		Reason:   msg,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if err := w.dlq.PublishDeadLetter(ctx, dl); err != nil {
		logger.Error().Err(err).Msg("Failed to publish dead letter")
	}
}

// commit marks msg finished and commits the highest offset of its partition whose
// predecessors have all finished. Committing an offset acknowledges every earlier one.
func (w *Worker) commit(ctx context.Context, msg kafkago.Message) {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	ready, ok := w.offsets.finish(msg)
	if !ok {
		return
	}
	if err := w.committer.Commit(ctx, ready); err != nil {
		zlog.Logger.Error().Err(err).Int("partition", ready.Partition).Int64("offset", ready.Offset).Msg("Failed to commit queue-message")
	}
}

func (w *Worker) readObject(ctx context.Context, key string) ([]byte, error) {
	body, err := w.blobs.GetObjectStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer closeFileFlow(body)

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isPermanent reports failures that another attempt cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, model.ErrUploadNotFound) ||
		errors.Is(err, model.ErrUnsupportedFormat) ||
		errors.Is(err, model.ErrInvalidTransition)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func closeFileFlow(res io.Closer) {
	if err := res.Close(); err != nil {
		zlog.Logger.Warn().Err(err).Msg("Worker failed to close fileflow")
	}
}
