// Package service provides business-logic for the app
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/metrics"
	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/mwlogger"
	"github.com/UnendingLoop/ImageEditor/internal/pricing"
	"github.com/UnendingLoop/ImageEditor/internal/repository"
	"github.com/UnendingLoop/ImageEditor/internal/storage"
	"github.com/UnendingLoop/ImageEditor/internal/storage/miniostorage"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// TaskPublisher - контракт для работы с очередью
type TaskPublisher interface {
	PublishTask(ctx context.Context, task model.QueueTask) error
}

// ImageStorage - контракт для работы с хранилищем
type ImageStorage interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	HeadObject(ctx context.Context, key string) (*miniostorage.ObjectInfo, error)
	GetObjectStream(ctx context.Context, key string) (io.ReadCloser, error)
	PresignGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// BudgetGuard - контракт для дневных лимитов
type BudgetGuard interface {
	CheckAndIncrement(ctx context.Context, userID string) error
}

type Options struct {
	ProviderName string
	Rates        pricing.Rates
}

type EditService struct {
	repo      repository.JobStore
	publisher TaskPublisher
	storage   ImageStorage
	guard     BudgetGuard
	validate  *validator.Validate
	opts      Options
}

func NewEditService(repo repository.JobStore, pub TaskPublisher, strg ImageStorage, guard BudgetGuard, opts Options) *EditService {
	return &EditService{
		repo:      repo,
		publisher: pub,
		storage:   strg,
		guard:     guard,
		validate:  validator.New(),
		opts:      opts,
	}
}

// Submit accepts an edit request and enqueues it. A known client_request_id short-circuits
// to the existing job without looking at the payload.
func (s *EditService) Submit(ctx context.Context, data *model.EditCreateData) (*model.SubmitResult, error) {
	logger := mwlogger.LoggerFromContext(ctx).With().Str("user_id", data.UserID).Logger()

	// сначала бюджет: отказ не должен ничего записывать
	if err := s.guard.CheckAndIncrement(ctx, data.UserID); err != nil {
		if errors.Is(err, model.ErrDailyBudget) || errors.Is(err, model.ErrUserQuota) {
			metrics.Submissions.WithLabelValues("rejected").Inc()
			return nil, err
		}
		logger.Error().Err(err).Msg("Budget guard unavailable")
		return nil, s.failed()
	}

	// идемпотентность
	if data.ClientRequestID != "" {
		existing, err := s.repo.GetJobByClientID(ctx, data.UserID, data.ClientRequestID)
		switch {
		case err == nil:
			metrics.Submissions.WithLabelValues("duplicate").Inc()
			logger.Info().Str("job_id", existing.ID.String()).Msg("Repeated client_request_id, returning existing job")
			return handleOf(existing), nil
		case !errors.Is(err, model.ErrJobNotFound):
			logger.Error().Err(err).Msg("Failed to look up job by client_request_id")
			return nil, s.failed()
		}
	}

	in, err := s.validateSubmission(data)
	if err != nil {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, err
	}

	jobID := uuid.New()
	now := time.Now().UTC()
	upload := &model.Upload{
		ID:         uuid.New(),
		UserID:     data.UserID,
		StorageKey: storage.OriginalKey(data.UserID, jobID.String(), in.mime),
		Mime:       in.mime,
		SizeBytes:  int64(len(in.image)),
		CreatedAt:  now,
	}

	// кладем в хранилище исходник и маску
	if err := s.storage.PutObject(ctx, upload.StorageKey, in.image, in.mime); err != nil {
		logger.Error().Err(err).Msg("Failed to save original image in Storage")
		return nil, s.failed()
	}

	var maskKey *string
	if in.mask != nil {
		key := storage.MaskKey(data.UserID, jobID.String())
		if err := s.storage.PutObject(ctx, key, in.mask, model.PNG); err != nil {
			logger.Error().Err(err).Msg("Failed to save mask in Storage")
			return nil, s.failed()
		}
		maskKey = &key
	}

	if err := s.repo.CreateUpload(ctx, upload); err != nil {
		logger.Error().Err(err).Msg("Failed to create upload in DB")
		return nil, s.failed()
	}

	job := &model.Job{
		ID:                 jobID,
		UserID:             data.UserID,
		UploadID:           upload.ID,
		MaskKey:            maskKey,
		Prompt:             in.prompt,
		Status:             model.StatusPending,
		Provider:           s.opts.ProviderName,
		EstimatedCostCents: s.opts.Rates.Estimate(upload.SizeBytes),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if data.ClientRequestID != "" {
		job.ClientRequestID = &data.ClientRequestID
	}

	created, err := s.repo.CreateJob(ctx, job)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create job in DB")
		return nil, s.failed()
	}
	if created.ID != jobID {
		// параллельный дубль успел раньше - его задача уже в очереди
		metrics.Submissions.WithLabelValues("duplicate").Inc()
		return handleOf(created), nil
	}

	// кладем в очередь задач
	if err := s.publisher.PublishTask(ctx, model.QueueTask{JobID: jobID.String(), UserID: data.UserID}); err != nil {
		// задача останется pending и будет переотправлена при восстановлении сирот
		logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to publish job to task-queue")
		return nil, s.failed()
	}

	metrics.Submissions.WithLabelValues("accepted").Inc()
	logger.Info().Str("job_id", jobID.String()).Int64("estimated_cost_cents", job.EstimatedCostCents).Msg("Job accepted")
	return handleOf(job), nil
}

// Status reports a job owned by userID. Jobs of other users look exactly like missing ones.
func (s *EditService) Status(ctx context.Context, userID, id string) (*model.JobView, error) {
	logger := mwlogger.LoggerFromContext(ctx)

	job, err := s.ownedJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	view := &model.JobView{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
	}
	if job.Error != nil {
		view.Error = *job.Error
	}

	// ссылка подписывается в момент опроса и нигде не хранится
	if job.Status == model.StatusDone && job.ResultKey != nil {
		url, err := s.storage.PresignGetURL(ctx, *job.ResultKey, 0)
		if err != nil {
			logger.Error().Err(err).Str("job_id", id).Msg("Failed to presign result URL")
			return nil, model.ErrCommon500
		}
		view.ResultURL = url
	}

	return view, nil
}

// Result inlines results below model.InlineResultLimit and redirects for the rest.
func (s *EditService) Result(ctx context.Context, userID, id string) (*model.ResultDelivery, error) {
	logger := mwlogger.LoggerFromContext(ctx).With().Str("job_id", id).Logger()

	job, err := s.ownedJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.StatusDone || job.ResultKey == nil {
		return nil, model.ErrResultNotReady
	}

	info, err := s.storage.HeadObject(ctx, *job.ResultKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to stat result in Storage")
		return nil, model.ErrCommon500
	}

	if info.Size >= model.InlineResultLimit {
		url, err := s.storage.PresignGetURL(ctx, *job.ResultKey, 0)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to presign result URL")
			return nil, model.ErrCommon500
		}
		return &model.ResultDelivery{RedirectURL: url}, nil
	}

	body, err := s.storage.GetObjectStream(ctx, *job.ResultKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open result in Storage")
		return nil, model.ErrCommon500
	}
	defer closeFileFlow(ctx, body)

	data, err := io.ReadAll(io.LimitReader(body, model.InlineResultLimit))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read result from Storage")
		return nil, model.ErrCommon500
	}

	return &model.ResultDelivery{Base64: base64.StdEncoding.EncodeToString(data)}, nil
}

// ReviveOrphans re-publishes jobs stuck in a non-terminal status for longer than olderThan.
// It returns how many were sent back to the queue.
func (s *EditService) ReviveOrphans(ctx context.Context, olderThan time.Duration, limit int) int {
	logger := mwlogger.LoggerFromContext(ctx)

	orphans, err := s.repo.ClaimOrphans(ctx, olderThan, limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load orphans from DB")
		return 0
	}

	revived := 0
	for _, task := range orphans {
		if err := s.publisher.PublishTask(ctx, task); err != nil {
			logger.Error().Err(err).Str("job_id", task.JobID).Msg("Failed to publish orphan to queue")
			continue
		}
		revived++
	}

	if revived > 0 {
		logger.Info().Int("revived", revived).Int("found", len(orphans)).Msg("Orphaned jobs re-published")
	}
	return revived
}

func (s *EditService) ownedJob(ctx context.Context, userID, id string) (*model.Job, error) {
	if err := uuid.Validate(id); err != nil {
		return nil, model.ErrIncorrectID
	}

	job, err := s.repo.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return nil, err
		}
		logger := mwlogger.LoggerFromContext(ctx)
		logger.Error().Err(err).Str("job_id", id).Msg("Failed to fetch job from DB")
		return nil, model.ErrCommon500
	}
	if job.UserID != userID {
		return nil, model.ErrJobNotFound
	}
	return job, nil
}

func (s *EditService) failed() error {
	metrics.Submissions.WithLabelValues("failed").Inc()
	return model.ErrCommon500
}

func handleOf(j *model.Job) *model.SubmitResult {
	return &model.SubmitResult{
		JobID:              j.ID,
		Status:             model.Accepted,
		EstimatedCostCents: j.EstimatedCostCents,
	}
}

func closeFileFlow(ctx context.Context, res io.Closer) {
	if err := res.Close(); err != nil {
		logger := mwlogger.LoggerFromContext(ctx)
		logger.Warn().Err(err).Msg("Failed to close storage stream")
	}
}
