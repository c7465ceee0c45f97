package service

import (
	"context"
	"io"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/storage/miniostorage"
)

// MOCK RESPOSITORY

type mockRepo struct {
	createUploadFn     func(ctx context.Context, u *model.Upload) error
	getUploadFn        func(ctx context.Context, id string) (*model.Upload, error)
	createJobFn        func(ctx context.Context, j *model.Job) (*model.Job, error)
	getJobFn           func(ctx context.Context, id string) (*model.Job, error)
	getJobByClientIDFn func(ctx context.Context, userID, clientID string) (*model.Job, error)
	setJobStatusFn     func(ctx context.Context, id string, st model.Status, patch model.StatusPatch) error
	claimJobFn         func(ctx context.Context, id string, progress int, lease time.Duration) (*model.Job, error)
	claimOrphansFn     func(ctx context.Context, olderThan time.Duration, limit int) ([]model.QueueTask, error)
}

func (m *mockRepo) CreateUpload(ctx context.Context, u *model.Upload) error {
	return m.createUploadFn(ctx, u)
}

func (m *mockRepo) GetUploadByID(ctx context.Context, id string) (*model.Upload, error) {
	return m.getUploadFn(ctx, id)
}

func (m *mockRepo) CreateJob(ctx context.Context, j *model.Job) (*model.Job, error) {
	return m.createJobFn(ctx, j)
}

func (m *mockRepo) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	return m.getJobFn(ctx, id)
}

func (m *mockRepo) GetJobByClientID(ctx context.Context, userID, clientID string) (*model.Job, error) {
	return m.getJobByClientIDFn(ctx, userID, clientID)
}

func (m *mockRepo) SetJobStatus(ctx context.Context, id string, st model.Status, patch model.StatusPatch) error {
	return m.setJobStatusFn(ctx, id, st, patch)
}

func (m *mockRepo) ClaimJob(ctx context.Context, id string, progress int, lease time.Duration) (*model.Job, error) {
	return m.claimJobFn(ctx, id, progress, lease)
}

func (m *mockRepo) ClaimOrphans(ctx context.Context, olderThan time.Duration, limit int) ([]model.QueueTask, error) {
	return m.claimOrphansFn(ctx, olderThan, limit)
}

// MOCK STORAGE

type mockStorage struct {
	putFn     func(ctx context.Context, key string, data []byte, ct string) error
	headFn    func(ctx context.Context, key string) (*miniostorage.ObjectInfo, error)
	getFn     func(ctx context.Context, key string) (io.ReadCloser, error)
	presignFn func(ctx context.Context, key string, ttl time.Duration) (string, error)
}

func (m *mockStorage) PutObject(ctx context.Context, key string, data []byte, ct string) error {
	return m.putFn(ctx, key, data, ct)
}

func (m *mockStorage) HeadObject(ctx context.Context, key string) (*miniostorage.ObjectInfo, error) {
	return m.headFn(ctx, key)
}

func (m *mockStorage) GetObjectStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return m.getFn(ctx, key)
}

func (m *mockStorage) PresignGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return m.presignFn(ctx, key, ttl)
}

// MOCK PUBLISHER

type mockPublisher struct {
	publishFn func(ctx context.Context, task model.QueueTask) error
}

func (m *mockPublisher) PublishTask(ctx context.Context, task model.QueueTask) error {
	return m.publishFn(ctx, task)
}

// MOCK BUDGET

type mockGuard struct {
	checkFn func(ctx context.Context, userID string) error
}

func (m *mockGuard) CheckAndIncrement(ctx context.Context, userID string) error {
	return m.checkFn(ctx, userID)
}
