package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/provider"
	"github.com/UnendingLoop/ImageEditor/internal/queue"
	kafkago "github.com/segmentio/kafka-go"
)

type mockStore struct {
	getJobFn    func(ctx context.Context, id string) (*model.Job, error)
	getUploadFn func(ctx context.Context, id string) (*model.Upload, error)
	setStatusFn func(ctx context.Context, id string, st model.Status, patch model.StatusPatch) error
	claimJobFn  func(ctx context.Context, id string, progress int, lease time.Duration) (*model.Job, error)
}

func (m *mockStore) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	return m.getJobFn(ctx, id)
}

func (m *mockStore) GetUploadByID(ctx context.Context, id string) (*model.Upload, error) {
	return m.getUploadFn(ctx, id)
}

func (m *mockStore) SetJobStatus(ctx context.Context, id string, st model.Status, patch model.StatusPatch) error {
	return m.setStatusFn(ctx, id, st, patch)
}

func (m *mockStore) ClaimJob(ctx context.Context, id string, progress int, lease time.Duration) (*model.Job, error) {
	return m.claimJobFn(ctx, id, progress, lease)
}

//----------------------------------

// memBlobs is an in-memory blob store.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) PutObject(_ context.Context, key string, data []byte, ct string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = data
	m.types[key] = ct
	return nil
}

func (m *memBlobs) GetObjectStream(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

//----------------------------------

type mockEditor struct {
	editFn func(ctx context.Context, req provider.Request) (*provider.Result, error)
}

func (m *mockEditor) Name() string {
	return "test"
}

func (m *mockEditor) Edit(ctx context.Context, req provider.Request) (*provider.Result, error) {
	return m.editFn(ctx, req)
}

//----------------------------------

type mockCommitter struct {
	mu        sync.Mutex
	committed []kafkago.Message
}

func (m *mockCommitter) Commit(_ context.Context, msg kafkago.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, msg)
	return nil
}

func (m *mockCommitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed)
}

func (m *mockCommitter) offsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.committed))
	for _, msg := range m.committed {
		out = append(out, msg.Offset)
	}
	return out
}

type mockDLQ struct {
	mu      sync.Mutex
	letters []queue.DeadLetter
}

func (m *mockDLQ) PublishDeadLetter(_ context.Context, dl queue.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, dl)
	return nil
}
