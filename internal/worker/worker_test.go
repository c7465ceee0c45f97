package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/pricing"
	"github.com/UnendingLoop/ImageEditor/internal/provider"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"
)

type statusCall struct {
	status model.Status
	patch  model.StatusPatch
}

// fixture holds one job with its upload and records every status write.
type fixture struct {
	mu      sync.Mutex
	job     model.Job
	upload  model.Upload
	calls   []statusCall
	claims  int
	blobs   *memBlobs
	commits *mockCommitter
	dlq     *mockDLQ
	sleeps  []time.Duration
	claimFn func() (*model.Job, error)
}

func encodeImage(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

func newFixture(t *testing.T, original []byte, mime string, mask []byte) *fixture {
	t.Helper()

	jobID, uploadID := uuid.New(), uuid.New()
	f := &fixture{
		job: model.Job{
			ID:       jobID,
			UserID:   "alice",
			UploadID: uploadID,
			Prompt:   "Make colors vivid",
			Status:   model.StatusPending,
			Provider: "test",
		},
		upload: model.Upload{
			ID:         uploadID,
			UserID:     "alice",
			StorageKey: "uploads/alice/" + jobID.String() + "/original.png",
			Mime:       mime,
		},
		blobs:   newMemBlobs(),
		commits: &mockCommitter{},
		dlq:     &mockDLQ{},
	}

	f.blobs.objects[f.upload.StorageKey] = original
	if mask != nil {
		key := "uploads/alice/" + jobID.String() + "/mask.png"
		f.blobs.objects[key] = mask
		f.job.MaskKey = &key
	}
	return f
}

func (f *fixture) store() *mockStore {
	return &mockStore{
		getJobFn: func(context.Context, string) (*model.Job, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			j := f.job
			return &j, nil
		},
		getUploadFn: func(_ context.Context, id string) (*model.Upload, error) {
			if id != f.upload.ID.String() {
				return nil, model.ErrUploadNotFound
			}
			u := f.upload
			return &u, nil
		},
		setStatusFn: func(_ context.Context, _ string, st model.Status, patch model.StatusPatch) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.job.Status.IsTerminal() {
				return model.ErrInvalidTransition
			}
			f.calls = append(f.calls, statusCall{status: st, patch: patch})
			f.job.Status = st
			return nil
		},
		// only a pending job can be claimed, the fixture treats processing as leased
		claimJobFn: func(_ context.Context, _ string, progress int, _ time.Duration) (*model.Job, error) {
			if f.claimFn != nil {
				return f.claimFn()
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			switch {
			case f.job.Status.IsTerminal():
				return nil, fmt.Errorf("%w: job is %s", model.ErrInvalidTransition, f.job.Status)
			case f.job.Status == model.StatusProcessing:
				return nil, model.ErrJobClaimed
			}
			f.claims++
			f.calls = append(f.calls, statusCall{status: model.StatusProcessing, patch: model.StatusPatch{Progress: &progress}})
			f.job.Status = model.StatusProcessing
			j := f.job
			return &j, nil
		},
	}
}

func (f *fixture) worker(editor provider.Editor, attempts int) *Worker {
	w := New(f.store(), f.blobs, editor, f.commits, f.dlq, Config{
		Concurrency: 1,
		Retry:       retry.Strategy{Attempts: attempts, Delay: 5 * time.Second, Backoff: 2},
		MaxBytes:    4 * 1024 * 1024,
		MaxDim:      2048,
		Rates:       pricing.Rates{InputPerMBCents: 0.5, OutputPerMBCents: 1.5},
	})
	w.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return w
}

func (f *fixture) message(t *testing.T) kafkago.Message {
	t.Helper()

	payload, err := json.Marshal(model.QueueTask{JobID: f.job.ID.String(), UserID: f.job.UserID})
	require.NoError(t, err)
	return kafkago.Message{Key: []byte(f.job.ID.String()), Value: payload}
}

func (f *fixture) progresses() []int {
	out := make([]int, 0, len(f.calls))
	for _, c := range f.calls {
		if c.patch.Progress != nil {
			out = append(out, *c.patch.Progress)
		}
	}
	return out
}

func (f *fixture) statuses() []model.Status {
	out := make([]model.Status, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.status)
	}
	return out
}

// HAPPY PATH WITH THE MOCK PROVIDER
func TestWorker_HandleMessage_Done(t *testing.T) {
	f := newFixture(t, encodeImage(t, 64, 32, imaging.PNG), model.PNG, nil)
	w := f.worker(provider.NewMock(0), 2)

	w.HandleMessage(context.Background(), f.message(t))

	require.Equal(t, []model.Status{model.StatusProcessing, model.StatusProcessing, model.StatusDone}, f.statuses())
	require.Equal(t, 5, *f.calls[0].patch.Progress)
	require.Equal(t, 20, *f.calls[1].patch.Progress)

	done := f.calls[2].patch
	require.Equal(t, 100, *done.Progress)
	require.Equal(t, "edited/alice/"+f.job.ID.String()+"/result.png", *done.ResultKey)
	require.Positive(t, *done.ReqBytes)
	require.Positive(t, *done.ResBytes)
	require.Positive(t, *done.CostCents)
	require.Nil(t, done.Error)

	stored := f.blobs.objects[*done.ResultKey]
	require.NotEmpty(t, stored)
	require.Equal(t, model.PNG, f.blobs.types[*done.ResultKey])
	img, err := imaging.Decode(bytes.NewReader(stored))
	require.NoError(t, err)
	require.Equal(t, 64, img.Bounds().Dx())

	require.Equal(t, 1, f.commits.count())
	require.Empty(t, f.dlq.letters)
}

// MASK FOLLOWS THE DOWNSCALED WORKING IMAGE
func TestWorker_HandleMessage_MaskResizedToWorkingImage(t *testing.T) {
	f := newFixture(t, encodeImage(t, 400, 200, imaging.PNG), model.PNG, encodeImage(t, 400, 200, imaging.PNG))

	var got provider.Request
	editor := &mockEditor{editFn: func(_ context.Context, req provider.Request) (*provider.Result, error) {
		got = req
		return &provider.Result{ImageBase64: req.ImageBase64, Mime: model.PNG}, nil
	}}

	w := f.worker(editor, 1)
	w.cfg.MaxDim = 100
	w.HandleMessage(context.Background(), f.message(t))

	require.Equal(t, model.StatusDone, f.job.Status)
	require.Equal(t, "Make colors vivid", got.Prompt)
	require.Equal(t, model.PNG, got.ImageMime)

	for name, b64 := range map[string]string{"image": got.ImageBase64, "mask": got.MaskBase64} {
		raw, err := base64.StdEncoding.DecodeString(b64)
		require.NoError(t, err, name)
		img, err := imaging.Decode(bytes.NewReader(raw))
		require.NoError(t, err, name)
		require.Equal(t, 100, img.Bounds().Dx(), name)
		require.Equal(t, 50, img.Bounds().Dy(), name)
	}
}

// PROVIDER FAILS ON EVERY ATTEMPT
func TestWorker_HandleMessage_RetriesThenFails(t *testing.T) {
	f := newFixture(t, encodeImage(t, 8, 8, imaging.PNG), model.PNG, nil)
	f.job.Prompt = "please " + provider.DirectiveError

	w := f.worker(provider.NewMock(0), 2)
	w.HandleMessage(context.Background(), f.message(t))

	require.Equal(t, model.StatusError, f.job.Status)
	last := f.calls[len(f.calls)-1]
	require.Equal(t, model.StatusError, last.status)
	require.NotEmpty(t, *last.patch.Error)
	require.Nil(t, last.patch.ResultKey)

	require.Equal(t, []time.Duration{5 * time.Second}, f.sleeps)
	require.Len(t, f.dlq.letters, 1)
	require.Equal(t, 2, f.dlq.letters[0].Attempts)
	require.Equal(t, f.job.ID.String(), f.dlq.letters[0].JobID)
	require.Equal(t, 1, f.commits.count())
}

// SECOND ATTEMPT SUCCEEDS
func TestWorker_HandleMessage_RecoversOnRetry(t *testing.T) {
	f := newFixture(t, encodeImage(t, 8, 8, imaging.PNG), model.PNG, nil)

	calls := 0
	editor := &mockEditor{editFn: func(_ context.Context, req provider.Request) (*provider.Result, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("503 from upstream")
		}
		return &provider.Result{ImageBase64: req.ImageBase64, Mime: model.PNG}, nil
	}}

	f.worker(editor, 3).HandleMessage(context.Background(), f.message(t))

	require.Equal(t, 2, calls)
	require.Equal(t, 1, f.claims)
	require.Equal(t, model.StatusDone, f.job.Status)
	require.Empty(t, f.dlq.letters)
	require.NotContains(t, f.statuses(), model.StatusError)

	// второй заход начинается снова с 5%
	require.Equal(t, []int{5, 20, 5, 20, 100}, f.progresses())
}

// EMPTY PROVIDER PAYLOAD
func TestWorker_HandleMessage_EmptyResult(t *testing.T) {
	f := newFixture(t, encodeImage(t, 8, 8, imaging.PNG), model.PNG, nil)
	editor := &mockEditor{editFn: func(context.Context, provider.Request) (*provider.Result, error) {
		return &provider.Result{}, nil
	}}

	f.worker(editor, 1).HandleMessage(context.Background(), f.message(t))

	require.Equal(t, model.StatusError, f.job.Status)
	require.Contains(t, *f.calls[len(f.calls)-1].patch.Error, "no image payload")
}

// UPLOAD GONE - NO RETRY
func TestWorker_HandleMessage_PermanentFailure(t *testing.T) {
	f := newFixture(t, nil, model.PNG, nil)
	f.job.UploadID = uuid.New()

	editor := &mockEditor{editFn: func(context.Context, provider.Request) (*provider.Result, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	}}

	f.worker(editor, 5).HandleMessage(context.Background(), f.message(t))

	require.Equal(t, []model.Status{model.StatusProcessing, model.StatusError}, f.statuses())
	require.Empty(t, f.sleeps)
	require.Len(t, f.dlq.letters, 1)
	require.Equal(t, 1, f.dlq.letters[0].Attempts)
}

// DROPPED MESSAGES
func TestWorker_HandleMessage_Dropped(t *testing.T) {
	tests := []struct {
		name   string
		status model.Status
		claim  func() (*model.Job, error)
		msg    *kafkago.Message
	}{
		{
			name:  "job missing",
			claim: func() (*model.Job, error) { return nil, model.ErrJobNotFound },
		},
		{
			name:   "job already done",
			status: model.StatusDone,
		},
		{
			name:   "job already failed",
			status: model.StatusError,
		},
		{
			name:   "job leased by another worker",
			status: model.StatusProcessing,
		},
		{
			name: "malformed message",
			msg:  &kafkago.Message{Value: []byte("{oops")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, model.PNG, nil)
			f.claimFn = tt.claim
			if tt.status != "" {
				f.job.Status = tt.status
			}

			msg := f.message(t)
			if tt.msg != nil {
				msg = *tt.msg
			}
			f.worker(&mockEditor{}, 2).HandleMessage(context.Background(), msg)

			require.Empty(t, f.calls)
			require.Empty(t, f.dlq.letters)
			require.Equal(t, 1, f.commits.count())
		})
	}
}

// SHUTDOWN DURING BACKOFF - MESSAGE STAYS UNCOMMITTED
func TestWorker_HandleMessage_ShutdownDuringBackoff(t *testing.T) {
	f := newFixture(t, encodeImage(t, 8, 8, imaging.PNG), model.PNG, nil)
	editor := &mockEditor{editFn: func(context.Context, provider.Request) (*provider.Result, error) {
		return nil, errors.New("timeout")
	}}

	w := f.worker(editor, 3)
	w.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	w.HandleMessage(context.Background(), f.message(t))

	require.Zero(t, f.commits.count())
	require.Empty(t, f.dlq.letters)
	require.NotEqual(t, model.StatusError, f.job.Status)
}

// TWO DELIVERIES OF ONE JOB AT THE SAME TIME
func TestWorker_HandleMessage_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, encodeImage(t, 8, 8, imaging.PNG), model.PNG, nil)

	var calls atomic.Int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	editor := &mockEditor{editFn: func(_ context.Context, req provider.Request) (*provider.Result, error) {
		calls.Add(1)
		entered <- struct{}{}
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return &provider.Result{ImageBase64: req.ImageBase64, Mime: model.PNG}, nil
	}}

	w := f.worker(editor, 2)
	w.cfg.Concurrency = 2
	msg := f.message(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.HandleMessage(context.Background(), msg)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first delivery never reached the provider")
	}

	// вторая доставка приходит, пока первая висит в провайдере
	w.HandleMessage(context.Background(), msg)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, f.claims)
	require.Equal(t, model.StatusDone, f.job.Status)
	require.Equal(t, []model.Status{model.StatusProcessing, model.StatusProcessing, model.StatusDone}, f.statuses())
	require.Empty(t, f.dlq.letters)
	require.Equal(t, 2, f.commits.count())
}

// JOB FINISHED BY SOMEONE ELSE WHILE THIS ATTEMPT RAN
func TestWorker_HandleMessage_FinishedElsewhere(t *testing.T) {
	f := newFixture(t, encodeImage(t, 8, 8, imaging.PNG), model.PNG, nil)
	editor := &mockEditor{editFn: func(_ context.Context, req provider.Request) (*provider.Result, error) {
		f.mu.Lock()
		f.job.Status = model.StatusDone
		f.mu.Unlock()
		return &provider.Result{ImageBase64: req.ImageBase64, Mime: model.PNG}, nil
	}}

	f.worker(editor, 3).HandleMessage(context.Background(), f.message(t))

	require.Equal(t, model.StatusDone, f.job.Status)
	require.NotContains(t, f.statuses(), model.StatusError)
	require.Empty(t, f.sleeps)
	require.Empty(t, f.dlq.letters)
	require.Equal(t, 1, f.commits.count())
}

// RUN DRAINS THE CHANNEL WITH SEVERAL SLOTS
func TestWorker_Run(t *testing.T) {
	f := newFixture(t, nil, model.PNG, nil)
	f.claimFn = func() (*model.Job, error) { return nil, model.ErrJobNotFound }

	w := f.worker(&mockEditor{}, 1)
	w.cfg.Concurrency = 3

	msgs := make(chan kafkago.Message)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), msgs)
		close(done)
	}()

	for i := 0; i < 7; i++ {
		msgs <- kafkago.Message{Partition: 0, Offset: int64(i), Key: []byte(uuid.NewString())}
	}
	close(msgs)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the channel was closed")
	}

	// коммиты идут только вперед и доходят до последнего сообщения
	committed := f.commits.offsets()
	require.NotEmpty(t, committed)
	require.IsIncreasing(t, committed)
	require.Equal(t, int64(6), committed[len(committed)-1])
}

func TestLeaseFor(t *testing.T) {
	cfg := Config{
		Retry:          retry.Strategy{Attempts: 2, Delay: 5 * time.Second, Backoff: 2},
		AttemptTimeout: 2 * time.Minute,
	}
	require.Equal(t, 5*time.Minute+5*time.Second, leaseFor(cfg))

	cfg.AttemptTimeout = 0
	require.Equal(t, 21*time.Minute+5*time.Second, leaseFor(cfg))

	w := New(&mockStore{}, newMemBlobs(), &mockEditor{}, &mockCommitter{}, &mockDLQ{}, Config{Lease: time.Minute})
	require.Equal(t, time.Minute, w.cfg.Lease)
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
