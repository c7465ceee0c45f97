package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/wb-go/wbf/retry"
)

// Producer is satisfied by *wbf/kafka.Producer.
type Producer interface {
	SendWithRetry(ctx context.Context, strategy retry.Strategy, key []byte, value []byte) error
}

// DeadLetter is what lands on the DLQ topic once a task has used up its attempts.
type DeadLetter struct {
	JobID    string    `json:"jobId"`
	UserID   string    `json:"userId"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}

// SendStrategy is how hard a publish is retried before the caller sees an error.
var SendStrategy = retry.Strategy{
	Attempts: 5,
	Delay:    time.Second,
	Backoff:  1.5,
}

type Publisher struct {
	producer Producer
	strategy retry.Strategy
}

func NewPublisher(p Producer, strategy retry.Strategy) *Publisher {
	return &Publisher{producer: p, strategy: strategy}
}

// PublishTask sends the task keyed by job id so redeliveries of one job share a partition.
func (p *Publisher) PublishTask(ctx context.Context, task model.QueueTask) error {
	payload, err := EncodeTask(task)
	if err != nil {
		return err
	}
	return p.producer.SendWithRetry(ctx, p.strategy, []byte(task.JobID), payload)
}

func (p *Publisher) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return p.producer.SendWithRetry(ctx, p.strategy, []byte(dl.JobID), payload)
}

func EncodeTask(task model.QueueTask) ([]byte, error) {
	if task.JobID == "" {
		return nil, errors.New("queue task without job id")
	}
	return json.Marshal(task)
}

// DecodeTask parses a message value. Messages keyed by job id with an empty value are
// accepted too, so tasks published by older producers still drain.
func DecodeTask(key, value []byte) (model.QueueTask, error) {
	var task model.QueueTask
	if len(value) > 0 {
		if err := json.Unmarshal(value, &task); err != nil {
			return task, fmt.Errorf("malformed queue payload: %w", err)
		}
	}
	if task.JobID == "" {
		task.JobID = string(key)
	}
	if task.JobID == "" {
		return task, errors.New("queue payload has no job id")
	}
	return task, nil
}

// Backoff is the pause before attempt number next (2, 3, ...) under s.
func Backoff(s retry.Strategy, next int) time.Duration {
	if next <= 1 {
		return 0
	}
	factor := s.Backoff
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(s.Delay) * math.Pow(factor, float64(next-2)))
}
