package main

import (
	"context"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/queue"
	"github.com/UnendingLoop/ImageEditor/internal/service"
	wbfkafka "github.com/wb-go/wbf/kafka"
)

// EditAPIService is everything the API process needs from the edit service:
// the HTTP surface plus the orphan sweep driven by recoveryLoop.
type EditAPIService interface {
	Submit(ctx context.Context, data *model.EditCreateData) (*model.SubmitResult, error)
	Status(ctx context.Context, userID, id string) (*model.JobView, error)
	Result(ctx context.Context, userID, id string) (*model.ResultDelivery, error)
	ReviveOrphans(ctx context.Context, olderThan time.Duration, limit int) int
}

var (
	_ EditAPIService = (*service.EditService)(nil)
	_ queue.Producer = (*wbfkafka.Producer)(nil)
)
