package main

import (
	"github.com/UnendingLoop/ImageEditor/internal/queue"
	"github.com/UnendingLoop/ImageEditor/internal/repository"
	"github.com/UnendingLoop/ImageEditor/internal/storage/miniostorage"
	"github.com/UnendingLoop/ImageEditor/internal/worker"
	wbfkafka "github.com/wb-go/wbf/kafka"
)

// concrete dependencies handed to worker.New
var (
	_ worker.JobStore            = repository.JobStore(nil)
	_ worker.BlobStore           = (*miniostorage.MinioImageStorage)(nil)
	_ worker.Committer           = (*wbfkafka.Consumer)(nil)
	_ worker.DeadLetterPublisher = (*queue.Publisher)(nil)
	_ queue.Producer             = (*wbfkafka.Producer)(nil)
)
