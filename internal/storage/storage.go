// Package storage wires the blob store and owns the object key layout
package storage

import (
	"fmt"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/config"
	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/storage/miniostorage"
	"github.com/wb-go/wbf/zlog"
)

const (
	uploadsNamespace = "uploads"
	editedNamespace  = "edited"
)

func NewImgStorage(cfg config.Storage, retries int, delay time.Duration) (*miniostorage.MinioImageStorage, error) {
	var client *miniostorage.MinioImageStorage
	var err error

	for i := range retries {
		client, err = miniostorage.NewMinioClient(cfg)
		if err == nil {
			zlog.Logger.Info().Str("bucket", cfg.Bucket).Msg("IMG-storage client ready")
			return client, nil
		}
		zlog.Logger.Warn().Err(err).Int("try", i+1).Msgf("Failed to init IMG-storage client, next retry in %v", delay)
		time.Sleep(delay)
	}

	return nil, err
}

// OriginalKey is where the submitted image of a job lives.
func OriginalKey(userID, jobID, mime string) string {
	return fmt.Sprintf("%s/%s/%s/original%s", uploadsNamespace, userID, jobID, model.GetImageFileExt[mime])
}

func MaskKey(userID, jobID string) string {
	return fmt.Sprintf("%s/%s/%s/mask.png", uploadsNamespace, userID, jobID)
}

// ResultKey is deterministic per job so a retried attempt overwrites the same object.
func ResultKey(userID, jobID, mime string) string {
	ext, ok := model.GetImageFileExt[mime]
	if !ok {
		ext = ".png"
	}
	return fmt.Sprintf("%s/%s/%s/result%s", editedNamespace, userID, jobID, ext)
}
