package transport

import (
	"context"
	"errors"
	"io"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/mwlogger"
)

func errorCodeDefiner(err error) int {
	switch {
	case errors.Is(err, model.ErrCommon500):
		return 500
	case errors.Is(err, model.ErrUnauthorized):
		return 401
	case errors.Is(err, model.ErrModeration):
		return 403
	case errors.Is(err, model.ErrJobNotFound):
		return 404
	case errors.Is(err, model.ErrDailyBudget),
		errors.Is(err, model.ErrUserQuota):
		return 429
	case errors.Is(err, model.ErrIncorrectID),
		errors.Is(err, model.ErrResultNotReady),
		errors.Is(err, model.ErrEmptySource),
		errors.Is(err, model.ErrEmptyPrompt),
		errors.Is(err, model.ErrUnsupportedFormat),
		errors.Is(err, model.ErrUnsupportedMask),
		errors.Is(err, model.ErrMaskDimensions),
		errors.Is(err, model.ErrBrokenImage),
		errors.Is(err, model.ErrFileTooLarge),
		errors.Is(err, model.ErrInvalidForm):
		return 400
	default:
		return 500
	}
}

func closeFileFlow(ctx context.Context, res io.Closer) {
	if err := res.Close(); err != nil {
		logger := mwlogger.LoggerFromContext(ctx)
		logger.Warn().Err(err).Msg("Handler failed to close fileflow")
	}
}
