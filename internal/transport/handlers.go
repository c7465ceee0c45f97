// Package transport provides methods for processing requests from endpoints
package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/mwlogger"
	"github.com/wb-go/wbf/ginext"
)

const nsfwHeader = "X-Test-Nsfw"

type EditHandler struct {
	service   EditService
	authToken string
}

type EditService interface {
	Submit(ctx context.Context, data *model.EditCreateData) (*model.SubmitResult, error)
	Status(ctx context.Context, userID, id string) (*model.JobView, error)
	Result(ctx context.Context, userID, id string) (*model.ResultDelivery, error)
}

func NewEditHandler(svc EditService, authToken string) *EditHandler {
	return &EditHandler{
		service:   svc,
		authToken: authToken,
	}
}

func (h EditHandler) Health(ctx *ginext.Context) {
	ctx.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h EditHandler) Submit(ctx *ginext.Context) {
	data := &model.EditCreateData{
		UserID:          userFromContext(ctx),
		Prompt:          ctx.PostForm("prompt"),
		ClientRequestID: ctx.PostForm("client_request_id"),
		NSFWFlag:        isTruthy(ctx.GetHeader(nsfwHeader)),
	}

	// парсинг исходника - отсутствие файла решает сервис, повтор по client_request_id его не требует
	if file, header, err := ctx.Request.FormFile("file"); err == nil {
		defer closeFileFlow(ctx.Request.Context(), file)
		data.Image = file
		data.ImageSize = header.Size
	}

	// маска опциональна
	if mask, header, err := ctx.Request.FormFile("mask"); err == nil {
		defer closeFileFlow(ctx.Request.Context(), mask)
		data.Mask = mask
		data.MaskSize = header.Size
	}

	res, err := h.service.Submit(ctx.Request.Context(), data)
	if err != nil {
		ctx.JSON(errorCodeDefiner(err), map[string]string{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, res)
}

func (h EditHandler) Status(ctx *ginext.Context) {
	res, err := h.service.Status(ctx.Request.Context(), userFromContext(ctx), ctx.Param("id"))
	if err != nil {
		ctx.JSON(errorCodeDefiner(err), map[string]string{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, res)
}

func (h EditHandler) Result(ctx *ginext.Context) {
	res, err := h.service.Result(ctx.Request.Context(), userFromContext(ctx), ctx.Param("id"))
	if err != nil {
		ctx.JSON(errorCodeDefiner(err), map[string]string{"error": err.Error()})
		return
	}

	if res.RedirectURL != "" {
		logger := mwlogger.LoggerFromContext(ctx.Request.Context())
		logger.Debug().Str("job_id", ctx.Param("id")).Msg("Large result, redirecting to presigned URL")
		ctx.Redirect(http.StatusFound, res.RedirectURL)
		return
	}

	ctx.JSON(http.StatusOK, res)
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
