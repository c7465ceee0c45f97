package transport

import (
	"context"

	"github.com/UnendingLoop/ImageEditor/internal/model"
)

type mockEditService struct {
	submitFn func(ctx context.Context, d *model.EditCreateData) (*model.SubmitResult, error)
	statusFn func(ctx context.Context, userID, id string) (*model.JobView, error)
	resultFn func(ctx context.Context, userID, id string) (*model.ResultDelivery, error)
}

func (m *mockEditService) Submit(ctx context.Context, d *model.EditCreateData) (*model.SubmitResult, error) {
	return m.submitFn(ctx, d)
}

func (m *mockEditService) Status(ctx context.Context, userID, id string) (*model.JobView, error) {
	return m.statusFn(ctx, userID, id)
}

func (m *mockEditService) Result(ctx context.Context, userID, id string) (*model.ResultDelivery, error) {
	return m.resultFn(ctx, userID, id)
}
