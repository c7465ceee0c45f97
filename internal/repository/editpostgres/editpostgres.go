package editpostgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"
)

type PostgresRepo struct {
	DB *dbpg.DB
}

const jobColumns = `id, user_id, upload_id, mask_key, prompt, status, progress, result_key, error,
	client_request_id, provider, req_bytes, res_bytes, estimated_cost_cents, created_at, updated_at`

func (p PostgresRepo) CreateUpload(ctx context.Context, u *model.Upload) error {
	query := `INSERT INTO uploads (id, user_id, storage_key, mime, size_bytes, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING created_at`
	return p.DB.QueryRowContext(ctx, query, u.ID, u.UserID, u.StorageKey, u.Mime, u.SizeBytes, u.CreatedAt).Scan(&u.CreatedAt)
}

func (p PostgresRepo) GetUploadByID(ctx context.Context, id string) (*model.Upload, error) {
	query := `SELECT id, user_id, storage_key, mime, size_bytes, created_at
	FROM uploads
	WHERE id = $1`
	var u model.Upload

	err := p.DB.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.UserID, &u.StorageKey, &u.Mime, &u.SizeBytes, &u.CreatedAt)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, model.ErrUploadNotFound
		default:
			return nil, err // 500
		}
	}
	return &u, nil
}

// CreateJob inserts j. When another job already holds the same (user_id, client_request_id)
// the insert is skipped and that existing job is returned instead.
func (p PostgresRepo) CreateJob(ctx context.Context, j *model.Job) (*model.Job, error) {
	query := `INSERT INTO jobs (id, user_id, upload_id, mask_key, prompt, status, progress, client_request_id,
		provider, estimated_cost_cents, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	ON CONFLICT (user_id, client_request_id) WHERE client_request_id IS NOT NULL DO NOTHING
	RETURNING id`

	var id string
	err := p.DB.QueryRowContext(ctx, query, j.ID, j.UserID, j.UploadID, j.MaskKey, j.Prompt, j.Status, j.Progress,
		j.ClientRequestID, j.Provider, j.EstimatedCostCents, j.CreatedAt).Scan(&id)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || j.ClientRequestID == nil {
		return nil, err // 500
	}

	zlog.Logger.Info().Str("user_id", j.UserID).Str("client_request_id", *j.ClientRequestID).
		Msg("Concurrent duplicate submission resolved to existing job")
	return p.GetJobByClientID(ctx, j.UserID, *j.ClientRequestID)
}

func (p PostgresRepo) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + `
	FROM jobs
	WHERE id = $1`
	return scanJob(p.DB.QueryRowContext(ctx, query, id))
}

func (p PostgresRepo) GetJobByClientID(ctx context.Context, userID, clientID string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + `
	FROM jobs
	WHERE user_id = $1 AND client_request_id = $2`
	return scanJob(p.DB.QueryRowContext(ctx, query, userID, clientID))
}

// SetJobStatus writes the full patch; nil fields become NULL except CostCents.
// The WHERE clause only matches rows whose current status may precede the new one.
func (p PostgresRepo) SetJobStatus(ctx context.Context, id string, status model.Status, patch model.StatusPatch) error {
	from, ok := model.AllowedFrom[status]
	if !ok {
		return model.ErrInvalidTransition
	}

	args := []any{status, patch.Progress, patch.ResultKey, patch.Error, patch.ReqBytes, patch.ResBytes, patch.CostCents, id}
	placeholders := make([]string, 0, len(from))
	for _, s := range from {
		args = append(args, s)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := `UPDATE jobs SET status = $1, progress = $2, result_key = $3, error = $4,
		req_bytes = $5, res_bytes = $6, estimated_cost_cents = COALESCE($7, estimated_cost_cents),
		updated_at = now()
	WHERE id = $8 AND status IN (` + strings.Join(placeholders, ", ") + `)
	RETURNING id`

	var updated string
	err := p.DB.QueryRowContext(ctx, query, args...).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err // 500
	}

	// nothing matched: either the job is gone or the transition is illegal
	var current model.Status
	err = p.DB.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ErrJobNotFound
	case err != nil:
		return err
	default:
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current, status)
	}
}

// ClaimJob moves a pending job to processing and leases it to the caller until the lease
// runs out. A processing job whose lease already expired may be claimed again.
func (p PostgresRepo) ClaimJob(ctx context.Context, id string, progress int, lease time.Duration) (*model.Job, error) {
	query := `UPDATE jobs SET status = $1, progress = $2, result_key = NULL, error = NULL,
		req_bytes = NULL, res_bytes = NULL,
		lease_until = now() + make_interval(secs => $3), updated_at = now()
	WHERE id = $4
	AND (status = $5 OR (status = $1 AND (lease_until IS NULL OR lease_until < now())))
	RETURNING ` + jobColumns

	job, err := scanJob(p.DB.QueryRowContext(ctx, query, model.StatusProcessing, progress, lease.Seconds(), id, model.StatusPending))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, model.ErrJobNotFound) {
		return nil, err // 500
	}

	// nothing matched: gone, finished or leased by someone else
	var current model.Status
	err = p.DB.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, model.ErrJobNotFound
	case err != nil:
		return nil, err
	case current.IsTerminal():
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current, model.StatusProcessing)
	default:
		return nil, model.ErrJobClaimed
	}
}

// ClaimOrphans picks non-terminal jobs untouched for longer than olderThan and not leased
// by a live worker, stamps revived_at on them and returns them for re-publishing. A revived
// job is skipped by later sweeps until olderThan passes again.
func (p PostgresRepo) ClaimOrphans(ctx context.Context, olderThan time.Duration, limit int) ([]model.QueueTask, error) {
	query := `UPDATE jobs SET revived_at = now()
	WHERE id IN (
		SELECT id
		FROM jobs
		WHERE status IN ($1, $2)
		AND updated_at < $3
		AND (revived_at IS NULL OR revived_at < $3)
		AND (lease_until IS NULL OR lease_until < now())
		ORDER BY COALESCE(revived_at, updated_at)
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, user_id`

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := p.DB.QueryContext(ctx, query, model.StatusPending, model.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("Error while closing *sql.Rows after scanning")
		}
	}()

	orphans := make([]model.QueueTask, 0, limit)
	for rows.Next() {
		var task model.QueueTask
		if err := rows.Scan(&task.JobID, &task.UserID); err != nil {
			return nil, err
		}
		orphans = append(orphans, task)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return orphans, nil
}

func scanJob(row *sql.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID,
		&j.UserID,
		&j.UploadID,
		&j.MaskKey,
		&j.Prompt,
		&j.Status,
		&j.Progress,
		&j.ResultKey,
		&j.Error,
		&j.ClientRequestID,
		&j.Provider,
		&j.ReqBytes,
		&j.ResBytes,
		&j.EstimatedCostCents,
		&j.CreatedAt,
		&j.UpdatedAt)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, model.ErrJobNotFound
		default:
			return nil, err // 500
		}
	}
	return &j, nil
}
