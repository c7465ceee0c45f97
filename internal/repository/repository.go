// Package repository provides methods to work with DB
package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/UnendingLoop/ImageEditor/internal/repository/editpostgres"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"
)

// JobStore owns uploads and jobs. ClaimJob (pending -> processing) and SetJobStatus are the
// only status mutation paths for a job.
type JobStore interface {
	CreateUpload(ctx context.Context, u *model.Upload) error
	GetUploadByID(ctx context.Context, id string) (*model.Upload, error)
	CreateJob(ctx context.Context, j *model.Job) (*model.Job, error)
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	GetJobByClientID(ctx context.Context, userID, clientID string) (*model.Job, error)
	SetJobStatus(ctx context.Context, id string, status model.Status, patch model.StatusPatch) error
	ClaimJob(ctx context.Context, id string, progress int, lease time.Duration) (*model.Job, error)
	ClaimOrphans(ctx context.Context, olderThan time.Duration, limit int) ([]model.QueueTask, error)
}

func NewPostgresJobStore(dbconn *dbpg.DB) JobStore {
	return editpostgres.PostgresRepo{DB: dbconn}
}

func ConnectWithRetries(dsn string, retryCount int, idleTime time.Duration) (*dbpg.DB, error) {
	dbOptions := dbpg.Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 10 * time.Minute,
	}
	var dbConn *dbpg.DB
	var err error

	for i := range retryCount {
		dbConn, err = dbpg.New(dsn, nil, &dbOptions)
		if err == nil {
			return dbConn, nil
		}
		zlog.Logger.Warn().Err(err).Int("try", i+1).Msgf("Failed to connect to PGDB, waiting %v before next retry", idleTime)
		time.Sleep(idleTime)
	}

	return nil, err
}

func MigrateWithRetries(db *sql.DB, migrationsPath string, retries int, idle time.Duration) error {
	var err error
	for i := range retries {
		if err = runMigrate(db, migrationsPath); err == nil {
			return nil
		}
		zlog.Logger.Warn().Err(err).Int("try", i+1).Msgf("Migration was unsuccessful, waiting %v before next try", idle)
		time.Sleep(idle)
	}
	return err
}

func runMigrate(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	zlog.Logger.Info().Str("source", absPath).Msg("Database migrations applied successfully")
	return nil
}
