package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	insertArtifact = `INSERT INTO workflow_job_artifacts (id, workflow_job_id, file_path) VALUES ($1, $2, $3)`

	codeForeignKeyViolation = "23503"
	jobForeignKey           = "workflow_job_artifacts_workflow_job_id_workflow_jobs_id_fk"
)

// ErrBadKey is returned for object keys that do not follow
// outputs/{user storage key}/{job id}/{file}.
var ErrBadKey = errors.New("unexpected object key format")

// RecordResult says what Record did.
type RecordResult string

const (
	Recorded        RecordResult = "recorded"
	SkippedDir      RecordResult = "skipped_directory"
	DeletedOrphaned RecordResult = "deleted_orphan"
)

// Recorder indexes generated outputs in workflow_job_artifacts.
type Recorder struct {
	db      *sql.DB
	objects ObjectStore
	logger  *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(db *sql.DB, objects ObjectStore, logger *slog.Logger) *Recorder {
	return &Recorder{db: db, objects: objects, logger: logger.WithGroup("artifact")}
}

// Record inserts an artifact row for the object at key.  When the owning
// job row no longer exists the object is deleted instead.
func (r *Recorder) Record(ctx context.Context, bucket, key string) (RecordResult, error) {
	if strings.HasSuffix(key, "/") {
		r.logger.Info("directory key, skipping", slog.String("key", key))
		return SkippedDir, nil
	}

	jobID, err := jobIDFromKey(key)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("artifact id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, insertArtifact, id.String(), jobID, key)
	if err == nil {
		r.logger.Info("artifact recorded",
			slog.String("job_id", jobID),
			slog.String("key", key),
		)
		return Recorded, nil
	}

	if !isJobForeignKeyViolation(err) {
		return "", fmt.Errorf("insert artifact for job %s: %w", jobID, err)
	}

	if err := r.objects.Delete(ctx, bucket, key); err != nil {
		return "", fmt.Errorf("delete orphaned artifact: %w", err)
	}
	r.logger.Info("job record is deleted, object removed",
		slog.String("job_id", jobID),
		slog.String("key", key),
	)
	return DeletedOrphaned, nil
}

func jobIDFromKey(key string) (string, error) {
	parts := strings.Split(key, "/")
	if len(parts) < 3 || parts[2] == "" {
		return "", fmt.Errorf("%w: %s", ErrBadKey, key)
	}
	return parts[2], nil
}

func isJobForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == codeForeignKeyViolation &&
		pgErr.ConstraintName == jobForeignKey
}
