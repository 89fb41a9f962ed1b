package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/logging"
	"github.com/harunnryd/wardline/pkg/resilience"
)

const insertEntry = `INSERT INTO audit_logs (action, resource_type, resource_id, hospital_id, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`

// OpenPostgres opens and pings a Postgres pool.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

type PostgresConfig struct {
	Retry  resilience.RetryPolicy
	Logger *slog.Logger
	Now    func() time.Time
}

// PostgresRecorder writes entries to the audit_logs table.
type PostgresRecorder struct {
	db     *sql.DB
	retry  resilience.RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

func NewPostgresRecorder(db *sql.DB, cfg PostgresConfig) *PostgresRecorder {
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Backoff == 0 {
		cfg.Retry = resilience.NewRetryPolicy(2, 100*time.Millisecond)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PostgresRecorder{
		db:     db,
		retry:  cfg.Retry,
		logger: logging.NewComponentLogger(cfg.Logger, "audit"),
		now:    cfg.Now,
	}
}

func (r *PostgresRecorder) Record(ctx context.Context, e Entry) error {
	if e.ResourceType == "" {
		e.ResourceType = ResourceCall
	}
	if e.At.IsZero() {
		e.At = r.now()
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonAuditWrite, "marshal metadata")
	}
	var hospitalID any
	if e.HospitalID != "" {
		hospitalID = e.HospitalID
	}
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, insertEntry,
			string(e.Action), e.ResourceType, e.ResourceID, hospitalID, string(payload), e.At.UTC())
		return err
	})
	if err != nil {
		// Callers own failure logging.
		return errorsx.Wrap(err, errorsx.ReasonAuditWrite)
	}
	r.logger.Info("audit_recorded",
		slog.String("action", string(e.Action)),
		slog.String("call_id", e.ResourceID))
	return nil
}

func (r *PostgresRecorder) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
