package failure

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"onboarding/pkg/metrics"
)

type PostgresRepository struct {
	db          *sql.DB
	serviceName string
}

func NewPostgresRepository(db *sql.DB, serviceName string) *PostgresRepository {
	return &PostgresRepository{db: db, serviceName: serviceName}
}

func (r *PostgresRepository) Insert(ctx context.Context, record *Record) error {
	record.prepare()

	query := `
		INSERT INTO failure_records (id, request_id, stage, error_code, error_message, retry_count, failed_at, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.RequestID, record.Stage, record.ErrorCode,
		record.ErrorMessage, record.RetryCount, record.FailedAt, string(record.Source),
	)
	r.observe("insert", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert failure record: %w", err)
	}

	return nil
}

func (r *PostgresRepository) ListByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	query := `
		SELECT id, request_id, stage, error_code, error_message, retry_count, failed_at, source
		FROM failure_records
		WHERE request_id = $1
		ORDER BY failed_at ASC
	`

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, requestID)
	r.observe("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var source string
		if err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.Stage,
			&rec.ErrorCode,
			&rec.ErrorMessage,
			&rec.RetryCount,
			&rec.FailedAt,
			&source,
		); err != nil {
			return nil, fmt.Errorf("failed to scan failure record: %w", err)
		}
		rec.Source = Source(source)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

func (r *PostgresRepository) observe(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery(r.serviceName, "postgres", operation, status)
	metrics.ObserveDatabaseQueryDuration(r.serviceName, "postgres", operation, time.Since(start))
}
