package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/client"
	"authcore/internal/model"
	"authcore/internal/util"
)

const insertEventQuery = `
    INSERT INTO audit_events (
        event_id, event_bucket, event_type, user_id, phone_masked, phone_hash,
        ip_address, user_agent, success, error_code, metadata, created_at, archived
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const batchEventQuery = `
    INSERT INTO audit_events (
        event_id, event_bucket, event_type, user_id, phone_masked, phone_hash,
        ip_address, user_agent, success, error_code, metadata, created_at, archived
    )`

// AuditRepository is the model.AuditStore on ClickHouse. Single-row Insert
// serves the synchronous security path; InsertBatch serves the async queue
// worker.
type AuditRepository struct {
	client *client.ClickHouseClient
}

func NewAuditRepository(client *client.ClickHouseClient) *AuditRepository {
	return &AuditRepository{client: client}
}

func (r *AuditRepository) Insert(ctx context.Context, event *model.AuditEvent) error {
	prepare(event)

	err := r.client.Exec(ctx, insertEventQuery,
		event.EventID, event.EventBucket, event.EventType, event.UserID,
		event.PhoneMasked, event.PhoneHash, event.IPAddress, event.UserAgent,
		event.Success, event.ErrorCode, event.Metadata, event.CreatedAt,
		event.Archived)
	if err != nil {
		util.Error("Failed to insert audit event",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (r *AuditRepository) InsertBatch(ctx context.Context, events []*model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(events))
	for _, event := range events {
		prepare(event)
		rows = append(rows, []interface{}{
			event.EventID, event.EventBucket, event.EventType, event.UserID,
			event.PhoneMasked, event.PhoneHash, event.IPAddress, event.UserAgent,
			event.Success, event.ErrorCode, event.Metadata, event.CreatedAt,
			event.Archived,
		})
	}

	if err := r.client.BatchInsert(ctx, batchEventQuery, rows); err != nil {
		util.Error("Failed to insert audit event batch",
			zap.Int("batch_size", len(events)),
			zap.Error(err))
		return fmt.Errorf("failed to insert audit event batch: %w", err)
	}

	util.Debug("Audit event batch inserted", zap.Int("batch_size", len(events)))
	return nil
}

// ArchiveOlderThan flags events past the retention cutoff. Rows are never
// deleted here; archival is a mutation of the flag only.
func (r *AuditRepository) ArchiveOlderThan(ctx context.Context, cutoff time.Time) error {
	err := r.client.Exec(ctx, `
        ALTER TABLE audit_events UPDATE archived = true
        WHERE created_at < ? AND archived = false`, cutoff)
	if err != nil {
		util.Error("Failed to archive audit events",
			zap.Time("cutoff", cutoff),
			zap.Error(err))
		return fmt.Errorf("failed to archive audit events: %w", err)
	}

	util.Info("Audit events archived", zap.Time("cutoff", cutoff))
	return nil
}

func (r *AuditRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func prepare(event *model.AuditEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
}
