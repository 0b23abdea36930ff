package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "anybank/pkg/domain"
)

// PostgresStore persists the audit trail in an append-only table keyed by an
// auto-generated id. Schema:
//
//	CREATE TABLE audit_logs (
//	    id UUID PRIMARY KEY,
//	    user_id UUID,
//	    tenant_id UUID,
//	    action VARCHAR(100) NOT NULL,
//	    resource_type VARCHAR(50) NOT NULL,
//	    resource_id UUID,
//	    outcome VARCHAR(10) NOT NULL,
//	    risk_score INT,
//	    ip_address VARCHAR(45),
//	    user_agent TEXT,
//	    metadata JSONB,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	var metadata []byte
	if rec.Metadata != nil {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs
			(id, user_id, tenant_id, action, resource_type, resource_id,
			 outcome, risk_score, ip_address, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID,
		nullUUID(uuid.UUID(rec.UserID)),
		nullUUID(uuid.UUID(rec.TenantID)),
		rec.Action,
		rec.ResourceType,
		nullUUID(uuid.UUID(rec.ResourceID)),
		string(rec.Outcome),
		rec.RiskScore,
		nullString(rec.IPAddress),
		nullString(rec.UserAgent),
		metadata,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountRecentActions(ctx context.Context, userID id.UserID, action string, outcome Outcome, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_logs
		WHERE user_id = $1 AND action = $2 AND outcome = $3 AND created_at >= $4`,
		uuid.UUID(userID), action, string(outcome), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, tenant_id, action, resource_type, resource_id,
		       outcome, risk_score, ip_address, user_agent, metadata, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                          Record
			userID, tenantID, resourceID uuid.NullUUID
			ipAddress, userAgent         sql.NullString
			outcome                      string
			metadata                     []byte
		)
		if err := rows.Scan(&rec.ID, &userID, &tenantID, &rec.Action, &rec.ResourceType,
			&resourceID, &outcome, &rec.RiskScore, &ipAddress, &userAgent, &metadata, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.UserID = id.UserID(userID.UUID)
		rec.TenantID = id.TenantID(tenantID.UUID)
		rec.ResourceID = id.ResourceID(resourceID.UUID)
		rec.Outcome = Outcome(outcome)
		rec.IPAddress = ipAddress.String
		rec.UserAgent = userAgent.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs`); err != nil {
		return fmt.Errorf("clear audit records: %w", err)
	}
	return nil
}

func nullUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
