package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

// PgxLedger writes audit rows over a dedicated pgx pool so the ledger can live in its own
// database. The table matches the gorm-migrated audit_record.
type PgxLedger struct {
	log  *logger.Logger
	pool *pgxpool.Pool
}

func NewPgxLedger(ctx context.Context, baseLog *logger.Logger, dsn string) (*PgxLedger, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return &PgxLedger{log: baseLog.With("service", "PgxAuditLedger"), pool: pool}, nil
}

const createAuditTableSQL = `
	CREATE TABLE IF NOT EXISTS audit_record (
		id uuid PRIMARY KEY,
		merchant_id varchar(128) NOT NULL,
		user_id text,
		session_id text,
		operation varchar(64) NOT NULL,
		request_payload_hash varchar(64),
		response_reference text,
		outcome varchar(16) NOT NULL,
		reason text,
		actor varchar(160) NOT NULL,
		created_at timestamptz NOT NULL
	)
`

// EnsureSchema creates the ledger table when the ledger has its own database.
func (l *PgxLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, createAuditTableSQL); err != nil {
		return fmt.Errorf("create audit_record: %w", err)
	}
	return nil
}

func (l *PgxLedger) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	r := e.record(time.Now().UTC())
	const insertSQL = `
		INSERT INTO audit_record
			(id, merchant_id, user_id, session_id, operation, request_payload_hash, response_reference, outcome, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := l.pool.Exec(ctx, insertSQL,
		r.ID, r.MerchantID, r.UserID, r.SessionID, r.Operation, r.RequestPayloadHash,
		r.ResponseReference, r.Outcome, r.Reason, r.Actor, r.CreatedAt,
	); err != nil {
		l.log.Error("Audit append failed", "operation", e.Operation, "merchant_id", e.MerchantID, "error", err)
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

func (l *PgxLedger) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]types.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const selectSQL = `
		SELECT id, merchant_id, user_id, session_id, operation, request_payload_hash, response_reference, outcome, reason, actor, created_at
		FROM audit_record
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := l.pool.Query(ctx, selectSQL, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	var out []types.AuditRecord
	for rows.Next() {
		var r types.AuditRecord
		if err := rows.Scan(&r.ID, &r.MerchantID, &r.UserID, &r.SessionID, &r.Operation, &r.RequestPayloadHash,
			&r.ResponseReference, &r.Outcome, &r.Reason, &r.Actor, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *PgxLedger) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}
