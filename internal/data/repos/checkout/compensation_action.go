package checkout

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type CompensationActionRepo interface {
	Create(dbc dbctx.Context, rows []*types.CompensationAction) ([]*types.CompensationAction, error)

	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.CompensationAction, error)
	ListByTransactionID(dbc dbctx.Context, txID uuid.UUID) ([]*types.CompensationAction, error)
	GetMaxSeq(dbc dbctx.Context, txID uuid.UUID) (int64, error)

	// UpdateFields never touches completed rows; it returns the number of rows changed.
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (int64, error)

	ListRunnableTransactionIDs(dbc dbctx.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListExhausted(dbc dbctx.Context, merchantID string, limit int) ([]*types.CompensationAction, error)
}

type compensationActionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCompensationActionRepo(db *gorm.DB, baseLog *logger.Logger) CompensationActionRepo {
	return &compensationActionRepo{db: db, log: baseLog.With("repo", "CompensationActionRepo")}
}

func (r *compensationActionRepo) Create(dbc dbctx.Context, rows []*types.CompensationAction) ([]*types.CompensationAction, error) {
	if len(rows) == 0 {
		return []*types.CompensationAction{}, nil
	}
	if err := dbc.DB(r.db).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *compensationActionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.CompensationAction, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.CompensationAction
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *compensationActionRepo) ListByTransactionID(dbc dbctx.Context, txID uuid.UUID) ([]*types.CompensationAction, error) {
	var out []*types.CompensationAction
	if txID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).
		Where("transaction_id = ?", txID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *compensationActionRepo) GetMaxSeq(dbc dbctx.Context, txID uuid.UUID) (int64, error) {
	if txID == uuid.Nil {
		return 0, nil
	}
	var max int64
	if err := dbc.DB(r.db).
		Model(&types.CompensationAction{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("transaction_id = ?", txID).
		Scan(&max).Error; err != nil {
		return 0, err
	}
	return max, nil
}

func (r *compensationActionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (int64, error) {
	if id == uuid.Nil {
		return 0, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := dbc.DB(r.db).
		Model(&types.CompensationAction{}).
		Where("id = ? AND status <> ?", id, types.ActionStatusCompleted).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *compensationActionRepo) ListRunnableTransactionIDs(dbc dbctx.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := dbc.DB(r.db).
		Model(&types.CompensationAction{}).
		Distinct("compensation_action.transaction_id").
		Joins("JOIN checkout_transaction ON checkout_transaction.id = compensation_action.transaction_id").
		Where("checkout_transaction.status = ?", types.StatusCompensating).
		Where("compensation_action.status IN ?", []string{types.ActionStatusPending, types.ActionStatusFailed}).
		Where("compensation_action.retry_count < compensation_action.max_retries").
		Where("compensation_action.next_attempt_at IS NULL OR compensation_action.next_attempt_at <= ?", now.UTC())
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("compensation_action.transaction_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *compensationActionRepo) ListExhausted(dbc dbctx.Context, merchantID string, limit int) ([]*types.CompensationAction, error) {
	var out []*types.CompensationAction
	q := dbc.DB(r.db).
		Model(&types.CompensationAction{}).
		Where("compensation_action.status = ? AND compensation_action.retry_count >= compensation_action.max_retries", types.ActionStatusFailed)
	if merchantID != "" {
		q = q.Joins("JOIN checkout_transaction ON checkout_transaction.id = compensation_action.transaction_id").
			Where("checkout_transaction.merchant_id = ?", merchantID)
	}
	q = q.Order("compensation_action.updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
