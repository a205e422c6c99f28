package checkout

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type OrderRepo interface {
	Create(dbc dbctx.Context, row *types.OrderConfirmation) error
	GetByTransactionID(dbc dbctx.Context, txID uuid.UUID) (*types.OrderConfirmation, error)
	GetByIDAndMerchant(dbc dbctx.Context, id uuid.UUID, merchantID string) (*types.OrderConfirmation, error)
	CountByTransactionID(dbc dbctx.Context, txID uuid.UUID) (int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	ListMissingReceipts(dbc dbctx.Context, before time.Time, limit int) ([]*types.OrderConfirmation, error)
}

type orderRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOrderRepo(db *gorm.DB, baseLog *logger.Logger) OrderRepo {
	return &orderRepo{db: db, log: baseLog.With("repo", "OrderRepo")}
}

func (r *orderRepo) Create(dbc dbctx.Context, row *types.OrderConfirmation) error {
	if row == nil {
		return nil
	}
	return dbc.DB(r.db).Create(row).Error
}

func (r *orderRepo) GetByTransactionID(dbc dbctx.Context, txID uuid.UUID) (*types.OrderConfirmation, error) {
	if txID == uuid.Nil {
		return nil, nil
	}
	var row types.OrderConfirmation
	if err := dbc.DB(r.db).Where("transaction_id = ?", txID).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *orderRepo) GetByIDAndMerchant(dbc dbctx.Context, id uuid.UUID, merchantID string) (*types.OrderConfirmation, error) {
	if id == uuid.Nil || merchantID == "" {
		return nil, nil
	}
	var row types.OrderConfirmation
	if err := dbc.DB(r.db).Where("id = ? AND merchant_id = ?", id, merchantID).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *orderRepo) CountByTransactionID(dbc dbctx.Context, txID uuid.UUID) (int64, error) {
	var n int64
	err := dbc.DB(r.db).Model(&types.OrderConfirmation{}).Where("transaction_id = ?", txID).Count(&n).Error
	return n, err
}

func (r *orderRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.DB(r.db).Model(&types.OrderConfirmation{}).Where("id = ?", id).Updates(updates).Error
}

func (r *orderRepo) ListMissingReceipts(dbc dbctx.Context, before time.Time, limit int) ([]*types.OrderConfirmation, error) {
	var out []*types.OrderConfirmation
	q := dbc.DB(r.db).
		Where("receipt_url IS NULL AND status <> ? AND created_at < ?", types.OrderStatusCancelled, before).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
