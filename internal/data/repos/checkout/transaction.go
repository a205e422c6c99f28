package checkout

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type TransactionRepo interface {
	Create(dbc dbctx.Context, row *types.Transaction) error

	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Transaction, error)
	GetByIDAndMerchant(dbc dbctx.Context, id uuid.UUID, merchantID string) (*types.Transaction, error)

	// LockByID reads the row under SELECT ... FOR UPDATE where the dialect supports it.
	LockByID(dbc dbctx.Context, id uuid.UUID) (*types.Transaction, error)

	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error

	// ListStalledIDs returns transactions not updated since before that are pending, or
	// failed/compensating with a reservation or capture recorded and no compensation actions.
	ListStalledIDs(dbc dbctx.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

type transactionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTransactionRepo(db *gorm.DB, baseLog *logger.Logger) TransactionRepo {
	return &transactionRepo{db: db, log: baseLog.With("repo", "TransactionRepo")}
}

func (r *transactionRepo) Create(dbc dbctx.Context, row *types.Transaction) error {
	if row == nil {
		return nil
	}
	return dbc.DB(r.db).Omit(clause.Associations).Create(row).Error
}

func (r *transactionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Transaction, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.Transaction
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *transactionRepo) GetByIDAndMerchant(dbc dbctx.Context, id uuid.UUID, merchantID string) (*types.Transaction, error) {
	if id == uuid.Nil || merchantID == "" {
		return nil, nil
	}
	var row types.Transaction
	if err := dbc.DB(r.db).
		Where("id = ? AND merchant_id = ?", id, merchantID).
		Limit(1).
		Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *transactionRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.Transaction, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	q := dbc.DB(r.db)
	if q.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row types.Transaction
	if err := q.Where("id = ?", id).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *transactionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.DB(r.db).
		Model(&types.Transaction{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *transactionRepo) ListStalledIDs(dbc dbctx.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	noActions := dbc.DB(r.db).
		Model(&types.CompensationAction{}).
		Select("1").
		Where("compensation_action.transaction_id = checkout_transaction.id")
	q := dbc.DB(r.db).
		Model(&types.Transaction{}).
		Where("checkout_transaction.updated_at < ?", before.UTC()).
		Where(
			dbc.DB(r.db).Where("checkout_transaction.status = ?", types.StatusPending).
				Or(dbc.DB(r.db).
					Where("checkout_transaction.status IN ?", []string{types.StatusFailed, types.StatusCompensating}).
					Where("(checkout_transaction.inventory_reserved = ? OR checkout_transaction.payment_confirmation IS NOT NULL)", true).
					Where("NOT EXISTS (?)", noActions)),
		).
		Order("checkout_transaction.updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("checkout_transaction.id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
