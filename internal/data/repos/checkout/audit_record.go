package checkout

import (
	"gorm.io/gorm"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

// AuditRecordRepo is insert and read only.
type AuditRecordRepo interface {
	Create(dbc dbctx.Context, row *types.AuditRecord) error
	ListByMerchant(dbc dbctx.Context, merchantID string, limit int) ([]*types.AuditRecord, error)
}

type auditRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditRecordRepo(db *gorm.DB, baseLog *logger.Logger) AuditRecordRepo {
	return &auditRecordRepo{db: db, log: baseLog.With("repo", "AuditRecordRepo")}
}

func (r *auditRecordRepo) Create(dbc dbctx.Context, row *types.AuditRecord) error {
	if row == nil {
		return nil
	}
	return dbc.DB(r.db).Create(row).Error
}

func (r *auditRecordRepo) ListByMerchant(dbc dbctx.Context, merchantID string, limit int) ([]*types.AuditRecord, error) {
	var out []*types.AuditRecord
	q := dbc.DB(r.db).Where("merchant_id = ?", merchantID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
