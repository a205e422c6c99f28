package checkout

import (
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type SecureTokenRepo interface {
	Create(dbc dbctx.Context, row *types.SecureToken) error
	// Get is scoped by merchant; another merchant's token id finds nothing.
	Get(dbc dbctx.Context, id, merchantID string) (*types.SecureToken, error)
	Delete(dbc dbctx.Context, id, merchantID string) error
	DeleteExpired(dbc dbctx.Context, now time.Time, limit int) (int64, error)
}

type secureTokenRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSecureTokenRepo(db *gorm.DB, baseLog *logger.Logger) SecureTokenRepo {
	return &secureTokenRepo{db: db, log: baseLog.With("repo", "SecureTokenRepo")}
}

func (r *secureTokenRepo) Create(dbc dbctx.Context, row *types.SecureToken) error {
	if row == nil {
		return nil
	}
	return dbc.DB(r.db).Create(row).Error
}

func (r *secureTokenRepo) Get(dbc dbctx.Context, id, merchantID string) (*types.SecureToken, error) {
	if id == "" || merchantID == "" {
		return nil, nil
	}
	var row types.SecureToken
	if err := dbc.DB(r.db).Where("id = ? AND merchant_id = ?", id, merchantID).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *secureTokenRepo) Delete(dbc dbctx.Context, id, merchantID string) error {
	return dbc.DB(r.db).Where("id = ? AND merchant_id = ?", id, merchantID).Delete(&types.SecureToken{}).Error
}

func (r *secureTokenRepo) DeleteExpired(dbc dbctx.Context, now time.Time, limit int) (int64, error) {
	var ids []string
	q := dbc.DB(r.db).Model(&types.SecureToken{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := dbc.DB(r.db).Where("id IN ?", ids).Delete(&types.SecureToken{})
	return res.RowsAffected, res.Error
}
