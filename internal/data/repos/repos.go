package repos

import (
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/checkout-saga/internal/data/repos/cart"
	"github.com/yungbote/checkout-saga/internal/data/repos/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type TransactionRepo = checkout.TransactionRepo
type CompensationActionRepo = checkout.CompensationActionRepo
type OrderRepo = checkout.OrderRepo
type SecureTokenRepo = checkout.SecureTokenRepo
type AuditRecordRepo = checkout.AuditRecordRepo
type CartRepo = cart.CartRepo

func NewTransactionRepo(db *gorm.DB, baseLog *logger.Logger) TransactionRepo {
	return checkout.NewTransactionRepo(db, baseLog)
}
func NewCompensationActionRepo(db *gorm.DB, baseLog *logger.Logger) CompensationActionRepo {
	return checkout.NewCompensationActionRepo(db, baseLog)
}
func NewOrderRepo(db *gorm.DB, baseLog *logger.Logger) OrderRepo {
	return checkout.NewOrderRepo(db, baseLog)
}
func NewSecureTokenRepo(db *gorm.DB, baseLog *logger.Logger) SecureTokenRepo {
	return checkout.NewSecureTokenRepo(db, baseLog)
}
func NewAuditRecordRepo(db *gorm.DB, baseLog *logger.Logger) AuditRecordRepo {
	return checkout.NewAuditRecordRepo(db, baseLog)
}
func NewCartRepo(rdb *goredis.Client, baseLog *logger.Logger) CartRepo {
	return cart.NewRedisCartRepo(rdb, baseLog)
}
