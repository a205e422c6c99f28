package app

import (
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/checkout-saga/internal/data/repos"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type Repos struct {
	Transactions repos.TransactionRepo
	Actions      repos.CompensationActionRepo
	Orders       repos.OrderRepo
	SecureTokens repos.SecureTokenRepo
	AuditRecords repos.AuditRecordRepo
	Carts        repos.CartRepo
}

func wireRepos(db *gorm.DB, rdb *goredis.Client, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Transactions: repos.NewTransactionRepo(db, log),
		Actions:      repos.NewCompensationActionRepo(db, log),
		Orders:       repos.NewOrderRepo(db, log),
		SecureTokens: repos.NewSecureTokenRepo(db, log),
		AuditRecords: repos.NewAuditRecordRepo(db, log),
		Carts:        repos.NewCartRepo(rdb, log),
	}
}
