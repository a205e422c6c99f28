package db

import (
	"gorm.io/gorm"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
)

// Models lists every persisted table in migration order.
func Models() []interface{} {
	return []interface{}{
		&checkout.Transaction{},
		&checkout.CompensationAction{},
		&checkout.OrderConfirmation{},
		&checkout.SecureToken{},
		&checkout.AuditRecord{},
	}
}

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
