package migration_0

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type HistoryRecord struct {
	Seq int64     `gorm:"primaryKey;autoIncrement"`
	Id  uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`

	Timestamp     time.Time `gorm:"not null"`
	Filename      string
	Label         string  `gorm:"size:100;not null;index"`
	Confidence    float64 `gorm:"not null"`
	Tier          string  `gorm:"size:20;not null"`
	Probabilities datatypes.JSON
	Explained     bool
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&HistoryRecord{}); err != nil {
		return fmt.Errorf("error creating history_records table: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&HistoryRecord{}); err != nil {
		return fmt.Errorf("error dropping history_records table: %w", err)
	}
	return nil
}
