package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// HistoryRecord is one analysed image. Records are append-only.
type HistoryRecord struct {
	Seq int64     `gorm:"primaryKey;autoIncrement"`
	Id  uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`

	Timestamp     time.Time `gorm:"not null"`
	Filename      string
	Label         string  `gorm:"size:100;not null;index"`
	Confidence    float64 `gorm:"not null"`
	Tier          string  `gorm:"size:20;not null"`
	Probabilities datatypes.JSON // {"label": probability}
	Explained     bool
}
