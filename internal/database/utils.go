package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NewHistoryRecord struct {
	Filename      string
	Label         string
	Confidence    float64
	Tier          string
	Probabilities map[string]float64
	Explained     bool
}

func AppendHistory(ctx context.Context, txn *gorm.DB, rec NewHistoryRecord) (HistoryRecord, error) {
	probs, err := json.Marshal(rec.Probabilities)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("error encoding probabilities: %w", err)
	}

	entry := HistoryRecord{
		Id:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Filename:      rec.Filename,
		Label:         rec.Label,
		Confidence:    rec.Confidence,
		Tier:          rec.Tier,
		Probabilities: probs,
		Explained:     rec.Explained,
	}

	if err := txn.WithContext(ctx).Create(&entry).Error; err != nil {
		slog.Error("error saving history record", "label", rec.Label, "error", err)
		return HistoryRecord{}, fmt.Errorf("error saving history record: %w", err)
	}
	return entry, nil
}

// ListHistory returns records newest first. A limit <= 0 returns every record
// and an empty label matches all labels.
func ListHistory(ctx context.Context, txn *gorm.DB, limit int, label string) ([]HistoryRecord, error) {
	query := txn.WithContext(ctx).Order("seq DESC")
	if label != "" {
		query = query.Where("label = ?", label)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []HistoryRecord
	if err := query.Find(&records).Error; err != nil {
		slog.Error("error listing history", "label", label, "error", err)
		return nil, fmt.Errorf("error listing history: %w", err)
	}
	return records, nil
}

func CountHistory(ctx context.Context, txn *gorm.DB) (int64, error) {
	var count int64
	if err := txn.WithContext(ctx).Model(&HistoryRecord{}).Count(&count).Error; err != nil {
		slog.Error("error counting history", "error", err)
		return 0, fmt.Errorf("error counting history: %w", err)
	}
	return count, nil
}

func (r HistoryRecord) DecodeProbabilities() (map[string]float64, error) {
	probs := map[string]float64{}
	if len(r.Probabilities) == 0 {
		return probs, nil
	}
	if err := json.Unmarshal(r.Probabilities, &probs); err != nil {
		return nil, fmt.Errorf("error decoding probabilities for record %s: %w", r.Id, err)
	}
	return probs, nil
}
