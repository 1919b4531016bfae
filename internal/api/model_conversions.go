package api

import (
	"neuroscan-backend/internal/core"
	"neuroscan-backend/internal/database"
	"neuroscan-backend/pkg/api"

	"github.com/google/uuid"
)

func convertPrediction(id uuid.UUID, p core.Prediction) api.Prediction {
	tier := core.TierFor(p.Confidence)
	return api.Prediction{
		Id:            id,
		Label:         p.Label,
		Confidence:    p.Confidence,
		Tier:          string(tier),
		TierMessage:   tier.Message(),
		Probabilities: p.Probabilities,
	}
}

func convertHistoryRecord(r database.HistoryRecord) (api.HistoryRecord, error) {
	probs, err := r.DecodeProbabilities()
	if err != nil {
		return api.HistoryRecord{}, err
	}
	return api.HistoryRecord{
		Id:            r.Id,
		Timestamp:     r.Timestamp,
		Filename:      r.Filename,
		Label:         r.Label,
		Confidence:    r.Confidence,
		Tier:          r.Tier,
		Probabilities: probs,
		Explained:     r.Explained,
	}, nil
}

func convertHistoryRecords(rs []database.HistoryRecord) ([]api.HistoryRecord, error) {
	records := make([]api.HistoryRecord, 0, len(rs))
	for _, r := range rs {
		rec, err := convertHistoryRecord(r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
