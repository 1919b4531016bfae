package api

import (
	"time"

	"github.com/google/uuid"
)

type LabelsResponse struct {
	Labels      []string
	TargetLayer string
	ModelLoaded bool
}

type Prediction struct {
	Id            uuid.UUID
	Label         string
	Confidence    float64
	Tier          string
	TierMessage   string
	Probabilities map[string]float64
}

type ImportanceMap struct {
	Layer  string
	Width  int
	Height int
}

type ExplainResponse struct {
	Prediction Prediction

	// Base64 encoded PNG, same size as the uploaded image.
	Overlay          string         `json:"Overlay,omitempty"`
	Map              *ImportanceMap `json:"Map,omitempty"`
	ExplanationError string         `json:"ExplanationError,omitempty"`
}

type HistoryParams struct {
	Limit int    `schema:"limit"`
	Label string `schema:"label"`
}

type HistoryRecord struct {
	Id            uuid.UUID
	Timestamp     time.Time
	Filename      string
	Label         string
	Confidence    float64
	Tier          string
	Probabilities map[string]float64
	Explained     bool
}

type HistoryResponse struct {
	Total   int64
	Records []HistoryRecord
}
