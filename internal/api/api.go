package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"log/slog"
	"net/http"
	"time"

	"neuroscan-backend/internal/core"
	"neuroscan-backend/internal/database"
	"neuroscan-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultMaxUploadBytes = 32 << 20

type BackendService struct {
	engine         *core.Engine
	db             *gorm.DB
	metrics        *Metrics
	maxUploadBytes int64
}

func NewBackendService(engine *core.Engine, db *gorm.DB, metrics *Metrics, maxUploadBytes int64) *BackendService {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &BackendService{engine: engine, db: db, metrics: metrics, maxUploadBytes: maxUploadBytes}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/labels", RestHandler(s.GetLabels))
	r.Post("/predict", RestHandler(s.Predict))
	r.Post("/explain", RestHandler(s.Explain))
	r.Get("/history", RestHandler(s.GetHistory))
}

func (s *BackendService) GetLabels(r *http.Request) (any, error) {
	return api.LabelsResponse{
		Labels:      s.engine.Labels(),
		TargetLayer: s.engine.TargetLayer(),
		ModelLoaded: s.engine.ModelLoaded(),
	}, nil
}

// analysisError maps pipeline errors onto status codes.
func (s *BackendService) analysisError(err error) error {
	var inputErr *core.InputError
	var loadErr *core.ModelLoadError
	switch {
	case errors.As(err, &inputErr):
		s.metrics.failures.WithLabelValues("input").Inc()
		return CodedError(http.StatusBadRequest, err)
	case errors.As(err, &loadErr):
		s.metrics.failures.WithLabelValues("model_load").Inc()
		return CodedError(http.StatusServiceUnavailable, err)
	default:
		s.metrics.failures.WithLabelValues("internal").Inc()
		return CodedError(http.StatusInternalServerError, err)
	}
}

// record appends to the session history. Failures are only logged and the
// returned id is uuid.Nil.
func (s *BackendService) record(r *http.Request, filename string, pred core.Prediction, explained bool) uuid.UUID {
	rec, err := database.AppendHistory(r.Context(), s.db, database.NewHistoryRecord{
		Filename:      filename,
		Label:         pred.Label,
		Confidence:    pred.Confidence,
		Tier:          string(core.TierFor(pred.Confidence)),
		Probabilities: pred.Probabilities,
		Explained:     explained,
	})
	if err != nil {
		slog.Error("error recording prediction in history", "filename", filename, "error", err)
		return uuid.Nil
	}
	return rec.Id
}

func (s *BackendService) Predict(r *http.Request) (any, error) {
	upload, err := ParseImageUpload(r, s.maxUploadBytes)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pred, err := s.engine.Predict(r.Context(), upload.Data)
	if err != nil {
		return nil, s.analysisError(err)
	}
	s.metrics.observe("predict", start)
	s.metrics.predictions.WithLabelValues(pred.Label).Inc()

	id := s.record(r, upload.Filename, pred, false)

	slog.Info("prediction complete", "filename", upload.Filename, "label", pred.Label, "confidence", pred.Confidence)
	return convertPrediction(id, pred), nil
}

func (s *BackendService) Explain(r *http.Request) (any, error) {
	upload, err := ParseImageUpload(r, s.maxUploadBytes)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	analysis, err := s.engine.Analyze(r.Context(), upload.Data)
	if err != nil {
		return nil, s.analysisError(err)
	}
	s.metrics.observe("analyze", start)
	s.metrics.predictions.WithLabelValues(analysis.Prediction.Label).Inc()

	res := api.ExplainResponse{}

	if analysis.ExplainErr != nil {
		s.metrics.explanations.WithLabelValues("unavailable").Inc()
		res.ExplanationError = analysis.ExplainErr.Error()
	} else {
		start = time.Now()
		var buf bytes.Buffer
		if err := png.Encode(&buf, analysis.Overlay); err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "error encoding overlay: %v", err)
		}
		s.metrics.observe("encode", start)
		s.metrics.explanations.WithLabelValues("ok").Inc()

		res.Overlay = base64.StdEncoding.EncodeToString(buf.Bytes())
		res.Map = &api.ImportanceMap{
			Layer:  analysis.Map.Layer,
			Width:  analysis.Map.Width,
			Height: analysis.Map.Height,
		}
	}

	id := s.record(r, upload.Filename, analysis.Prediction, analysis.ExplainErr == nil)
	res.Prediction = convertPrediction(id, analysis.Prediction)

	return res, nil
}

func (s *BackendService) GetHistory(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.HistoryParams](r)
	if err != nil {
		return nil, err
	}

	if params.Limit < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "limit must be non-negative")
	}
	if params.Label != "" && s.engine.Labels().Index(params.Label) < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "unknown label '%s'", params.Label)
	}

	ctx := r.Context()

	records, err := database.ListHistory(ctx, s.db, params.Limit, params.Label)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving history")
	}

	total, err := database.CountHistory(ctx, s.db)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving history")
	}

	converted, err := convertHistoryRecords(records)
	if err != nil {
		slog.Error("error converting history records", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving history")
	}

	return api.HistoryResponse{Total: total, Records: converted}, nil
}
