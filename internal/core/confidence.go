package core

type ConfidenceTier string

const (
	HighConfidence     ConfidenceTier = "High"
	ModerateConfidence ConfidenceTier = "Moderate"
	LowConfidence      ConfidenceTier = "Low"
)

const (
	highThreshold     = 0.80
	moderateThreshold = 0.60
)

func TierFor(confidence float64) ConfidenceTier {
	switch {
	case confidence >= highThreshold:
		return HighConfidence
	case confidence >= moderateThreshold:
		return ModerateConfidence
	default:
		return LowConfidence
	}
}

// Message is the clinical reading of a tier shown next to a prediction.
func (t ConfidenceTier) Message() string {
	switch t {
	case HighConfidence:
		return "HIGH confidence - suitable for automated screening."
	case ModerateConfidence:
		return "MODERATE confidence - expert review required."
	case LowConfidence:
		return "LOW confidence - do not rely on AI alone."
	default:
		return "Unknown confidence level"
	}
}
