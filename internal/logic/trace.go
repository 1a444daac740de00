package logic

import (
	"strconv"

	"github.com/patrickwarner/openbid/internal/models"
)

// Pipeline stage names used in audit trails, metrics and spans.
const (
	StageStrategy  = "strategy"
	StageRates     = "rates"
	StageNormalize = "normalize"
	StagePredict   = "predict"
	StageBlend     = "blend"
	StageQuality   = "quality"
	StagePortfolio = "portfolio"
	StageFinal     = "final"
)

// AuditTrail captures the ordered values produced while valuing one bid.
type AuditTrail struct {
	Steps []models.AuditStep `json:"steps"`
}

// AddStep appends the value a stage produced.
func (t *AuditTrail) AddStep(stage string, value float64) {
	if t == nil {
		return
	}
	t.Steps = append(t.Steps, models.AuditStep{Stage: stage, Value: value})
}

// AddStepWithDetails appends a stage value with extra key/value context.
func (t *AuditTrail) AddStepWithDetails(stage string, value float64, details map[string]string) {
	if t == nil {
		return
	}
	t.Steps = append(t.Steps, models.AuditStep{Stage: stage, Value: value, Details: details})
}

// Last returns the most recent step, if any.
func (t *AuditTrail) Last() (models.AuditStep, bool) {
	if t == nil || len(t.Steps) == 0 {
		return models.AuditStep{}, false
	}
	return t.Steps[len(t.Steps)-1], true
}

// FormatFloat renders a value for audit details.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
