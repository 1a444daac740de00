package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIdentities(t *testing.T) {
	for _, x := range []float64{0.01, 1, 2.5, 10, 1234.5} {
		assert.InDelta(t, x/1000, Normalize(x, "CPM", 0.2, 0.1), 1e-12)
		assert.InDelta(t, x*0.02, Normalize(x, "CPC", 0.02, 0.1), 1e-12)
		assert.InDelta(t, x*0.02*0.05, Normalize(x, "CPA", 0.02, 0.05), 1e-12)
		assert.Equal(t, Normalize(x, "CPM", 0.02, 0.05), Normalize(x, "dCPM", 0.02, 0.05))
	}
}

func TestNormalizeCaseInsensitive(t *testing.T) {
	assert.Equal(t, Normalize(10, "CPC", 0.02, 0), Normalize(10, "cpc", 0.02, 0))
	assert.Equal(t, Normalize(10, "CPA", 0.02, 0.1), Normalize(10, " Cpa ", 0.02, 0.1))
}

func TestNormalizeFloorsRates(t *testing.T) {
	assert.InDelta(t, 10*0.001, Normalize(10, "CPC", 0, 0), 1e-12)
	assert.InDelta(t, 10*0.001*0.001, Normalize(10, "CPA", -1, 0), 1e-12)
}

func TestNormalizeOrdering(t *testing.T) {
	for _, ctr := range []float64{0.001, 0.02, 0.3, 0.99} {
		for _, cvr := range []float64{0.001, 0.05, 0.5, 0.99} {
			amount := 10.0
			cpa := Normalize(amount, "CPA", ctr, cvr)
			cpc := Normalize(amount, "CPC", ctr, cvr)
			assert.LessOrEqual(t, cpa, cpc)
			assert.LessOrEqual(t, cpc, amount)
		}
	}
}

func TestScenarioCPCValue(t *testing.T) {
	assert.InDelta(t, 0.2, Normalize(10, "CPC", 0.02, 0), 1e-12)
}

func TestBlend(t *testing.T) {
	assert.InDelta(t, 0.15, Blend(0.2, 0.1, 0.5), 1e-12)
	assert.InDelta(t, 0.2, Blend(0.2, 0.1, 1.5), 1e-12)
	assert.InDelta(t, 0.1, Blend(0.2, 0.1, -1), 1e-12)
}

func TestKnownUnit(t *testing.T) {
	assert.True(t, KnownUnit("cpm"))
	assert.False(t, KnownUnit("vcpm"))
}

func TestAuditTrail(t *testing.T) {
	var trail AuditTrail
	trail.AddStep(StageNormalize, 0.2)
	trail.AddStepWithDetails(StageQuality, 0.22, map[string]string{"strategy": "rules"})
	last, ok := trail.Last()
	assert.True(t, ok)
	assert.Equal(t, StageQuality, last.Stage)
	assert.Len(t, trail.Steps, 2)

	var nilTrail *AuditTrail
	nilTrail.AddStep(StageFinal, 1)
	_, ok = nilTrail.Last()
	assert.False(t, ok)
}

func TestResolveDeviceFromUA(t *testing.T) {
	iphone := "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/604.1"
	assert.Equal(t, 2, ResolveDeviceFromUA(iphone).DeviceType)
	desktop := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/100.0.4896.75 Safari/537.36"
	assert.Equal(t, 1, ResolveDeviceFromUA(desktop).DeviceType)
	assert.Equal(t, 0, ResolveDeviceFromUA("").DeviceType)
}
