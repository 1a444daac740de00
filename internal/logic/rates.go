package logic

import "math"

// Sanity bounds applied to every smoothed rate handed to the pipeline.
const (
	MinCTR = 0.001
	MaxCTR = 0.5
	MinCVR = 0.001
	MaxCVR = 0.3
)

// BetaPrior holds the pseudo-counts of a beta prior.
type BetaPrior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// Default priors: CTR centred on ~9%, CVR on ~5%.
var (
	DefaultCTRPrior = BetaPrior{Alpha: 1, Beta: 10}
	DefaultCVRPrior = BetaPrior{Alpha: 1, Beta: 20}
)

// sanitized replaces non-positive pseudo-counts with 1 so the posterior
// mean stays strictly inside (0,1).
func (p BetaPrior) sanitized() BetaPrior {
	if !(p.Alpha > 0) {
		p.Alpha = 1
	}
	if !(p.Beta > 0) {
		p.Beta = 1
	}
	return p
}

// Mean returns alpha/(alpha+beta).
func (p BetaPrior) Mean() float64 {
	p = p.sanitized()
	return p.Alpha / (p.Alpha + p.Beta)
}

// RateEstimate is a smoothed CTR/CVR pair.
type RateEstimate struct {
	CTR float64 `json:"ctr"`
	CVR float64 `json:"cvr"`
}

// Smooth returns the beta-binomial posterior mean
// (successes+alpha)/(trials+alpha+beta). Negative trials count as zero and
// successes are clamped to [0, trials]; with no trials the prior mean is returned.
func Smooth(successes, trials int64, prior BetaPrior) float64 {
	prior = prior.sanitized()
	if trials <= 0 {
		return prior.Mean()
	}
	s := clampInt(successes, 0, trials)
	return (float64(s) + prior.Alpha) / (float64(trials) + prior.Alpha + prior.Beta)
}

// SmoothRates smooths CTR over impressions and CVR over clicks, then clamps
// both into the sanity bounds. With no clicks CVR is the prior mean since a
// conversion is conditioned on a click.
func SmoothRates(clicks, impressions, conversions int64, ctrPrior, cvrPrior BetaPrior) RateEstimate {
	ctr := Smooth(clicks, impressions, ctrPrior)
	var cvr float64
	if clicks <= 0 {
		cvr = cvrPrior.Mean()
	} else {
		cvr = Smooth(conversions, clicks, cvrPrior)
	}
	return RateEstimate{CTR: ctr, CVR: cvr}.Bounded()
}

// Bounded returns the estimate clamped into the sanity bounds. Estimates read
// back from a cache go through here as well as freshly smoothed ones.
func (e RateEstimate) Bounded() RateEstimate {
	return RateEstimate{
		CTR: clampFloat(e.CTR, MinCTR, MaxCTR),
		CVR: clampFloat(e.CVR, MinCVR, MaxCVR),
	}
}

// RateInterval returns an approximate credible interval around the smoothed
// rate using a normal approximation of the beta posterior. z is the standard
// score of the desired confidence (1.96 for 95%).
func RateInterval(successes, trials int64, prior BetaPrior, z float64) (lo, hi float64) {
	prior = prior.sanitized()
	if trials < 0 {
		trials = 0
	}
	s := clampInt(successes, 0, trials)
	a := prior.Alpha + float64(s)
	b := prior.Beta + float64(trials-s)
	mean := a / (a + b)
	sd := math.Sqrt(a * b / ((a + b) * (a + b) * (a + b + 1)))
	z = math.Abs(z)
	return clampFloat(mean-z*sd, 0, 1), clampFloat(mean+z*sd, 0, 1)
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// Clamp bounds v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 { return clampFloat(v, lo, hi) }
