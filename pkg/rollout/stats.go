package rollout

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultAlpha is the significance level used when none is configured.
const DefaultAlpha = 0.05

// RouteStats summarizes the CRL outcomes observed on one route.
type RouteStats struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Summarize computes the mean and sample standard deviation of losses.
func Summarize(losses []float64) RouteStats {
	s := RouteStats{N: len(losses)}
	switch len(losses) {
	case 0:
	case 1:
		s.Mean = losses[0]
	default:
		s.Mean, s.Std = stat.MeanStdDev(losses, nil)
	}
	return s
}

// Significance is the outcome of a two-sample test.
type Significance struct {
	T           float64 `json:"t"`
	DF          float64 `json:"df"`
	PValue      float64 `json:"p_value"`
	Alpha       float64 `json:"alpha"`
	Significant bool    `json:"significant"`
}

// WelchTest runs a two-sided Welch t-test on the difference of the two means.
// Either side with fewer than two observations is never significant.
func WelchTest(a, b RouteStats, alpha float64) Significance {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	sig := Significance{PValue: 1, Alpha: alpha}
	if a.N < 2 || b.N < 2 {
		return sig
	}

	va := a.Std * a.Std / float64(a.N)
	vb := b.Std * b.Std / float64(b.N)
	se2 := va + vb
	diff := a.Mean - b.Mean
	if se2 == 0 {
		if diff != 0 {
			sig.T = math.Copysign(math.Inf(1), diff)
			sig.PValue = 0
			sig.Significant = true
		}
		return sig
	}

	sig.T = diff / math.Sqrt(se2)
	sig.DF = se2 * se2 / (va*va/float64(a.N-1) + vb*vb/float64(b.N-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: sig.DF}
	sig.PValue = 2 * (1 - dist.CDF(math.Abs(sig.T)))
	sig.Significant = sig.PValue < alpha
	return sig
}

// Recommendation is the controller's verdict on a canary.
type Recommendation string

// Recommendations.
const (
	RecommendContinue Recommendation = "continue"
	RecommendPromote  Recommendation = "promote"
	RecommendRollback Recommendation = "rollback"
)

// SafetyThresholds bound what a candidate may do before it is rolled back.
type SafetyThresholds struct {
	MaxCRLIncrease float64 `json:"max_crl_increase" validate:"gte=0"`
	MinSampleSize  int     `json:"min_sample_size" validate:"gte=0"` // Minimum candidate observations
}

// Check returns the violated thresholds for a candidate sample and CRL delta.
func (t SafetyThresholds) Check(candidate RouteStats, delta float64) []string {
	var violations []string
	if delta > t.MaxCRLIncrease {
		violations = append(violations, "max_crl_increase")
	}
	if candidate.N < t.MinSampleSize {
		violations = append(violations, "min_sample_size")
	}
	return violations
}

// Recommend applies the canary decision rules, in order:
//
//	sample size below minJobs                       continue
//	improvement, significant, thresholds satisfied  promote
//	regression or a threshold violated              rollback
//	otherwise                                       continue
func Recommend(sampleSize, minJobs int, delta float64, sig Significance, violations []string) Recommendation {
	switch {
	case sampleSize < minJobs:
		return RecommendContinue
	case delta < 0 && sig.Significant && len(violations) == 0:
		return RecommendPromote
	case delta > 0 || len(violations) > 0:
		return RecommendRollback
	default:
		return RecommendContinue
	}
}
