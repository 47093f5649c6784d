// Package metastats implements inverse-variance meta-analytic pooling with
// DerSimonian-Laird between-study variance estimation. All functions are pure;
// callers are responsible for filtering out studies with non-positive
// variance before pooling.
package metastats

import (
	"errors"
	"math"

	"github.com/scivet/revaudit/internal/models"
)

// z95 is the two-sided 95% normal quantile used for confidence intervals.
const z95 = 1.96

// Effect is one study's contribution to a pooled outcome.
type Effect struct {
	StudyID string
	Effect  float64
	Var     float64
}

// Pooled is the outcome-level pooling result. Q, I2 and Tau2 are nil when
// k == 1, where heterogeneity is undefined.
type Pooled struct {
	K      int
	Model  models.PoolingModel
	Effect float64
	SE     float64
	CILow  float64
	CIHigh float64
	Q      *float64
	I2     *float64
	Tau2   *float64
}

var (
	// ErrNoStudies indicates pooling was requested with zero usable effects.
	ErrNoStudies = errors.New("no studies to pool")
	// ErrBadVariance indicates an effect with variance <= 0 reached the
	// pooling core; such studies must be excluded by the caller.
	ErrBadVariance = errors.New("non-positive variance")
)

// ChooseModel implements the default model-selection rule: random effects
// whenever two or more studies contribute, fixed effect for a single study.
func ChooseModel(k int) models.PoolingModel {
	if k >= 2 {
		return models.ModelRandom
	}
	return models.ModelFixed
}

// Pool computes the pooled effect for the given studies under the requested
// model. With k == 1 the model degrades to fixed regardless of the request
// and se is exactly sqrt(var).
func Pool(effects []Effect, model models.PoolingModel) (Pooled, error) {
	k := len(effects)
	if k == 0 {
		return Pooled{}, ErrNoStudies
	}
	for _, e := range effects {
		if e.Var <= 0 {
			return Pooled{}, ErrBadVariance
		}
	}

	if k == 1 {
		se := math.Sqrt(effects[0].Var)
		return withCI(Pooled{
			K:      1,
			Model:  models.ModelFixed,
			Effect: effects[0].Effect,
			SE:     se,
		}), nil
	}

	// Fixed-effect (inverse variance) estimate; also the anchor for Q.
	var sumW, sumWY, sumW2 float64
	for _, e := range effects {
		w := 1.0 / e.Var
		sumW += w
		sumWY += w * e.Effect
		sumW2 += w * w
	}
	fixed := sumWY / sumW
	fixedSE := math.Sqrt(1.0 / sumW)

	// Cochran's Q against the fixed-effect estimate.
	var q float64
	for _, e := range effects {
		d := e.Effect - fixed
		q += (1.0 / e.Var) * d * d
	}
	df := float64(k - 1)

	i2 := 0.0
	if q > 0 {
		i2 = math.Max(0, (q-df)/q*100.0)
	}

	// DerSimonian-Laird tau^2, clamped at zero.
	tau2 := 0.0
	if c := sumW - sumW2/sumW; c > 0 {
		tau2 = math.Max(0, (q-df)/c)
	}

	p := Pooled{K: k, Model: model, Q: &q, I2: &i2, Tau2: &tau2}
	switch model {
	case models.ModelRandom:
		var sumWStar, sumWStarY float64
		for _, e := range effects {
			w := 1.0 / (e.Var + tau2)
			sumWStar += w
			sumWStarY += w * e.Effect
		}
		p.Effect = sumWStarY / sumWStar
		p.SE = math.Sqrt(1.0 / sumWStar)
	default:
		p.Model = models.ModelFixed
		p.Effect = fixed
		p.SE = fixedSE
	}
	return withCI(p), nil
}

func withCI(p Pooled) Pooled {
	p.CILow = p.Effect - z95*p.SE
	p.CIHigh = p.Effect + z95*p.SE
	return p
}

// Result converts a Pooled into the wire-level MetaResult for one outcome.
func (p Pooled) Result(outcome string, metric models.EffectMetric) models.MetaResult {
	return models.MetaResult{
		Outcome: outcome,
		K:       p.K,
		Model:   p.Model,
		Metric:  metric,
		Pooled:  p.Effect,
		SE:      p.SE,
		CILow:   p.CILow,
		CIHigh:  p.CIHigh,
		Q:       p.Q,
		I2:      p.I2,
		Tau2:    p.Tau2,
	}
}
