package sp

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// Moisture forcing policies for the LES instances. The default relaxes the
// slab-mean total water toward the GCM column; the variance policy
// additionally rescales the in-slab humidity fluctuations so the LES
// condensate matches the GCM cloud liquid water.
const (
	QtForcingSP       = "sp"
	QtForcingVariance = "variance"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// expectedQl is the slab-mean condensate of one level whose total water is
// normally distributed around mean, with its deviation scaled by beta:
// E[max(beta*(qt-mean)+mean - qsat, 0)].
func expectedQl(beta, mean, std, qsat float64) float64 {
	sig := beta * std
	if sig <= 0 {
		return math.Max(mean-qsat, 0)
	}
	z := (qsat - mean) / sig
	return sig*stdNormal.Prob(z) + (mean-qsat)*(1-stdNormal.CDF(z))
}

// VarianceNudgeFactors computes the per-level humidity variability factors
// alpha = ln(beta)/dt, where beta rescales each level's total-water
// fluctuations so its expected condensate matches the GCM reference profile
// qlRef. Levels whose condensate cannot be matched inside the search
// interval are left unnudged (alpha 0), as are levels already at the
// reference.
func VarianceNudgeFactors(qtMean, qtStd, qsat, qlRef []float64, dt float64) []float64 {
	const (
		betaMin       = 0.0
		betaMax       = 2000.0
		qlSignificant = 1e-9
	)
	alpha := make([]float64, len(qtMean))
	for k := range qtMean {
		target := qlRef[k]
		current := expectedQl(1, qtMean[k], qtStd[k], qsat[k])
		if target <= qlSignificant && current <= qlSignificant {
			continue // no clouds on either side
		}
		f := func(beta float64) float64 {
			return expectedQl(beta, qtMean[k], qtStd[k], qsat[k]) - target
		}
		// expectedQl grows monotonically with beta, so a sign change
		// over the interval guarantees a single root
		if f(betaMin) > 0 || f(betaMax) < 0 {
			// happens in the sponge layer, where variability is
			// deliberately kept small
			logrus.Debugf("variability nudge: level %d does not bracket a zero (qt=%g, std=%g, ql_ref=%g)",
				k, qtMean[k], qtStd[k], target)
			continue
		}
		beta := bisect(f, betaMin, betaMax)
		if beta < 1e-12 {
			continue
		}
		alpha[k] = math.Log(beta) / dt
	}
	return alpha
}

// bisect finds the root of a monotonically increasing f on [lo, hi].
func bisect(f func(float64) float64, lo, hi float64) float64 {
	for i := 0; i < 80; i++ {
		mid := 0.5 * (lo + hi)
		if f(mid) > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return 0.5 * (lo + hi)
}
