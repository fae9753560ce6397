package reglib

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// Bounds for the Student's t degrees of freedom update.
const (
	nuMin = 1e-3
	nuMax = 20.0
)

// GeneralizedNewtonNu maximizes the expected complete-data likelihood
// of a Student's t degrees-of-freedom parameter given the posterior
// moments E[tau] and E[log tau] of the latent precision scales. The
// objective is locally modeled as a + b*log(nu) + c*nu and the model's
// maximizer is iterated, clamping nu to [1e-3, 20].
func GeneralizedNewtonNu(eTau, eLogTau float64) float64 {
	nu := 4.0
	dnu := math.Inf(1)
	for itr := 0; itr < 100; itr++ {
		if math.Abs(dnu) < 1e-8 {
			break
		}
		if nu < nuMin || nu > nuMax {
			break
		}
		df := 0.5*(1+math.Log(nu/2)) - 0.5*mathext.Digamma(nu/2) + 0.5*eLogTau - 0.5*eTau
		ddf := 1/(2*nu) - 0.25*Trigamma(nu/2)
		a := -nu * nu * ddf
		b := df - a/nu
		if a <= 0 || b >= 0 {
			// The local model is invalid here; stop at the current value.
			break
		}
		dnu = -a/b - nu
		nu += dnu
	}
	return math.Min(math.Max(nu, nuMin), nuMax)
}

// Trigamma returns the derivative of the digamma function. The
// argument is raised by the recurrence relation until the asymptotic
// expansion applies.
func Trigamma(x float64) float64 {
	if x <= 0 {
		return math.NaN()
	}
	var acc float64
	for x < 6 {
		acc += 1 / (x * x)
		x++
	}
	inv := 1 / x
	inv2 := inv * inv
	return acc + inv*(1+0.5*inv+inv2*(1.0/6-inv2*(1.0/30-inv2*(1.0/42-inv2/30))))
}
