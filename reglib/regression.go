// Package reglib provides the estimation utilities behind the
// autoregressive observation models: weighted linear regression for
// warm starts, a generalized Newton solver for Student's t degrees of
// freedom, and small helpers for parameter initialization.
package reglib

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNoData is returned when a regression is requested with no
// effective observations.
var ErrNoData = errors.New("reglib: no observations with positive weight")

// FitLinearRegression fits y ~ coef * x + intercept by weighted least
// squares with a small ridge penalty, returning the coefficient matrix
// (outputs by features), the intercept, and the weighted residual
// covariance. A nil weights slice means equal weights.
func FitLinearRegression(x, y *mat.Dense, weights []float64, ridge float64) (*mat.Dense, []float64, *mat.SymDense, error) {
	n, f := x.Dims()
	ny, d := y.Dims()
	if n != ny {
		panic(fmt.Sprintf("reglib: %d feature rows and %d target rows", n, ny))
	}
	if weights != nil && len(weights) != n {
		panic(fmt.Sprintf("reglib: %d weights for %d rows", len(weights), n))
	}

	var sumw float64
	if weights == nil {
		sumw = float64(n)
	} else {
		for _, w := range weights {
			sumw += w
		}
	}
	if sumw <= 0 {
		return nil, nil, nil, ErrNoData
	}

	// Augment with a constant column so the intercept is solved jointly.
	p := f + 1
	xa := mat.NewDense(n, p, nil)
	xa.Slice(0, n, 0, f).(*mat.Dense).Copy(x)
	for t := 0; t < n; t++ {
		xa.Set(t, f, 1)
	}

	wxa := mat.NewDense(n, p, nil)
	wxa.Copy(xa)
	if weights != nil {
		for t := 0; t < n; t++ {
			row := wxa.RawRowView(t)
			for j := range row {
				row[j] *= weights[t]
			}
		}
	}

	jm := mat.NewDense(p, p, nil)
	jm.Mul(wxa.T(), xa)
	for j := 0; j < p; j++ {
		jm.Set(j, j, jm.At(j, j)+ridge)
	}
	hm := mat.NewDense(p, d, nil)
	hm.Mul(wxa.T(), y)

	coefAug, _, err := SolveNormalEquations(jm, hm)
	if err != nil {
		return nil, nil, nil, err
	}

	coef := mat.NewDense(d, f, nil)
	coef.Copy(coefAug.Slice(0, f, 0, d).T())
	intercept := make([]float64, d)
	mat.Row(intercept, f, coefAug)

	// Weighted residual covariance with a small diagonal floor.
	resid := mat.NewDense(n, d, nil)
	resid.Mul(xa, coefAug)
	resid.Sub(y, resid)
	sigma := mat.NewSymDense(d, nil)
	for t := 0; t < n; t++ {
		w := 1.0
		if weights != nil {
			w = weights[t]
		}
		r := resid.RawRowView(t)
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				sigma.SetSym(i, j, sigma.At(i, j)+w*r[i]*r[j])
			}
		}
	}
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			v := sigma.At(i, j) / sumw
			if i == j {
				v += 1e-8
			}
			sigma.SetSym(i, j, v)
		}
	}

	return coef, intercept, sigma, nil
}

// SolveNormalEquations solves the symmetric positive definite system
// jm * x = hm, preferring a Cholesky factorization and falling back to
// a pivoted dense solve when the factorization fails. The flag reports
// whether the Cholesky path produced the solution. Ill conditioning is
// tolerated on either path.
func SolveNormalEquations(jm, hm *mat.Dense) (*mat.Dense, bool, error) {
	p, pc := jm.Dims()
	if p != pc {
		panic(fmt.Sprintf("reglib: system matrix is %dx%d", p, pc))
	}
	_, d := hm.Dims()

	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			sym.SetSym(i, j, 0.5*(jm.At(i, j)+jm.At(j, i)))
		}
	}

	out := mat.NewDense(p, d, nil)
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		err := chol.SolveTo(out, hm)
		if err == nil {
			return out, true, nil
		}
		if _, ok := err.(mat.Condition); ok {
			return out, true, nil
		}
	}
	out = mat.NewDense(p, d, nil)
	if err := out.Solve(jm, hm); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, false, fmt.Errorf("reglib: normal equations singular: %w", err)
		}
	}
	return out, false, nil
}
