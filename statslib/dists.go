// Package statslib provides batched log-density evaluators for the
// observation families used by the autoregressive models: multivariate
// and diagonal Gaussians, and their heavy-tailed Student's t analogs.
// Each evaluator shares one covariance across all rows of a sequence.
package statslib

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNotPosDef is returned when a covariance matrix cannot be factored.
var ErrNotPosDef = errors.New("statslib: covariance not positive definite")

const logTwoPi = 1.8378770664093453

// checkPaired panics unless xs and mus are both r x c.
func checkPaired(xs, mus *mat.Dense) (int, int) {
	r, c := xs.Dims()
	rm, cm := mus.Dims()
	if r != rm || c != cm {
		panic(fmt.Sprintf("statslib: mismatched shapes %dx%d and %dx%d", r, c, rm, cm))
	}
	return r, c
}

// MultivariateNormalLogPDF returns log N(xs[t]; mus[t], sigma) for each
// row t. The distribution is built once with zero mean and evaluated on
// residuals, so a single factorization serves every row.
func MultivariateNormalLogPDF(xs, mus *mat.Dense, sigma *mat.SymDense) ([]float64, error) {
	r, c := checkPaired(xs, mus)
	if n := sigma.SymmetricDim(); n != c {
		panic(fmt.Sprintf("statslib: covariance is %dx%d, want %dx%d", n, n, c, c))
	}

	dist, ok := distmv.NewNormal(make([]float64, c), sigma, nil)
	if !ok {
		return nil, ErrNotPosDef
	}

	ll := make([]float64, r)
	resid := make([]float64, c)
	for t := 0; t < r; t++ {
		floats.SubTo(resid, xs.RawRowView(t), mus.RawRowView(t))
		ll[t] = dist.LogProb(resid)
	}
	return ll, nil
}

// MultivariateStudentsTLogPDF returns the log density of a multivariate
// Student's t with shape matrix sigma and nu degrees of freedom,
// evaluated at each paired row of xs and mus.
func MultivariateStudentsTLogPDF(xs, mus *mat.Dense, sigma *mat.SymDense, nu float64) ([]float64, error) {
	r, c := checkPaired(xs, mus)
	if n := sigma.SymmetricDim(); n != c {
		panic(fmt.Sprintf("statslib: covariance is %dx%d, want %dx%d", n, n, c, c))
	}
	if nu <= 0 {
		return nil, fmt.Errorf("statslib: degrees of freedom %v not positive", nu)
	}

	dist, ok := distmv.NewStudentsT(make([]float64, c), sigma, nu, nil)
	if !ok {
		return nil, ErrNotPosDef
	}

	ll := make([]float64, r)
	resid := make([]float64, c)
	for t := 0; t < r; t++ {
		floats.SubTo(resid, xs.RawRowView(t), mus.RawRowView(t))
		ll[t] = dist.LogProb(resid)
	}
	return ll, nil
}

// DiagonalNormalLogPDF returns the log density of a Gaussian with
// diagonal covariance sigmasq, evaluated at each paired row.
func DiagonalNormalLogPDF(xs, mus *mat.Dense, sigmasq []float64) ([]float64, error) {
	r, c := checkPaired(xs, mus)
	if len(sigmasq) != c {
		panic(fmt.Sprintf("statslib: %d variances for dimension %d", len(sigmasq), c))
	}

	// Per-dimension normalizers are shared by every row.
	norm := make([]float64, c)
	for d, s := range sigmasq {
		if s <= 0 {
			return nil, fmt.Errorf("statslib: variance %v in dimension %d not positive", s, d)
		}
		norm[d] = -0.5 * (logTwoPi + math.Log(s))
	}

	ll := make([]float64, r)
	for t := 0; t < r; t++ {
		x := xs.RawRowView(t)
		mu := mus.RawRowView(t)
		var v float64
		for d := 0; d < c; d++ {
			e := x[d] - mu[d]
			v += norm[d] - 0.5*e*e/sigmasq[d]
		}
		ll[t] = v
	}
	return ll, nil
}

// IndependentStudentsTLogPDF returns the summed log density of
// independent scalar Student's t coordinates, with per-dimension
// variances sigmasq and degrees of freedom nus.
func IndependentStudentsTLogPDF(xs, mus *mat.Dense, sigmasq, nus []float64) ([]float64, error) {
	r, c := checkPaired(xs, mus)
	if len(sigmasq) != c || len(nus) != c {
		panic(fmt.Sprintf("statslib: %d variances and %d dofs for dimension %d", len(sigmasq), len(nus), c))
	}

	dists := make([]distuv.StudentsT, c)
	for d := 0; d < c; d++ {
		if sigmasq[d] <= 0 {
			return nil, fmt.Errorf("statslib: variance %v in dimension %d not positive", sigmasq[d], d)
		}
		if nus[d] <= 0 {
			return nil, fmt.Errorf("statslib: degrees of freedom %v in dimension %d not positive", nus[d], d)
		}
		dists[d] = distuv.StudentsT{Mu: 0, Sigma: math.Sqrt(sigmasq[d]), Nu: nus[d]}
	}

	ll := make([]float64, r)
	for t := 0; t < r; t++ {
		x := xs.RawRowView(t)
		mu := mus.RawRowView(t)
		var v float64
		for d := 0; d < c; d++ {
			v += dists[d].LogProb(x[d] - mu[d])
		}
		ll[t] = v
	}
	return ll, nil
}

// SquaredMahalanobis returns (xs[t]-mus[t])' sigma^-1 (xs[t]-mus[t])
// for each row t.
func SquaredMahalanobis(xs, mus *mat.Dense, sigma *mat.SymDense) ([]float64, error) {
	r, c := checkPaired(xs, mus)
	if n := sigma.SymmetricDim(); n != c {
		panic(fmt.Sprintf("statslib: covariance is %dx%d, want %dx%d", n, n, c, c))
	}

	var chol mat.Cholesky
	if !chol.Factorize(sigma) {
		return nil, ErrNotPosDef
	}

	out := make([]float64, r)
	for t := 0; t < r; t++ {
		d := stat.Mahalanobis(xs.RowView(t), mus.RowView(t), &chol)
		out[t] = d * d
	}
	return out, nil
}
