package arlib

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// HessianExpectedLogDynamics returns the block tridiagonal Hessian of
// the responsibility-weighted log dynamics density with respect to the
// observations: T diagonal NDim x NDim blocks and T-1 lower
// off-diagonal blocks, where lower[t] couples observation t+1 to
// observation t. Only single-lag models are supported. The Student's t
// forms contribute the Gaussian curvature of their scale matrix.
func (m *ARModel) HessianExpectedLogDynamics(ez, data, input *mat.Dense, mask Mask) (diag, lower []*mat.Dense, err error) {
	if m.NLags != 1 {
		return nil, nil, &UnsupportedOperationError{Op: "HessianExpectedLogDynamics", Form: m.Form,
			Reason: fmt.Sprintf("lag order %d exceeds 1", m.NLags)}
	}
	T, err := m.checkSequence(data, input)
	if err != nil {
		return nil, nil, err
	}
	if err := mask.verify(T, m.NDim); err != nil {
		return nil, nil, err
	}
	if !mask.complete() {
		return nil, nil, ErrMissingData
	}
	if er, ec := ez.Dims(); er != T || ec != m.NState {
		return nil, nil, fmt.Errorf("arlib: responsibilities are %dx%d, want %dx%d", er, ec, T, m.NState)
	}

	K, D := m.NState, m.NDim
	invSigmas, err := invertCovs(m.Sigmas())
	if err != nil {
		return nil, nil, err
	}
	invSigmasInit, err := invertCovs(m.SigmasInit())
	if err != nil {
		return nil, nil, err
	}

	// A' Sigma^-1 A and Sigma^-1 A per state, with the dense lag
	// matrices so the independent form shares the path.
	as := m.As()
	dyn := make([]*mat.Dense, K)
	cross := make([]*mat.Dense, K)
	for k := 0; k < K; k++ {
		sa := mat.NewDense(D, D, nil)
		sa.Mul(invSigmas[k], as[k])
		cross[k] = sa
		q := mat.NewDense(D, D, nil)
		q.Mul(as[k].T(), sa)
		dyn[k] = q
	}

	diag = make([]*mat.Dense, T)
	for t := range diag {
		diag[t] = mat.NewDense(D, D, nil)
	}
	lower = make([]*mat.Dense, T-1)
	for t := range lower {
		lower[t] = mat.NewDense(D, D, nil)
	}

	// The initial condition curves only the first block.
	for k := 0; k < K; k++ {
		addScaledDense(diag[0], -ez.At(0, k), invSigmasInit[k])
	}

	// Transition dynamics curve every block but the last, the noise
	// precision every block but the first, and the off-diagonal blocks
	// couple consecutive observations.
	for t := 0; t < T-1; t++ {
		for k := 0; k < K; k++ {
			w := ez.At(t+1, k)
			if w == 0 {
				continue
			}
			addScaledDense(diag[t], -w, dyn[k])
			addScaledDense(diag[t+1], -w, invSigmas[k])
			addScaledDense(lower[t], w, cross[k])
		}
	}
	return diag, lower, nil
}

func invertCovs(sigmas []*mat.SymDense) ([]*mat.SymDense, error) {
	out := make([]*mat.SymDense, len(sigmas))
	for k, s := range sigmas {
		var chol mat.Cholesky
		if !chol.Factorize(s) {
			return nil, fmt.Errorf("arlib: state %d covariance is not positive definite", k)
		}
		inv := mat.NewSymDense(s.SymmetricDim(), nil)
		if err := chol.InverseTo(inv); err != nil {
			return nil, fmt.Errorf("arlib: state %d covariance inverse: %w", k, err)
		}
		out[k] = inv
	}
	return out, nil
}

func addScaledDense(dst *mat.Dense, w float64, src mat.Matrix) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)+w*src.At(i, j))
		}
	}
}
