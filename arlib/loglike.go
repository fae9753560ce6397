package arlib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/TravelDriffter/ssm/statslib"
)

// sigmaSqRow returns state k's per-dimension variances.
func (m *ARModel) sigmaSqRow(k int, init bool) []float64 {
	src := m.logSigmaSq
	if init {
		src = m.logSigmaSqInit
	}
	out := make([]float64, m.NDim)
	for d := 0; d < m.NDim; d++ {
		out[d] = math.Exp(src.At(k, d))
	}
	return out
}

// nuRow returns state k's per-dimension degrees of freedom.
func (m *ARModel) nuRow(k int) []float64 {
	out := make([]float64, m.NDim)
	for d := 0; d < m.NDim; d++ {
		out[d] = math.Exp(m.logNusDim.At(k, d))
	}
	return out
}

// LogLikelihoods returns the T x NState matrix of per-step log
// densities under each state. The first NLags rows are scored against
// the initial condition, the remainder against the autoregressive
// law. The mask must flag every entry observed.
func (m *ARModel) LogLikelihoods(data, input *mat.Dense, mask Mask) (*mat.Dense, error) {
	T, err := m.checkSequence(data, input)
	if err != nil {
		return nil, err
	}
	if err := mask.verify(T, m.NDim); err != nil {
		return nil, err
	}
	if !mask.complete() {
		return nil, ErrMissingData
	}

	mus, err := m.ComputeMeans(data, input)
	if err != nil {
		return nil, err
	}

	L, D, K := m.NLags, m.NDim, m.NState
	var sigmas, sigmasInit []*mat.SymDense
	if m.fullCov() {
		sigmas = m.Sigmas()
		sigmasInit = m.SigmasInit()
	}

	ll := mat.NewDense(T, K, nil)
	dataInit := data.Slice(0, L, 0, D).(*mat.Dense)
	var dataAR *mat.Dense
	if T > L {
		dataAR = data.Slice(L, T, 0, D).(*mat.Dense)
	}

	for k := 0; k < K; k++ {
		muInit := mus[k].Slice(0, L, 0, D).(*mat.Dense)
		var muAR *mat.Dense
		if dataAR != nil {
			muAR = mus[k].Slice(L, T, 0, D).(*mat.Dense)
		}

		var llInit, llAR []float64
		switch m.Form {
		case GaussianFull:
			llInit, err = statslib.MultivariateNormalLogPDF(dataInit, muInit, sigmasInit[k])
			if err == nil && dataAR != nil {
				llAR, err = statslib.MultivariateNormalLogPDF(dataAR, muAR, sigmas[k])
			}
		case GaussianDiag, GaussianIndep:
			llInit, err = statslib.DiagonalNormalLogPDF(dataInit, muInit, m.sigmaSqRow(k, true))
			if err == nil && dataAR != nil {
				llAR, err = statslib.DiagonalNormalLogPDF(dataAR, muAR, m.sigmaSqRow(k, false))
			}
		case StudentsTFull:
			llInit, err = statslib.MultivariateNormalLogPDF(dataInit, muInit, sigmasInit[k])
			if err == nil && dataAR != nil {
				llAR, err = statslib.MultivariateStudentsTLogPDF(dataAR, muAR, sigmas[k], math.Exp(m.logNus[k]))
			}
		case StudentsTIndep:
			llInit, err = statslib.DiagonalNormalLogPDF(dataInit, muInit, m.sigmaSqRow(k, true))
			if err == nil && dataAR != nil {
				llAR, err = statslib.IndependentStudentsTLogPDF(dataAR, muAR, m.sigmaSqRow(k, false), m.nuRow(k))
			}
		}
		if err != nil {
			return nil, fmt.Errorf("arlib: state %d density: %w", k, err)
		}
		for t, v := range llInit {
			ll.Set(t, k, v)
		}
		for t, v := range llAR {
			ll.Set(L+t, k, v)
		}
	}
	return ll, nil
}

// checkLists validates a collection of sequences and returns its size.
func (m *ARModel) checkLists(expectations, datas, inputs []*mat.Dense, masks []Mask) (int, error) {
	n := len(datas)
	if n == 0 {
		return 0, fmt.Errorf("arlib: no sequences")
	}
	if len(expectations) != n {
		return 0, fmt.Errorf("arlib: %d responsibility matrices for %d sequences", len(expectations), n)
	}
	if inputs != nil && len(inputs) != n {
		return 0, fmt.Errorf("arlib: %d inputs for %d sequences", len(inputs), n)
	}
	if m.NInput > 0 && inputs == nil {
		return 0, fmt.Errorf("arlib: nil inputs for model with %d input dimensions", m.NInput)
	}
	if masks != nil && len(masks) != n {
		return 0, fmt.Errorf("arlib: %d masks for %d sequences", len(masks), n)
	}
	return n, nil
}

func inputAt(inputs []*mat.Dense, i int) *mat.Dense {
	if inputs == nil {
		return nil
	}
	return inputs[i]
}

func maskAt(masks []Mask, i int) Mask {
	if masks == nil {
		return nil
	}
	return masks[i]
}

// ExpectedLogLik sums the responsibility-weighted log likelihood over
// a collection of sequences.
func (m *ARModel) ExpectedLogLik(expectations, datas, inputs []*mat.Dense, masks []Mask) (float64, error) {
	n, err := m.checkLists(expectations, datas, inputs, masks)
	if err != nil {
		return 0, err
	}

	var total float64
	for i := 0; i < n; i++ {
		ll, err := m.LogLikelihoods(datas[i], inputAt(inputs, i), maskAt(masks, i))
		if err != nil {
			return 0, err
		}
		T, _ := datas[i].Dims()
		ez := expectations[i]
		if er, ec := ez.Dims(); er != T || ec != m.NState {
			return 0, fmt.Errorf("arlib: sequence %d responsibilities are %dx%d, want %dx%d", i, er, ec, T, m.NState)
		}
		for t := 0; t < T; t++ {
			total += floats.Dot(ez.RawRowView(t), ll.RawRowView(t))
		}
	}
	return total, nil
}
