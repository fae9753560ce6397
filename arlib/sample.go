package arlib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SampleX draws the next observation under discrete state z given the
// observed history. Histories shorter than NLags rows draw from the
// state's initial condition; otherwise the last NLags rows feed the
// autoregressive law and input supplies the current exogenous values.
// With withNoise false the deterministic mean is returned, which makes
// repeated calls reproduce the linear recurrence exactly.
func (m *ARModel) SampleX(z int, xhist *mat.Dense, input []float64, withNoise bool) ([]float64, error) {
	if z < 0 || z >= m.NState {
		return nil, fmt.Errorf("arlib: state %d out of range for %d states", z, m.NState)
	}
	var hist int
	if xhist != nil {
		var d int
		hist, d = xhist.Dims()
		if d != m.NDim {
			return nil, fmt.Errorf("arlib: history has dimension %d, model has %d", d, m.NDim)
		}
	}

	D, L := m.NDim, m.NLags
	if hist < L {
		out := make([]float64, D)
		copy(out, m.MuInit.RawRowView(z))
		if !withNoise {
			return out, nil
		}
		if m.fullCov() {
			s := m.sqrtSigmasInit[z]
			zv := m.randnVec(D)
			for i := 0; i < D; i++ {
				out[i] += floats.Dot(s.RawRowView(i), zv)
			}
		} else {
			for d := 0; d < D; d++ {
				out[d] += math.Sqrt(math.Exp(m.logSigmaSqInit.At(z, d))) * m.rng.NormFloat64()
			}
		}
		return out, nil
	}

	if m.NInput > 0 && len(input) < m.NInput {
		return nil, fmt.Errorf("arlib: input has %d entries, model needs %d", len(input), m.NInput)
	}

	mean := make([]float64, D)
	copy(mean, m.Bs.RawRowView(z))
	if m.NInput > 0 {
		v := m.Vs[z]
		for i := 0; i < D; i++ {
			for j := 0; j < m.NInput; j++ {
				mean[i] += v.At(i, j) * input[j]
			}
		}
	}
	if m.Form == GaussianIndep {
		for d := 0; d < D; d++ {
			for l := 0; l < L; l++ {
				mean[d] += m.as[z].At(d, l) * xhist.At(hist-l-1, d)
			}
		}
	} else {
		for l := 0; l < L; l++ {
			hrow := xhist.RawRowView(hist - l - 1)
			for i := 0; i < D; i++ {
				mean[i] += floats.Dot(m.as[z].RawRowView(i)[l*D:(l+1)*D], hrow)
			}
		}
	}
	if !withNoise {
		return mean, nil
	}

	switch m.Form {
	case GaussianFull, StudentsTFull:
		scale := 1.0
		if m.Form == StudentsTFull {
			// tau ~ Gamma(nu/2, rate nu/2) turns the Gaussian draw into
			// a Student's t draw.
			nu := math.Exp(m.logNus[z])
			tau := distuv.Gamma{Alpha: nu / 2, Beta: nu / 2, Src: m.rng}.Rand()
			scale = 1 / math.Sqrt(tau)
		}
		s := m.sqrtSigmas[z]
		zv := m.randnVec(D)
		for i := 0; i < D; i++ {
			mean[i] += scale * floats.Dot(s.RawRowView(i), zv)
		}
	case GaussianDiag, GaussianIndep:
		for d := 0; d < D; d++ {
			mean[d] += math.Sqrt(math.Exp(m.logSigmaSq.At(z, d))) * m.rng.NormFloat64()
		}
	case StudentsTIndep:
		for d := 0; d < D; d++ {
			nu := math.Exp(m.logNusDim.At(z, d))
			tau := distuv.Gamma{Alpha: nu / 2, Beta: nu / 2, Src: m.rng}.Rand()
			mean[d] += math.Sqrt(math.Exp(m.logSigmaSq.At(z, d))/tau) * m.rng.NormFloat64()
		}
	}
	return mean, nil
}
