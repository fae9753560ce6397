package arlib

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ComputeMeans returns the conditional mean of every observation under
// each state: one T x NDim matrix per state. The first NLags rows
// repeat the state's initial-condition mean; the remainder follow the
// autoregressive recurrence on the preceding observations and the
// current input.
func (m *ARModel) ComputeMeans(data, input *mat.Dense) ([]*mat.Dense, error) {
	T, err := m.checkSequence(data, input)
	if err != nil {
		return nil, err
	}
	if m.Form == GaussianIndep {
		return m.computeMeansIndep(data, input, T), nil
	}

	L, D := m.NLags, m.NDim
	mus := make([]*mat.Dense, m.NState)
	for k := 0; k < m.NState; k++ {
		mu := mat.NewDense(T, D, nil)
		for t := 0; t < L; t++ {
			mu.SetRow(t, m.MuInit.RawRowView(k))
		}
		if T > L {
			ar := mu.Slice(L, T, 0, D).(*mat.Dense)
			if m.NInput > 0 {
				ar.Mul(input.Slice(L, T, 0, m.NInput), m.Vs[k].T())
			}
			var contrib mat.Dense
			for l := 0; l < L; l++ {
				block := m.as[k].Slice(0, D, l*D, (l+1)*D)
				contrib.Mul(data.Slice(L-l-1, T-l-1, 0, D), block.T())
				ar.Add(ar, &contrib)
			}
			for t := L; t < T; t++ {
				floats.Add(mu.RawRowView(t), m.Bs.RawRowView(k))
			}
		}
		mus[k] = mu
	}
	return mus, nil
}

// computeMeansIndep specializes the mean recurrence to per-dimension
// scalar lag coefficients.
func (m *ARModel) computeMeansIndep(data, input *mat.Dense, T int) []*mat.Dense {
	L, D := m.NLags, m.NDim
	mus := make([]*mat.Dense, m.NState)
	for k := 0; k < m.NState; k++ {
		mu := mat.NewDense(T, D, nil)
		for t := 0; t < L; t++ {
			mu.SetRow(t, m.MuInit.RawRowView(k))
		}
		for t := L; t < T; t++ {
			row := mu.RawRowView(t)
			for d := 0; d < D; d++ {
				v := m.Bs.At(k, d)
				for l := 0; l < L; l++ {
					v += m.as[k].At(d, l) * data.At(t-l-1, d)
				}
				if m.NInput > 0 {
					for j := 0; j < m.NInput; j++ {
						v += m.Vs[k].At(d, j) * input.At(t, j)
					}
				}
				row[d] = v
			}
		}
		mus[k] = mu
	}
	return mus
}

// Smooth returns the responsibility-weighted mean observation at each
// time step: the model's reconstruction of the sequence given the
// state posteriors.
func (m *ARModel) Smooth(ez, data, input *mat.Dense) (*mat.Dense, error) {
	mus, err := m.ComputeMeans(data, input)
	if err != nil {
		return nil, err
	}
	T, _ := data.Dims()
	if er, ec := ez.Dims(); er != T || ec != m.NState {
		return nil, fmt.Errorf("arlib: responsibilities are %dx%d, want %dx%d", er, ec, T, m.NState)
	}

	out := mat.NewDense(T, m.NDim, nil)
	for t := 0; t < T; t++ {
		row := out.RawRowView(t)
		for k := 0; k < m.NState; k++ {
			floats.AddScaled(row, ez.At(t, k), mus[k].RawRowView(t))
		}
	}
	return out, nil
}
