package arlib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/TravelDriffter/ssm/reglib"
)

type initConfig struct {
	cluster bool
}

// InitOption adjusts the warm start.
type InitOption func(*initConfig)

// WithRandomAssignment assigns time steps to states uniformly at
// random instead of clustering the observations.
func WithRandomAssignment() InitOption {
	return func(c *initConfig) {
		c.cluster = false
	}
}

// Initialize warm starts the dynamics from the data before the first
// M step. Time steps are assigned to provisional states, by k-means on
// the raw observations or uniformly at random, and each state's
// dynamics and noise are fit by regression on its assigned steps.
// Initial-condition parameters are left alone. Masks are accepted for
// call symmetry but not consulted.
func (m *ARModel) Initialize(datas, inputs []*mat.Dense, masks []Mask, opts ...InitOption) error {
	cfg := initConfig{cluster: true}
	for _, o := range opts {
		o(&cfg)
	}
	if len(datas) == 0 {
		return fmt.Errorf("arlib: no sequences")
	}
	if m.NInput > 0 && inputs == nil {
		return fmt.Errorf("arlib: nil inputs for model with %d input dimensions", m.NInput)
	}
	if inputs != nil && len(inputs) != len(datas) {
		return fmt.Errorf("arlib: %d inputs for %d sequences", len(inputs), len(datas))
	}
	for i := range datas {
		if _, err := m.checkSequence(datas[i], inputAt(inputs, i)); err != nil {
			return err
		}
	}

	if m.Form == GaussianIndep {
		return m.initializeIndep(datas, inputs)
	}
	return m.initializeJoint(datas, inputs, cfg.cluster)
}

// assignStates labels every regression row of every sequence with a
// provisional state.
func (m *ARModel) assignStates(datas []*mat.Dense, cluster bool) [][]int {
	L := m.NLags
	labels := make([][]int, len(datas))

	var total int
	for i := range datas {
		T, _ := datas[i].Dims()
		total += T
	}
	if cluster && total < m.NState {
		m.msgf("%d observations for %d states, assigning randomly", total, m.NState)
		cluster = false
	}

	if !cluster {
		for i := range datas {
			T, _ := datas[i].Dims()
			z := make([]int, T-L)
			for t := range z {
				z[t] = m.rng.IntN(m.NState)
			}
			labels[i] = z
		}
		return labels
	}

	stacked := mat.NewDense(total, m.NDim, nil)
	r := 0
	for i := range datas {
		T, _ := datas[i].Dims()
		for t := 0; t < T; t++ {
			copy(stacked.RawRowView(r), datas[i].RawRowView(t))
			r++
		}
	}
	zs, _ := reglib.KMeans(stacked, m.NState, m.rng)

	// Keep the first T-L labels of each sequence so label t marks the
	// design row whose target is observation t+L.
	r = 0
	for i := range datas {
		T, _ := datas[i].Dims()
		labels[i] = append([]int(nil), zs[r:r+T-L]...)
		r += T
	}
	return labels
}

func (m *ARModel) initializeJoint(datas, inputs []*mat.Dense, cluster bool) error {
	K, D, M, L := m.NState, m.NDim, m.NInput, m.NLags
	p := m.nregress()

	labels := m.assignStates(datas, cluster)

	xs := make([]*mat.Dense, len(datas))
	for i := range datas {
		T, _ := datas[i].Dims()
		if T > L {
			xs[i] = m.designMatrix(datas[i], inputAt(inputs, i))
		}
	}

	sigmas := m.Sigmas()
	newSigmas := make([]*mat.SymDense, K)
	for k := 0; k < K; k++ {
		var rows int
		for i := range labels {
			for _, z := range labels[i] {
				if z == k {
					rows++
				}
			}
		}
		if rows < p {
			// Too few assigned steps; keep the construction-time draw.
			newSigmas[k] = sigmas[k]
			m.msgf("state %d has %d warm-start rows for %d regressors, keeping random parameters", k, rows, p)
			continue
		}

		x := mat.NewDense(rows, p-1, nil)
		y := mat.NewDense(rows, D, nil)
		r := 0
		for i := range datas {
			if xs[i] == nil {
				continue
			}
			for t, z := range labels[i] {
				if z != k {
					continue
				}
				copy(x.RawRowView(r), xs[i].RawRowView(t)[:p-1])
				copy(y.RawRowView(r), datas[i].RawRowView(t+L))
				r++
			}
		}

		coef, intercept, sigma, err := reglib.FitLinearRegression(x, y, nil, m.penaltyA)
		if err != nil {
			return fmt.Errorf("arlib: state %d warm start: %w", k, err)
		}
		m.as[k].Copy(coef.Slice(0, D, 0, D*L))
		if M > 0 {
			m.Vs[k].Copy(coef.Slice(0, D, D*L, D*L+M))
		}
		m.Bs.SetRow(k, intercept)
		newSigmas[k] = sigma
	}
	return m.SetSigmas(newSigmas)
}

// initializeIndep warm starts a GaussianIndep model: every state and
// dimension fits an unweighted regression on a random subset of the
// pooled per-dimension design rows.
func (m *ARModel) initializeIndep(datas, inputs []*mat.Dense) error {
	K, D, M, L := m.NState, m.NDim, m.NInput, m.NLags
	p := L + M + 1

	var total int
	for i := range datas {
		T, _ := datas[i].Dims()
		total += T - L
	}
	if total == 0 {
		return fmt.Errorf("arlib: no regression rows for warm start")
	}
	size := total / K
	if size == 0 {
		size = total
	}

	for d := 0; d < D; d++ {
		x := mat.NewDense(total, p-1, nil)
		y := make([]float64, total)
		r := 0
		for i := range datas {
			T, _ := datas[i].Dims()
			if T == L {
				continue
			}
			xd := m.designColumn(d, datas[i], inputAt(inputs, i))
			rows, _ := xd.Dims()
			for t := 0; t < rows; t++ {
				copy(x.RawRowView(r), xd.RawRowView(t)[:p-1])
				y[r] = datas[i].At(t+L, d)
				r++
			}
		}

		for k := 0; k < K; k++ {
			perm := m.rng.Perm(total)[:size]
			xk := mat.NewDense(size, p-1, nil)
			yk := mat.NewDense(size, 1, nil)
			for j, t := range perm {
				copy(xk.RawRowView(j), x.RawRowView(t))
				yk.Set(j, 0, y[t])
			}

			coef, intercept, sigma, err := reglib.FitLinearRegression(xk, yk, nil, m.penaltyA)
			if err != nil {
				return fmt.Errorf("arlib: state %d dimension %d warm start: %w", k, d, err)
			}
			for l := 0; l < L; l++ {
				m.as[k].Set(d, l, coef.At(0, l))
			}
			for j := 0; j < M; j++ {
				m.Vs[k].Set(d, j, coef.At(0, L+j))
			}
			m.Bs.Set(k, d, intercept[0])
			m.logSigmaSq.Set(k, d, math.Log(sigma.At(0, 0)))
		}
	}
	return nil
}
