package arlib

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"

	"github.com/TravelDriffter/ssm/reglib"
)

// coefStack returns state k's dynamics stacked in design order: a
// nregress x NDim matrix holding [A | V | b] transposed, so that
// design * coefStack gives the predicted means.
func (m *ARModel) coefStack(k int) *mat.Dense {
	D, M, L := m.NDim, m.NInput, m.NLags
	p := m.nregress()

	stack := mat.NewDense(p, D, nil)
	stack.Slice(0, D*L, 0, D).(*mat.Dense).Copy(m.as[k].T())
	if M > 0 {
		stack.Slice(D*L, D*L+M, 0, D).(*mat.Dense).Copy(m.Vs[k].T())
	}
	stack.SetRow(p-1, m.Bs.RawRowView(k))
	return stack
}

// expectedTausFull is the inner E step of the StudentsTFull nested EM:
// the posterior mean of the latent precision scale at every regression
// row, under the current parameters.
func (m *ARModel) expectedTausFull(xs, ys []*mat.Dense) ([]*mat.Dense, error) {
	K, D := m.NState, m.NDim

	sigmas := m.Sigmas()
	chols := make([]mat.Cholesky, K)
	for k := 0; k < K; k++ {
		if !chols[k].Factorize(sigmas[k]) {
			return nil, fmt.Errorf("arlib: state %d covariance lost positive definiteness", k)
		}
	}
	stacks := make([]*mat.Dense, K)
	for k := 0; k < K; k++ {
		stacks[k] = m.coefStack(k)
	}

	taus := make([]*mat.Dense, len(xs))
	resid := mat.NewVecDense(D, nil)
	zero := mat.NewVecDense(D, nil)
	for i, x := range xs {
		rows, _ := x.Dims()
		tau := mat.NewDense(rows, K, nil)
		var mus mat.Dense
		for k := 0; k < K; k++ {
			nu := math.Exp(m.logNus[k])
			alpha := nu/2 + float64(D)/2
			mus.Mul(x, stacks[k])
			for t := 0; t < rows; t++ {
				floats.SubTo(resid.RawVector().Data, ys[i].RawRowView(t), mus.RawRowView(t))
				md := stat.Mahalanobis(resid, zero, &chols[k])
				beta := nu/2 + 0.5*md*md
				tau.Set(t, k, alpha/beta)
			}
		}
		taus[i] = tau
	}
	return taus, nil
}

// mStepRobustFull runs the nested EM update of a StudentsTFull model:
// alternate the closed-form tau posterior with the tau-weighted joint
// regression, then refresh the degrees of freedom.
func (m *ARModel) mStepRobustFull(expectations, datas, inputs []*mat.Dense, masks []Mask, cfg *mstepConfig) error {
	xs, ys, ezs, err := m.gatherRegression(expectations, datas, inputs, masks)
	if err != nil {
		return err
	}

	for iter := 0; iter < cfg.innerIters; iter++ {
		taus, err := m.expectedTausFull(xs, ys)
		if err != nil {
			return err
		}
		weights := make([]*mat.Dense, len(xs))
		for i := range xs {
			r, c := ezs[i].Dims()
			w := mat.NewDense(r, c, nil)
			w.MulElem(ezs[i], taus[i])
			weights[i] = w
		}
		if err := m.solveRegression(xs, ys, weights, ezs, cfg); err != nil {
			return err
		}
	}
	return m.updateNusFull(expectations, datas, inputs)
}

// updateNusFull refreshes the per-state degrees of freedom from the
// expected precision statistics under the freshly fit parameters.
func (m *ARModel) updateNusFull(expectations, datas, inputs []*mat.Dense) error {
	K, D, L := m.NState, m.NDim, m.NLags

	sigmas := m.Sigmas()
	chols := make([]mat.Cholesky, K)
	for k := 0; k < K; k++ {
		if !chols[k].Factorize(sigmas[k]) {
			return fmt.Errorf("arlib: state %d covariance lost positive definiteness", k)
		}
	}

	eTaus := make([]float64, K)
	eLogTaus := make([]float64, K)
	wsum := make([]float64, K)
	resid := mat.NewVecDense(D, nil)
	zero := mat.NewVecDense(D, nil)
	for i, data := range datas {
		mus, err := m.ComputeMeans(data, inputAt(inputs, i))
		if err != nil {
			return err
		}
		T, _ := data.Dims()
		ez := expectations[i]
		for k := 0; k < K; k++ {
			nu := math.Exp(m.logNus[k])
			alpha := nu/2 + float64(D)/2
			dga := mathext.Digamma(alpha)
			for t := L; t < T; t++ {
				w := ez.At(t, k)
				if w == 0 {
					continue
				}
				floats.SubTo(resid.RawVector().Data, data.RawRowView(t), mus[k].RawRowView(t))
				md := stat.Mahalanobis(resid, zero, &chols[k])
				beta := nu/2 + 0.5*md*md
				eTaus[k] += w * alpha / beta
				eLogTaus[k] += w * (dga - math.Log(beta))
			}
			for t := 0; t < T; t++ {
				wsum[k] += ez.At(t, k)
			}
		}
	}

	for k := 0; k < K; k++ {
		if wsum[k] < 1e-8 {
			// No responsibility mass anywhere: keep the current dof.
			continue
		}
		nu := reglib.GeneralizedNewtonNu(eTaus[k]/wsum[k], eLogTaus[k]/wsum[k])
		m.logNus[k] = math.Log(nu)
	}
	return nil
}

// expectedTausIndep computes the per-dimension precision scales of a
// StudentsTIndep model: one rows x NDim matrix per sequence and state.
func (m *ARModel) expectedTausIndep(xs, ys []*mat.Dense) [][]*mat.Dense {
	K, D := m.NState, m.NDim

	stacks := make([]*mat.Dense, K)
	for k := 0; k < K; k++ {
		stacks[k] = m.coefStack(k)
	}

	taus := make([][]*mat.Dense, len(xs))
	for i, x := range xs {
		rows, _ := x.Dims()
		taus[i] = make([]*mat.Dense, K)
		var mus mat.Dense
		for k := 0; k < K; k++ {
			sigsq := m.sigmaSqRow(k, false)
			nus := m.nuRow(k)
			mus.Mul(x, stacks[k])
			tau := mat.NewDense(rows, D, nil)
			for t := 0; t < rows; t++ {
				for d := 0; d < D; d++ {
					r := ys[i].At(t, d) - mus.At(t, d)
					alpha := nus[d]/2 + 0.5
					beta := nus[d]/2 + 0.5*r*r/sigsq[d]
					tau.Set(t, d, alpha/beta)
				}
			}
			taus[i][k] = tau
		}
	}
	return taus
}

// mStepRobustIndep runs the nested EM update of a StudentsTIndep
// model. Every dimension carries its own precision scale, so the
// regression decouples into per-state, per-dimension solves against
// the shared design, stabilized by a unit ridge.
func (m *ARModel) mStepRobustIndep(expectations, datas, inputs []*mat.Dense, masks []Mask, cfg *mstepConfig) error {
	xs, ys, ezs, err := m.gatherRegression(expectations, datas, inputs, masks)
	if err != nil {
		return err
	}

	K, D, M, L := m.NState, m.NDim, m.NInput, m.NLags

	// Per-state responsibility mass; the sequences are fixed across
	// the inner iterations.
	mass := make([]float64, K)
	for i := range ezs {
		r, _ := ezs[i].Dims()
		for t := 0; t < r; t++ {
			floats.Add(mass, ezs[i].RawRowView(t))
		}
	}

	for iter := 0; iter < cfg.innerIters; iter++ {
		taus := m.expectedTausIndep(xs, ys)

		newAs := make([]*mat.Dense, K)
		var newVs []*mat.Dense
		if M > 0 {
			newVs = make([]*mat.Dense, K)
		}
		for k := 0; k < K; k++ {
			newAs[k] = mat.NewDense(D, D*L, nil)
			if M > 0 {
				newVs[k] = mat.NewDense(D, M, nil)
			}
		}
		newBs := mat.NewDense(K, D, nil)
		newLogSig := mat.NewDense(K, D, nil)

		errsK := make([]error, K)
		fallbacks := make([]int, K)
		var wg sync.WaitGroup
		for k := 0; k < K; k++ {
			wg.Add(1)
			go m.robustRegressState(k, xs, ys, ezs, taus, mass[k], newAs, newVs, newBs, newLogSig, errsK, fallbacks, &wg)
		}
		wg.Wait()
		for k := 0; k < K; k++ {
			if errsK[k] != nil {
				return errsK[k]
			}
			m.Warnings.CholeskyFallbacks += fallbacks[k]
		}

		m.reinitUnusedStatesDiag(ezs, newAs, newVs, newBs, newLogSig)

		m.as = newAs
		if newVs != nil {
			m.Vs = newVs
		}
		m.Bs = newBs
		m.logSigmaSq = newLogSig
	}
	return m.updateNusIndep(expectations, datas, inputs)
}

// robustRegressState solves the tau-weighted regressions of one state,
// one p-dimensional system per dimension.
func (m *ARModel) robustRegressState(k int, xs, ys, ezs []*mat.Dense, taus [][]*mat.Dense, mass float64,
	newAs, newVs []*mat.Dense, newBs, newLogSig *mat.Dense, errsK []error, fallbacks []int, wg *sync.WaitGroup) {

	defer wg.Done()

	D, M, L := m.NDim, m.NInput, m.NLags
	p := m.nregress()

	muCol := make([]float64, p)
	for d := 0; d < D; d++ {
		jm := mat.NewDense(p, p, nil)
		for a := 0; a < p; a++ {
			jm.Set(a, a, 1)
		}
		hv := mat.NewDense(p, 1, nil)
		for i, x := range xs {
			rows, _ := x.Dims()
			tau := taus[i][k]
			for t := 0; t < rows; t++ {
				w := ezs[i].At(t, k) * tau.At(t, d)
				if w == 0 {
					continue
				}
				row := x.RawRowView(t)
				yv := ys[i].At(t, d)
				for a := 0; a < p; a++ {
					wa := w * row[a]
					hv.Set(a, 0, hv.At(a, 0)+wa*yv)
					jrow := jm.RawRowView(a)
					for b := 0; b < p; b++ {
						jrow[b] += wa * row[b]
					}
				}
			}
		}

		mu, cholOK, err := reglib.SolveNormalEquations(jm, hv)
		if err != nil {
			errsK[k] = fmt.Errorf("arlib: state %d dimension %d: %w", k, d, err)
			return
		}
		if !cholOK {
			fallbacks[k]++
		}
		mat.Col(muCol, 0, mu)
		copy(newAs[k].RawRowView(d), muCol[:D*L])
		for j := 0; j < M; j++ {
			newVs[k].Set(d, j, muCol[D*L+j])
		}
		newBs.Set(k, d, muCol[p-1])

		var sq float64
		for i, x := range xs {
			rows, _ := x.Dims()
			tau := taus[i][k]
			for t := 0; t < rows; t++ {
				r := ys[i].At(t, d) - floats.Dot(x.RawRowView(t), muCol)
				sq += ezs[i].At(t, k) * tau.At(t, d) * r * r
			}
		}
		newLogSig.Set(k, d, math.Log(sq/(1e-8+mass)+1e-16))
	}
}

// reinitUnusedStatesDiag applies the unused-state restart to staged
// diagonal-noise parameters.
func (m *ARModel) reinitUnusedStatesDiag(ezs []*mat.Dense, newAs, newVs []*mat.Dense, newBs, newLogSig *mat.Dense) {
	usage, used := stateUsage(ezs, m.NState)
	if len(used) == 0 {
		return
	}
	for k := 0; k < m.NState; k++ {
		if usage[k] >= 1 {
			continue
		}
		src := used[m.rng.IntN(len(used))]
		m.perturbFrom(newAs[k], newAs[src])
		if newVs != nil {
			m.perturbFrom(newVs[k], newVs[src])
		}
		for d := 0; d < m.NDim; d++ {
			newBs.Set(k, d, newBs.At(src, d)+0.01*m.rng.NormFloat64())
		}
		newLogSig.SetRow(k, newLogSig.RawRowView(src))
		m.Warnings.UnusedStates++
		m.msgf("state %d has responsibility mass %.4g, restarting near state %d", k, usage[k], src)
	}
}

// updateNusIndep refreshes the per-state, per-dimension degrees of
// freedom of a StudentsTIndep model.
func (m *ARModel) updateNusIndep(expectations, datas, inputs []*mat.Dense) error {
	K, D, L := m.NState, m.NDim, m.NLags

	eTaus := mat.NewDense(K, D, nil)
	eLogTaus := mat.NewDense(K, D, nil)
	wsum := make([]float64, K)
	dga := make([]float64, D)
	for i, data := range datas {
		mus, err := m.ComputeMeans(data, inputAt(inputs, i))
		if err != nil {
			return err
		}
		T, _ := data.Dims()
		ez := expectations[i]
		for k := 0; k < K; k++ {
			sigsq := m.sigmaSqRow(k, false)
			nus := m.nuRow(k)
			for d := 0; d < D; d++ {
				dga[d] = mathext.Digamma(nus[d]/2 + 0.5)
			}
			for t := L; t < T; t++ {
				w := ez.At(t, k)
				if w == 0 {
					continue
				}
				for d := 0; d < D; d++ {
					r := data.At(t, d) - mus[k].At(t, d)
					alpha := nus[d]/2 + 0.5
					beta := nus[d]/2 + 0.5*r*r/sigsq[d]
					eTaus.Set(k, d, eTaus.At(k, d)+w*alpha/beta)
					eLogTaus.Set(k, d, eLogTaus.At(k, d)+w*(dga[d]-math.Log(beta)))
				}
			}
			for t := 0; t < T; t++ {
				wsum[k] += ez.At(t, k)
			}
		}
	}

	for k := 0; k < K; k++ {
		if wsum[k] < 1e-8 {
			continue
		}
		for d := 0; d < D; d++ {
			nu := reglib.GeneralizedNewtonNu(eTaus.At(k, d)/wsum[k], eLogTaus.At(k, d)/wsum[k])
			m.logNusDim.Set(k, d, math.Log(nu))
		}
	}
	return nil
}
