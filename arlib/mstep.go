package arlib

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/TravelDriffter/ssm/reglib"
)

type mstepConfig struct {
	innerIters int
	j0         []*mat.SymDense
	h0         []*mat.Dense
}

// MStepOption adjusts a single M-step call.
type MStepOption func(*mstepConfig)

// WithInnerIters sets the number of inner EM iterations used by the
// Student's t forms. Gaussian forms always make a single pass.
func WithInnerIters(n int) MStepOption {
	return func(c *mstepConfig) {
		c.innerIters = n
	}
}

// WithPrior replaces the default ridge prior on the stacked normal
// equations with one precision block and one linear term per state.
// Only the joint-regression forms accept a prior; the per-dimension
// forms reject it.
func WithPrior(j0 []*mat.SymDense, h0 []*mat.Dense) MStepOption {
	return func(c *mstepConfig) {
		c.j0, c.h0 = j0, h0
	}
}

// MStep refits the dynamics and noise parameters from
// responsibility-weighted sequences. Validation failures, including
// masked-out entries, are reported before any parameter changes, so a
// failed call leaves the model as it was.
func (m *ARModel) MStep(expectations, datas, inputs []*mat.Dense, masks []Mask, opts ...MStepOption) error {
	cfg := mstepConfig{innerIters: 1}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.innerIters < 1 {
		return fmt.Errorf("arlib: inner iteration count %d below one", cfg.innerIters)
	}
	if err := m.checkPrior(&cfg); err != nil {
		return err
	}

	switch m.Form {
	case GaussianIndep:
		if cfg.j0 != nil {
			return &UnsupportedOperationError{Op: "MStep with prior", Form: m.Form}
		}
		return m.mStepIndependent(expectations, datas, inputs, masks)
	case StudentsTFull:
		return m.mStepRobustFull(expectations, datas, inputs, masks, &cfg)
	case StudentsTIndep:
		if cfg.j0 != nil {
			return &UnsupportedOperationError{Op: "MStep with prior", Form: m.Form}
		}
		return m.mStepRobustIndep(expectations, datas, inputs, masks, &cfg)
	}

	xs, ys, ezs, err := m.gatherRegression(expectations, datas, inputs, masks)
	if err != nil {
		return err
	}
	return m.solveRegression(xs, ys, ezs, ezs, &cfg)
}

func (m *ARModel) checkPrior(cfg *mstepConfig) error {
	if (cfg.j0 == nil) != (cfg.h0 == nil) {
		return &InvalidParameterError{Param: "prior",
			Reason: "precision and linear terms must be set together"}
	}
	if cfg.j0 == nil {
		return nil
	}
	p := m.nregress()
	if len(cfg.j0) != m.NState || len(cfg.h0) != m.NState {
		return &InvalidParameterError{Param: "prior",
			Reason: fmt.Sprintf("%d precision and %d linear terms for %d states", len(cfg.j0), len(cfg.h0), m.NState)}
	}
	for k := 0; k < m.NState; k++ {
		if n := cfg.j0[k].SymmetricDim(); n != p {
			return &InvalidParameterError{Param: "prior",
				Reason: fmt.Sprintf("state %d precision is %dx%d, want %dx%d", k, n, n, p, p)}
		}
		if r, c := cfg.h0[k].Dims(); r != p || c != m.NDim {
			return &InvalidParameterError{Param: "prior",
				Reason: fmt.Sprintf("state %d linear term is %dx%d, want %dx%d", k, r, c, p, m.NDim)}
		}
	}
	return nil
}

// gatherRegression validates every sequence up front, then collects
// the per-sequence designs, regression targets, and trimmed
// responsibilities. Sequences exactly NLags long carry no regression
// rows and are dropped.
func (m *ARModel) gatherRegression(expectations, datas, inputs []*mat.Dense, masks []Mask) (xs, ys, ezs []*mat.Dense, err error) {
	n, err := m.checkLists(expectations, datas, inputs, masks)
	if err != nil {
		return nil, nil, nil, err
	}
	for i := 0; i < n; i++ {
		T, err := m.checkSequence(datas[i], inputAt(inputs, i))
		if err != nil {
			return nil, nil, nil, err
		}
		mask := maskAt(masks, i)
		if err := mask.verify(T, m.NDim); err != nil {
			return nil, nil, nil, err
		}
		if !mask.complete() {
			return nil, nil, nil, ErrMissingData
		}
		if er, ec := expectations[i].Dims(); er != T || ec != m.NState {
			return nil, nil, nil, fmt.Errorf("arlib: sequence %d responsibilities are %dx%d, want %dx%d",
				i, er, ec, T, m.NState)
		}
	}

	for i := 0; i < n; i++ {
		T, _ := datas[i].Dims()
		if T == m.NLags {
			continue
		}
		xs = append(xs, m.designMatrix(datas[i], inputAt(inputs, i)))
		ys = append(ys, datas[i].Slice(m.NLags, T, 0, m.NDim).(*mat.Dense))
		ezs = append(ezs, expectations[i].Slice(m.NLags, T, 0, m.NState).(*mat.Dense))
	}
	return xs, ys, ezs, nil
}

// designMatrix stacks one sequence's regression rows: a block per lag
// in recency order, then the inputs, then a constant column.
func (m *ARModel) designMatrix(data, input *mat.Dense) *mat.Dense {
	T, _ := data.Dims()
	L, D, M := m.NLags, m.NDim, m.NInput
	p := m.nregress()

	x := mat.NewDense(T-L, p, nil)
	for l := 0; l < L; l++ {
		x.Slice(0, T-L, l*D, (l+1)*D).(*mat.Dense).Copy(data.Slice(L-l-1, T-l-1, 0, D))
	}
	if M > 0 {
		x.Slice(0, T-L, D*L, D*L+M).(*mat.Dense).Copy(input.Slice(L, T, 0, M))
	}
	for t := 0; t < T-L; t++ {
		x.Set(t, p-1, 1)
	}
	return x
}

type stateFit struct {
	mu     *mat.Dense
	sigma  *mat.SymDense
	cholOK bool
	err    error
}

// solveRegression makes one weighted-least-squares pass over the
// gathered design, refitting every state's dynamics and refreshing the
// noise covariances from the weighted residuals. weights scales the
// regression rows; ezs carries the raw responsibilities used for the
// covariance mass and the unused-state rule. The two coincide for the
// Gaussian forms and differ for the Student's t forms.
func (m *ARModel) solveRegression(xs, ys, weights, ezs []*mat.Dense, cfg *mstepConfig) error {
	K := m.NState
	fits := make([]stateFit, K)

	var wg sync.WaitGroup
	for k := 0; k < K; k++ {
		wg.Add(1)
		go m.regressState(k, xs, ys, weights, ezs, cfg, fits, &wg)
	}
	wg.Wait()

	for k := 0; k < K; k++ {
		if fits[k].err != nil {
			return fits[k].err
		}
		if !fits[k].cholOK {
			m.Warnings.CholeskyFallbacks++
		}
	}

	// Stage the update and commit only after every state is valid.
	D, M, L := m.NDim, m.NInput, m.NLags
	p := m.nregress()
	newAs := make([]*mat.Dense, K)
	var newVs []*mat.Dense
	if M > 0 {
		newVs = make([]*mat.Dense, K)
	}
	newBs := mat.NewDense(K, D, nil)
	newSigmas := make([]*mat.SymDense, K)
	brow := make([]float64, D)
	for k := 0; k < K; k++ {
		a := mat.NewDense(D, D*L, nil)
		a.Copy(fits[k].mu.Slice(0, D*L, 0, D).T())
		newAs[k] = a
		if M > 0 {
			v := mat.NewDense(D, M, nil)
			v.Copy(fits[k].mu.Slice(D*L, D*L+M, 0, D).T())
			newVs[k] = v
		}
		mat.Row(brow, p-1, fits[k].mu)
		newBs.SetRow(k, brow)
		newSigmas[k] = fits[k].sigma
	}

	m.reinitUnusedStates(ezs, newAs, newVs, newBs, newSigmas)
	return m.commitRegression(newAs, newVs, newBs, newSigmas)
}

// regressState accumulates and solves the stacked normal equations for
// one state.
func (m *ARModel) regressState(k int, xs, ys, weights, ezs []*mat.Dense, cfg *mstepConfig, fits []stateFit, wg *sync.WaitGroup) {

	defer wg.Done()

	D, M, L := m.NDim, m.NInput, m.NLags
	p := m.nregress()

	jm := mat.NewDense(p, p, nil)
	hm := mat.NewDense(p, D, nil)
	if cfg.j0 != nil {
		jm.Copy(cfg.j0[k])
		hm.Copy(cfg.h0[k])
	} else {
		for j := 0; j < D*L; j++ {
			jm.Set(j, j, m.penaltyA)
		}
		for j := D * L; j < D*L+M; j++ {
			jm.Set(j, j, m.penaltyV)
		}
		jm.Set(p-1, p-1, m.penaltyB)
	}

	var tj, th mat.Dense
	for i, x := range xs {
		rows, _ := x.Dims()
		var wx mat.Dense
		wx.CloneFrom(x)
		for t := 0; t < rows; t++ {
			floats.Scale(weights[i].At(t, k), wx.RawRowView(t))
		}
		tj.Mul(wx.T(), x)
		jm.Add(jm, &tj)
		th.Mul(wx.T(), ys[i])
		hm.Add(hm, &th)
	}

	mu, cholOK, err := reglib.SolveNormalEquations(jm, hm)
	if err != nil {
		fits[k] = stateFit{err: fmt.Errorf("arlib: state %d: %w", k, err)}
		return
	}

	// Weighted residual covariance with a responsibility-mass floor.
	sq := mat.NewDense(D, D, nil)
	mass := 1e-8
	var ts mat.Dense
	for i, x := range xs {
		rows, _ := x.Dims()
		var yhat, resid, wr mat.Dense
		yhat.Mul(x, mu)
		resid.Sub(ys[i], &yhat)
		wr.CloneFrom(&resid)
		for t := 0; t < rows; t++ {
			floats.Scale(weights[i].At(t, k), wr.RawRowView(t))
			mass += ezs[i].At(t, k)
		}
		ts.Mul(wr.T(), &resid)
		sq.Add(sq, &ts)
	}

	sigma := mat.NewSymDense(D, nil)
	for i := 0; i < D; i++ {
		for j := i; j < D; j++ {
			v := 0.5 * (sq.At(i, j) + sq.At(j, i)) / mass
			if i == j {
				v += 1e-8
			}
			sigma.SetSym(i, j, v)
		}
	}

	fits[k] = stateFit{mu: mu, sigma: sigma, cholOK: cholOK}
}

// stateUsage totals the responsibility mass per state and lists the
// states with more than one unit of mass.
func stateUsage(ezs []*mat.Dense, K int) (usage []float64, used []int) {
	usage = make([]float64, K)
	for _, ez := range ezs {
		r, _ := ez.Dims()
		for t := 0; t < r; t++ {
			floats.Add(usage, ez.RawRowView(t))
		}
	}
	for k := 0; k < K; k++ {
		if usage[k] > 1 {
			used = append(used, k)
		}
	}
	return usage, used
}

// reinitUnusedStates restarts any state with less than one unit of
// responsibility mass near a randomly chosen used state. The staged
// parameters are modified in place before the commit.
func (m *ARModel) reinitUnusedStates(ezs []*mat.Dense, newAs, newVs []*mat.Dense, newBs *mat.Dense, newSigmas []*mat.SymDense) {
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
		newSigmas[k].CopySym(newSigmas[src])
		m.Warnings.UnusedStates++
		m.msgf("state %d has responsibility mass %.4g, restarting near state %d", k, usage[k], src)
	}
}

// perturbFrom sets dst to src plus small normal noise.
func (m *ARModel) perturbFrom(dst, src *mat.Dense) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(i, j, src.At(i, j)+0.01*m.rng.NormFloat64())
		}
	}
}

// commitRegression installs a staged joint-regression update. The
// covariances are validated and factored first, so a degenerate update
// leaves every parameter unchanged.
func (m *ARModel) commitRegression(newAs, newVs []*mat.Dense, newBs *mat.Dense, newSigmas []*mat.SymDense) error {
	if err := m.SetSigmas(newSigmas); err != nil {
		return err
	}
	m.as = newAs
	if newVs != nil {
		m.Vs = newVs
	}
	m.Bs = newBs
	return nil
}

// mStepIndependent refits a GaussianIndep model: every dimension is a
// scalar lagged regression, so the update runs per dimension and
// tolerates partially observed sequences by skipping any sequence not
// fully observed in the dimension being fit.
func (m *ARModel) mStepIndependent(expectations, datas, inputs []*mat.Dense, masks []Mask) error {
	n, err := m.checkLists(expectations, datas, inputs, masks)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		T, err := m.checkSequence(datas[i], inputAt(inputs, i))
		if err != nil {
			return err
		}
		if err := maskAt(masks, i).verify(T, m.NDim); err != nil {
			return err
		}
		if er, ec := expectations[i].Dims(); er != T || ec != m.NState {
			return fmt.Errorf("arlib: sequence %d responsibilities are %dx%d, want %dx%d",
				i, er, ec, T, m.NState)
		}
	}

	K, D := m.NState, m.NDim
	newAs := make([]*mat.Dense, K)
	var newVs []*mat.Dense
	if m.NInput > 0 {
		newVs = make([]*mat.Dense, K)
	}
	for k := 0; k < K; k++ {
		newAs[k] = mat.NewDense(D, m.NLags, nil)
		if m.NInput > 0 {
			newVs[k] = mat.NewDense(D, m.NInput, nil)
		}
	}
	newBs := mat.NewDense(K, D, nil)
	newLogSig := mat.NewDense(K, D, nil)
	newLogSig.Copy(m.logSigmaSq)

	// The workers write disjoint rows and columns of the staged
	// parameters, indexed by dimension.
	degenerate := make([]int, D)
	fallbacks := make([]int, D)
	var wg sync.WaitGroup
	for d := 0; d < D; d++ {
		wg.Add(1)
		go m.regressDim(d, expectations, datas, inputs, masks, newAs, newVs, newBs, newLogSig, degenerate, fallbacks, &wg)
	}
	wg.Wait()

	for d := 0; d < D; d++ {
		m.Warnings.DegenerateSolves += degenerate[d]
		m.Warnings.CholeskyFallbacks += fallbacks[d]
	}

	m.as = newAs
	if newVs != nil {
		m.Vs = newVs
	}
	m.Bs = newBs
	m.logSigmaSq = newLogSig
	return nil
}

// regressDim fits one dimension of a GaussianIndep model across all
// states.
func (m *ARModel) regressDim(d int, expectations, datas, inputs []*mat.Dense, masks []Mask,
	newAs, newVs []*mat.Dense, newBs, newLogSig *mat.Dense, degenerate, fallbacks []int, wg *sync.WaitGroup) {

	defer wg.Done()

	K, M, L := m.NState, m.NInput, m.NLags
	p := L + M + 1

	var xparts []*mat.Dense
	var yparts [][]float64
	var wparts []*mat.Dense
	for i, data := range datas {
		T, _ := data.Dims()
		if T == L {
			continue
		}
		if mask := maskAt(masks, i); mask != nil && !mask.columnComplete(d) {
			continue
		}
		xparts = append(xparts, m.designColumn(d, data, inputAt(inputs, i)))
		y := make([]float64, T-L)
		for t := L; t < T; t++ {
			y[t-L] = data.At(t, d)
		}
		yparts = append(yparts, y)
		wparts = append(wparts, expectations[i].Slice(L, T, 0, K).(*mat.Dense))
	}
	if len(xparts) == 0 {
		// Nothing observed in this dimension: the staged dynamics stay
		// zero and the variance keeps its current value.
		return
	}

	muCol := make([]float64, p)
	for k := 0; k < K; k++ {
		var mass float64
		for _, w := range wparts {
			r, _ := w.Dims()
			for t := 0; t < r; t++ {
				mass += w.At(t, k)
			}
		}
		if mass < float64(p) {
			m.fallbackDim(k, d, newAs, newVs, newBs, newLogSig)
			degenerate[d]++
			m.msgf("state %d dimension %d has responsibility mass %.4g for %d regressors, using unit-root fallback", k, d, mass, p)
			continue
		}

		jm := mat.NewDense(p, p, nil)
		hv := mat.NewDense(p, 1, nil)
		for i, x := range xparts {
			rows, _ := x.Dims()
			for t := 0; t < rows; t++ {
				w := wparts[i].At(t, k)
				if w == 0 {
					continue
				}
				row := x.RawRowView(t)
				yv := yparts[i][t]
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
			m.fallbackDim(k, d, newAs, newVs, newBs, newLogSig)
			degenerate[d]++
			m.msgf("state %d dimension %d regression is singular, using unit-root fallback", k, d)
			continue
		}
		if !cholOK {
			fallbacks[d]++
		}

		mat.Col(muCol, 0, mu)
		for l := 0; l < L; l++ {
			newAs[k].Set(d, l, muCol[l])
		}
		for j := 0; j < M; j++ {
			newVs[k].Set(d, j, muCol[L+j])
		}
		newBs.Set(k, d, muCol[p-1])

		var sq float64
		for i, x := range xparts {
			rows, _ := x.Dims()
			for t := 0; t < rows; t++ {
				r := yparts[i][t] - floats.Dot(x.RawRowView(t), muCol)
				sq += wparts[i].At(t, k) * r * r
			}
		}
		newLogSig.Set(k, d, math.Log(sq/mass+1e-16))
	}
}

// fallbackDim stages the unit-root parameter set for one state and
// dimension: unit lag coefficients, no input coupling, no bias, unit
// variance.
func (m *ARModel) fallbackDim(k, d int, newAs, newVs []*mat.Dense, newBs, newLogSig *mat.Dense) {
	for l := 0; l < m.NLags; l++ {
		newAs[k].Set(d, l, 1)
	}
	for j := 0; j < m.NInput; j++ {
		newVs[k].Set(d, j, 0)
	}
	newBs.Set(k, d, 0)
	newLogSig.Set(k, d, 0)
}

// designColumn builds dimension d's regression rows: its own lagged
// values in recency order, the inputs, and a constant.
func (m *ARModel) designColumn(d int, data, input *mat.Dense) *mat.Dense {
	T, _ := data.Dims()
	L, M := m.NLags, m.NInput
	p := L + M + 1

	x := mat.NewDense(T-L, p, nil)
	for t := 0; t < T-L; t++ {
		row := x.RawRowView(t)
		for l := 0; l < L; l++ {
			row[l] = data.At(t+L-1-l, d)
		}
		for j := 0; j < M; j++ {
			row[L+j] = input.At(t+L, j)
		}
		row[p-1] = 1
	}
	return x
}
