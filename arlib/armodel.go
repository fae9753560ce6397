// Package arlib implements switching autoregressive observation
// models: per-state linear dynamics over lagged observations and
// exogenous inputs, with Gaussian or heavy-tailed Student's t noise.
// The package provides likelihood evaluation, weighted M-step
// estimation from state responsibilities, sampling, and warm-start
// initialization; the discrete-state inference that produces the
// responsibilities lives outside this package.
package arlib

import (
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/TravelDriffter/ssm/reglib"
)

// NoiseForm selects the noise law attached to the autoregressive mean.
type NoiseForm uint8

const (
	// GaussianFull couples the observation dimensions through a dense
	// noise covariance.
	GaussianFull NoiseForm = iota

	// GaussianDiag restricts the noise covariance to its diagonal.
	GaussianDiag

	// GaussianIndep models each dimension as a scalar autoregression
	// with its own diagonal noise term.
	GaussianIndep

	// StudentsTFull replaces the dense Gaussian noise with a
	// multivariate Student's t.
	StudentsTFull

	// StudentsTIndep uses an independent scalar Student's t per
	// dimension, each with its own degrees of freedom.
	StudentsTIndep
)

func (f NoiseForm) String() string {
	switch f {
	case GaussianFull:
		return "gaussian"
	case GaussianDiag:
		return "diagonal"
	case GaussianIndep:
		return "independent"
	case StudentsTFull:
		return "robust"
	case StudentsTIndep:
		return "altrobust"
	}
	return fmt.Sprintf("NoiseForm(%d)", uint8(f))
}

// ParseNoiseForm maps a form name, as printed by String, back to its
// NoiseForm value.
func ParseNoiseForm(s string) (NoiseForm, error) {
	for _, f := range []NoiseForm{GaussianFull, GaussianDiag, GaussianIndep, StudentsTFull, StudentsTIndep} {
		if s == f.String() {
			return f, nil
		}
	}
	return 0, fmt.Errorf("arlib: unknown noise form %q", s)
}

// Mask marks the observed entries of a sequence, one row per time
// step. A nil Mask means fully observed.
type Mask [][]bool

// verify checks the mask shape against a T x D sequence.
func (ma Mask) verify(T, D int) error {
	if ma == nil {
		return nil
	}
	if len(ma) != T {
		return fmt.Errorf("arlib: mask has %d rows for %d observations", len(ma), T)
	}
	for t, row := range ma {
		if len(row) != D {
			return fmt.Errorf("arlib: mask row %d has %d entries for dimension %d", t, len(row), D)
		}
	}
	return nil
}

// complete reports whether every entry is observed.
func (ma Mask) complete() bool {
	for _, row := range ma {
		for _, ok := range row {
			if !ok {
				return false
			}
		}
	}
	return true
}

// columnComplete reports whether dimension d is observed at every step.
func (ma Mask) columnComplete(d int) bool {
	for _, row := range ma {
		if !row[d] {
			return false
		}
	}
	return true
}

// Warnings counts recoverable numerical events from fitting.
type Warnings struct {
	// UnusedStates counts states reinitialized from a used state for
	// lack of responsibility mass.
	UnusedStates int

	// DegenerateSolves counts regressions replaced by the
	// identity/zero fallback.
	DegenerateSolves int

	// CholeskyFallbacks counts normal-equation systems that needed a
	// pivoted solve after a failed Cholesky factorization.
	CholeskyFallbacks int
}

// ARModel is a switching autoregressive observation model. Each of
// NState discrete states carries linear dynamics over the previous
// NLags observations and the current input, plus a state-specific
// noise law selected by Form. Sequences shorter than or equal to NLags
// steps are described entirely by the initial condition.
type ARModel struct {
	// NState is the number of discrete states.
	NState int

	// NDim is the observation dimension.
	NDim int

	// NInput is the exogenous input dimension, possibly zero.
	NInput int

	// NLags is the autoregressive order.
	NLags int

	// Form selects the noise law.
	Form NoiseForm

	// MuInit holds the initial-condition means, one row per state.
	MuInit *mat.Dense

	// Bs holds the dynamics biases, one row per state.
	Bs *mat.Dense

	// Vs holds the input coupling matrices, one NDim x NInput matrix
	// per state, nil when NInput is zero.
	Vs []*mat.Dense

	// Warnings accumulates soft numerical events; callers may reset it
	// between fits.
	Warnings Warnings

	// Lag coefficients. Dense forms store NDim x (NDim*NLags) blocks;
	// GaussianIndep stores NDim x NLags per-dimension scalars.
	as []*mat.Dense

	// Covariance square-root factors for the full-covariance forms,
	// Sigma = S * S'.
	sqrtSigmas     []*mat.Dense
	sqrtSigmasInit []*mat.Dense

	// Per-state, per-dimension log variances for the diagonal forms.
	logSigmaSq     *mat.Dense
	logSigmaSqInit *mat.Dense

	// Log degrees of freedom: per state for StudentsTFull, per state
	// and dimension for StudentsTIndep.
	logNus    []float64
	logNusDim *mat.Dense

	penaltyA, penaltyV, penaltyB float64

	rng *rand.Rand

	msglogger *log.Logger
	parlogger *log.Logger
}

// Option configures an ARModel at construction.
type Option func(*ARModel)

// WithSeed fixes the model's random source for reproducible parameter
// draws and sampling. Zero keeps a time-dependent seed.
func WithSeed(seed uint64) Option {
	return func(m *ARModel) {
		if seed != 0 {
			m.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		}
	}
}

// WithPenalties sets the L2 penalties on the lag coefficients, input
// couplings, and biases used by the M step's default prior.
func WithPenalties(a, v, b float64) Option {
	return func(m *ARModel) {
		m.penaltyA, m.penaltyV, m.penaltyB = a, v, b
	}
}

// New returns an autoregressive observation model with nstate discrete
// states over ndim-dimensional observations, ninput exogenous inputs,
// and nlags lags. Lag coefficients start at 0.95 times a random
// rotation (or 0.95 on the first lag for GaussianIndep), biases and
// input couplings start at standard normal draws, and the
// initial-condition means start at zero.
func New(form NoiseForm, nstate, ndim, ninput, nlags int, opts ...Option) (*ARModel, error) {
	switch form {
	case GaussianFull, GaussianDiag, GaussianIndep, StudentsTFull, StudentsTIndep:
	default:
		return nil, fmt.Errorf("arlib: unknown noise form %d", form)
	}
	if nstate < 1 || ndim < 1 || nlags < 1 || ninput < 0 {
		return nil, fmt.Errorf("arlib: invalid shape: %d states, %d dims, %d inputs, %d lags",
			nstate, ndim, ninput, nlags)
	}

	m := &ARModel{
		NState:   nstate,
		NDim:     ndim,
		NInput:   ninput,
		NLags:    nlags,
		Form:     form,
		penaltyA: 1e-8,
		penaltyV: 1e-8,
		penaltyB: 1e-8,
	}
	seed := uint64(time.Now().UnixNano())
	m.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, o := range opts {
		o(m)
	}
	if m.penaltyA <= 0 || m.penaltyV <= 0 || m.penaltyB <= 0 {
		return nil, fmt.Errorf("arlib: penalties must be positive")
	}

	m.MuInit = mat.NewDense(nstate, ndim, nil)
	m.Bs = mat.NewDense(nstate, ndim, nil)
	for k := 0; k < nstate; k++ {
		for d := 0; d < ndim; d++ {
			m.Bs.Set(k, d, m.rng.NormFloat64())
		}
	}
	if ninput > 0 {
		m.Vs = make([]*mat.Dense, nstate)
		for k := range m.Vs {
			v := mat.NewDense(ndim, ninput, nil)
			for i := 0; i < ndim; i++ {
				for j := 0; j < ninput; j++ {
					v.Set(i, j, m.rng.NormFloat64())
				}
			}
			m.Vs[k] = v
		}
	}

	m.as = make([]*mat.Dense, nstate)
	for k := range m.as {
		if form == GaussianIndep {
			a := mat.NewDense(ndim, nlags, nil)
			for d := 0; d < ndim; d++ {
				a.Set(d, 0, 0.95)
			}
			m.as[k] = a
		} else {
			a := mat.NewDense(ndim, ndim*nlags, nil)
			rot := reglib.RandomRotation(m.rng, ndim)
			block := a.Slice(0, ndim, 0, ndim).(*mat.Dense)
			block.Scale(0.95, rot)
			m.as[k] = a
		}
	}

	if m.fullCov() {
		m.sqrtSigmas = make([]*mat.Dense, nstate)
		m.sqrtSigmasInit = make([]*mat.Dense, nstate)
		for k := 0; k < nstate; k++ {
			s := mat.NewDense(ndim, ndim, nil)
			eye := mat.NewDense(ndim, ndim, nil)
			for i := 0; i < ndim; i++ {
				eye.Set(i, i, 1)
				for j := 0; j < ndim; j++ {
					s.Set(i, j, m.rng.NormFloat64())
				}
			}
			m.sqrtSigmas[k] = s
			m.sqrtSigmasInit[k] = eye
		}
	} else {
		m.logSigmaSq = mat.NewDense(nstate, ndim, nil)
		m.logSigmaSqInit = mat.NewDense(nstate, ndim, nil)
	}

	switch form {
	case StudentsTFull:
		m.logNus = make([]float64, nstate)
		for k := range m.logNus {
			m.logNus[k] = math.Log(4)
		}
	case StudentsTIndep:
		m.logNusDim = mat.NewDense(nstate, ndim, nil)
		for k := 0; k < nstate; k++ {
			for d := 0; d < ndim; d++ {
				m.logNusDim.Set(k, d, math.Log(4))
			}
		}
	}

	return m, nil
}

// fullCov reports whether the noise covariance is stored as a dense
// square-root factor.
func (m *ARModel) fullCov() bool {
	return m.Form == GaussianFull || m.Form == StudentsTFull
}

// nregress is the number of regressors in the stacked design: lagged
// observations, inputs, and a constant.
func (m *ARModel) nregress() int {
	return m.NDim*m.NLags + m.NInput + 1
}

// checkSequence validates one sequence's shapes and returns its length.
func (m *ARModel) checkSequence(data, input *mat.Dense) (int, error) {
	if data == nil {
		return 0, fmt.Errorf("arlib: nil data sequence")
	}
	T, d := data.Dims()
	if d != m.NDim {
		return 0, fmt.Errorf("arlib: data has dimension %d, model has %d", d, m.NDim)
	}
	if T < m.NLags {
		return 0, fmt.Errorf("arlib: sequence length %d below lag order %d", T, m.NLags)
	}
	if m.NInput > 0 {
		if input == nil {
			return 0, fmt.Errorf("arlib: nil input for model with %d input dimensions", m.NInput)
		}
		ri, ci := input.Dims()
		if ri != T {
			return 0, fmt.Errorf("arlib: input has %d rows for %d observations", ri, T)
		}
		if ci < m.NInput {
			return 0, fmt.Errorf("arlib: input has dimension %d, model needs %d", ci, m.NInput)
		}
	}
	return T, nil
}

// randnVec fills and returns a fresh standard normal vector.
func (m *ARModel) randnVec(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = m.rng.NormFloat64()
	}
	return v
}

// LagCoefs returns the stored lag-coefficient matrices: one
// NDim x (NDim*NLags) block per state, or NDim x NLags per-dimension
// scalars for GaussianIndep. The matrices are live references.
func (m *ARModel) LagCoefs() []*mat.Dense {
	return m.as
}

// As returns the dense lag-coefficient matrices. For GaussianIndep the
// result is derived from the per-dimension scalars and mutating it has
// no effect; use SetLagCoefs to change the stored form.
func (m *ARModel) As() []*mat.Dense {
	if m.Form != GaussianIndep {
		return m.as
	}
	out := make([]*mat.Dense, m.NState)
	for k := range out {
		a := mat.NewDense(m.NDim, m.NDim*m.NLags, nil)
		for d := 0; d < m.NDim; d++ {
			for l := 0; l < m.NLags; l++ {
				a.Set(d, l*m.NDim+d, m.as[k].At(d, l))
			}
		}
		out[k] = a
	}
	return out
}

// SetAs replaces the dense lag-coefficient matrices. GaussianIndep
// models store per-dimension scalars and reject dense assignment.
func (m *ARModel) SetAs(as []*mat.Dense) error {
	if m.Form == GaussianIndep {
		return &UnsupportedOperationError{Op: "SetAs", Form: m.Form}
	}
	return m.SetLagCoefs(as)
}

// SetLagCoefs replaces the stored lag coefficients, in the stored
// form's shape.
func (m *ARModel) SetLagCoefs(as []*mat.Dense) error {
	cols := m.NDim * m.NLags
	if m.Form == GaussianIndep {
		cols = m.NLags
	}
	if len(as) != m.NState {
		return &InvalidParameterError{Param: "As", Reason: fmt.Sprintf("%d matrices for %d states", len(as), m.NState)}
	}
	for k, a := range as {
		r, c := a.Dims()
		if r != m.NDim || c != cols {
			return &InvalidParameterError{Param: "As",
				Reason: fmt.Sprintf("state %d is %dx%d, want %dx%d", k, r, c, m.NDim, cols)}
		}
	}
	for k, a := range as {
		m.as[k].Copy(a)
	}
	return nil
}

// Sigmas returns the per-state noise covariances, derived from the
// stored square-root factors or log variances.
func (m *ARModel) Sigmas() []*mat.SymDense {
	if m.fullCov() {
		return derivedCovs(m.sqrtSigmas)
	}
	return diagCovs(m.logSigmaSq)
}

// SigmasInit returns the per-state initial-condition covariances.
func (m *ARModel) SigmasInit() []*mat.SymDense {
	if m.fullCov() {
		return derivedCovs(m.sqrtSigmasInit)
	}
	return diagCovs(m.logSigmaSqInit)
}

func derivedCovs(factors []*mat.Dense) []*mat.SymDense {
	out := make([]*mat.SymDense, len(factors))
	for k, s := range factors {
		d, _ := s.Dims()
		sym := mat.NewSymDense(d, nil)
		sym.SymOuterK(1, s)
		out[k] = sym
	}
	return out
}

func diagCovs(logSigmaSq *mat.Dense) []*mat.SymDense {
	K, D := logSigmaSq.Dims()
	out := make([]*mat.SymDense, K)
	for k := 0; k < K; k++ {
		sym := mat.NewSymDense(D, nil)
		for d := 0; d < D; d++ {
			sym.SetSym(d, d, math.Exp(logSigmaSq.At(k, d)))
		}
		out[k] = sym
	}
	return out
}

// SetSigmas replaces the noise covariances. Full-covariance forms
// require symmetric positive definite matrices; diagonal forms keep
// only the diagonal, which must be strictly positive. On error no
// parameter is modified.
func (m *ARModel) SetSigmas(sigmas []*mat.SymDense) error {
	return m.setCovs(sigmas, "Sigmas", false)
}

// SetSigmasInit replaces the initial-condition covariances under the
// same validation as SetSigmas.
func (m *ARModel) SetSigmasInit(sigmas []*mat.SymDense) error {
	return m.setCovs(sigmas, "SigmasInit", true)
}

func (m *ARModel) setCovs(sigmas []*mat.SymDense, param string, init bool) error {
	if len(sigmas) != m.NState {
		return &InvalidParameterError{Param: param, Reason: fmt.Sprintf("%d matrices for %d states", len(sigmas), m.NState)}
	}
	for k, s := range sigmas {
		if n := s.SymmetricDim(); n != m.NDim {
			return &InvalidParameterError{Param: param,
				Reason: fmt.Sprintf("state %d is %dx%d, want %dx%d", k, n, n, m.NDim, m.NDim)}
		}
	}

	if m.fullCov() {
		factors := make([]*mat.Dense, m.NState)
		for k, s := range sigmas {
			var chol mat.Cholesky
			if !chol.Factorize(s) {
				return &InvalidParameterError{Param: param,
					Reason: fmt.Sprintf("state %d covariance is not positive definite", k)}
			}
			var tri mat.TriDense
			chol.LTo(&tri)
			f := mat.NewDense(m.NDim, m.NDim, nil)
			f.Copy(&tri)
			factors[k] = f
		}
		if init {
			m.sqrtSigmasInit = factors
		} else {
			m.sqrtSigmas = factors
		}
		return nil
	}

	logs := mat.NewDense(m.NState, m.NDim, nil)
	for k, s := range sigmas {
		for d := 0; d < m.NDim; d++ {
			v := s.At(d, d)
			if v <= 0 {
				return &InvalidParameterError{Param: param,
					Reason: fmt.Sprintf("state %d variance %v in dimension %d not positive", k, v, d)}
			}
			logs.Set(k, d, math.Log(v))
		}
	}
	if init {
		m.logSigmaSqInit = logs
	} else {
		m.logSigmaSq = logs
	}
	return nil
}

// SigmaSq returns the per-state, per-dimension noise variances of the
// diagonal forms as an NState x NDim matrix, nil for the
// full-covariance forms.
func (m *ARModel) SigmaSq() *mat.Dense {
	if m.fullCov() {
		return nil
	}
	return expMatrix(m.logSigmaSq)
}

// SigmaSqInit returns the initial-condition variances of the diagonal
// forms, nil for the full-covariance forms.
func (m *ARModel) SigmaSqInit() *mat.Dense {
	if m.fullCov() {
		return nil
	}
	return expMatrix(m.logSigmaSqInit)
}

// SetSigmaSq replaces the per-dimension noise variances of a
// diagonal-form model. Every variance must be strictly positive; on
// error nothing is modified.
func (m *ARModel) SetSigmaSq(s *mat.Dense) error {
	return m.setSigmaSq(s, "SigmaSq", false)
}

// SetSigmaSqInit replaces the initial-condition variances under the
// same validation as SetSigmaSq.
func (m *ARModel) SetSigmaSqInit(s *mat.Dense) error {
	return m.setSigmaSq(s, "SigmaSqInit", true)
}

func (m *ARModel) setSigmaSq(s *mat.Dense, param string, init bool) error {
	if m.fullCov() {
		return &UnsupportedOperationError{Op: "Set" + param, Form: m.Form}
	}
	r, c := s.Dims()
	if r != m.NState || c != m.NDim {
		return &InvalidParameterError{Param: param,
			Reason: fmt.Sprintf("shape %dx%d, want %dx%d", r, c, m.NState, m.NDim)}
	}
	logs := mat.NewDense(m.NState, m.NDim, nil)
	for k := 0; k < r; k++ {
		for d := 0; d < c; d++ {
			v := s.At(k, d)
			if v <= 0 {
				return &InvalidParameterError{Param: param,
					Reason: fmt.Sprintf("state %d variance %v in dimension %d not positive", k, v, d)}
			}
			logs.Set(k, d, math.Log(v))
		}
	}
	if init {
		m.logSigmaSqInit = logs
	} else {
		m.logSigmaSq = logs
	}
	return nil
}

// Nus returns the per-state Student's t degrees of freedom for
// StudentsTFull models, nil otherwise.
func (m *ARModel) Nus() []float64 {
	if m.Form != StudentsTFull {
		return nil
	}
	out := make([]float64, m.NState)
	for k, v := range m.logNus {
		out[k] = math.Exp(v)
	}
	return out
}

// SetNus replaces the per-state degrees of freedom of a StudentsTFull
// model.
func (m *ARModel) SetNus(nus []float64) error {
	if m.Form != StudentsTFull {
		return &UnsupportedOperationError{Op: "SetNus", Form: m.Form}
	}
	if len(nus) != m.NState {
		return &InvalidParameterError{Param: "Nus", Reason: fmt.Sprintf("%d values for %d states", len(nus), m.NState)}
	}
	for k, v := range nus {
		if v <= 0 {
			return &InvalidParameterError{Param: "Nus", Reason: fmt.Sprintf("state %d dof %v not positive", k, v)}
		}
	}
	for k, v := range nus {
		m.logNus[k] = math.Log(v)
	}
	return nil
}

// DimNus returns the per-state, per-dimension degrees of freedom for
// StudentsTIndep models, nil otherwise.
func (m *ARModel) DimNus() *mat.Dense {
	if m.Form != StudentsTIndep {
		return nil
	}
	out := mat.NewDense(m.NState, m.NDim, nil)
	for k := 0; k < m.NState; k++ {
		for d := 0; d < m.NDim; d++ {
			out.Set(k, d, math.Exp(m.logNusDim.At(k, d)))
		}
	}
	return out
}

// SetDimNus replaces the degrees of freedom of a StudentsTIndep model.
func (m *ARModel) SetDimNus(nus *mat.Dense) error {
	if m.Form != StudentsTIndep {
		return &UnsupportedOperationError{Op: "SetDimNus", Form: m.Form}
	}
	r, c := nus.Dims()
	if r != m.NState || c != m.NDim {
		return &InvalidParameterError{Param: "DimNus", Reason: fmt.Sprintf("shape %dx%d, want %dx%d", r, c, m.NState, m.NDim)}
	}
	for k := 0; k < r; k++ {
		for d := 0; d < c; d++ {
			if v := nus.At(k, d); v <= 0 {
				return &InvalidParameterError{Param: "DimNus",
					Reason: fmt.Sprintf("state %d dimension %d dof %v not positive", k, d, v)}
			}
		}
	}
	for k := 0; k < r; k++ {
		for d := 0; d < c; d++ {
			m.logNusDim.Set(k, d, math.Log(nus.At(k, d)))
		}
	}
	return nil
}

// Permute relabels the discrete states: state i takes the parameters
// previously held by state perm[i].
func (m *ARModel) Permute(perm []int) error {
	if len(perm) != m.NState {
		return &InvalidParameterError{Param: "perm", Reason: fmt.Sprintf("%d entries for %d states", len(perm), m.NState)}
	}
	seen := make([]bool, m.NState)
	for _, p := range perm {
		if p < 0 || p >= m.NState || seen[p] {
			return &InvalidParameterError{Param: "perm", Reason: "not a permutation of the states"}
		}
		seen[p] = true
	}

	permuteRows(m.MuInit, perm)
	permuteRows(m.Bs, perm)
	m.as = permuteSlice(m.as, perm)
	if m.Vs != nil {
		m.Vs = permuteSlice(m.Vs, perm)
	}
	if m.fullCov() {
		m.sqrtSigmas = permuteSlice(m.sqrtSigmas, perm)
		m.sqrtSigmasInit = permuteSlice(m.sqrtSigmasInit, perm)
	} else {
		permuteRows(m.logSigmaSq, perm)
		permuteRows(m.logSigmaSqInit, perm)
	}
	switch m.Form {
	case StudentsTFull:
		old := append([]float64(nil), m.logNus...)
		for i, p := range perm {
			m.logNus[i] = old[p]
		}
	case StudentsTIndep:
		permuteRows(m.logNusDim, perm)
	}
	return nil
}

func permuteRows(a *mat.Dense, perm []int) {
	r, c := a.Dims()
	old := mat.NewDense(r, c, nil)
	old.Copy(a)
	for i, p := range perm {
		a.SetRow(i, old.RawRowView(p))
	}
}

func permuteSlice(s []*mat.Dense, perm []int) []*mat.Dense {
	out := make([]*mat.Dense, len(s))
	for i, p := range perm {
		out[i] = s[p]
	}
	return out
}
