package arlib

import (
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// simulateSequence draws one sequence from the model along a fixed
// state path.
func simulateSequence(t *testing.T, m *ARModel, states []int, input *mat.Dense) *mat.Dense {
	t.Helper()
	T := len(states)
	data := mat.NewDense(T, m.NDim, nil)
	for t0 := 0; t0 < T; t0++ {
		var hist *mat.Dense
		if t0 > 0 {
			hist = data.Slice(0, t0, 0, m.NDim).(*mat.Dense)
		}
		var u []float64
		if input != nil {
			u = input.RawRowView(t0)
		}
		x, err := m.SampleX(states[t0], hist, u, true)
		if err != nil {
			t.Fatalf("SampleX at step %d: %v", t0, err)
		}
		data.SetRow(t0, x)
	}
	return data
}

func blockStates(T, period, K int) []int {
	z := make([]int, T)
	for t := range z {
		z[t] = (t / period) % K
	}
	return z
}

func oneHot(states []int, K int) *mat.Dense {
	ez := mat.NewDense(len(states), K, nil)
	for t, z := range states {
		ez.Set(t, z, 1)
	}
	return ez
}

// testModel builds a two-state, two-dimensional model with one input,
// stable dynamics, and moderate noise.
func testModel(t *testing.T, form NoiseForm, seed uint64) *ARModel {
	t.Helper()
	m, err := New(form, 2, 2, 1, 1, WithSeed(seed))
	if err != nil {
		t.Fatal(err)
	}
	var as []*mat.Dense
	if form == GaussianIndep {
		as = []*mat.Dense{
			mat.NewDense(2, 1, []float64{0.5, 0.4}),
			mat.NewDense(2, 1, []float64{-0.3, 0.6}),
		}
	} else {
		as = []*mat.Dense{
			mat.NewDense(2, 2, []float64{0.5, 0.1, -0.1, 0.4}),
			mat.NewDense(2, 2, []float64{-0.3, 0.2, 0, 0.6}),
		}
	}
	if err := m.SetLagCoefs(as); err != nil {
		t.Fatal(err)
	}
	m.Bs.SetRow(0, []float64{0.5, -0.5})
	m.Bs.SetRow(1, []float64{-1, 1})
	for k := range m.Vs {
		m.Vs[k].Set(0, 0, 0.2)
		m.Vs[k].Set(1, 0, -0.1)
	}
	quarter := []*mat.SymDense{
		mat.NewSymDense(2, []float64{0.25, 0, 0, 0.25}),
		mat.NewSymDense(2, []float64{0.25, 0, 0, 0.25}),
	}
	if err := m.SetSigmas(quarter); err != nil {
		t.Fatal(err)
	}
	eye := []*mat.SymDense{
		mat.NewSymDense(2, []float64{1, 0, 0, 1}),
		mat.NewSymDense(2, []float64{1, 0, 0, 1}),
	}
	if err := m.SetSigmasInit(eye); err != nil {
		t.Fatal(err)
	}
	return m
}

func denseHasNaN(a *mat.Dense) bool {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(a.At(i, j)) {
				return true
			}
		}
	}
	return false
}

func TestMStepRecoverSingleState(t *testing.T) {
	truth, err := New(GaussianFull, 1, 2, 0, 1, WithSeed(11))
	if err != nil {
		t.Fatal(err)
	}
	trueA := mat.NewDense(2, 2, []float64{0.6, 0.1, -0.2, 0.5})
	if err := truth.SetLagCoefs([]*mat.Dense{trueA}); err != nil {
		t.Fatal(err)
	}
	truth.Bs.SetRow(0, []float64{0.4, -0.3})
	if err := truth.SetSigmas([]*mat.SymDense{mat.NewSymDense(2, []float64{0.04, 0, 0, 0.04})}); err != nil {
		t.Fatal(err)
	}

	T := 2000
	states := make([]int, T)
	data := simulateSequence(t, truth, states, nil)

	est, err := New(GaussianFull, 1, 2, 0, 1, WithSeed(42))
	if err != nil {
		t.Fatal(err)
	}
	ez := oneHot(states, 1)
	if err := est.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, nil); err != nil {
		t.Fatalf("MStep: %v", err)
	}

	gotA := est.As()[0]
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if !scalar.EqualWithinAbs(gotA.At(i, j), trueA.At(i, j), 0.08) {
				t.Errorf("A[%d,%d] = %v, want about %v", i, j, gotA.At(i, j), trueA.At(i, j))
			}
		}
		if !scalar.EqualWithinAbs(est.Bs.At(0, i), truth.Bs.At(0, i), 0.1) {
			t.Errorf("b[%d] = %v, want about %v", i, est.Bs.At(0, i), truth.Bs.At(0, i))
		}
	}
	sig := est.Sigmas()[0]
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 0.04
			}
			if !scalar.EqualWithinAbs(sig.At(i, j), want, 0.01) {
				t.Errorf("Sigma[%d,%d] = %v, want about %v", i, j, sig.At(i, j), want)
			}
		}
	}
}

func TestMStepRecoverTwoStates(t *testing.T) {
	rng := rand.New(rand.NewPCG(14, 3))
	truth := testModel(t, GaussianDiag, 21)

	T := 2000
	states := blockStates(T, 50, 2)
	input := randomSequence(rng, T, 1)
	data := simulateSequence(t, truth, states, input)
	ez := oneHot(states, 2)

	est := testModel(t, GaussianDiag, 22)
	// Pull the start away from the truth so the fit has work to do.
	est.Bs.SetRow(0, []float64{2, 2})
	est.Bs.SetRow(1, []float64{2, 2})

	ll0, err := est.ExpectedLogLik([]*mat.Dense{ez}, []*mat.Dense{data}, []*mat.Dense{input}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := est.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, []*mat.Dense{input}, nil); err != nil {
		t.Fatalf("MStep: %v", err)
	}
	ll1, err := est.ExpectedLogLik([]*mat.Dense{ez}, []*mat.Dense{data}, []*mat.Dense{input}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ll1 <= ll0 {
		t.Errorf("expected log likelihood fell from %v to %v", ll0, ll1)
	}

	for k := 0; k < 2; k++ {
		if !mat.EqualApprox(est.As()[k], truth.As()[k], 0.15) {
			t.Errorf("state %d lag coefficients:\n got %v\nwant %v",
				k, mat.Formatted(est.As()[k]), mat.Formatted(truth.As()[k]))
		}
		if !mat.EqualApprox(est.Vs[k], truth.Vs[k], 0.15) {
			t.Errorf("state %d input couplings: got %v", k, mat.Formatted(est.Vs[k]))
		}
		for d := 0; d < 2; d++ {
			if !scalar.EqualWithinAbs(est.Bs.At(k, d), truth.Bs.At(k, d), 0.25) {
				t.Errorf("b[%d,%d] = %v, want about %v", k, d, est.Bs.At(k, d), truth.Bs.At(k, d))
			}
			if got := est.Sigmas()[k].At(d, d); !scalar.EqualWithinAbs(got, 0.25, 0.08) {
				t.Errorf("state %d variance %v, want about 0.25", k, got)
			}
		}
	}
	if est.Warnings.UnusedStates != 0 {
		t.Errorf("%d unused-state restarts on well-used states", est.Warnings.UnusedStates)
	}
}

func TestMStepImprovesExpectedLogLik(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 27))
	for _, form := range allForms {
		truth := testModel(t, form, 31)
		T := 800
		states := blockStates(T, 40, 2)
		input := randomSequence(rng, T, 1)
		data := simulateSequence(t, truth, states, input)
		ez := oneHot(states, 2)

		est, err := New(form, 2, 2, 1, 1, WithSeed(77))
		if err != nil {
			t.Fatal(err)
		}
		eye := []*mat.SymDense{
			mat.NewSymDense(2, []float64{1, 0, 0, 1}),
			mat.NewSymDense(2, []float64{1, 0, 0, 1}),
		}
		if err := est.SetSigmas(eye); err != nil {
			t.Fatal(err)
		}
		if err := est.SetSigmasInit(eye); err != nil {
			t.Fatal(err)
		}

		ll0, err := est.ExpectedLogLik([]*mat.Dense{ez}, []*mat.Dense{data}, []*mat.Dense{input}, nil)
		if err != nil {
			t.Fatalf("%v: ExpectedLogLik: %v", form, err)
		}
		var opts []MStepOption
		if form == StudentsTFull || form == StudentsTIndep {
			opts = append(opts, WithInnerIters(3))
		}
		if err := est.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, []*mat.Dense{input}, nil, opts...); err != nil {
			t.Fatalf("%v: MStep: %v", form, err)
		}
		ll1, err := est.ExpectedLogLik([]*mat.Dense{ez}, []*mat.Dense{data}, []*mat.Dense{input}, nil)
		if err != nil {
			t.Fatalf("%v: ExpectedLogLik: %v", form, err)
		}
		if ll1 <= ll0 {
			t.Errorf("%v: expected log likelihood fell from %v to %v", form, ll0, ll1)
		}
	}
}

func TestMStepUnusedState(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 30))
	est, err := New(GaussianFull, 2, 1, 0, 1, WithSeed(55))
	if err != nil {
		t.Fatal(err)
	}

	T := 80
	data := randomSequence(rng, T, 1)
	// All responsibility mass on state 0: state 1 must be restarted
	// near it rather than fit to nothing.
	ez := mat.NewDense(T, 2, nil)
	for t0 := 0; t0 < T; t0++ {
		ez.Set(t0, 0, 1)
	}

	if err := est.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, nil); err != nil {
		t.Fatalf("MStep: %v", err)
	}
	if est.Warnings.UnusedStates != 1 {
		t.Errorf("%d unused-state restarts, want 1", est.Warnings.UnusedStates)
	}
	if !mat.EqualApprox(est.Sigmas()[1], est.Sigmas()[0], 1e-12) {
		t.Error("restarted state did not copy the used state's covariance")
	}
	if !mat.EqualApprox(est.As()[1], est.As()[0], 0.06) {
		t.Errorf("restarted dynamics %v far from source %v",
			mat.Formatted(est.As()[1]), mat.Formatted(est.As()[0]))
	}
	if !scalar.EqualWithinAbs(est.Bs.At(1, 0), est.Bs.At(0, 0), 0.06) {
		t.Errorf("restarted bias %v far from source %v", est.Bs.At(1, 0), est.Bs.At(0, 0))
	}
	if denseHasNaN(est.Bs) || denseHasNaN(est.As()[1]) {
		t.Error("NaN parameters after restart")
	}
}

func TestMStepPriorPinsSolution(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 12))
	m, err := New(GaussianFull, 1, 1, 0, 1, WithSeed(33))
	if err != nil {
		t.Fatal(err)
	}
	T := 50
	data := randomSequence(rng, T, 1)
	ez := oneHot(make([]int, T), 1)

	// An overwhelming prior pins the stacked coefficients at its mean.
	c := 1e8
	j0 := []*mat.SymDense{mat.NewSymDense(2, []float64{c, 0, 0, c})}
	h0 := []*mat.Dense{mat.NewDense(2, 1, []float64{c * 0.3, c * 0.7})}
	if err := m.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, nil, WithPrior(j0, h0)); err != nil {
		t.Fatalf("MStep: %v", err)
	}
	if got := m.As()[0].At(0, 0); !scalar.EqualWithinAbs(got, 0.3, 1e-3) {
		t.Errorf("lag coefficient %v, want 0.3", got)
	}
	if got := m.Bs.At(0, 0); !scalar.EqualWithinAbs(got, 0.7, 1e-3) {
		t.Errorf("bias %v, want 0.7", got)
	}
}

func TestMStepPriorValidation(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 13))
	T := 20
	data := randomSequence(rng, T, 1)

	m, err := New(GaussianFull, 1, 1, 0, 1, WithSeed(34))
	if err != nil {
		t.Fatal(err)
	}
	ez := oneHot(make([]int, T), 1)
	j0 := []*mat.SymDense{mat.NewSymDense(2, []float64{1, 0, 0, 1})}
	h0 := []*mat.Dense{mat.NewDense(2, 1, nil)}

	var ipe *InvalidParameterError
	err = m.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, nil, WithPrior(j0, nil))
	if !errors.As(err, &ipe) {
		t.Errorf("half-set prior: %v", err)
	}
	err = m.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, nil,
		WithPrior([]*mat.SymDense{mat.NewSymDense(3, nil)}, h0))
	if !errors.As(err, &ipe) {
		t.Errorf("wrong precision shape: %v", err)
	}
	err = m.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, nil,
		WithPrior(j0, []*mat.Dense{mat.NewDense(3, 1, nil)}))
	if !errors.As(err, &ipe) {
		t.Errorf("wrong linear term shape: %v", err)
	}

	// The per-dimension forms have no joint design to attach a prior to.
	var ue *UnsupportedOperationError
	for _, form := range []NoiseForm{GaussianIndep, StudentsTIndep} {
		mi, err := New(form, 1, 1, 0, 1, WithSeed(35))
		if err != nil {
			t.Fatal(err)
		}
		err = mi.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, nil, WithPrior(j0, h0))
		if !errors.As(err, &ue) {
			t.Errorf("%v: prior accepted: %v", form, err)
		}
	}
}

func TestMStepValidationLeavesModel(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 14))
	m, err := New(GaussianFull, 2, 1, 0, 1, WithSeed(36))
	if err != nil {
		t.Fatal(err)
	}
	T := 30
	data := randomSequence(rng, T, 1)
	ez := oneHot(blockStates(T, 5, 2), 2)
	before := m.State()

	if err := m.MStep([]*mat.Dense{mat.NewDense(T, 3, nil)}, []*mat.Dense{data}, nil, nil); err == nil {
		t.Error("responsibilities with the wrong state count accepted")
	}
	mask := make(Mask, T)
	for t0 := range mask {
		mask[t0] = []bool{true}
	}
	mask[4][0] = false
	if err := m.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, []Mask{mask}); !errors.Is(err, ErrMissingData) {
		t.Errorf("masked data: %v", err)
	}
	if err := m.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, nil, WithInnerIters(0)); err == nil {
		t.Error("zero inner iterations accepted")
	}

	if !reflect.DeepEqual(m.State(), before) {
		t.Error("failed calls modified the model")
	}
}

func TestMStepIndependentMaskedDimension(t *testing.T) {
	truth, err := New(GaussianIndep, 1, 2, 0, 1, WithSeed(61))
	if err != nil {
		t.Fatal(err)
	}
	if err := truth.SetLagCoefs([]*mat.Dense{mat.NewDense(2, 1, []float64{0.8, 0.5})}); err != nil {
		t.Fatal(err)
	}
	truth.Bs.SetRow(0, []float64{1, -1})
	if err := truth.SetSigmas([]*mat.SymDense{mat.NewSymDense(2, []float64{0.25, 0, 0, 0.25})}); err != nil {
		t.Fatal(err)
	}

	T := 400
	states := make([]int, T)
	data := simulateSequence(t, truth, states, nil)
	ez := oneHot(states, 1)

	// Dimension 1 is never observed, so its dynamics stay at the staged
	// zeros and its variance keeps the current value.
	mask := make(Mask, T)
	for t0 := range mask {
		mask[t0] = []bool{true, false}
	}

	est, err := New(GaussianIndep, 1, 2, 0, 1, WithSeed(62))
	if err != nil {
		t.Fatal(err)
	}
	if err := est.MStep([]*mat.Dense{ez}, []*mat.Dense{data}, nil, []Mask{mask}); err != nil {
		t.Fatalf("MStep: %v", err)
	}

	if got := est.LagCoefs()[0].At(0, 0); !scalar.EqualWithinAbs(got, 0.8, 0.15) {
		t.Errorf("observed dimension coefficient %v, want about 0.8", got)
	}
	if got := est.LagCoefs()[0].At(1, 0); got != 0 {
		t.Errorf("masked dimension coefficient %v, want 0", got)
	}
	if got := est.Bs.At(0, 1); got != 0 {
		t.Errorf("masked dimension bias %v, want 0", got)
	}
	if got := est.Sigmas()[0].At(1, 1); !scalar.EqualWithinAbs(got, 1, 1e-12) {
		t.Errorf("masked dimension variance %v, want the starting 1", got)
	}
}

func TestMStepInitOnlySequence(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 15))
	m, err := New(GaussianDiag, 1, 1, 0, 1, WithSeed(71))
	if err != nil {
		t.Fatal(err)
	}
	// One sequence carries only its initial observation; the other
	// drives the fit.
	short := mat.NewDense(1, 1, []float64{0.4})
	long := randomSequence(rng, 100, 1)
	ezs := []*mat.Dense{oneHot(make([]int, 1), 1), oneHot(make([]int, 100), 1)}

	if err := m.MStep(ezs, []*mat.Dense{short, long}, nil, nil); err != nil {
		t.Fatalf("MStep: %v", err)
	}
	if denseHasNaN(m.Bs) || denseHasNaN(m.LagCoefs()[0]) {
		t.Error("NaN parameters")
	}
}
