package arlib

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

func TestSampleXDeterministicRecurrence(t *testing.T) {
	m, err := New(GaussianDiag, 2, 1, 0, 1, WithSeed(3))
	if err != nil {
		t.Fatal(err)
	}
	coefs := []*mat.Dense{
		mat.NewDense(1, 1, []float64{0.5}),
		mat.NewDense(1, 1, []float64{-0.5}),
	}
	if err := m.SetLagCoefs(coefs); err != nil {
		t.Fatal(err)
	}
	m.Bs.Set(0, 0, 1)
	m.Bs.Set(1, 0, 0)

	// Without noise the draw is the exact linear recurrence.
	hist := mat.NewDense(1, 1, []float64{2})
	x, err := m.SampleX(0, hist, nil, false)
	if err != nil {
		t.Fatalf("SampleX: %v", err)
	}
	if !scalar.EqualWithinAbs(x[0], 2, 1e-12) {
		t.Errorf("state 0 mean %v, want 2", x[0])
	}
	x, err = m.SampleX(1, hist, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(x[0], -1, 1e-12) {
		t.Errorf("state 1 mean %v, want -1", x[0])
	}

	// Iterating state 0 from zero walks 1, 1.5, 1.75, ... toward the
	// fixed point at 2. Only the most recent lag feeds the draw.
	data := mat.NewDense(4, 1, nil)
	want := []float64{1, 1.5, 1.75}
	for t0 := 0; t0 < 3; t0++ {
		x, err := m.SampleX(0, data.Slice(0, t0+1, 0, 1).(*mat.Dense), nil, false)
		if err != nil {
			t.Fatal(err)
		}
		if !scalar.EqualWithinAbs(x[0], want[t0], 1e-12) {
			t.Errorf("step %d: got %v, want %v", t0, x[0], want[t0])
		}
		data.Set(t0+1, 0, x[0])
	}
}

func TestSampleXInitialCondition(t *testing.T) {
	m, err := New(GaussianDiag, 1, 2, 0, 2, WithSeed(5))
	if err != nil {
		t.Fatal(err)
	}
	m.MuInit.SetRow(0, []float64{7, -3})

	// Histories shorter than the lag order draw the initial condition.
	for _, hist := range []*mat.Dense{nil, mat.NewDense(1, 2, []float64{9, 9})} {
		x, err := m.SampleX(0, hist, nil, false)
		if err != nil {
			t.Fatalf("SampleX: %v", err)
		}
		if x[0] != 7 || x[1] != -3 {
			t.Errorf("initial draw %v, want the initial mean", x)
		}
	}
}

func TestSampleXErrors(t *testing.T) {
	m, err := New(GaussianDiag, 2, 2, 1, 1, WithSeed(7))
	if err != nil {
		t.Fatal(err)
	}
	hist := mat.NewDense(1, 2, nil)
	if _, err := m.SampleX(-1, hist, []float64{0}, false); err == nil {
		t.Error("negative state accepted")
	}
	if _, err := m.SampleX(2, hist, []float64{0}, false); err == nil {
		t.Error("out-of-range state accepted")
	}
	if _, err := m.SampleX(0, mat.NewDense(1, 3, nil), []float64{0}, false); err == nil {
		t.Error("history with the wrong dimension accepted")
	}
	if _, err := m.SampleX(0, hist, nil, false); err == nil {
		t.Error("missing input accepted")
	}
}

func TestSampleXNoiseMoments(t *testing.T) {
	m, err := New(GaussianDiag, 1, 1, 0, 1, WithSeed(9))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetLagCoefs([]*mat.Dense{mat.NewDense(1, 1, nil)}); err != nil {
		t.Fatal(err)
	}
	m.Bs.Set(0, 0, 2)
	if err := m.SetSigmas([]*mat.SymDense{mat.NewSymDense(1, []float64{4})}); err != nil {
		t.Fatal(err)
	}

	hist := mat.NewDense(1, 1, nil)
	n := 20000
	var sum, sumsq float64
	for i := 0; i < n; i++ {
		x, err := m.SampleX(0, hist, nil, true)
		if err != nil {
			t.Fatal(err)
		}
		sum += x[0]
		sumsq += x[0] * x[0]
	}
	mean := sum / float64(n)
	variance := sumsq/float64(n) - mean*mean
	if !scalar.EqualWithinAbs(mean, 2, 0.1) {
		t.Errorf("sample mean %v, want about 2", mean)
	}
	if !scalar.EqualWithinAbs(variance, 4, 0.3) {
		t.Errorf("sample variance %v, want about 4", variance)
	}
}

func TestSampleXStudentsT(t *testing.T) {
	m, err := New(StudentsTFull, 1, 2, 0, 1, WithSeed(11))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetSigmas([]*mat.SymDense{mat.NewSymDense(2, []float64{1, 0.3, 0.3, 1})}); err != nil {
		t.Fatal(err)
	}
	hist := mat.NewDense(1, 2, nil)
	for i := 0; i < 500; i++ {
		x, err := m.SampleX(0, hist, nil, true)
		if err != nil {
			t.Fatal(err)
		}
		for d, v := range x {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("draw %d dimension %d is %v", i, d, v)
			}
		}
	}

	mi, err := New(StudentsTIndep, 1, 2, 0, 1, WithSeed(13))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		x, err := mi.SampleX(0, hist, nil, true)
		if err != nil {
			t.Fatal(err)
		}
		for d, v := range x {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("draw %d dimension %d is %v", i, d, v)
			}
		}
	}
}
