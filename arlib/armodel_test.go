package arlib

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

var allForms = []NoiseForm{GaussianFull, GaussianDiag, GaussianIndep, StudentsTFull, StudentsTIndep}

func TestNewShapes(t *testing.T) {
	for _, form := range allForms {
		m, err := New(form, 3, 2, 1, 2, WithSeed(5))
		if err != nil {
			t.Fatalf("%v: New: %v", form, err)
		}
		if m.NState != 3 || m.NDim != 2 || m.NInput != 1 || m.NLags != 2 {
			t.Fatalf("%v: dims %d/%d/%d/%d", form, m.NState, m.NDim, m.NInput, m.NLags)
		}

		wantCols := 4
		if form == GaussianIndep {
			wantCols = 2
		}
		for k, a := range m.LagCoefs() {
			if r, c := a.Dims(); r != 2 || c != wantCols {
				t.Errorf("%v: state %d lag coefficients are %dx%d, want 2x%d", form, k, r, c, wantCols)
			}
		}
		for k, a := range m.As() {
			if r, c := a.Dims(); r != 2 || c != 4 {
				t.Errorf("%v: state %d dense lag coefficients are %dx%d", form, k, r, c)
			}
		}

		sigmas := m.Sigmas()
		if len(sigmas) != 3 {
			t.Fatalf("%v: %d covariances", form, len(sigmas))
		}
		switch form {
		case GaussianDiag, GaussianIndep, StudentsTIndep:
			// Diagonal forms start at unit variance.
			for k, s := range sigmas {
				for d := 0; d < 2; d++ {
					if !scalar.EqualWithinAbs(s.At(d, d), 1, 1e-12) {
						t.Errorf("%v: state %d starting variance %v", form, k, s.At(d, d))
					}
				}
			}
		}

		switch form {
		case StudentsTFull:
			for k, nu := range m.Nus() {
				if !scalar.EqualWithinAbs(nu, 4, 1e-12) {
					t.Errorf("state %d starting dof %v, want 4", k, nu)
				}
			}
			if m.DimNus() != nil {
				t.Error("per-dimension dof on a StudentsTFull model")
			}
		case StudentsTIndep:
			nus := m.DimNus()
			for k := 0; k < 3; k++ {
				for d := 0; d < 2; d++ {
					if !scalar.EqualWithinAbs(nus.At(k, d), 4, 1e-12) {
						t.Errorf("state %d dimension %d starting dof %v", k, d, nus.At(k, d))
					}
				}
			}
			if m.Nus() != nil {
				t.Error("per-state dof on a StudentsTIndep model")
			}
		default:
			if m.Nus() != nil || m.DimNus() != nil {
				t.Errorf("%v: degrees of freedom on a Gaussian model", form)
			}
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(NoiseForm(9), 2, 2, 0, 1); err == nil {
		t.Error("unknown form accepted")
	}
	if _, err := New(GaussianFull, 0, 2, 0, 1); err == nil {
		t.Error("zero states accepted")
	}
	if _, err := New(GaussianFull, 2, 2, 0, 0); err == nil {
		t.Error("zero lags accepted")
	}
	if _, err := New(GaussianFull, 2, 2, -1, 1); err == nil {
		t.Error("negative inputs accepted")
	}
	if _, err := New(GaussianFull, 2, 2, 0, 1, WithPenalties(0, 1, 1)); err == nil {
		t.Error("zero penalty accepted")
	}
}

func TestParseNoiseForm(t *testing.T) {
	for _, form := range allForms {
		got, err := ParseNoiseForm(form.String())
		if err != nil {
			t.Fatalf("ParseNoiseForm(%q): %v", form.String(), err)
		}
		if got != form {
			t.Errorf("ParseNoiseForm(%q) = %v", form.String(), got)
		}
	}
	if _, err := ParseNoiseForm("cauchy"); err == nil {
		t.Error("unknown form name accepted")
	}
}

func TestSetSigmasValidation(t *testing.T) {
	m, err := New(GaussianFull, 1, 2, 0, 1, WithSeed(3))
	if err != nil {
		t.Fatal(err)
	}
	before := m.Sigmas()

	// Indefinite matrix.
	bad := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	if err := m.SetSigmas([]*mat.SymDense{bad}); err == nil {
		t.Error("indefinite covariance accepted")
	}
	if err := m.SetSigmas(nil); err == nil {
		t.Error("wrong covariance count accepted")
	}
	if err := m.SetSigmas([]*mat.SymDense{mat.NewSymDense(3, nil)}); err == nil {
		t.Error("wrong covariance dimension accepted")
	}
	if !mat.EqualApprox(m.Sigmas()[0], before[0], 1e-12) {
		t.Error("rejected update modified the covariance")
	}

	md, err := New(GaussianDiag, 1, 2, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	neg := mat.NewSymDense(2, []float64{-1, 0, 0, 1})
	if err := md.SetSigmas([]*mat.SymDense{neg}); err == nil {
		t.Error("negative variance accepted")
	}

	// A valid update round trips through the stored factorization.
	good := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	if err := m.SetSigmas([]*mat.SymDense{good}); err != nil {
		t.Fatalf("SetSigmas: %v", err)
	}
	if !mat.EqualApprox(m.Sigmas()[0], good, 1e-12) {
		t.Errorf("stored covariance %v", mat.Formatted(m.Sigmas()[0]))
	}
}

func TestIndependentLagCoefs(t *testing.T) {
	m, err := New(GaussianIndep, 2, 3, 0, 2, WithSeed(7))
	if err != nil {
		t.Fatal(err)
	}

	var ue *UnsupportedOperationError
	if err := m.SetAs(m.As()); !errors.As(err, &ue) {
		t.Errorf("SetAs on an independent model: %v", err)
	}

	coefs := []*mat.Dense{
		mat.NewDense(3, 2, []float64{0.5, 0.1, -0.3, 0.2, 0.8, 0}),
		mat.NewDense(3, 2, []float64{0.1, 0, 0.2, 0, 0.3, 0}),
	}
	if err := m.SetLagCoefs(coefs); err != nil {
		t.Fatalf("SetLagCoefs: %v", err)
	}

	// The dense view scatters each scalar onto its own dimension.
	as := m.As()
	for k := range coefs {
		for d := 0; d < 3; d++ {
			for l := 0; l < 2; l++ {
				for j := 0; j < 3; j++ {
					want := 0.0
					if j == d {
						want = coefs[k].At(d, l)
					}
					if got := as[k].At(d, l*3+j); got != want {
						t.Errorf("state %d As[%d,%d] = %v, want %v", k, d, l*3+j, got, want)
					}
				}
			}
		}
	}

	if err := m.SetLagCoefs([]*mat.Dense{mat.NewDense(3, 6, nil), mat.NewDense(3, 6, nil)}); err == nil {
		t.Error("dense-shaped coefficients accepted by an independent model")
	}
}

func TestPermuteRoundTrip(t *testing.T) {
	m, err := New(StudentsTFull, 3, 2, 1, 1, WithSeed(19))
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < 3; k++ {
		m.MuInit.Set(k, 0, float64(k)+0.5)
		m.logNus[k] = float64(k)
	}
	muBefore := mat.DenseCopyOf(m.MuInit)
	bsBefore := mat.DenseCopyOf(m.Bs)
	nusBefore := m.Nus()
	sigmasBefore := m.Sigmas()
	asBefore := make([]*mat.Dense, 3)
	for k, a := range m.As() {
		asBefore[k] = mat.DenseCopyOf(a)
	}

	perm := []int{2, 0, 1}
	if err := m.Permute(perm); err != nil {
		t.Fatalf("Permute: %v", err)
	}
	for i, p := range perm {
		if got, want := m.MuInit.At(i, 0), muBefore.At(p, 0); got != want {
			t.Errorf("MuInit[%d] = %v, want %v", i, got, want)
		}
		if got, want := m.Nus()[i], nusBefore[p]; !scalar.EqualWithinAbs(got, want, 1e-12) {
			t.Errorf("Nus[%d] = %v, want %v", i, got, want)
		}
		if !mat.EqualApprox(m.Sigmas()[i], sigmasBefore[p], 1e-12) {
			t.Errorf("state %d covariance not relabeled", i)
		}
	}

	// The inverse permutation restores every parameter.
	if err := m.Permute([]int{1, 2, 0}); err != nil {
		t.Fatalf("inverse Permute: %v", err)
	}
	if !mat.Equal(m.MuInit, muBefore) || !mat.Equal(m.Bs, bsBefore) {
		t.Error("means not restored by the inverse permutation")
	}
	for k := range asBefore {
		if !mat.Equal(m.As()[k], asBefore[k]) {
			t.Errorf("state %d lag coefficients not restored", k)
		}
	}

	for _, bad := range [][]int{{0, 1}, {0, 0, 1}, {0, 1, 3}} {
		if err := m.Permute(bad); err == nil {
			t.Errorf("permutation %v accepted", bad)
		}
	}
	if !mat.Equal(m.MuInit, muBefore) {
		t.Error("rejected permutation modified the model")
	}
}

func TestSetNusValidation(t *testing.T) {
	m, err := New(StudentsTFull, 2, 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetNus([]float64{3, 5}); err != nil {
		t.Fatalf("SetNus: %v", err)
	}
	if got := m.Nus(); !scalar.EqualWithinAbs(got[0], 3, 1e-12) || !scalar.EqualWithinAbs(got[1], 5, 1e-12) {
		t.Errorf("Nus = %v", got)
	}
	if err := m.SetNus([]float64{3}); err == nil {
		t.Error("wrong dof count accepted")
	}
	if err := m.SetNus([]float64{3, -1}); err == nil {
		t.Error("negative dof accepted")
	}
	if err := m.SetDimNus(mat.NewDense(2, 1, []float64{3, 5})); err == nil {
		t.Error("per-dimension dof accepted by a StudentsTFull model")
	}

	mi, err := New(StudentsTIndep, 2, 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := mi.SetNus([]float64{3, 5}); err == nil {
		t.Error("per-state dof accepted by a StudentsTIndep model")
	}
	if err := mi.SetDimNus(mat.NewDense(2, 1, []float64{3, 0})); err == nil {
		t.Error("zero dof accepted")
	}
	if err := mi.SetDimNus(mat.NewDense(2, 1, []float64{2.5, 6})); err != nil {
		t.Fatalf("SetDimNus: %v", err)
	}
	if got := mi.DimNus().At(1, 0); !scalar.EqualWithinAbs(got, 6, 1e-12) {
		t.Errorf("DimNus[1,0] = %v", got)
	}
}
