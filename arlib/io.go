package arlib

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// ModelState is a flat snapshot of every stored parameter, suitable
// for gob encoding. Matrices are row major; per-state matrices keep
// one slice per state.
type ModelState struct {
	Form                         NoiseForm
	NState, NDim, NInput, NLags  int
	MuInit                       []float64
	Bs                           []float64
	As                           [][]float64
	Vs                           [][]float64
	SqrtSigmas                   [][]float64
	SqrtSigmasInit               [][]float64
	LogSigmaSq                   []float64
	LogSigmaSqInit               []float64
	LogNus                       []float64
	LogNusDim                    []float64
	PenaltyA, PenaltyV, PenaltyB float64
}

// State snapshots the model parameters in their stored representation.
func (m *ARModel) State() *ModelState {
	st := &ModelState{
		Form:     m.Form,
		NState:   m.NState,
		NDim:     m.NDim,
		NInput:   m.NInput,
		NLags:    m.NLags,
		MuInit:   flatten(m.MuInit),
		Bs:       flatten(m.Bs),
		As:       flattenAll(m.as),
		PenaltyA: m.penaltyA,
		PenaltyV: m.penaltyV,
		PenaltyB: m.penaltyB,
	}
	if m.NInput > 0 {
		st.Vs = flattenAll(m.Vs)
	}
	if m.fullCov() {
		st.SqrtSigmas = flattenAll(m.sqrtSigmas)
		st.SqrtSigmasInit = flattenAll(m.sqrtSigmasInit)
	} else {
		st.LogSigmaSq = flatten(m.logSigmaSq)
		st.LogSigmaSqInit = flatten(m.logSigmaSqInit)
	}
	switch m.Form {
	case StudentsTFull:
		st.LogNus = append([]float64(nil), m.logNus...)
	case StudentsTIndep:
		st.LogNusDim = flatten(m.logNusDim)
	}
	return st
}

// NewFromState rebuilds a model from a parameter snapshot. The random
// source is freshly seeded; pass WithSeed for reproducibility.
func NewFromState(st *ModelState, opts ...Option) (*ARModel, error) {
	m, err := New(st.Form, st.NState, st.NDim, st.NInput, st.NLags, opts...)
	if err != nil {
		return nil, err
	}
	if st.PenaltyA <= 0 || st.PenaltyV <= 0 || st.PenaltyB <= 0 {
		return nil, &InvalidParameterError{Param: "penalties", Reason: "must be positive"}
	}
	m.penaltyA, m.penaltyV, m.penaltyB = st.PenaltyA, st.PenaltyV, st.PenaltyB

	if err := fillDense(m.MuInit, st.MuInit, "MuInit"); err != nil {
		return nil, err
	}
	if err := fillDense(m.Bs, st.Bs, "Bs"); err != nil {
		return nil, err
	}
	if err := fillAll(m.as, st.As, "As"); err != nil {
		return nil, err
	}
	if m.NInput > 0 {
		if err := fillAll(m.Vs, st.Vs, "Vs"); err != nil {
			return nil, err
		}
	}
	if m.fullCov() {
		if err := fillAll(m.sqrtSigmas, st.SqrtSigmas, "SqrtSigmas"); err != nil {
			return nil, err
		}
		if err := fillAll(m.sqrtSigmasInit, st.SqrtSigmasInit, "SqrtSigmasInit"); err != nil {
			return nil, err
		}
	} else {
		if err := fillDense(m.logSigmaSq, st.LogSigmaSq, "LogSigmaSq"); err != nil {
			return nil, err
		}
		if err := fillDense(m.logSigmaSqInit, st.LogSigmaSqInit, "LogSigmaSqInit"); err != nil {
			return nil, err
		}
	}
	switch m.Form {
	case StudentsTFull:
		if len(st.LogNus) != m.NState {
			return nil, &InvalidParameterError{Param: "LogNus",
				Reason: fmt.Sprintf("%d values for %d states", len(st.LogNus), m.NState)}
		}
		copy(m.logNus, st.LogNus)
	case StudentsTIndep:
		if err := fillDense(m.logNusDim, st.LogNusDim, "LogNusDim"); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Save writes the model parameters to a gzip-compressed gob file.
func (m *ARModel) Save(fname string) error {
	fid, err := os.Create(fname)
	if err != nil {
		return err
	}

	gid := gzip.NewWriter(fid)
	enc := gob.NewEncoder(gid)
	if err := enc.Encode(m.State()); err != nil {
		fid.Close()
		return err
	}
	if err := gid.Close(); err != nil {
		fid.Close()
		return err
	}
	return fid.Close()
}

// ReadModel reads a model written by Save.
func ReadModel(fname string) (*ARModel, error) {
	fid, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fid.Close()

	gid, err := gzip.NewReader(fid)
	if err != nil {
		return nil, err
	}
	defer gid.Close()

	dec := gob.NewDecoder(gid)

	var st ModelState
	if err := dec.Decode(&st); err != nil {
		return nil, err
	}

	return NewFromState(&st)
}

func flatten(a *mat.Dense) []float64 {
	r, c := a.Dims()
	out := make([]float64, r*c)
	for i := 0; i < r; i++ {
		copy(out[i*c:(i+1)*c], a.RawRowView(i))
	}
	return out
}

func flattenAll(as []*mat.Dense) [][]float64 {
	out := make([][]float64, len(as))
	for k, a := range as {
		out[k] = flatten(a)
	}
	return out
}

func fillDense(dst *mat.Dense, src []float64, name string) error {
	r, c := dst.Dims()
	if len(src) != r*c {
		return &InvalidParameterError{Param: name,
			Reason: fmt.Sprintf("%d values for a %dx%d matrix", len(src), r, c)}
	}
	for i := 0; i < r; i++ {
		copy(dst.RawRowView(i), src[i*c:(i+1)*c])
	}
	return nil
}

func fillAll(dst []*mat.Dense, src [][]float64, name string) error {
	if len(src) != len(dst) {
		return &InvalidParameterError{Param: name,
			Reason: fmt.Sprintf("%d matrices for %d states", len(src), len(dst))}
	}
	for k := range dst {
		if err := fillDense(dst[k], src[k], name); err != nil {
			return err
		}
	}
	return nil
}
