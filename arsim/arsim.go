// Package arsim generates synthetic data from switching
// autoregressive models: Markov state paths, observation sequences
// sampled from an arlib model, and the oracle responsibilities that
// let the estimation programs run the M step against the known states.
package arsim

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"math/rand/v2"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/TravelDriffter/ssm/arlib"
)

// Dataset holds a simulated collection of sequences together with the
// generating parameters, in flat row-major form for gob encoding.
type Dataset struct {
	// NSeq is the number of sequences and NTime their common length.
	NSeq, NTime int

	// Init and Trans are the state-path law: initial probabilities and
	// the row-major NState x NState transition matrix.
	Init, Trans []float64

	// States holds the generating state path of each sequence.
	States [][]int

	// Datas holds each sequence's observations, row major T x NDim.
	Datas [][]float64

	// Inputs holds each sequence's exogenous inputs, row major
	// T x NInput, nil when the model takes no inputs.
	Inputs [][]float64

	// Model snapshots the generating observation model.
	Model *arlib.ModelState
}

// genDiscrete draws from the probability vector pr, which must sum
// to 1.
func genDiscrete(rng *rand.Rand, pr []float64) int {

	u := rng.Float64()
	p := 0.0
	for j := range pr {
		p += pr[j]
		if u < p {
			return j
		}
	}

	// Can't reach here with a probability vector
	panic("arsim: not a probability vector")
}

// GenStates generates nseq Markov state paths of length ntime with
// initial law init and transition matrix trans (row major, rows
// summing to 1).
func GenStates(rng *rand.Rand, init, trans []float64, nseq, ntime int) [][]int {

	nstate := len(init)
	states := make([][]int, nseq)

	for i := range states {
		z := make([]int, ntime)
		z[0] = genDiscrete(rng, init)
		for t := 1; t < ntime; t++ {
			row := trans[z[t-1]*nstate : (z[t-1]+1)*nstate]
			z[t] = genDiscrete(rng, row)
		}
		states[i] = z
	}

	return states
}

// GenDataset samples nseq sequences of length ntime from the model:
// a Markov state path per sequence, standard normal inputs when the
// model takes inputs, and observations drawn through the model's
// sampling law. The state path uses rng; observation noise uses the
// model's own random source.
func GenDataset(model *arlib.ARModel, init, trans []float64, nseq, ntime int, rng *rand.Rand) (*Dataset, error) {

	if len(init) != model.NState {
		return nil, fmt.Errorf("arsim: %d initial probabilities for %d states", len(init), model.NState)
	}
	if len(trans) != model.NState*model.NState {
		return nil, fmt.Errorf("arsim: transition matrix has %d entries for %d states", len(trans), model.NState)
	}
	if ntime < model.NLags {
		return nil, fmt.Errorf("arsim: sequence length %d below lag order %d", ntime, model.NLags)
	}

	D, M := model.NDim, model.NInput
	ds := &Dataset{
		NSeq:   nseq,
		NTime:  ntime,
		Init:   append([]float64(nil), init...),
		Trans:  append([]float64(nil), trans...),
		States: GenStates(rng, init, trans, nseq, ntime),
		Datas:  make([][]float64, nseq),
		Model:  model.State(),
	}
	if M > 0 {
		ds.Inputs = make([][]float64, nseq)
	}

	for i := 0; i < nseq; i++ {
		var input *mat.Dense
		var inputRow []float64
		if M > 0 {
			u := make([]float64, ntime*M)
			for j := range u {
				u[j] = rng.NormFloat64()
			}
			ds.Inputs[i] = u
			input = mat.NewDense(ntime, M, u)
		}

		x := mat.NewDense(ntime, D, nil)
		for t := 0; t < ntime; t++ {
			if M > 0 {
				inputRow = input.RawRowView(t)
			}
			var hist *mat.Dense
			if t > 0 {
				hist = x.Slice(0, t, 0, D).(*mat.Dense)
			}
			row, err := model.SampleX(ds.States[i][t], hist, inputRow, true)
			if err != nil {
				return nil, err
			}
			x.SetRow(t, row)
		}

		flat := make([]float64, ntime*D)
		for t := 0; t < ntime; t++ {
			copy(flat[t*D:(t+1)*D], x.RawRowView(t))
		}
		ds.Datas[i] = flat
	}

	return ds, nil
}

// Contaminate replaces the stated fraction of observation entries with
// the original value plus scale times a standard normal draw, turning
// a Gaussian dataset into one with heavy-tailed outliers.
func Contaminate(ds *Dataset, frac, scale float64, rng *rand.Rand) {
	for _, flat := range ds.Datas {
		for j := range flat {
			if rng.Float64() < frac {
				flat[j] += scale * rng.NormFloat64()
			}
		}
	}
}

// DataMats returns the observation sequences as matrices.
func (ds *Dataset) DataMats() []*mat.Dense {
	D := ds.Model.NDim
	out := make([]*mat.Dense, ds.NSeq)
	for i, flat := range ds.Datas {
		out[i] = mat.NewDense(ds.NTime, D, append([]float64(nil), flat...))
	}
	return out
}

// InputMats returns the input sequences as matrices, nil when the
// model takes no inputs.
func (ds *Dataset) InputMats() []*mat.Dense {
	if ds.Inputs == nil {
		return nil
	}
	M := ds.Model.NInput
	out := make([]*mat.Dense, ds.NSeq)
	for i, flat := range ds.Inputs {
		out[i] = mat.NewDense(ds.NTime, M, append([]float64(nil), flat...))
	}
	return out
}

// Masks returns all-true completeness masks matching the dataset.
func (ds *Dataset) Masks() []arlib.Mask {
	D := ds.Model.NDim
	out := make([]arlib.Mask, ds.NSeq)
	for i := range out {
		ma := make(arlib.Mask, ds.NTime)
		for t := range ma {
			row := make([]bool, D)
			for d := range row {
				row[d] = true
			}
			ma[t] = row
		}
		out[i] = ma
	}
	return out
}

// OracleEz returns one-hot responsibilities built from the generating
// state paths, one T x NState matrix per sequence.
func (ds *Dataset) OracleEz() []*mat.Dense {
	K := ds.Model.NState
	out := make([]*mat.Dense, ds.NSeq)
	for i, z := range ds.States {
		ez := mat.NewDense(ds.NTime, K, nil)
		for t, st := range z {
			ez.Set(t, st, 1)
		}
		out[i] = ez
	}
	return out
}

// Write stores the dataset as a gzip-compressed gob file.
func (ds *Dataset) Write(fname string) error {
	fid, err := os.Create(fname)
	if err != nil {
		return err
	}

	gid := gzip.NewWriter(fid)
	enc := gob.NewEncoder(gid)
	if err := enc.Encode(ds); err != nil {
		fid.Close()
		return err
	}
	if err := gid.Close(); err != nil {
		fid.Close()
		return err
	}
	return fid.Close()
}

// ReadDataset reads a dataset written by Write.
func ReadDataset(fname string) (*Dataset, error) {
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

	var ds Dataset
	if err := gob.NewDecoder(gid).Decode(&ds); err != nil {
		return nil, err
	}
	return &ds, nil
}
