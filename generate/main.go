// Command generate simulates a dataset from a switching
// autoregressive model with known parameters and writes it as a
// gzip-compressed gob file, together with the generating model, for
// the estimate program to fit.
package main

import (
	"flag"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/TravelDriffter/ssm/arlib"
	"github.com/TravelDriffter/ssm/arsim"
)

func main() {

	var form, outname string
	flag.StringVar(&form, "form", "gaussian", "Noise form of the generating model")
	flag.StringVar(&outname, "outname", "", "Output file name")

	var nState, nDim, nInput, nLags, nSeq, nTime int
	flag.IntVar(&nState, "nstate", 0, "Number of states")
	flag.IntVar(&nDim, "ndim", 0, "Observation dimension")
	flag.IntVar(&nInput, "ninput", 0, "Input dimension")
	flag.IntVar(&nLags, "nlags", 1, "Autoregressive order")
	flag.IntVar(&nSeq, "nseq", 0, "Number of sequences")
	flag.IntVar(&nTime, "ntime", 0, "Number of time points per sequence")

	var noise, contaminate float64
	flag.Float64Var(&noise, "noise", 0.1, "Noise variance of the generating model")
	flag.Float64Var(&contaminate, "contaminate", 0, "Fraction of entries replaced by outliers")

	var seed uint64
	flag.Uint64Var(&seed, "seed", 0, "Random seed, 0 for time-based")
	flag.Parse()

	if outname == "" {
		panic("'outname' is required")
	}
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}

	nf, err := arlib.ParseNoiseForm(form)
	if err != nil {
		panic(err)
	}

	model, err := arlib.New(nf, nState, nDim, nInput, nLags, arlib.WithSeed(seed))
	if err != nil {
		panic(err)
	}

	// Spread the initial conditions and tame the construction-time
	// noise draws so the states are identifiable.
	for k := 0; k < nState; k++ {
		for d := 0; d < nDim; d++ {
			model.MuInit.Set(k, d, float64(k))
		}
	}
	if nf == arlib.GaussianFull || nf == arlib.StudentsTFull {
		sigmas := make([]*mat.SymDense, nState)
		for k := range sigmas {
			s := mat.NewSymDense(nDim, nil)
			for d := 0; d < nDim; d++ {
				s.SetSym(d, d, noise)
			}
			sigmas[k] = s
		}
		if err := model.SetSigmas(sigmas); err != nil {
			panic(err)
		}
	} else {
		sq := mat.NewDense(nState, nDim, nil)
		for k := 0; k < nState; k++ {
			for d := 0; d < nDim; d++ {
				sq.Set(k, d, noise)
			}
		}
		if err := model.SetSigmaSq(sq); err != nil {
			panic(err)
		}
	}

	// Sticky transitions, stickier in the later states.
	init := make([]float64, nState)
	trans := make([]float64, nState*nState)
	for i := 0; i < nState; i++ {
		init[i] = 1 / float64(nState)
		p := 0.8
		if nState > 1 {
			p += 0.1 * float64(i) / float64(nState-1)
		}
		for j := 0; j < nState; j++ {
			if i == j {
				trans[i*nState+j] = p
			} else {
				trans[i*nState+j] = (1 - p) / float64(nState-1)
			}
		}
	}
	if nState == 1 {
		trans[0] = 1
	}

	rng := rand.New(rand.NewPCG(seed, seed^0xd1342543de82ef95))
	ds, err := arsim.GenDataset(model, init, trans, nSeq, nTime, rng)
	if err != nil {
		panic(err)
	}

	if contaminate > 0 {
		arsim.Contaminate(ds, contaminate, 10, rng)
	}

	if err := ds.Write(outname); err != nil {
		panic(err)
	}
}
