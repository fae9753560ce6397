// Command estimate fits a switching autoregressive observation model
// to a simulated dataset under the oracle responsibilities implied by
// the generating state paths: warm start, then repeated M steps with
// the expected log-likelihood monitored for monotonicity. Parameter
// summaries and fitting diagnostics go to the model's log files.
package main

import (
	"flag"
	"io"
	"os"

	"github.com/schollz/progressbar"

	"github.com/TravelDriffter/ssm/arlib"
	"github.com/TravelDriffter/ssm/arsim"
)

func main() {

	gobname := flag.String("gobfile", "", "The data file")
	form := flag.String("form", "", "Noise form to fit, default the generating form")
	logname := flag.String("logname", "armodel", "Prefix of log file")
	maxiter := flag.Int("maxiter", 20, "Maximum number of iterations")
	inneriter := flag.Int("inneriter", 1, "Inner EM iterations for the robust forms")
	randstart := flag.Bool("randstart", false, "Warm start from random state assignment")
	seed := flag.Uint64("seed", 42, "Random seed")
	flag.Parse()

	if *gobname == "" {
		_, _ = io.WriteString(os.Stderr, "'gobfile' is a required argument")
		os.Exit(1)
	}

	ds, err := arsim.ReadDataset(*gobname)
	if err != nil {
		panic(err)
	}

	nf := ds.Model.Form
	if *form != "" {
		nf, err = arlib.ParseNoiseForm(*form)
		if err != nil {
			panic(err)
		}
	}

	model, err := arlib.New(nf, ds.Model.NState, ds.Model.NDim, ds.Model.NInput, ds.Model.NLags,
		arlib.WithSeed(*seed))
	if err != nil {
		panic(err)
	}
	logger := model.SetLogger(*logname)

	datas := ds.DataMats()
	inputs := ds.InputMats()
	masks := ds.Masks()
	ez := ds.OracleEz()

	var iopts []arlib.InitOption
	if *randstart {
		iopts = append(iopts, arlib.WithRandomAssignment())
	}
	if err := model.Initialize(datas, inputs, masks, iopts...); err != nil {
		panic(err)
	}
	model.WriteSummary("Starting values:")

	logger.Printf("Estimating model parameters...")
	bar := progressbar.New(*maxiter)
	var ell float64

	for i := 0; i < *maxiter; i++ {
		_ = bar.Add(1)

		if err := model.MStep(ez, datas, inputs, masks, arlib.WithInnerIters(*inneriter)); err != nil {
			panic(err)
		}

		ellnew, err := model.ExpectedLogLik(ez, datas, inputs, masks)
		if err != nil {
			panic(err)
		}
		if i > 0 {
			if ellnew < ell {
				logger.Printf("Expected log-likelihood decreased by %f", ell-ellnew)
			} else if ellnew-ell < 1e-8 {
				// converged
				ell = ellnew
				logger.Printf("ell=%f", ell)
				break
			}
		}
		ell = ellnew
		logger.Printf("ell=%f", ell)
	}

	model.WriteSummary("Estimated parameters:")
	logger.Printf("Final expected log-likelihood: %f", ell)
	logger.Printf("%d unused-state restarts, %d degenerate solves, %d factorization fallbacks",
		model.Warnings.UnusedStates, model.Warnings.DegenerateSolves, model.Warnings.CholeskyFallbacks)

	if err := model.Save(*logname + "_model.gob.gz"); err != nil {
		panic(err)
	}
}
