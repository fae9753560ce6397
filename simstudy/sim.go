// Command simstudy drives the generate and estimate programs over a
// grid of model configurations and summarizes the fits. Two studies
// run back to back: every noise form fit to its own data, and a
// comparison of the Gaussian and robust forms on contaminated
// Gaussian data. Results land in result.csv and robust.csv.
package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	logger *log.Logger

	out io.WriteCloser

	forms = []string{"gaussian", "diagonal", "independent", "robust", "altrobust"}
)

type model struct {
	form        string
	nstate      int
	ndim        int
	ninput      int
	nlags       int
	nseq        int
	ntime       int
	noise       float64
	contaminate float64
	gobfile     string
	maxiter     int
	inneriter   int
	seed        uint64
}

var basemodel = &model{
	form:      "gaussian",
	nstate:    3,
	ndim:      2,
	ninput:    1,
	nlags:     1,
	nseq:      10,
	ntime:     500,
	noise:     0.1,
	gobfile:   "tmp.gob.gz",
	maxiter:   20,
	inneriter: 3,
	seed:      1,
}

func generate(g *model) {

	c := []string{"run", "../generate",
		fmt.Sprintf("-form=%s", g.form),
		fmt.Sprintf("-nstate=%d", g.nstate),
		fmt.Sprintf("-ndim=%d", g.ndim),
		fmt.Sprintf("-ninput=%d", g.ninput),
		fmt.Sprintf("-nlags=%d", g.nlags),
		fmt.Sprintf("-nseq=%d", g.nseq),
		fmt.Sprintf("-ntime=%d", g.ntime),
		fmt.Sprintf("-noise=%f", g.noise),
		fmt.Sprintf("-contaminate=%f", g.contaminate),
		fmt.Sprintf("-seed=%d", g.seed),
		fmt.Sprintf("-outname=%s", g.gobfile),
	}

	logger.Printf("go %s\n", strings.Join(c, " "))

	cmd := exec.Command("go", c...)
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err != nil {
		panic(err)
	}
}

// fit estimates a fitform model on the current dataset and returns
// the log name prefix of the run.
func fit(g *model, fitform string, num int) string {

	logname := path.Join("logs", fmt.Sprintf("%s_on_%s_%d", fitform, g.form, num))

	c := []string{"run", "../estimate",
		fmt.Sprintf("-maxiter=%d", g.maxiter),
		fmt.Sprintf("-inneriter=%d", g.inneriter),
		fmt.Sprintf("-form=%s", fitform),
		fmt.Sprintf("-logname=%s", logname),
		fmt.Sprintf("-gobfile=%s", g.gobfile),
	}

	logger.Printf("go %s\n", strings.Join(c, " "))
	cmd := exec.Command("go", c...)
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err != nil {
		panic(err)
	}

	return logname
}

// collect returns the last expected log-likelihood written to a run's
// message log.
func collect(logname string) float64 {

	fid, err := os.Open(logname + "_msg.log")
	if err != nil {
		panic(err)
	}
	defer fid.Close()

	scanner := bufio.NewScanner(fid)

	ec := regexp.MustCompile(`ell=(-?[0-9.]+)`)

	ell := 0.0
	found := false

	for scanner.Scan() {

		line := scanner.Text()

		ma := ec.FindAllSubmatch([]byte(line), -1)
		if len(ma) == 0 {
			continue
		}
		ell, err = strconv.ParseFloat(string(ma[0][1]), 64)
		if err != nil {
			panic(err)
		}
		found = true
	}

	if !found {
		panic(fmt.Sprintf("no expected log-likelihood in %s_msg.log", logname))
	}

	return ell
}

// runForms fits every noise form to data generated under the same
// form.
func runForms(m *model) {

	for _, m.form = range forms {
		for i := 0; i < 5; i++ {
			m.seed = uint64(100*i + 1)
			generate(m)
			ell := collect(fit(m, m.form, i))
			_, _ = io.WriteString(out, fmt.Sprintf("%s,%d,%d,%d,%d,%.4f\n",
				m.form, m.nstate, m.ndim, m.ntime, i, ell))
		}
	}
}

// runContaminated compares the Gaussian and robust fits on Gaussian
// data with a growing fraction of outlier entries.
func runContaminated(m *model, out io.Writer) {

	m.form = "gaussian"
	for _, m.contaminate = range []float64{0, 0.01, 0.05, 0.1} {
		for i := 0; i < 5; i++ {
			m.seed = uint64(100*i + 7)
			generate(m)
			gell := collect(fit(m, "gaussian", i))
			rell := collect(fit(m, "robust", i))
			_, _ = io.WriteString(out, fmt.Sprintf("%.2f,%d,%.4f,%.4f\n",
				m.contaminate, i, gell, rell))
		}
	}
	m.contaminate = 0
}

func main() {

	if err := os.MkdirAll("logs", 0o755); err != nil {
		panic(err)
	}

	var err error
	out, err = os.Create("result.csv")
	if err != nil {
		panic(err)
	}
	defer out.Close()

	head := "Form,NState,NDim,NTime,Run,ELL\n"
	_, _ = io.WriteString(out, head)

	lfid, err := os.Create("sim.log")
	if err != nil {
		panic(err)
	}
	defer lfid.Close()
	logger = log.New(lfid, "", log.Ltime)

	m := *basemodel
	runForms(&m)

	rout, err := os.Create("robust.csv")
	if err != nil {
		panic(err)
	}
	defer rout.Close()

	_, _ = io.WriteString(rout, "Contaminate,Run,GaussianELL,RobustELL\n")

	m = *basemodel
	runContaminated(&m, rout)
}
