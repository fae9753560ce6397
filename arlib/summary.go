package arlib

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
)

// SetLogger creates the message and parameter logs for this model,
// logname_msg.log and logname_par.log. The message logger is returned
// so the calling program can write to it as well.
func (m *ARModel) SetLogger(logname string) *log.Logger {

	fid, err := os.Create(logname + "_msg.log")
	if err != nil {
		panic(err)
	}
	m.msglogger = log.New(fid, "", log.Ltime)

	fid, err = os.Create(logname + "_par.log")
	if err != nil {
		panic(err)
	}
	m.parlogger = log.New(fid, "", 0)

	return m.msglogger
}

// msgf writes a fitting diagnostic if a message logger is attached.
func (m *ARModel) msgf(format string, args ...any) {
	if m.msglogger != nil {
		m.msglogger.Printf(format, args...)
	}
}

// WriteSummary writes the model parameters to the parameter log.
func (m *ARModel) WriteSummary(title string) {

	if m.parlogger == nil {
		m.parlogger = log.New(os.Stderr, "", 0)
	}

	m.parlogger.Printf("%s\n", title)
	m.parlogger.Printf("Noise form: %v\n", m.Form)
	m.parlogger.Printf("%d states, %d dimensions, %d inputs, %d lags\n",
		m.NState, m.NDim, m.NInput, m.NLags)
	m.parlogger.Printf("\n")

	m.parlogger.Printf("Initial means:\n")
	m.writeMatrix(m.MuInit)
	m.parlogger.Printf("\n")

	m.parlogger.Printf("Biases:\n")
	m.writeMatrix(m.Bs)
	m.parlogger.Printf("\n")

	for k := 0; k < m.NState; k++ {
		m.parlogger.Printf("State %d lag coefficients:\n", k)
		m.writeMatrix(m.as[k])
		m.parlogger.Printf("\n")
	}

	if m.NInput > 0 {
		for k := 0; k < m.NState; k++ {
			m.parlogger.Printf("State %d input couplings:\n", k)
			m.writeMatrix(m.Vs[k])
			m.parlogger.Printf("\n")
		}
	}

	if m.fullCov() {
		for k, sig := range m.SigmasInit() {
			m.parlogger.Printf("State %d initial covariance:\n", k)
			m.writeMatrix(sig)
			m.parlogger.Printf("\n")
		}
		for k, sig := range m.Sigmas() {
			m.parlogger.Printf("State %d noise covariance:\n", k)
			m.writeMatrix(sig)
			m.parlogger.Printf("\n")
		}
	} else {
		m.parlogger.Printf("Initial variances:\n")
		m.writeMatrix(expMatrix(m.logSigmaSqInit))
		m.parlogger.Printf("\n")
		m.parlogger.Printf("Noise variances:\n")
		m.writeMatrix(expMatrix(m.logSigmaSq))
		m.parlogger.Printf("\n")
	}

	switch m.Form {
	case StudentsTFull:
		m.parlogger.Printf("Degrees of freedom:\n")
		m.writeMatrix(mat.NewDense(1, m.NState, m.Nus()))
		m.parlogger.Printf("\n")
	case StudentsTIndep:
		m.parlogger.Printf("Degrees of freedom:\n")
		m.writeMatrix(m.DimNus())
		m.parlogger.Printf("\n")
	}
}

func (m *ARModel) writeMatrix(x mat.Matrix) {

	var buf bytes.Buffer

	r, c := x.Dims()
	for i := 0; i < r; i++ {

		buf.Reset()

		for j := 0; j < c; j++ {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%12.4f ", x.At(i, j)))
		}

		m.parlogger.Printf("%s", buf.String())
	}
}

func expMatrix(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, math.Exp(a.At(i, j)))
		}
	}
	return out
}
