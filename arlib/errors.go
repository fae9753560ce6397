package arlib

import (
	"errors"
	"fmt"
)

// ErrMissingData reports masked-out observations passed to an
// operation that requires complete data.
var ErrMissingData = errors.New("arlib: missing data in autoregressive observations")

// InvalidParameterError reports a rejected parameter update. The model
// is left unchanged.
type InvalidParameterError struct {
	Param  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("arlib: invalid %s: %s", e.Param, e.Reason)
}

// UnsupportedOperationError reports an operation the model cannot
// perform, usually because of its noise form.
type UnsupportedOperationError struct {
	Op     string
	Form   NoiseForm
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("arlib: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("arlib: %s is not supported for %s models", e.Op, e.Form)
}
