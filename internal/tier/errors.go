package tier

import (
	"errors"
	"fmt"

	"aegis/pkg/types"
)

// ErrStreamConsumed is yielded when a token stream is ranged more than once.
var ErrStreamConsumed = errors.New("tier: token stream already consumed")

// ErrNotResident is returned by Generate when the tier cannot serve requests in its current state.
var ErrNotResident = errors.New("tier: model not resident")

// LoadError reports a model that could not be brought into service.
type LoadError struct {
	Tier types.Tier
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s model %s: %v", e.Tier, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Kind classifies the error for channel reports.
func (e *LoadError) Kind() string { return "load_error" }

// IsLoadError reports whether err is a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// dependencyUnavailableError signals a missing runtime dependency (e.g., llama.cpp)
// so the HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}
