package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures for the retry policy.
type ErrorKind int

const (
	// KindFatal failures abandon the current model immediately.
	KindFatal ErrorKind = iota
	// KindTransient failures (rate limit, quota, overload) are retried on
	// the same model with backoff.
	KindTransient
	// KindMalformed marks unparsable or non-schema model output. Never
	// retried on the same attempt loop; falls through to the next model.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	default:
		return "fatal"
	}
}

// ProviderError is a classified failure from the inference provider.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ExtractionFailedError is returned once every model/attempt combination is
// exhausted. It carries the last underlying error for diagnostics.
type ExtractionFailedError struct {
	Models  []string
	LastErr error
}

func (e *ExtractionFailedError) Error() string {
	return fmt.Sprintf("all models failed (%s): %v", strings.Join(e.Models, ", "), e.LastErr)
}

func (e *ExtractionFailedError) Unwrap() error { return e.LastErr }

// transientMarkers is the substring fallback for errors that reach us
// without a kind (network failures, opaque SDK errors). The typed path is
// preferred; this mirrors the provider's known rate-limit and availability
// signals.
var transientMarkers = []string{
	"429",
	"resource_exhausted",
	"rate",
	"quota",
	"overloaded",
	"unavailable",
	"503",
	"500",
	"timeout",
	"connection reset",
}

// Classify returns the error kind, using the typed classification when the
// provider supplied one and substring matching otherwise.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}
	return KindFatal
}
