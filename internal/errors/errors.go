// Package errors provides error handling for dupscan.
//
// This package re-exports github.com/cockroachdb/errors and adds the error
// taxonomy of a dedup run:
//
//   - ErrConfiguration: missing or contradictory options, malformed pre-filter
//   - ErrSourceNotFound: record source or checkpoint target does not exist
//   - ErrSourceUnavailable: transient fetch failure
//   - ErrSinkWrite: the sink rejected a batch
//   - ErrCheckpointWrite: the cursor could not be persisted
//
// Usage:
//
//	if resp.StatusCode == http.StatusNotFound {
//	    return errors.Mark(errors.Newf("dataset %s not found", id), errors.ErrSourceNotFound)
//	}
//
//	if errors.Is(err, errors.ErrSourceUnavailable) {
//	    // retry later; the last checkpoint is intact
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Taxonomy sentinels. Wrap or Mark these to classify an error while keeping
// its message; check with Is.
var (
	ErrConfiguration     = New("configuration error")
	ErrSourceNotFound    = New("source not found")
	ErrSourceUnavailable = New("source unavailable")
	ErrSinkWrite         = New("sink write failed")
	ErrCheckpointWrite   = New("checkpoint write failed")
)

// NewConfigurationError creates a configuration error with a formatted message.
func NewConfigurationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConfiguration)
}

// NewSourceNotFoundError creates a not-found error with a formatted message.
func NewSourceNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrSourceNotFound)
}

// MarkUnavailable classifies err as a transient source failure.
func MarkUnavailable(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrSourceUnavailable)
}

// IsConfiguration checks if an error is or wraps ErrConfiguration
func IsConfiguration(err error) bool {
	return err != nil && Is(err, ErrConfiguration)
}

// IsSourceNotFound checks if an error is or wraps ErrSourceNotFound
func IsSourceNotFound(err error) bool {
	return err != nil && Is(err, ErrSourceNotFound)
}

// IsFatal reports whether err must not be retried: configuration and
// not-found errors fail the same way on every attempt.
func IsFatal(err error) bool {
	return err != nil && IsAny(err, ErrConfiguration, ErrSourceNotFound)
}

// IsTransient reports whether a restart can be expected to make progress.
func IsTransient(err error) bool {
	return err != nil && IsAny(err, ErrSourceUnavailable, ErrSinkWrite, ErrCheckpointWrite)
}
