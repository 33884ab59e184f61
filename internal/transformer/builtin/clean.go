package builtin

import (
	"context"

	"dupscan/internal/config"
	"dupscan/internal/transformer"
	"dupscan/pkg/records"
)

func init() {
	transformer.Register("clean", NewClean)
}

// Clean drops empty records and '#'-prefixed fields (see records.Clean).
// The runner prepends it for sources with clean_only set.
type Clean struct{}

// NewClean builds a Clean step. It takes no options.
func NewClean(config.Options) (transformer.Step, error) { return Clean{}, nil }

func (Clean) Apply(_ context.Context, in []records.Record) ([]records.Record, error) {
	return records.Clean(in), nil
}
