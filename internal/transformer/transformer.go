// Package transformer builds the pre-filter chain that rewrites each page of
// records before duplicate detection.
//
// Steps register themselves by kind (see builtin and exec). A pipeline's
// prefilter list is turned into one dedup.PreFilter with Build.
package transformer

import (
	"context"
	"sort"
	"sync"
	"time"

	"dupscan/internal/config"
	"dupscan/internal/dedup"
	"dupscan/internal/errors"
	"dupscan/internal/metrics"
	"dupscan/pkg/records"
)

// Step rewrites one page of records. It may drop, reorder or rewrite them.
// Steps must not mutate the records they are given; records that change
// are copied first.
type Step interface {
	Apply(ctx context.Context, in []records.Record) ([]records.Record, error)
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, in []records.Record) ([]records.Record, error)

func (f StepFunc) Apply(ctx context.Context, in []records.Record) ([]records.Record, error) {
	return f(ctx, in)
}

// Factory builds a step from its options. Option errors should be
// configuration errors.
type Factory func(opts config.Options) (Step, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a step kind available to New. It panics on an empty kind,
// a nil factory or a duplicate registration.
func Register(kind string, f Factory) {
	if kind == "" {
		panic("transformer: Register with empty kind")
	}
	if f == nil {
		panic("transformer: Register with nil factory for kind=" + kind)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[kind]; dup {
		panic("transformer: factory already registered for kind=" + kind)
	}
	factories[kind] = f
}

// Kinds returns the registered step kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds one step.
func New(t config.Transform) (Step, error) {
	mu.RLock()
	f, ok := factories[t.Kind]
	mu.RUnlock()
	if !ok {
		return nil, errors.WithHintf(
			errors.NewConfigurationError("unknown prefilter kind %q", t.Kind),
			"known kinds: %v", Kinds(),
		)
	}
	step, err := f(t.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "prefilter %s", t.Kind)
	}
	return step, nil
}

type namedStep struct {
	kind string
	step Step
}

// Build turns a prefilter list into a dedup.PreFilter. An empty list yields
// nil (no pre-filter). Every step run is recorded as stage
// "prefilter.<kind>" for job.
//
// Step errors are returned unchanged so the loop can report them verbatim.
func Build(job string, ts []config.Transform) (dedup.PreFilter, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	steps := make([]namedStep, 0, len(ts))
	for i, t := range ts {
		s, err := New(t)
		if err != nil {
			return nil, errors.Wrapf(err, "prefilter[%d]", i)
		}
		steps = append(steps, namedStep{kind: t.Kind, step: s})
	}
	return chain(job, steps), nil
}

// Chain runs steps in order, feeding each the previous output.
func Chain(steps ...Step) dedup.PreFilter {
	ns := make([]namedStep, len(steps))
	for i, s := range steps {
		ns[i] = namedStep{kind: "step", step: s}
	}
	return chain("", ns)
}

func chain(job string, steps []namedStep) dedup.PreFilter {
	return func(ctx context.Context, batch []records.Record) ([]records.Record, error) {
		out := batch
		for _, s := range steps {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			start := time.Now()
			next, err := s.step.Apply(ctx, out)
			if job != "" {
				metrics.RecordStage(job, "prefilter."+s.kind, err, time.Since(start))
			}
			if err != nil {
				return nil, err
			}
			out = next
		}
		return out, nil
	}
}
