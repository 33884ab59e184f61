package runner

import (
	"context"

	"dupscan/internal/config"
	"dupscan/internal/probe"
	"dupscan/internal/transformer"
)

// Probe samples up to n records of p's source, after the pre-filter chain,
// and profiles their fields. Nothing is checkpointed or emitted.
func (r *Runner) Probe(ctx context.Context, p config.Pipeline, n int) (probe.Profile, error) {
	job := p.Job
	if job == "" {
		job = DefaultJob
	}
	pre, err := transformer.Build(job, prefilterSteps(p))
	if err != nil {
		return probe.Profile{}, err
	}

	repos := &repoCache{open: r.newRepository()}
	defer repos.Close()

	src, err := r.openSource(ctx, job, p.Source, repos)
	if err != nil {
		return probe.Profile{}, err
	}
	recs, err := probe.Sample(ctx, src, pre, n, p.Runtime.BatchSize)
	if err != nil {
		return probe.Profile{}, err
	}
	return probe.Compute(recs), nil
}
