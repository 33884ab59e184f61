// Package runner wires a pipeline configuration into a checkpointed
// duplicate scan: source, pre-filter chain, detector, sink, checkpoint store
// and the batch loop, followed by the final report.
package runner

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"dupscan/internal/batch"
	"dupscan/internal/config"
	"dupscan/internal/datasource/file"
	"dupscan/internal/datasource/html"
	"dupscan/internal/datasource/httpds"
	"dupscan/internal/dedup"
	"dupscan/internal/errors"
	"dupscan/internal/logger"
	"dupscan/internal/storage"
	storagefile "dupscan/internal/storage/file"
	"dupscan/internal/transformer"

	// Pre-filter steps register themselves by kind.
	_ "dupscan/internal/transformer/builtin"
	_ "dupscan/internal/transformer/exec"
)

// DefaultJob names runs whose pipeline has no job.
const DefaultJob = "dupscan"

// Runner executes one pipeline. The function fields are seams; nil fields
// use the real implementations.
type Runner struct {
	// Stdout receives the stdout sink and the report when report.path is
	// empty.
	Stdout io.Writer

	// HTTPClient is used by the http and html sources.
	HTTPClient *http.Client

	Logger *zap.SugaredLogger

	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	// NewSource, when set, replaces source construction entirely.
	NewSource func(ctx context.Context, src config.Source) (batch.Source, error)
}

// NewDefaultRunner returns a Runner writing to os.Stdout with the registered
// storage backends.
func NewDefaultRunner() *Runner {
	return &Runner{
		Stdout:        os.Stdout,
		NewRepository: storage.New,
	}
}

// Result describes a finished run.
type Result struct {
	RunID   string
	Resumed bool
	Summary batch.Summary
	Report  dedup.Report
}

// Run executes p from INIT to DONE.
//
// INIT restores the cursor stored under checkpoint.key, or starts a fresh
// one at runtime.offset. After the loop finishes the report is written and
// the checkpoint deleted, so the next run starts over. A failed run keeps
// its checkpoint; running the same pipeline again resumes after the last
// stored page.
//
// Errors keep the taxonomy of internal/errors: configuration and not-found
// errors are fatal, the rest may succeed on a rerun.
func (r *Runner) Run(ctx context.Context, p config.Pipeline) (Result, error) {
	var res Result
	if err := config.IssuesError(config.ValidatePipeline(p)); err != nil {
		return res, err
	}

	job := p.Job
	if job == "" {
		job = DefaultJob
	}
	log := logger.Or(r.Logger).With("job", job)

	fields := p.Dedup.AllFields()
	opts := dedup.Options{
		MinDuplications: p.Dedup.MinDuplications,
		ShowIndexes:     p.Dedup.ShowIndexes,
		ShowItems:       p.Dedup.ShowItems,
		ShowMissing:     p.Dedup.ShowMissing,
	}
	pre, err := transformer.Build(job, prefilterSteps(p))
	if err != nil {
		return res, err
	}
	det, err := dedup.NewDetector(fields, opts, pre)
	if err != nil {
		return res, err
	}

	repos := &repoCache{open: r.newRepository()}
	defer repos.Close()

	src, err := r.openSource(ctx, job, p.Source, repos)
	if err != nil {
		return res, err
	}

	cps, err := openCheckpoints(ctx, p.Checkpoint, repos)
	if err != nil {
		return res, err
	}
	key := p.Checkpoint.Key

	// INIT
	var cur *dedup.Cursor
	if cps != nil {
		cur, err = cps.Get(ctx, key)
		if err != nil {
			return res, errors.MarkUnavailable(err, "restore checkpoint "+key)
		}
	}
	if cur != nil {
		if err := det.CheckResume(cur); err != nil {
			return res, err
		}
		res.Resumed = true
		if cur.Settings == nil {
			log.Warnw("checkpoint has no recorded dedup settings; assuming they match", "run_id", cur.RunID)
		}
		log.Infow("resuming from checkpoint",
			"run_id", cur.RunID, "offset", cur.Offset, "output_offset", cur.OutputOffset, "updated_at", cur.UpdatedAt)
	} else {
		cur = dedup.NewCursor(p.Runtime.Offset)
		log.Infow("starting new run", "run_id", cur.RunID, "offset", cur.Offset)
	}
	settings := det.Settings()
	cur.Settings = &settings
	res.RunID = cur.RunID

	sink, closeSink, err := r.openSink(ctx, p.Sink, cur.RunID, repos)
	if err != nil {
		return res, err
	}
	defer closeSink()

	loop := &batch.Loop{
		Job:         job,
		Source:      src,
		Detector:    det,
		Sink:        sink,
		Checkpoints: cps,
		Key:         key,
		BatchSize:   p.Runtime.BatchSize,
		Limit:       p.Runtime.Limit,
		Logger:      log,
	}
	sum, err := loop.Run(ctx, cur)
	res.Summary = sum
	if err != nil {
		return res, err
	}

	final := cur
	if sum.Cursor != nil {
		final = sum.Cursor
	}
	res.Report = dedup.Finalize(final.State, fields, opts.MinDuplications)

	if err := r.writeReport(p.Report, res.Report); err != nil {
		return res, err
	}
	log.Infow("report written",
		"groups", res.Report.DuplicateGroups(), "path", p.Report.Path, "format", reportFormat(p.Report))

	if cps != nil {
		if err := cps.Delete(ctx, key); err != nil {
			return res, errors.Mark(errors.Wrapf(err, "delete checkpoint %q", key), errors.ErrCheckpointWrite)
		}
	}
	return res, nil
}

// prefilterSteps returns the configured pre-filter list. clean_only is
// applied locally, as a first "clean" step, for every source except http,
// which asks the server to clean instead.
func prefilterSteps(p config.Pipeline) []config.Transform {
	if !p.Source.CleanOnly || p.Source.Kind == config.SourceHTTP {
		return p.Prefilter
	}
	out := make([]config.Transform, 0, len(p.Prefilter)+1)
	out = append(out, config.Transform{Kind: "clean"})
	return append(out, p.Prefilter...)
}

func (r *Runner) newRepository() func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if r.NewRepository != nil {
		return r.NewRepository
	}
	return storage.New
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

func (r *Runner) openSource(ctx context.Context, job string, s config.Source, repos *repoCache) (batch.Source, error) {
	if r.NewSource != nil {
		return r.NewSource(ctx, s)
	}
	switch s.Kind {
	case config.SourceFile:
		return file.Load(ctx, s)
	case config.SourceInline:
		return file.Inline(s)
	case config.SourceHTTP:
		return httpds.New(job, s, r.HTTPClient)
	case config.SourceHTML:
		return html.Load(ctx, s, r.HTTPClient)
	case config.SourceSQLite, config.SourcePostgres, config.SourceMSSQL:
		repo, err := repos.Get(ctx, s.Kind, s.DSN)
		if err != nil {
			return nil, err
		}
		return storage.NewTableSource(ctx, repo, s.Table, s.OrderBy)
	default:
		return nil, errors.NewConfigurationError("unknown source kind %q", s.Kind)
	}
}

func openCheckpoints(ctx context.Context, c config.Checkpoint, repos *repoCache) (batch.CheckpointStore, error) {
	switch c.Kind {
	case config.SinkNone:
		return nil, nil
	case config.SinkFile:
		path := c.Path
		if path == "" {
			path = config.DefaultCheckpointPath
		}
		return storagefile.NewCheckpoints(path), nil
	default:
		repo, err := repos.Get(ctx, c.Kind, c.DSN)
		if err != nil {
			return nil, err
		}
		table := c.Table
		if table == "" {
			table = config.DefaultCheckpointTable
		}
		cps, err := storage.NewTableCheckpoints(ctx, repo, table)
		if err != nil {
			return nil, errors.MarkUnavailable(err, "prepare checkpoint table "+table)
		}
		return cps, nil
	}
}

func (r *Runner) openSink(ctx context.Context, s config.Sink, runID string, repos *repoCache) (batch.Sink, func(), error) {
	noop := func() {}
	switch s.Kind {
	case "", config.SinkNone:
		return nil, noop, nil
	case config.SinkStdout:
		return storagefile.NewWriterSink(r.stdout(), runID), noop, nil
	case config.SinkFile:
		fs, err := storagefile.OpenSink(s.Path, runID)
		if err != nil {
			return nil, noop, errors.Mark(err, errors.ErrSinkWrite)
		}
		return fs, func() { _ = fs.Close() }, nil
	default:
		repo, err := repos.Get(ctx, s.Kind, s.DSN)
		if err != nil {
			return nil, noop, err
		}
		table := s.Table
		if table == "" {
			table = config.DefaultSinkTable
		}
		ts, err := storage.NewTableSink(ctx, repo, table, runID)
		if err != nil {
			return nil, noop, errors.Mark(errors.Wrapf(err, "prepare sink table %s", table), errors.ErrSinkWrite)
		}
		return ts, noop, nil
	}
}

// repoCache opens one repository per (kind, dsn) so a source, sink and
// checkpoint store on the same database share a connection pool.
type repoCache struct {
	open  func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	repos map[storage.Config]storage.Repository
}

func (c *repoCache) Get(ctx context.Context, kind, dsn string) (storage.Repository, error) {
	cfg := storage.Config{Kind: kind, DSN: os.ExpandEnv(strings.TrimSpace(dsn))}
	if repo, ok := c.repos[cfg]; ok {
		return repo, nil
	}
	repo, err := c.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c.repos == nil {
		c.repos = make(map[storage.Config]storage.Repository)
	}
	c.repos[cfg] = repo
	return repo, nil
}

func (c *repoCache) Close() {
	for _, repo := range c.repos {
		repo.Close()
	}
}
