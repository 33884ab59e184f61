package batch

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dupscan/internal/dedup"
	"dupscan/internal/errors"
	"dupscan/internal/logger"
	"dupscan/internal/metrics"
)

// State is a step of the scan state machine.
type State int

const (
	StateInit State = iota
	StateLoading
	StateDetecting
	StateEmitting
	StateCheckpointing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLoading:
		return "LOADING"
	case StateDetecting:
		return "DETECTING"
	case StateEmitting:
		return "EMITTING"
	case StateCheckpointing:
		return "CHECKPOINTING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Stage names used for metrics and logs.
const (
	stageLoad       = "load"
	stageDetect     = "detect"
	stageEmit       = "emit"
	stageCheckpoint = "checkpoint"
)

// Loop scans a Source page by page.
type Loop struct {
	// Job labels logs and metrics.
	Job string

	Source   Source
	Detector *dedup.Detector

	// Sink receives emitted records when the detector shows items. A nil
	// Sink discards them.
	Sink Sink

	// Checkpoints persists the cursor after every page under Key. Nil
	// disables checkpointing; the run is then not resumable.
	Checkpoints CheckpointStore
	Key         string

	// BatchSize is the page size requested from Source.
	BatchSize int

	// Limit is the input offset at which scanning stops. Zero means the
	// source's Count when it implements Counter, otherwise scan until an
	// empty page.
	Limit int

	Logger *zap.SugaredLogger

	// OnTransition, when set, observes every state change.
	OnTransition func(from, to State)

	now func() time.Time
}

// Summary describes a finished (or aborted) run.
type Summary struct {
	Batches  int
	Scanned  int
	Filtered int
	Emitted  int
	Duration time.Duration

	// Cursor is the last cursor whose checkpoint was stored (or, without a
	// checkpoint store, the last fully processed one).
	Cursor *dedup.Cursor
}

// Run drives cur through the state machine until the source is exhausted or
// the limit is reached.
//
// Page handling:
//   - LOADING requests min(BatchSize, limit-offset) records at cur.Offset.
//   - DETECTING runs the detector with cur's tables and offsets.
//   - EMITTING appends the page's emissions to the Sink, even when empty.
//   - CHECKPOINTING stores the advanced cursor; only then does the loop adopt
//     it.
//
// Errors:
//   - Fetch errors are returned as ErrSourceUnavailable unless the source
//     already classified them (not found, configuration).
//   - Pre-filter errors are returned with their original message.
//   - Sink errors are marked ErrSinkWrite, checkpoint errors
//     ErrCheckpointWrite.
//
// After an error cur's tables may hold the partial page. Callers resume from
// the CheckpointStore, never from cur.
func (l *Loop) Run(ctx context.Context, cur *dedup.Cursor) (Summary, error) {
	if err := l.validate(cur); err != nil {
		return Summary{}, err
	}
	now := l.now
	if now == nil {
		now = time.Now
	}
	log := logger.Or(l.Logger).With("job", l.Job, "run_id", cur.RunID)
	start := now()
	sum := Summary{Cursor: cur}
	state := StateInit

	enter := func(next State) {
		if l.OnTransition != nil {
			l.OnTransition(state, next)
		}
		state = next
	}

	limit, err := l.resolveLimit(ctx)
	if err != nil {
		return sum, err
	}
	log.Infow("scan start",
		"offset", cur.Offset,
		"output_offset", cur.OutputOffset,
		"batch_size", l.BatchSize,
		"limit", limit,
		"fields", l.Detector.Fields,
	)

	for {
		enter(StateLoading)
		if err := ctx.Err(); err != nil {
			return sum, errors.Wrap(err, "scan interrupted")
		}

		size := l.BatchSize
		if limit > 0 {
			left := limit - cur.Offset
			if left <= 0 {
				break
			}
			if left < size {
				size = left
			}
			log.Debugw("batch setup", "batch_size", size, "limit_left", left, "offset", cur.Offset)
		} else {
			log.Debugw("batch setup", "batch_size", size, "offset", cur.Offset)
		}

		t0 := now()
		page, err := l.Source.FetchPage(ctx, cur.Offset, size)
		metrics.RecordStage(l.Job, stageLoad, err, now().Sub(t0))
		if err != nil {
			return sum, classifyFetch(err, cur.Offset, size)
		}
		if len(page) == 0 {
			break
		}

		enter(StateDetecting)
		t0 = now()
		res, err := l.Detector.Process(ctx, cur.State, page, cur.Offset, cur.OutputOffset)
		metrics.RecordStage(l.Job, stageDetect, err, now().Sub(t0))
		if err != nil {
			log.Errorw("pre-filter failed", "offset", cur.Offset, "error", err)
			return sum, err
		}

		enter(StateEmitting)
		if l.Detector.Options.ShowItems && l.Sink != nil {
			t0 = now()
			err := l.Sink.Append(ctx, cur.OutputOffset, res.Emitted)
			metrics.RecordStage(l.Job, stageEmit, err, now().Sub(t0))
			if err != nil {
				return sum, errors.Mark(
					errors.Wrapf(err, "append %d records at output offset %d", len(res.Emitted), cur.OutputOffset),
					errors.ErrSinkWrite,
				)
			}
		}

		enter(StateCheckpointing)
		next := cur.Advanced(len(page), len(res.Emitted), now())
		if l.Checkpoints != nil {
			t0 = now()
			err := l.Checkpoints.Put(ctx, l.Key, next)
			metrics.RecordStage(l.Job, stageCheckpoint, err, now().Sub(t0))
			if err != nil {
				return sum, errors.Mark(
					errors.Wrapf(err, "store checkpoint %q at offset %d", l.Key, next.Offset),
					errors.ErrCheckpointWrite,
				)
			}
		}
		cur = next

		sum.Batches++
		sum.Scanned += len(page)
		sum.Filtered += res.Filtered
		sum.Emitted += len(res.Emitted)
		sum.Cursor = cur

		metrics.RecordBatch(l.Job)
		metrics.RecordRecords(l.Job, metrics.KindScanned, len(page))
		metrics.RecordRecords(l.Job, metrics.KindFiltered, res.Filtered)
		metrics.RecordRecords(l.Job, metrics.KindEmitted, len(res.Emitted))

		log.Debugw("batch done",
			"offset", cur.Offset,
			"output_offset", cur.OutputOffset,
			"fetched", len(page),
			"kept", res.Filtered,
			"emitted", len(res.Emitted),
		)
	}

	enter(StateDone)
	sum.Duration = now().Sub(start)
	log.Infow("scan done",
		"batches", sum.Batches,
		"scanned", sum.Scanned,
		"emitted", sum.Emitted,
		"offset", cur.Offset,
		"duration", sum.Duration.Truncate(time.Millisecond),
	)
	return sum, nil
}

func (l *Loop) validate(cur *dedup.Cursor) error {
	switch {
	case l.Source == nil:
		return errors.NewConfigurationError("batch: source is required")
	case l.Detector == nil:
		return errors.NewConfigurationError("batch: detector is required")
	case l.BatchSize < 1:
		return errors.NewConfigurationError("batch: batch size must be >= 1, got %d", l.BatchSize)
	case l.Limit < 0:
		return errors.NewConfigurationError("batch: limit must be >= 0, got %d", l.Limit)
	case cur == nil:
		return errors.NewConfigurationError("batch: cursor is required")
	case l.Checkpoints != nil && l.Key == "":
		return errors.NewConfigurationError("batch: checkpoint key is required")
	}
	return nil
}

func (l *Loop) resolveLimit(ctx context.Context) (int, error) {
	if l.Limit > 0 {
		return l.Limit, nil
	}
	c, ok := l.Source.(Counter)
	if !ok {
		return 0, nil
	}
	n, err := c.Count(ctx)
	if err != nil {
		return 0, classify(err, "count source")
	}
	return n, nil
}

func classifyFetch(err error, offset, limit int) error {
	return classify(err, "fetch page offset="+strconv.Itoa(offset)+" limit="+strconv.Itoa(limit))
}

// classify keeps a classification the source already made and treats
// anything else as transient.
func classify(err error, msg string) error {
	if errors.IsAny(err, errors.ErrSourceNotFound, errors.ErrSourceUnavailable, errors.ErrConfiguration) {
		return errors.Wrap(err, msg)
	}
	return errors.MarkUnavailable(err, msg)
}
