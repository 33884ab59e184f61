package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dupscan/internal/dedup"
	"dupscan/internal/errors"
	"dupscan/pkg/records"
)

type fetchCall struct{ offset, limit int }

// pagedSource wraps a SliceSource, records calls and can fail at one offset.
type pagedSource struct {
	SliceSource
	calls   []fetchCall
	failAt  int
	failErr error
	maxPage int
}

func (p *pagedSource) FetchPage(ctx context.Context, offset, limit int) ([]records.Record, error) {
	p.calls = append(p.calls, fetchCall{offset, limit})
	if p.failErr != nil && offset == p.failAt {
		return nil, p.failErr
	}
	if p.maxPage > 0 && limit > p.maxPage {
		limit = p.maxPage
	}
	return p.SliceSource.FetchPage(ctx, offset, limit)
}

// uncounted hides Count so the loop must run until an empty page.
type uncounted struct{ src *pagedSource }

func (u uncounted) FetchPage(ctx context.Context, offset, limit int) ([]records.Record, error) {
	return u.src.FetchPage(ctx, offset, limit)
}

type appendCall struct {
	outputOffset int
	items        []records.Record
}

type memSink struct {
	calls  []appendCall
	failAt int // 1-based call number that fails; 0 never
}

func (m *memSink) Append(_ context.Context, outputOffset int, items []records.Record) error {
	m.calls = append(m.calls, appendCall{outputOffset, items})
	if m.failAt > 0 && len(m.calls) == m.failAt {
		return errors.New("disk full")
	}
	return nil
}

func (m *memSink) all() []records.Record {
	var out []records.Record
	for _, c := range m.calls {
		out = append(out, c.items...)
	}
	return out
}

type failingCheckpoints struct {
	*MemoryCheckpoints
	failAfter int
	puts      int
}

func (f *failingCheckpoints) Put(ctx context.Context, key string, c *dedup.Cursor) error {
	f.puts++
	if f.puts > f.failAfter {
		return errors.New("checkpoint store read-only")
	}
	return f.MemoryCheckpoints.Put(ctx, key, c)
}

func values(field string, vals ...string) []records.Record {
	out := make([]records.Record, len(vals))
	for i, v := range vals {
		out[i] = records.Record{field: v, "i": i}
	}
	return out
}

func newLoop(t *testing.T, src Source, sink Sink, cp CheckpointStore, batchSize int) *Loop {
	t.Helper()
	d, err := dedup.NewDetector([]string{"f"}, dedup.Options{
		MinDuplications: 2, ShowIndexes: true, ShowItems: true, ShowMissing: true,
	}, nil)
	require.NoError(t, err)
	return &Loop{
		Job:         "test",
		Source:      src,
		Detector:    d,
		Sink:        sink,
		Checkpoints: cp,
		Key:         "STATE",
		BatchSize:   batchSize,
		Logger:      zaptest.NewLogger(t).Sugar(),
		now:         func() time.Time { return time.Unix(0, 0) },
	}
}

func TestRun_PagesThroughCountedSource(t *testing.T) {
	src := &pagedSource{SliceSource: SliceSource{Records: values("f", "a", "b", "a", "a", "c")}}
	sink := &memSink{}
	cp := NewMemoryCheckpoints()
	l := newLoop(t, src, sink, cp, 2)

	var states []State
	l.OnTransition = func(_, to State) { states = append(states, to) }

	sum, err := l.Run(context.Background(), dedup.NewCursor(0))
	require.NoError(t, err)

	assert.Equal(t, []fetchCall{{0, 2}, {2, 2}, {4, 1}}, src.calls, "limit defaults to Count")
	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 5, sum.Scanned)
	assert.Equal(t, 3, sum.Emitted)
	assert.Equal(t, 5, sum.Cursor.Offset)
	assert.Equal(t, 3, sum.Cursor.OutputOffset)

	require.Len(t, sink.calls, 3, "sink is called once per page, even when empty")
	assert.Equal(t, 0, sink.calls[0].outputOffset)
	assert.Empty(t, sink.calls[0].items)
	assert.Equal(t, 0, sink.calls[1].outputOffset)
	assert.Len(t, sink.calls[1].items, 3)
	assert.Equal(t, 3, sink.calls[2].outputOffset)

	stored, err := cp.Get(context.Background(), "STATE")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 5, stored.Offset)
	assert.Equal(t, 3, stored.State["f"]["a"].Count)

	assert.Equal(t, StateLoading, states[0])
	assert.Equal(t, StateDone, states[len(states)-1])
	assert.Contains(t, states, StateCheckpointing)
}

func TestRun_UncountedSourceStopsOnEmptyPage(t *testing.T) {
	src := &pagedSource{SliceSource: SliceSource{Records: values("f", "a", "a", "b")}, maxPage: 2}
	l := newLoop(t, uncounted{src}, &memSink{}, nil, 10)

	sum, err := l.Run(context.Background(), dedup.NewCursor(0))
	require.NoError(t, err)
	assert.Equal(t, []fetchCall{{0, 10}, {2, 10}, {3, 10}}, src.calls, "short pages do not end the run")
	assert.Equal(t, 3, sum.Scanned)
}

func TestRun_LimitAndOffset(t *testing.T) {
	src := &pagedSource{SliceSource: SliceSource{Records: values("f", "a", "a", "a", "a", "a", "a")}}
	l := newLoop(t, src, &memSink{}, nil, 2)
	l.Limit = 5

	sum, err := l.Run(context.Background(), dedup.NewCursor(2))
	require.NoError(t, err)
	assert.Equal(t, []fetchCall{{2, 2}, {4, 1}}, src.calls)
	assert.Equal(t, []int{2, 3, 4}, sum.Cursor.State["f"]["a"].OriginalIndexes)
}

func TestRun_ResumeMatchesSinglePass(t *testing.T) {
	data := values("f", "x", "y", "x", "z", "y", "x", "z", "x")

	single := newLoop(t, &pagedSource{SliceSource: SliceSource{Records: data}}, &memSink{}, NewMemoryCheckpoints(), 3)
	want, err := single.Run(context.Background(), dedup.NewCursor(0))
	require.NoError(t, err)

	// First run dies on the sink of its second page.
	cp := NewMemoryCheckpoints()
	sink := &memSink{failAt: 2}
	first := newLoop(t, &pagedSource{SliceSource: SliceSource{Records: data}}, sink, cp, 3)
	_, err = first.Run(context.Background(), dedup.NewCursor(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSinkWrite))
	assert.Contains(t, err.Error(), "disk full")

	restored, err := cp.Get(context.Background(), "STATE")
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, 3, restored.Offset, "failed page must not advance the checkpoint")

	resumedSink := &memSink{}
	second := newLoop(t, &pagedSource{SliceSource: SliceSource{Records: data}}, resumedSink, cp, 3)
	got, err := second.Run(context.Background(), restored)
	require.NoError(t, err)

	assert.Equal(t, want.Cursor.Offset, got.Cursor.Offset)
	assert.Equal(t, want.Cursor.OutputOffset, got.Cursor.OutputOffset)

	wantReport := dedup.Finalize(want.Cursor.State, []string{"f"}, 2)
	gotReport := dedup.Finalize(got.Cursor.State, []string{"f"}, 2)
	require.Equal(t, len(wantReport.Groups["f"]), len(gotReport.Groups["f"]))
	for k, b := range wantReport.Groups["f"] {
		assert.Equal(t, b.Count, gotReport.Groups["f"][k].Count, "key %s", k)
		assert.Equal(t, b.OriginalIndexes, gotReport.Groups["f"][k].OriginalIndexes, "key %s", k)
		assert.Equal(t, b.OutputIndexes, gotReport.Groups["f"][k].OutputIndexes, "key %s", k)
	}
}

func TestRun_FetchErrorsAreClassified(t *testing.T) {
	t.Run("unclassified becomes unavailable", func(t *testing.T) {
		src := &pagedSource{SliceSource: SliceSource{Records: values("f", "a", "a", "a")}, failAt: 2, failErr: errors.New("connection reset")}
		cp := NewMemoryCheckpoints()
		l := newLoop(t, src, &memSink{}, cp, 2)

		sum, err := l.Run(context.Background(), dedup.NewCursor(0))
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
		assert.True(t, errors.Is(err, errors.ErrSourceUnavailable))
		assert.Equal(t, 2, sum.Cursor.Offset)

		stored, _ := cp.Get(context.Background(), "STATE")
		assert.Equal(t, 2, stored.Offset)
	})

	t.Run("not found kept", func(t *testing.T) {
		src := &pagedSource{failAt: 0, failErr: errors.NewSourceNotFoundError("dataset gone")}
		l := newLoop(t, uncounted{src}, &memSink{}, nil, 2)
		_, err := l.Run(context.Background(), dedup.NewCursor(0))
		require.Error(t, err)
		assert.True(t, errors.IsSourceNotFound(err))
		assert.True(t, errors.IsFatal(err))
	})
}

func TestRun_PreFilterErrorIsVerbatim(t *testing.T) {
	src := &pagedSource{SliceSource: SliceSource{Records: values("f", "a", "a")}}
	sink := &memSink{}
	cp := NewMemoryCheckpoints()
	l := newLoop(t, src, sink, cp, 10)
	l.Detector.PreFilter = func(context.Context, []records.Record) ([]records.Record, error) {
		return nil, errors.New("filter exploded")
	}

	_, err := l.Run(context.Background(), dedup.NewCursor(0))
	require.Error(t, err)
	assert.Equal(t, "filter exploded", err.Error())
	assert.Empty(t, sink.calls)

	stored, _ := cp.Get(context.Background(), "STATE")
	assert.Nil(t, stored)
}

func TestRun_CheckpointFailureKeepsPrevious(t *testing.T) {
	src := &pagedSource{SliceSource: SliceSource{Records: values("f", "a", "b", "a", "b")}}
	cp := &failingCheckpoints{MemoryCheckpoints: NewMemoryCheckpoints(), failAfter: 1}
	l := newLoop(t, src, &memSink{}, cp, 2)

	sum, err := l.Run(context.Background(), dedup.NewCursor(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCheckpointWrite))
	assert.Equal(t, 2, sum.Cursor.Offset)

	stored, err := cp.Get(context.Background(), "STATE")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Offset)
	assert.Nil(t, stored.State["f"]["a"].OutputIndexes, "stored state predates the failed page")
}

func TestRun_ShowItemsOffSkipsSink(t *testing.T) {
	src := &pagedSource{SliceSource: SliceSource{Records: values("f", "a", "a", "a")}}
	sink := &memSink{}
	l := newLoop(t, src, sink, nil, 2)
	l.Detector.Options.ShowItems = false

	sum, err := l.Run(context.Background(), dedup.NewCursor(0))
	require.NoError(t, err)
	assert.Empty(t, sink.calls)
	assert.Equal(t, 0, sum.Cursor.OutputOffset)
	assert.Equal(t, 3, sum.Cursor.State["f"]["a"].Count)
}

func TestRun_OutputIndexesAreGapFree(t *testing.T) {
	src := &pagedSource{SliceSource: SliceSource{Records: values("f", "a", "b", "b", "a", "c", "a", "c", "b")}}
	sink := &memSink{}
	l := newLoop(t, src, sink, nil, 3)

	sum, err := l.Run(context.Background(), dedup.NewCursor(0))
	require.NoError(t, err)

	var all []int
	for _, b := range sum.Cursor.State["f"] {
		all = append(all, b.OutputIndexes...)
	}
	assert.Len(t, all, len(sink.all()))
	seen := make(map[int]bool)
	for _, idx := range all {
		assert.False(t, seen[idx], "duplicate output index %d", idx)
		seen[idx] = true
	}
	for i := 0; i < len(all); i++ {
		assert.True(t, seen[i], "missing output index %d", i)
	}
	for i, c := range sink.calls {
		if i > 0 {
			prev := sink.calls[i-1]
			assert.Equal(t, prev.outputOffset+len(prev.items), c.outputOffset)
		}
	}
}

func TestRun_Validation(t *testing.T) {
	src := &SliceSource{}
	l := newLoop(t, src, nil, nil, 0)
	_, err := l.Run(context.Background(), dedup.NewCursor(0))
	assert.True(t, errors.IsConfiguration(err))

	l = newLoop(t, src, nil, NewMemoryCheckpoints(), 1)
	l.Key = ""
	_, err = l.Run(context.Background(), dedup.NewCursor(0))
	assert.True(t, errors.IsConfiguration(err))

	l = newLoop(t, src, nil, nil, 1)
	_, err = l.Run(context.Background(), nil)
	assert.True(t, errors.IsConfiguration(err))
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := newLoop(t, &SliceSource{Records: values("f", "a")}, nil, nil, 1)
	_, err := l.Run(ctx, dedup.NewCursor(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
