package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/compose"
	"github.com/lazypower/strata/internal/config"
	"github.com/lazypower/strata/internal/decay"
	"github.com/lazypower/strata/internal/delta"
	"github.com/lazypower/strata/internal/llm"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/store"
	"github.com/lazypower/strata/internal/transcript/transcripttest"
)

const coll = "work"

type fixture struct {
	e     *Engine
	files *manifest.FileStore
	db    *store.DB
	locks *lock.Local
	mock  *llm.Mock
	reg   *prometheus.Registry
	logs  string
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// ratioCompressor answers with one 10-token message per ratio input messages.
func ratioCompressor() *llm.Mock {
	return &llm.Mock{Func: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		n := int(math.Ceil(float64(len(req.Messages)) / req.Settings.EffectiveRatio()))
		res := &llm.Result{Provider: "mock"}
		for i := 0; i < n; i++ {
			res.Messages = append(res.Messages, llm.OutputMessage{Role: "assistant", Text: fmt.Sprintf("summary %d", i), Tokens: 10})
		}
		return res, nil
	}}
}

func newFixture(t *testing.T, mock *llm.Mock, mutate ...func(*config.CompressionConfig)) *fixture {
	t.Helper()
	if mock == nil {
		mock = ratioCompressor()
	}
	logger, _ := test.NewNullLogger()
	cfg := config.Default().Compression
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{
		files: manifest.NewFileStore(t.TempDir()),
		db:    testDB(t),
		locks: lock.NewLocal(logger),
		mock:  mock,
		reg:   prometheus.NewRegistry(),
		logs:  t.TempDir(),
	}
	e, err := New(Options{
		Store:       f.files,
		Locks:       f.locks,
		Compressor:  mock,
		Index:       f.db,
		Compression: cfg,
		Logger:      logger,
		Registerer:  f.reg,
	})
	require.NoError(t, err)
	f.e = e
	return f
}

func (f *fixture) register(t *testing.T, name string, n int) (*manifest.Conversation, string) {
	t.Helper()
	path := transcripttest.Write(t, f.logs, name+".jsonl", transcripttest.Lines(n))
	conv, err := f.e.Register(context.Background(), coll, path)
	require.NoError(t, err)
	return conv, path
}

func ratio(r float64) SettingsRequest {
	return SettingsRequest{Ratio: r}
}

func (f *fixture) compress(t *testing.T, id string, s SettingsRequest) *manifest.Derivative {
	t.Helper()
	d, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: id, Settings: s})
	require.NoError(t, err)
	return d
}

func TestThousandMessageScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, path := f.register(t, "sess-a", 1000)
	assert.Equal(t, 1000, conv.OriginalMessageCount)
	assert.Equal(t, 10000, conv.OriginalTokenCount)

	d := f.compress(t, "sess-a", ratio(10))
	assert.Equal(t, 1, d.PartNumber)
	assert.Equal(t, manifest.Range{StartIndex: 0, EndIndex: 999, StartMessageID: transcripttest.ID(0), EndMessageID: transcripttest.ID(999)}, d.Range)
	assert.Equal(t, 1000, d.OutputTokenCount)
	assert.Equal(t, 10.0, d.CompressionRatio)
	assert.Equal(t, manifest.LevelModerate, d.Level)
	assert.True(t, strings.HasPrefix(d.VersionID, "v1-moderate-"), d.VersionID)

	_, err := f.e.Compress(ctx, CompressRequest{Collection: coll, ConversationID: "sess-a", Settings: ratio(10)})
	assert.True(t, errors.Is(err, apperr.ErrNoDelta), "got %v", err)

	transcripttest.Append(t, path, transcripttest.LinesFrom(1000, 50))
	d2 := f.compress(t, "sess-a", ratio(5))
	assert.Equal(t, 2, d2.PartNumber)
	assert.Equal(t, 1000, d2.Range.StartIndex)
	assert.Equal(t, 1049, d2.Range.EndIndex)

	got, err := f.e.GetConversation(ctx, coll, "sess-a")
	require.NoError(t, err)
	assert.NoError(t, delta.Partition(got))
	assert.Equal(t, 1050, got.OriginalMessageCount)
	assert.Equal(t, transcripttest.ID(1049), got.LastSyncedMessageID)

	content, err := f.e.GetDerivativeContent(ctx, coll, "sess-a", d.VersionID)
	require.NoError(t, err)
	assert.Len(t, content, 100)
}

func TestCompressRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "short", 5)
	f.register(t, "long", 40)

	_, err := f.e.Compress(ctx, CompressRequest{Collection: coll, ConversationID: "short"})
	assert.True(t, errors.Is(err, apperr.ErrInsufficientMessages), "got %v", err)

	_, err = f.e.Compress(ctx, CompressRequest{Collection: coll, ConversationID: "missing"})
	assert.True(t, errors.Is(err, apperr.ErrConversationNotFound), "got %v", err)

	_, err = f.e.Compress(ctx, CompressRequest{Collection: coll, ConversationID: "long", Settings: ratio(500)})
	assert.True(t, errors.Is(err, apperr.ErrInvalidSettings), "got %v", err)

	_, err = f.e.Compress(ctx, CompressRequest{Collection: coll, ConversationID: "long", Settings: SettingsRequest{Ratio: 4, SkipMessages: 40}})
	assert.True(t, errors.Is(err, apperr.ErrInvalidSettings), "got %v", err)

	assert.Empty(t, f.mock.Calls(), "no rejected request may reach the compressor")
}

func TestCompressSkipsLeadingMessages(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "c", 30)

	d := f.compress(t, "c", SettingsRequest{Ratio: 5, SkipMessages: 10})
	assert.Equal(t, 0, d.Range.StartIndex, "skipped messages stay inside the part")
	assert.Equal(t, 29, d.Range.EndIndex)

	calls := f.mock.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 20)
	assert.Equal(t, transcripttest.ID(10), calls[0].Messages[0].ID)
	assert.Equal(t, 1, calls[0].PinDistance)
}

func TestCompressBusyLock(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "c", 20)

	held, err := f.locks.Acquire(lock.Key{Collection: coll, Conversation: "c", Op: lock.OpCompress}, "other", time.Minute)
	require.NoError(t, err)

	_, err = f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c"})
	assert.True(t, errors.Is(err, apperr.ErrCompressionInProgress), "got %v", err)
	assert.True(t, apperr.Retriable(err))

	_, err = f.e.Recompress(context.Background(), RecompressRequest{Collection: coll, ConversationID: "c", PartNumber: 1})
	assert.True(t, errors.Is(err, apperr.ErrCompressionInProgress), "recompress shares the compress lock, got %v", err)

	require.NoError(t, f.locks.Release(held.Token))
	f.compress(t, "c", ratio(4))
	assert.Empty(t, f.locks.Status(), "lock released after the job")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.e.metrics.jobs.WithLabelValues(opCompress, store.JobRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.e.metrics.jobs.WithLabelValues(opCompress, store.JobSucceeded)))
}

func TestConcurrentCompressSingleWinner(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	inner := ratioCompressor()
	mock := &llm.Mock{Func: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return inner.Func(ctx, req)
	}}
	f := newFixture(t, mock)
	f.register(t, "c", 20)

	done := make(chan error, 1)
	go func() {
		_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c", Settings: ratio(4)})
		done <- err
	}()
	<-started

	_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c", Settings: ratio(4)})
	assert.True(t, errors.Is(err, apperr.ErrCompressionInProgress), "got %v", err)

	close(release)
	require.NoError(t, <-done)

	conv, err := f.e.GetConversation(context.Background(), coll, "c")
	require.NoError(t, err)
	assert.Len(t, conv.Derivatives, 1)
}

// blockingCompressor signals on entered each time it is called and waits for
// release before answering.
func blockingCompressor(entered chan<- struct{}, release <-chan struct{}) *llm.Mock {
	inner := ratioCompressor()
	return &llm.Mock{Func: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		entered <- struct{}{}
		<-release
		return inner.Func(ctx, req)
	}}
}

func TestLockOutlivesCompressionDeadline(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f := newFixture(t, blockingCompressor(entered, release))
	f.register(t, "c", 20)
	require.Greater(t, f.e.cfg.LockStaleAfter.Duration, f.e.cfg.Timeout.Duration)

	done := make(chan error, 1)
	go func() {
		_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c", Settings: ratio(4)})
		done <- err
	}()
	<-entered

	// Past the collaborator deadline but inside the staleness window.
	now := time.Now().Add(f.e.cfg.Timeout.Duration + time.Minute)
	f.locks.SetClock(func() time.Time { return now })
	assert.Equal(t, 0, f.e.CleanupLocks(context.Background()))

	_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c", Settings: ratio(4)})
	assert.True(t, errors.Is(err, apperr.ErrCompressionInProgress), "got %v", err)

	close(release)
	require.NoError(t, <-done)
	conv, err := f.e.GetConversation(context.Background(), coll, "c")
	require.NoError(t, err)
	assert.Len(t, conv.Derivatives, 1)
}

func TestReclaimedLockCannotDuplicateSettings(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f := newFixture(t, blockingCompressor(entered, release))
	f.register(t, "c", 20)

	run := func(results chan<- error) {
		_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c", Settings: ratio(4)})
		results <- err
	}
	results := make(chan error, 2)
	go run(results)
	<-entered

	// The first holder looks dead, so its lock is reclaimed.
	now := time.Now().Add(f.e.cfg.LockStaleAfter.Duration + time.Minute)
	f.locks.SetClock(func() time.Time { return now })
	go run(results)
	<-entered

	close(release)
	var succeeded, exists int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrVersionExists):
			exists++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, exists)

	conv, err := f.e.GetConversation(context.Background(), coll, "c")
	require.NoError(t, err)
	require.Len(t, conv.Derivatives, 1)
	assert.Equal(t, 1, conv.Derivatives[0].PartNumber)
}

func TestNewRejectsStaleWindowWithinTimeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := config.Default().Compression
	cfg.Timeout = config.Duration{Duration: 10 * time.Minute}
	cfg.LockStaleAfter = config.Duration{Duration: 5 * time.Minute}
	_, err := New(Options{
		Store:       manifest.NewFileStore(t.TempDir()),
		Locks:       lock.NewLocal(logger),
		Compressor:  ratioCompressor(),
		Compression: cfg,
		Logger:      logger,
	})
	assert.ErrorContains(t, err, "lock_stale_after")
}

func TestZeroSkipRateToleratesNothing(t *testing.T) {
	lines := transcripttest.Lines(100)
	lines[40] = "{not json"

	f := newFixture(t, nil)
	path := transcripttest.Write(t, f.logs, "one-bad.jsonl", lines)
	_, err := f.e.Register(context.Background(), coll, path)
	require.NoError(t, err, "one bad line in 100 is within the default tolerance")

	strict := newFixture(t, nil, func(c *config.CompressionConfig) { c.MaxSkipRate = 0 })
	path = transcripttest.Write(t, strict.logs, "one-bad.jsonl", lines)
	_, err = strict.e.Register(context.Background(), coll, path)
	assert.True(t, errors.Is(err, apperr.ErrCorruptLog), "got %v", err)
}

func TestCompressFailureLeavesNothing(t *testing.T) {
	mock := &llm.Mock{Err: errors.New("exit status 1")}
	f := newFixture(t, mock)
	f.register(t, "c", 20)

	_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c"})
	assert.True(t, errors.Is(err, apperr.ErrCompressionFailed), "got %v", err)
	assert.Equal(t, apperr.Dependency, apperr.KindOf(err))

	conv, err := f.e.GetConversation(context.Background(), coll, "c")
	require.NoError(t, err)
	assert.Empty(t, conv.Derivatives)
	_, statErr := os.Stat(filepath.Join(f.files.Root(), "collections", coll, "derivatives", "c"))
	assert.True(t, os.IsNotExist(statErr), "no content directory expected")
	assert.Empty(t, f.locks.Status())

	jobs, err := f.e.Jobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, store.JobFailed, jobs[0].Status)
	assert.Equal(t, "compression_failed", jobs[0].ErrorCode)
}

func TestCompressMalformedOutput(t *testing.T) {
	f := newFixture(t, &llm.Mock{Result: &llm.Result{}})
	f.register(t, "c", 20)

	_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c"})
	assert.True(t, errors.Is(err, apperr.ErrMalformedOutput), "got %v", err)
}

func TestCompressTimeout(t *testing.T) {
	mock := &llm.Mock{Func: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, mock, func(c *config.CompressionConfig) {
		c.Timeout = config.Duration{Duration: 20 * time.Millisecond}
	})
	f.register(t, "c", 20)

	_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c"})
	assert.True(t, errors.Is(err, apperr.ErrCompressionTimeout), "got %v", err)
	assert.False(t, errors.Is(err, apperr.ErrCompressionFailed))
}

func TestCompressRefusesCorruptLog(t *testing.T) {
	f := newFixture(t, nil)
	lines := transcripttest.Lines(30)
	lines[3] = "{not json"
	lines[7] = "{not json either"
	path := transcripttest.Write(t, f.logs, "bad.jsonl", lines)

	_, err := f.e.Register(context.Background(), coll, path)
	assert.True(t, errors.Is(err, apperr.ErrCorruptLog), "got %v", err)
}

func TestCompressFailsClosedOnRewrittenLog(t *testing.T) {
	f := newFixture(t, nil)
	_, path := f.register(t, "c", 20)
	f.compress(t, "c", ratio(4))

	// Same length, but message 19 is gone.
	lines := transcripttest.Lines(19)
	lines = append(lines, transcripttest.Line("user", "other", transcripttest.ID(18), strings.Repeat("y", 40), transcripttest.Base))
	lines = append(lines, transcripttest.LinesFrom(20, 15)...)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	_, err := f.e.Compress(context.Background(), CompressRequest{Collection: coll, ConversationID: "c"})
	assert.True(t, errors.Is(err, apperr.ErrRangeMissing), "got %v", err)
}

func TestRecompress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, path := f.register(t, "c", 100)
	first := f.compress(t, "c", ratio(10))
	before, err := f.e.GetDerivativeContent(ctx, coll, "c", first.VersionID)
	require.NoError(t, err)

	_, err = f.e.Recompress(ctx, RecompressRequest{Collection: coll, ConversationID: "c", PartNumber: 1, Settings: ratio(10)})
	assert.True(t, errors.Is(err, apperr.ErrVersionExists), "got %v", err)

	_, err = f.e.Recompress(ctx, RecompressRequest{Collection: coll, ConversationID: "c", PartNumber: 0})
	assert.True(t, errors.Is(err, apperr.ErrInvalidPart), "got %v", err)
	_, err = f.e.Recompress(ctx, RecompressRequest{Collection: coll, ConversationID: "c", PartNumber: 2})
	assert.True(t, errors.Is(err, apperr.ErrPartNotFound), "got %v", err)

	// New messages do not change what part 1 covers.
	transcripttest.Append(t, path, transcripttest.LinesFrom(100, 30))
	second, err := f.e.Recompress(ctx, RecompressRequest{Collection: coll, ConversationID: "c", PartNumber: 1, Settings: ratio(25)})
	require.NoError(t, err)
	assert.Equal(t, 1, second.PartNumber)
	assert.Equal(t, first.Range, second.Range)
	assert.Equal(t, manifest.LevelAggressive, second.Level)
	assert.Less(t, second.OutputTokenCount, first.OutputTokenCount)

	conv, err := f.e.GetConversation(ctx, coll, "c")
	require.NoError(t, err)
	require.Len(t, conv.Derivatives, 2)
	assert.Equal(t, *first, conv.Derivatives[0], "existing record is immutable")
	after, err := f.e.GetDerivativeContent(ctx, coll, "c", first.VersionID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoError(t, delta.Partition(conv))
}

func TestListDerivativesStartsWithOriginal(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "c", 40)
	d := f.compress(t, "c", ratio(4))

	list, err := f.e.ListDerivatives(context.Background(), coll, "c")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, manifest.OriginalVersionID, list[0].VersionID)
	assert.Equal(t, 400, list[0].OutputTokenCount)
	assert.Equal(t, d.VersionID, list[1].VersionID)

	orig, err := f.e.GetDerivativeContent(context.Background(), coll, "c", manifest.OriginalVersionID)
	require.NoError(t, err)
	assert.Len(t, orig, 40)
}

func TestDeleteInUseAndFallback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "c", 1000)
	a := f.compress(t, "c", ratio(10))
	b, err := f.e.Recompress(ctx, RecompressRequest{Collection: coll, ConversationID: "c", PartNumber: 1, Settings: ratio(25)})
	require.NoError(t, err)

	comp, err := f.e.CreateComposition(ctx, coll, compose.Request{
		Name:       "pinned",
		Budget:     5000,
		Components: []compose.ComponentRequest{{ConversationID: "c", VersionID: a.VersionID}},
		Formats:    []string{"markdown"},
	})
	require.NoError(t, err)
	assert.Equal(t, a.VersionID, comp.Components[0].ResolvedID)

	got, err := f.e.GetDerivative(ctx, coll, "c", a.VersionID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedInCompositions)

	_, err = f.e.DeleteDerivative(ctx, coll, "c", a.VersionID, false)
	assert.True(t, errors.Is(err, apperr.ErrVersionInUse), "got %v", err)
	err = f.e.Unregister(ctx, coll, "c", UnregisterOptions{})
	assert.True(t, errors.Is(err, apperr.ErrVersionInUse), "got %v", err)

	_, err = f.e.DeleteDerivative(ctx, coll, "c", a.VersionID, true)
	require.NoError(t, err)

	stored, format, err := f.e.GetCompositionContent(ctx, coll, comp.ID, "md")
	require.NoError(t, err)
	assert.Equal(t, compose.FormatMarkdown, format)
	assert.Contains(t, string(stored), a.VersionID, "stored rendering is served as written")

	live, _, err := f.e.GetCompositionContent(ctx, coll, comp.ID, "jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(live), b.VersionID, "deleted version falls back to the best fit")
	again, _, err := f.e.GetCompositionContent(ctx, coll, comp.ID, "jsonl")
	require.NoError(t, err)
	assert.Equal(t, live, again)

	require.NoError(t, f.e.DeleteComposition(ctx, coll, comp.ID))
	_, err = f.e.GetComposition(ctx, coll, comp.ID)
	assert.True(t, errors.Is(err, apperr.ErrCompositionNotFound))

	_, err = f.e.DeleteDerivative(ctx, coll, "c", manifest.OriginalVersionID, true)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestCompositionReferenceCounts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "a", 100)
	f.register(t, "b", 300)
	da := f.compress(t, "a", ratio(10))

	req := compose.Request{
		Name:     "both",
		Budget:   1000,
		Strategy: "proportional",
		Components: []compose.ComponentRequest{
			{ConversationID: "a"},
			{ConversationID: "b"},
		},
		Formats: []string{"markdown", "text"},
	}
	preview, err := f.e.PreviewComposition(ctx, coll, req)
	require.NoError(t, err)
	assert.Equal(t, []int{250, 750}, []int{preview.Composition.Components[0].Allocation, preview.Composition.Components[1].Allocation})
	assert.Empty(t, preview.Composition.ID, "previews are not recorded")
	require.Len(t, preview.Decay, 2)

	list, err := f.e.ListCompositions(ctx, coll)
	require.NoError(t, err)
	assert.Empty(t, list)

	comp, err := f.e.CreateComposition(ctx, coll, req)
	require.NoError(t, err)
	assert.Equal(t, da.VersionID, comp.Components[0].ResolvedID)
	assert.Equal(t, manifest.OriginalVersionID, comp.Components[1].ResolvedID, "the 3000-token original overflows a 750 quota")
	assert.NotEmpty(t, comp.Warnings)

	text, _, err := f.e.GetCompositionContent(ctx, coll, comp.ID, "txt")
	require.NoError(t, err)
	assert.Contains(t, string(text), "=== a ("+da.VersionID+") ===")

	got, err := f.e.GetDerivative(ctx, coll, "a", da.VersionID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedInCompositions)

	require.NoError(t, f.e.DeleteComposition(ctx, coll, comp.ID))
	got, err = f.e.GetDerivative(ctx, coll, "a", da.VersionID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UsedInCompositions)

	_, err = os.Stat(filepath.Join(f.files.Root(), "collections", coll, "compositions", comp.ID+".md"))
	assert.True(t, os.IsNotExist(err))
}

func TestRegisterSyncUnregister(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, path := f.register(t, "c", 10)

	_, err := f.e.Register(ctx, coll, path)
	assert.True(t, errors.Is(err, apperr.ErrAlreadyRegistered), "got %v", err)

	transcripttest.Append(t, path, transcripttest.LinesFrom(10, 5))
	report, err := f.e.Sync(ctx, coll, "c")
	require.NoError(t, err)
	assert.Equal(t, 5, report.NewMessages)
	assert.Equal(t, 15, report.Conversation.OriginalMessageCount)
	assert.Equal(t, transcripttest.ID(14), report.Conversation.LastSyncedMessageID)

	convs, err := f.e.ListConversations(ctx, coll)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	f.compress(t, "c", ratio(3))
	require.NoError(t, f.e.Unregister(ctx, coll, "c", UnregisterOptions{DeleteFiles: true}))
	_, err = f.e.GetConversation(ctx, coll, "c")
	assert.True(t, errors.Is(err, apperr.ErrConversationNotFound))
	_, err = os.Stat(path)
	assert.NoError(t, err, "the original log is never touched")
}

func TestRegisterBatch(t *testing.T) {
	f := newFixture(t, nil)
	good := transcripttest.Write(t, f.logs, "good.jsonl", transcripttest.Lines(12))
	other := transcripttest.Write(t, f.logs, "other.jsonl", transcripttest.Lines(3))
	missing := filepath.Join(f.logs, "missing.jsonl")

	report := f.e.RegisterBatch(context.Background(), coll, []string{good, missing, other})
	assert.Equal(t, []string{"good", "other"}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, missing, report.Failed[0].Path)
	assert.Equal(t, "invalid_input", report.Failed[0].Code)
}

func TestRegisterRejectsCompressionSessions(t *testing.T) {
	f := newFixture(t, nil)
	lines := []string{transcripttest.Line("user", "x", "", llm.InternalSentinel+" compress this", transcripttest.Base)}
	path := transcripttest.Write(t, f.logs, "internal.jsonl", lines)

	_, err := f.e.Register(context.Background(), coll, path)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestScanCacheServesUnchangedLogs(t *testing.T) {
	f := newFixture(t, nil)
	_, path := f.register(t, "c", 10)

	cached, err := f.db.GetScan(path)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 10, cached.MessageCount)

	report, err := f.e.Sync(context.Background(), coll, "c")
	require.NoError(t, err)
	assert.Equal(t, 0, report.NewMessages)
}

func TestPins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	lines := transcripttest.Lines(12)
	lines[4] = transcripttest.Line("user", transcripttest.ID(4), transcripttest.ID(3),
		"remember <pin id='wal' weight='0.70'>always use WAL mode</pin>", transcripttest.Base)
	path := transcripttest.Write(t, f.logs, "p.jsonl", lines)
	conv, err := f.e.Register(ctx, coll, path)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.PinnedCount)

	pins, err := f.e.GetPins(ctx, coll, "p")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, 0.7, pins[0].Weight)

	report, err := f.e.PreviewDecay(ctx, coll, "p", decay.Scenario{Distance: 10, Ratio: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Preview.Surviving)
	report, err = f.e.PreviewDecay(ctx, coll, "p", decay.Scenario{Distance: 11, Ratio: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Preview.Surviving)
	require.Len(t, report.Explanations, 1)

	pin, err := f.e.SetPinWeight(ctx, coll, "p", "wal", 0.95)
	require.NoError(t, err)
	assert.Equal(t, 0.95, pin.Weight)
	require.Len(t, pin.History, 1)
	assert.Equal(t, 0.7, pin.History[0].From)

	_, err = f.e.SetPinWeight(ctx, coll, "p", "wal", 1.5)
	assert.True(t, errors.Is(err, apperr.ErrInvalidWeight))
	_, err = f.e.SetPinWeight(ctx, coll, "p", "nope", 0.5)
	assert.True(t, errors.Is(err, apperr.ErrPinNotFound))
}

func TestVerify(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "c", 30)
	d := f.compress(t, "c", ratio(4))

	reports, err := f.e.Verify(ctx, coll, "")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].OK, "%v", reports[0].Problems)

	require.NoError(t, f.files.RemoveDerivativeFile(coll, "c", d.VersionID))
	reports, err = f.e.Verify(ctx, coll, "c")
	require.NoError(t, err)
	assert.False(t, reports[0].OK)
	assert.Contains(t, reports[0].Problems, "missing content for "+d.VersionID)
}

func TestVerifyRecomputesReferenceCounts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "c", 30)
	d := f.compress(t, "c", ratio(4))

	_, err := f.e.CreateComposition(ctx, coll, compose.Request{
		Name:       "brief",
		Budget:     5000,
		Components: []compose.ComponentRequest{{ConversationID: "c", VersionID: d.VersionID}},
	})
	require.NoError(t, err)
	reports, err := f.e.Verify(ctx, coll, "c")
	require.NoError(t, err)
	assert.True(t, reports[0].OK, "%v", reports[0].Problems)

	// A count left behind without a registry entry to back it.
	_, err = f.files.Update(coll, func(m *manifest.Manifest) error {
		m.AdjustReferences("c", d.VersionID, 1)
		return nil
	})
	require.NoError(t, err)

	reports, err = f.e.Verify(ctx, coll, "c")
	require.NoError(t, err)
	assert.False(t, reports[0].OK)
	assert.Contains(t, reports[0].Problems, d.VersionID+" is cited by 1 compositions but records 2")
}

func TestStaleLocksAndJobRecovery(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	f.locks.SetClock(func() time.Time { return now })
	_, err := f.locks.Acquire(lock.Key{Collection: coll, Conversation: "c", Op: lock.OpCompress}, "dead", time.Minute)
	require.NoError(t, err)
	assert.Len(t, f.e.LockStatus(context.Background()), 1)
	assert.Equal(t, 1.0, gauge(t, f.reg, "strata_locks_active"))

	now = now.Add(2 * time.Minute)
	assert.Empty(t, f.e.LockStatus(context.Background()))
	assert.Equal(t, 0.0, gauge(t, f.reg, "strata_locks_active"))
	assert.Equal(t, 1, f.e.CleanupLocks(context.Background()))
	assert.Empty(t, f.e.LockStatus(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.e.metrics.locksReclaimed))

	j, err := f.db.StartJob(opCompress, coll, "c", 0)
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	_, err = New(Options{Store: f.files, Locks: f.locks, Compressor: f.mock, Index: f.db, Logger: logger})
	require.NoError(t, err)
	got, err := f.e.Job(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
}

// gauge reads the current value of a registered gauge.
func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
