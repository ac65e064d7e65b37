package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
	"github.com/NeilCic/nappatzim-sub001/internal/observability"
	"github.com/NeilCic/nappatzim-sub001/internal/pipeline"
	"github.com/NeilCic/nappatzim-sub001/internal/service"
)

// --- mocks ---

type mockExtractor struct {
	batches [][]domain.RawEvent
	index   atomic.Int64
	err     error
}

func (m *mockExtractor) ExtractBatch(ctx context.Context, _ int) ([]domain.RawEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	i := int(m.index.Add(1) - 1)
	if i >= len(m.batches) {
		// block until context cancelled to simulate waiting for messages
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.batches[i], nil
}

type mockTransformer struct {
	mu    sync.Mutex
	err   error
	fails int // plain failures before succeeding
}

func (m *mockTransformer) Transform(_ context.Context, raw domain.RawEvent) (domain.OutputEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.OutputEvent{}, m.err
	}
	if m.fails > 0 {
		m.fails--
		return domain.OutputEvent{}, errors.New("database is locked")
	}
	return domain.OutputEvent{Key: raw.Key, Value: raw.Value}, nil
}

type mockLoader struct {
	mu     sync.Mutex
	loaded []domain.OutputEvent
	fails  int
}

func (m *mockLoader) LoadBatch(_ context.Context, events []domain.OutputEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("broker unavailable")
	}
	m.loaded = append(m.loaded, events...)
	return nil
}

func (m *mockLoader) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loaded)
}

type mockApplier struct {
	err   error
	votes []domain.Vote
}

func (m *mockApplier) SubmitVote(_ context.Context, v domain.Vote) (domain.ConsensusEvent, error) {
	if m.err != nil {
		return domain.ConsensusEvent{}, m.err
	}
	m.votes = append(m.votes, v)
	climb := domain.Climb{ID: v.ClimbID, GradingSystem: domain.VScale}
	return domain.NewConsensusEvent(climb, m.votes), nil
}

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	raw := makeVoteEvent(t, "climb-1", "u1", "V4")

	ext := &mockExtractor{batches: [][]domain.RawEvent{{raw}}}
	ldr := &mockLoader{}
	metrics := newTestMetrics()

	p := pipeline.New(ext, &mockTransformer{}, ldr, slog.Default(), metrics, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	require.Len(t, ldr.loaded, 1)
	assert.Equal(t, raw.Value, ldr.loaded[0].Value)
	require.NoError(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.VotesConsumed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ConsensusProduced), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.PipelineRunning), 0)
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	ext := &mockExtractor{} // no batches, will block
	ldr := &mockLoader{}

	p := pipeline.New(ext, &mockTransformer{}, ldr, slog.Default(), newTestMetrics(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, ldr.loaded)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_TransformErrorSkipsAndCommits(t *testing.T) {
	committed := false
	raw := makeVoteEvent(t, "climb-1", "u1", "V4")
	raw.Commit = func(_ context.Context) error {
		committed = true
		return nil
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{{raw}}}
	ldr := &mockLoader{}
	metrics := newTestMetrics()

	rejected := fmt.Errorf("%w: bad vote", pipeline.ErrVoteRejected)
	p := pipeline.New(ext, &mockTransformer{err: rejected}, ldr, slog.Default(), metrics, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, ldr.loaded)
	assert.True(t, committed, "poison messages are committed so they are not redelivered")
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.TransformErrors), 0)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_CommitsAfterLoad(t *testing.T) {
	var commits atomic.Int32
	batch := make([]domain.RawEvent, 0, 3)
	for _, user := range []string{"u1", "u2", "u3"} {
		raw := makeVoteEvent(t, "climb-1", user, "V4")
		raw.Topic = "climb-votes"
		raw.Commit = func(_ context.Context) error {
			commits.Add(1)
			return nil
		}
		batch = append(batch, raw)
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{batch}}
	ldr := &mockLoader{}

	p := pipeline.New(ext, &mockTransformer{}, ldr, slog.Default(), newTestMetrics(), 10)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Len(t, ldr.loaded, 3)
	assert.EqualValues(t, 3, commits.Load())
}

func TestPipeline_Run_RetriesFailedBatchBeforeCommitting(t *testing.T) {
	tests := []struct {
		name        string
		transformer *mockTransformer
		loader      *mockLoader
	}{
		{"load failure", &mockTransformer{}, &mockLoader{fails: 1}},
		{"store failure while applying", &mockTransformer{fails: 1}, &mockLoader{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var commits atomic.Int32
			raw := makeVoteEvent(t, "climb-1", "u1", "V4")
			raw.Commit = func(_ context.Context) error {
				commits.Add(1)
				return nil
			}

			clock := clockwork.NewFakeClock()
			metrics := newTestMetrics()
			ext := &mockExtractor{batches: [][]domain.RawEvent{{raw}}}
			p := pipeline.New(ext, tt.transformer, tt.loader, slog.Default(), metrics, 10).WithClock(clock)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- p.Run(ctx) }()

			// The first attempt failed and the pipeline is waiting out the retry delay.
			require.NoError(t, clock.BlockUntilContext(ctx, 1))
			assert.Zero(t, commits.Load(), "nothing is committed before the consensus is published")
			assert.Zero(t, tt.loader.count())
			assert.Error(t, p.CheckReadiness(ctx))

			clock.Advance(200 * time.Millisecond)
			require.Eventually(t, func() bool { return commits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

			cancel()
			require.NoError(t, <-errCh)
			assert.Equal(t, 1, tt.loader.count())
			assert.NoError(t, p.CheckReadiness(context.Background()))
			assert.InDelta(t, 1, testutil.ToFloat64(metrics.VotesConsumed), 0, "the retry reuses the extracted batch")
			assert.InDelta(t, 0, testutil.ToFloat64(metrics.TransformErrors), 0)
		})
	}
}

func TestPipeline_Run_RejectedVotesAreNotRetried(t *testing.T) {
	var commits atomic.Int32
	commit := func(_ context.Context) error {
		commits.Add(1)
		return nil
	}
	bad := domain.RawEvent{Value: []byte("not json"), Commit: commit}
	good := makeVoteEvent(t, "climb-1", "u1", "V4")
	good.Commit = commit

	clock := clockwork.NewFakeClock()
	metrics := newTestMetrics()
	ldr := &mockLoader{fails: 1}
	tfm := pipeline.NewTransformer(&mockApplier{}, slog.Default(), metrics)
	ext := &mockExtractor{batches: [][]domain.RawEvent{{bad, good}}}
	p := pipeline.New(ext, tfm, ldr, slog.Default(), metrics, 10).WithClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 1, commits.Load(), "the malformed vote is committed straight away")

	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return commits.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, ldr.count())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.TransformErrors), 0, "rejection is counted once")
}

func TestPipeline_Run_ExtractErrorBacksOff(t *testing.T) {
	ext := &mockExtractor{err: errors.New("broker down")}
	ldr := &mockLoader{}

	p := pipeline.New(ext, &mockTransformer{}, ldr, slog.Default(), newTestMetrics(), 10)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, p.Run(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "run returns only when the context ends")
	assert.Empty(t, ldr.loaded)
}

func TestVoteTransformer_Transform(t *testing.T) {
	applier := &mockApplier{}
	metrics := newTestMetrics()
	tfm := pipeline.NewTransformer(applier, slog.Default(), metrics)

	out, err := tfm.Transform(context.Background(), makeVoteEvent(t, "climb-7", "u1", "V6"))
	require.NoError(t, err)
	assert.Equal(t, []byte("climb-7"), out.Key)
	assert.Equal(t, domain.EventTypeConsensus, out.Headers["event_type"])
	assert.NotEmpty(t, out.Headers["computed_at"])

	var ev domain.ConsensusEvent
	require.NoError(t, json.Unmarshal(out.Value, &ev))
	want := domain.Consensus{Grade: strPtr("V6"), Descriptors: []string{}}
	if diff := cmp.Diff(want, ev.Consensus); diff != "" {
		t.Fatalf("consensus mismatch (-want +got):\n%s", diff)
	}
}

func TestVoteTransformer_Rejections(t *testing.T) {
	t.Run("malformed payload", func(t *testing.T) {
		metrics := newTestMetrics()
		tfm := pipeline.NewTransformer(&mockApplier{}, slog.Default(), metrics)

		_, err := tfm.Transform(context.Background(), domain.RawEvent{Value: []byte("not json")})
		require.ErrorIs(t, err, pipeline.ErrVoteRejected)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.VotesRejected.WithLabelValues("malformed")), 0)
	})

	t.Run("unknown climb", func(t *testing.T) {
		applier := &mockApplier{err: domain.ErrNotFound}
		tfm := pipeline.NewTransformer(applier, slog.Default(), newTestMetrics())

		_, err := tfm.Transform(context.Background(), makeVoteEvent(t, "gone", "u1", "V1"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, err, pipeline.ErrVoteRejected)
	})

	t.Run("invalid grade", func(t *testing.T) {
		gradeErr := domain.ValidateField("grade", "V99", domain.VScale, false)
		require.Error(t, gradeErr)
		tfm := pipeline.NewTransformer(&mockApplier{err: gradeErr}, slog.Default(), newTestMetrics())

		_, err := tfm.Transform(context.Background(), makeVoteEvent(t, "climb-1", "u1", "V99"))
		assert.ErrorIs(t, err, pipeline.ErrVoteRejected)
	})

	t.Run("invalid input", func(t *testing.T) {
		applier := &mockApplier{err: fmt.Errorf("%w: height_cm must be positive", service.ErrInvalidInput)}
		tfm := pipeline.NewTransformer(applier, slog.Default(), newTestMetrics())

		_, err := tfm.Transform(context.Background(), makeVoteEvent(t, "climb-1", "u1", "V1"))
		assert.ErrorIs(t, err, pipeline.ErrVoteRejected)
	})

	t.Run("store failure is retryable", func(t *testing.T) {
		storeErr := errors.New("disk I/O error")
		tfm := pipeline.NewTransformer(&mockApplier{err: storeErr}, slog.Default(), newTestMetrics())

		_, err := tfm.Transform(context.Background(), makeVoteEvent(t, "climb-1", "u1", "V1"))
		require.ErrorIs(t, err, storeErr)
		assert.NotErrorIs(t, err, pipeline.ErrVoteRejected)
	})
}

// --- helpers ---

func strPtr(s string) *string { return &s }

func makeVoteEvent(t *testing.T, climbID, userID, grade string) domain.RawEvent {
	t.Helper()
	data, err := json.Marshal(domain.VoteEvent{
		ClimbID: climbID,
		UserID:  userID,
		Grade:   grade,
	})
	require.NoError(t, err)
	return domain.RawEvent{
		Key:       []byte(climbID),
		Value:     data,
		Timestamp: time.Date(2024, time.April, 26, 15, 0, 0, 0, time.UTC),
	}
}
