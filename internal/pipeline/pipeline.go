package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
	"github.com/NeilCic/nappatzim-sub001/internal/observability"
)

// BatchExtractor reads up to batchSize raw vote events from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Transformer applies a raw vote event and returns the consensus event to publish.
type Transformer interface {
	Transform(ctx context.Context, raw domain.RawEvent) (domain.OutputEvent, error)
}

// BatchLoader writes consensus events to the destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, events []domain.OutputEvent) error
}

// Pipeline consumes vote events, applies them, and publishes the recomputed
// consensus of each affected climb. Offsets are committed only after the
// consensus is published, so delivery is at-least-once.
type Pipeline struct {
	extractor   BatchExtractor
	transformer Transformer
	loader      BatchLoader
	logger      *slog.Logger
	metrics     *observability.Metrics
	clock       clockwork.Clock
	ready       atomic.Bool
	batchSize   int

	// pending holds an extracted batch that failed to apply or publish. It is
	// retried before anything new is extracted. Only Run's goroutine uses it.
	pending []domain.RawEvent
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, t Transformer, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor:   e,
		transformer: t,
		loader:      l,
		logger:      logger,
		metrics:     metrics,
		clock:       clockwork.NewRealClock(),
		batchSize:   batchSize,
	}
}

// WithClock replaces the clock used for retry delays and batch timing.
func (p *Pipeline) WithClock(c clockwork.Clock) *Pipeline {
	p.clock = c
	return p
}

// CheckReadiness returns nil once the pipeline has published at least one
// consensus event.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not published any consensus yet")
	}
	return nil
}

// Run consumes votes until the context is cancelled. Extract, apply and load
// failures are retried with backoff; it never returns a non-nil error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("vote pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	retry := newRetryDelay(p.clock)
	for ctx.Err() == nil {
		if err := p.step(ctx, retry); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("vote batch failed", "error", err, "retry_in", retry.current)
			if !retry.wait(ctx) {
				break
			}
			continue
		}
	}
	p.logger.Info("vote pipeline stopping", "reason", context.Cause(ctx))
	return nil
}

// step processes one batch. A returned error means the batch is kept pending
// and retried after a delay; rejected votes are not errors.
func (p *Pipeline) step(ctx context.Context, retry *retryDelay) error {
	start := p.clock.Now()

	votes := p.pending
	if votes == nil {
		var err error
		votes, err = p.extractor.ExtractBatch(ctx, p.batchSize)
		if err != nil {
			return err
		}
		if len(votes) == 0 {
			return nil
		}
		p.metrics.VotesConsumed.Add(float64(len(votes)))
		p.metrics.BatchSize.Observe(float64(len(votes)))
	}

	b, err := p.apply(ctx, votes)
	if err == nil && len(b.events) > 0 {
		err = p.loader.LoadBatch(ctx, b.events)
	}
	if err != nil {
		// Votes rejected so far are already committed; leave them out of the retry.
		if p.pending = b.unsettled(votes); len(p.pending) == 0 {
			p.pending = nil
		}
		return err
	}
	p.pending = nil
	retry.reset()

	if len(b.events) == 0 {
		return nil
	}
	p.metrics.ConsensusProduced.Add(float64(len(b.events)))
	for _, raw := range b.applied {
		p.commit(ctx, raw)
	}

	p.metrics.BatchProcessingDuration.Observe(p.clock.Since(start).Seconds())
	p.ready.Store(true)
	p.logger.Debug("vote batch published",
		"votes", len(votes),
		"rejected", len(b.rejected),
		"climbs", len(b.climbs),
	)
	return nil
}

// appliedBatch holds the consensus events produced from one batch of votes and
// the raw messages they came from.
type appliedBatch struct {
	events   []domain.OutputEvent
	applied  []domain.RawEvent
	rejected map[int]struct{}
	climbs   map[string]struct{}
}

// unsettled returns the votes of the batch that were not rejected.
func (b appliedBatch) unsettled(votes []domain.RawEvent) []domain.RawEvent {
	out := make([]domain.RawEvent, 0, len(votes)-len(b.rejected))
	for i, raw := range votes {
		if _, ok := b.rejected[i]; !ok {
			out = append(out, raw)
		}
	}
	return out
}

// apply runs every vote through the transformer. Rejected votes are committed
// immediately so a poison message is never redelivered. Any other transform
// failure stops the batch and is returned.
func (p *Pipeline) apply(ctx context.Context, votes []domain.RawEvent) (appliedBatch, error) {
	b := appliedBatch{
		events:   make([]domain.OutputEvent, 0, len(votes)),
		applied:  make([]domain.RawEvent, 0, len(votes)),
		rejected: make(map[int]struct{}),
		climbs:   make(map[string]struct{}),
	}
	for i, raw := range votes {
		out, err := p.transformer.Transform(ctx, raw)
		if errors.Is(err, ErrVoteRejected) {
			p.logger.Warn("vote rejected, skipping message",
				"error", err,
				"topic", raw.Topic,
				"partition", raw.Partition,
				"offset", raw.Offset,
			)
			p.metrics.TransformErrors.Inc()
			p.commit(ctx, raw)
			b.rejected[i] = struct{}{}
			continue
		}
		if err != nil {
			return b, err
		}
		b.events = append(b.events, out)
		b.applied = append(b.applied, raw)
		b.climbs[string(out.Key)] = struct{}{}
	}
	return b, nil
}

func (p *Pipeline) commit(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

// Retry delays start at 200ms, double on each consecutive failure, and cap at 5s.
const (
	initialRetryDelay = 200 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

type retryDelay struct {
	clock   clockwork.Clock
	current time.Duration
}

func newRetryDelay(c clockwork.Clock) *retryDelay {
	return &retryDelay{clock: c, current: initialRetryDelay}
}

func (r *retryDelay) reset() { r.current = initialRetryDelay }

// wait sleeps for the current delay and then grows it. It returns false if
// the context ended first.
func (r *retryDelay) wait(ctx context.Context) bool {
	t := r.clock.NewTimer(r.current)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
	}
	r.current = min(r.current*2, maxRetryDelay)
	return true
}
