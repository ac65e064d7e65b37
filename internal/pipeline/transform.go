package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
	"github.com/NeilCic/nappatzim-sub001/internal/observability"
	"github.com/NeilCic/nappatzim-sub001/internal/service"
)

// ErrVoteRejected marks a vote that can never be applied. The pipeline commits
// and skips such messages; any other Transform error is retried.
var ErrVoteRejected = errors.New("vote rejected")

// VoteApplier stores a validated vote and returns the climb's new consensus.
type VoteApplier interface {
	SubmitVote(ctx context.Context, v domain.Vote) (domain.ConsensusEvent, error)
}

// VoteTransformer implements Transformer by applying vote events through a
// VoteApplier.
type VoteTransformer struct {
	votes   VoteApplier
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewTransformer creates a VoteTransformer.
func NewTransformer(votes VoteApplier, logger *slog.Logger, metrics *observability.Metrics) *VoteTransformer {
	return &VoteTransformer{
		votes:   votes,
		logger:  logger,
		metrics: metrics,
	}
}

func (t *VoteTransformer) Transform(ctx context.Context, raw domain.RawEvent) (domain.OutputEvent, error) {
	vote, err := domain.ParseVoteEvent(raw)
	if err != nil {
		t.metrics.VotesRejected.WithLabelValues("malformed").Inc()
		return domain.OutputEvent{}, fmt.Errorf("%w: %w", ErrVoteRejected, err)
	}

	ev, err := t.votes.SubmitVote(ctx, vote)
	if err != nil {
		if isRejection(err) {
			return domain.OutputEvent{}, fmt.Errorf("%w: %w", ErrVoteRejected, err)
		}
		return domain.OutputEvent{}, fmt.Errorf("apply vote: %w", err)
	}
	t.logger.Debug("consensus recomputed",
		"climb_id", ev.ClimbID,
		"votes", ev.Statistics.TotalVotes,
		"offset", raw.Offset,
	)

	return domain.SerializeConsensusEvent(ev)
}

// isRejection reports whether err is caused by the vote itself rather than by
// the store or another dependency.
func isRejection(err error) bool {
	var (
		gradeErr  *domain.InvalidGradeError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &gradeErr), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return true
	case errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrUnknownGradingSystem),
		errors.Is(err, service.ErrInvalidInput):
		return true
	}
	return false
}
