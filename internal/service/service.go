// Package service coordinates the grade codec, vote aggregation and insights
// with persistence. Both the HTTP API and the vote stream call into it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
	"github.com/NeilCic/nappatzim-sub001/internal/observability"
)

// ErrInvalidInput marks request-shape problems that are not grade errors.
var ErrInvalidInput = errors.New("invalid input")

// Store is the persistence the service depends on.
type Store interface {
	CreateClimb(ctx context.Context, c domain.Climb) error
	Climb(ctx context.Context, id string) (domain.Climb, error)
	DeleteClimb(ctx context.Context, id string, detach func(domain.RouteAttempt) domain.RouteAttempt) (int64, error)

	UpsertVote(ctx context.Context, v domain.Vote) error
	VotesForClimb(ctx context.Context, climbID string) ([]domain.Vote, error)

	CreateSession(ctx context.Context, s domain.Session) error
	EndSession(ctx context.Context, id string, at time.Time) error
	Session(ctx context.Context, id string) (domain.Session, error)
	SessionsForUser(ctx context.Context, userID string) ([]domain.Session, error)

	AddRouteAttempt(ctx context.Context, r domain.RouteAttempt) error
	RouteAttempt(ctx context.Context, id string) (domain.RouteAttempt, error)
	UpdateRouteSnapshot(ctx context.Context, r domain.RouteAttempt) error
}

// Service implements climb, vote, session and insights operations.
type Service struct {
	store   Store
	engine  *domain.InsightsEngine
	catalog domain.Catalog
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Service.
func New(store Store, engine *domain.InsightsEngine, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		engine:  engine,
		catalog: domain.DefaultCatalog(),
		logger:  logger,
		metrics: metrics,
	}
}

// Catalog returns the supported grading systems and descriptor vocabulary.
func (s *Service) Catalog() domain.Catalog {
	return s.catalog
}

// CreateClimb validates and stores a new climb. Range grades are accepted only
// for the v_scale_range system.
func (s *Service) CreateClimb(ctx context.Context, name string, system domain.GradingSystem, grade string) (domain.Climb, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Climb{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !s.catalog.Supports(system) {
		return domain.Climb{}, fmt.Errorf("%w: %q", domain.ErrUnknownGradingSystem, system)
	}
	if err := domain.ValidateField("grade", grade, system, system == domain.VScaleRange); err != nil {
		return domain.Climb{}, err
	}

	climb := domain.Climb{
		ID:            uuid.NewString(),
		Name:          name,
		GradingSystem: system,
		Grade:         grade,
		CreatedAt:     domain.Now(),
	}
	if err := s.store.CreateClimb(ctx, climb); err != nil {
		return domain.Climb{}, err
	}
	s.logger.Info("climb created", "climb_id", climb.ID, "grading_system", system, "grade", grade)
	return climb, nil
}

// DeleteClimb removes a climb. Logged attempts keep the final consensus as
// their snapshot and lose the climb reference.
func (s *Service) DeleteClimb(ctx context.Context, id string) error {
	climb, err := s.store.Climb(ctx, id)
	if err != nil {
		return err
	}
	votes, err := s.store.VotesForClimb(ctx, id)
	if err != nil {
		return err
	}

	detached, err := s.store.DeleteClimb(ctx, id, func(r domain.RouteAttempt) domain.RouteAttempt {
		return domain.DetachSnapshot(r, votes, climb.GradingSystem)
	})
	if err != nil {
		return err
	}
	s.logger.Info("climb deleted", "climb_id", id, "votes", len(votes), "detached_routes", detached)
	return nil
}

// SubmitVote validates a vote against its climb's grading system, stores it
// (replacing the user's earlier vote) and returns the recomputed consensus.
func (s *Service) SubmitVote(ctx context.Context, v domain.Vote) (domain.ConsensusEvent, error) {
	if strings.TrimSpace(v.UserID) == "" {
		s.reject("invalid_input")
		return domain.ConsensusEvent{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if v.HeightCM != nil && *v.HeightCM <= 0 {
		s.reject("invalid_input")
		return domain.ConsensusEvent{}, fmt.Errorf("%w: height_cm must be positive", ErrInvalidInput)
	}

	climb, err := s.store.Climb(ctx, v.ClimbID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.reject("unknown_climb")
		}
		return domain.ConsensusEvent{}, err
	}
	if err := domain.ValidateField("grade", v.Grade, climb.GradingSystem, false); err != nil {
		s.reject("invalid_grade")
		return domain.ConsensusEvent{}, err
	}

	v.Descriptors = domain.NormalizeDescriptors(v.Descriptors)
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = domain.Now()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = v.UpdatedAt
	}
	if err := s.store.UpsertVote(ctx, v); err != nil {
		return domain.ConsensusEvent{}, err
	}

	votes, err := s.store.VotesForClimb(ctx, climb.ID)
	if err != nil {
		return domain.ConsensusEvent{}, err
	}
	ev := domain.NewConsensusEvent(climb, votes)
	s.logger.Debug("vote applied", "climb_id", climb.ID, "user_id", v.UserID, "votes", len(votes))
	return ev, nil
}

// ClimbConsensus returns the current consensus of a climb's votes.
func (s *Service) ClimbConsensus(ctx context.Context, climbID string) (domain.Consensus, error) {
	climb, votes, err := s.climbWithVotes(ctx, climbID)
	if err != nil {
		return domain.Consensus{}, err
	}
	return domain.AggregateVotes(votes, climb.GradingSystem), nil
}

// ClimbStatistics returns vote totals, distribution and height breakdown.
func (s *Service) ClimbStatistics(ctx context.Context, climbID string) (domain.VoteStatistics, error) {
	climb, votes, err := s.climbWithVotes(ctx, climbID)
	if err != nil {
		return domain.VoteStatistics{}, err
	}
	return domain.ComputeStatistics(votes, climb.GradingSystem), nil
}

// StartSession opens a new session for a user.
func (s *Service) StartSession(ctx context.Context, userID string) (domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Session{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	sess := domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: domain.Now(),
		Routes:    []domain.RouteAttempt{},
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// EndSession marks a session completed so it counts toward insights.
func (s *Service) EndSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := s.store.EndSession(ctx, sessionID, domain.Now()); err != nil {
		return domain.Session{}, err
	}
	return s.store.Session(ctx, sessionID)
}

// RouteInput describes a route logged on a session.
type RouteInput struct {
	ClimbID  string               `json:"climb_id"`
	Status   domain.AttemptStatus `json:"status"`
	Attempts int                  `json:"attempts"`
}

// LogRoute records an attempt on an open session, snapshotting the climb's
// proposed grade, grading system and current consensus.
func (s *Service) LogRoute(ctx context.Context, sessionID string, in RouteInput) (domain.RouteAttempt, error) {
	if !in.Status.Valid() {
		return domain.RouteAttempt{}, fmt.Errorf("%w: status must be %q or %q", ErrInvalidInput, domain.StatusSuccess, domain.StatusFailure)
	}
	if in.Attempts < 1 {
		return domain.RouteAttempt{}, fmt.Errorf("%w: attempts must be at least 1", ErrInvalidInput)
	}

	sess, err := s.store.Session(ctx, sessionID)
	if err != nil {
		return domain.RouteAttempt{}, err
	}
	if sess.Completed() {
		return domain.RouteAttempt{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionClosed)
	}

	climb, votes, err := s.climbWithVotes(ctx, in.ClimbID)
	if err != nil {
		return domain.RouteAttempt{}, err
	}

	attempt := domain.RefreshSnapshot(domain.RouteAttempt{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ClimbID:       climb.ID,
		Status:        in.Status,
		Attempts:      in.Attempts,
		ProposedGrade: climb.Grade,
		GradeSystem:   climb.GradingSystem,
		CreatedAt:     domain.Now(),
	}, votes, climb.GradingSystem)

	if err := s.store.AddRouteAttempt(ctx, attempt); err != nil {
		return domain.RouteAttempt{}, err
	}
	return attempt, nil
}

// RefreshRoute recomputes an attempt's snapshot from the climb's current
// votes. Detached attempts are returned unchanged.
func (s *Service) RefreshRoute(ctx context.Context, routeID string) (domain.RouteAttempt, error) {
	attempt, err := s.store.RouteAttempt(ctx, routeID)
	if err != nil {
		return domain.RouteAttempt{}, err
	}
	if attempt.Detached() {
		return attempt, nil
	}

	climb, votes, err := s.climbWithVotes(ctx, attempt.ClimbID)
	if err != nil {
		return domain.RouteAttempt{}, err
	}
	attempt = domain.RefreshSnapshot(attempt, votes, climb.GradingSystem)
	if err := s.store.UpdateRouteSnapshot(ctx, attempt); err != nil {
		return domain.RouteAttempt{}, err
	}
	return attempt, nil
}

// Insights computes a user's report. A positive minSessions overrides the
// configured session gate for this request.
func (s *Service) Insights(ctx context.Context, userID string, minSessions int) (domain.InsightsReport, error) {
	engine := s.engine
	if minSessions > 0 {
		engine = engine.WithMinSessions(minSessions)
	}

	sessions, err := s.store.SessionsForUser(ctx, userID)
	if err != nil {
		return domain.InsightsReport{}, err
	}
	report := engine.Compute(sessions)

	outcome := "computed"
	if !report.HasEnoughData {
		outcome = "insufficient_data"
	}
	s.metrics.InsightsReports.WithLabelValues(outcome).Inc()
	s.logger.Debug("insights computed", "user_id", userID, "sessions", report.SessionCount, "outcome", outcome)
	return report, nil
}

func (s *Service) climbWithVotes(ctx context.Context, climbID string) (domain.Climb, []domain.Vote, error) {
	climb, err := s.store.Climb(ctx, climbID)
	if err != nil {
		return domain.Climb{}, nil, err
	}
	votes, err := s.store.VotesForClimb(ctx, climbID)
	if err != nil {
		return domain.Climb{}, nil, err
	}
	return climb, votes, nil
}

func (s *Service) reject(reason string) {
	s.metrics.VotesRejected.WithLabelValues(reason).Inc()
}
