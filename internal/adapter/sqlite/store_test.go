package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "climbs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedClimb(t *testing.T, s *Store, id string) domain.Climb {
	t.Helper()
	c := domain.Climb{ID: id, Name: "Arete " + id, GradingSystem: domain.VScale, Grade: "V3", CreatedAt: t0}
	require.NoError(t, s.CreateClimb(context.Background(), c))
	return c
}

func seedSession(t *testing.T, s *Store, id, user string, started time.Time) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), domain.Session{ID: id, UserID: user, StartedAt: started}))
}

func TestClimbRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := seedClimb(t, s, "c1")

	got, err := s.Climb(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.Climb(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.CheckReadiness(ctx))
}

func TestUpsertVote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedClimb(t, s, "c1")

	first := domain.Vote{ClimbID: "c1", UserID: "u1", Grade: "V4", Descriptors: []string{"crimpy"}, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.UpsertVote(ctx, first))

	height := 175
	later := t0.Add(time.Hour)
	second := domain.Vote{ClimbID: "c1", UserID: "u1", Grade: "V5", HeightCM: &height, CreatedAt: later, UpdatedAt: later}
	require.NoError(t, s.UpsertVote(ctx, second))

	votes, err := s.VotesForClimb(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, votes, 1, "one vote per user per climb")
	assert.Equal(t, "V5", votes[0].Grade)
	require.NotNil(t, votes[0].HeightCM)
	assert.Equal(t, 175, *votes[0].HeightCM)
	assert.Nil(t, votes[0].Descriptors)
	assert.Equal(t, t0, votes[0].CreatedAt)
	assert.Equal(t, later, votes[0].UpdatedAt)

	err = s.UpsertVote(ctx, domain.Vote{ClimbID: "missing", UserID: "u1", Grade: "V1", CreatedAt: t0, UpdatedAt: t0})
	assert.Error(t, err, "foreign key enforced")
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedClimb(t, s, "c1")
	seedSession(t, s, "s1", "u1", t0)

	r := domain.RouteAttempt{
		ID: "r1", SessionID: "s1", ClimbID: "c1", Status: domain.StatusSuccess, Attempts: 2,
		ProposedGrade: "V3", GradeSystem: domain.VScale, VoterGrade: "V4",
		Descriptors: []string{"crimpy", "dyno"}, CreatedAt: t0.Add(time.Minute),
	}
	require.NoError(t, s.AddRouteAttempt(ctx, r))
	require.NoError(t, s.AddRouteAttempt(ctx, domain.RouteAttempt{
		ID: "r2", SessionID: "s1", Status: domain.StatusFailure, Attempts: 5,
		ProposedGrade: "6b", GradeSystem: domain.French, CreatedAt: t0.Add(2 * time.Minute),
	}))

	got, err := s.RouteAttempt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r, got)

	require.NoError(t, s.EndSession(ctx, "s1", t0.Add(time.Hour)))
	assert.ErrorIs(t, s.EndSession(ctx, "s1", t0.Add(2*time.Hour)), domain.ErrSessionClosed)
	assert.ErrorIs(t, s.EndSession(ctx, "nope", t0), domain.ErrNotFound)

	sess, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.Completed())
	require.Len(t, sess.Routes, 2)
	assert.Equal(t, "r1", sess.Routes[0].ID)
	assert.True(t, sess.Routes[1].Detached())
	assert.Empty(t, sess.Routes[1].VoterGrade)

	_, err = s.Session(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateRouteSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedClimb(t, s, "c1")
	seedSession(t, s, "s1", "u1", t0)
	r := domain.RouteAttempt{
		ID: "r1", SessionID: "s1", ClimbID: "c1", Status: domain.StatusSuccess, Attempts: 1,
		ProposedGrade: "V3", GradeSystem: domain.VScale, CreatedAt: t0,
	}
	require.NoError(t, s.AddRouteAttempt(ctx, r))

	r.VoterGrade = "V6"
	r.Descriptors = []string{"slopey"}
	require.NoError(t, s.UpdateRouteSnapshot(ctx, r))

	got, err := s.RouteAttempt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "V6", got.VoterGrade)
	assert.Equal(t, []string{"slopey"}, got.Descriptors)

	r.ID = "missing"
	assert.ErrorIs(t, s.UpdateRouteSnapshot(ctx, r), domain.ErrNotFound)
}

func TestDeleteClimb(t *testing.T) {
	ctx := context.Background()
	addRoute := func(t *testing.T, s *Store) {
		t.Helper()
		require.NoError(t, s.AddRouteAttempt(ctx, domain.RouteAttempt{
			ID: "r1", SessionID: "s1", ClimbID: "c1", Status: domain.StatusSuccess, Attempts: 1,
			ProposedGrade: "V3", GradeSystem: domain.VScale, VoterGrade: "V2",
			Descriptors: []string{"slab"}, CreatedAt: t0,
		}))
	}

	t.Run("freezes final consensus", func(t *testing.T) {
		s := newTestStore(t)
		seedClimb(t, s, "c1")
		seedSession(t, s, "s1", "u1", t0)
		addRoute(t, s)
		require.NoError(t, s.UpsertVote(ctx, domain.Vote{ClimbID: "c1", UserID: "u2", Grade: "V5", CreatedAt: t0, UpdatedAt: t0}))

		votes := []domain.Vote{{ClimbID: "c1", UserID: "u2", Grade: "V5", Descriptors: []string{"crimpy"}}}
		n, err := s.DeleteClimb(ctx, "c1", func(r domain.RouteAttempt) domain.RouteAttempt {
			return domain.DetachSnapshot(r, votes, domain.VScale)
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		r, err := s.RouteAttempt(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, r.Detached())
		assert.Equal(t, "V5", r.VoterGrade)
		assert.Equal(t, []string{"crimpy"}, r.Descriptors)
		assert.Equal(t, "V3", r.ProposedGrade)

		_, err = s.Climb(ctx, "c1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		votes, err = s.VotesForClimb(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, votes)
	})

	t.Run("keeps snapshot when no consensus", func(t *testing.T) {
		s := newTestStore(t)
		seedClimb(t, s, "c1")
		seedSession(t, s, "s1", "u1", t0)
		addRoute(t, s)

		_, err := s.DeleteClimb(ctx, "c1", func(r domain.RouteAttempt) domain.RouteAttempt {
			return domain.DetachSnapshot(r, nil, domain.VScale)
		})
		require.NoError(t, err)

		r, err := s.RouteAttempt(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, r.Detached())
		assert.Equal(t, "V2", r.VoterGrade)
		assert.Equal(t, []string{"slab"}, r.Descriptors)
	})

	t.Run("detach result is stored as returned", func(t *testing.T) {
		s := newTestStore(t)
		seedClimb(t, s, "c1")
		seedSession(t, s, "s1", "u1", t0)
		addRoute(t, s)

		var seen []string
		n, err := s.DeleteClimb(ctx, "c1", func(r domain.RouteAttempt) domain.RouteAttempt {
			seen = append(seen, r.ID)
			r.VoterGrade = "V9"
			r.Descriptors = nil
			return r
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		assert.Equal(t, []string{"r1"}, seen)

		r, err := s.RouteAttempt(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, r.Detached(), "climb reference is cleared even if detach keeps it")
		assert.Equal(t, "V9", r.VoterGrade)
		assert.Nil(t, r.Descriptors)
	})

	t.Run("missing climb", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.DeleteClimb(ctx, "nope", func(r domain.RouteAttempt) domain.RouteAttempt { return r })
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSessionsForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "late", "u1", t0.Add(48*time.Hour))
	seedSession(t, s, "early", "u1", t0)
	seedSession(t, s, "other", "u2", t0)

	for i, sid := range []string{"early", "late", "early", "other"} {
		require.NoError(t, s.AddRouteAttempt(ctx, domain.RouteAttempt{
			ID: sid + "-" + string(rune('a'+i)), SessionID: sid, Status: domain.StatusSuccess, Attempts: 1,
			ProposedGrade: "V1", GradeSystem: domain.VScale, CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	sessions, err := s.SessionsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "early", sessions[0].ID)
	assert.Len(t, sessions[0].Routes, 2)
	assert.Equal(t, "late", sessions[1].ID)
	assert.Len(t, sessions[1].Routes, 1)

	none, err := s.SessionsForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}
