// Command genmock builds a reproducible climber session history from the mock
// vote fixture. Each logged route snapshots the consensus of its climb's
// votes, the same way the service does at log time, so the output can be fed
// straight to gradecheck or used as a test fixture.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -votes data/mock/climb_votes.json \
//	  -out data/mock/climber_sessions.json \
//	  -user maya -sessions 6
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
)

var baseDate = time.Date(2024, time.April, 26, 17, 0, 0, 0, time.UTC)

// idSpace namespaces the name-based UUIDs so reruns produce identical IDs.
var idSpace = uuid.MustParse("5b0c7f3e-2d4a-4c61-9a8e-7f1d2c3b4a59")

// mockClimbs are the climbs the vote fixture refers to, plus two without votes
// so some routes fall back to their proposed grade.
var mockClimbs = []domain.Climb{
	{ID: "cave-roof", Name: "Cave Roof", GradingSystem: domain.VScale, Grade: "V5"},
	{ID: "warmup-arete", Name: "Warmup Arete", GradingSystem: domain.VScale, Grade: "V2"},
	{ID: "blue-crimps", Name: "Blue Crimps", GradingSystem: domain.VScale, Grade: "V4"},
	{ID: "pink-dyno", Name: "Pink Dyno", GradingSystem: domain.VScale, Grade: "V7"},
}

// visit is one logged route in the scripted history: climb, success, attempts.
type visit struct {
	climb    string
	success  bool
	attempts int
}

// script is cycled through session by session.
var script = [][]visit{
	{{"warmup-arete", true, 1}, {"blue-crimps", true, 2}, {"cave-roof", false, 4}},
	{{"warmup-arete", true, 1}, {"blue-crimps", true, 1}, {"pink-dyno", false, 5}},
	{{"blue-crimps", false, 3}, {"cave-roof", true, 6}, {"cave-roof", false, 3}},
	{{"warmup-arete", true, 1}, {"blue-crimps", true, 2}, {"pink-dyno", false, 4}},
	{{"cave-roof", false, 5}, {"blue-crimps", true, 1}},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	votesPath := flag.String("votes", "data/mock/climb_votes.json", "path to the mock vote fixture")
	out := flag.String("out", "", "output path for the session history fixture")
	user := flag.String("user", "maya", "user the sessions belong to")
	count := flag.Int("sessions", 6, "number of completed sessions to generate")
	flag.Parse()

	if *out == "" || *count < 1 {
		flag.Usage()
		return fmt.Errorf("missing required flag -out or non-positive -sessions")
	}

	clock := clockwork.NewFakeClockAt(baseDate)
	domain.SetClock(clock)
	defer domain.SetClock(nil)

	votes, err := loadVotes(*votesPath)
	if err != nil {
		return fmt.Errorf("loading votes: %w", err)
	}

	sessions := buildSessions(clock, *user, *count, votes)
	if err := writeJSON(*out, sessions); err != nil {
		return fmt.Errorf("writing sessions fixture: %w", err)
	}
	log.Printf("wrote %d sessions for %s: %s", len(sessions), *user, *out)

	printStats(sessions)
	return nil
}

// loadVotes reads the vote fixture and keeps the latest vote per (climb,
// user), matching upsert semantics.
func loadVotes(path string) (map[string][]domain.Vote, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []domain.VoteEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}

	latest := make(map[[2]string]domain.Vote)
	for _, ev := range events {
		key := [2]string{ev.ClimbID, ev.UserID}
		latest[key] = domain.Vote{
			ClimbID:     ev.ClimbID,
			UserID:      ev.UserID,
			Grade:       ev.Grade,
			HeightCM:    ev.HeightCM,
			Descriptors: domain.NormalizeDescriptors(ev.Descriptors),
		}
	}

	byClimb := make(map[string][]domain.Vote)
	for _, v := range latest {
		byClimb[v.ClimbID] = append(byClimb[v.ClimbID], v)
	}
	for id := range byClimb {
		sort.Slice(byClimb[id], func(i, j int) bool { return byClimb[id][i].UserID < byClimb[id][j].UserID })
	}
	return byClimb, nil
}

func buildSessions(clock *clockwork.FakeClock, user string, count int, votes map[string][]domain.Vote) []domain.Session {
	climbs := make(map[string]domain.Climb, len(mockClimbs))
	for _, c := range mockClimbs {
		climbs[c.ID] = c
	}

	sessions := make([]domain.Session, 0, count)
	for i := 0; i < count; i++ {
		sess := domain.Session{
			ID:        uuid.NewSHA1(idSpace, []byte(fmt.Sprintf("%s/session/%d", user, i))).String(),
			UserID:    user,
			StartedAt: domain.Now(),
		}

		for j, v := range script[i%len(script)] {
			clock.Advance(15 * time.Minute)
			climb := climbs[v.climb]
			status := domain.StatusFailure
			if v.success {
				status = domain.StatusSuccess
			}
			attempt := domain.RefreshSnapshot(domain.RouteAttempt{
				ID:            uuid.NewSHA1(idSpace, []byte(fmt.Sprintf("%s/route/%d/%d", user, i, j))).String(),
				SessionID:     sess.ID,
				ClimbID:       climb.ID,
				Status:        status,
				Attempts:      v.attempts,
				ProposedGrade: climb.Grade,
				GradeSystem:   climb.GradingSystem,
				CreatedAt:     domain.Now(),
			}, votes[climb.ID], climb.GradingSystem)
			sess.Routes = append(sess.Routes, attempt)
		}

		clock.Advance(30 * time.Minute)
		ended := domain.Now()
		sess.EndedAt = &ended
		sessions = append(sessions, sess)

		// Next session a week after this one started.
		clock.Advance(7*24*time.Hour - ended.Sub(sess.StartedAt))
	}
	return sessions
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

// printStats runs the generated history through the insights engine.
func printStats(sessions []domain.Session) {
	report := domain.NewInsightsEngine(domain.DefaultInsightsConfig()).Compute(sessions)
	fmt.Printf("\n=== Insights for generated history ===\n")
	fmt.Printf("  sessions: %d (required %d), routes: %d\n", report.SessionCount, report.MinSessionsRequired, report.TotalRoutes)
	if !report.HasEnoughData {
		fmt.Println("  not enough data yet")
		return
	}

	fmt.Println("\n  grade       routes  sent  rate")
	for _, g := range report.GradeProfile.Grades {
		fmt.Printf("  %-10s  %6d  %4d  %5.1f%%\n", g.Grade, g.TotalRoutes, g.SuccessfulRoutes, g.SuccessRateRoutes)
	}
	if next := report.GradeProfile.IdealProgressionGrade; next != nil {
		fmt.Printf("\n  next grade to try: %s\n", *next)
	}

	fmt.Println("\n  descriptor  routes  rate")
	for _, d := range report.StyleAnalysis.Preferences {
		fmt.Printf("  %-10s  %6d  %5.1f%%\n", d.Descriptor, d.TotalRoutes, d.SuccessRate)
	}
}
