package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionClosed = errors.New("session already ended")
)

// Climb is a boulder problem with a setter-proposed grade.
type Climb struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	GradingSystem GradingSystem `json:"grading_system"`
	Grade         string        `json:"grade"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Vote is one user's opinion of a climb. At most one exists per (climb, user).
type Vote struct {
	ClimbID     string    `json:"climb_id"`
	UserID      string    `json:"user_id"`
	Grade       string    `json:"grade"`
	HeightCM    *int      `json:"height_cm,omitempty"`
	Descriptors []string  `json:"descriptors,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AttemptStatus is the outcome of a logged route.
type AttemptStatus string

const (
	StatusSuccess AttemptStatus = "success"
	StatusFailure AttemptStatus = "failure"
)

// Valid reports whether s is a known status.
func (s AttemptStatus) Valid() bool {
	return s == StatusSuccess || s == StatusFailure
}

// RouteAttempt is one logged entry of a session. Grade and descriptor fields
// are snapshots taken at log time; ClimbID is empty once the climb is deleted.
type RouteAttempt struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	ClimbID       string        `json:"climb_id,omitempty"`
	Status        AttemptStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	ProposedGrade string        `json:"proposed_grade"`
	GradeSystem   GradingSystem `json:"grade_system"`
	VoterGrade    string        `json:"voter_grade,omitempty"`
	Descriptors   []string      `json:"descriptors,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Detached reports whether the referenced climb no longer exists.
func (r RouteAttempt) Detached() bool { return r.ClimbID == "" }

// Session groups the route attempts of one visit.
type Session struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Routes    []RouteAttempt `json:"routes"`
}

// Completed reports whether the session has ended; only completed sessions
// count toward insights.
func (s Session) Completed() bool { return s.EndedAt != nil }

// NormalizeDescriptor lower-cases and trims a style tag. Blank input yields "".
func NormalizeDescriptor(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// NormalizeDescriptors normalizes, drops blanks and removes duplicates while
// keeping first-seen order.
func NormalizeDescriptors(ds []string) []string {
	if len(ds) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ds))
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		d = NormalizeDescriptor(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Catalog lists the supported grading systems and the suggested descriptor
// vocabulary. Descriptors remain free-form; the list is for clients.
type Catalog struct {
	GradingSystems []GradingSystem `json:"grading_systems"`
	Descriptors    []string        `json:"descriptors"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		GradingSystems: []GradingSystem{VScale, VScaleRange, French},
		Descriptors: []string{
			"crimpy", "slopey", "juggy", "pinchy", "pockets",
			"dyno", "technical", "powerful", "balancy", "overhang",
			"slab", "vertical", "compression", "heel-hook", "toe-hook",
			"mantle", "highball", "reachy",
		},
	}
}

// Supports reports whether system is in the catalog.
func (c Catalog) Supports(system GradingSystem) bool {
	for _, s := range c.GradingSystems {
		if s == system {
			return true
		}
	}
	return false
}
