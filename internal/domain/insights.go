package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// InsightsConfig holds the gates and zone thresholds (percent) of the insights
// engine. Zero values are not defaults; start from DefaultInsightsConfig.
type InsightsConfig struct {
	MinSessions int

	ComfortZoneMin float64 // success rate >= this is comfortable
	ProjectZoneMin float64 // project zone is [ProjectZoneMin, ProjectZoneMax)
	ProjectZoneMax float64
	TooHardMax     float64 // success rate < this is too hard

	StrengthMin       float64 // descriptor success rate >= this is a strength
	WeaknessMax       float64 // descriptor success rate < this may be a weakness
	WeaknessMinRoutes int     // routes required before a descriptor is a weakness
}

// DefaultInsightsConfig returns the standard heuristics.
func DefaultInsightsConfig() InsightsConfig {
	return InsightsConfig{
		MinSessions:       5,
		ComfortZoneMin:    70,
		ProjectZoneMin:    30,
		ProjectZoneMax:    50,
		TooHardMax:        20,
		StrengthMin:       60,
		WeaknessMax:       40,
		WeaknessMinRoutes: 2,
	}
}

// Validate rejects configurations whose thresholds cannot describe zones.
func (c InsightsConfig) Validate() error {
	switch {
	case c.MinSessions < 1:
		return errors.New("min sessions must be at least 1")
	case c.ProjectZoneMin > c.ProjectZoneMax:
		return fmt.Errorf("project zone min %.0f exceeds max %.0f", c.ProjectZoneMin, c.ProjectZoneMax)
	case c.WeaknessMinRoutes < 1:
		return errors.New("weakness min routes must be at least 1")
	}
	for _, v := range []float64{c.ComfortZoneMin, c.ProjectZoneMin, c.ProjectZoneMax, c.TooHardMax, c.StrengthMin, c.WeaknessMax} {
		if v < 0 || v > 100 {
			return fmt.Errorf("threshold %.1f outside 0-100", v)
		}
	}
	return nil
}

// GradeStat aggregates a climber's routes at one representative grade.
type GradeStat struct {
	Grade               string  `json:"grade"`
	Numeric             int     `json:"numeric"`
	TotalRoutes         int     `json:"total_routes"`
	SuccessfulRoutes    int     `json:"successful_routes"`
	TotalAttempts       int     `json:"total_attempts"`
	SuccessfulAttempts  int     `json:"successful_attempts"`
	SuccessRateRoutes   float64 `json:"success_rate_routes"`
	SuccessRateAttempts float64 `json:"success_rate_attempts"`
}

// GradeProfile classifies grades into performance zones.
type GradeProfile struct {
	GradingSystem         GradingSystem `json:"grading_system"`
	Grades                []GradeStat   `json:"grades"`
	ComfortZone           []GradeStat   `json:"comfort_zone"`
	ProjectZone           []GradeStat   `json:"project_zone"`
	TooHard               []GradeStat   `json:"too_hard"`
	IdealProgressionGrade *string       `json:"ideal_progression_grade"`
}

// DescriptorStat aggregates a climber's routes carrying one descriptor.
type DescriptorStat struct {
	Descriptor       string  `json:"descriptor"`
	TotalRoutes      int     `json:"total_routes"`
	SuccessfulRoutes int     `json:"successful_routes"`
	FailedRoutes     int     `json:"failed_routes"`
	TotalAttempts    int     `json:"total_attempts"`
	SuccessRate      float64 `json:"success_rate"`
}

// StyleAnalysis classifies descriptors into strengths and weaknesses.
type StyleAnalysis struct {
	Strengths   []DescriptorStat `json:"strengths"`
	Weaknesses  []DescriptorStat `json:"weaknesses"`
	Preferences []DescriptorStat `json:"preferences"`
}

// InsightsReport is the result of an insights request. When HasEnoughData is
// false the analysis fields are nil.
type InsightsReport struct {
	HasEnoughData       bool           `json:"has_enough_data"`
	SessionCount        int            `json:"session_count"`
	MinSessionsRequired int            `json:"min_sessions_required"`
	TotalRoutes         int            `json:"total_routes"`
	GradeProfile        *GradeProfile  `json:"grade_profile"`
	StyleAnalysis       *StyleAnalysis `json:"style_analysis"`
	ComputedAt          time.Time      `json:"computed_at"`
}

// InsightsEngine derives grade profiles and style analyses from session
// history. It holds no mutable state and is safe for concurrent use.
type InsightsEngine struct {
	cfg InsightsConfig
}

// NewInsightsEngine creates an engine with the given configuration.
func NewInsightsEngine(cfg InsightsConfig) *InsightsEngine {
	return &InsightsEngine{cfg: cfg}
}

// Config returns the engine's configuration.
func (e *InsightsEngine) Config() InsightsConfig { return e.cfg }

// WithMinSessions returns a copy of the engine with a different session gate.
func (e *InsightsEngine) WithMinSessions(n int) *InsightsEngine {
	cfg := e.cfg
	cfg.MinSessions = n
	return &InsightsEngine{cfg: cfg}
}

// Compute builds a report from a climber's sessions. Sessions that have not
// ended are ignored.
func (e *InsightsEngine) Compute(sessions []Session) InsightsReport {
	var routes []RouteAttempt
	completed := 0
	for _, s := range sessions {
		if !s.Completed() {
			continue
		}
		completed++
		routes = append(routes, s.Routes...)
	}

	report := InsightsReport{
		SessionCount:        completed,
		MinSessionsRequired: e.cfg.MinSessions,
		TotalRoutes:         len(routes),
		ComputedAt:          Now(),
	}
	if completed < e.cfg.MinSessions || len(routes) == 0 {
		return report
	}

	report.HasEnoughData = true
	profile := e.gradeProfile(routes)
	style := e.styleAnalysis(routes)
	report.GradeProfile = &profile
	report.StyleAnalysis = &style
	return report
}

type gradeGroup struct {
	system GradingSystem
	stat   GradeStat
}

func (e *InsightsEngine) gradeProfile(routes []RouteAttempt) GradeProfile {
	var primary GradingSystem
	groups := make(map[string]*gradeGroup)
	order := make([]string, 0)

	for _, r := range routes {
		grade := RepresentativeGrade(r)
		if grade == "" || grade == UnknownGrade {
			continue
		}
		if primary == "" {
			primary = r.GradeSystem
		}
		g, ok := groups[grade]
		if !ok {
			g = &gradeGroup{system: r.GradeSystem, stat: GradeStat{Grade: grade}}
			groups[grade] = g
			order = append(order, grade)
		}
		g.stat.TotalRoutes++
		g.stat.TotalAttempts += r.Attempts
		if r.Status == StatusSuccess {
			g.stat.SuccessfulRoutes++
			g.stat.SuccessfulAttempts += r.Attempts
		}
	}

	stats := make([]GradeStat, 0, len(order))
	for _, grade := range order {
		g := groups[grade]
		n, ok := ToNumeric(grade, g.system)
		if !ok {
			continue
		}
		s := g.stat
		s.Numeric = n
		s.SuccessRateRoutes = percent(s.SuccessfulRoutes, s.TotalRoutes)
		s.SuccessRateAttempts = percent(s.SuccessfulAttempts, s.TotalAttempts)
		stats = append(stats, s)
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Numeric < stats[j].Numeric })

	profile := GradeProfile{
		GradingSystem: primary,
		Grades:        stats,
		ComfortZone:   []GradeStat{},
		ProjectZone:   []GradeStat{},
		TooHard:       []GradeStat{},
	}
	for _, s := range stats {
		rate := s.SuccessRateRoutes
		if rate >= e.cfg.ComfortZoneMin {
			profile.ComfortZone = append(profile.ComfortZone, s)
		}
		if rate >= e.cfg.ProjectZoneMin && rate < e.cfg.ProjectZoneMax {
			profile.ProjectZone = append(profile.ProjectZone, s)
		}
		if rate < e.cfg.TooHardMax {
			profile.TooHard = append(profile.TooHard, s)
		}
	}

	if n := len(profile.ComfortZone); n > 0 {
		top := profile.ComfortZone[n-1]
		if next, ok := FromNumeric(float64(top.Numeric+1), primary); ok {
			profile.IdealProgressionGrade = &next
		}
	}
	return profile
}

func (e *InsightsEngine) styleAnalysis(routes []RouteAttempt) StyleAnalysis {
	byDescriptor := make(map[string]*DescriptorStat)
	for _, r := range routes {
		for _, d := range NormalizeDescriptors(r.Descriptors) {
			s, ok := byDescriptor[d]
			if !ok {
				s = &DescriptorStat{Descriptor: d}
				byDescriptor[d] = s
			}
			s.TotalRoutes++
			s.TotalAttempts += r.Attempts
			if r.Status == StatusSuccess {
				s.SuccessfulRoutes++
			} else {
				s.FailedRoutes++
			}
		}
	}

	all := make([]DescriptorStat, 0, len(byDescriptor))
	for _, s := range byDescriptor {
		s.SuccessRate = percent(s.SuccessfulRoutes, s.TotalRoutes)
		all = append(all, *s)
	}
	// Alphabetical base order keeps ties deterministic across runs.
	sort.Slice(all, func(i, j int) bool { return all[i].Descriptor < all[j].Descriptor })

	analysis := StyleAnalysis{
		Strengths:   []DescriptorStat{},
		Weaknesses:  []DescriptorStat{},
		Preferences: append([]DescriptorStat{}, all...),
	}
	for _, s := range all {
		if s.SuccessRate >= e.cfg.StrengthMin {
			analysis.Strengths = append(analysis.Strengths, s)
		}
		if s.SuccessRate < e.cfg.WeaknessMax && s.TotalRoutes >= e.cfg.WeaknessMinRoutes {
			analysis.Weaknesses = append(analysis.Weaknesses, s)
		}
	}

	sort.SliceStable(analysis.Strengths, func(i, j int) bool {
		return analysis.Strengths[i].SuccessRate > analysis.Strengths[j].SuccessRate
	})
	sort.SliceStable(analysis.Weaknesses, func(i, j int) bool {
		return analysis.Weaknesses[i].SuccessRate < analysis.Weaknesses[j].SuccessRate
	})
	sort.SliceStable(analysis.Preferences, func(i, j int) bool {
		return analysis.Preferences[i].TotalRoutes > analysis.Preferences[j].TotalRoutes
	})
	return analysis
}

// percent computes part/total*100, multiplying first so thresholds such as
// 7 of 10 land exactly on 70.
func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}
