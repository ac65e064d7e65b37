// Command gradecheck validates and converts grades offline, or computes an
// insights report from a JSON file of sessions.
//
// Usage:
//
//	go run ./cmd/gradecheck -system v_scale_range -ranges V3-V5 V4 V1-V8
//	go run ./cmd/gradecheck -sessions data/mock/climber_sessions.json -min-sessions 5
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
)

type gradeResult struct {
	Grade   string `json:"grade"`
	Valid   bool   `json:"valid"`
	Numeric *int   `json:"numeric,omitempty"`
	Error   string `json:"error,omitempty"`
}

type gradeReport struct {
	GradingSystem domain.GradingSystem `json:"grading_system"`
	Grades        []gradeResult        `json:"grades"`
	Average       *string              `json:"average"`
}

func main() {
	system := flag.String("system", string(domain.VScale), "grading system: v_scale, v_scale_range or french")
	ranges := flag.Bool("ranges", false, "accept V-Scale ranges (v_scale_range only)")
	sessions := flag.String("sessions", "", "path to a JSON array of sessions to compute insights for")
	minSessions := flag.Int("min-sessions", domain.DefaultInsightsConfig().MinSessions, "completed sessions required for insights")
	flag.Parse()

	os.Exit(run(os.Stdout, *system, *ranges, *sessions, *minSessions, flag.Args()))
}

func run(w io.Writer, system string, allowRanges bool, sessionsPath string, minSessions int, grades []string) int {
	if sessionsPath != "" {
		return runInsights(w, sessionsPath, minSessions)
	}
	if len(grades) == 0 {
		flag.Usage()
		return 2
	}

	gs, err := domain.ParseGradingSystem(system)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 2
	}

	report := checkGrades(gs, allowRanges, grades)
	if err := writeJSON(w, report); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	for _, g := range report.Grades {
		if !g.Valid {
			return 1
		}
	}
	return 0
}

// checkGrades validates each grade and averages the ones that parse.
func checkGrades(system domain.GradingSystem, allowRanges bool, grades []string) gradeReport {
	report := gradeReport{GradingSystem: system, Grades: make([]gradeResult, 0, len(grades))}
	for _, g := range grades {
		res := gradeResult{Grade: g}
		if err := domain.Validate(g, system, allowRanges); err != nil {
			res.Error = describe(err)
		} else {
			res.Valid = true
			if n, ok := domain.ToNumeric(g, system); ok {
				res.Numeric = &n
			}
		}
		report.Grades = append(report.Grades, res)
	}
	if avg, ok := domain.AverageGrade(grades, system); ok {
		report.Average = &avg
	}
	return report
}

func describe(err error) string {
	var ige *domain.InvalidGradeError
	if errors.As(err, &ige) {
		return fmt.Sprintf("%s (expected %s)", ige.Reason, ige.Expected)
	}
	return err.Error()
}

func runInsights(w io.Writer, path string, minSessions int) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: read sessions: %v\n", err)
		return 1
	}
	var sessions []domain.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: parse sessions: %v\n", err)
		return 1
	}

	cfg := domain.DefaultInsightsConfig()
	cfg.MinSessions = minSessions
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 2
	}

	report := domain.NewInsightsEngine(cfg).Compute(sessions)
	if err := writeJSON(w, report); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
