package domain

import "sort"

// Height bands (cm) used to break down who voted on a climb.
const (
	ShortHeightBelow = 165
	TallHeightAbove  = 180
)

// Consensus is the community view of a climb derived from its votes.
type Consensus struct {
	Grade       *string  `json:"grade"`
	Descriptors []string `json:"descriptors"`
}

// HeightBands counts votes with a recorded height per band.
type HeightBands struct {
	Short   int `json:"short"`
	Average int `json:"average"`
	Tall    int `json:"tall"`
}

// HeightBreakdown splits votes by whether and where a height was recorded.
type HeightBreakdown struct {
	WithHeight    int         `json:"with_height"`
	WithoutHeight int         `json:"without_height"`
	ByRange       HeightBands `json:"by_range"`
}

// VoteStatistics summarizes a climb's votes for display.
type VoteStatistics struct {
	TotalVotes        int             `json:"total_votes"`
	AverageGrade      *string         `json:"average_grade"`
	GradeDistribution map[string]int  `json:"grade_distribution"`
	HeightBreakdown   HeightBreakdown `json:"height_breakdown"`
}

// AggregateVotes reduces votes into a consensus grade and the union of their
// descriptors. Every descriptor present in any vote qualifies.
func AggregateVotes(votes []Vote, system GradingSystem) Consensus {
	grades := make([]string, 0, len(votes))
	set := make(map[string]struct{})
	for _, v := range votes {
		grades = append(grades, v.Grade)
		for _, d := range v.Descriptors {
			if d = NormalizeDescriptor(d); d != "" {
				set[d] = struct{}{}
			}
		}
	}

	c := Consensus{Descriptors: make([]string, 0, len(set))}
	if g, ok := AverageGrade(grades, system); ok {
		c.Grade = &g
	}
	for d := range set {
		c.Descriptors = append(c.Descriptors, d)
	}
	sort.Strings(c.Descriptors)
	return c
}

// ComputeStatistics builds vote totals, the verbatim grade distribution and
// the height breakdown. Zero votes yield a zero-valued result.
func ComputeStatistics(votes []Vote, system GradingSystem) VoteStatistics {
	stats := VoteStatistics{
		TotalVotes:        len(votes),
		GradeDistribution: make(map[string]int),
	}

	grades := make([]string, 0, len(votes))
	for _, v := range votes {
		grades = append(grades, v.Grade)
		stats.GradeDistribution[v.Grade]++

		if v.HeightCM == nil {
			stats.HeightBreakdown.WithoutHeight++
			continue
		}
		stats.HeightBreakdown.WithHeight++
		switch h := *v.HeightCM; {
		case h < ShortHeightBelow:
			stats.HeightBreakdown.ByRange.Short++
		case h > TallHeightAbove:
			stats.HeightBreakdown.ByRange.Tall++
		default:
			stats.HeightBreakdown.ByRange.Average++
		}
	}

	if g, ok := AverageGrade(grades, system); ok {
		stats.AverageGrade = &g
	}
	return stats
}

// RefreshSnapshot overwrites the attempt's voter grade and descriptor snapshot
// with the consensus of the current votes.
func RefreshSnapshot(attempt RouteAttempt, votes []Vote, system GradingSystem) RouteAttempt {
	return ApplyConsensus(attempt, AggregateVotes(votes, system))
}

// ApplyConsensus writes c onto the attempt's snapshot fields.
func ApplyConsensus(attempt RouteAttempt, c Consensus) RouteAttempt {
	attempt.VoterGrade = ""
	if c.Grade != nil {
		attempt.VoterGrade = *c.Grade
	}
	attempt.Descriptors = nil
	if len(c.Descriptors) > 0 {
		attempt.Descriptors = append([]string(nil), c.Descriptors...)
	}
	return attempt
}

// DetachSnapshot freezes the final consensus onto an attempt whose climb is
// being deleted and clears the climb reference. With no votes the existing
// snapshot is kept as-is.
func DetachSnapshot(attempt RouteAttempt, votes []Vote, system GradingSystem) RouteAttempt {
	if len(votes) > 0 {
		attempt = RefreshSnapshot(attempt, votes, system)
	}
	attempt.ClimbID = ""
	return attempt
}

// RepresentativeGrade is the grade insights attribute an attempt to: the
// voter consensus when present, otherwise the proposed grade.
func RepresentativeGrade(attempt RouteAttempt) string {
	if attempt.VoterGrade != "" {
		return attempt.VoterGrade
	}
	return attempt.ProposedGrade
}
