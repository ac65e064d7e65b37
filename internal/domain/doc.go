// Package domain models bouldering grades, community votes and session history,
// and holds the pure functions that turn them into consensus and insights.
//
// # Grading Systems
//
// Three notations are supported, each with its own ordinal scale. Ordinals
// are only comparable within one system.
//
//	v_scale:        "V0" .. "V17"; ordinal = V-number.
//	v_scale_range:  exact V-grades, or setter-proposed ranges "V{a}-V{b}"
//	                with b > a and b-a <= 3; a range maps to its lower bound.
//	french:         "1a" .. "9c+"; ordinal = (number-1)*6 + letter + plus,
//	                letter a/b/c = 0/2/4, plus = 1.
//
// Ranges are accepted only where a setter proposes a grade. Votes always carry
// an exact grade.
//
// # Rounding
//
// Averages are rounded half away from zero before mapping back to text, so
// the mean of V4 and V5 is V5. See [RoundNumeric].
//
// # Consensus
//
// A climb's consensus grade is the rounded mean of its votes; its descriptor
// set is the union of all vote descriptors, lower-cased and trimmed. Grades
// that no longer parse are skipped rather than raising.
//
// # Insights
//
// Only completed sessions count. Below the session gate the report says so
// and carries no analysis. Above it:
//
//	comfort zone:  route success rate >= 70%
//	project zone:  30% <= rate < 50%
//	too hard:      rate < 20%
//	strength:      descriptor success rate >= 60%
//	weakness:      descriptor success rate < 40% over at least 2 routes
//
// The next grade to try is one step above the hardest comfort-zone grade.
// All thresholds live in [InsightsConfig].
//
// # Snapshots
//
// Route attempts store the proposed grade and the voter consensus as of log
// time. [RefreshSnapshot] recomputes them on demand and [DetachSnapshot]
// freezes them when the climb is deleted, so insights are reproducible from
// stored history alone.
package domain
