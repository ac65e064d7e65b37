package domain

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// GradingSystem identifies the notation a grade string is written in.
type GradingSystem string

const (
	VScale      GradingSystem = "v_scale"
	VScaleRange GradingSystem = "v_scale_range"
	French      GradingSystem = "french"
)

const (
	// MaxVGrade is the hardest grade on the V-Scale (V17).
	MaxVGrade = 17
	// MaxRangeSpan is the widest a proposed V-Scale range may be (e.g. V3-V6).
	MaxRangeSpan = 3

	// UnknownGrade marks a route attempt whose grade was never known.
	UnknownGrade = "unknown"

	// maxFrenchNumeric is the ordinal of 9c+.
	maxFrenchNumeric = (9-1)*6 + 4 + 1
)

var (
	ErrInvalidGradeFormat   = errors.New("invalid grade format")
	ErrInvalidGradeRange    = errors.New("invalid grade range")
	ErrUnknownGradingSystem = errors.New("unknown grading system")
)

var (
	// vGradeRe matches a canonical V-number (no leading zeros); bounds are
	// checked separately so that "V18" reports a range error rather than a
	// format error.
	vGradeRe = regexp.MustCompile(`^V(0|[1-9]\d?)$`)

	// vRangeRe matches a proposed range such as "V3-V5".
	vRangeRe = regexp.MustCompile(`^V(0|[1-9]\d?)-V(0|[1-9]\d?)$`)

	// frenchRe matches Fontainebleau grades: digit, letter, optional plus (e.g. "6a+").
	frenchRe = regexp.MustCompile(`^([1-9])([abc])(\+?)$`)
)

// InvalidGradeError describes why a grade string was rejected at the boundary.
type InvalidGradeError struct {
	Field    string
	Grade    string
	System   GradingSystem
	Expected string
	Reason   string
	Err      error
}

func (e *InvalidGradeError) Error() string {
	field := e.Field
	if field == "" {
		field = "grade"
	}
	return fmt.Sprintf("%s %q: %s (expected %s)", field, e.Grade, e.Reason, e.Expected)
}

func (e *InvalidGradeError) Unwrap() error { return e.Err }

// ParseGradingSystem converts a wire value into a GradingSystem.
func ParseGradingSystem(s string) (GradingSystem, error) {
	switch g := GradingSystem(s); g {
	case VScale, VScaleRange, French:
		return g, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownGradingSystem, s)
	}
}

// ExpectedPattern returns the human-readable pattern accepted for a system.
func ExpectedPattern(system GradingSystem, allowRanges bool) string {
	switch system {
	case VScale:
		return "V0-V17 (e.g. V4)"
	case VScaleRange:
		if allowRanges {
			return "V0-V17 or a range V{a}-V{b} with b>a and a span of at most 3 (e.g. V3-V5)"
		}
		return "V0-V17 (e.g. V4)"
	case French:
		return "1-9 followed by a, b or c and an optional + (e.g. 6a+)"
	default:
		return "a supported grading system"
	}
}

// Validate checks grade against the pattern rules of system. Ranges are only
// accepted for VScaleRange and only when allowRanges is set (climb proposals,
// never votes).
func Validate(grade string, system GradingSystem, allowRanges bool) error {
	invalid := func(sentinel error, reason string) error {
		return &InvalidGradeError{
			Grade:    grade,
			System:   system,
			Expected: ExpectedPattern(system, allowRanges),
			Reason:   reason,
			Err:      sentinel,
		}
	}

	switch system {
	case VScale:
		return validateExactV(grade, invalid)
	case VScaleRange:
		if m := vRangeRe.FindStringSubmatch(grade); m != nil {
			if !allowRanges {
				return invalid(ErrInvalidGradeFormat, "ranges are not allowed here")
			}
			low, _ := strconv.Atoi(m[1])
			high, _ := strconv.Atoi(m[2])
			switch {
			case low > MaxVGrade || high > MaxVGrade:
				return invalid(ErrInvalidGradeRange, fmt.Sprintf("range bounds must be between V0 and V%d", MaxVGrade))
			case high <= low:
				return invalid(ErrInvalidGradeRange, "range upper bound must be greater than the lower bound")
			case high-low > MaxRangeSpan:
				return invalid(ErrInvalidGradeRange, fmt.Sprintf("range span %d exceeds %d grades", high-low, MaxRangeSpan))
			}
			return nil
		}
		return validateExactV(grade, invalid)
	case French:
		if !frenchRe.MatchString(grade) {
			return invalid(ErrInvalidGradeFormat, "wrong format")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownGradingSystem, system)
	}
}

// ValidateField is Validate with the offending field name attached to the error.
func ValidateField(field, grade string, system GradingSystem, allowRanges bool) error {
	err := Validate(grade, system, allowRanges)
	var ige *InvalidGradeError
	if errors.As(err, &ige) {
		ige.Field = field
	}
	return err
}

func validateExactV(grade string, invalid func(error, string) error) error {
	m := vGradeRe.FindStringSubmatch(grade)
	if m == nil {
		return invalid(ErrInvalidGradeFormat, "wrong format")
	}
	if n, _ := strconv.Atoi(m[1]); n > MaxVGrade {
		return invalid(ErrInvalidGradeRange, fmt.Sprintf("grade must be between V0 and V%d", MaxVGrade))
	}
	return nil
}

// ToNumeric maps a grade onto the ordinal scale of its system. Range grades
// map to their lower bound. The second return is false for anything that does
// not parse; callers exclude such grades from aggregates.
func ToNumeric(grade string, system GradingSystem) (int, bool) {
	switch system {
	case VScale:
		return parseExactV(grade)
	case VScaleRange:
		if m := vRangeRe.FindStringSubmatch(grade); m != nil {
			low, _ := strconv.Atoi(m[1])
			high, _ := strconv.Atoi(m[2])
			if low > MaxVGrade || high > MaxVGrade || high <= low || high-low > MaxRangeSpan {
				return 0, false
			}
			return low, true
		}
		return parseExactV(grade)
	case French:
		m := frenchRe.FindStringSubmatch(grade)
		if m == nil {
			return 0, false
		}
		number, _ := strconv.Atoi(m[1])
		letterOffset := int(m[2][0]-'a') * 2
		plusOffset := 0
		if m[3] == "+" {
			plusOffset = 1
		}
		return (number-1)*6 + letterOffset + plusOffset, true
	default:
		return 0, false
	}
}

func parseExactV(grade string) (int, bool) {
	m := vGradeRe.FindStringSubmatch(grade)
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	if n > MaxVGrade {
		return 0, false
	}
	return n, true
}

// RoundNumeric rounds half away from zero; averages of 4.5 become 5.
func RoundNumeric(value float64) int {
	return int(math.Round(value))
}

// FromNumeric converts an ordinal back to grade text after rounding it with
// RoundNumeric. The second return is false when the rounded value falls
// outside the scale or the system is unknown.
func FromNumeric(value float64, system GradingSystem) (string, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "", false
	}
	rounded := RoundNumeric(value)
	if rounded < 0 {
		return "", false
	}

	switch system {
	case VScale, VScaleRange:
		if rounded > MaxVGrade {
			return "", false
		}
		return "V" + strconv.Itoa(rounded), true
	case French:
		if rounded > maxFrenchNumeric {
			return "", false
		}
		number := rounded/6 + 1
		letterOffset := rounded % 6
		grade := strconv.Itoa(number) + string(rune('a'+letterOffset/2))
		if letterOffset%2 == 1 {
			grade += "+"
		}
		return grade, true
	default:
		return "", false
	}
}

// AverageGrade returns the grade nearest the arithmetic mean of grades.
// Unparsable entries are dropped; false is returned when none remain.
func AverageGrade(grades []string, system GradingSystem) (string, bool) {
	var sum, n int
	for _, g := range grades {
		v, ok := ToNumeric(g, system)
		if !ok {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return "", false
	}
	return FromNumeric(float64(sum)/float64(n), system)
}
