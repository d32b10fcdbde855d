package router

import (
	"regexp"
	"strings"
)

// Complexity grades how hard a message is to parse deterministically.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// simplePatterns match message shapes the local parser handles well.
var simplePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btomorrow at \d{1,2}`),
	regexp.MustCompile(`(?i)\btoday at \d{1,2}`),
	regexp.MustCompile(`\b\d{1,2}:\d{2}\b`),
	regexp.MustCompile(`(?i)\bat \d{1,2}\s*(?:am|pm)?\b`),
	regexp.MustCompile(`(?i)\bmeeting with \w+`),
	regexp.MustCompile(`(?i)\bcall with \w+`),
	regexp.MustCompile(`(?i)\bsync with \w+`),
}

// complexIndicators mark conditionals, rescheduling, recurrence and
// reminders, none of which the local parser attempts.
var complexIndicators = []string{
	"if ", "unless", "in case", "depending on",
	"reschedule", "move the", "shift the", "change the time",
	"every ", "weekly", "monthly", "each week",
	"remind me", "an hour before", "a day before",
}

// Classify grades a message. Long messages are never simple, and two
// or more complex indicators escalate straight to a model pass.
func Classify(text string) Complexity {
	lower := strings.ToLower(text)

	score := 0
	for _, ind := range complexIndicators {
		if strings.Contains(lower, ind) {
			score++
		}
	}
	if score >= 2 {
		return ComplexityComplex
	}
	if score == 1 || len(text) > 150 {
		return ComplexityMedium
	}

	for _, re := range simplePatterns {
		if re.MatchString(text) {
			if len(text) > 120 {
				return ComplexityMedium
			}
			return ComplexitySimple
		}
	}
	return ComplexityMedium
}
