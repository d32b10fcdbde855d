package parse

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LocalParser extracts event and note drafts from plain-language
// messages without calling a model. It handles the common shapes
// (relative dates, explicit times, durations) and reports a confidence
// score so the router can decide whether a model pass is still needed.
type LocalParser struct {
	location *time.Location
	now      func() time.Time
}

// NewLocalParser creates a parser that interprets times in the given
// location. now is injected for tests.
func NewLocalParser(location *time.Location, now func() time.Time) *LocalParser {
	if location == nil {
		location = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &LocalParser{location: location, now: now}
}

var noteKeywords = []string{
	"idea", "thought", "note", "remember", "write down", "jot down",
	"need to buy", "don't forget", "dont forget", "remind myself",
	"todo", "to-do", "shopping list",
}

var eventKeywords = []string{
	"meeting", "call", "sync", "zoom", "meet", "standup", "stand-up",
	"catch up", "catch-up", "presentation", "lunch", "dinner",
	"breakfast", "appointment", "consultation", "interview", "webinar",
	"conference", "seminar", "training", "lesson", "class", "demo",
	"review", "1:1", "one-on-one",
}

// timeOfDay maps vague time-of-day phrases to a default clock time.
var timeOfDay = []struct {
	phrase string
	hour   int
	minute int
}{
	{"early morning", 9, 0},
	{"in the morning", 10, 0},
	{"this morning", 10, 0},
	{"after lunch", 14, 0},
	{"in the afternoon", 14, 0},
	{"this afternoon", 14, 0},
	{"in the evening", 19, 0},
	{"this evening", 19, 0},
	{"tonight", 19, 0},
	{"at night", 23, 0},
	{"at noon", 12, 0},
	{"at lunch", 13, 0},
	{"at midday", 12, 0},
}

var (
	rangeRe    = regexp.MustCompile(`(\d{1,2}):(\d{2})\s*(?:-|–|—|to|until)\s*(\d{1,2}):(\d{2})`)
	clockRe    = regexp.MustCompile(`(?:\bat\s+)?\b(\d{1,2})(?::(\d{2}))?\s*(am|pm|AM|PM)\b`)
	colonRe    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	atHourRe   = regexp.MustCompile(`\bat\s+(\d{1,2})\b`)
	hoursDurRe = regexp.MustCompile(`(?:\bfor\s+)?(\d+(?:\.\d+)?)\s*h(?:ou)?rs?\b`)
	minsDurRe  = regexp.MustCompile(`(?:\bfor\s+)?(\d+)\s*min(?:ute)?s?\b`)
	withRe     = regexp.MustCompile(`\bwith\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	linkRe     = regexp.MustCompile(`https?://\S*(?:zoom\.us|meet\.google\.com|teams\.microsoft\.com)\S*`)
	locRe      = regexp.MustCompile(`(?i)(?:location|where|place)\s*[:\s]\s*([^.,\n]+)`)
	atPlaceRe  = regexp.MustCompile(`(?i)\bat\s+(?:the\s+)?(office|cafe|caf\x{e9}|restaurant|hotel|airport|park|studio|gym|clinic)\b`)
	weekdayRe  = regexp.MustCompile(`(?i)\b(?:on\s+|next\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

// Parse attempts a deterministic extraction. The returned confidence
// never exceeds 0.95; a caller that needs certainty beyond that should
// escalate to a model parser.
func (p *LocalParser) Parse(text string) Result {
	lower := strings.ToLower(text)
	contentType, confidence := p.classify(text, lower)

	result := Result{Type: contentType, Confidence: confidence, SourceText: text}

	if contentType == ContentNote {
		result.Note = &NoteDraft{
			Title:   fallbackTitle(text),
			Content: strings.TrimSpace(text),
		}
		return result
	}

	start, end, ok := p.resolveTimes(text, lower)
	if !ok {
		if contentType == ContentEvent {
			result.Confidence = minFloat(result.Confidence, 0.3)
			result.Clarification = "When should this happen? Please include a date or time."
		}
		return result
	}

	duration := extractDuration(lower)
	if end.IsZero() {
		end = start.Add(time.Duration(duration) * time.Minute)
	} else {
		duration = int(end.Sub(start).Minutes())
	}

	result.Type = ContentEvent
	result.Event = &EventDraft{
		Title:           extractTitle(text, lower),
		Start:           start,
		End:             end,
		DurationMinutes: duration,
		Location:        extractLocation(text),
		Participants:    extractParticipants(text),
	}
	if result.Confidence < 0.7 {
		result.Confidence = 0.7
	}
	return result
}

// classify scores the message against note and event vocabularies.
func (p *LocalParser) classify(text, lower string) (ContentType, float64) {
	noteScore := 0
	for _, kw := range noteKeywords {
		if strings.Contains(lower, kw) {
			noteScore++
		}
	}
	eventScore := 0
	for _, kw := range eventKeywords {
		if strings.Contains(lower, kw) {
			eventScore++
		}
	}

	hasDate := p.hasDateReference(lower)
	hasTime := hasTimeReference(lower)

	if noteScore > 0 && eventScore == 0 && !hasTime {
		return ContentNote, minFloat(0.8+float64(noteScore)*0.05, 0.95)
	}
	if eventScore > 0 || hasTime {
		confidence := 0.6 + float64(eventScore)*0.1
		if hasDate {
			confidence += 0.1
		}
		if hasTime {
			confidence += 0.1
		}
		return ContentEvent, minFloat(confidence, 0.95)
	}
	if hasDate {
		return ContentEvent, 0.5
	}
	return ContentUnclear, 0.3
}

func (p *LocalParser) hasDateReference(lower string) bool {
	for _, w := range []string{"today", "tomorrow", "day after tomorrow", "next week"} {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return weekdayRe.MatchString(lower)
}

func hasTimeReference(lower string) bool {
	for _, tod := range timeOfDay {
		if strings.Contains(lower, tod.phrase) {
			return true
		}
	}
	return colonRe.MatchString(lower) || clockRe.MatchString(lower) || atHourRe.MatchString(lower)
}

// resolveTimes combines a date reference and a clock reference into
// concrete start/end instants. Times with no date land on the next
// future occurrence.
func (p *LocalParser) resolveTimes(text, lower string) (start, end time.Time, ok bool) {
	now := p.now().In(p.location)
	day, hasDay := p.resolveDay(lower, now)

	if m := rangeRe.FindStringSubmatch(text); m != nil {
		if !hasDay {
			day = now
		}
		sh, _ := strconv.Atoi(m[1])
		sm, _ := strconv.Atoi(m[2])
		eh, _ := strconv.Atoi(m[3])
		em, _ := strconv.Atoi(m[4])
		start = time.Date(day.Year(), day.Month(), day.Day(), sh, sm, 0, 0, p.location)
		end = time.Date(day.Year(), day.Month(), day.Day(), eh, em, 0, 0, p.location)
		if !end.After(start) {
			end = end.Add(24 * time.Hour)
		}
		if !hasDay && !start.After(now) {
			start = start.Add(24 * time.Hour)
			end = end.Add(24 * time.Hour)
		}
		return start, end, true
	}

	hour, minute, hasClock := resolveClock(text, lower)
	if !hasClock && !hasDay {
		return time.Time{}, time.Time{}, false
	}
	if !hasClock {
		// Date without time is not enough for an event draft.
		return time.Time{}, time.Time{}, false
	}
	if !hasDay {
		day = now
	}
	start = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, p.location)
	if !hasDay && !start.After(now) {
		start = start.Add(24 * time.Hour)
	}
	return start, time.Time{}, true
}

// resolveDay maps relative day words to a concrete date.
func (p *LocalParser) resolveDay(lower string, now time.Time) (time.Time, bool) {
	switch {
	case strings.Contains(lower, "day after tomorrow"):
		return now.AddDate(0, 0, 2), true
	case strings.Contains(lower, "tomorrow"):
		return now.AddDate(0, 0, 1), true
	case strings.Contains(lower, "today"):
		return now, true
	case strings.Contains(lower, "next week"):
		return nextWeekday(now, time.Monday), true
	}
	if m := weekdayRe.FindStringSubmatch(lower); m != nil {
		return nextWeekday(now, weekdayByName(m[1])), true
	}
	return time.Time{}, false
}

func resolveClock(text, lower string) (hour, minute int, ok bool) {
	if m := clockRe.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		switch strings.ToLower(m[3]) {
		case "pm":
			if hour < 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		}
		return hour, minute, hour < 24 && minute < 60
	}
	if m := colonRe.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		return hour, minute, hour < 24 && minute < 60
	}
	if m := atHourRe.FindStringSubmatch(lower); m != nil {
		hour, _ = strconv.Atoi(m[1])
		// Bare small hours in a scheduling message almost always mean
		// the working day, unless the message says otherwise.
		if hour < 8 && !strings.Contains(lower, "night") && !strings.Contains(lower, "morning") {
			hour += 12
		}
		return hour, 0, hour < 24
	}
	for _, tod := range timeOfDay {
		if strings.Contains(lower, tod.phrase) {
			return tod.hour, tod.minute, true
		}
	}
	return 0, 0, false
}

func extractDuration(lower string) int {
	if m := hoursDurRe.FindStringSubmatch(lower); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			return int(f * 60)
		}
	}
	if m := minsDurRe.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if strings.Contains(lower, "half an hour") || strings.Contains(lower, "half hour") {
		return 30
	}
	if strings.Contains(lower, "an hour and a half") {
		return 90
	}
	return DefaultDurationMinutes
}

func extractLocation(text string) string {
	if m := linkRe.FindString(text); m != "" {
		return m
	}
	if m := locRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := atPlaceRe.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	return ""
}

func extractParticipants(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range withRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// extractTitle builds "Keyword: Subject" from the leading event keyword
// when one is present, otherwise truncates the first line.
func extractTitle(text, lower string) string {
	for _, kw := range eventKeywords {
		idx := strings.Index(lower, kw)
		if idx < 0 {
			continue
		}
		title := strings.ToUpper(kw[:1]) + kw[1:]
		if m := withRe.FindStringSubmatch(text); m != nil {
			return title + " with " + m[1]
		}
		return title
	}
	return fallbackTitle(text)
}

func weekdayByName(name string) time.Weekday {
	switch strings.ToLower(name) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Sunday
	}
}

// nextWeekday returns the next strictly-future occurrence of w.
func nextWeekday(from time.Time, w time.Weekday) time.Time {
	days := (int(w) - int(from.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return from.AddDate(0, 0, days)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
