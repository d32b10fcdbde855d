package parse

import (
	"strings"
	"time"
)

// ContentType classifies what a message is asking the assistant to do.
type ContentType string

const (
	ContentEvent   ContentType = "event"
	ContentNote    ContentType = "note"
	ContentUnclear ContentType = "unclear"
)

// DefaultDurationMinutes is applied when a message names a start but no
// end and no duration.
const DefaultDurationMinutes = 60

// EventDraft is a tentative calendar event extracted from a message. It
// is not persisted until the user confirms it.
type EventDraft struct {
	Title           string
	Start           time.Time
	End             time.Time
	DurationMinutes int
	Location        string
	Participants    []string
}

// HasTime reports whether the draft carries a concrete start time.
func (d EventDraft) HasTime() bool {
	return !d.Start.IsZero()
}

// NoteDraft is a tentative note extracted from a message.
type NoteDraft struct {
	Title   string
	Content string
}

// Result is the outcome of parsing one message, from either the local
// parser or a model-backed parser.
type Result struct {
	Type       ContentType
	Confidence float64
	Event      *EventDraft
	Note       *NoteDraft

	// Clarification holds a human-readable question when Type is
	// ContentUnclear or required fields are missing.
	Clarification string

	SourceText string
}

// NeedsClarification reports whether the result cannot proceed to a
// confirmation prompt without more input from the user.
func (r Result) NeedsClarification() bool {
	if r.Type == ContentUnclear {
		return true
	}
	if r.Type == ContentEvent && (r.Event == nil || !r.Event.HasTime()) {
		return true
	}
	return false
}

// TitleOrFallback returns the draft title, falling back to a truncated
// first line of the source text.
func (r Result) TitleOrFallback() string {
	switch {
	case r.Type == ContentEvent && r.Event != nil && r.Event.Title != "":
		return r.Event.Title
	case r.Type == ContentNote && r.Note != nil && r.Note.Title != "":
		return r.Note.Title
	}
	return fallbackTitle(r.SourceText)
}

func fallbackTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if len(line) > 50 {
		return line[:50] + "..."
	}
	return line
}
