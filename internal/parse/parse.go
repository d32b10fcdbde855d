// Package parse turns free-form user messages into event and note
// drafts. A deterministic local parser handles common phrasings; model
// backed parsers cover the rest, with their JSON output checked
// against a schema before it is trusted.
package parse

import (
	"context"
	"fmt"
	"time"
)

// Request carries one message to a model-backed parser.
type Request struct {
	Text          string
	Timezone      string
	ForwardedFrom string
	// Now anchors relative date expressions. Zero means the parser's
	// own clock.
	Now time.Time
}

// ModelParser extracts a draft from a message using a language model.
// Implementations live in the vendor subpackages.
type ModelParser interface {
	Parse(ctx context.Context, req Request) (Result, error)
}

// Transcriber converts a voice recording to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// SystemPrompt renders the extraction instructions shared by all model
// backends. The model must answer with a single JSON object matching
// the draft schema.
func SystemPrompt(req Request) string {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	forwarded := ""
	if req.ForwardedFrom != "" {
		forwarded = "Message forwarded from: " + req.ForwardedFrom + "\n"
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf(`You are a message parser for a calendar assistant. Extract event or note information from user messages.

Current datetime: %s
User timezone: %s
%s
Analyze the message and return ONLY valid JSON:
{
  "content_type": "event" | "note" | "unclear",
  "confidence": 0.0-1.0,
  "title": "event/note title",
  "start_datetime": "ISO 8601 with timezone or null",
  "end_datetime": "ISO 8601 with timezone or null",
  "duration_minutes": 60,
  "location": "location or null",
  "participants": ["names or emails"],
  "note_content": "for notes only",
  "clarification_needed": "what's missing, if unclear"
}

Rules:
- If no time is specified, set start_datetime to null
- Default duration: 60 minutes
- "after lunch" = 14:00, "in the morning" = 10:00, "in the evening" = 19:00
- "next week" = next Monday
- Keywords like "idea", "note", "remember" with no time mean content_type = "note"
- A date/time plus an action or person means content_type = "event"
- Return ONLY JSON, no markdown, no explanation`, now.Format(time.RFC3339), tz, forwarded)
}
