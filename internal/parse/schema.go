package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrBadModelOutput marks model responses that are not valid JSON or
// do not satisfy the draft schema. Callers treat it as "ask the user to
// rephrase", never as a crash.
var ErrBadModelOutput = errors.New("model output does not match draft schema")

const draftSchemaJSON = `{
  "type": "object",
  "required": ["content_type", "confidence"],
  "properties": {
    "content_type": {"type": "string", "enum": ["event", "note", "unclear"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "title": {"type": ["string", "null"]},
    "start_datetime": {"type": ["string", "null"]},
    "end_datetime": {"type": ["string", "null"]},
    "duration_minutes": {"type": ["integer", "null"], "minimum": 1},
    "location": {"type": ["string", "null"]},
    "participants": {"type": ["array", "null"], "items": {"type": "string"}},
    "note_content": {"type": ["string", "null"]},
    "clarification_needed": {"type": ["string", "null"]}
  }
}`

var draftSchema = mustCompileDraftSchema()

func mustCompileDraftSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(draftSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse: draft schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("draft.json", doc); err != nil {
		panic(fmt.Sprintf("parse: draft schema: %v", err))
	}
	schema, err := compiler.Compile("draft.json")
	if err != nil {
		panic(fmt.Sprintf("parse: draft schema: %v", err))
	}
	return schema
}

// modelDraft mirrors the JSON shape the prompt asks for.
type modelDraft struct {
	ContentType         string   `json:"content_type"`
	Confidence          float64  `json:"confidence"`
	Title               string   `json:"title"`
	StartDatetime       string   `json:"start_datetime"`
	EndDatetime         string   `json:"end_datetime"`
	DurationMinutes     int      `json:"duration_minutes"`
	Location            string   `json:"location"`
	Participants        []string `json:"participants"`
	NoteContent         string   `json:"note_content"`
	ClarificationNeeded string   `json:"clarification_needed"`
}

// DecodeModelOutput validates a model response against the draft
// schema and maps it to a Result. Markdown code fences around the JSON
// are tolerated.
func DecodeModelOutput(raw string, sourceText string) (Result, error) {
	body := stripFences(raw)

	var generic any
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadModelOutput, err)
	}
	if err := draftSchema.Validate(generic); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadModelOutput, err)
	}

	var draft modelDraft
	if err := json.Unmarshal([]byte(body), &draft); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadModelOutput, err)
	}

	result := Result{
		Type:          ContentType(draft.ContentType),
		Confidence:    draft.Confidence,
		Clarification: draft.ClarificationNeeded,
		SourceText:    sourceText,
	}

	switch result.Type {
	case ContentNote:
		content := draft.NoteContent
		if content == "" {
			content = sourceText
		}
		result.Note = &NoteDraft{Title: draft.Title, Content: content}
	case ContentEvent:
		event := &EventDraft{
			Title:           draft.Title,
			DurationMinutes: draft.DurationMinutes,
			Location:        draft.Location,
			Participants:    draft.Participants,
		}
		if event.DurationMinutes <= 0 {
			event.DurationMinutes = DefaultDurationMinutes
		}
		if t, ok := parseISO(draft.StartDatetime); ok {
			event.Start = t
		}
		if t, ok := parseISO(draft.EndDatetime); ok {
			event.End = t
		}
		if event.HasTime() && event.End.IsZero() {
			event.End = event.Start.Add(time.Duration(event.DurationMinutes) * time.Minute)
		}
		result.Event = event
	case ContentUnclear:
		// nothing extra
	default:
		return Result{}, fmt.Errorf("%w: content_type %q", ErrBadModelOutput, draft.ContentType)
	}
	return result, nil
}

func parseISO(value string) (time.Time, bool) {
	if value == "" || value == "null" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// stripFences removes a surrounding markdown code fence left by models
// that ignore the "no markdown" instruction.
func stripFences(raw string) string {
	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimPrefix(body, "json")
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}
