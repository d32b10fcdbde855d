// Package caldav implements the connector contract over CalDAV, covering the
// providers that expose calendars through app-password basic auth (Apple and
// Yandex differ only in their endpoint defaults). Event creation PUTs a
// VEVENT under a stable UID so repeating the request overwrites rather than
// duplicates.
package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
)

const (
	appleBaseURL  = "https://caldav.icloud.com"
	yandexBaseURL = "https://caldav.yandex.ru"
)

const icalTimeLayout = "20060102T150405Z"

// Options configure the adapter.
type Options struct {
	Kind       connector.ProviderKind
	BaseURL    string
	HTTPClient *http.Client
}

// Connector is the CalDAV adapter.
type Connector struct {
	kind       connector.ProviderKind
	baseURL    string
	httpClient *http.Client
}

// New constructs a CalDAV adapter for the given provider flavor.
func New(opts Options) *Connector {
	kind := opts.Kind
	if kind == "" {
		kind = connector.ProviderCalDAVApple
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		if kind == connector.ProviderCalDAVYandex {
			baseURL = yandexBaseURL
		} else {
			baseURL = appleBaseURL
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Connector{kind: kind, baseURL: baseURL, httpClient: httpClient}
}

func (c *Connector) Provider() connector.ProviderKind { return c.kind }

func (c *Connector) Capabilities() []connector.Capability {
	return []connector.Capability{connector.CapabilityCalendarRead, connector.CapabilityCalendarWrite}
}

// TestConnection issues a PROPFIND against the calendar home.
func (c *Connector) TestConnection(ctx context.Context, creds connector.Credentials) error {
	_, err := c.ListCalendars(ctx, creds)
	return err
}

// RefreshToken is a no-op: CalDAV app passwords do not expire.
func (c *Connector) RefreshToken(_ context.Context, creds connector.Credentials) (connector.Credentials, error) {
	return creds, nil
}

type multistatus struct {
	XMLName   xml.Name   `xml:"multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href     string `xml:"href"`
	Propstat []struct {
		Prop struct {
			DisplayName  string `xml:"displayname"`
			CalendarData string `xml:"calendar-data"`
			ResourceType struct {
				Calendar *struct{} `xml:"calendar"`
			} `xml:"resourcetype"`
		} `xml:"prop"`
	} `xml:"propstat"`
}

// ListCalendars PROPFINDs the user's calendar collections.
func (c *Connector) ListCalendars(ctx context.Context, creds connector.Credentials) ([]connector.Calendar, error) {
	const op = "list_calendars"
	body := `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop><d:displayname/><d:resourcetype/></d:prop>
</d:propfind>`

	ms, err := c.do(ctx, creds, op, "PROPFIND", c.calendarHome(creds), body, "1")
	if err != nil {
		return nil, err
	}

	var calendars []connector.Calendar
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstat {
			if ps.Prop.ResourceType.Calendar == nil {
				continue
			}
			name := ps.Prop.DisplayName
			if name == "" {
				name = pathLeaf(resp.Href)
			}
			calendars = append(calendars, connector.Calendar{ID: resp.Href, Name: name})
		}
	}
	if len(calendars) > 0 {
		calendars[0].IsPrimary = true
	}
	return calendars, nil
}

// ListEvents runs a calendar-query REPORT over the range.
func (c *Connector) ListEvents(ctx context.Context, creds connector.Credentials, calendarID string, start, end time.Time) ([]connector.Event, error) {
	const op = "list_events"
	body := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop><c:calendar-data/></d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`, start.UTC().Format(icalTimeLayout), end.UTC().Format(icalTimeLayout))

	ms, err := c.do(ctx, creds, op, "REPORT", calendarID, body, "1")
	if err != nil {
		return nil, err
	}

	var events []connector.Event
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstat {
			if ps.Prop.CalendarData == "" {
				continue
			}
			if ev, ok := parseVEvent(ps.Prop.CalendarData); ok {
				ev.CalendarID = calendarID
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

// BusyIntervals derives busy ranges from the events in the window. CalDAV has
// a free-busy report but provider support is patchy, so the event query is
// the reliable path.
func (c *Connector) BusyIntervals(ctx context.Context, creds connector.Credentials, calendarID string, start, end time.Time) ([]connector.BusyInterval, error) {
	events, err := c.ListEvents(ctx, creds, calendarID, start, end)
	if err != nil {
		return nil, err
	}
	intervals := make([]connector.BusyInterval, 0, len(events))
	for _, ev := range events {
		intervals = append(intervals, connector.BusyInterval{
			Start:      ev.Start,
			End:        ev.End,
			CalendarID: calendarID,
		})
	}
	return intervals, nil
}

// CreateEvent PUTs a VEVENT whose UID and resource name derive from the
// idempotency id; a retried create rewrites the same resource.
func (c *Connector) CreateEvent(ctx context.Context, creds connector.Credentials, calendarID string, input connector.EventInput) (connector.Event, error) {
	const op = "create_event"
	uid := input.IdempotencyID
	if uid == "" {
		uid = fmt.Sprintf("evt-%d", input.Start.Unix())
	}

	ical := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calendar-assistant//EN",
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:" + time.Now().UTC().Format(icalTimeLayout),
		"DTSTART:" + input.Start.UTC().Format(icalTimeLayout),
		"DTEND:" + input.End.UTC().Format(icalTimeLayout),
		"SUMMARY:" + escapeText(input.Title),
		"LOCATION:" + escapeText(input.Location),
		"DESCRIPTION:" + escapeText(input.Description),
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n")

	target := strings.TrimRight(calendarID, "/") + "/" + uid + ".ics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.absolute(target), strings.NewReader(ical))
	if err != nil {
		return connector.Event{}, connector.NewError(connector.ClassUnavailable, c.kind, op, err)
	}
	req.SetBasicAuth(creds.Username, creds.AppPassword)
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return connector.Event{}, connector.NewError(connector.ClassUnavailable, c.kind, op, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	// 412 from an If-None-Match style collision still means the event exists.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusPreconditionFailed {
			return c.eventFromInput(uid, calendarID, input), nil
		}
		return connector.Event{}, connector.StatusError(c.kind, op, resp.StatusCode, resp.Header.Get("Retry-After"), string(raw))
	}
	return c.eventFromInput(uid, calendarID, input), nil
}

func (c *Connector) eventFromInput(uid, calendarID string, input connector.EventInput) connector.Event {
	return connector.Event{
		ID:         uid,
		CalendarID: calendarID,
		Title:      input.Title,
		Start:      input.Start,
		End:        input.End,
		Location:   input.Location,
	}
}

func (c *Connector) do(ctx context.Context, creds connector.Credentials, op, method, path, body, depth string) (*multistatus, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.absolute(path), strings.NewReader(body))
	if err != nil {
		return nil, connector.NewError(connector.ClassUnavailable, c.kind, op, err)
	}
	req.SetBasicAuth(creds.Username, creds.AppPassword)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connector.NewError(connector.ClassUnavailable, c.kind, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, connector.NewError(connector.ClassUnavailable, c.kind, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, connector.StatusError(c.kind, op, resp.StatusCode, resp.Header.Get("Retry-After"), string(raw))
	}

	var ms multistatus
	if err := xml.Unmarshal(raw, &ms); err != nil {
		return nil, connector.NewError(connector.ClassUnavailable, c.kind, op, err)
	}
	return &ms, nil
}

func (c *Connector) calendarHome(creds connector.Credentials) string {
	return "/calendars/" + creds.Username + "/"
}

func (c *Connector) absolute(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func pathLeaf(href string) string {
	trimmed := strings.TrimRight(href, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func escapeText(s string) string {
	replacer := strings.NewReplacer("\\", "\\\\", ";", "\\;", ",", "\\,", "\n", "\\n")
	return replacer.Replace(s)
}

// parseVEvent extracts the fields this system needs from one VCALENDAR blob.
func parseVEvent(data string) (connector.Event, bool) {
	var ev connector.Event
	inEvent := false
	for _, line := range strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "BEGIN:VEVENT":
			inEvent = true
		case line == "END:VEVENT":
			return ev, !ev.Start.IsZero() && !ev.End.IsZero()
		case !inEvent:
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		// Strip property parameters such as DTSTART;TZID=... for parsing.
		if idx := strings.Index(name, ";"); idx >= 0 {
			name = name[:idx]
		}
		switch name {
		case "UID":
			ev.ID = value
		case "SUMMARY":
			ev.Title = value
		case "LOCATION":
			ev.Location = value
		case "DTSTART":
			if t, err := parseICalTime(value); err == nil {
				ev.Start = t
			}
		case "DTEND":
			if t, err := parseICalTime(value); err == nil {
				ev.End = t
			}
		}
	}
	return ev, false
}

func parseICalTime(value string) (time.Time, error) {
	if t, err := time.Parse(icalTimeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse("20060102T150405", value)
}
