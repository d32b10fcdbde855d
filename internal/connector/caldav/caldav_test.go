package caldav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
)

func testConnector(t *testing.T, kind connector.ProviderKind, handler http.Handler) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{Kind: kind, BaseURL: srv.URL})
}

const reportResponse = `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/calendars/alice/work/evt-1.ics</d:href>
    <d:propstat>
      <d:prop>
        <c:calendar-data>BEGIN:VCALENDAR
BEGIN:VEVENT
UID:evt-1
SUMMARY:Planning
DTSTART:20250313T100000Z
DTEND:20250313T110000Z
END:VEVENT
END:VCALENDAR</c:calendar-data>
      </d:prop>
    </d:propstat>
  </d:response>
</d:multistatus>`

func TestListEventsParsesCalendarData(t *testing.T) {
	t.Parallel()

	conn := testConnector(t, connector.ProviderCalDAVApple, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			t.Errorf("method = %s, want REPORT", r.Method)
		}
		if got := r.Header.Get("Depth"); got != "1" {
			t.Errorf("depth = %q", got)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "app-pass" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "time-range") {
			t.Error("time-range filter missing from query")
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, reportResponse)
	}))

	creds := connector.Credentials{Username: "alice", AppPassword: "app-pass"}
	start := time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC)
	events, err := conn.ListEvents(context.Background(), creds, "/calendars/alice/work/", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.ID != "evt-1" || ev.Title != "Planning" {
		t.Errorf("event = %+v", ev)
	}
	wantStart := time.Date(2025, 3, 13, 10, 0, 0, 0, time.UTC)
	if !ev.Start.Equal(wantStart) || ev.End.Sub(ev.Start) != time.Hour {
		t.Errorf("window = %v..%v", ev.Start, ev.End)
	}
}

func TestCreateEventWritesStableResource(t *testing.T) {
	t.Parallel()

	var gotPath, gotBody string
	conn := testConnector(t, connector.ProviderCalDAVYandex, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
	}))

	input := connector.EventInput{
		Title:         "Review; draft",
		Start:         time.Date(2025, 3, 13, 15, 0, 0, 0, time.UTC),
		End:           time.Date(2025, 3, 13, 16, 0, 0, 0, time.UTC),
		IdempotencyID: "key-42",
	}
	creds := connector.Credentials{Username: "alice", AppPassword: "app-pass"}
	ev, err := conn.CreateEvent(context.Background(), creds, "/calendars/alice/work/", input)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	if gotPath != "/calendars/alice/work/key-42.ics" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotBody, "UID:key-42") {
		t.Error("UID missing from VEVENT")
	}
	if !strings.Contains(gotBody, `SUMMARY:Review\; draft`) {
		t.Errorf("summary not escaped: %s", gotBody)
	}
	if ev.ID != "key-42" {
		t.Errorf("event id = %q", ev.ID)
	}
}

func TestCreateEventTreatsExistingResourceAsSuccess(t *testing.T) {
	t.Parallel()

	conn := testConnector(t, connector.ProviderCalDAVApple, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))

	input := connector.EventInput{
		Title:         "Standup",
		Start:         time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC),
		End:           time.Date(2025, 3, 13, 9, 15, 0, 0, time.UTC),
		IdempotencyID: "key-7",
	}
	ev, err := conn.CreateEvent(context.Background(), connector.Credentials{Username: "alice"}, "/calendars/alice/work/", input)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if ev.ID != "key-7" {
		t.Errorf("event id = %q", ev.ID)
	}
}
