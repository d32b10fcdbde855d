package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
)

func testConnector(t *testing.T, handler http.Handler) (*Connector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	conn := New(Options{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "client",
		ClientSecret: "secret",
		Now:          func() time.Time { return time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC) },
	})
	return conn, srv
}

func TestBusyIntervalsQueriesFreeBusy(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/freeBusy" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		var req struct {
			TimeMin string `json:"timeMin"`
			Items   []struct {
				ID string `json:"id"`
			} `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Items) != 1 || req.Items[0].ID != "cal-main" {
			t.Errorf("items = %+v", req.Items)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"calendars": map[string]any{
				"cal-main": map[string]any{
					"busy": []map[string]string{
						{"start": "2025-03-13T10:00:00Z", "end": "2025-03-13T11:00:00Z"},
					},
				},
			},
		})
	}))

	intervals, err := conn.BusyIntervals(context.Background(), connector.Credentials{AccessToken: "tok"}, "cal-main", start, end)
	if err != nil {
		t.Fatalf("BusyIntervals: %v", err)
	}
	if len(intervals) != 1 {
		t.Fatalf("intervals = %d, want 1", len(intervals))
	}
	if intervals[0].CalendarID != "cal-main" {
		t.Errorf("calendar id = %q", intervals[0].CalendarID)
	}
	if got := intervals[0].End.Sub(intervals[0].Start); got != time.Hour {
		t.Errorf("span = %v, want 1h", got)
	}
}

func TestCreateEventCarriesIdempotentID(t *testing.T) {
	t.Parallel()

	var body map[string]any
	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/cal-main/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("conferenceDataVersion"); got != "1" {
			t.Errorf("conferenceDataVersion = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          body["id"],
			"summary":     body["summary"],
			"hangoutLink": "https://meet.example/abc",
		})
	}))

	input := connector.EventInput{
		Title:         "Team sync",
		Start:         time.Date(2025, 3, 13, 15, 0, 0, 0, time.UTC),
		End:           time.Date(2025, 3, 13, 16, 0, 0, 0, time.UTC),
		IdempotencyID: "ab12cd34ef56",
		WantsMeetLink: true,
	}
	created, err := conn.CreateEvent(context.Background(), connector.Credentials{AccessToken: "tok"}, "cal-main", input)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	if got, want := body["id"], eventID("ab12cd34ef56"); got != want {
		t.Errorf("client event id = %v, want %v", got, want)
	}
	if _, ok := body["conferenceData"]; !ok {
		t.Error("conferenceData missing from request")
	}
	if created.MeetingURL != "https://meet.example/abc" {
		t.Errorf("meeting url = %q", created.MeetingURL)
	}
}

func TestUnauthorizedRefreshesAndRetries(t *testing.T) {
	t.Parallel()

	var listCalls, tokenCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh" {
			t.Errorf("refresh_token = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	})
	mux.HandleFunc("/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		listCalls++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "cal-main", "summary": "Main", "primary": true}},
		})
	})

	conn, _ := testConnector(t, mux)
	creds := connector.Credentials{AccessToken: "stale", RefreshToken: "refresh"}
	calendars, err := conn.ListCalendars(context.Background(), creds)
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(calendars) != 1 || !calendars[0].IsPrimary {
		t.Fatalf("calendars = %+v", calendars)
	}
	if tokenCalls != 1 {
		t.Errorf("token calls = %d, want 1", tokenCalls)
	}
	if listCalls != 2 {
		t.Errorf("list calls = %d, want 2", listCalls)
	}
}

func TestUnauthorizedRefreshReachesSink(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	})
	mux.HandleFunc("/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "cal-main", "summary": "Main", "primary": true}},
		})
	})

	conn, _ := testConnector(t, mux)
	var gotKind connector.ProviderKind
	var gotCreds connector.Credentials
	ctx := connector.WithRefreshSink(context.Background(), func(kind connector.ProviderKind, creds connector.Credentials) {
		gotKind = kind
		gotCreds = creds
	})

	creds := connector.Credentials{AccessToken: "stale", RefreshToken: "refresh"}
	if _, err := conn.ListCalendars(ctx, creds); err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if gotKind != connector.ProviderGoogle {
		t.Errorf("sink provider = %q", gotKind)
	}
	if gotCreds.AccessToken != "fresh" {
		t.Errorf("sink token = %q, want the refreshed one", gotCreds.AccessToken)
	}
	if gotCreds.RefreshToken != "refresh" {
		t.Errorf("sink refresh token = %q, want preserved", gotCreds.RefreshToken)
	}
	if gotCreds.ExpiresAt.IsZero() {
		t.Error("sink credentials carry no expiry")
	}
}

func TestStatusMapsToTypedError(t *testing.T) {
	t.Parallel()

	conn, _ := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := conn.ListCalendars(context.Background(), connector.Credentials{AccessToken: "tok"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var ce *connector.Error
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T", err)
	}
	if ce.Class != connector.ClassRateLimited {
		t.Errorf("class = %s", ce.Class)
	}
	if ce.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v", ce.RetryAfter)
	}
	if !ce.Retryable() {
		t.Error("rate limited must stay retryable")
	}
}
