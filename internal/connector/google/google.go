// Package google implements the connector contract against the Google
// Calendar REST API. Busy intervals come from the freeBusy endpoint rather
// than listing events, and event creation passes a client-generated event id
// so a retried create cannot produce a duplicate.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
)

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"
const defaultTokenURL = "https://oauth2.googleapis.com/token"

// Options configure the adapter; zero values fall back to Google production
// endpoints and a 20 second HTTP timeout.
type Options struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Now          func() time.Time
}

// Connector is the Google Calendar adapter.
type Connector struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time
}

// New constructs the adapter.
func New(opts Options) *Connector {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Connector{
		baseURL:      baseURL,
		tokenURL:     tokenURL,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		httpClient:   httpClient,
		now:          now,
	}
}

func (c *Connector) Provider() connector.ProviderKind { return connector.ProviderGoogle }

func (c *Connector) Capabilities() []connector.Capability {
	return []connector.Capability{connector.CapabilityCalendarRead, connector.CapabilityCalendarWrite}
}

// TestConnection verifies the credentials by fetching the calendar list.
func (c *Connector) TestConnection(ctx context.Context, creds connector.Credentials) error {
	_, err := c.ListCalendars(ctx, creds)
	return err
}

// RefreshToken exchanges the refresh token for a new access token.
func (c *Connector) RefreshToken(ctx context.Context, creds connector.Credentials) (connector.Credentials, error) {
	const op = "refresh_token"
	if creds.RefreshToken == "" {
		return connector.Credentials{}, connector.NewError(connector.ClassRejected, c.Provider(), op, fmt.Errorf("no refresh token"))
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return connector.Credentials{}, connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return connector.Credentials{}, connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return connector.Credentials{}, connector.StatusError(c.Provider(), op, resp.StatusCode, resp.Header.Get("Retry-After"), string(body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return connector.Credentials{}, connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
	}

	refreshed := creds
	refreshed.AccessToken = token.AccessToken
	refreshed.ExpiresAt = c.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return refreshed, nil
}

// ListCalendars returns the user's calendar list.
func (c *Connector) ListCalendars(ctx context.Context, creds connector.Credentials) ([]connector.Calendar, error) {
	var payload struct {
		Items []struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
			Primary bool   `json:"primary"`
		} `json:"items"`
	}
	if err := c.doJSON(ctx, creds, "list_calendars", http.MethodGet, "/users/me/calendarList", nil, &payload); err != nil {
		return nil, err
	}

	calendars := make([]connector.Calendar, 0, len(payload.Items))
	for _, item := range payload.Items {
		calendars = append(calendars, connector.Calendar{
			ID:        item.ID,
			Name:      item.Summary,
			IsPrimary: item.Primary,
		})
	}
	return calendars, nil
}

// ListEvents returns single-instance events in the range.
func (c *Connector) ListEvents(ctx context.Context, creds connector.Credentials, calendarID string, start, end time.Time) ([]connector.Event, error) {
	query := url.Values{
		"timeMin":      {start.Format(time.RFC3339)},
		"timeMax":      {end.Format(time.RFC3339)},
		"singleEvents": {"true"},
		"orderBy":      {"startTime"},
	}
	path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(calendarID), query.Encode())

	var payload struct {
		Items []googleEvent `json:"items"`
	}
	if err := c.doJSON(ctx, creds, "list_events", http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	events := make([]connector.Event, 0, len(payload.Items))
	for _, item := range payload.Items {
		events = append(events, item.toEvent(calendarID))
	}
	return events, nil
}

// BusyIntervals queries the freeBusy endpoint for the calendar.
func (c *Connector) BusyIntervals(ctx context.Context, creds connector.Credentials, calendarID string, start, end time.Time) ([]connector.BusyInterval, error) {
	request := map[string]any{
		"timeMin": start.Format(time.RFC3339),
		"timeMax": end.Format(time.RFC3339),
		"items":   []map[string]string{{"id": calendarID}},
	}

	var payload struct {
		Calendars map[string]struct {
			Busy []struct {
				Start time.Time `json:"start"`
				End   time.Time `json:"end"`
			} `json:"busy"`
		} `json:"calendars"`
	}
	if err := c.doJSON(ctx, creds, "busy_intervals", http.MethodPost, "/freeBusy", request, &payload); err != nil {
		return nil, err
	}

	entry, ok := payload.Calendars[calendarID]
	if !ok {
		return nil, nil
	}
	intervals := make([]connector.BusyInterval, 0, len(entry.Busy))
	for _, busy := range entry.Busy {
		intervals = append(intervals, connector.BusyInterval{
			Start:      busy.Start,
			End:        busy.End,
			CalendarID: calendarID,
		})
	}
	return intervals, nil
}

// CreateEvent inserts an event. The idempotency id becomes the provider event
// id, so a retried insert of the same draft collides server side instead of
// duplicating.
func (c *Connector) CreateEvent(ctx context.Context, creds connector.Credentials, calendarID string, input connector.EventInput) (connector.Event, error) {
	body := map[string]any{
		"summary":     input.Title,
		"location":    input.Location,
		"description": input.Description,
		"start":       map[string]string{"dateTime": input.Start.Format(time.RFC3339)},
		"end":         map[string]string{"dateTime": input.End.Format(time.RFC3339)},
	}
	if input.IdempotencyID != "" {
		body["id"] = eventID(input.IdempotencyID)
	}
	if len(input.Participants) > 0 {
		attendees := make([]map[string]string, 0, len(input.Participants))
		for _, p := range input.Participants {
			if strings.Contains(p, "@") {
				attendees = append(attendees, map[string]string{"email": p})
			}
		}
		if len(attendees) > 0 {
			body["attendees"] = attendees
		}
	}

	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	if input.WantsMeetLink {
		body["conferenceData"] = map[string]any{
			"createRequest": map[string]any{
				"requestId":             eventID(input.IdempotencyID),
				"conferenceSolutionKey": map[string]string{"type": "hangoutsMeet"},
			},
		}
		path += "?conferenceDataVersion=1"
	}

	var created googleEvent
	if err := c.doJSON(ctx, creds, "create_event", http.MethodPost, path, body, &created); err != nil {
		return connector.Event{}, err
	}
	return created.toEvent(calendarID), nil
}

// doJSON issues one authenticated request, refreshing and retrying once on a
// 401 as the token may have expired between the proactive check and the call.
func (c *Connector) doJSON(ctx context.Context, creds connector.Credentials, op, method, path string, reqBody, respBody any) error {
	resp, raw, err := c.attempt(ctx, creds, op, method, path, reqBody)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		refreshed, refreshErr := c.RefreshToken(ctx, creds)
		if refreshErr != nil {
			return connector.NewError(connector.ClassAuthExpired, c.Provider(), op, refreshErr)
		}
		// The new token outlives this call; hand it back so the caller
		// can store it instead of repeating the exchange next time.
		connector.NotifyRefresh(ctx, c.Provider(), refreshed)
		resp, raw, err = c.attempt(ctx, refreshed, op, method, path, reqBody)
		if err != nil {
			return err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return connector.StatusError(c.Provider(), op, resp.StatusCode, resp.Header.Get("Retry-After"), string(raw))
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
	}
	return nil
}

func (c *Connector) attempt(ctx context.Context, creds connector.Credentials, op, method, path string, reqBody any) (*http.Response, []byte, error) {
	var body io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, nil, connector.NewError(connector.ClassRejected, c.Provider(), op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
	}
	return resp, raw, nil
}

// eventID reduces an idempotency key to the base32hex-ish alphabet Google
// accepts for client-supplied event ids.
func eventID(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'v') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if len(id) < 5 {
		id = id + "00000"
	}
	return id
}

type googleEvent struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Location string `json:"location"`
	Start    struct {
		DateTime time.Time `json:"dateTime"`
	} `json:"start"`
	End struct {
		DateTime time.Time `json:"dateTime"`
	} `json:"end"`
	HangoutLink string `json:"hangoutLink"`
}

func (g googleEvent) toEvent(calendarID string) connector.Event {
	return connector.Event{
		ID:         g.ID,
		CalendarID: calendarID,
		Title:      g.Summary,
		Start:      g.Start.DateTime,
		End:        g.End.DateTime,
		Location:   g.Location,
		MeetingURL: g.HangoutLink,
	}
}
