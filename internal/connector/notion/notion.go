// Package notion implements the notes-only connector against the Notion API.
// Rate-limit and server errors are retried inside the client with bounded
// backoff, honoring Retry-After when Notion provides one.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
)

const defaultBaseURL = "https://api.notion.com"
const defaultAPIVersion = "2022-06-28"

// Options configure the adapter.
type Options struct {
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Connector is the Notion adapter. It implements NotesWrite only.
type Connector struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New constructs the adapter.
func New(opts Options) *Connector {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := opts.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Connector{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *Connector) Provider() connector.ProviderKind { return connector.ProviderNotion }

func (c *Connector) Capabilities() []connector.Capability {
	return []connector.Capability{connector.CapabilityNotesWrite}
}

// TestConnection fetches the bot user behind the integration token.
func (c *Connector) TestConnection(ctx context.Context, creds connector.Credentials) error {
	return c.do(ctx, creds, "test_connection", http.MethodGet, "/v1/users/me", nil, nil)
}

// RefreshToken is a no-op: Notion integration tokens are static.
func (c *Connector) RefreshToken(_ context.Context, creds connector.Credentials) (connector.Credentials, error) {
	return creds, nil
}

// ListDatabases searches for databases shared with the integration.
func (c *Connector) ListDatabases(ctx context.Context, creds connector.Credentials) ([]connector.NotesDatabase, error) {
	request := map[string]any{
		"filter": map[string]string{"value": "database", "property": "object"},
	}
	var payload struct {
		Results []struct {
			ID    string `json:"id"`
			Title []struct {
				PlainText string `json:"plain_text"`
			} `json:"title"`
		} `json:"results"`
	}
	if err := c.do(ctx, creds, "list_databases", http.MethodPost, "/v1/search", request, &payload); err != nil {
		return nil, err
	}

	databases := make([]connector.NotesDatabase, 0, len(payload.Results))
	for _, result := range payload.Results {
		name := ""
		if len(result.Title) > 0 {
			name = result.Title[0].PlainText
		}
		databases = append(databases, connector.NotesDatabase{ID: result.ID, Name: name})
	}
	return databases, nil
}

// CreateNote creates a page in the database with the content as a paragraph
// block. Notion offers no client-side dedup primitive, so the job executor's
// idempotency record is the only duplicate guard for notes.
func (c *Connector) CreateNote(ctx context.Context, creds connector.Credentials, databaseID string, input connector.NoteInput) (connector.Note, error) {
	request := map[string]any{
		"parent": map[string]string{"database_id": databaseID},
		"properties": map[string]any{
			"Name": map[string]any{
				"title": []map[string]any{
					{"text": map[string]string{"content": input.Title}},
				},
			},
		},
		"children": []map[string]any{
			{
				"object": "block",
				"type":   "paragraph",
				"paragraph": map[string]any{
					"rich_text": []map[string]any{
						{"type": "text", "text": map[string]string{"content": input.Content}},
					},
				},
			},
		},
	}

	var payload struct {
		ID          string    `json:"id"`
		URL         string    `json:"url"`
		CreatedTime time.Time `json:"created_time"`
	}
	if err := c.do(ctx, creds, "create_note", http.MethodPost, "/v1/pages", request, &payload); err != nil {
		return connector.Note{}, err
	}
	return connector.Note{
		ID:        payload.ID,
		Title:     input.Title,
		URL:       payload.URL,
		CreatedAt: payload.CreatedTime,
	}, nil
}

func (c *Connector) do(ctx context.Context, creds connector.Credentials, op, method, path string, reqBody, respBody any) error {
	var encoded []byte
	if reqBody != nil {
		var err error
		encoded, err = json.Marshal(reqBody)
		if err != nil {
			return connector.NewError(connector.ClassRejected, c.Provider(), op, err)
		}
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if encoded != nil {
			body = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
		}
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		req.Header.Set("Notion-Version", c.apiVersion)
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := c.sleep(ctx, attempt+1, ""); waitErr != nil {
					return connector.NewError(connector.ClassUnavailable, c.Provider(), op, waitErr)
				}
				continue
			}
			return connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
		}

		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return connector.NewError(connector.ClassUnavailable, c.Provider(), op, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if respBody == nil {
				return nil
			}
			if err := json.Unmarshal(raw, respBody); err != nil {
				return connector.NewError(connector.ClassUnavailable, c.Provider(), op, err)
			}
			return nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < c.maxRetries {
			if waitErr := c.sleep(ctx, attempt+1, resp.Header.Get("Retry-After")); waitErr != nil {
				return connector.NewError(connector.ClassUnavailable, c.Provider(), op, waitErr)
			}
			continue
		}
		return connector.StatusError(c.Provider(), op, resp.StatusCode, resp.Header.Get("Retry-After"), string(raw))
	}
}

func (c *Connector) sleep(ctx context.Context, attempt int, retryAfter string) error {
	delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		delay = time.Duration(secs) * time.Second
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
