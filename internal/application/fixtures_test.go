package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/example/calendar-assistant/internal/availability"
	"github.com/example/calendar-assistant/internal/connector"
	"github.com/example/calendar-assistant/internal/jobs"
	"github.com/example/calendar-assistant/internal/parse"
	"github.com/example/calendar-assistant/internal/persistence"
	"github.com/example/calendar-assistant/internal/ratelimit"
	"github.com/example/calendar-assistant/internal/router"
	"github.com/example/calendar-assistant/internal/session"
	"github.com/example/calendar-assistant/internal/vault"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type kvRow struct {
	value     []byte
	revision  int64
	expiresAt time.Time
}

// memKV backs sessions and rate counters in tests.
type memKV struct {
	mu      sync.Mutex
	rows    map[string]kvRow
	nextRev int64
	now     func() time.Time
}

func newMemKV(now func() time.Time) *memKV {
	return &memKV{rows: map[string]kvRow{}, now: now}
}

func (s *memKV) live(key string) (kvRow, bool) {
	row, ok := s.rows[key]
	if !ok {
		return kvRow{}, false
	}
	if !row.expiresAt.IsZero() && !s.now().Before(row.expiresAt) {
		delete(s.rows, key)
		return kvRow{}, false
	}
	return row, true
}

func (s *memKV) Get(ctx context.Context, key string) (persistence.KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.live(key)
	if !ok {
		return persistence.KVEntry{}, persistence.ErrNotFound
	}
	return persistence.KVEntry{Key: key, Value: row.value, Revision: row.revision, ExpiresAt: row.expiresAt}, nil
}

func (s *memKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (persistence.KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRev++
	row := kvRow{value: value, revision: s.nextRev}
	if ttl > 0 {
		row.expiresAt = s.now().Add(ttl)
	}
	s.rows[key] = row
	return persistence.KVEntry{Key: key, Value: value, Revision: row.revision, ExpiresAt: row.expiresAt}, nil
}

func (s *memKV) CompareAndSwap(ctx context.Context, key string, value []byte, revision int64) (persistence.KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.live(key)
	if !ok {
		return persistence.KVEntry{}, persistence.ErrNotFound
	}
	if row.revision != revision {
		return persistence.KVEntry{}, persistence.ErrStaleRecord
	}
	s.nextRev++
	row.value = value
	row.revision = s.nextRev
	s.rows[key] = row
	return persistence.KVEntry{Key: key, Value: value, Revision: row.revision, ExpiresAt: row.expiresAt}, nil
}

func (s *memKV) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	return nil
}

func (s *memKV) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.live(key)
	if !ok {
		s.nextRev++
		exp := time.Time{}
		if ttl > 0 {
			exp = s.now().Add(ttl)
		}
		s.rows[key] = kvRow{value: []byte("1"), revision: s.nextRev, expiresAt: exp}
		return 1, nil
	}
	count, err := strconv.ParseInt(string(row.value), 10, 64)
	if err != nil {
		return 0, err
	}
	count++
	s.nextRev++
	row.value = []byte(strconv.FormatInt(count, 10))
	row.revision = s.nextRev
	s.rows[key] = row
	return count, nil
}

type memHandleRepo struct {
	mu      sync.Mutex
	handles []persistence.CalendarHandle
	// listErr, when set, fails ListEnabledHandles to simulate a dead store.
	listErr error
}

func (r *memHandleRepo) UpsertHandle(ctx context.Context, handle persistence.CalendarHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handles {
		if h.UserID == handle.UserID && h.Provider == handle.Provider && h.ExternalID == handle.ExternalID {
			handle.ID = h.ID
			r.handles[i] = handle
			return nil
		}
	}
	r.handles = append(r.handles, handle)
	return nil
}

func (r *memHandleRepo) ListHandles(ctx context.Context, userID string) ([]persistence.CalendarHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []persistence.CalendarHandle
	for _, h := range r.handles {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memHandleRepo) ListEnabledHandles(ctx context.Context, userID string) ([]persistence.CalendarHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []persistence.CalendarHandle
	for _, h := range r.handles {
		if h.UserID == userID && h.IsEnabled {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memHandleRepo) GetHandle(ctx context.Context, id string) (persistence.CalendarHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if h.ID == id {
			return h, nil
		}
	}
	return persistence.CalendarHandle{}, persistence.ErrNotFound
}

func (r *memHandleRepo) SetPrimary(ctx context.Context, userID, handleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, h := range r.handles {
		if h.ID == handleID && h.UserID == userID {
			found = true
			break
		}
	}
	if !found {
		return persistence.ErrNotFound
	}
	for i, h := range r.handles {
		if h.UserID == userID {
			r.handles[i].IsPrimary = h.ID == handleID
		}
	}
	return nil
}

func (r *memHandleRepo) SetEnabled(ctx context.Context, handleID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handles {
		if h.ID == handleID {
			r.handles[i].IsEnabled = enabled
			return nil
		}
	}
	return persistence.ErrNotFound
}

func (r *memHandleRepo) DeleteHandlesForProvider(ctx context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.handles[:0]
	for _, h := range r.handles {
		if h.UserID != userID || h.Provider != provider {
			kept = append(kept, h)
		}
	}
	r.handles = kept
	return nil
}

type memCredRepo struct {
	mu    sync.Mutex
	creds map[string]persistence.ProviderCredential
}

func newMemCredRepo() *memCredRepo {
	return &memCredRepo{creds: map[string]persistence.ProviderCredential{}}
}

func credKey(userID, provider string) string { return userID + "|" + provider }

func (r *memCredRepo) UpsertCredential(ctx context.Context, cred persistence.ProviderCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[credKey(cred.UserID, cred.Provider)] = cred
	return nil
}

func (r *memCredRepo) GetCredential(ctx context.Context, userID, provider string) (persistence.ProviderCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[credKey(userID, provider)]
	if !ok {
		return persistence.ProviderCredential{}, persistence.ErrNotFound
	}
	return cred, nil
}

func (r *memCredRepo) ListExpiringCredentials(ctx context.Context, before time.Time) ([]persistence.ProviderCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []persistence.ProviderCredential
	for _, cred := range r.creds {
		if cred.ExpiresAt != nil && cred.ExpiresAt.Before(before) {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (r *memCredRepo) DeleteCredential(ctx context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := credKey(userID, provider)
	if _, ok := r.creds[key]; !ok {
		return persistence.ErrNotFound
	}
	delete(r.creds, key)
	return nil
}

type memEventRepo struct {
	mu     sync.Mutex
	events []persistence.ConfirmedEvent
}

func (r *memEventRepo) AppendEvent(ctx context.Context, event persistence.ConfirmedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memEventRepo) ListEventsForUser(ctx context.Context, userID string, limit int) ([]persistence.ConfirmedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []persistence.ConfirmedEvent
	for _, e := range r.events {
		if e.UserID == userID {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type memJobRepo struct {
	mu   sync.Mutex
	jobs []persistence.JobRecord
}

func (r *memJobRepo) InsertJob(ctx context.Context, job persistence.JobRecord) (persistence.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.IdempotencyKey == job.IdempotencyKey {
			return j, persistence.ErrDuplicate
		}
	}
	r.jobs = append(r.jobs, job)
	return job, nil
}

func (r *memJobRepo) GetJobByKey(ctx context.Context, idempotencyKey string) (persistence.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.IdempotencyKey == idempotencyKey {
			return j, nil
		}
	}
	return persistence.JobRecord{}, persistence.ErrNotFound
}

func (r *memJobRepo) ClaimJob(ctx context.Context, now time.Time) (persistence.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, j := range r.jobs {
		due := j.Status == persistence.JobStatusQueued || j.Status == persistence.JobStatusFailedRetryable
		if due && !j.RunAfter.After(now) {
			r.jobs[i].Status = persistence.JobStatusRunning
			r.jobs[i].AttemptCount++
			r.jobs[i].UpdatedAt = now
			return r.jobs[i], nil
		}
	}
	return persistence.JobRecord{}, persistence.ErrNotFound
}

func (r *memJobRepo) CompleteJob(ctx context.Context, job persistence.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, j := range r.jobs {
		if j.ID == job.ID {
			if j.Status != persistence.JobStatusRunning {
				return persistence.ErrStaleRecord
			}
			r.jobs[i] = job
			return nil
		}
	}
	return persistence.ErrNotFound
}

func (r *memJobRepo) ReleaseStalledJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released int64
	for i, j := range r.jobs {
		if j.Status == persistence.JobStatusRunning && !j.UpdatedAt.After(cutoff) {
			r.jobs[i].Status = persistence.JobStatusFailedRetryable
			r.jobs[i].RunAfter = cutoff
			released++
		}
	}
	return released, nil
}

func (r *memJobRepo) byKind(kind string) []persistence.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []persistence.JobRecord
	for _, j := range r.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

// fakeCalendar is an in-memory provider adapter with calendar read and
// write capabilities.
type fakeCalendar struct {
	kind      connector.ProviderKind
	calendars []connector.Calendar
	testErr   error
	createErr error
	// refreshTo, when set, simulates a mid-call token refresh which the
	// adapter reports through the context's refresh sink.
	refreshTo *connector.Credentials

	mu        sync.Mutex
	busy      map[string][]connector.BusyInterval
	busyCalls int
	created   []connector.Event
	inputs    []connector.EventInput
}

func newFakeCalendar(kind connector.ProviderKind) *fakeCalendar {
	return &fakeCalendar{
		kind: kind,
		calendars: []connector.Calendar{
			{ID: "cal-main", Name: "Main", IsPrimary: true},
		},
		busy: map[string][]connector.BusyInterval{},
	}
}

func (f *fakeCalendar) Provider() connector.ProviderKind { return f.kind }

func (f *fakeCalendar) Capabilities() []connector.Capability {
	return []connector.Capability{connector.CapabilityCalendarRead, connector.CapabilityCalendarWrite}
}

func (f *fakeCalendar) TestConnection(ctx context.Context, creds connector.Credentials) error {
	return f.testErr
}

func (f *fakeCalendar) RefreshToken(ctx context.Context, creds connector.Credentials) (connector.Credentials, error) {
	return creds, nil
}

func (f *fakeCalendar) ListCalendars(ctx context.Context, creds connector.Credentials) ([]connector.Calendar, error) {
	return f.calendars, nil
}

func (f *fakeCalendar) ListEvents(ctx context.Context, creds connector.Credentials, calendarID string, start, end time.Time) ([]connector.Event, error) {
	return nil, nil
}

func (f *fakeCalendar) BusyIntervals(ctx context.Context, creds connector.Credentials, calendarID string, start, end time.Time) ([]connector.BusyInterval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busyCalls++
	if f.refreshTo != nil {
		connector.NotifyRefresh(ctx, f.kind, *f.refreshTo)
	}
	var out []connector.BusyInterval
	for _, b := range f.busy[calendarID] {
		if b.Overlaps(start, end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, creds connector.Credentials, calendarID string, input connector.EventInput) (connector.Event, error) {
	if f.createErr != nil {
		return connector.Event{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshTo != nil {
		connector.NotifyRefresh(ctx, f.kind, *f.refreshTo)
	}
	for i, prev := range f.inputs {
		if input.IdempotencyID != "" && prev.IdempotencyID == input.IdempotencyID {
			return f.created[i], nil
		}
	}
	event := connector.Event{
		ID:         fmt.Sprintf("ext-%d", len(f.created)+1),
		CalendarID: calendarID,
		Title:      input.Title,
		Start:      input.Start,
		End:        input.End,
		Location:   input.Location,
	}
	f.inputs = append(f.inputs, input)
	f.created = append(f.created, event)
	return event, nil
}

func (f *fakeCalendar) addBusy(calendarID string, start, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[calendarID] = append(f.busy[calendarID], connector.BusyInterval{
		Start: start, End: end, CalendarID: calendarID,
	})
}

// fakeNotes is an in-memory notes provider adapter.
type fakeNotes struct {
	mu    sync.Mutex
	notes []connector.NoteInput
}

func (f *fakeNotes) Provider() connector.ProviderKind { return connector.ProviderNotion }

func (f *fakeNotes) Capabilities() []connector.Capability {
	return []connector.Capability{connector.CapabilityNotesWrite}
}

func (f *fakeNotes) TestConnection(ctx context.Context, creds connector.Credentials) error {
	return nil
}

func (f *fakeNotes) RefreshToken(ctx context.Context, creds connector.Credentials) (connector.Credentials, error) {
	return creds, nil
}

func (f *fakeNotes) ListDatabases(ctx context.Context, creds connector.Credentials) ([]connector.NotesDatabase, error) {
	return []connector.NotesDatabase{{ID: "db-inbox", Name: "Inbox"}}, nil
}

func (f *fakeNotes) CreateNote(ctx context.Context, creds connector.Credentials, databaseID string, input connector.NoteInput) (connector.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, input)
	return connector.Note{ID: fmt.Sprintf("page-%d", len(f.notes)), Title: input.Title}, nil
}

// fakeModel is a scripted model parser.
type fakeModel struct {
	mu     sync.Mutex
	result parse.Result
	err    error
	calls  int
}

func (m *fakeModel) Parse(ctx context.Context, req parse.Request) (parse.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.result, m.err
}

type fakeTranscriber struct {
	text string
	err  error
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	return t.text, t.err
}

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	clock       *manualClock
	kv          *memKV
	handles     *memHandleRepo
	creds       *memCredRepo
	events      *memEventRepo
	jobsRepo    *memJobRepo
	calendar    *fakeCalendar
	notes       *fakeNotes
	model       *fakeModel
	transcriber *fakeTranscriber
	vault       *vault.Vault
	registry    *connector.Registry
	sessions    *session.Manager
	queue       *jobs.Queue
	limiter     *ratelimit.Limiter
	router      *router.Router

	availabilitySvc *AvailabilityService
	messages        *MessageService
	confirmations   *ConfirmationService
	integrations    *IntegrationService
}

// newFixture wires the full message-to-job pipeline over in-memory
// stores and a scripted provider. The clock starts on a Wednesday at
// 09:00 UTC.
func newFixture(t *testing.T, quotas map[ratelimit.Operation]ratelimit.Quota) *fixture {
	t.Helper()

	clock := &manualClock{t: time.Date(2025, time.March, 12, 9, 0, 0, 0, time.UTC)}
	kv := newMemKV(clock.Now)
	f := &fixture{
		clock:       clock,
		kv:          kv,
		handles:     &memHandleRepo{},
		creds:       newMemCredRepo(),
		events:      &memEventRepo{},
		jobsRepo:    &memJobRepo{},
		calendar:    newFakeCalendar(connector.ProviderGoogle),
		notes:       &fakeNotes{},
		model:       &fakeModel{err: errors.New("model unavailable")},
		transcriber: &fakeTranscriber{},
	}

	v, err := vault.New(testMasterKey, clock.Now)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	f.vault = v
	f.registry = connector.NewRegistry(f.calendar, f.notes)

	ids := 0
	var idMu sync.Mutex
	idGen := func() string {
		idMu.Lock()
		defer idMu.Unlock()
		ids++
		return fmt.Sprintf("id-%04d", ids)
	}

	f.sessions = session.NewManager(kv, 30*time.Minute, clock.Now, idGen)
	f.queue = jobs.NewQueue(f.jobsRepo, clock.Now, idGen)
	if quotas == nil {
		quotas = ratelimit.DefaultQuotas()
	}
	f.limiter = ratelimit.New(kv, quotas, clock.Now, nil)

	rt := router.New(parse.NewLocalParser(time.UTC, clock.Now), f.model, nil, f.limiter, nil)
	f.router = rt

	prefs := availability.SlotPreferences{WorkingHoursStart: 9, WorkingHoursEnd: 18, Location: time.UTC}
	f.availabilitySvc = NewAvailabilityService(f.handles, f.creds, v, f.registry, prefs, nil, clock.Now)
	f.messages = NewMessageService(rt, f.sessions, f.availabilitySvc, f.limiter, f.transcriber, f.queue, nil, clock.Now)
	f.confirmations = NewConfirmationService(f.sessions, f.queue, nil)
	f.integrations = NewIntegrationService(f.handles, f.creds, v, f.registry, idGen, clock.Now, nil)
	return f
}

// connectCalendar seeds a sealed credential and one enabled primary
// calendar, as a completed connect flow would leave them.
func (f *fixture) connectCalendar(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()

	sealed, err := f.vault.Seal(userID, connector.Credentials{AccessToken: "token"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	err = f.creds.UpsertCredential(ctx, persistence.ProviderCredential{
		ID:       "cred-" + userID,
		UserID:   userID,
		Provider: string(f.calendar.kind),
		Blob:     sealed,
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	err = f.handles.UpsertHandle(ctx, persistence.CalendarHandle{
		ID:         "handle-" + userID,
		UserID:     userID,
		Provider:   string(f.calendar.kind),
		ExternalID: "cal-main",
		Name:       "Main",
		IsPrimary:  true,
		IsEnabled:  true,
	})
	if err != nil {
		t.Fatalf("seed handle: %v", err)
	}
}

// connectNotes seeds a sealed credential for the notes provider.
func (f *fixture) connectNotes(t *testing.T, userID string) {
	t.Helper()
	sealed, err := f.vault.Seal(userID, connector.Credentials{AccessToken: "notes-token"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	err = f.creds.UpsertCredential(context.Background(), persistence.ProviderCredential{
		ID:       "cred-notes-" + userID,
		UserID:   userID,
		Provider: string(connector.ProviderNotion),
		Blob:     sealed,
	})
	if err != nil {
		t.Fatalf("seed notes credential: %v", err)
	}
}

func (f *fixture) newExecutor(t *testing.T) *jobs.Executor {
	t.Helper()
	executor := jobs.NewExecutor(f.jobsRepo, nil, jobs.WithClock(f.clock.Now), jobs.WithMaxAttempts(3))
	handlers := jobs.NewHandlers(f.sessions, f.handles, f.creds, f.events, f.vault, f.registry, f.transcriber, f.clock.Now, func() string {
		return "job-gen-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	})
	handlers.RegisterAll(executor)
	return executor
}

// drain runs the executor until no due work remains.
func drain(t *testing.T, executor *jobs.Executor) int {
	t.Helper()
	ran := 0
	for {
		did, err := executor.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if !did {
			return ran
		}
		ran++
	}
}
