package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/textcal/textcal/internal/api"
	"github.com/textcal/textcal/internal/guest"
	"github.com/textcal/textcal/internal/model"
	"github.com/textcal/textcal/internal/storage"
)

// fakeClock hands out immediate ticks and counts waits, so polls run
// through many intervals without real time passing.
type fakeClock struct {
	mu    sync.Mutex
	waits int
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits++
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func (c *fakeClock) waitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

type fakeBackend struct {
	mu            sync.Mutex
	authenticated bool
	statuses      []model.Session
	fetches       int
	creates       int
	guestCreates  int
	merged        [][]string
	mergeErr      error
	fetchErr      error
	lastToken     string
}

func (b *fakeBackend) Authenticated() bool { return b.authenticated }

func (b *fakeBackend) CreateSession(ctx context.Context, input string) (model.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	return model.Session{ID: fmt.Sprintf("sess_%d", b.creates), Status: model.SessionPending, Input: input}, nil
}

func (b *fakeBackend) CreateGuestSession(ctx context.Context, input string) (model.Session, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guestCreates++
	id := fmt.Sprintf("guest_sess_%d", b.guestCreates)
	return model.Session{ID: id, Status: model.SessionPending, Input: input}, "tok_" + id, nil
}

func (b *fakeBackend) GetSession(ctx context.Context, sessionID, accessToken string) (model.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastToken = accessToken
	if b.fetchErr != nil {
		return model.Session{}, b.fetchErr
	}
	index := b.fetches
	if index >= len(b.statuses) {
		index = len(b.statuses) - 1
	}
	b.fetches++
	session := b.statuses[index]
	session.ID = sessionID
	return session, nil
}

func (b *fakeBackend) MergeGuestSessions(ctx context.Context, sessionIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mergeErr != nil {
		return b.mergeErr
	}
	b.merged = append(b.merged, append([]string(nil), sessionIDs...))
	return nil
}

func newTestCoordinator(t *testing.T, backend *fakeBackend) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	coordinator, err := NewCoordinator(CoordinatorOptions{
		Backend: backend,
		Guests:  guest.NewManager(storage.NewMemoryAdapter()),
		Clock:   clock,
		Logger:  slog.New(slog.NewTextHandler(discardWriter{}, nil)),
	})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	return coordinator, clock
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestPollRunsToProcessedWithIncrementalUpdates(t *testing.T) {
	backend := &fakeBackend{statuses: []model.Session{
		{Status: model.SessionPending},
		{Status: model.SessionProcessing},
		{Status: model.SessionProcessed, EventIDs: []string{"evt_1", "evt_2"}},
	}}
	coordinator, clock := newTestCoordinator(t, backend)

	var seen []model.SessionStatus
	session, err := coordinator.Poll(context.Background(), "sess_1", PollOptions{
		OnUpdate: func(s model.Session) { seen = append(seen, s.Status) },
	})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if session.Status != model.SessionProcessed || len(session.EventIDs) != 2 {
		t.Fatalf("unexpected terminal session: %+v", session)
	}
	want := []model.SessionStatus{model.SessionPending, model.SessionProcessing, model.SessionProcessed}
	if len(seen) != len(want) {
		t.Fatalf("expected %d updates, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected update %d to be %s, got %s", i, want[i], seen[i])
		}
	}
	// Two non-terminal responses mean exactly two interval waits.
	if clock.waitCount() != 2 {
		t.Fatalf("expected 2 interval waits, got %d", clock.waitCount())
	}
}

func TestPollRejectsWithSessionErrorMessage(t *testing.T) {
	backend := &fakeBackend{statuses: []model.Session{
		{Status: model.SessionError, ErrorMessage: "could not parse audio"},
	}}
	coordinator, _ := newTestCoordinator(t, backend)

	_, err := coordinator.Poll(context.Background(), "sess_1", PollOptions{})
	if !errors.Is(err, ErrProcessing) {
		t.Fatalf("expected ErrProcessing, got %v", err)
	}
	if got := err.Error(); got != "session processing failed: could not parse audio" {
		t.Fatalf("expected backend message preserved, got %q", got)
	}
}

func TestPollGenericFallbackWhenNoErrorMessage(t *testing.T) {
	backend := &fakeBackend{statuses: []model.Session{{Status: model.SessionError}}}
	coordinator, _ := newTestCoordinator(t, backend)

	_, err := coordinator.Poll(context.Background(), "sess_1", PollOptions{})
	if !errors.Is(err, ErrProcessing) {
		t.Fatalf("expected ErrProcessing fallback, got %v", err)
	}
}

func TestPollFailsImmediatelyOnNetworkError(t *testing.T) {
	backend := &fakeBackend{fetchErr: errors.New("connection refused")}
	coordinator, clock := newTestCoordinator(t, backend)

	_, err := coordinator.Poll(context.Background(), "sess_1", PollOptions{})
	if err == nil || err.Error() != "connection refused" {
		t.Fatalf("expected fetch error to surface unchanged, got %v", err)
	}
	if clock.waitCount() != 0 {
		t.Fatalf("expected no retry wait after network error, got %d", clock.waitCount())
	}
}

func TestPollUsesGuestAccessToken(t *testing.T) {
	backend := &fakeBackend{statuses: []model.Session{{Status: model.SessionProcessed}}}
	coordinator, _ := newTestCoordinator(t, backend)
	if err := coordinator.Guests().AddSession("sess_1", "tok_guest"); err != nil {
		t.Fatalf("add guest session failed: %v", err)
	}

	if _, err := coordinator.Poll(context.Background(), "sess_1", PollOptions{Guest: true}); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if backend.lastToken != "tok_guest" {
		t.Fatalf("expected guest token on fetch, got %q", backend.lastToken)
	}
}

func TestPollStopsOnContextCancel(t *testing.T) {
	backend := &fakeBackend{statuses: []model.Session{{Status: model.SessionProcessing}}}
	clock := &fakeClock{}
	coordinator, err := NewCoordinator(CoordinatorOptions{Backend: backend, Clock: clock})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, pollErr := coordinator.Poll(ctx, "sess_1", PollOptions{})
		done <- pollErr
	}()
	cancel()
	select {
	case pollErr := <-done:
		if !errors.Is(pollErr, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", pollErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected poll to stop after cancel")
	}
}

func TestCreateRejectsEmptyInputBeforeNetwork(t *testing.T) {
	backend := &fakeBackend{authenticated: true}
	coordinator, _ := newTestCoordinator(t, backend)

	_, err := coordinator.Create(context.Background(), "  \n ")
	if !errors.Is(err, api.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if backend.creates != 0 || backend.guestCreates != 0 {
		t.Fatalf("expected no create calls, got %d/%d", backend.creates, backend.guestCreates)
	}
}

func TestCreateRoutesGuestsAndRecordsTokens(t *testing.T) {
	backend := &fakeBackend{authenticated: false}
	coordinator, _ := newTestCoordinator(t, backend)

	session, err := coordinator.Create(context.Background(), "dentist tuesday 3pm")
	if err != nil {
		t.Fatalf("guest create failed: %v", err)
	}
	if backend.guestCreates != 1 || backend.creates != 0 {
		t.Fatalf("expected guest routing, got creates=%d guestCreates=%d", backend.creates, backend.guestCreates)
	}
	if got := coordinator.Guests().AccessToken(session.ID); got != "tok_"+session.ID {
		t.Fatalf("expected recorded guest token, got %q", got)
	}
}

func TestFourthGuestCreateRejectedClientSide(t *testing.T) {
	backend := &fakeBackend{authenticated: false}
	coordinator, _ := newTestCoordinator(t, backend)

	for i := 0; i < guest.Limit; i++ {
		if _, err := coordinator.Create(context.Background(), fmt.Sprintf("meeting %d", i)); err != nil {
			t.Fatalf("guest create %d failed: %v", i, err)
		}
	}
	_, err := coordinator.Create(context.Background(), "one more meeting")
	if !errors.Is(err, guest.ErrLimitReached) {
		t.Fatalf("expected guest limit error, got %v", err)
	}
	if backend.guestCreates != guest.Limit {
		t.Fatalf("expected no network call for the fourth create, got %d", backend.guestCreates)
	}
}

func TestMigrateEmptyGuestListIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	coordinator, _ := newTestCoordinator(t, backend)

	if err := coordinator.Migrate(context.Background()); err != nil {
		t.Fatalf("expected empty migration to succeed, got %v", err)
	}
	if len(backend.merged) != 0 {
		t.Fatalf("expected no merge call, got %v", backend.merged)
	}
}

func TestMigrateClearsGuestStorageOnlyOnSuccess(t *testing.T) {
	backend := &fakeBackend{authenticated: false, mergeErr: errors.New("backend down")}
	coordinator, _ := newTestCoordinator(t, backend)
	for i := 0; i < guest.Limit; i++ {
		if _, err := coordinator.Create(context.Background(), fmt.Sprintf("meeting %d", i)); err != nil {
			t.Fatalf("guest create failed: %v", err)
		}
	}

	if err := coordinator.Migrate(context.Background()); err == nil {
		t.Fatalf("expected failed migration to error")
	}
	if !coordinator.Guests().ReachedLimit() {
		t.Fatalf("expected guest sessions intact after failed migration")
	}

	backend.mergeErr = nil
	if err := coordinator.Migrate(context.Background()); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if coordinator.Guests().ReachedLimit() {
		t.Fatalf("expected limit reset after successful migration")
	}
	if len(backend.merged) != 1 || len(backend.merged[0]) != guest.Limit {
		t.Fatalf("expected one merge call with %d ids, got %v", guest.Limit, backend.merged)
	}
}
