package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/textcal/textcal/internal/api"
	"github.com/textcal/textcal/internal/guest"
	"github.com/textcal/textcal/internal/model"
)

// DefaultPollInterval is the fixed delay between session state fetches.
const DefaultPollInterval = 2 * time.Second

// ErrProcessing wraps the session's own error message when extraction
// fails on the backend.
var ErrProcessing = errors.New("session processing failed")

// Clock abstracts time so tests drive polling with virtual time instead of
// waiting on real timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Backend is the slice of the API client the coordinator needs.
type Backend interface {
	Authenticated() bool
	CreateSession(ctx context.Context, input string) (model.Session, error)
	CreateGuestSession(ctx context.Context, input string) (model.Session, string, error)
	GetSession(ctx context.Context, sessionID, accessToken string) (model.Session, error)
	MergeGuestSessions(ctx context.Context, sessionIDs []string) error
}

type CoordinatorOptions struct {
	Backend Backend
	Guests  *guest.Manager
	Clock   Clock
	Logger  *slog.Logger
}

// Coordinator creates extraction sessions from raw input and polls them to
// a terminal status. Routing between guest and authenticated creation
// follows the backend's identity state.
type Coordinator struct {
	backend Backend
	guests  *guest.Manager
	clock   Clock
	logger  *slog.Logger
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	guests := opts.Guests
	if guests == nil {
		guests = guest.NewManager(nil)
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		backend: opts.Backend,
		guests:  guests,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Guests exposes the identity manager for callers that need token lookup.
func (c *Coordinator) Guests() *guest.Manager {
	return c.guests
}

// Create submits input as a new extraction session. Guests are refused
// client-side at the quota, before any network call.
func (c *Coordinator) Create(ctx context.Context, input string) (model.Session, error) {
	if strings.TrimSpace(input) == "" {
		return model.Session{}, fmt.Errorf("%w: empty input", api.ErrValidation)
	}
	if c.backend.Authenticated() {
		session, err := c.backend.CreateSession(ctx, input)
		if err != nil {
			return model.Session{}, err
		}
		c.logger.Info("session created", "session_id", session.ID, "status", session.Status)
		return session, nil
	}

	if c.guests.ReachedLimit() {
		return model.Session{}, guest.ErrLimitReached
	}
	session, accessToken, err := c.backend.CreateGuestSession(ctx, input)
	if err != nil {
		return model.Session{}, err
	}
	if err := c.guests.AddSession(session.ID, accessToken); err != nil {
		c.logger.Warn("failed to record guest session", "session_id", session.ID, "error", err)
	}
	c.logger.Info("guest session created", "session_id", session.ID, "status", session.Status)
	return session, nil
}

type PollOptions struct {
	// Interval between fetches; DefaultPollInterval when zero.
	Interval time.Duration
	// Guest routes fetches through the stored capability token.
	Guest bool
	// OnUpdate runs synchronously on every fetched state, before the
	// status is inspected.
	OnUpdate func(model.Session)
}

// Poll fetches session state on a fixed cadence until it reaches a
// terminal status. Fetches are strictly sequential: the next one is only
// scheduled after the prior response lands. A network failure fails the
// poll immediately; the caller decides whether to resubmit. Callers that
// navigate away simply discard the result and gate OnUpdate writes on
// their own current-session check.
func (c *Coordinator) Poll(ctx context.Context, sessionID string, opts PollOptions) (model.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return model.Session{}, fmt.Errorf("%w: session id is required", api.ErrValidation)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		accessToken := ""
		if opts.Guest {
			accessToken = c.guests.AccessToken(sessionID)
		}
		session, err := c.backend.GetSession(ctx, sessionID, accessToken)
		if err != nil {
			return model.Session{}, err
		}
		if opts.OnUpdate != nil {
			opts.OnUpdate(session)
		}
		switch session.Status {
		case model.SessionProcessed:
			c.logger.Info("session processed", "session_id", session.ID, "events", len(session.EventIDs))
			return session, nil
		case model.SessionError:
			message := strings.TrimSpace(session.ErrorMessage)
			if message == "" {
				return session, ErrProcessing
			}
			return session, fmt.Errorf("%w: %s", ErrProcessing, message)
		}

		select {
		case <-ctx.Done():
			return model.Session{}, ctx.Err()
		case <-c.clock.After(interval):
		}
	}
}

// Migrate submits all guest sessions to the identity-merge endpoint. A
// missing guest list is a no-op. Guest storage is cleared only on success,
// so a failed migration leaves the tokens usable.
func (c *Coordinator) Migrate(ctx context.Context) error {
	ids := c.guests.SessionIDs()
	if len(ids) == 0 {
		return nil
	}
	if err := c.backend.MergeGuestSessions(ctx, ids); err != nil {
		return fmt.Errorf("migrate guest sessions: %w", err)
	}
	if err := c.guests.Clear(); err != nil {
		return fmt.Errorf("clear guest sessions: %w", err)
	}
	c.logger.Info("guest sessions migrated", "count", len(ids))
	return nil
}
