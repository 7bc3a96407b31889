package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/textcal/textcal/internal/api"
	"github.com/textcal/textcal/internal/model"
	"github.com/textcal/textcal/internal/notify"
)

// DefaultDebounce is how long the engine waits after the last edit of an
// event before pushing it automatically.
const DefaultDebounce = 3 * time.Second

// Backend is the slice of the HTTP client the engine depends on.
type Backend interface {
	UpdateEvent(ctx context.Context, sessionID, eventID string, patch api.EventPatch) (model.CalendarEvent, error)
	DeleteEvent(ctx context.Context, sessionID, eventID string) error
	ApplyBatch(ctx context.Context, sessionID string, events []model.CalendarEvent) ([]model.CalendarEvent, error)
	PushEvents(ctx context.Context, sessionID string, eventIDs []string) (api.PushResult, error)
	SyncInbound(ctx context.Context, sessionID string) (api.InboundResult, error)
	CheckConflicts(ctx context.Context, sessionID string) (map[string][]model.ConflictInfo, error)
	EditByInstruction(ctx context.Context, sessionID, instruction string, events []model.CalendarEvent) (api.EditResult, error)
}

// Notifier receives user-facing feedback from async engine work.
type Notifier interface {
	Raise(kind notify.Kind, message string) notify.Notification
}

type EngineOptions struct {
	Backend        Backend
	Store          *Store
	Notifier       Notifier
	ActiveProvider string
	// Debounce overrides the auto-push delay; zero means DefaultDebounce.
	Debounce time.Duration
	Logger   *slog.Logger
	// OnAuthRequired runs when a backend call fails with an auth error.
	// Auth failures are routed here instead of the notifier so the caller
	// can prompt for sign-in.
	OnAuthRequired func()
}

// Engine reconciles one session's events across the local store, the
// backend record, and the external calendar provider. Edits land locally
// first; pushes confirm them outward; inbound syncs pull provider-side
// changes back in.
type Engine struct {
	backend        Backend
	store          *Store
	notifier       Notifier
	activeProvider string
	debounce       time.Duration
	logger         *slog.Logger
	onAuthRequired func()

	mu          sync.Mutex
	timers      map[string]*time.Timer
	inboundDone bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:        opts.Backend,
		store:          opts.Store,
		notifier:       opts.Notifier,
		activeProvider: strings.TrimSpace(opts.ActiveProvider),
		debounce:       debounce,
		logger:         logger,
		onAuthRequired: opts.OnAuthRequired,
		timers:         map[string]*time.Timer{},
	}, nil
}

// Store returns the engine's event store.
func (e *Engine) Store() *Store {
	return e.store
}

// CommitEdit applies a field edit optimistically, persists it, and
// schedules a debounced auto-push. The local copy bumps its version and
// stays visible even when persistence fails; failures are reported, never
// rolled back.
func (e *Engine) CommitEdit(ctx context.Context, eventID string, patch api.EventPatch) (model.CalendarEvent, error) {
	current, ok := e.store.Get(eventID)
	if !ok {
		return model.CalendarEvent{}, fmt.Errorf("%w: unknown event %q", api.ErrNotFound, eventID)
	}
	if !current.Persisted() {
		return model.CalendarEvent{}, fmt.Errorf("%w: event has no server id yet", api.ErrValidation)
	}
	if patch.Empty() {
		return model.CalendarEvent{}, fmt.Errorf("%w: empty edit request", api.ErrValidation)
	}

	optimistic := applyPatch(current, patch)
	optimistic.Version = current.Version + 1
	e.store.Upsert(optimistic)
	e.scheduleAutoPush(eventID, optimistic.Version)

	persisted, err := e.backend.UpdateEvent(ctx, e.store.SessionID(), eventID, patch)
	if err != nil {
		e.reportFailure("Changes could not be saved", err)
		return optimistic, err
	}
	// A later concurrent edit may already have moved the local copy past
	// the server's answer; never step the version back.
	if e.store.Version(eventID) <= persisted.Version {
		e.store.Upsert(persisted)
	}
	return persisted, nil
}

// DeleteEvent removes an event locally and on the backend. The local
// removal is immediate and is not restored when the backend call fails.
func (e *Engine) DeleteEvent(ctx context.Context, eventID string) error {
	event, ok := e.store.Get(eventID)
	if !ok {
		return fmt.Errorf("%w: unknown event %q", api.ErrNotFound, eventID)
	}
	e.cancelAutoPush(eventID)
	e.store.Remove(eventID)
	if !event.Persisted() {
		return nil
	}
	if err := e.backend.DeleteEvent(ctx, e.store.SessionID(), eventID); err != nil {
		e.reportFailure("Event could not be deleted", err)
		return err
	}
	return nil
}

// Push confirms events to the external provider in one batch. With no ids
// given it pushes every persisted event. One aggregate notification is
// raised: a warning when the provider reports conflicts, success
// otherwise.
func (e *Engine) Push(ctx context.Context, eventIDs ...string) (api.PushResult, error) {
	issueVersions := map[string]int{}
	if len(eventIDs) == 0 {
		for _, event := range e.store.Events() {
			if event.Persisted() {
				eventIDs = append(eventIDs, event.ID)
				issueVersions[event.ID] = event.Version
			}
		}
	} else {
		for _, id := range eventIDs {
			event, ok := e.store.Get(id)
			if !ok {
				return api.PushResult{}, fmt.Errorf("%w: unknown event %q", api.ErrNotFound, id)
			}
			if !event.Persisted() {
				return api.PushResult{}, fmt.Errorf("%w: event has no server id yet", api.ErrValidation)
			}
			issueVersions[id] = event.Version
		}
	}
	if len(eventIDs) == 0 {
		return api.PushResult{}, fmt.Errorf("%w: no events to push", api.ErrValidation)
	}

	result, err := e.backend.PushEvents(ctx, e.store.SessionID(), eventIDs)
	if err != nil {
		e.reportFailure("Events could not be added to your calendar", err)
		return api.PushResult{}, err
	}
	for _, id := range result.Created {
		e.markSynced(id, issueVersions[id])
	}
	for _, id := range result.Updated {
		e.markSynced(id, issueVersions[id])
	}
	if e.notifier != nil {
		applied := len(result.Created) + len(result.Updated)
		if result.HasConflicts || len(result.Conflicts) > 0 {
			e.notifier.Raise(notify.KindWarning, fmt.Sprintf("Added %d events to your calendar with %d scheduling conflicts", applied, len(result.Conflicts)))
		} else {
			e.notifier.Raise(notify.KindSuccess, fmt.Sprintf("Added %d events to your calendar", applied))
		}
	}
	return result, nil
}

// SyncInbound pulls provider-side changes back into the session once. It
// runs only when at least one event has been published, and at most once
// per engine: repeat calls are no-ops. The incoming list replaces local
// state wholesale and cancels any pending auto-pushes it supersedes.
func (e *Engine) SyncInbound(ctx context.Context) (api.InboundResult, error) {
	// Claim the once-only slot before touching the network so a concurrent
	// call can never issue a second backend diff.
	e.mu.Lock()
	if e.inboundDone {
		e.mu.Unlock()
		return api.InboundResult{}, nil
	}
	e.inboundDone = true
	e.mu.Unlock()

	published := false
	for _, event := range e.store.Events() {
		if event.Published() {
			published = true
			break
		}
	}
	if !published {
		// Nothing has reached a provider yet; release the slot so a later
		// view after the first push can sync.
		e.releaseInboundSlot()
		return api.InboundResult{}, nil
	}

	result, err := e.backend.SyncInbound(ctx, e.store.SessionID())
	if err != nil {
		e.releaseInboundSlot()
		e.reportFailure("Calendar changes could not be synced", err)
		return api.InboundResult{}, err
	}

	e.mu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.store.Replace(result.Events)

	if e.notifier != nil && result.Updated+result.Deleted > 0 {
		e.notifier.Raise(notify.KindInfo, fmt.Sprintf("Synced changes from your calendar: %d updated, %d removed", result.Updated, result.Deleted))
	}
	return result, nil
}

func (e *Engine) releaseInboundSlot() {
	e.mu.Lock()
	e.inboundDone = false
	e.mu.Unlock()
}

// CheckConflicts fetches advisory overlap information in one batched call
// and records it beside the events. It never mutates events and never
// blocks a push.
func (e *Engine) CheckConflicts(ctx context.Context) error {
	conflicts, err := e.backend.CheckConflicts(ctx, e.store.SessionID())
	if err != nil {
		e.logger.Warn("conflict check failed", "error", err)
		return err
	}
	e.store.SetConflicts(conflicts)
	return nil
}

// EditByInstruction sends a natural-language instruction, applies the
// returned actions optimistically in one state update, then persists the
// batch and adopts the authoritative result. On persistence failure the
// optimistic state stays.
func (e *Engine) EditByInstruction(ctx context.Context, instruction string) (string, error) {
	events := e.store.Events()
	result, err := e.backend.EditByInstruction(ctx, e.store.SessionID(), instruction, events)
	if err != nil {
		e.reportFailure("Your instruction could not be applied", err)
		return "", err
	}
	next, err := applyActions(events, result.Actions)
	if err != nil {
		return "", err
	}
	for _, event := range events {
		if _, kept := findByID(next, event.ID); !kept {
			e.cancelAutoPush(event.ID)
		}
	}
	e.store.Replace(next)

	persisted, err := e.backend.ApplyBatch(ctx, e.store.SessionID(), next)
	if err != nil {
		e.reportFailure("Changes could not be saved", err)
		return result.Message, err
	}
	e.store.Replace(persisted)
	return result.Message, nil
}

// Close stops all pending auto-push timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}

// scheduleAutoPush arms (or re-arms) the debounce timer for one event. The
// version is captured now: when the push lands, syncedVersion rises at
// most to this value, so a concurrent later edit is never marked applied
// prematurely.
func (e *Engine) scheduleAutoPush(eventID string, issueVersion int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[eventID]; ok {
		timer.Stop()
	}
	e.timers[eventID] = time.AfterFunc(e.debounce, func() {
		e.autoPush(eventID, issueVersion)
	})
}

func (e *Engine) cancelAutoPush(eventID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[eventID]; ok {
		timer.Stop()
		delete(e.timers, eventID)
	}
}

// autoPush fires after the debounce window with no further edits. It is
// silent on success; the sync badge flipping to applied is the feedback.
func (e *Engine) autoPush(eventID string, issueVersion int) {
	e.mu.Lock()
	delete(e.timers, eventID)
	e.mu.Unlock()
	// The event may have been deleted or replaced by an inbound sync while
	// the timer was pending.
	if _, ok := e.store.Get(eventID); !ok {
		return
	}
	if _, err := e.backend.PushEvents(context.Background(), e.store.SessionID(), []string{eventID}); err != nil {
		e.reportFailure("Your change could not be added to your calendar", err)
		return
	}
	e.markSynced(eventID, issueVersion)
}

// markSynced records that the active provider now holds the event at
// issueVersion. The synced version only moves forward, and never past the
// version captured when the push was issued.
func (e *Engine) markSynced(eventID string, issueVersion int) {
	if e.activeProvider == "" || issueVersion <= 0 {
		return
	}
	event, ok := e.store.Get(eventID)
	if !ok {
		return
	}
	updated := event.Clone()
	found := false
	for i := range updated.ProviderSyncs {
		if strings.EqualFold(strings.TrimSpace(updated.ProviderSyncs[i].Provider), e.activeProvider) {
			found = true
			if updated.ProviderSyncs[i].SyncedVersion < issueVersion {
				updated.ProviderSyncs[i].SyncedVersion = issueVersion
			}
			break
		}
	}
	if !found {
		updated.ProviderSyncs = append(updated.ProviderSyncs, model.ProviderSync{
			Provider:      e.activeProvider,
			SyncedVersion: issueVersion,
		})
	}
	e.store.Upsert(updated)
}

// reportFailure routes auth errors to the sign-in callback and everything
// else to the notifier, tagging the message with backend detail.
func (e *Engine) reportFailure(message string, err error) {
	if errors.Is(err, api.ErrAuthRequired) {
		e.logger.Warn("backend call needs authentication", "error", err)
		if e.onAuthRequired != nil {
			e.onAuthRequired()
		}
		return
	}
	e.logger.Warn("backend call failed", "error", err)
	if e.notifier != nil {
		e.notifier.Raise(notify.KindError, message)
	}
}

func applyPatch(event model.CalendarEvent, patch api.EventPatch) model.CalendarEvent {
	out := event.Clone()
	if patch.Summary != nil {
		out.Summary = *patch.Summary
	}
	if patch.Start != nil {
		out.Start = *patch.Start
	}
	if patch.End != nil {
		out.End = *patch.End
	}
	if patch.Location != nil {
		out.Location = *patch.Location
	}
	if patch.Description != nil {
		out.Description = *patch.Description
	}
	if patch.Calendar != nil {
		out.Calendar = *patch.Calendar
	}
	if patch.Recurrence != nil {
		out.Recurrence = *patch.Recurrence
	}
	return out
}

// applyActions folds a tagged action list over the event list that was
// sent with the instruction. Indexes refer to that original list, so
// deletes tombstone in place and creates append at the end.
func applyActions(events []model.CalendarEvent, actions []model.EditAction) ([]model.CalendarEvent, error) {
	working := make([]*model.CalendarEvent, len(events))
	for i := range events {
		clone := events[i].Clone()
		working[i] = &clone
	}
	var created []model.CalendarEvent

	for _, action := range actions {
		switch action.Kind {
		case model.ActionDelete:
			if action.Index < 0 || action.Index >= len(working) {
				return nil, fmt.Errorf("%w: action index %d out of range", api.ErrValidation, action.Index)
			}
			working[action.Index] = nil
		case model.ActionEdit:
			if action.Index < 0 || action.Index >= len(working) {
				return nil, fmt.Errorf("%w: action index %d out of range", api.ErrValidation, action.Index)
			}
			target := working[action.Index]
			if target == nil {
				return nil, fmt.Errorf("%w: action edits an already deleted event", api.ErrValidation)
			}
			if action.Event == nil {
				return nil, fmt.Errorf("%w: edit action carries no event", api.ErrValidation)
			}
			merged := action.Event.Clone()
			merged.ID = target.ID
			merged.ProviderSyncs = append([]model.ProviderSync(nil), target.ProviderSyncs...)
			merged.Version = target.Version + 1
			working[action.Index] = &merged
		case model.ActionCreate:
			if action.Event == nil {
				return nil, fmt.Errorf("%w: create action carries no event", api.ErrValidation)
			}
			fresh := action.Event.Clone()
			fresh.ID = ""
			fresh.Version = 1
			fresh.ProviderSyncs = nil
			created = append(created, fresh)
		default:
			return nil, fmt.Errorf("%w: unknown action %q", api.ErrValidation, action.Kind)
		}
	}

	out := make([]model.CalendarEvent, 0, len(working)+len(created))
	for _, event := range working {
		if event != nil {
			out = append(out, *event)
		}
	}
	out = append(out, created...)
	return out, nil
}

func findByID(events []model.CalendarEvent, id string) (model.CalendarEvent, bool) {
	if strings.TrimSpace(id) == "" {
		return model.CalendarEvent{}, false
	}
	for _, event := range events {
		if event.ID == id {
			return event, true
		}
	}
	return model.CalendarEvent{}, false
}
