package model

import "strings"

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionProcessed  SessionStatus = "processed"
	SessionError      SessionStatus = "error"
)

// Terminal reports whether the session can no longer change status.
func (s SessionStatus) Terminal() bool {
	return s == SessionProcessed || s == SessionError
}

// Session is one extraction job, from raw input to a list of candidate
// events. Identity is immutable once created; status moves forward only.
type Session struct {
	ID           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	Input        string        `json:"input,omitempty"`
	Title        string        `json:"title,omitempty"`
	EventIDs     []string      `json:"event_ids,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    string        `json:"created_at,omitempty"`
	UpdatedAt    string        `json:"updated_at,omitempty"`
}

// EventDateTime is a date-or-dateTime endpoint. All-day events carry only
// Date; timed events carry DateTime and optionally TimeZone.
type EventDateTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"date_time,omitempty"`
	TimeZone string `json:"time_zone,omitempty"`
}

// ProviderSync links a local event to its copy on one external calendar
// provider. SyncedVersion tracks which local version the provider holds.
type ProviderSync struct {
	Provider        string `json:"provider"`
	ExternalEventID string `json:"external_event_id,omitempty"`
	SyncedVersion   int    `json:"synced_version"`
}

// CalendarEvent is the unit of synchronization. Version starts at 1 and
// increases by exactly one on every accepted edit; it never decreases.
type CalendarEvent struct {
	ID            string         `json:"id,omitempty"`
	Summary       string         `json:"summary"`
	Start         EventDateTime  `json:"start"`
	End           EventDateTime  `json:"end"`
	Location      string         `json:"location,omitempty"`
	Description   string         `json:"description,omitempty"`
	Calendar      string         `json:"calendar,omitempty"`
	Recurrence    string         `json:"recurrence,omitempty"`
	Version       int            `json:"version"`
	ProviderSyncs []ProviderSync `json:"provider_syncs,omitempty"`
}

// Persisted reports whether the event has a server identity. Drafts have
// none and cannot be pushed or deleted remotely.
func (e CalendarEvent) Persisted() bool {
	return strings.TrimSpace(e.ID) != ""
}

// Published reports whether the event has been pushed to at least one
// provider.
func (e CalendarEvent) Published() bool {
	return len(e.ProviderSyncs) > 0
}

// Clone returns a deep copy. Store updates always replace, never mutate in
// place, so readers hand out clones.
func (e CalendarEvent) Clone() CalendarEvent {
	out := e
	if e.ProviderSyncs != nil {
		out.ProviderSyncs = append([]ProviderSync(nil), e.ProviderSyncs...)
	}
	return out
}

// SyncFor returns the sync record for the given provider, if any.
func (e CalendarEvent) SyncFor(provider string) (ProviderSync, bool) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		return ProviderSync{}, false
	}
	for _, ps := range e.ProviderSyncs {
		if strings.TrimSpace(strings.ToLower(ps.Provider)) == provider {
			return ps, true
		}
	}
	return ProviderSync{}, false
}

type SyncState string

const (
	// SyncDraft: no sync record for the active provider.
	SyncDraft SyncState = "draft"
	// SyncApplied: the provider holds the current version.
	SyncApplied SyncState = "applied"
	// SyncEdited: a local edit has not been pushed yet.
	SyncEdited SyncState = "edited"
)

// SyncStatusFor derives the event's status against the active provider.
// Total: an unset provider or absent sync record yields SyncDraft.
func SyncStatusFor(event CalendarEvent, activeProvider string) SyncState {
	ps, ok := event.SyncFor(activeProvider)
	if !ok {
		return SyncDraft
	}
	if ps.SyncedVersion >= event.Version {
		return SyncApplied
	}
	return SyncEdited
}

// EffectiveDateTime returns the dateTime when present, else the date.
func EffectiveDateTime(endpoint EventDateTime) string {
	if endpoint.DateTime != "" {
		return endpoint.DateTime
	}
	return endpoint.Date
}

// IsAllDay reports whether the endpoint describes an all-day event.
func IsAllDay(start EventDateTime) bool {
	return start.Date != "" && start.DateTime == ""
}

// ConflictInfo describes a pre-existing external event overlapping a
// candidate's time range. Advisory only; it never blocks a push.
type ConflictInfo struct {
	Summary   string `json:"summary"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type ActionKind string

const (
	ActionEdit   ActionKind = "edit"
	ActionDelete ActionKind = "delete"
	ActionCreate ActionKind = "create"
)

// EditAction is one instruction-driven change to the event list. Index
// refers to the event list that was sent with the instruction.
type EditAction struct {
	Kind  ActionKind     `json:"action"`
	Index int            `json:"index"`
	Event *CalendarEvent `json:"edited_event,omitempty"`
}

// GuestSession is a capability token granting read access to one anonymous
// session without an account.
type GuestSession struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
	Timestamp   string `json:"timestamp"`
}
