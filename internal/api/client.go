package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/textcal/textcal/internal/model"
)

// EventPatch carries the edited fields of one event. Nil fields are left
// untouched by the backend.
type EventPatch struct {
	Summary     *string              `json:"summary,omitempty"`
	Start       *model.EventDateTime `json:"start,omitempty"`
	End         *model.EventDateTime `json:"end,omitempty"`
	Location    *string              `json:"location,omitempty"`
	Description *string              `json:"description,omitempty"`
	Calendar    *string              `json:"calendar,omitempty"`
	Recurrence  *string              `json:"recurrence,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p EventPatch) Empty() bool {
	return p.Summary == nil && p.Start == nil && p.End == nil &&
		p.Location == nil && p.Description == nil && p.Calendar == nil &&
		p.Recurrence == nil
}

// PushResult classifies each pushed event id.
type PushResult struct {
	Created      []string             `json:"created"`
	Updated      []string             `json:"updated"`
	Skipped      []string             `json:"skipped"`
	Conflicts    []model.ConflictInfo `json:"conflicts"`
	HasConflicts bool                 `json:"has_conflicts"`
}

// InboundResult is the provider-vs-stored diff applied by the backend.
type InboundResult struct {
	Events  []model.CalendarEvent `json:"events"`
	Updated int                   `json:"updated"`
	Deleted int                   `json:"deleted"`
}

// EditResult is the action list produced for a natural-language
// instruction.
type EditResult struct {
	Actions []model.EditAction `json:"actions"`
	Message string             `json:"message"`
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client speaks the extraction backend's JSON contract. Busy responses
// (429, 5xx) are retried with backoff; connection failures return
// immediately so the session poll loop stays the only retry mechanism.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
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
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// Authenticated reports whether an account token is configured.
func (c *Client) Authenticated() bool {
	return c != nil && c.token != ""
}

type sessionEnvelope struct {
	Session     model.Session         `json:"session"`
	Events      []model.CalendarEvent `json:"events,omitempty"`
	AccessToken string                `json:"access_token,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, input string) (model.Session, error) {
	if strings.TrimSpace(input) == "" {
		return model.Session{}, fmt.Errorf("%w: empty input", ErrValidation)
	}
	var out sessionEnvelope
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", "", map[string]string{"input": input}, &out)
	return out.Session, err
}

// CreateGuestSession returns the session and its capability token.
func (c *Client) CreateGuestSession(ctx context.Context, input string) (model.Session, string, error) {
	if strings.TrimSpace(input) == "" {
		return model.Session{}, "", fmt.Errorf("%w: empty input", ErrValidation)
	}
	var out sessionEnvelope
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/guest", "", map[string]string{"input": input}, &out)
	return out.Session, out.AccessToken, err
}

// GetSession fetches current session state. A non-empty accessToken routes
// the request as a guest read instead of bearer auth.
func (c *Client) GetSession(ctx context.Context, sessionID, accessToken string) (model.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return model.Session{}, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID)
	if accessToken = strings.TrimSpace(accessToken); accessToken != "" {
		q := url.Values{}
		q.Set("access_token", accessToken)
		path += "?" + q.Encode()
	}
	var out sessionEnvelope
	err := c.doJSON(ctx, http.MethodGet, path, accessToken, nil, &out)
	return out.Session, err
}

// SessionEvents fetches the extracted events of a session. The backend
// returns them beside the session record in the same envelope.
func (c *Client) SessionEvents(ctx context.Context, sessionID, accessToken string) ([]model.CalendarEvent, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID)
	if accessToken = strings.TrimSpace(accessToken); accessToken != "" {
		q := url.Values{}
		q.Set("access_token", accessToken)
		path += "?" + q.Encode()
	}
	var out sessionEnvelope
	if err := c.doJSON(ctx, http.MethodGet, path, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

type eventEnvelope struct {
	Event model.CalendarEvent `json:"event"`
}

type eventsEnvelope struct {
	Events []model.CalendarEvent `json:"events"`
}

// UpdateEvent persists edited fields and returns the authoritative event,
// including the server-bumped version.
func (c *Client) UpdateEvent(ctx context.Context, sessionID, eventID string, patch EventPatch) (model.CalendarEvent, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(eventID) == "" {
		return model.CalendarEvent{}, fmt.Errorf("%w: session and event ids are required", ErrValidation)
	}
	if patch.Empty() {
		return model.CalendarEvent{}, fmt.Errorf("%w: empty edit request", ErrValidation)
	}
	path := fmt.Sprintf("/v1/sessions/%s/events/%s", url.PathEscape(sessionID), url.PathEscape(eventID))
	var out eventEnvelope
	err := c.doJSON(ctx, http.MethodPatch, path, "", patch, &out)
	return out.Event, err
}

func (c *Client) DeleteEvent(ctx context.Context, sessionID, eventID string) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(eventID) == "" {
		return fmt.Errorf("%w: session and event ids are required", ErrValidation)
	}
	path := fmt.Sprintf("/v1/sessions/%s/events/%s", url.PathEscape(sessionID), url.PathEscape(eventID))
	return c.doJSON(ctx, http.MethodDelete, path, "", nil, nil)
}

// ApplyBatch replaces the session's event set in one call and returns the
// authoritative result.
func (c *Client) ApplyBatch(ctx context.Context, sessionID string, events []model.CalendarEvent) ([]model.CalendarEvent, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	path := fmt.Sprintf("/v1/sessions/%s/events/batch", url.PathEscape(sessionID))
	var out eventsEnvelope
	err := c.doJSON(ctx, http.MethodPost, path, "", map[string]any{"events": events}, &out)
	return out.Events, err
}

func (c *Client) PushEvents(ctx context.Context, sessionID string, eventIDs []string) (PushResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return PushResult{}, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if len(eventIDs) == 0 {
		return PushResult{}, fmt.Errorf("%w: no events to push", ErrValidation)
	}
	path := fmt.Sprintf("/v1/sessions/%s/push-events", url.PathEscape(sessionID))
	var out PushResult
	err := c.doJSON(ctx, http.MethodPost, path, "", map[string]any{"event_ids": eventIDs}, &out)
	return out, err
}

func (c *Client) SyncInbound(ctx context.Context, sessionID string) (InboundResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return InboundResult{}, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	path := fmt.Sprintf("/v1/sessions/%s/sync-inbound", url.PathEscape(sessionID))
	var out InboundResult
	err := c.doJSON(ctx, http.MethodPost, path, "", nil, &out)
	return out, err
}

// CheckConflicts returns advisory overlap information keyed by event id.
func (c *Client) CheckConflicts(ctx context.Context, sessionID string) (map[string][]model.ConflictInfo, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	path := fmt.Sprintf("/v1/sessions/%s/check-conflicts", url.PathEscape(sessionID))
	var out struct {
		Conflicts map[string][]model.ConflictInfo `json:"conflicts"`
	}
	err := c.doJSON(ctx, http.MethodPost, path, "", nil, &out)
	if out.Conflicts == nil {
		out.Conflicts = map[string][]model.ConflictInfo{}
	}
	return out.Conflicts, err
}

// EditByInstruction sends a natural-language instruction with the full
// current event list. The returned action payload is schema-validated
// before it reaches the reconciliation engine.
func (c *Client) EditByInstruction(ctx context.Context, sessionID, instruction string, events []model.CalendarEvent) (EditResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return EditResult{}, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if strings.TrimSpace(instruction) == "" {
		return EditResult{}, fmt.Errorf("%w: empty instruction", ErrValidation)
	}
	path := fmt.Sprintf("/v1/sessions/%s/edit-event", url.PathEscape(sessionID))
	body := map[string]any{
		"instruction": instruction,
		"events":      events,
	}
	raw, err := c.doJSONRaw(ctx, http.MethodPost, path, "", body)
	if err != nil {
		return EditResult{}, err
	}
	if err := validateEditActions(raw); err != nil {
		return EditResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var out EditResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return EditResult{}, err
	}
	return out, nil
}

// MergeGuestSessions migrates guest sessions into the signed-in account.
// All-or-nothing: the caller clears guest state only when this succeeds.
func (c *Client) MergeGuestSessions(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/auth/merge-guest-sessions", "", map[string]any{"session_ids": sessionIDs}, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath, guestToken string, body, out any) error {
	raw, err := c.doJSONRaw(ctx, method, requestPath, guestToken, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) doJSONRaw(ctx context.Context, method, requestPath, guestToken string, body any) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	correlation := "req_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		if guestToken == "" && c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlation)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Transport failures are not retried here; the caller's
			// poll cadence or the user's resubmission is the retry path.
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payload))
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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
