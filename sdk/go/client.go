package phaselinesdk

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
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	CycleID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, cycleID string) *Client {
	return &Client{
		BaseURL: baseURL,
		CycleID: cycleID,
		Timeout: 10 * time.Second,
	}
}

// Phase represents the API phase model.
type Phase struct {
	ID               string  `json:"id"`
	CycleID          string  `json:"cycle_id"`
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	CurrentVersionID *string `json:"current_version_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// Version represents one entry in a phase's version ledger.
type Version struct {
	ID              string  `json:"id"`
	PhaseID         string  `json:"phase_id"`
	SequenceNumber  int     `json:"sequence_number"`
	Status          string  `json:"status"`
	ParentVersionID *string `json:"parent_version_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	CreatedBy       string  `json:"created_by"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// Item represents a row of a version.
type Item struct {
	ID                string         `json:"id"`
	VersionID         string         `json:"version_id"`
	Kind              string         `json:"kind"`
	Payload           map[string]any `json:"payload,omitempty"`
	TesterDecision    string         `json:"tester_decision"`
	OwnerDecision     string         `json:"owner_decision"`
	CarriedFromItemID *string        `json:"carried_from_item_id,omitempty"`
	AutoApproved      bool           `json:"auto_approved"`
	CreatedAt         string         `json:"created_at"`
}

// NewItem is one item to add to a draft version.
type NewItem struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CycleID    string         `json:"cycle_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePhase creates a phase in the client's cycle.
func (c *Client) CreatePhase(ctx context.Context, name string) (Phase, error) {
	body := map[string]any{"name": name}
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.cyclePath("phases"), body, "", &resp)
	return resp, err
}

// ListPhases lists the cycle's phases.
func (c *Client) ListPhases(ctx context.Context) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, c.cyclePath("phases"), nil, "", &resp)
	return resp, err
}

// CreateDraft opens a new draft version for a phase.
func (c *Client) CreateDraft(ctx context.Context, phaseID string, parentVersionID string) (Version, error) {
	body := map[string]any{}
	if parentVersionID != "" {
		body["parent_version_id"] = parentVersionID
	}
	var resp Version
	endpoint := fmt.Sprintf("v0/phases/%s/versions", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, "", &resp)
	return resp, err
}

// AddItems appends items to a draft version. An idempotency key makes
// redelivered calls return the originally created items.
func (c *Client) AddItems(ctx context.Context, versionID string, items []NewItem, idempotencyKey string) ([]Item, error) {
	body := map[string]any{"items": items}
	var resp []Item
	endpoint := fmt.Sprintf("v0/versions/%s/items", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, idempotencyKey, &resp)
	return resp, err
}

// ListItems lists the items of a version.
func (c *Client) ListItems(ctx context.Context, versionID string) ([]Item, error) {
	var resp []Item
	endpoint := fmt.Sprintf("v0/versions/%s/items", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

// RecordTesterDecision sets the tester decision on an item.
func (c *Client) RecordTesterDecision(ctx context.Context, itemID, decision, notes string) (Item, error) {
	return c.recordDecision(ctx, itemID, "tester-decision", decision, notes)
}

// RecordOwnerDecision sets the report-owner decision on an item.
func (c *Client) RecordOwnerDecision(ctx context.Context, itemID, decision, notes string) (Item, error) {
	return c.recordDecision(ctx, itemID, "owner-decision", decision, notes)
}

func (c *Client) recordDecision(ctx context.Context, itemID, role, decision, notes string) (Item, error) {
	body := map[string]any{"decision": decision}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/%s", url.PathEscape(itemID), role)
	err := c.do(ctx, http.MethodPost, endpoint, body, "", &resp)
	return resp, err
}

// Submit moves a draft to pending approval.
func (c *Client) Submit(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v0/versions/%s/submit", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, "", &resp)
	return resp, err
}

// RecordVerdict approves or rejects a pending version. An idempotency
// key makes redelivered calls no-ops.
func (c *Client) RecordVerdict(ctx context.Context, versionID, verdict, reason, idempotencyKey string) (Version, error) {
	body := map[string]any{"verdict": verdict}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Version
	endpoint := fmt.Sprintf("v0/versions/%s/verdict", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, idempotencyKey, &resp)
	return resp, err
}

// Finalize derives and records the verdict from item decisions.
func (c *Client) Finalize(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v0/versions/%s/finalize", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, "", &resp)
	return resp, err
}

// CurrentVersion returns the phase's current approved version.
func (c *Client) CurrentVersion(ctx context.Context, phaseID string) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v0/phases/%s/current", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

// Versions lists a phase's version ledger in sequence order.
func (c *Client) Versions(ctx context.Context, phaseID string) ([]Version, error) {
	var resp struct {
		Items []Version `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/phases/%s/versions", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp.Items, err
}

// Events returns recent cycle events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.cyclePath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, idempotencyKey string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) cyclePath(p string) string {
	cycle := url.PathEscape(c.CycleID)
	return fmt.Sprintf("v0/cycles/%s/%s", cycle, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
