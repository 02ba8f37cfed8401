package passbooksdk

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Passbook HTTP API client.
type Client struct {
	BaseURL     string
	EventID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, eventID string) *Client {
	return &Client{
		BaseURL: baseURL,
		EventID: eventID,
		Timeout: 10 * time.Second,
	}
}

// Event represents the API event model.
type Event struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	OperatorAddress  string `json:"operator_address"`
	Active           bool   `json:"active"`
	StartsAt         string `json:"starts_at"`
	EndsAt           string `json:"ends_at"`
	VerifierAddress  string `json:"verifier_address"`
	Balance          uint64 `json:"balance"`
	TotalFunded      uint64 `json:"total_funded"`
	TotalDistributed uint64 `json:"total_distributed"`
	RecipientCount   uint64 `json:"recipient_count"`
}

// Capability is an admin handle minted at event creation.
type Capability struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	TargetID      string `json:"target_id"`
	HolderAddress string `json:"holder_address"`
}

// CreatedEvent pairs a new event with its capabilities.
type CreatedEvent struct {
	Event        Event        `json:"event"`
	Capabilities []Capability `json:"capabilities"`
}

// Mission represents one objective inside an event.
type Mission struct {
	MissionID    uint64 `json:"mission_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	RewardAmount uint64 `json:"reward_amount"`
	Active       bool   `json:"active"`
	Completions  uint64 `json:"completions"`
}

// Passport is the soulbound per-address record.
type Passport struct {
	ID                string `json:"id"`
	OwnerAddress      string `json:"owner_address"`
	TotalAttestations uint64 `json:"total_attestations"`
	CreatedAt         string `json:"created_at"`
}

// Attestation records a paid mission completion.
type Attestation struct {
	PassportID   string `json:"passport_id"`
	EventID      string `json:"event_id"`
	EventName    string `json:"event_name"`
	MissionID    uint64 `json:"mission_id"`
	MissionTitle string `json:"mission_title"`
	RewardAmount uint64 `json:"reward_amount"`
	CompletedAt  string `json:"completed_at"`
}

// PassportView is a passport with its attestation history.
type PassportView struct {
	OwnerAddress      string        `json:"owner_address"`
	TotalAttestations uint64        `json:"total_attestations"`
	Attestations      []Attestation `json:"attestations"`
}

// Grant is a direct pool payout.
type Grant struct {
	ID               string `json:"id"`
	EventID          string `json:"event_id"`
	RecipientAddress string `json:"recipient_address"`
	Amount           uint64 `json:"amount"`
	BatchID          string `json:"batch_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// LogEntry is one row of the notification stream.
type LogEntry struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	EventID      string         `json:"event_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorAddress string         `json:"actor_address"`
	Payload      map[string]any `json:"payload"`
}

// PaginatedLog wraps log listings with a cursor.
type PaginatedLog struct {
	Items      []LogEntry `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// Proof carries a verifier signature for a claim.
type Proof struct {
	Signature []byte
	Nonce     string
	IssuedAt  time.Time
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEvent creates an event and returns its minted capabilities.
func (c *Client) CreateEvent(ctx context.Context, name, verifier string, startsAt, endsAt time.Time) (CreatedEvent, error) {
	body := map[string]any{
		"name":             name,
		"starts_at":        startsAt.UTC().Format(time.RFC3339),
		"ends_at":          endsAt.UTC().Format(time.RFC3339),
		"verifier_address": verifier,
	}
	var resp CreatedEvent
	err := c.do(ctx, http.MethodPost, "v0/events", body, &resp)
	return resp, err
}

// GetEvent fetches the client's event.
func (c *Client) GetEvent(ctx context.Context) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, c.eventPath(""), nil, &resp)
	return resp, err
}

// FundEvent credits the pool.
func (c *Client) FundEvent(ctx context.Context, amount uint64) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, c.eventPath("fund"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

// AddMission appends a mission to the event.
func (c *Client) AddMission(ctx context.Context, capabilityID, title string, reward uint64) (Mission, error) {
	body := map[string]any{
		"capability_id": capabilityID,
		"title":         title,
		"reward_amount": reward,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.eventPath("missions"), body, &resp)
	return resp, err
}

// ListMissions returns the event's missions.
func (c *Client) ListMissions(ctx context.Context) ([]Mission, error) {
	var resp []Mission
	err := c.do(ctx, http.MethodGet, c.eventPath("missions"), nil, &resp)
	return resp, err
}

// RegisterPassport registers a passport for the authenticated address.
func (c *Client) RegisterPassport(ctx context.Context) (Passport, error) {
	var resp Passport
	err := c.do(ctx, http.MethodPost, "v0/passports", nil, &resp)
	return resp, err
}

// GetPassport fetches a passport with its attestations.
func (c *Client) GetPassport(ctx context.Context, passportID string) (PassportView, error) {
	var resp PassportView
	err := c.do(ctx, http.MethodGet, "v0/passports/"+url.PathEscape(passportID), nil, &resp)
	return resp, err
}

// Claim submits a completion proof for a mission.
func (c *Client) Claim(ctx context.Context, missionID uint64, p Proof) (Attestation, error) {
	body := map[string]any{
		"mission_id": missionID,
		"signature":  hex.EncodeToString(p.Signature),
		"nonce":      p.Nonce,
		"issued_at":  p.IssuedAt.UTC().Format(time.RFC3339),
	}
	var resp Attestation
	err := c.do(ctx, http.MethodPost, c.eventPath("claims"), body, &resp)
	return resp, err
}

// DistributeGrants pays recipients directly from the pool.
func (c *Client) DistributeGrants(ctx context.Context, capabilityID string, recipients []string, amounts []uint64) ([]Grant, error) {
	body := map[string]any{
		"capability_id": capabilityID,
		"recipients":    recipients,
		"amounts":       amounts,
	}
	var resp []Grant
	err := c.do(ctx, http.MethodPost, c.eventPath("grants"), body, &resp)
	return resp, err
}

// Log returns recent notification entries.
func (c *Client) Log(ctx context.Context, limit int) ([]LogEntry, error) {
	page, err := c.LogPage(ctx, limit, "")
	return page.Items, err
}

// LogPage returns a paginated log listing.
func (c *Client) LogPage(ctx context.Context, limit int, cursor string) (PaginatedLog, error) {
	endpoint := "v0/log"
	params := url.Values{}
	if c.EventID != "" {
		params.Set("event_id", c.EventID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedLog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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

func (c *Client) eventPath(p string) string {
	event := url.PathEscape(c.EventID)
	if p == "" {
		return fmt.Sprintf("v0/events/%s", event)
	}
	return fmt.Sprintf("v0/events/%s/%s", event, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
