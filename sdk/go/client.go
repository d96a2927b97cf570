// Package chorussdk is a small client for the Chorus HTTP API.
package chorussdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal Chorus HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

type Protocol struct {
	Authority     string         `json:"authority"`
	TotalPrayers  uint64         `json:"total_prayers"`
	TotalAnswered uint64         `json:"total_answered"`
	TotalAgents   uint64         `json:"total_agents"`
	EscrowHeld    uint64         `json:"escrow_held"`
	PrayerCounts  map[string]int `json:"prayer_counts,omitempty"`
}

type Agent struct {
	Owner            string `json:"owner"`
	Name             string `json:"name"`
	Skills           string `json:"skills"`
	EncryptionKey    string `json:"encryption_key,omitempty"`
	PrayersPosted    uint64 `json:"prayers_posted"`
	PrayersAnswered  uint64 `json:"prayers_answered"`
	PrayersConfirmed uint64 `json:"prayers_confirmed"`
	Reputation       uint64 `json:"reputation"`
}

type Prayer struct {
	ID              uint64     `json:"id"`
	Requester       string     `json:"requester"`
	Category        string     `json:"category"`
	ContentHash     string     `json:"content_hash"`
	Reward          uint64     `json:"reward"`
	EscrowBalance   uint64     `json:"escrow_balance"`
	Status          string     `json:"status"`
	EffectiveStatus string     `json:"effective_status"`
	MaxClaimers     uint8      `json:"max_claimers"`
	NumClaimers     uint8      `json:"num_claimers"`
	Answerer        string     `json:"answerer,omitempty"`
	AnswerHash      string     `json:"answer_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	FulfilledAt     *time.Time `json:"fulfilled_at,omitempty"`
}

type Claim struct {
	PrayerID         uint64    `json:"prayer_id"`
	Claimer          string    `json:"claimer"`
	ContentDelivered bool      `json:"content_delivered"`
	ClaimedAt        time.Time `json:"claimed_at"`
	Stale            bool      `json:"stale"`
}

type Payment struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// Confirmation is the payout made when a requester confirms an answer.
type Confirmation struct {
	Prayer     Prayer    `json:"prayer"`
	PerClaimer uint64    `json:"per_claimer"`
	TotalPaid  uint64    `json:"total_paid"`
	Residual   uint64    `json:"residual"`
	Payments   []Payment `json:"payments"`
}

type CloseResult struct {
	ID            uint64 `json:"id"`
	Refunded      uint64 `json:"refunded"`
	ClaimsRemoved int64  `json:"claims_removed"`
}

type Balance struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the API error code of err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

type PaginatedPrayers struct {
	Items      []Prayer `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PostPrayerInput struct {
	Category    string `json:"category"`
	ContentHash string `json:"content_hash"`
	Reward      uint64 `json:"reward,omitempty"`
	TTLSeconds  int64  `json:"ttl_seconds"`
	MaxClaimers int    `json:"max_claimers"`
}

type ListPrayersOptions struct {
	Status    string
	Requester string
	Claimer   string
	Category  string
	Limit     int
	Cursor    string
}

func (c *Client) Protocol(ctx context.Context) (Protocol, error) {
	var resp Protocol
	err := c.do(ctx, http.MethodGet, "protocol", nil, &resp)
	return resp, err
}

// Initialize makes the caller the protocol authority.
func (c *Client) Initialize(ctx context.Context) (Protocol, error) {
	var resp Protocol
	err := c.do(ctx, http.MethodPost, "protocol/initialize", nil, &resp)
	return resp, err
}

// RegisterAgent registers the caller. encryptionKey is the hex X25519 key
// others encrypt content to; it may be empty.
func (c *Client) RegisterAgent(ctx context.Context, name, skills, encryptionKey string) (Agent, error) {
	body := map[string]any{"name": name}
	if skills != "" {
		body["skills"] = skills
	}
	if encryptionKey != "" {
		body["encryption_key"] = encryptionKey
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", body, &resp)
	return resp, err
}

func (c *Client) Agent(ctx context.Context, address string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(address), nil, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context, address string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "balances/"+url.PathEscape(address), nil, &resp)
	return resp, err
}

// Deposit credits a wallet; the caller must be the authority.
func (c *Client) Deposit(ctx context.Context, address string, amount uint64) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodPost, "balances/"+url.PathEscape(address)+"/deposit", map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) PostPrayer(ctx context.Context, in PostPrayerInput) (Prayer, error) {
	var resp Prayer
	err := c.do(ctx, http.MethodPost, "prayers", in, &resp)
	return resp, err
}

func (c *Client) Prayer(ctx context.Context, id uint64) (Prayer, error) {
	var resp Prayer
	err := c.do(ctx, http.MethodGet, prayerPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) ListPrayers(ctx context.Context, opts ListPrayersOptions) (PaginatedPrayers, error) {
	q := url.Values{}
	setQuery(q, "status", opts.Status)
	setQuery(q, "requester", opts.Requester)
	setQuery(q, "claimer", opts.Claimer)
	setQuery(q, "category", opts.Category)
	setQuery(q, "cursor", opts.Cursor)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "prayers"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedPrayers
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim takes a slot on an open prayer for the caller.
func (c *Client) Claim(ctx context.Context, id uint64) (Prayer, Claim, error) {
	var resp struct {
		Prayer Prayer `json:"prayer"`
		Claim  Claim  `json:"claim"`
	}
	err := c.do(ctx, http.MethodPost, prayerPath(id, "claims"), nil, &resp)
	return resp.Prayer, resp.Claim, err
}

func (c *Client) Claims(ctx context.Context, id uint64) ([]Claim, error) {
	var resp []Claim
	err := c.do(ctx, http.MethodGet, prayerPath(id, "claims"), nil, &resp)
	return resp, err
}

// Unclaim withdraws the caller's claim, or evicts a stale one held by claimer.
func (c *Client) Unclaim(ctx context.Context, id uint64, claimer string) (Prayer, error) {
	var resp Prayer
	err := c.do(ctx, http.MethodDelete, prayerPath(id, "claims/"+url.PathEscape(claimer)), nil, &resp)
	return resp, err
}

// DeliverContent sends content already encrypted to the claimer's key.
func (c *Client) DeliverContent(ctx context.Context, id uint64, claimer string, payload []byte) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, prayerPath(id, "claims/"+url.PathEscape(claimer)+"/content"), map[string]any{"payload": payload}, &resp)
	return resp, err
}

func (c *Client) Answer(ctx context.Context, id uint64, answerHash string, payload []byte) (Prayer, error) {
	body := map[string]any{"answer_hash": answerHash}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	var resp Prayer
	err := c.do(ctx, http.MethodPost, prayerPath(id, "answer"), body, &resp)
	return resp, err
}

// Confirm pays every live claimer. Payees, when given, must name exactly that set.
func (c *Client) Confirm(ctx context.Context, id uint64, payees ...string) (Confirmation, error) {
	var body any
	if len(payees) > 0 {
		body = map[string]any{"payees": payees}
	}
	var resp Confirmation
	err := c.do(ctx, http.MethodPost, prayerPath(id, "confirm"), body, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id uint64) (Prayer, error) {
	var resp Prayer
	err := c.do(ctx, http.MethodPost, prayerPath(id, "cancel"), nil, &resp)
	return resp, err
}

func (c *Client) Close(ctx context.Context, id uint64) (CloseResult, error) {
	var resp CloseResult
	err := c.do(ctx, http.MethodDelete, prayerPath(id, ""), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	setQuery(q, "cursor", cursor)
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stream calls fn for each event pushed after the given event id until ctx
// is done or fn returns an error. types narrows the event types; empty
// means all.
func (c *Client) Stream(ctx context.Context, after int64, types []string, fn func(Event) error) error {
	u, err := url.Parse(c.url("events/stream"))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("after", strconv.FormatInt(after, 10))
	if len(types) > 0 {
		q.Set("types", strings.Join(types, ","))
	}
	u.RawQuery = q.Encode()
	header := http.Header{}
	if c.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		var msg struct {
			Type  string `json:"type"`
			Event *Event `json:"event"`
			Error string `json:"error"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg.Type == "error" {
			return fmt.Errorf("stream: %s", msg.Error)
		}
		if msg.Event == nil {
			continue
		}
		if err := fn(*msg.Event); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

func prayerPath(id uint64, sub string) string {
	p := "prayers/" + strconv.FormatUint(id, 10)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
