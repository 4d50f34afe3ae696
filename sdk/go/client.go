package keylanesdk

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

// Client is a minimal Keylane HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Need represents a buyer need (partial).
type Need struct {
	ID           string            `json:"id"`
	BuyerID      string            `json:"buyer_id"`
	Jurisdiction string            `json:"jurisdiction"`
	PriceMin     *int64            `json:"price_min,omitempty"`
	PriceMax     *int64            `json:"price_max,omitempty"`
	BedsMin      *int              `json:"beds_min,omitempty"`
	BathsMin     *int              `json:"baths_min,omitempty"`
	Features     map[string]string `json:"features,omitempty"`
	Active       bool              `json:"active"`
}

// Listing represents a property listing (partial).
type Listing struct {
	ID           string `json:"id"`
	SellerID     string `json:"seller_id"`
	Jurisdiction string `json:"jurisdiction"`
	Locality     string `json:"locality,omitempty"`
	Price        int64  `json:"price"`
	Beds         int    `json:"beds"`
	Baths        int    `json:"baths"`
	Verified     bool   `json:"verified"`
}

// Match is a scored need/listing pair.
type Match struct {
	ID          string `json:"id"`
	NeedID      string `json:"need_id"`
	ListingID   string `json:"listing_id"`
	Score       int    `json:"score"`
	Explanation string `json:"explanation,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Unlock is a grant to view full match detail.
type Unlock struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	NeedID    string `json:"need_id"`
	ListingID string `json:"listing_id"`
	FeeCents  int64  `json:"fee_cents"`
	CreatedAt string `json:"created_at"`
}

// Deal represents the transaction aggregate.
type Deal struct {
	ID           string   `json:"id"`
	ListingID    string   `json:"listing_id"`
	NeedID       *string  `json:"need_id,omitempty"`
	Jurisdiction string   `json:"jurisdiction"`
	Stage        string   `json:"stage"`
	Participants []string `json:"participants,omitempty"`
}

// Task is a workflow task expanded from a stage template.
type Task struct {
	ID          string   `json:"id"`
	ContextType string   `json:"context_type"`
	ContextID   string   `json:"context_id"`
	Role        string   `json:"role,omitempty"`
	Title       string   `json:"title"`
	DueAt       *string  `json:"due_at,omitempty"`
	Status      string   `json:"status"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	Type          string `json:"type"`
	MarketplaceID string `json:"marketplace_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

// ComplianceVerdict is the answer to a rule check.
type ComplianceVerdict struct {
	Action       string `json:"action"`
	Role         string `json:"role"`
	Jurisdiction string `json:"jurisdiction"`
	Allowed      bool   `json:"allowed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateNeed registers a buyer need.
func (c *Client) CreateNeed(ctx context.Context, need Need) (Need, error) {
	var resp Need
	err := c.do(ctx, http.MethodPost, "needs", need, &resp)
	return resp, err
}

// CreateListing registers a listing.
func (c *Client) CreateListing(ctx context.Context, listing Listing) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodPost, "listings", listing, &resp)
	return resp, err
}

// VerifyListing marks a listing verified so it can be matched.
func (c *Client) VerifyListing(ctx context.Context, listingID string, verified bool) (Listing, error) {
	var resp Listing
	endpoint := fmt.Sprintf("listings/%s/verify", url.PathEscape(listingID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"verified": verified}, &resp)
	return resp, err
}

// GenerateMatches runs the matcher for a need and returns newly created matches.
func (c *Client) GenerateMatches(ctx context.Context, needID string) ([]Match, error) {
	var resp []Match
	endpoint := fmt.Sprintf("needs/%s/matches/generate", url.PathEscape(needID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Matches returns persisted matches for a need, best first.
func (c *Client) Matches(ctx context.Context, needID string) ([]Match, error) {
	var resp []Match
	endpoint := fmt.Sprintf("needs/%s/matches", url.PathEscape(needID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ComplyCheck asks whether a role may perform an action in a jurisdiction.
func (c *Client) ComplyCheck(ctx context.Context, action, role, jurisdiction string) (ComplianceVerdict, error) {
	var resp ComplianceVerdict
	endpoint := fmt.Sprintf("comply/check?action=%s&role=%s&jurisdiction=%s",
		url.QueryEscape(action), url.QueryEscape(role), url.QueryEscape(jurisdiction))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Unlock grants the calling actor full match detail for a need/listing pair.
func (c *Client) Unlock(ctx context.Context, needID, listingID string) (Unlock, error) {
	var resp Unlock
	body := map[string]string{"need_id": needID, "listing_id": listingID}
	err := c.do(ctx, http.MethodPost, "unlocks", body, &resp)
	return resp, err
}

// CreateDeal opens a deal on a listing.
func (c *Client) CreateDeal(ctx context.Context, deal Deal) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals", deal, &resp)
	return resp, err
}

// SetDealStage advances a deal and returns the tasks expanded for the stage.
func (c *Client) SetDealStage(ctx context.Context, dealID, stage string) (Deal, []Task, error) {
	var resp struct {
		Deal  Deal   `json:"deal"`
		Tasks []Task `json:"tasks"`
	}
	endpoint := fmt.Sprintf("deals/%s/stage", url.PathEscape(dealID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]string{"stage": stage}, &resp)
	return resp.Deal, resp.Tasks, err
}

// UpdateTaskStatus moves a task through its lifecycle.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/status", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]string{"status": status}, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
