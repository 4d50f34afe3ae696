package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"keylane/internal/domain"
)

const defaultTimeout = 3 * time.Second

// Result is a refined score with an optional human-readable explanation.
type Result struct {
	Score       int    `json:"score"`
	Explanation string `json:"explanation,omitempty"`
}

// Scorer refines a baseline match score. Implementations may be unreachable;
// callers must treat any error as "unavailable" and fall back locally.
type Scorer interface {
	Score(ctx context.Context, need domain.BuyerNeed, listing domain.Listing) (Result, error)
}

// HTTPScorer calls an external scoring service with a bounded timeout.
type HTTPScorer struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTP(url string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPScorer{URL: url, Timeout: timeout, Client: &http.Client{Timeout: timeout}}
}

type scoreRequest struct {
	Need    domain.BuyerNeed `json:"need"`
	Listing domain.Listing   `json:"listing"`
}

func (s *HTTPScorer) Score(ctx context.Context, need domain.BuyerNeed, listing domain.Listing) (Result, error) {
	if s == nil || s.URL == "" {
		return Result{}, fmt.Errorf("scorer not configured")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(scoreRequest{Need: need, Listing: listing})
	if err != nil {
		return Result{}, fmt.Errorf("marshal score request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("score call: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("score call: unexpected status %d", res.StatusCode)
	}
	var out Result
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode score response: %w", err)
	}
	if out.Score < 0 || out.Score > 100 {
		return Result{}, fmt.Errorf("score %d out of range", out.Score)
	}
	return out, nil
}
