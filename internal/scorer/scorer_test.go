package scorer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keylane/internal/domain"
)

func TestHTTPScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 87, "explanation": "strong fit"}`))
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, time.Second)
	res, err := s.Score(context.Background(), domain.BuyerNeed{}, domain.Listing{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.Score != 87 || res.Explanation != "strong fit" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPScorerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, 20*time.Millisecond)
	if _, err := s.Score(context.Background(), domain.BuyerNeed{}, domain.Listing{}); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestHTTPScorerRejectsBadPayload(t *testing.T) {
	cases := map[string]string{
		"out of range": `{"score": 150}`,
		"malformed":    `not json`,
	}
	for name, body := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		s := NewHTTP(srv.URL, time.Second)
		if _, err := s.Score(context.Background(), domain.BuyerNeed{}, domain.Listing{}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		srv.Close()
	}
}

func TestHTTPScorerUnconfigured(t *testing.T) {
	var s *HTTPScorer
	if _, err := s.Score(context.Background(), domain.BuyerNeed{}, domain.Listing{}); err == nil {
		t.Fatalf("expected error for nil scorer")
	}
}
