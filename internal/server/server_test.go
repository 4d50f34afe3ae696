package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"keylane/internal/config"
	"keylane/internal/db"
	"keylane/internal/engine"
	"keylane/internal/migrate"
)

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("mp-test"))
	if _, err := e.InitMarketplace(context.Background(), "mp-test", "Test", "", "tester"); err != nil {
		t.Fatalf("init marketplace: %v", err)
	}
	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return res, data
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	res, err := http.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	res, err := http.Get(srv.URL + "/v0/needs")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":          "agent-7",
		"role":         "buyer_agent",
		"jurisdiction": "ca",
		"exp":          time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/needs", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with jwt, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/needs", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestMatchFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/needs", map[string]any{
		"buyer_id":     "buyer-1",
		"jurisdiction": "ca",
		"price_max":    500000,
		"beds_min":     2,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create need: %d %s", res.StatusCode, data)
	}
	var need NeedResponse
	if err := json.Unmarshal(data, &need); err != nil {
		t.Fatalf("decode need: %v", err)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/listings", map[string]any{
		"seller_id":    "seller-1",
		"jurisdiction": "ca",
		"price":        450000,
		"beds":         3,
		"baths":        2,
		"verified":     true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create listing: %d %s", res.StatusCode, data)
	}
	var listing ListingResponse
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/needs/"+need.ID+"/matches/generate", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate: %d %s", res.StatusCode, data)
	}
	var matches []MatchResponse
	if err := json.Unmarshal(data, &matches); err != nil {
		t.Fatalf("decode matches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Score <= 0 || matches[0].Score > 100 {
		t.Fatalf("score %d out of range", matches[0].Score)
	}

	// Second generation is a no-op; the list endpoint still returns the match.
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/needs/"+need.ID+"/matches/generate", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("regenerate: %d %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &matches); err != nil {
		t.Fatalf("decode matches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no new matches, got %d", len(matches))
	}
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/needs/"+need.ID+"/matches", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list matches: %d %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &matches); err != nil {
		t.Fatalf("decode matches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 persisted match, got %d", len(matches))
	}
}

func TestComplyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	res, data := doJSON(t, http.MethodGet,
		srv.URL+"/v0/comply/check?action=tour.schedule&role=buyer_agent&jurisdiction=CA", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, data)
	}
	var check map[string]any
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if check["allowed"] != true {
		t.Fatalf("expected allowed=true, got %v", check["allowed"])
	}
	if check["jurisdiction"] != "ca" {
		t.Fatalf("expected lower-cased jurisdiction, got %v", check["jurisdiction"])
	}

	res, data = doJSON(t, http.MethodGet,
		srv.URL+"/v0/comply/actions?role=attorney&jurisdiction=ny", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("actions: %d %s", res.StatusCode, data)
	}
	var actions map[string]any
	if err := json.Unmarshal(data, &actions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	list, _ := actions["actions"].([]any)
	if len(list) != 3 {
		t.Fatalf("expected 3 attorney actions, got %v", actions["actions"])
	}

	res, data = doJSON(t, http.MethodGet,
		srv.URL+"/v0/comply/check?action=tour.schedule&role=buyer_agent&jurisdiction=tx", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check unknown: %d %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if check["allowed"] != false {
		t.Fatal("unknown jurisdiction must deny")
	}
}

func TestUnlockFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/needs", map[string]any{
		"buyer_id": "buyer-1", "jurisdiction": "ca", "price_max": 500000,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create need: %d %s", res.StatusCode, data)
	}
	var need NeedResponse
	json.Unmarshal(data, &need)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/listings", map[string]any{
		"seller_id": "seller-1", "jurisdiction": "ca", "price": 400000, "verified": true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create listing: %d %s", res.StatusCode, data)
	}
	var listing ListingResponse
	json.Unmarshal(data, &listing)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/unlocks/fee", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fee: %d %s", res.StatusCode, data)
	}
	var fee map[string]int64
	json.Unmarshal(data, &fee)
	if fee["fee_cents"] != 4900 {
		t.Fatalf("fee %d, want 4900", fee["fee_cents"])
	}

	unlockBody := map[string]any{"need_id": need.ID, "listing_id": listing.ID}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/unlocks", unlockBody, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("unlock: %d %s", res.StatusCode, data)
	}
	var first UnlockResponse
	json.Unmarshal(data, &first)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/unlocks", unlockBody, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("repeat unlock: %d %s", res.StatusCode, data)
	}
	var second UnlockResponse
	json.Unmarshal(data, &second)
	if second.ID != first.ID {
		t.Fatalf("repeat unlock minted a new grant: %s vs %s", second.ID, first.ID)
	}

	statusURL := fmt.Sprintf("%s/v0/unlocks/status?need_id=%s&listing_id=%s", srv.URL, need.ID, listing.ID)
	res, data = doJSON(t, http.MethodGet, statusURL, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, data)
	}
	var status map[string]any
	json.Unmarshal(data, &status)
	if status["unlocked"] != true {
		t.Fatalf("expected unlocked=true, got %v", status["unlocked"])
	}
}

func TestDealStageFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/listings", map[string]any{
		"seller_id": "seller-1", "jurisdiction": "ca", "price": 400000, "verified": true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create listing: %d %s", res.StatusCode, data)
	}
	var listing ListingResponse
	json.Unmarshal(data, &listing)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"listing_id": listing.ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal: %d %s", res.StatusCode, data)
	}
	var deal DealResponse
	json.Unmarshal(data, &deal)
	if deal.Stage != "search" {
		t.Fatalf("new deal stage %s, want search", deal.Stage)
	}

	res, data = doJSON(t, http.MethodPatch, srv.URL+"/v0/deals/"+deal.ID+"/stage", map[string]any{
		"stage": "touring",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set stage: %d %s", res.StatusCode, data)
	}
	var out struct {
		Deal  DealResponse   `json:"deal"`
		Tasks []TaskResponse `json:"tasks"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Deal.Stage != "touring" {
		t.Fatalf("stage %s, want touring", out.Deal.Stage)
	}
	if len(out.Tasks) != 2 {
		t.Fatalf("expected 2 expanded tasks, got %d", len(out.Tasks))
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/tasks?context_type=deal&context_id="+deal.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, data)
	}
	var tasks []TaskResponse
	json.Unmarshal(data, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks via list, got %d", len(tasks))
	}

	res, data = doJSON(t, http.MethodPatch, srv.URL+"/v0/tasks/"+tasks[0].ID+"/status", map[string]any{
		"status": "completed",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for illegal transition, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodPatch, srv.URL+"/v0/tasks/"+tasks[0].ID+"/status", map[string]any{
		"status": "in_progress",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start task: %d %s", res.StatusCode, data)
	}
}

func TestExpandEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/tasks/expand", map[string]any{
		"context_type": "offer", "context_id": "x", "stage": "touring",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad context type, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/tasks/expand", map[string]any{
		"context_type": "deal", "context_id": "missing", "stage": "touring",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing deal, got %d %s", res.StatusCode, data)
	}
}
