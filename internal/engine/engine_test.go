package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"keylane/internal/config"
	"keylane/internal/db"
	"keylane/internal/domain"
	"keylane/internal/migrate"
	"keylane/internal/scorer"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	conn := newTestDB(t)
	e := New(conn, config.Default("mp-test"))
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	if _, err := e.InitMarketplace(context.Background(), "mp-test", "Test", "", "tester"); err != nil {
		t.Fatalf("init marketplace: %v", err)
	}
	return e
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func i64Ptr(n int64) *int64   { return &n }

func seedNeed(t *testing.T, e Engine, opts NeedCreateOptions) domain.BuyerNeed {
	t.Helper()
	if opts.BuyerID == "" {
		opts.BuyerID = "buyer-1"
	}
	if opts.Jurisdiction == "" {
		opts.Jurisdiction = "ca"
	}
	n, err := e.CreateNeed(context.Background(), opts)
	if err != nil {
		t.Fatalf("create need: %v", err)
	}
	return n
}

func seedListing(t *testing.T, e Engine, opts ListingCreateOptions) domain.Listing {
	t.Helper()
	if opts.SellerID == "" {
		opts.SellerID = "seller-1"
	}
	if opts.Jurisdiction == "" {
		opts.Jurisdiction = "ca"
	}
	if opts.Price == 0 {
		opts.Price = 450000
	}
	l, err := e.CreateListing(context.Background(), opts)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func TestGenerateMatchesBaseline(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	need := seedNeed(t, e, NeedCreateOptions{
		Jurisdiction: "ca",
		PriceMax:     i64Ptr(500000),
		BedsMin:      intPtr(2),
	})
	listing := seedListing(t, e, ListingCreateOptions{
		Jurisdiction: "ca",
		Price:        450000,
		Beds:         3,
		Baths:        2,
		Verified:     true,
	})

	matches, err := e.GenerateMatches(ctx, need.ID, "tester")
	if err != nil {
		t.Fatalf("generate matches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	m := matches[0]
	if m.ListingID != listing.ID {
		t.Fatalf("matched wrong listing: %s", m.ListingID)
	}
	if m.Score <= 0 || m.Score > 100 {
		t.Fatalf("score %d out of range", m.Score)
	}
	if !strings.Contains(m.Explanation, "within budget") {
		t.Fatalf("explanation %q missing budget factor", m.Explanation)
	}
	if !strings.Contains(m.Explanation, "enough bedrooms") {
		t.Fatalf("explanation %q missing bedrooms factor", m.Explanation)
	}
}

func TestGenerateMatchesIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	need := seedNeed(t, e, NeedCreateOptions{PriceMax: i64Ptr(500000)})
	seedListing(t, e, ListingCreateOptions{Price: 400000, Verified: true})

	first, err := e.GenerateMatches(ctx, need.ID, "tester")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 match on first run, got %d", len(first))
	}
	second, err := e.GenerateMatches(ctx, need.ID, "tester")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no new matches on second run, got %d", len(second))
	}
	total, err := e.Repo.CountMatchesForNeed(ctx, need.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 persisted match, got %d", total)
	}
}

func TestGenerateMatchesSkipsUnverifiedAndZeroScore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	need := seedNeed(t, e, NeedCreateOptions{
		PriceMax: i64Ptr(500000),
		Locality: strPtr("Oakland"),
	})
	// Unverified but otherwise a perfect fit.
	seedListing(t, e, ListingCreateOptions{Price: 400000, Locality: "Oakland", Verified: false})

	matches, err := e.GenerateMatches(ctx, need.ID, "tester")
	if err != nil {
		t.Fatalf("generate matches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches for unverified listing, got %d", len(matches))
	}

	// A need with only price criteria never matches an over-budget listing:
	// no factor fires, score is zero, nothing persists.
	need2 := seedNeed(t, e, NeedCreateOptions{BuyerID: "buyer-2", PriceMax: i64Ptr(100)})
	seedListing(t, e, ListingCreateOptions{SellerID: "seller-2", PostalCode: "94601", Price: 400000, Verified: true})
	matches, err = e.GenerateMatches(ctx, need2.ID, "tester")
	if err != nil {
		t.Fatalf("generate matches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected zero-score candidate to be excluded, got %d matches", len(matches))
	}
}

func TestGenerateMatchesScorerFallback(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Scorer points at a closed port; the baseline result must survive.
	e.Scorer = scorer.NewHTTP("http://127.0.0.1:1/score", 200*time.Millisecond)

	need := seedNeed(t, e, NeedCreateOptions{PriceMax: i64Ptr(500000), BedsMin: intPtr(2)})
	seedListing(t, e, ListingCreateOptions{Price: 450000, Beds: 3, Verified: true})

	matches, err := e.GenerateMatches(ctx, need.ID, "tester")
	if err != nil {
		t.Fatalf("generate matches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if !strings.HasPrefix(matches[0].Explanation, "Matched: ") {
		t.Fatalf("expected fallback explanation, got %q", matches[0].Explanation)
	}
}

func TestGenerateMatchesScorerRefines(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"score":       87,
			"explanation": "Strong fit on budget and layout.",
		})
	}))
	defer srv.Close()
	e.Scorer = scorer.NewHTTP(srv.URL, 2*time.Second)

	need := seedNeed(t, e, NeedCreateOptions{PriceMax: i64Ptr(500000)})
	seedListing(t, e, ListingCreateOptions{Price: 450000, Verified: true})

	matches, err := e.GenerateMatches(ctx, need.ID, "tester")
	if err != nil {
		t.Fatalf("generate matches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Score != 87 {
		t.Fatalf("expected refined score 87, got %d", matches[0].Score)
	}
	if matches[0].Explanation != "Strong fit on budget and layout." {
		t.Fatalf("expected refined explanation, got %q", matches[0].Explanation)
	}
}

func TestGenerateMatchesScopedToJurisdiction(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	need := seedNeed(t, e, NeedCreateOptions{Jurisdiction: "ca", PriceMax: i64Ptr(500000)})
	seedListing(t, e, ListingCreateOptions{Jurisdiction: "ny", Price: 400000, Verified: true})

	matches, err := e.GenerateMatches(ctx, need.ID, "tester")
	if err != nil {
		t.Fatalf("generate matches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no cross-jurisdiction matches, got %d", len(matches))
	}
}

func TestUnlockRepeatReturnsPromptly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	need := seedNeed(t, e, NeedCreateOptions{PriceMax: i64Ptr(500000)})
	listing := seedListing(t, e, ListingCreateOptions{Price: 400000, Verified: true})

	first, err := e.Unlock(ctx, "agent-1", need.ID, listing.ID)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}

	// The repeat grant reads the existing row while the insert saw a
	// conflict; it must not block on its own write transaction.
	type result struct {
		unlock domain.MatchUnlock
		err    error
	}
	done := make(chan result, 1)
	go func() {
		u, err := e.Unlock(ctx, "agent-1", need.ID, listing.ID)
		done <- result{u, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("repeat unlock: %v", res.err)
		}
		if res.unlock.ID != first.ID {
			t.Fatalf("repeat unlock minted a new grant: %s vs %s", res.unlock.ID, first.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("repeat unlock did not return")
	}
}

func TestUnlockIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	need := seedNeed(t, e, NeedCreateOptions{PriceMax: i64Ptr(500000)})
	listing := seedListing(t, e, ListingCreateOptions{Price: 400000, Verified: true})

	ok, err := e.IsUnlocked(ctx, "agent-1", need.ID, listing.ID)
	if err != nil {
		t.Fatalf("is unlocked: %v", err)
	}
	if ok {
		t.Fatal("pair unexpectedly unlocked before grant")
	}

	first, err := e.Unlock(ctx, "agent-1", need.ID, listing.ID)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if first.FeeCents != e.UnlockFee() {
		t.Fatalf("fee %d, want %d", first.FeeCents, e.UnlockFee())
	}
	second, err := e.Unlock(ctx, "agent-1", need.ID, listing.ID)
	if err != nil {
		t.Fatalf("repeat unlock: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("repeat unlock minted a new grant: %s vs %s", second.ID, first.ID)
	}

	ok, err = e.IsUnlocked(ctx, "agent-1", need.ID, listing.ID)
	if err != nil {
		t.Fatalf("is unlocked: %v", err)
	}
	if !ok {
		t.Fatal("pair should be unlocked after grant")
	}
	// A different actor holds no grant for the same pair.
	ok, err = e.IsUnlocked(ctx, "agent-2", need.ID, listing.ID)
	if err != nil {
		t.Fatalf("is unlocked: %v", err)
	}
	if ok {
		t.Fatal("grant leaked to another actor")
	}
}

func TestExpandStageCreatesAndDedupes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	listing := seedListing(t, e, ListingCreateOptions{Jurisdiction: "ca", Verified: true})
	deal, err := e.CreateDeal(ctx, DealCreateOptions{ListingID: listing.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	tasks, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "deal", ContextID: deal.ID, Stage: "touring", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != "pending" {
			t.Fatalf("task %q status %s, want pending", task.Title, task.Status)
		}
		if !task.AIGenerated {
			t.Fatalf("task %q not flagged ai_generated", task.Title)
		}
	}

	again, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "deal", ContextID: deal.ID, Stage: "touring", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("repeat expand: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("repeat expansion created %d tasks, want 0", len(again))
	}
}

func TestExpandStageResolvesDependencies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	listing := seedListing(t, e, ListingCreateOptions{Jurisdiction: "ca", Verified: true})
	deal, err := e.CreateDeal(ctx, DealCreateOptions{ListingID: listing.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	tasks, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "deal", ContextID: deal.ID, Stage: "touring", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	byTitle := map[string]domain.Task{}
	for _, task := range tasks {
		byTitle[task.Title] = task
	}
	tour, ok := byTitle["Schedule Property Tour"]
	if !ok {
		t.Fatal("missing Schedule Property Tour")
	}
	feedback, ok := byTitle["Collect Tour Feedback"]
	if !ok {
		t.Fatal("missing Collect Tour Feedback")
	}
	if len(feedback.DependsOn) != 1 || feedback.DependsOn[0] != tour.ID {
		t.Fatalf("feedback deps %v, want [%s]", feedback.DependsOn, tour.ID)
	}
	if feedback.DueAt == nil {
		t.Fatal("feedback missing due date")
	}
	wantDue := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if *feedback.DueAt != wantDue {
		t.Fatalf("feedback due %s, want %s", *feedback.DueAt, wantDue)
	}
}

func TestExpandStageComplianceGate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// ny has no transaction_coordinator rules, so Open Escrow is gated out
	// and the dependent task expands with no dependencies.
	listing := seedListing(t, e, ListingCreateOptions{Jurisdiction: "ny", Verified: true})
	deal, err := e.CreateDeal(ctx, DealCreateOptions{ListingID: listing.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	tasks, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "deal", ContextID: deal.ID, Stage: "under_contract", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Title != "Deposit Earnest Money" {
		t.Fatalf("unexpected task %q", tasks[0].Title)
	}
	if len(tasks[0].DependsOn) != 0 {
		t.Fatalf("gated dependency should be dropped, got %v", tasks[0].DependsOn)
	}
}

func TestExpandStageRoleFilter(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	listing := seedListing(t, e, ListingCreateOptions{Jurisdiction: "ca", Verified: true})
	deal, err := e.CreateDeal(ctx, DealCreateOptions{ListingID: listing.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	tasks, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "deal", ContextID: deal.ID, Stage: "offer_submitted",
		Role: "listing_agent", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Role != "listing_agent" {
		t.Fatalf("role filter failed: %+v", tasks)
	}
}

func TestExpandStageUnknownContext(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "offer", ContextID: "x", Stage: "touring",
	}); err == nil {
		t.Fatal("expected error for unknown context type")
	}
	if _, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "deal", ContextID: "missing", Stage: "touring",
	}); err == nil {
		t.Fatal("expected error for missing deal")
	}
}

func TestSetDealStageExpandsTasks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	listing := seedListing(t, e, ListingCreateOptions{Jurisdiction: "ca", Verified: true})
	deal, err := e.CreateDeal(ctx, DealCreateOptions{ListingID: listing.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if deal.Stage != "search" {
		t.Fatalf("new deal stage %s, want search", deal.Stage)
	}

	updated, tasks, err := e.SetDealStage(ctx, deal.ID, "touring", "tester")
	if err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if updated.Stage != "touring" {
		t.Fatalf("stage %s, want touring", updated.Stage)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 expanded tasks, got %d", len(tasks))
	}

	if _, _, err := e.SetDealStage(ctx, deal.ID, "open_house", "tester"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	listing := seedListing(t, e, ListingCreateOptions{Jurisdiction: "ca", Verified: true})
	deal, err := e.CreateDeal(ctx, DealCreateOptions{ListingID: listing.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	tasks, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "deal", ContextID: deal.ID, Stage: "touring", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	byTitle := map[string]domain.Task{}
	for _, task := range tasks {
		byTitle[task.Title] = task
	}
	tour := byTitle["Schedule Property Tour"]
	feedback := byTitle["Collect Tour Feedback"]

	// Completing out of order: feedback depends on the tour.
	if _, err := e.UpdateTaskStatus(ctx, feedback.ID, "in_progress", "tester"); err != nil {
		t.Fatalf("start feedback: %v", err)
	}
	if _, err := e.UpdateTaskStatus(ctx, feedback.ID, "completed", "tester"); err == nil {
		t.Fatal("expected completion to be blocked by incomplete dependency")
	}

	if _, err := e.UpdateTaskStatus(ctx, tour.ID, "completed", "tester"); err == nil {
		t.Fatal("expected pending -> completed to be rejected")
	}
	if _, err := e.UpdateTaskStatus(ctx, tour.ID, "in_progress", "tester"); err != nil {
		t.Fatalf("start tour: %v", err)
	}
	done, err := e.UpdateTaskStatus(ctx, tour.ID, "completed", "tester")
	if err != nil {
		t.Fatalf("complete tour: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed task missing completed_at")
	}

	fin, err := e.UpdateTaskStatus(ctx, feedback.ID, "completed", "tester")
	if err != nil {
		t.Fatalf("complete feedback: %v", err)
	}
	if fin.Status != "completed" {
		t.Fatalf("feedback status %s, want completed", fin.Status)
	}
}

func TestCanPerformThroughEngine(t *testing.T) {
	e := newTestEngine(t)

	if !e.CanPerform("tour.schedule", "buyer_agent", "CA") {
		t.Fatal("expected buyer_agent tour.schedule in CA to be allowed")
	}
	if e.CanPerform("disclosure.review", "buyer_agent", "ca") {
		t.Fatal("explicit false rule must deny")
	}
	if e.CanPerform("tour.schedule", "buyer_agent", "tx") {
		t.Fatal("unknown jurisdiction must deny")
	}
	actions := e.PermittedActions("attorney", "ny")
	if len(actions) != 3 {
		t.Fatalf("expected 3 attorney actions in ny, got %v", actions)
	}
}
