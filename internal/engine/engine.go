package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"keylane/internal/config"
	"keylane/internal/domain"
	"keylane/internal/engine/compliance"
	"keylane/internal/events"
	"keylane/internal/repo"
	"keylane/internal/scorer"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Compliance compliance.Evaluator
	Scorer     scorer.Scorer
	Now        func() time.Time
	Logger     *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	if cfg != nil {
		e.Compliance = compliance.New(compliance.RuleSet(cfg.Compliance))
		if cfg.Scorer.URL != "" {
			e.Scorer = scorer.NewHTTP(cfg.Scorer.URL, time.Duration(cfg.Scorer.TimeoutSeconds)*time.Second)
		}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// InitMarketplace creates the marketplace row and seeds its config.
func (e Engine) InitMarketplace(ctx context.Context, marketplaceID, name, description, actorID string) (domain.Marketplace, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Marketplace{}, err
	}
	defer tx.Rollback()

	m := domain.Marketplace{
		ID:          marketplaceID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertMarketplace(ctx, tx, m); err != nil {
		return domain.Marketplace{}, fmt.Errorf("insert marketplace: %w", err)
	}
	if err := e.Repo.UpsertMarketplaceConfigTx(ctx, tx, m.ID, config.Default(m.ID)); err != nil {
		return domain.Marketplace{}, fmt.Errorf("insert marketplace config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "marketplace.init", m.ID, "marketplace", m.ID, actorID, events.EventPayload{"status": m.Status}); err != nil {
		return domain.Marketplace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Marketplace{}, err
	}
	return m, nil
}

// CanPerform reports whether role may perform action in jurisdiction.
// Fail-closed: unknown pairs deny and the check never returns an error.
func (e Engine) CanPerform(action, role, jurisdiction string) bool {
	return e.Compliance.CanPerform(action, role, jurisdiction)
}

// PermittedActions returns all actions allowed for the (role, jurisdiction) pair.
func (e Engine) PermittedActions(role, jurisdiction string) []string {
	return e.Compliance.PermittedActions(role, jurisdiction)
}

// NeedCreateOptions are parameters for registering a buyer need.
type NeedCreateOptions struct {
	ID           string
	BuyerID      string
	Jurisdiction string
	Locality     *string
	PostalCode   *string
	PriceMin     *int64
	PriceMax     *int64
	PropertyType *string
	BedsMin      *int
	BathsMin     *int
	Features     map[string]string
	ActorID      string
}

func (e Engine) CreateNeed(ctx context.Context, opts NeedCreateOptions) (domain.BuyerNeed, error) {
	if opts.BuyerID == "" {
		return domain.BuyerNeed{}, errors.New("buyer_id is required")
	}
	if opts.Jurisdiction == "" {
		return domain.BuyerNeed{}, errors.New("jurisdiction is required")
	}
	if opts.PriceMin != nil && opts.PriceMax != nil && *opts.PriceMin > *opts.PriceMax {
		return domain.BuyerNeed{}, errors.New("price_min exceeds price_max")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	n := domain.BuyerNeed{
		ID:           id,
		BuyerID:      opts.BuyerID,
		Jurisdiction: opts.Jurisdiction,
		Locality:     opts.Locality,
		PostalCode:   opts.PostalCode,
		PriceMin:     opts.PriceMin,
		PriceMax:     opts.PriceMax,
		PropertyType: opts.PropertyType,
		BedsMin:      opts.BedsMin,
		BathsMin:     opts.BathsMin,
		Features:     opts.Features,
		Active:       true,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return n, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertNeed(ctx, tx, n); err != nil {
		return n, fmt.Errorf("insert need: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "need.created", e.marketplaceID(), "need", n.ID, opts.ActorID, events.EventPayload{"jurisdiction": n.Jurisdiction}); err != nil {
		return n, err
	}
	return n, tx.Commit()
}

// ListingCreateOptions are parameters for registering a listing.
type ListingCreateOptions struct {
	ID           string
	SellerID     string
	Jurisdiction string
	Locality     string
	PostalCode   string
	Price        int64
	PropertyType string
	Beds         int
	Baths        int
	Features     map[string]string
	Verified     bool
	ActorID      string
}

func (e Engine) CreateListing(ctx context.Context, opts ListingCreateOptions) (domain.Listing, error) {
	if opts.SellerID == "" {
		return domain.Listing{}, errors.New("seller_id is required")
	}
	if opts.Jurisdiction == "" {
		return domain.Listing{}, errors.New("jurisdiction is required")
	}
	if opts.Price <= 0 {
		return domain.Listing{}, errors.New("price must be positive")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	l := domain.Listing{
		ID:           id,
		SellerID:     opts.SellerID,
		Jurisdiction: opts.Jurisdiction,
		Locality:     opts.Locality,
		PostalCode:   opts.PostalCode,
		Price:        opts.Price,
		PropertyType: opts.PropertyType,
		Beds:         opts.Beds,
		Baths:        opts.Baths,
		Features:     opts.Features,
		Verified:     opts.Verified,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertListing(ctx, tx, l); err != nil {
		return l, fmt.Errorf("insert listing: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "listing.created", e.marketplaceID(), "listing", l.ID, opts.ActorID, events.EventPayload{"jurisdiction": l.Jurisdiction, "verified": l.Verified}); err != nil {
		return l, err
	}
	return l, tx.Commit()
}

// VerifyListing flips the verified flag; only verified listings are eligible
// for matching.
func (e Engine) VerifyListing(ctx context.Context, listingID string, verified bool, actorID string) (domain.Listing, error) {
	l, err := e.Repo.GetListing(ctx, listingID)
	if err != nil {
		return l, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetListingVerified(ctx, tx, listingID, verified); err != nil {
		return l, err
	}
	if err := e.Events.Append(ctx, tx, "listing.verified", e.marketplaceID(), "listing", listingID, actorID, events.EventPayload{"verified": verified}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Verified = verified
	return l, nil
}

// GenerateMatches runs the rule-based matcher for a buyer need. Candidates
// that already have a match for the pair are skipped, so repeated invocation
// with unchanged data creates no new rows. A persistence failure for one
// candidate is logged and skipped; whatever succeeded is returned.
func (e Engine) GenerateMatches(ctx context.Context, needID, actorID string) ([]domain.Match, error) {
	need, err := e.Repo.GetNeed(ctx, needID)
	if err != nil {
		return nil, err
	}
	candidates, err := e.Repo.ListCandidateListings(ctx, repo.CandidateFilters{
		Jurisdiction: need.Jurisdiction,
		Locality:     need.Locality,
		PostalCode:   need.PostalCode,
		PriceMin:     need.PriceMin,
		PriceMax:     need.PriceMax,
		PropertyType: need.PropertyType,
		VerifiedOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	matched, err := e.Repo.MatchedListingIDs(ctx, needID)
	if err != nil {
		return nil, fmt.Errorf("load existing matches: %w", err)
	}

	created := []domain.Match{}
	for _, listing := range candidates {
		if !listing.Verified {
			continue
		}
		if matched[listing.ID] {
			continue
		}
		score, factors := baselineScore(e.scoringWeights(), need, listing)
		if score <= 0 {
			continue
		}
		explanation := fallbackExplanation(factors)
		if e.Scorer != nil {
			if refined, err := e.Scorer.Score(ctx, need, listing); err != nil {
				e.logger().Printf("match: external scorer unavailable for listing %s: %v", listing.ID, err)
			} else {
				if refined.Score > 0 && refined.Score <= 100 {
					score = refined.Score
				}
				if refined.Explanation != "" {
					explanation = refined.Explanation
				}
			}
		}
		m := domain.Match{
			ID:          uuid.New().String(),
			NeedID:      needID,
			ListingID:   listing.ID,
			Score:       score,
			Explanation: explanation,
			CreatedAt:   e.now().UTC().Format(time.RFC3339),
		}
		if err := e.persistMatch(ctx, &m, actorID); err != nil {
			e.logger().Printf("match: persist failed for pair (%s,%s): %v", needID, listing.ID, err)
			continue
		}
		if m.ID != "" {
			created = append(created, m)
		}
	}
	return created, nil
}

// persistMatch writes the match and its event atomically. When the unique
// pair constraint swallows a concurrent duplicate, the match ID is cleared so
// the caller does not report a row that was never written.
func (e Engine) persistMatch(ctx context.Context, m *domain.Match, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertMatch(ctx, tx, *m)
	if err != nil {
		return err
	}
	if !inserted {
		m.ID = ""
		return nil
	}
	if err := e.Events.Append(ctx, tx, "match.created", e.marketplaceID(), "match", m.ID, actorID, events.EventPayload{
		"need_id": m.NeedID, "listing_id": m.ListingID, "score": m.Score,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// MatchesForNeed returns all persisted matches for a need, best first.
func (e Engine) MatchesForNeed(ctx context.Context, needID string) ([]domain.Match, error) {
	if _, err := e.Repo.GetNeed(ctx, needID); err != nil {
		return nil, err
	}
	return e.Repo.ListMatchesForNeed(ctx, needID)
}

// UnlockFee returns the configured fee for unlocking full match detail.
// Payment capture is an external concern; this core only records entitlement.
func (e Engine) UnlockFee() int64 {
	if e.Config == nil {
		return 0
	}
	return e.Config.Unlock.FeeCents
}

// IsUnlocked reports whether the actor holds a grant for the pair.
func (e Engine) IsUnlocked(ctx context.Context, actorID, needID, listingID string) (bool, error) {
	_, err := e.Repo.GetUnlock(ctx, actorID, needID, listingID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unlock grants the actor visibility of full listing detail for the pair.
// Idempotent: an existing grant is returned unchanged.
func (e Engine) Unlock(ctx context.Context, actorID, needID, listingID string) (domain.MatchUnlock, error) {
	if actorID == "" {
		return domain.MatchUnlock{}, errors.New("actor_id is required")
	}
	if _, err := e.Repo.GetNeed(ctx, needID); err != nil {
		return domain.MatchUnlock{}, err
	}
	if _, err := e.Repo.GetListing(ctx, listingID); err != nil {
		return domain.MatchUnlock{}, err
	}
	u := domain.MatchUnlock{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		NeedID:    needID,
		ListingID: listingID,
		FeeCents:  e.UnlockFee(),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MatchUnlock{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertUnlock(ctx, tx, u)
	if err != nil {
		return domain.MatchUnlock{}, fmt.Errorf("insert unlock: %w", err)
	}
	if !inserted {
		// Release the write tx before re-reading; the pooled read would
		// otherwise block behind it.
		tx.Rollback()
		return e.Repo.GetUnlock(ctx, actorID, needID, listingID)
	}
	if err := e.Events.Append(ctx, tx, "unlock.granted", e.marketplaceID(), "unlock", u.ID, actorID, events.EventPayload{
		"need_id": needID, "listing_id": listingID, "fee_cents": u.FeeCents,
	}); err != nil {
		return domain.MatchUnlock{}, err
	}
	return u, tx.Commit()
}

// DealCreateOptions are parameters for opening a transaction aggregate.
type DealCreateOptions struct {
	ID           string
	ListingID    string
	NeedID       *string
	Stage        string
	Participants []string
	ActorID      string
}

func (e Engine) CreateDeal(ctx context.Context, opts DealCreateOptions) (domain.Deal, error) {
	listing, err := e.Repo.GetListing(ctx, opts.ListingID)
	if err != nil {
		return domain.Deal{}, err
	}
	if opts.NeedID != nil {
		if _, err := e.Repo.GetNeed(ctx, *opts.NeedID); err != nil {
			return domain.Deal{}, err
		}
	}
	stage := opts.Stage
	if stage == "" {
		stage = "search"
	}
	if !domain.ValidStage(stage) {
		return domain.Deal{}, fmt.Errorf("unknown stage %s", stage)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Deal{
		ID:           id,
		ListingID:    opts.ListingID,
		NeedID:       opts.NeedID,
		Jurisdiction: listing.Jurisdiction,
		Stage:        stage,
		Participants: opts.Participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDeal(ctx, tx, d); err != nil {
		return d, fmt.Errorf("insert deal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "deal.created", e.marketplaceID(), "deal", d.ID, opts.ActorID, events.EventPayload{"stage": d.Stage}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

// SetDealStage records the new stage and expands the stage's workflow
// templates into tasks. Stage transition legality is not enforced here; the
// core reacts to stage values set by its callers. The stage change commits
// before expansion runs: when expansion fails the deal keeps the new stage,
// and the updated deal is returned alongside the error. Re-invoking the stage
// change retries the expansion; the title dedupe keeps it from doubling tasks.
func (e Engine) SetDealStage(ctx context.Context, dealID, stage, actorID string) (domain.Deal, []domain.Task, error) {
	if !domain.ValidStage(stage) {
		return domain.Deal{}, nil, fmt.Errorf("unknown stage %s", stage)
	}
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return d, nil, err
	}
	from := d.Stage
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDealStage(ctx, tx, dealID, stage, now); err != nil {
		return d, nil, err
	}
	if err := e.Events.Append(ctx, tx, "deal.stage_changed", e.marketplaceID(), "deal", dealID, actorID, events.EventPayload{
		"from": from, "to": stage,
	}); err != nil {
		return d, nil, err
	}
	if err := tx.Commit(); err != nil {
		return d, nil, err
	}
	d.Stage = stage
	d.UpdatedAt = now

	tasks, err := e.ExpandStage(ctx, ExpandStageOptions{
		ContextType: "deal",
		ContextID:   dealID,
		Stage:       stage,
		ActorID:     actorID,
	})
	if err != nil {
		return d, nil, err
	}
	return d, tasks, nil
}

func (e Engine) marketplaceID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Marketplace.ID
}

func (e Engine) scoringWeights() config.ScoringWeights {
	if e.Config == nil {
		return config.ScoringWeights{}
	}
	return e.Config.Scoring
}
