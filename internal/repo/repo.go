package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"keylane/internal/config"
	"keylane/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertMarketplace(ctx context.Context, tx *sql.Tx, m domain.Marketplace) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO marketplaces(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		m.ID, nullable(m.Name), m.Status, nullable(m.Description), m.CreatedAt)
	return err
}

func (r Repo) GetMarketplace(ctx context.Context, id string) (domain.Marketplace, error) {
	var m domain.Marketplace
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),status,COALESCE(description,''),created_at FROM marketplaces WHERE id=?`, id).
		Scan(&m.ID, &m.Name, &m.Status, &m.Description, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) SingleMarketplace(ctx context.Context) (domain.Marketplace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),status,COALESCE(description,''),created_at FROM marketplaces`)
	if err != nil {
		return domain.Marketplace{}, err
	}
	defer rows.Close()
	var all []domain.Marketplace
	for rows.Next() {
		var m domain.Marketplace
		if err := rows.Scan(&m.ID, &m.Name, &m.Status, &m.Description, &m.CreatedAt); err != nil {
			return domain.Marketplace{}, err
		}
		all = append(all, m)
	}
	if len(all) == 0 {
		return domain.Marketplace{}, ErrNotFound
	}
	if len(all) > 1 {
		return domain.Marketplace{}, fmt.Errorf("multiple marketplaces exist; specify --marketplace")
	}
	return all[0], nil
}

func (r Repo) UpsertMarketplaceConfig(ctx context.Context, marketplaceID string, cfg *config.Config) error {
	return upsertMarketplaceConfig(ctx, r.DB, nil, marketplaceID, cfg)
}

func (r Repo) UpsertMarketplaceConfigTx(ctx context.Context, tx *sql.Tx, marketplaceID string, cfg *config.Config) error {
	return upsertMarketplaceConfig(ctx, nil, tx, marketplaceID, cfg)
}

func upsertMarketplaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, marketplaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Marketplace.ID = marketplaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO marketplace_configs(marketplace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(marketplace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, marketplaceID, string(payload), now, now)
	return err
}

func (r Repo) GetMarketplaceConfig(ctx context.Context, marketplaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM marketplace_configs WHERE marketplace_id=?`, marketplaceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Marketplace.ID == "" {
		cfg.Marketplace.ID = marketplaceID
	}
	return &cfg, cfg.Validate()
}

// --- buyer needs ---

func (r Repo) InsertNeed(ctx context.Context, tx *sql.Tx, n domain.BuyerNeed) error {
	features, err := marshalFeatures(n.Features)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO buyer_needs(id,buyer_id,jurisdiction,locality,postal_code,price_min,price_max,property_type,beds_min,baths_min,features_json,active,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.BuyerID, n.Jurisdiction, nullableStringPtr(n.Locality), nullableStringPtr(n.PostalCode),
		nullableInt64Ptr(n.PriceMin), nullableInt64Ptr(n.PriceMax), nullableStringPtr(n.PropertyType),
		nullableIntPtr(n.BedsMin), nullableIntPtr(n.BathsMin), features, boolToInt(n.Active), n.CreatedAt)
	return err
}

func (r Repo) GetNeed(ctx context.Context, id string) (domain.BuyerNeed, error) {
	var n domain.BuyerNeed
	var locality, postal, propertyType, features sql.NullString
	var priceMin, priceMax sql.NullInt64
	var bedsMin, bathsMin sql.NullInt64
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,buyer_id,jurisdiction,locality,postal_code,price_min,price_max,property_type,beds_min,baths_min,features_json,active,created_at FROM buyer_needs WHERE id=?`, id).
		Scan(&n.ID, &n.BuyerID, &n.Jurisdiction, &locality, &postal, &priceMin, &priceMax, &propertyType, &bedsMin, &bathsMin, &features, &active, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.Locality = stringPtr(locality)
	n.PostalCode = stringPtr(postal)
	n.PropertyType = stringPtr(propertyType)
	n.PriceMin = int64Ptr(priceMin)
	n.PriceMax = int64Ptr(priceMax)
	n.BedsMin = intPtr(bedsMin)
	n.BathsMin = intPtr(bathsMin)
	n.Active = active != 0
	n.Features, err = unmarshalFeatures(features)
	return n, err
}

func (r Repo) SetNeedActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE buyer_needs SET active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListNeeds(ctx context.Context, buyerID string) ([]domain.BuyerNeed, error) {
	query := `SELECT id,buyer_id,jurisdiction,locality,postal_code,price_min,price_max,property_type,beds_min,baths_min,features_json,active,created_at FROM buyer_needs`
	var args []any
	if buyerID != "" {
		query += ` WHERE buyer_id=?`
		args = append(args, buyerID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuyerNeed
	for rows.Next() {
		var n domain.BuyerNeed
		var locality, postal, propertyType, features sql.NullString
		var priceMin, priceMax, bedsMin, bathsMin sql.NullInt64
		var active int
		if err := rows.Scan(&n.ID, &n.BuyerID, &n.Jurisdiction, &locality, &postal, &priceMin, &priceMax, &propertyType, &bedsMin, &bathsMin, &features, &active, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Locality = stringPtr(locality)
		n.PostalCode = stringPtr(postal)
		n.PropertyType = stringPtr(propertyType)
		n.PriceMin = int64Ptr(priceMin)
		n.PriceMax = int64Ptr(priceMax)
		n.BedsMin = intPtr(bedsMin)
		n.BathsMin = intPtr(bathsMin)
		n.Active = active != 0
		if n.Features, err = unmarshalFeatures(features); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// --- listings ---

func (r Repo) InsertListing(ctx context.Context, tx *sql.Tx, l domain.Listing) error {
	features, err := marshalFeatures(l.Features)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO listings(id,seller_id,jurisdiction,locality,postal_code,price,property_type,beds,baths,features_json,verified,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.SellerID, l.Jurisdiction, nullable(l.Locality), nullable(l.PostalCode), l.Price,
		nullable(l.PropertyType), l.Beds, l.Baths, features, boolToInt(l.Verified), l.CreatedAt)
	return err
}

func scanListing(scan func(...any) error) (domain.Listing, error) {
	var l domain.Listing
	var locality, postal, propertyType, features sql.NullString
	var verified int
	err := scan(&l.ID, &l.SellerID, &l.Jurisdiction, &locality, &postal, &l.Price, &propertyType, &l.Beds, &l.Baths, &features, &verified, &l.CreatedAt)
	if err != nil {
		return l, err
	}
	if locality.Valid {
		l.Locality = locality.String
	}
	if postal.Valid {
		l.PostalCode = postal.String
	}
	if propertyType.Valid {
		l.PropertyType = propertyType.String
	}
	l.Verified = verified != 0
	l.Features, err = unmarshalFeatures(features)
	return l, err
}

const listingColumns = `id,seller_id,jurisdiction,locality,postal_code,price,property_type,beds,baths,features_json,verified,created_at`

func (r Repo) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, id)
	l, err := scanListing(row.Scan)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) SetListingVerified(ctx context.Context, tx *sql.Tx, id string, verified bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE listings SET verified=? WHERE id=?`, boolToInt(verified), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CandidateFilters narrow the listing candidate query for match generation.
// Optional fields are applied only when set; Jurisdiction is always required.
type CandidateFilters struct {
	Jurisdiction string
	Locality     *string
	PostalCode   *string
	PriceMin     *int64
	PriceMax     *int64
	PropertyType *string
	VerifiedOnly bool
}

func (r Repo) ListCandidateListings(ctx context.Context, f CandidateFilters) ([]domain.Listing, error) {
	clauses := []string{"jurisdiction=?"}
	args := []any{f.Jurisdiction}
	if f.Locality != nil {
		clauses = append(clauses, "locality=?")
		args = append(args, *f.Locality)
	}
	if f.PostalCode != nil {
		clauses = append(clauses, "postal_code=?")
		args = append(args, *f.PostalCode)
	}
	if f.PriceMin != nil && f.PriceMax != nil {
		clauses = append(clauses, "price BETWEEN ? AND ?")
		args = append(args, *f.PriceMin, *f.PriceMax)
	}
	if f.PropertyType != nil {
		clauses = append(clauses, "property_type=?")
		args = append(args, *f.PropertyType)
	}
	if f.VerifiedOnly {
		clauses = append(clauses, "verified=1")
	}
	query := `SELECT ` + listingColumns + ` FROM listings WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) ListListings(ctx context.Context, sellerID string) ([]domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings`
	var args []any
	if sellerID != "" {
		query += ` WHERE seller_id=?`
		args = append(args, sellerID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, marketplaceID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if marketplaceID != "" {
		clauses = append(clauses, "marketplace_id=?")
		args = append(args, marketplaceID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,marketplace_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, marketplaceID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if marketplaceID != "" {
		clauses = append(clauses, "marketplace_id=?")
		args = append(args, marketplaceID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,marketplace_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID for a marketplace.
func (r Repo) LatestEventID(ctx context.Context, marketplaceID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE marketplace_id=?`, marketplaceID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var marketplaceID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &marketplaceID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if marketplaceID.Valid {
			e.MarketplaceID = marketplaceID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalFeatures(in map[string]string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalFeatures(v sql.NullString) (map[string]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
