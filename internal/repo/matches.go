package repo

import (
	"context"
	"database/sql"

	"keylane/internal/domain"
)

// InsertMatch is conflict-tolerant on the (need_id, listing_id) unique pair:
// a concurrent duplicate insert is ignored rather than surfaced as an error.
// It reports whether a row was actually written.
func (r Repo) InsertMatch(ctx context.Context, tx *sql.Tx, m domain.Match) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO matches(id,need_id,listing_id,score,explanation,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(need_id,listing_id) DO NOTHING`,
		m.ID, m.NeedID, m.ListingID, m.Score, nullable(m.Explanation), m.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MatchedListingIDs returns the listing ids a need is already matched to.
func (r Repo) MatchedListingIDs(ctx context.Context, needID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT listing_id FROM matches WHERE need_id=?`, needID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	matched := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		matched[id] = true
	}
	return matched, rows.Err()
}

const matchColumns = `id,need_id,listing_id,score,COALESCE(explanation,''),created_at`

func (r Repo) GetMatch(ctx context.Context, id string) (domain.Match, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=?`, id)
	var m domain.Match
	err := row.Scan(&m.ID, &m.NeedID, &m.ListingID, &m.Score, &m.Explanation, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) GetMatchByPair(ctx context.Context, needID, listingID string) (domain.Match, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE need_id=? AND listing_id=?`, needID, listingID)
	var m domain.Match
	err := row.Scan(&m.ID, &m.NeedID, &m.ListingID, &m.Score, &m.Explanation, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// ListMatchesForNeed returns matches ordered best score first.
func (r Repo) ListMatchesForNeed(ctx context.Context, needID string) ([]domain.Match, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE need_id=? ORDER BY score DESC, created_at ASC, id ASC`, needID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Match
	for rows.Next() {
		var m domain.Match
		if err := rows.Scan(&m.ID, &m.NeedID, &m.ListingID, &m.Score, &m.Explanation, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMatchesForNeed(ctx context.Context, needID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM matches WHERE need_id=?`, needID).Scan(&n)
	return n, err
}
