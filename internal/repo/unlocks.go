package repo

import (
	"context"
	"database/sql"

	"keylane/internal/domain"
)

const unlockColumns = `id,actor_id,need_id,listing_id,fee_cents,created_at`

// InsertUnlock is idempotent on the (actor_id, need_id, listing_id) unique
// triple: the conflict clause makes a racing duplicate a no-op so at most one
// grant ever exists.
func (r Repo) InsertUnlock(ctx context.Context, tx *sql.Tx, u domain.MatchUnlock) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO match_unlocks(id,actor_id,need_id,listing_id,fee_cents,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(actor_id,need_id,listing_id) DO NOTHING`,
		u.ID, u.ActorID, u.NeedID, u.ListingID, u.FeeCents, u.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetUnlock(ctx context.Context, actorID, needID, listingID string) (domain.MatchUnlock, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+unlockColumns+` FROM match_unlocks WHERE actor_id=? AND need_id=? AND listing_id=?`,
		actorID, needID, listingID)
	var u domain.MatchUnlock
	err := row.Scan(&u.ID, &u.ActorID, &u.NeedID, &u.ListingID, &u.FeeCents, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUnlocks(ctx context.Context, actorID string) ([]domain.MatchUnlock, error) {
	query := `SELECT ` + unlockColumns + ` FROM match_unlocks`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MatchUnlock
	for rows.Next() {
		var u domain.MatchUnlock
		if err := rows.Scan(&u.ID, &u.ActorID, &u.NeedID, &u.ListingID, &u.FeeCents, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
