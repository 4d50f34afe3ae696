package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"keylane/internal/domain"
)

func (r Repo) InsertDeal(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	participants, err := marshalStringSlice(d.Participants)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deals(id,listing_id,need_id,jurisdiction,stage,participants_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.ListingID, nullableStringPtr(d.NeedID), d.Jurisdiction, d.Stage, participants, d.CreatedAt, d.UpdatedAt)
	return err
}

const dealColumns = `id,listing_id,need_id,jurisdiction,stage,participants_json,created_at,updated_at`

func scanDeal(scan func(...any) error) (domain.Deal, error) {
	var d domain.Deal
	var needID, participants sql.NullString
	err := scan(&d.ID, &d.ListingID, &needID, &d.Jurisdiction, &d.Stage, &participants, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	d.NeedID = stringPtr(needID)
	if participants.Valid && participants.String != "" {
		if err := json.Unmarshal([]byte(participants.String), &d.Participants); err != nil {
			return d, fmt.Errorf("decode participants: %w", err)
		}
	}
	return d, nil
}

func (r Repo) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=?`, id)
	d, err := scanDeal(row.Scan)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDeals(ctx context.Context, stage string) ([]domain.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals`
	var args []any
	if stage != "" {
		query += ` WHERE stage=?`
		args = append(args, stage)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDealStage(ctx context.Context, tx *sql.Tx, id, stage, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deals SET stage=?, updated_at=? WHERE id=?`, stage, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
