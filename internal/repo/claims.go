package repo

import (
	"context"
	"database/sql"
	"errors"

	"chorus/internal/domain"
)

const claimColumns = `prayer_id,claimer,content_delivered,claimed_at`

func scanClaim(row rowScanner) (domain.Claim, error) {
	var (
		c         domain.Claim
		id        int64
		claimer   string
		delivered int64
	)
	if err := row.Scan(&id, &claimer, &delivered, &c.ClaimedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	c.PrayerID = uint64(id)
	c.Claimer = domain.Address(claimer)
	c.ContentDelivered = delivered != 0
	return c, nil
}

func (r Repo) InsertClaimTx(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(`+claimColumns+`) VALUES (?,?,?,?)`,
		int64(c.PrayerID), string(c.Claimer), boolInt(c.ContentDelivered), c.ClaimedAt)
	return err
}

func (r Repo) GetClaim(ctx context.Context, prayerID uint64, claimer domain.Address) (domain.Claim, error) {
	return getClaim(ctx, r.DB, prayerID, claimer)
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, prayerID uint64, claimer domain.Address) (domain.Claim, error) {
	return getClaim(ctx, tx, prayerID, claimer)
}

func getClaim(ctx context.Context, q querier, prayerID uint64, claimer domain.Address) (domain.Claim, error) {
	return scanClaim(q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE prayer_id=? AND claimer=?`, int64(prayerID), string(claimer)))
}

func (r Repo) MarkDeliveredTx(ctx context.Context, tx *sql.Tx, prayerID uint64, claimer domain.Address) error {
	return mustAffect(tx.ExecContext(ctx, `UPDATE claims SET content_delivered=1 WHERE prayer_id=? AND claimer=?`, int64(prayerID), string(claimer)))
}

func (r Repo) DeleteClaimTx(ctx context.Context, tx *sql.Tx, prayerID uint64, claimer domain.Address) error {
	return mustAffect(tx.ExecContext(ctx, `DELETE FROM claims WHERE prayer_id=? AND claimer=?`, int64(prayerID), string(claimer)))
}

// DeleteClaimsTx drops every claim of a prayer and reports how many went.
func (r Repo) DeleteClaimsTx(ctx context.Context, tx *sql.Tx, prayerID uint64) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE prayer_id=?`, int64(prayerID))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListClaims returns a prayer's claims oldest first.
func (r Repo) ListClaims(ctx context.Context, prayerID uint64) ([]domain.Claim, error) {
	return listClaims(ctx, r.DB, prayerID)
}

func (r Repo) ListClaimsTx(ctx context.Context, tx *sql.Tx, prayerID uint64) ([]domain.Claim, error) {
	return listClaims(ctx, tx, prayerID)
}

func listClaims(ctx context.Context, q querier, prayerID uint64) ([]domain.Claim, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE prayer_id=? ORDER BY claimed_at ASC, claimer ASC`, int64(prayerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
