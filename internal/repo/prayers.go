package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chorus/internal/domain"
)

const prayerColumns = `id,requester,category,content_hash,reward,escrow_balance,status,max_claimers,num_claimers,answerer,answer_hash,created_at,expires_at,fulfilled_at`

func scanPrayer(row rowScanner) (domain.Prayer, error) {
	var (
		p                       domain.Prayer
		id, reward, escrow      int64
		category, maxC, numC    int64
		requester, hash, status string
		answerer, answerHash    sql.NullString
		fulfilledAt             sql.NullInt64
	)
	if err := row.Scan(&id, &requester, &category, &hash, &reward, &escrow, &status, &maxC, &numC,
		&answerer, &answerHash, &p.CreatedAt, &p.ExpiresAt, &fulfilledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, err
	}
	contentHash, err := domain.ParseHash(hash)
	if err != nil {
		return p, fmt.Errorf("prayer %d: %w", id, err)
	}
	p.ID = uint64(id)
	p.Requester = domain.Address(requester)
	p.Category = domain.Category(category)
	p.ContentHash = contentHash
	p.Reward = uint64(reward)
	p.EscrowBalance = uint64(escrow)
	p.Status = domain.Status(status)
	p.MaxClaimers = uint8(maxC)
	p.NumClaimers = uint8(numC)
	if answerer.Valid {
		a := domain.Address(answerer.String)
		p.Answerer = &a
	}
	if answerHash.Valid {
		h, err := domain.ParseHash(answerHash.String)
		if err != nil {
			return p, fmt.Errorf("prayer %d answer: %w", id, err)
		}
		p.AnswerHash = &h
	}
	if fulfilledAt.Valid {
		v := fulfilledAt.Int64
		p.FulfilledAt = &v
	}
	return p, nil
}

func (r Repo) InsertPrayerTx(ctx context.Context, tx *sql.Tx, p domain.Prayer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO prayers(`+prayerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		int64(p.ID), string(p.Requester), int64(p.Category), p.ContentHash.String(), int64(p.Reward), int64(p.EscrowBalance),
		string(p.Status), int64(p.MaxClaimers), int64(p.NumClaimers), answererArg(p), answerHashArg(p),
		p.CreatedAt, p.ExpiresAt, nullableInt(p.FulfilledAt))
	return err
}

func (r Repo) GetPrayer(ctx context.Context, id uint64) (domain.Prayer, error) {
	return scanPrayer(r.DB.QueryRowContext(ctx, `SELECT `+prayerColumns+` FROM prayers WHERE id=?`, int64(id)))
}

func (r Repo) GetPrayerTx(ctx context.Context, tx *sql.Tx, id uint64) (domain.Prayer, error) {
	return scanPrayer(tx.QueryRowContext(ctx, `SELECT `+prayerColumns+` FROM prayers WHERE id=?`, int64(id)))
}

// UpdatePrayerTx persists the mutable fields of p. Reward, requester, hash and
// timing columns are written once at insert.
func (r Repo) UpdatePrayerTx(ctx context.Context, tx *sql.Tx, p domain.Prayer) error {
	return mustAffect(tx.ExecContext(ctx, `UPDATE prayers SET escrow_balance=?, status=?, num_claimers=?, answerer=?, answer_hash=?, fulfilled_at=? WHERE id=?`,
		int64(p.EscrowBalance), string(p.Status), int64(p.NumClaimers), answererArg(p), answerHashArg(p), nullableInt(p.FulfilledAt), int64(p.ID)))
}

func (r Repo) DeletePrayerTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	return mustAffect(tx.ExecContext(ctx, `DELETE FROM prayers WHERE id=?`, int64(id)))
}

func answererArg(p domain.Prayer) any {
	if p.Answerer == nil {
		return nil
	}
	return nullable(string(*p.Answerer))
}

func answerHashArg(p domain.Prayer) any {
	if p.AnswerHash == nil {
		return nil
	}
	return p.AnswerHash.String()
}

type PrayerFilters struct {
	// Status filters on stored status; "expired" selects open/active prayers
	// whose deadline is before Now.
	Status    string
	Now       int64
	Requester string
	Category  *domain.Category
	Claimer   string
	Limit     int
	CursorID  uint64
}

func (r Repo) ListPrayers(ctx context.Context, f PrayerFilters) ([]domain.Prayer, error) {
	var clauses []string
	var args []any
	switch f.Status {
	case "":
	case string(domain.StatusExpired):
		clauses = append(clauses, "status IN ('open','active') AND expires_at < ?")
		args = append(args, f.Now)
	default:
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Requester != "" {
		clauses = append(clauses, "requester=?")
		args = append(args, f.Requester)
	}
	if f.Category != nil {
		clauses = append(clauses, "category=?")
		args = append(args, int64(*f.Category))
	}
	if f.Claimer != "" {
		clauses = append(clauses, "id IN (SELECT prayer_id FROM claims WHERE claimer=?)")
		args = append(args, f.Claimer)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, int64(f.CursorID))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + prayerColumns + ` FROM prayers ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Prayer
	for rows.Next() {
		p, err := scanPrayer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountPrayersByStatus returns stored-status counts.
func (r Repo) CountPrayersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM prayers GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// SumEscrow is the value currently held across all live prayers.
func (r Repo) SumEscrow(ctx context.Context) (uint64, error) {
	var total int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(escrow_balance),0) FROM prayers`).Scan(&total); err != nil {
		return 0, err
	}
	return uint64(total), nil
}
