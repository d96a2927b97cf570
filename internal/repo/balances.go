package repo

import (
	"context"
	"database/sql"
	"errors"

	"chorus/internal/domain"
)

// GetBalance returns the wallet balance; unknown addresses hold zero.
func (r Repo) GetBalance(ctx context.Context, addr domain.Address) (domain.Balance, error) {
	return getBalance(ctx, r.DB, addr)
}

func (r Repo) GetBalanceTx(ctx context.Context, tx *sql.Tx, addr domain.Address) (domain.Balance, error) {
	return getBalance(ctx, tx, addr)
}

func getBalance(ctx context.Context, q querier, addr domain.Address) (domain.Balance, error) {
	b := domain.Balance{Address: addr}
	var amount int64
	err := q.QueryRowContext(ctx, `SELECT amount FROM balances WHERE address=?`, string(addr)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, err
	}
	b.Amount = uint64(amount)
	return b, nil
}

func (r Repo) SetBalanceTx(ctx context.Context, tx *sql.Tx, b domain.Balance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO balances(address,amount) VALUES (?,?)
ON CONFLICT(address) DO UPDATE SET amount=excluded.amount`, string(b.Address), int64(b.Amount))
	return err
}

func (r Repo) ListBalances(ctx context.Context) ([]domain.Balance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT address,amount FROM balances ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Balance
	for rows.Next() {
		var addr string
		var amount int64
		if err := rows.Scan(&addr, &amount); err != nil {
			return nil, err
		}
		res = append(res, domain.Balance{Address: domain.Address(addr), Amount: uint64(amount)})
	}
	return res, rows.Err()
}
