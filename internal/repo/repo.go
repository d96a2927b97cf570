package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chorus/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx, so the same read path
// serves plain lookups and guard reads inside an engine transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// mustAffect turns a zero-row update into ErrNotFound.
func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertProtocolTx(ctx context.Context, tx *sql.Tx, ps domain.ProtocolState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO protocol_state(id,authority,total_prayers,total_answered,total_agents,created_at) VALUES (1,?,?,?,?,?)`,
		string(ps.Authority), int64(ps.TotalPrayers), int64(ps.TotalAnswered), int64(ps.TotalAgents), ps.CreatedAt)
	return err
}

func (r Repo) GetProtocol(ctx context.Context) (domain.ProtocolState, error) {
	return getProtocol(ctx, r.DB)
}

func (r Repo) GetProtocolTx(ctx context.Context, tx *sql.Tx) (domain.ProtocolState, error) {
	return getProtocol(ctx, tx)
}

func getProtocol(ctx context.Context, q querier) (domain.ProtocolState, error) {
	var (
		ps                       domain.ProtocolState
		authority                string
		prayers, answered, agent int64
	)
	err := q.QueryRowContext(ctx, `SELECT authority,total_prayers,total_answered,total_agents,created_at FROM protocol_state WHERE id=1`).
		Scan(&authority, &prayers, &answered, &agent, &ps.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ps, ErrNotFound
	}
	if err != nil {
		return ps, fmt.Errorf("get protocol: %w", err)
	}
	ps.Authority = domain.Address(authority)
	ps.TotalPrayers = uint64(prayers)
	ps.TotalAnswered = uint64(answered)
	ps.TotalAgents = uint64(agent)
	return ps, nil
}

func (r Repo) UpdateProtocolTx(ctx context.Context, tx *sql.Tx, ps domain.ProtocolState) error {
	return mustAffect(tx.ExecContext(ctx, `UPDATE protocol_state SET total_prayers=?, total_answered=?, total_agents=? WHERE id=1`,
		int64(ps.TotalPrayers), int64(ps.TotalAnswered), int64(ps.TotalAgents)))
}
