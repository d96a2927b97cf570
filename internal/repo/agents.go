package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chorus/internal/domain"
)

const agentColumns = `owner,name,skills,encryption_key,prayers_posted,prayers_answered,prayers_confirmed,reputation,registered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.Agent, error) {
	var (
		a                                domain.Agent
		owner                            string
		key                              sql.NullString
		posted, answered, confirmed, rep int64
	)
	if err := row.Scan(&owner, &a.Name, &a.Skills, &key, &posted, &answered, &confirmed, &rep, &a.RegisteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrNotFound
		}
		return a, err
	}
	a.Owner = domain.Address(owner)
	if key.Valid {
		k, err := domain.ParsePublicKey(key.String)
		if err != nil {
			return a, fmt.Errorf("agent %s: %w", owner, err)
		}
		a.EncryptionKey = &k
	}
	a.PrayersPosted = uint64(posted)
	a.PrayersAnswered = uint64(answered)
	a.PrayersConfirmed = uint64(confirmed)
	a.Reputation = uint64(rep)
	return a, nil
}

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	var key any
	if a.EncryptionKey != nil {
		key = a.EncryptionKey.String()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		string(a.Owner), a.Name, a.Skills, key, int64(a.PrayersPosted), int64(a.PrayersAnswered), int64(a.PrayersConfirmed), int64(a.Reputation), a.RegisteredAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, owner domain.Address) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner=?`, string(owner)))
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, owner domain.Address) (domain.Agent, error) {
	return scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner=?`, string(owner)))
}

// UpdateAgentStatsTx writes the agent's counters and reputation.
func (r Repo) UpdateAgentStatsTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	return mustAffect(tx.ExecContext(ctx, `UPDATE agents SET prayers_posted=?, prayers_answered=?, prayers_confirmed=?, reputation=? WHERE owner=?`,
		int64(a.PrayersPosted), int64(a.PrayersAnswered), int64(a.PrayersConfirmed), int64(a.Reputation), string(a.Owner)))
}

type AgentFilters struct {
	Limit       int
	CursorOwner string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if f.CursorOwner != "" {
		query += ` WHERE owner > ?`
		args = append(args, f.CursorOwner)
	}
	query += ` ORDER BY owner ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
