package engine

import (
	"context"
	"database/sql"
	"errors"

	"chorus/internal/domain"
	"chorus/internal/events"
	"chorus/internal/repo"
)

// Initialize creates the protocol singleton. It can run once per ledger.
func (e Engine) Initialize(ctx context.Context, authority domain.Address) (domain.ProtocolState, error) {
	if err := requireAddress(authority); err != nil {
		return domain.ProtocolState{}, err
	}
	ps := domain.ProtocolState{Authority: authority, CreatedAt: e.now().Unix()}
	err := e.withTx(ctx, "initialize", func(tx *sql.Tx) error {
		_, err := e.Repo.GetProtocolTx(ctx, tx)
		if err == nil {
			return ErrAlreadyInitialized
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertProtocolTx(ctx, tx, ps); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.ProtocolInitialized, "protocol", "", authority, events.EventPayload{"authority": authority})
	})
	if err != nil {
		return domain.ProtocolState{}, err
	}
	e.Log.Info().Str("authority", string(authority)).Msg("protocol initialized")
	return ps, nil
}

type RegisterAgentOptions struct {
	Owner         domain.Address
	Name          string
	Skills        string
	EncryptionKey *domain.PublicKey
}

// RegisterAgent creates the identity record for a wallet. Name and skills
// limits are byte lengths.
func (e Engine) RegisterAgent(ctx context.Context, opts RegisterAgentOptions) (domain.Agent, error) {
	if err := requireAddress(opts.Owner); err != nil {
		return domain.Agent{}, err
	}
	if len(opts.Name) > domain.MaxNameLen {
		return domain.Agent{}, ErrNameTooLong
	}
	if len(opts.Skills) > domain.MaxSkillsLen {
		return domain.Agent{}, ErrSkillsTooLong
	}
	if opts.EncryptionKey != nil && opts.EncryptionKey.IsZero() {
		return domain.Agent{}, ErrInvalidEncryptionKey
	}
	a := domain.Agent{
		Owner:         opts.Owner,
		Name:          opts.Name,
		Skills:        opts.Skills,
		EncryptionKey: opts.EncryptionKey,
		RegisteredAt:  e.now().Unix(),
	}
	err := e.withTx(ctx, "register_agent", func(tx *sql.Tx) error {
		ps, err := e.requireProtocol(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := e.Repo.GetAgentTx(ctx, tx, opts.Owner); err == nil {
			return ErrAgentExists.withDetail("%s", opts.Owner)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
			return err
		}
		if ps.TotalAgents, err = checkedAdd(ps.TotalAgents, 1); err != nil {
			return err
		}
		if err := e.Repo.UpdateProtocolTx(ctx, tx, ps); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.AgentRegistered, "agent", string(a.Owner), a.Owner, events.EventPayload{
			"wallet": a.Owner,
			"name":   a.Name,
			"skills": a.Skills,
		})
	})
	if err != nil {
		return domain.Agent{}, err
	}
	e.Log.Info().Str("owner", string(a.Owner)).Str("name", a.Name).Msg("agent registered")
	return a, nil
}

// Deposit credits a wallet. Only the protocol authority may mint.
func (e Engine) Deposit(ctx context.Context, authority, to domain.Address, amount uint64) (domain.Balance, error) {
	if err := requireAddress(to); err != nil {
		return domain.Balance{}, err
	}
	if amount == 0 {
		return domain.Balance{}, ErrInvalidAmount
	}
	if amount > MaxAmount {
		return domain.Balance{}, ErrArithmeticOverflow
	}
	var out domain.Balance
	err := e.withTx(ctx, "deposit", func(tx *sql.Tx) error {
		ps, err := e.requireProtocol(ctx, tx)
		if err != nil {
			return err
		}
		if authority != ps.Authority {
			return ErrNotAuthority
		}
		if err := e.credit(ctx, tx, to, amount); err != nil {
			return err
		}
		if out, err = e.Repo.GetBalanceTx(ctx, tx, to); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.BalanceDeposited, "balance", string(to), authority, events.EventPayload{
			"to":      to,
			"amount":  amount,
			"balance": out.Amount,
		})
	})
	if err != nil {
		return domain.Balance{}, err
	}
	return out, nil
}
