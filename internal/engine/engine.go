package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chorus/internal/config"
	"chorus/internal/domain"
	"chorus/internal/events"
	"chorus/internal/observability"
	"chorus/internal/repo"
)

const defaultMaxPayload = 1024

// Engine applies ledger operations. Every mutating call runs in one
// transaction: guards, state changes and the notification commit together or
// not at all.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) maxPayload() int {
	if e.Config != nil && e.Config.Payload.MaxBytes > 0 {
		return e.Config.Payload.MaxBytes
	}
	return defaultMaxPayload
}

// withTx runs fn in a write transaction and records the outcome under op.
func (e Engine) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = CodeOf(err)
			if result == "" {
				result = "error"
			}
			e.Log.Debug().Err(err).Str("op", op).Msg("ledger operation rejected")
		}
		observability.RecordLedgerOp(op, result, time.Since(start))
	}()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, actor domain.Address, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	_, err := w.Append(ctx, tx, evtType, entityKind, entityID, string(actor), payload)
	return err
}

func (e Engine) requireProtocol(ctx context.Context, tx *sql.Tx) (domain.ProtocolState, error) {
	ps, err := e.Repo.GetProtocolTx(ctx, tx)
	if errors.Is(err, repo.ErrNotFound) {
		return ps, ErrNotInitialized
	}
	return ps, err
}

func (e Engine) loadAgent(ctx context.Context, tx *sql.Tx, owner domain.Address) (domain.Agent, error) {
	a, err := e.Repo.GetAgentTx(ctx, tx, owner)
	if errors.Is(err, repo.ErrNotFound) {
		return a, ErrAgentNotFound.withDetail("%s", owner)
	}
	return a, err
}

func (e Engine) loadPrayer(ctx context.Context, tx *sql.Tx, id uint64) (domain.Prayer, error) {
	p, err := e.Repo.GetPrayerTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, fmt.Errorf("prayer %d: %w", id, repo.ErrNotFound)
		}
		return p, err
	}
	if !p.Status.Valid() {
		return p, ErrUnknownStatus.withDetail("%q", p.Status)
	}
	return p, nil
}

func (e Engine) credit(ctx context.Context, tx *sql.Tx, to domain.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	b, err := e.Repo.GetBalanceTx(ctx, tx, to)
	if err != nil {
		return err
	}
	if b.Amount, err = checkedAdd(b.Amount, amount); err != nil {
		return err
	}
	return e.Repo.SetBalanceTx(ctx, tx, b)
}

func (e Engine) debit(ctx context.Context, tx *sql.Tx, from domain.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	b, err := e.Repo.GetBalanceTx(ctx, tx, from)
	if err != nil {
		return err
	}
	if b.Amount < amount {
		return ErrInsufficientFunds.withDetail("have %d, need %d", b.Amount, amount)
	}
	b.Amount -= amount
	return e.Repo.SetBalanceTx(ctx, tx, b)
}

func prayerEntity(id uint64) string {
	return fmt.Sprintf("%d", id)
}

func requireAddress(addr domain.Address) error {
	if addr == "" {
		return ErrInvalidAddress
	}
	return nil
}

// CurrentTime is the engine clock, for callers that derive read-side state
// such as effective status.
func (e Engine) CurrentTime() time.Time {
	return e.now()
}
