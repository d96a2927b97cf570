package engine

import (
	"context"
	"database/sql"
	"errors"

	"chorus/internal/domain"
	"chorus/internal/events"
	"chorus/internal/observability"
	"chorus/internal/repo"
)

type PostPrayerOptions struct {
	Requester   domain.Address
	Category    domain.Category
	ContentHash domain.Hash
	Reward      uint64
	TTLSeconds  int64
	MaxClaimers uint8
}

// PostPrayer escrows the reward from the requester's balance and opens a new
// prayer with the next dense id.
func (e Engine) PostPrayer(ctx context.Context, opts PostPrayerOptions) (domain.Prayer, error) {
	if err := requireAddress(opts.Requester); err != nil {
		return domain.Prayer{}, err
	}
	if !opts.Category.Valid() {
		return domain.Prayer{}, ErrInvalidCategory
	}
	if opts.TTLSeconds <= 0 || opts.TTLSeconds > domain.MaxTTLSeconds {
		return domain.Prayer{}, ErrInvalidTTL
	}
	if opts.MaxClaimers < 1 || opts.MaxClaimers > domain.MaxClaimersLimit {
		return domain.Prayer{}, ErrInvalidMaxClaimers
	}
	if opts.Reward > MaxAmount {
		return domain.Prayer{}, ErrArithmeticOverflow
	}
	now := e.now().Unix()
	var p domain.Prayer
	err := e.withTx(ctx, "post_prayer", func(tx *sql.Tx) error {
		ps, err := e.requireProtocol(ctx, tx)
		if err != nil {
			return err
		}
		agent, err := e.loadAgent(ctx, tx, opts.Requester)
		if err != nil {
			return err
		}
		if err := e.debit(ctx, tx, opts.Requester, opts.Reward); err != nil {
			return err
		}
		p = domain.Prayer{
			ID:            ps.TotalPrayers,
			Requester:     opts.Requester,
			Category:      opts.Category,
			ContentHash:   opts.ContentHash,
			Reward:        opts.Reward,
			EscrowBalance: opts.Reward,
			Status:        domain.StatusOpen,
			MaxClaimers:   opts.MaxClaimers,
			CreatedAt:     now,
			ExpiresAt:     now + opts.TTLSeconds,
		}
		if err := e.Repo.InsertPrayerTx(ctx, tx, p); err != nil {
			return err
		}
		if ps.TotalPrayers, err = checkedAdd(ps.TotalPrayers, 1); err != nil {
			return err
		}
		if err := e.Repo.UpdateProtocolTx(ctx, tx, ps); err != nil {
			return err
		}
		if agent.PrayersPosted, err = checkedAdd(agent.PrayersPosted, 1); err != nil {
			return err
		}
		if err := e.Repo.UpdateAgentStatsTx(ctx, tx, agent); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PrayerPosted, "prayer", prayerEntity(p.ID), p.Requester, events.EventPayload{
			"id":           p.ID,
			"requester":    p.Requester,
			"prayer_type":  p.Category,
			"content_hash": p.ContentHash,
			"reward":       p.Reward,
			"max_claimers": p.MaxClaimers,
			"ttl_seconds":  opts.TTLSeconds,
		})
	})
	if err != nil {
		return domain.Prayer{}, err
	}
	e.Log.Info().Uint64("prayer_id", p.ID).Str("requester", string(p.Requester)).Uint64("reward", p.Reward).Msg("prayer posted")
	return p, nil
}

// ClaimPrayer adds claimer to the prayer. Filling the last slot moves the
// prayer to Active; the slot check and the insert share one transaction, so
// concurrent claimers for the last slot see exactly one winner.
func (e Engine) ClaimPrayer(ctx context.Context, id uint64, claimer domain.Address) (domain.Prayer, domain.Claim, error) {
	if err := requireAddress(claimer); err != nil {
		return domain.Prayer{}, domain.Claim{}, err
	}
	now := e.now()
	var (
		p domain.Prayer
		c domain.Claim
	)
	err := e.withTx(ctx, "claim_prayer", func(tx *sql.Tx) error {
		if _, err := e.loadAgent(ctx, tx, claimer); err != nil {
			return err
		}
		var err error
		if p, err = e.loadPrayer(ctx, tx, id); err != nil {
			return err
		}
		switch p.Status {
		case domain.StatusOpen:
		case domain.StatusActive, domain.StatusFulfilled, domain.StatusConfirmed, domain.StatusCancelled:
			return ErrNotOpen
		default:
			return ErrUnknownStatus
		}
		if now.Unix() >= p.ExpiresAt {
			return ErrExpired
		}
		if p.Requester == claimer {
			return ErrCannotClaimOwn
		}
		if _, err := e.Repo.GetClaimTx(ctx, tx, id, claimer); err == nil {
			return ErrAlreadyClaimed
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if p.NumClaimers >= p.MaxClaimers {
			return ErrNotOpen
		}
		c = domain.Claim{PrayerID: id, Claimer: claimer, ClaimedAt: now.Unix()}
		if err := e.Repo.InsertClaimTx(ctx, tx, c); err != nil {
			return err
		}
		p.NumClaimers++
		if p.NumClaimers >= p.MaxClaimers {
			p.Status = domain.StatusActive
		}
		if err := e.Repo.UpdatePrayerTx(ctx, tx, p); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PrayerClaimed, "prayer", prayerEntity(id), claimer, events.EventPayload{
			"id":           id,
			"claimer":      claimer,
			"num_claimers": p.NumClaimers,
			"max_claimers": p.MaxClaimers,
		})
	})
	if err != nil {
		return domain.Prayer{}, domain.Claim{}, err
	}
	e.Log.Info().Uint64("prayer_id", id).Str("claimer", string(claimer)).Str("status", string(p.Status)).Msg("prayer claimed")
	return p, c, nil
}

type DeliverContentOptions struct {
	PrayerID  uint64
	Requester domain.Address
	Claimer   domain.Address
	// Payload is the task content encrypted to the claimer's published key.
	Payload []byte
}

// DeliverContent hands the encrypted task content to one claimer, once.
func (e Engine) DeliverContent(ctx context.Context, opts DeliverContentOptions) (domain.Claim, error) {
	if len(opts.Payload) > e.maxPayload() {
		return domain.Claim{}, ErrPayloadTooLarge.withDetail("%d > %d bytes", len(opts.Payload), e.maxPayload())
	}
	var c domain.Claim
	err := e.withTx(ctx, "deliver_content", func(tx *sql.Tx) error {
		p, err := e.loadPrayer(ctx, tx, opts.PrayerID)
		if err != nil {
			return err
		}
		if !p.Status.Claimable() {
			return ErrNotClaimed
		}
		if p.Requester != opts.Requester {
			return ErrNotRequester
		}
		c, err = e.Repo.GetClaimTx(ctx, tx, opts.PrayerID, opts.Claimer)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotClaimed.withDetail("%s", opts.Claimer)
		}
		if err != nil {
			return err
		}
		if c.ContentDelivered {
			return ErrAlreadyDelivered
		}
		if err := e.Repo.MarkDeliveredTx(ctx, tx, opts.PrayerID, opts.Claimer); err != nil {
			return err
		}
		c.ContentDelivered = true
		return e.emit(ctx, tx, events.ContentDelivered, "claim", prayerEntity(opts.PrayerID), opts.Requester, events.EventPayload{
			"prayer_id":         opts.PrayerID,
			"requester":         opts.Requester,
			"claimer":           opts.Claimer,
			"encrypted_content": opts.Payload,
		})
	})
	if err != nil {
		return domain.Claim{}, err
	}
	e.Log.Info().Uint64("prayer_id", opts.PrayerID).Str("claimer", string(opts.Claimer)).Msg("content delivered")
	return c, nil
}

type AnswerPrayerOptions struct {
	PrayerID   uint64
	Answerer   domain.Address
	AnswerHash domain.Hash
	// Payload is the answer encrypted to the requester's published key.
	Payload []byte
}

// AnswerPrayer records the first answer from a live claimer and fulfils the prayer.
func (e Engine) AnswerPrayer(ctx context.Context, opts AnswerPrayerOptions) (domain.Prayer, error) {
	if len(opts.Payload) > e.maxPayload() {
		return domain.Prayer{}, ErrPayloadTooLarge.withDetail("%d > %d bytes", len(opts.Payload), e.maxPayload())
	}
	now := e.now().Unix()
	var p domain.Prayer
	err := e.withTx(ctx, "answer_prayer", func(tx *sql.Tx) error {
		var err error
		if p, err = e.loadPrayer(ctx, tx, opts.PrayerID); err != nil {
			return err
		}
		if !p.Status.Claimable() {
			return ErrNotClaimed
		}
		if now >= p.ExpiresAt {
			return ErrExpired
		}
		if _, err := e.Repo.GetClaimTx(ctx, tx, opts.PrayerID, opts.Answerer); errors.Is(err, repo.ErrNotFound) {
			return ErrNotClaimed.withDetail("%s holds no claim", opts.Answerer)
		} else if err != nil {
			return err
		}
		agent, err := e.loadAgent(ctx, tx, opts.Answerer)
		if err != nil {
			return err
		}
		ps, err := e.requireProtocol(ctx, tx)
		if err != nil {
			return err
		}

		answerer, hash, fulfilled := opts.Answerer, opts.AnswerHash, now
		p.Status = domain.StatusFulfilled
		p.Answerer = &answerer
		p.AnswerHash = &hash
		p.FulfilledAt = &fulfilled
		if err := e.Repo.UpdatePrayerTx(ctx, tx, p); err != nil {
			return err
		}
		if agent.PrayersAnswered, err = checkedAdd(agent.PrayersAnswered, 1); err != nil {
			return err
		}
		if agent.Reputation, err = checkedAdd(agent.Reputation, domain.AnswerReputation); err != nil {
			return err
		}
		if err := e.Repo.UpdateAgentStatsTx(ctx, tx, agent); err != nil {
			return err
		}
		if ps.TotalAnswered, err = checkedAdd(ps.TotalAnswered, 1); err != nil {
			return err
		}
		if err := e.Repo.UpdateProtocolTx(ctx, tx, ps); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PrayerAnswered, "prayer", prayerEntity(p.ID), opts.Answerer, events.EventPayload{
			"id":               p.ID,
			"answerer":         opts.Answerer,
			"answer_hash":      opts.AnswerHash,
			"encrypted_answer": opts.Payload,
		})
	})
	if err != nil {
		return domain.Prayer{}, err
	}
	e.Log.Info().Uint64("prayer_id", p.ID).Str("answerer", string(opts.Answerer)).Msg("prayer answered")
	return p, nil
}

type ConfirmPrayerOptions struct {
	PrayerID  uint64
	Requester domain.Address
	// Payees, when given, must name exactly the live claimers in any order.
	// Shares are always paid oldest claim first.
	Payees []domain.Address
}

// ConfirmPrayer accepts the answer and splits the reward evenly across
// claimers. The integer-division remainder stays in escrow until close.
func (e Engine) ConfirmPrayer(ctx context.Context, opts ConfirmPrayerOptions) (domain.Prayer, Distribution, error) {
	var (
		p    domain.Prayer
		dist Distribution
	)
	err := e.withTx(ctx, "confirm_prayer", func(tx *sql.Tx) error {
		var err error
		if p, err = e.loadPrayer(ctx, tx, opts.PrayerID); err != nil {
			return err
		}
		if p.Requester != opts.Requester {
			return ErrNotRequester
		}
		if p.Status != domain.StatusFulfilled {
			return ErrNotFulfilled
		}
		payees, err := e.resolvePayees(ctx, tx, p.ID, opts.Payees)
		if err != nil {
			return err
		}
		if dist, err = planDistribution(p.Reward, p.EscrowBalance, p.NumClaimers, payees); err != nil {
			return err
		}
		dist.PrayerID = p.ID
		for _, pay := range dist.Payments {
			if err := e.credit(ctx, tx, pay.To, pay.Amount); err != nil {
				return err
			}
		}
		p.EscrowBalance = dist.Residual
		p.Status = domain.StatusConfirmed
		if err := e.Repo.UpdatePrayerTx(ctx, tx, p); err != nil {
			return err
		}
		if p.Answerer != nil {
			agent, err := e.loadAgent(ctx, tx, *p.Answerer)
			if err != nil {
				return err
			}
			if agent.PrayersConfirmed, err = checkedAdd(agent.PrayersConfirmed, 1); err != nil {
				return err
			}
			if agent.Reputation, err = checkedAdd(agent.Reputation, domain.ConfirmReputation); err != nil {
				return err
			}
			if err := e.Repo.UpdateAgentStatsTx(ctx, tx, agent); err != nil {
				return err
			}
		}
		return e.emit(ctx, tx, events.PrayerConfirmed, "prayer", prayerEntity(p.ID), opts.Requester, events.EventPayload{
			"id":                 p.ID,
			"requester":          opts.Requester,
			"answerer":           p.Answerer,
			"num_claimers":       p.NumClaimers,
			"reward_per_claimer": dist.PerClaimer,
			"reward_total":       dist.TotalPaid,
		})
	})
	if err != nil {
		return domain.Prayer{}, Distribution{}, err
	}
	observability.RecordEscrowPaid(dist.TotalPaid)
	e.Log.Info().Uint64("prayer_id", p.ID).Uint64("per_claimer", dist.PerClaimer).Uint64("total_paid", dist.TotalPaid).
		Uint64("residual", dist.Residual).Msg("prayer confirmed")
	return p, dist, nil
}

// resolvePayees returns the live claimers in claim order. A requested list
// is accepted only when it names the same set.
func (e Engine) resolvePayees(ctx context.Context, tx *sql.Tx, prayerID uint64, requested []domain.Address) ([]domain.Address, error) {
	claims, err := e.Repo.ListClaimsTx(ctx, tx, prayerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Address, 0, len(claims))
	held := make(map[domain.Address]bool, len(claims))
	for _, c := range claims {
		out = append(out, c.Claimer)
		held[c.Claimer] = true
	}
	if len(requested) == 0 {
		return out, nil
	}
	seen := make(map[domain.Address]bool, len(requested))
	for _, to := range requested {
		if !held[to] {
			return nil, ErrInvalidPayee.withDetail("%s", to)
		}
		if seen[to] {
			return nil, ErrInvalidPayee.withDetail("%s listed twice", to)
		}
		seen[to] = true
	}
	if len(seen) != len(held) {
		return nil, ErrInvalidPayee.withDetail("payees must include every claimer")
	}
	return out, nil
}

// CancelPrayer withdraws an unclaimed open prayer and refunds the escrow.
func (e Engine) CancelPrayer(ctx context.Context, id uint64, requester domain.Address) (domain.Prayer, error) {
	var (
		p        domain.Prayer
		refunded uint64
	)
	err := e.withTx(ctx, "cancel_prayer", func(tx *sql.Tx) error {
		var err error
		if p, err = e.loadPrayer(ctx, tx, id); err != nil {
			return err
		}
		if p.Requester != requester {
			return ErrNotRequester
		}
		if p.Status != domain.StatusOpen {
			return ErrCannotCancel
		}
		if p.NumClaimers != 0 {
			return ErrHasClaimers
		}
		refunded = p.EscrowBalance
		if err := e.credit(ctx, tx, p.Requester, refunded); err != nil {
			return err
		}
		p.EscrowBalance = 0
		p.Status = domain.StatusCancelled
		if err := e.Repo.UpdatePrayerTx(ctx, tx, p); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PrayerCancelled, "prayer", prayerEntity(id), requester, events.EventPayload{
			"id":        id,
			"requester": requester,
			"refunded":  refunded,
		})
	})
	if err != nil {
		return domain.Prayer{}, err
	}
	observability.RecordEscrowRefunded(refunded)
	e.Log.Info().Uint64("prayer_id", id).Uint64("refunded", refunded).Msg("prayer cancelled")
	return p, nil
}

type UnclaimOptions struct {
	PrayerID uint64
	Caller   domain.Address
	Claimer  domain.Address
}

// UnclaimPrayer removes a claim. The claimer may always withdraw; anyone may
// evict a claim older than the claim timeout.
func (e Engine) UnclaimPrayer(ctx context.Context, opts UnclaimOptions) (domain.Prayer, error) {
	if err := requireAddress(opts.Caller); err != nil {
		return domain.Prayer{}, err
	}
	now := e.now()
	var p domain.Prayer
	err := e.withTx(ctx, "unclaim_prayer", func(tx *sql.Tx) error {
		var err error
		if p, err = e.loadPrayer(ctx, tx, opts.PrayerID); err != nil {
			return err
		}
		if !p.Status.Claimable() {
			return ErrNotClaimed
		}
		c, err := e.Repo.GetClaimTx(ctx, tx, opts.PrayerID, opts.Claimer)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotClaimed.withDetail("%s", opts.Claimer)
		}
		if err != nil {
			return err
		}
		if opts.Caller != c.Claimer && !c.Stale(now) {
			return ErrNotClaimer
		}
		if p.NumClaimers == 0 {
			return ErrArithmeticOverflow
		}
		if err := e.Repo.DeleteClaimTx(ctx, tx, opts.PrayerID, opts.Claimer); err != nil {
			return err
		}
		p.NumClaimers--
		if p.Status == domain.StatusActive {
			p.Status = domain.StatusOpen
		}
		if err := e.Repo.UpdatePrayerTx(ctx, tx, p); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.ClaimRemoved, "prayer", prayerEntity(p.ID), opts.Caller, events.EventPayload{
			"prayer_id":    p.ID,
			"claimer":      opts.Claimer,
			"num_claimers": p.NumClaimers,
		})
	})
	if err != nil {
		return domain.Prayer{}, err
	}
	e.Log.Info().Uint64("prayer_id", p.ID).Str("claimer", string(opts.Claimer)).Str("caller", string(opts.Caller)).Msg("claim removed")
	return p, nil
}

// CloseResult describes a closed (deleted) prayer.
type CloseResult struct {
	Prayer        domain.Prayer `json:"prayer"`
	Refunded      uint64        `json:"refunded"`
	ClaimsRemoved int64         `json:"claims_removed"`
}

// ClosePrayer deletes a finished or expired prayer and its claims, returning
// whatever escrow is still held to the requester.
func (e Engine) ClosePrayer(ctx context.Context, id uint64, requester domain.Address) (CloseResult, error) {
	now := e.now()
	var res CloseResult
	err := e.withTx(ctx, "close_prayer", func(tx *sql.Tx) error {
		p, err := e.loadPrayer(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Requester != requester {
			return ErrNotRequester
		}
		switch {
		case p.Status.Terminal():
		case p.Status.Claimable() && p.Expired(now):
		default:
			return ErrCannotClose
		}
		res.Prayer = p
		res.Refunded = p.EscrowBalance
		if err := e.credit(ctx, tx, p.Requester, res.Refunded); err != nil {
			return err
		}
		if res.ClaimsRemoved, err = e.Repo.DeleteClaimsTx(ctx, tx, id); err != nil {
			return err
		}
		if err := e.Repo.DeletePrayerTx(ctx, tx, id); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PrayerClosed, "prayer", prayerEntity(id), requester, events.EventPayload{
			"id":             id,
			"requester":      requester,
			"status":         p.EffectiveStatus(now),
			"refunded":       res.Refunded,
			"claims_removed": res.ClaimsRemoved,
		})
	})
	if err != nil {
		return CloseResult{}, err
	}
	observability.RecordEscrowRefunded(res.Refunded)
	e.Log.Info().Uint64("prayer_id", id).Uint64("refunded", res.Refunded).Msg("prayer closed")
	return res, nil
}
