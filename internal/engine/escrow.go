package engine

import (
	"math"

	"chorus/internal/domain"
)

// MaxAmount bounds every stored value. SQLite integers are signed 64-bit.
const MaxAmount = math.MaxInt64

func checkedAdd(a, b uint64) (uint64, error) {
	if a > MaxAmount || b > MaxAmount-a {
		return 0, ErrArithmeticOverflow
	}
	return a + b, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrArithmeticOverflow
	}
	return a - b, nil
}

// PerClaimer is the even share of reward; 0 when there is nothing to split.
func PerClaimer(reward uint64, numClaimers uint8) uint64 {
	if reward == 0 || numClaimers == 0 {
		return 0
	}
	return reward / uint64(numClaimers)
}

type Payment struct {
	To     domain.Address `json:"to"`
	Amount uint64         `json:"amount"`
}

// Distribution is the outcome of splitting a confirmed prayer's escrow.
type Distribution struct {
	PrayerID   uint64    `json:"prayer_id"`
	PerClaimer uint64    `json:"per_claimer"`
	TotalPaid  uint64    `json:"total_paid"`
	Payments   []Payment `json:"payments"`
	// Residual stays in escrow until the prayer is closed.
	Residual uint64 `json:"residual"`
}

// planDistribution pays per-claimer shares to payees in order. It stops before
// a payment would push the total past reward, and fails if escrow cannot
// cover a payment.
func planDistribution(reward, held uint64, numClaimers uint8, payees []domain.Address) (Distribution, error) {
	d := Distribution{PerClaimer: PerClaimer(reward, numClaimers)}
	if d.PerClaimer == 0 {
		d.Residual = held
		return d, nil
	}
	remaining := held
	for _, to := range payees {
		next, err := checkedAdd(d.TotalPaid, d.PerClaimer)
		if err != nil {
			return Distribution{}, err
		}
		if next > reward {
			break
		}
		remaining, err = checkedSub(remaining, d.PerClaimer)
		if err != nil {
			return Distribution{}, err
		}
		d.TotalPaid = next
		d.Payments = append(d.Payments, Payment{To: to, Amount: d.PerClaimer})
	}
	d.Residual = remaining
	return d, nil
}
