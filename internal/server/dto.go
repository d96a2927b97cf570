package server

import (
	"encoding/json"
	"time"

	"chorus/internal/domain"
	"chorus/internal/engine"
)

type RegisterAgentRequest struct {
	Name          string `json:"name"`
	Skills        string `json:"skills,omitempty"`
	EncryptionKey string `json:"encryption_key,omitempty" doc:"hex X25519 public key claimers encrypt to"`
}

type PostPrayerRequest struct {
	Category    string `json:"category" doc:"knowledge, compute, review, signal or collaboration"`
	ContentHash string `json:"content_hash" doc:"hex 32-byte hash of the off-ledger task content"`
	Reward      uint64 `json:"reward,omitempty"`
	TTLSeconds  int64  `json:"ttl_seconds"`
	MaxClaimers int    `json:"max_claimers"`
}

type DeliverContentRequest struct {
	Payload []byte `json:"payload" doc:"content encrypted to the claimer's key"`
}

type AnswerPrayerRequest struct {
	AnswerHash string `json:"answer_hash"`
	Payload    []byte `json:"payload,omitempty" doc:"answer encrypted to the requester's key"`
}

type ConfirmPrayerRequest struct {
	Payees []string `json:"payees,omitempty" doc:"must list every live claimer (any order) when given; defaults to every live claimer"`
}

type DepositRequest struct {
	Amount uint64 `json:"amount"`
}

type DevLoginRequest struct {
	Address string `json:"address"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ProtocolResponse struct {
	Authority     string         `json:"authority"`
	TotalPrayers  uint64         `json:"total_prayers"`
	TotalAnswered uint64         `json:"total_answered"`
	TotalAgents   uint64         `json:"total_agents"`
	CreatedAt     time.Time      `json:"created_at" format:"date-time"`
	EscrowHeld    uint64         `json:"escrow_held"`
	PrayerCounts  map[string]int `json:"prayer_counts,omitempty"`
}

type AgentResponse struct {
	Owner            string    `json:"owner"`
	Name             string    `json:"name"`
	Skills           string    `json:"skills"`
	EncryptionKey    string    `json:"encryption_key,omitempty"`
	PrayersPosted    uint64    `json:"prayers_posted"`
	PrayersAnswered  uint64    `json:"prayers_answered"`
	PrayersConfirmed uint64    `json:"prayers_confirmed"`
	Reputation       uint64    `json:"reputation"`
	RegisteredAt     time.Time `json:"registered_at" format:"date-time"`
}

type PrayerResponse struct {
	ID              uint64     `json:"id"`
	Requester       string     `json:"requester"`
	Category        string     `json:"category"`
	ContentHash     string     `json:"content_hash"`
	Reward          uint64     `json:"reward"`
	EscrowBalance   uint64     `json:"escrow_balance"`
	Status          string     `json:"status" enum:"open,active,fulfilled,confirmed,cancelled"`
	EffectiveStatus string     `json:"effective_status" enum:"open,active,fulfilled,confirmed,cancelled,expired"`
	MaxClaimers     uint8      `json:"max_claimers"`
	NumClaimers     uint8      `json:"num_claimers"`
	Answerer        string     `json:"answerer,omitempty"`
	AnswerHash      string     `json:"answer_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at" format:"date-time"`
	ExpiresAt       time.Time  `json:"expires_at" format:"date-time"`
	FulfilledAt     *time.Time `json:"fulfilled_at,omitempty" format:"date-time"`
}

type ClaimResponse struct {
	PrayerID         uint64    `json:"prayer_id"`
	Claimer          string    `json:"claimer"`
	ContentDelivered bool      `json:"content_delivered"`
	ClaimedAt        time.Time `json:"claimed_at" format:"date-time"`
	Stale            bool      `json:"stale"`
}

type ClaimPrayerResponse struct {
	Prayer PrayerResponse `json:"prayer"`
	Claim  ClaimResponse  `json:"claim"`
}

type PaymentResponse struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type ConfirmPrayerResponse struct {
	Prayer     PrayerResponse    `json:"prayer"`
	PerClaimer uint64            `json:"per_claimer"`
	TotalPaid  uint64            `json:"total_paid"`
	Residual   uint64            `json:"residual"`
	Payments   []PaymentResponse `json:"payments"`
}

type ClosePrayerResponse struct {
	ID            uint64 `json:"id"`
	Refunded      uint64 `json:"refunded"`
	ClaimsRemoved int64  `json:"claims_removed"`
}

type BalanceResponse struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type MeResponse struct {
	Address string         `json:"address"`
	Source  string         `json:"source"`
	Balance uint64         `json:"balance"`
	Agent   *AgentResponse `json:"agent,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

type paginatedPrayers struct {
	Items      []PrayerResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedAgents struct {
	Items      []AgentResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func agentResponse(a domain.Agent) AgentResponse {
	out := AgentResponse{
		Owner:            string(a.Owner),
		Name:             a.Name,
		Skills:           a.Skills,
		PrayersPosted:    a.PrayersPosted,
		PrayersAnswered:  a.PrayersAnswered,
		PrayersConfirmed: a.PrayersConfirmed,
		Reputation:       a.Reputation,
		RegisteredAt:     unixTime(a.RegisteredAt),
	}
	if a.EncryptionKey != nil {
		out.EncryptionKey = a.EncryptionKey.String()
	}
	return out
}

func prayerResponse(p domain.Prayer, now time.Time) PrayerResponse {
	out := PrayerResponse{
		ID:              p.ID,
		Requester:       string(p.Requester),
		Category:        p.Category.String(),
		ContentHash:     p.ContentHash.String(),
		Reward:          p.Reward,
		EscrowBalance:   p.EscrowBalance,
		Status:          string(p.Status),
		EffectiveStatus: string(p.EffectiveStatus(now)),
		MaxClaimers:     p.MaxClaimers,
		NumClaimers:     p.NumClaimers,
		CreatedAt:       unixTime(p.CreatedAt),
		ExpiresAt:       unixTime(p.ExpiresAt),
	}
	if p.Answerer != nil {
		out.Answerer = string(*p.Answerer)
	}
	if p.AnswerHash != nil {
		out.AnswerHash = p.AnswerHash.String()
	}
	if p.FulfilledAt != nil {
		t := unixTime(*p.FulfilledAt)
		out.FulfilledAt = &t
	}
	return out
}

func claimResponse(c domain.Claim, now time.Time) ClaimResponse {
	return ClaimResponse{
		PrayerID:         c.PrayerID,
		Claimer:          string(c.Claimer),
		ContentDelivered: c.ContentDelivered,
		ClaimedAt:        unixTime(c.ClaimedAt),
		Stale:            c.Stale(now),
	}
}

func confirmResponse(p domain.Prayer, d engine.Distribution, now time.Time) ConfirmPrayerResponse {
	out := ConfirmPrayerResponse{
		Prayer:     prayerResponse(p, now),
		PerClaimer: d.PerClaimer,
		TotalPaid:  d.TotalPaid,
		Residual:   d.Residual,
		Payments:   []PaymentResponse{},
	}
	for _, pay := range d.Payments {
		out.Payments = append(out.Payments, PaymentResponse{To: string(pay.To), Amount: pay.Amount})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Actor:      e.Actor,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
