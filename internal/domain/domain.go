package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Protocol policy. These are fixed; nothing in the config layer overrides them.
const (
	MaxNameLen        = 32
	MaxSkillsLen      = 256
	MaxTTLSeconds     = 604800
	MaxClaimersLimit  = 10
	ClaimTimeout      = 3600 * time.Second
	AnswerReputation  = 10
	ConfirmReputation = 5
)

// Address identifies a wallet: base58 of a 32-byte ed25519 public key.
type Address string

func (a Address) String() string { return string(a) }

// Hash is an opaque 32-byte digest (content or answer hash).
type Hash [32]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := parse32(string(b))
	if err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	*h = v
	return nil
}

// ParseHash decodes a 64-char hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// PublicKey is an X25519 encryption key published by an agent.
type PublicKey [32]byte

func (k PublicKey) IsZero() bool { return k == PublicKey{} }

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PublicKey) UnmarshalText(b []byte) error {
	v, err := parse32(string(b))
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	*k = PublicKey(v)
	return nil
}

// ParsePublicKey decodes a 64-char hex string.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	err := k.UnmarshalText([]byte(s))
	return k, err
}

func parse32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

type Category uint8

const (
	CategoryKnowledge Category = iota
	CategoryCompute
	CategoryReview
	CategorySignal
	CategoryCollaboration
)

var categoryNames = []string{"knowledge", "compute", "review", "signal", "collaboration"}

func (c Category) Valid() bool { return int(c) < len(categoryNames) }

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("category(%d)", uint8(c))
	}
	return categoryNames[c]
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid category %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range categoryNames {
		if n == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

type Status string

const (
	StatusOpen      Status = "open"
	StatusActive    Status = "active"
	StatusFulfilled Status = "fulfilled"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	// StatusExpired is never stored; reads derive it from expires_at.
	StatusExpired Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusActive, StatusFulfilled, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

// Claimable reports whether claims may still be added, removed or serviced.
func (s Status) Claimable() bool { return s == StatusOpen || s == StatusActive }

func (s Status) Terminal() bool { return s == StatusConfirmed || s == StatusCancelled }

type ProtocolState struct {
	Authority     Address `json:"authority"`
	TotalPrayers  uint64  `json:"total_prayers"`
	TotalAnswered uint64  `json:"total_answered"`
	TotalAgents   uint64  `json:"total_agents"`
	CreatedAt     int64   `json:"created_at"`
}

type Agent struct {
	Owner            Address    `json:"owner"`
	Name             string     `json:"name"`
	Skills           string     `json:"skills"`
	EncryptionKey    *PublicKey `json:"encryption_key,omitempty"`
	PrayersPosted    uint64     `json:"prayers_posted"`
	PrayersAnswered  uint64     `json:"prayers_answered"`
	PrayersConfirmed uint64     `json:"prayers_confirmed"`
	Reputation       uint64     `json:"reputation"`
	RegisteredAt     int64      `json:"registered_at"`
}

type Prayer struct {
	ID            uint64   `json:"id"`
	Requester     Address  `json:"requester"`
	Category      Category `json:"category"`
	ContentHash   Hash     `json:"content_hash"`
	Reward        uint64   `json:"reward"`
	EscrowBalance uint64   `json:"escrow_balance"`
	Status        Status   `json:"status"`
	MaxClaimers   uint8    `json:"max_claimers"`
	NumClaimers   uint8    `json:"num_claimers"`
	Answerer      *Address `json:"answerer,omitempty"`
	AnswerHash    *Hash    `json:"answer_hash,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	ExpiresAt     int64    `json:"expires_at"`
	FulfilledAt   *int64   `json:"fulfilled_at,omitempty"`
}

// Expired reports whether the prayer is still pre-fulfilment and past its deadline.
func (p Prayer) Expired(now time.Time) bool {
	return p.Status.Claimable() && now.Unix() > p.ExpiresAt
}

// EffectiveStatus is the stored status with lazy expiry applied.
func (p Prayer) EffectiveStatus(now time.Time) Status {
	if p.Expired(now) {
		return StatusExpired
	}
	return p.Status
}

type Claim struct {
	PrayerID         uint64  `json:"prayer_id"`
	Claimer          Address `json:"claimer"`
	ContentDelivered bool    `json:"content_delivered"`
	ClaimedAt        int64   `json:"claimed_at"`
}

// Stale reports whether anyone may now remove the claim.
func (c Claim) Stale(now time.Time) bool {
	return now.Unix() > c.ClaimedAt+int64(ClaimTimeout/time.Second)
}

type Balance struct {
	Address Address `json:"address"`
	Amount  uint64  `json:"amount"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}
