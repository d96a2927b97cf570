package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Notification types appended by the engine.
const (
	ProtocolInitialized = "protocol.initialized"
	AgentRegistered     = "agent.registered"
	BalanceDeposited    = "balance.deposited"
	PrayerPosted        = "prayer.posted"
	PrayerClaimed       = "prayer.claimed"
	ContentDelivered    = "content.delivered"
	PrayerAnswered      = "prayer.answered"
	PrayerConfirmed     = "prayer.confirmed"
	PrayerCancelled     = "prayer.cancelled"
	ClaimRemoved        = "claim.removed"
	PrayerClosed        = "prayer.closed"
)

// Types lists every notification type, in lifecycle order.
var Types = []string{
	ProtocolInitialized, AgentRegistered, BalanceDeposited, PrayerPosted, PrayerClaimed,
	ContentDelivered, PrayerAnswered, PrayerConfirmed, PrayerCancelled, ClaimRemoved, PrayerClosed,
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records a notification inside tx; it is only visible if tx commits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actor string, payload EventPayload) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), actor, string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", evtType, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
