package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"chorus/internal/config"
	"chorus/internal/db"
	"chorus/internal/domain"
	"chorus/internal/engine"
	"chorus/internal/migrate"
	"chorus/internal/repo"
)

const authority = domain.Address("authority")

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	env := newBareEnv(t)
	if _, err := env.Engine.Initialize(env.Ctx, authority); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return env
}

// newBareEnv migrates a fresh ledger without initializing the protocol.
func newBareEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: context.Background(), now: &now}
}

func (env testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func (env testEnv) register(t *testing.T, owners ...domain.Address) {
	t.Helper()
	for _, o := range owners {
		if _, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Owner: o, Name: string(o), Skills: "testing"}); err != nil {
			t.Fatalf("register %s: %v", o, err)
		}
	}
}

func (env testEnv) fund(t *testing.T, to domain.Address, amount uint64) {
	t.Helper()
	if _, err := env.Engine.Deposit(env.Ctx, authority, to, amount); err != nil {
		t.Fatalf("deposit %s: %v", to, err)
	}
}

func (env testEnv) post(t *testing.T, requester domain.Address, reward uint64, maxClaimers uint8, ttl int64) domain.Prayer {
	t.Helper()
	p, err := env.Engine.PostPrayer(env.Ctx, engine.PostPrayerOptions{
		Requester:   requester,
		Category:    domain.CategoryKnowledge,
		ContentHash: domain.Hash{1, 2, 3},
		Reward:      reward,
		TTLSeconds:  ttl,
		MaxClaimers: maxClaimers,
	})
	if err != nil {
		t.Fatalf("post prayer: %v", err)
	}
	return p
}

func (env testEnv) claim(t *testing.T, id uint64, claimer domain.Address) domain.Prayer {
	t.Helper()
	p, _, err := env.Engine.ClaimPrayer(env.Ctx, id, claimer)
	if err != nil {
		t.Fatalf("claim %d by %s: %v", id, claimer, err)
	}
	return p
}

func (env testEnv) balance(t *testing.T, addr domain.Address) uint64 {
	t.Helper()
	b, err := env.Engine.Repo.GetBalance(env.Ctx, addr)
	if err != nil {
		t.Fatalf("balance %s: %v", addr, err)
	}
	return b.Amount
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestInitializeOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Initialize(env.Ctx, "someone-else")
	expectErr(t, err, engine.ErrAlreadyInitialized)
	ps, err := env.Engine.Repo.GetProtocol(env.Ctx)
	if err != nil {
		t.Fatalf("get protocol: %v", err)
	}
	if ps.Authority != authority || ps.TotalPrayers != 0 {
		t.Fatalf("unexpected protocol state %+v", ps)
	}
}

func TestOperationsRequireInitialization(t *testing.T) {
	env := newBareEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Owner: "alice", Name: "alice"})
	expectErr(t, err, engine.ErrNotInitialized)
}

func TestRegisterAgentValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Owner: "a", Name: strings.Repeat("x", 33)})
	expectErr(t, err, engine.ErrNameTooLong)
	_, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Owner: "a", Name: "ok", Skills: strings.Repeat("s", 257)})
	expectErr(t, err, engine.ErrSkillsTooLong)
	_, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Owner: "a", Name: "ok", EncryptionKey: &domain.PublicKey{}})
	expectErr(t, err, engine.ErrInvalidEncryptionKey)

	// multi-byte names count bytes, not runes
	_, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Owner: "a", Name: strings.Repeat("é", 17)})
	expectErr(t, err, engine.ErrNameTooLong)

	key := domain.PublicKey{9}
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{
		Owner: "a", Name: strings.Repeat("x", 32), Skills: strings.Repeat("s", 256), EncryptionKey: &key,
	})
	if err != nil {
		t.Fatalf("register at limits: %v", err)
	}
	if a.Reputation != 0 || a.PrayersPosted != 0 {
		t.Fatalf("expected fresh counters, got %+v", a)
	}
	stored, err := env.Engine.Repo.GetAgent(env.Ctx, "a")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if stored.EncryptionKey == nil || *stored.EncryptionKey != key {
		t.Fatalf("encryption key not persisted: %+v", stored.EncryptionKey)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Owner: "alice", Name: "again"})
	expectErr(t, err, engine.ErrAgentExists)
	ps, _ := env.Engine.Repo.GetProtocol(env.Ctx)
	if ps.TotalAgents != 1 {
		t.Fatalf("expected 1 agent, got %d", ps.TotalAgents)
	}
	a, _ := env.Engine.Repo.GetAgent(env.Ctx, "alice")
	if a.Name != "alice" {
		t.Fatalf("original record changed: %+v", a)
	}
}

func TestDepositAuthorityOnly(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Deposit(env.Ctx, "mallory", "mallory", 10)
	expectErr(t, err, engine.ErrNotAuthority)
	_, err = env.Engine.Deposit(env.Ctx, authority, "alice", 0)
	expectErr(t, err, engine.ErrInvalidAmount)
	b, err := env.Engine.Deposit(env.Ctx, authority, "alice", 10)
	if err != nil || b.Amount != 10 {
		t.Fatalf("deposit: %+v %v", b, err)
	}
	_, err = env.Engine.Deposit(env.Ctx, authority, "alice", engine.MaxAmount)
	expectErr(t, err, engine.ErrArithmeticOverflow)
}

func TestPostPrayerValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	base := engine.PostPrayerOptions{Requester: "alice", Category: domain.CategoryCompute, TTLSeconds: 60, MaxClaimers: 1}

	bad := base
	bad.TTLSeconds = 0
	_, err := env.Engine.PostPrayer(env.Ctx, bad)
	expectErr(t, err, engine.ErrInvalidTTL)
	bad.TTLSeconds = domain.MaxTTLSeconds + 1
	_, err = env.Engine.PostPrayer(env.Ctx, bad)
	expectErr(t, err, engine.ErrInvalidTTL)

	bad = base
	bad.MaxClaimers = 0
	_, err = env.Engine.PostPrayer(env.Ctx, bad)
	expectErr(t, err, engine.ErrInvalidMaxClaimers)
	bad.MaxClaimers = 11
	_, err = env.Engine.PostPrayer(env.Ctx, bad)
	expectErr(t, err, engine.ErrInvalidMaxClaimers)

	bad = base
	bad.Category = domain.Category(9)
	_, err = env.Engine.PostPrayer(env.Ctx, bad)
	expectErr(t, err, engine.ErrInvalidCategory)

	bad = base
	bad.Reward = 5
	_, err = env.Engine.PostPrayer(env.Ctx, bad)
	expectErr(t, err, engine.ErrInsufficientFunds)

	bad = base
	bad.Requester = "stranger"
	_, err = env.Engine.PostPrayer(env.Ctx, bad)
	expectErr(t, err, engine.ErrAgentNotFound)

	ok := base
	ok.TTLSeconds = domain.MaxTTLSeconds
	ok.MaxClaimers = domain.MaxClaimersLimit
	p, err := env.Engine.PostPrayer(env.Ctx, ok)
	if err != nil {
		t.Fatalf("post at limits: %v", err)
	}
	if p.ID != 0 || p.Status != domain.StatusOpen || p.ExpiresAt-p.CreatedAt != domain.MaxTTLSeconds {
		t.Fatalf("unexpected prayer %+v", p)
	}
	second, err := env.Engine.PostPrayer(env.Ctx, base)
	if err != nil || second.ID != 1 {
		t.Fatalf("expected dense id 1, got %d (%v)", second.ID, err)
	}
	a, _ := env.Engine.Repo.GetAgent(env.Ctx, "alice")
	if a.PrayersPosted != 2 {
		t.Fatalf("expected 2 prayers posted, got %d", a.PrayersPosted)
	}
}

func TestPostThenCancelRefundsReward(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	env.fund(t, "alice", 500)
	p := env.post(t, "alice", 200, 2, 3600)
	if got := env.balance(t, "alice"); got != 300 {
		t.Fatalf("expected 300 after escrow, got %d", got)
	}
	cancelled, err := env.Engine.CancelPrayer(env.Ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.EscrowBalance != 0 {
		t.Fatalf("unexpected cancelled prayer %+v", cancelled)
	}
	if got := env.balance(t, "alice"); got != 500 {
		t.Fatalf("expected full refund, got %d", got)
	}
	_, err = env.Engine.CancelPrayer(env.Ctx, p.ID, "alice")
	expectErr(t, err, engine.ErrCannotCancel)
}

func TestCancelGuards(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob")
	p := env.post(t, "alice", 0, 2, 3600)

	_, err := env.Engine.CancelPrayer(env.Ctx, p.ID, "bob")
	expectErr(t, err, engine.ErrNotRequester)

	env.claim(t, p.ID, "bob")
	_, err = env.Engine.CancelPrayer(env.Ctx, p.ID, "alice")
	expectErr(t, err, engine.ErrHasClaimers)

	single := env.post(t, "alice", 0, 1, 3600)
	env.claim(t, single.ID, "bob")
	_, err = env.Engine.CancelPrayer(env.Ctx, single.ID, "eve")
	expectErr(t, err, engine.ErrNotRequester)
	_, err = env.Engine.CancelPrayer(env.Ctx, single.ID, "alice")
	expectErr(t, err, engine.ErrCannotCancel)
}

func TestClaimFillsSlotsThenRejects(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob", "carol", "dave")
	p := env.post(t, "alice", 0, 2, 3600)

	got := env.claim(t, p.ID, "bob")
	if got.Status != domain.StatusOpen || got.NumClaimers != 1 {
		t.Fatalf("after first claim: %+v", got)
	}
	got = env.claim(t, p.ID, "carol")
	if got.Status != domain.StatusActive || got.NumClaimers != 2 {
		t.Fatalf("after filling: %+v", got)
	}
	_, _, err := env.Engine.ClaimPrayer(env.Ctx, p.ID, "dave")
	expectErr(t, err, engine.ErrNotOpen)

	stored, _ := env.Engine.Repo.GetPrayer(env.Ctx, p.ID)
	if stored.NumClaimers != 2 {
		t.Fatalf("rejected claim must not change count, got %d", stored.NumClaimers)
	}
}

func TestClaimGuards(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob")
	p := env.post(t, "alice", 0, 3, 60)

	_, _, err := env.Engine.ClaimPrayer(env.Ctx, p.ID, "alice")
	expectErr(t, err, engine.ErrCannotClaimOwn)
	_, _, err = env.Engine.ClaimPrayer(env.Ctx, p.ID, "stranger")
	expectErr(t, err, engine.ErrAgentNotFound)
	_, _, err = env.Engine.ClaimPrayer(env.Ctx, 99, "bob")
	expectErr(t, err, repo.ErrNotFound)

	env.claim(t, p.ID, "bob")
	_, _, err = env.Engine.ClaimPrayer(env.Ctx, p.ID, "bob")
	expectErr(t, err, engine.ErrAlreadyClaimed)

	late := env.post(t, "alice", 0, 3, 60)
	env.advance(60 * time.Second)
	_, _, err = env.Engine.ClaimPrayer(env.Ctx, late.ID, "bob")
	expectErr(t, err, engine.ErrExpired)
}

func TestFullLifecycleSplitsRewardAndCloseRecoversResidual(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob", "carol", "dave")
	env.fund(t, "alice", 100)
	p := env.post(t, "alice", 100, 3, 3600)
	for _, c := range []domain.Address{"bob", "carol", "dave"} {
		env.claim(t, p.ID, c)
		env.advance(time.Second)
		if _, err := env.Engine.DeliverContent(env.Ctx, engine.DeliverContentOptions{
			PrayerID: p.ID, Requester: "alice", Claimer: c, Payload: []byte("sealed:" + string(c)),
		}); err != nil {
			t.Fatalf("deliver to %s: %v", c, err)
		}
	}
	answered, err := env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{
		PrayerID: p.ID, Answerer: "carol", AnswerHash: domain.Hash{7}, Payload: []byte("sealed-answer"),
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answered.Status != domain.StatusFulfilled || answered.Answerer == nil || *answered.Answerer != "carol" || answered.FulfilledAt == nil {
		t.Fatalf("unexpected answered prayer %+v", answered)
	}

	confirmed, dist, err := env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if dist.PerClaimer != 33 || dist.TotalPaid != 99 || dist.Residual != 1 {
		t.Fatalf("unexpected distribution %+v", dist)
	}
	if confirmed.Status != domain.StatusConfirmed || confirmed.EscrowBalance != 1 {
		t.Fatalf("unexpected confirmed prayer %+v", confirmed)
	}
	// payees default to claim order
	want := []domain.Address{"bob", "carol", "dave"}
	for i, pay := range dist.Payments {
		if pay.To != want[i] {
			t.Fatalf("payment %d to %s, want %s", i, pay.To, want[i])
		}
	}
	for _, c := range want {
		if got := env.balance(t, c); got != 33 {
			t.Fatalf("%s balance %d, want 33", c, got)
		}
	}
	carol, _ := env.Engine.Repo.GetAgent(env.Ctx, "carol")
	if carol.PrayersAnswered != 1 || carol.PrayersConfirmed != 1 || carol.Reputation != domain.AnswerReputation+domain.ConfirmReputation {
		t.Fatalf("unexpected answerer stats %+v", carol)
	}
	ps, _ := env.Engine.Repo.GetProtocol(env.Ctx)
	if ps.TotalAnswered != 1 {
		t.Fatalf("expected total_answered 1, got %d", ps.TotalAnswered)
	}

	res, err := env.Engine.ClosePrayer(env.Ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Refunded != 1 || res.ClaimsRemoved != 3 {
		t.Fatalf("unexpected close result %+v", res)
	}
	if got := env.balance(t, "alice"); got != 1 {
		t.Fatalf("expected residual refunded, got %d", got)
	}
	if _, err := env.Engine.Repo.GetPrayer(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected prayer deleted, got %v", err)
	}
	claims, _ := env.Engine.Repo.ListClaims(env.Ctx, p.ID)
	if len(claims) != 0 {
		t.Fatalf("expected claims deleted, got %d", len(claims))
	}
}

func TestDeliverContentGuards(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob", "carol")
	p := env.post(t, "alice", 0, 2, 3600)
	env.claim(t, p.ID, "bob")

	opts := engine.DeliverContentOptions{PrayerID: p.ID, Requester: "carol", Claimer: "bob", Payload: []byte("x")}
	_, err := env.Engine.DeliverContent(env.Ctx, opts)
	expectErr(t, err, engine.ErrNotRequester)

	opts.Requester = "alice"
	opts.Claimer = "carol"
	_, err = env.Engine.DeliverContent(env.Ctx, opts)
	expectErr(t, err, engine.ErrNotClaimed)

	opts.Claimer = "bob"
	opts.Payload = make([]byte, 1025)
	_, err = env.Engine.DeliverContent(env.Ctx, opts)
	expectErr(t, err, engine.ErrPayloadTooLarge)

	opts.Payload = []byte("sealed")
	c, err := env.Engine.DeliverContent(env.Ctx, opts)
	if err != nil || !c.ContentDelivered {
		t.Fatalf("deliver: %+v %v", c, err)
	}
	_, err = env.Engine.DeliverContent(env.Ctx, opts)
	expectErr(t, err, engine.ErrAlreadyDelivered)

	if _, err := env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: p.ID, Answerer: "bob"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	// fulfilled prayers take no more deliveries
	_, err = env.Engine.DeliverContent(env.Ctx, engine.DeliverContentOptions{PrayerID: p.ID, Requester: "alice", Claimer: "bob"})
	expectErr(t, err, engine.ErrNotClaimed)
}

func TestAnswerGuards(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob", "carol")
	p := env.post(t, "alice", 0, 2, 120)
	env.claim(t, p.ID, "bob")

	_, err := env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: p.ID, Answerer: "carol"})
	expectErr(t, err, engine.ErrNotClaimed)

	_, err = env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: p.ID, Answerer: "bob", Payload: make([]byte, 2048)})
	expectErr(t, err, engine.ErrPayloadTooLarge)

	if _, err := env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: p.ID, Answerer: "bob"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	_, err = env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: p.ID, Answerer: "bob"})
	expectErr(t, err, engine.ErrNotClaimed)

	late := env.post(t, "alice", 0, 2, 120)
	env.claim(t, late.ID, "carol")
	env.advance(120 * time.Second)
	_, err = env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: late.ID, Answerer: "carol"})
	expectErr(t, err, engine.ErrExpired)
}

func TestConfirmGuardsAndExplicitPayees(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob", "carol", "dave")
	env.fund(t, "alice", 90)
	p := env.post(t, "alice", 90, 3, 3600)
	env.claim(t, p.ID, "bob")
	env.claim(t, p.ID, "carol")
	env.claim(t, p.ID, "dave")

	_, _, err := env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "eve"})
	expectErr(t, err, engine.ErrNotRequester)
	_, _, err = env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice"})
	expectErr(t, err, engine.ErrNotFulfilled)

	if _, err := env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: p.ID, Answerer: "bob"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	_, _, err = env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "bob"})
	expectErr(t, err, engine.ErrNotRequester)
	_, _, err = env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice", Payees: []domain.Address{"mallory"}})
	expectErr(t, err, engine.ErrInvalidPayee)
	_, _, err = env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice", Payees: []domain.Address{"bob", "bob"}})
	expectErr(t, err, engine.ErrInvalidPayee)

	_, _, err = env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice", Payees: []domain.Address{"bob"}})
	expectErr(t, err, engine.ErrInvalidPayee)
	_, _, err = env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice", Payees: []domain.Address{"dave", "bob"}})
	expectErr(t, err, engine.ErrInvalidPayee)
	if env.balance(t, "bob") != 0 {
		t.Fatalf("rejected confirm must not pay")
	}

	_, dist, err := env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice", Payees: []domain.Address{"dave", "carol", "bob"}})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if dist.TotalPaid != 90 || dist.Residual != 0 {
		t.Fatalf("unexpected distribution %+v", dist)
	}
	for _, who := range []domain.Address{"bob", "carol", "dave"} {
		if got := env.balance(t, who); got != 30 {
			t.Fatalf("%s balance = %d, want 30", who, got)
		}
	}
	res, err := env.Engine.ClosePrayer(env.Ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Refunded != 0 || env.balance(t, "alice") != 0 {
		t.Fatalf("requester recovered claimer shares: %+v", res)
	}
	_, _, err = env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice"})
	expectErr(t, err, engine.ErrNotFulfilled)
}

func TestUnclaimTimingMatrix(t *testing.T) {
	cases := []struct {
		name    string
		caller  domain.Address
		elapsed time.Duration
		want    error
	}{
		{"claimer immediately", "bob", 0, nil},
		{"claimer after timeout", "bob", 2 * time.Hour, nil},
		{"stranger before timeout", "eve", 10 * time.Minute, engine.ErrNotClaimer},
		{"stranger at timeout", "eve", domain.ClaimTimeout, engine.ErrNotClaimer},
		{"stranger after timeout", "eve", domain.ClaimTimeout + time.Second, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.register(t, "alice", "bob")
			p := env.post(t, "alice", 0, 1, domain.MaxTTLSeconds)
			if got := env.claim(t, p.ID, "bob"); got.Status != domain.StatusActive {
				t.Fatalf("expected active, got %s", got.Status)
			}
			env.advance(tc.elapsed)
			got, err := env.Engine.UnclaimPrayer(env.Ctx, engine.UnclaimOptions{PrayerID: p.ID, Caller: tc.caller, Claimer: "bob"})
			if tc.want != nil {
				expectErr(t, err, tc.want)
				return
			}
			if err != nil {
				t.Fatalf("unclaim: %v", err)
			}
			if got.NumClaimers != 0 || got.Status != domain.StatusOpen {
				t.Fatalf("expected reopened prayer, got %+v", got)
			}
			if _, err := env.Engine.Repo.GetClaim(env.Ctx, p.ID, "bob"); !errors.Is(err, repo.ErrNotFound) {
				t.Fatalf("expected claim removed, got %v", err)
			}
		})
	}
}

func TestUnclaimGuards(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob")
	p := env.post(t, "alice", 0, 2, 3600)
	_, err := env.Engine.UnclaimPrayer(env.Ctx, engine.UnclaimOptions{PrayerID: p.ID, Caller: "bob", Claimer: "bob"})
	expectErr(t, err, engine.ErrNotClaimed)

	env.claim(t, p.ID, "bob")
	if _, err := env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: p.ID, Answerer: "bob"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	_, err = env.Engine.UnclaimPrayer(env.Ctx, engine.UnclaimOptions{PrayerID: p.ID, Caller: "bob", Claimer: "bob"})
	expectErr(t, err, engine.ErrNotClaimed)
}

func TestClosePrayerRules(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob")
	env.fund(t, "alice", 50)
	p := env.post(t, "alice", 50, 2, 600)
	env.claim(t, p.ID, "bob")

	_, err := env.Engine.ClosePrayer(env.Ctx, p.ID, "alice")
	expectErr(t, err, engine.ErrCannotClose)
	_, err = env.Engine.ClosePrayer(env.Ctx, p.ID, "bob")
	expectErr(t, err, engine.ErrNotRequester)

	// exactly at the deadline the prayer is not yet expired
	env.advance(600 * time.Second)
	_, err = env.Engine.ClosePrayer(env.Ctx, p.ID, "alice")
	expectErr(t, err, engine.ErrCannotClose)

	env.advance(time.Second)
	stored, _ := env.Engine.Repo.GetPrayer(env.Ctx, p.ID)
	if stored.EffectiveStatus(env.Engine.Now()) != domain.StatusExpired {
		t.Fatalf("expected effective status expired")
	}
	res, err := env.Engine.ClosePrayer(env.Ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("close expired: %v", err)
	}
	if res.Refunded != 50 || res.ClaimsRemoved != 1 {
		t.Fatalf("unexpected close %+v", res)
	}
	if got := env.balance(t, "alice"); got != 50 {
		t.Fatalf("expected full refund, got %d", got)
	}
}

func TestFulfilledPrayerCannotCloseUntilConfirmed(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob")
	p := env.post(t, "alice", 0, 1, 60)
	env.claim(t, p.ID, "bob")
	if _, err := env.Engine.AnswerPrayer(env.Ctx, engine.AnswerPrayerOptions{PrayerID: p.ID, Answerer: "bob"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	env.advance(time.Hour)
	_, err := env.Engine.ClosePrayer(env.Ctx, p.ID, "alice")
	expectErr(t, err, engine.ErrCannotClose)
	if _, _, err := env.Engine.ConfirmPrayer(env.Ctx, engine.ConfirmPrayerOptions{PrayerID: p.ID, Requester: "alice"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := env.Engine.ClosePrayer(env.Ctx, p.ID, "alice"); err != nil {
		t.Fatalf("close confirmed: %v", err)
	}
}

func TestConcurrentClaimsForLastSlot(t *testing.T) {
	env := newTestEnv(t)
	claimers := []domain.Address{"c0", "c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	env.register(t, "alice")
	env.register(t, claimers...)
	p := env.post(t, "alice", 0, 1, 3600)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		notOpen int
		other   []error
	)
	for _, c := range claimers {
		wg.Add(1)
		go func(c domain.Address) {
			defer wg.Done()
			_, _, err := env.Engine.ClaimPrayer(env.Ctx, p.ID, c)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, engine.ErrNotOpen):
				notOpen++
			default:
				other = append(other, err)
			}
		}(c)
	}
	wg.Wait()
	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if wins != 1 || notOpen != len(claimers)-1 {
		t.Fatalf("expected one winner, got wins=%d notOpen=%d", wins, notOpen)
	}
	stored, _ := env.Engine.Repo.GetPrayer(env.Ctx, p.ID)
	if stored.NumClaimers != 1 || stored.Status != domain.StatusActive {
		t.Fatalf("unexpected prayer after race %+v", stored)
	}
}

func TestRandomClaimSequencesKeepInvariants(t *testing.T) {
	env := newTestEnv(t)
	agents := []domain.Address{"a0", "a1", "a2", "a3", "a4", "a5"}
	env.register(t, agents...)
	var deposited uint64
	for _, a := range agents {
		env.fund(t, a, 1000)
		deposited += 1000
	}
	var prayers []domain.Prayer
	for i, a := range agents[:3] {
		prayers = append(prayers, env.post(t, a, uint64(100+i), uint8(i+1), domain.MaxTTLSeconds))
	}

	rng := rand.New(rand.NewSource(42))
	for step := 0; step < 300; step++ {
		p := prayers[rng.Intn(len(prayers))]
		who := agents[rng.Intn(len(agents))]
		if rng.Intn(2) == 0 {
			_, _, _ = env.Engine.ClaimPrayer(env.Ctx, p.ID, who)
		} else {
			_, _ = env.Engine.UnclaimPrayer(env.Ctx, engine.UnclaimOptions{PrayerID: p.ID, Caller: who, Claimer: who})
		}
		env.advance(time.Second)

		for _, q := range prayers {
			stored, err := env.Engine.Repo.GetPrayer(env.Ctx, q.ID)
			if err != nil {
				t.Fatalf("step %d: get prayer: %v", step, err)
			}
			claims, _ := env.Engine.Repo.ListClaims(env.Ctx, q.ID)
			if int(stored.NumClaimers) != len(claims) {
				t.Fatalf("step %d: num_claimers %d but %d claims", step, stored.NumClaimers, len(claims))
			}
			if stored.NumClaimers > stored.MaxClaimers {
				t.Fatalf("step %d: num_claimers %d exceeds max %d", step, stored.NumClaimers, stored.MaxClaimers)
			}
			if (stored.Status == domain.StatusActive) != (stored.NumClaimers == stored.MaxClaimers) {
				t.Fatalf("step %d: status %s with %d/%d claimers", step, stored.Status, stored.NumClaimers, stored.MaxClaimers)
			}
		}
	}

	balances, _ := env.Engine.Repo.ListBalances(env.Ctx)
	var held uint64
	for _, b := range balances {
		held += b.Amount
	}
	escrow, _ := env.Engine.Repo.SumEscrow(env.Ctx)
	if held+escrow != deposited {
		t.Fatalf("value not conserved: balances %d + escrow %d != %d", held, escrow, deposited)
	}
}

func TestNotificationsFollowCommittedOperations(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "bob")
	p := env.post(t, "alice", 0, 1, 3600)
	env.claim(t, p.ID, "bob")
	// rejected operations leave no notification behind
	_, _, _ = env.Engine.ClaimPrayer(env.Ctx, p.ID, "alice")

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	got := strings.Join(types, ",")
	want := "protocol.initialized,agent.registered,agent.registered,prayer.posted,prayer.claimed"
	if got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
	last := evts[len(evts)-1]
	if last.EntityID != fmt.Sprintf("%d", p.ID) || !strings.Contains(last.Payload, `"num_claimers":1`) {
		t.Fatalf("unexpected claim event %+v", last)
	}
}
