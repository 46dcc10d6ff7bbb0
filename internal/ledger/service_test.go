package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ernie/tapledger/internal/domain"
	"github.com/ernie/tapledger/internal/storage"
)

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) last(eventType string) (domain.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return domain.Event{}, false
}

// denyAll rejects every request
type denyAll struct{}

func (denyAll) Verify(string, string) error { return domain.ErrUnauthorized }

type harness struct {
	svc    *Service
	store  *storage.Store
	events *recorder
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return newHarnessWithRepo(t, store, store, tweak)
}

func newHarnessWithRepo(t *testing.T, store *storage.Store, repo Repository, tweak func(*Options)) *harness {
	t.Helper()
	var (
		mu   sync.Mutex
		next int
	)
	opts := DefaultOptions()
	opts.Now = func() time.Time { return testNow }
	opts.NewSessionToken = func() string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("session-%d", next)
	}
	if tweak != nil {
		tweak(&opts)
	}
	rec := &recorder{}
	return &harness{svc: NewService(repo, nil, rec, opts), store: store, events: rec}
}

func (h *harness) init(t *testing.T, id, referrer string) *domain.Account {
	t.Helper()
	acct, err := h.svc.Init(context.Background(), InitRequest{AccountID: id, ReferrerID: referrer})
	if err != nil {
		t.Fatalf("Init(%s): %v", id, err)
	}
	return acct
}

func (h *harness) get(t *testing.T, id string) *domain.Account {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%s): %v", id, err)
	}
	return acct
}

// seed overwrites stored fields outside reconciliation
func (h *harness) seed(t *testing.T, id string, mutate func(*domain.Account)) {
	t.Helper()
	acct := h.get(t, id)
	mutate(acct)
	if err := h.store.CommitAccount(context.Background(), acct, acct.Version, nil); err != nil {
		t.Fatalf("seeding %s: %v", id, err)
	}
}

func (h *harness) sync(t *testing.T, req SyncRequest) *domain.SyncResult {
	t.Helper()
	res, err := h.svc.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("Sync(%s): %v", req.AccountID, err)
	}
	return res
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestInitCreatesAccount(t *testing.T) {
	h := newHarness(t, nil)

	acct, err := h.svc.Init(context.Background(), InitRequest{AccountID: " 42 ", DisplayName: "Ann"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if acct.ID != "42" || acct.DisplayName != "Ann" || acct.SessionToken == "" {
		t.Fatalf("account = %+v", acct)
	}
	stored := h.get(t, "42")
	if stored.SessionToken != acct.SessionToken || stored.Energy != domain.BaseEnergy || stored.Balance != 0 {
		t.Errorf("stored = %+v", stored)
	}
	if h.events.count(domain.EventAccountCreated) != 1 || h.events.count(domain.EventSessionIssued) != 1 {
		t.Errorf("events = %+v", h.events.events)
	}
}

func TestInitRequiresAccountID(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.Init(context.Background(), InitRequest{AccountID: "  "}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("Init with blank id = %v, want ErrInvalidRequest", err)
	}
}

func TestInitReissueFencesOldSession(t *testing.T) {
	h := newHarness(t, nil)
	first := h.init(t, "1", "")
	second := h.init(t, "1", "")
	if first.SessionToken == second.SessionToken {
		t.Fatal("re-init did not rotate the session token")
	}

	before := h.get(t, "1")
	_, err := h.svc.Sync(context.Background(), SyncRequest{
		AccountID:        "1",
		CumulativeEarned: 40,
		CumulativeSpent:  5,
		Energy:           10,
		SessionToken:     first.SessionToken,
	})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Message != domain.SignedInElsewhere {
		t.Fatalf("Sync with stale token = %v, want conflict", err)
	}
	after := h.get(t, "1")
	if after.Balance != before.Balance || after.Energy != before.Energy ||
		after.CumulativeEarned != before.CumulativeEarned || after.Version != before.Version {
		t.Errorf("rejected sync mutated the account: before=%+v after=%+v", before, after)
	}
	if h.events.count(domain.EventSessionRejected) != 1 {
		t.Error("session rejection was not published")
	}

	h.sync(t, SyncRequest{AccountID: "1", CumulativeEarned: 40, Energy: 10, SessionToken: second.SessionToken})
}

func TestInitLinksReferrerExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "A", "")

	h.init(t, "B", "A")
	h.init(t, "B", "A")
	h.init(t, "B", "")

	a := h.get(t, "A")
	if a.ReferralCount != 1 || a.PendingEnergyCredit != domain.ReferralEnergyBonus {
		t.Fatalf("referrer count=%d pending=%d, want 1/%d", a.ReferralCount, a.PendingEnergyCredit, domain.ReferralEnergyBonus)
	}
	if b := h.get(t, "B"); b.ReferrerID != "A" {
		t.Errorf("invitee referrer = %q", b.ReferrerID)
	}
	if h.events.count(domain.EventReferralLinked) != 1 {
		t.Errorf("referral_linked published %d times", h.events.count(domain.EventReferralLinked))
	}
}

func TestInitIgnoresUnusableReferrers(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "banned", "")
	if _, err := h.svc.SetBanned(context.Background(), "banned", true); err != nil {
		t.Fatalf("SetBanned: %v", err)
	}

	h.init(t, "self", "self")
	h.init(t, "orphan", "missing")
	h.init(t, "blocked", "banned")

	for _, id := range []string{"self", "orphan", "blocked"} {
		if acct := h.get(t, id); acct.ReferrerID != "" {
			t.Errorf("%s linked to %q", id, acct.ReferrerID)
		}
	}
	if b := h.get(t, "banned"); b.ReferralCount != 0 || b.PendingEnergyCredit != 0 {
		t.Errorf("banned referrer credited: %+v", b)
	}
}

func TestInitRejectsBanned(t *testing.T) {
	h := newHarness(t, nil)
	first := h.init(t, "1", "")
	if _, err := h.svc.SetBanned(context.Background(), "1", true); err != nil {
		t.Fatalf("SetBanned: %v", err)
	}
	if _, err := h.svc.Init(context.Background(), InitRequest{AccountID: "1"}); !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("Init on banned = %v, want ErrBanned", err)
	}
	if got := h.get(t, "1"); got.SessionToken != first.SessionToken {
		t.Error("banned init rotated the session token")
	}
}

func TestSyncBalanceFormula(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "D", "")
	c := h.init(t, "C", "D")
	h.seed(t, "C", func(a *domain.Account) { a.Balance = 12.5 })

	res := h.sync(t, SyncRequest{
		AccountID:        "C",
		CumulativeEarned: 30,
		CumulativeSpent:  7,
		Energy:           900,
		SessionToken:     c.SessionToken,
	})

	// 12.5 + 30 - 7 - 3 (10% commission)
	if !approx(res.Balance, 32.5) {
		t.Errorf("balance = %v, want 32.5", res.Balance)
	}
	if res.CumulativeEarned != 30 || res.CumulativeSpent != 7 || res.Energy != 900 {
		t.Errorf("result = %+v", res)
	}
	if d := h.get(t, "D"); !approx(d.Balance, 3) {
		t.Errorf("referrer balance = %v, want 3", d.Balance)
	}
}

func TestSyncReplayAndRegressionChangeNothing(t *testing.T) {
	h := newHarness(t, nil)
	acct := h.init(t, "1", "")
	req := SyncRequest{AccountID: "1", CumulativeEarned: 45, CumulativeSpent: 10, Energy: 500, SessionToken: acct.SessionToken}

	first := h.sync(t, req)
	replay := h.sync(t, req)
	req.CumulativeEarned, req.CumulativeSpent = 20, 3
	regressed := h.sync(t, req)

	if !approx(first.Balance, 35) {
		t.Fatalf("first balance = %v, want 35", first.Balance)
	}
	if replay.Balance != first.Balance || regressed.Balance != first.Balance {
		t.Errorf("balances = %v, %v, %v; replay and regression must not change balance", first.Balance, replay.Balance, regressed.Balance)
	}
	if regressed.CumulativeEarned != 45 || regressed.CumulativeSpent != 10 {
		t.Errorf("stored counters moved backwards: %+v", regressed)
	}
}

func TestSyncClampsEarnedDelta(t *testing.T) {
	h := newHarness(t, nil)
	acct := h.init(t, "1", "")
	res := h.sync(t, SyncRequest{AccountID: "1", CumulativeEarned: 10000, Energy: 1, SessionToken: acct.SessionToken})
	if res.Balance != domain.MaxEarnPerSync || res.CumulativeEarned != 10000 {
		t.Fatalf("result = %+v, want balance %v", res, domain.MaxEarnPerSync)
	}
	ev, ok := h.events.last(domain.EventSyncCommitted)
	if !ok {
		t.Fatal("sync_committed not published")
	}
	if data := ev.Data.(domain.SyncCommittedEvent); data.DroppedEarned != 9950 {
		t.Errorf("dropped = %v, want 9950", data.DroppedEarned)
	}
}

func TestReferrerEnergyScenario(t *testing.T) {
	h := newHarness(t, nil)
	a := h.init(t, "A", "")
	if a.MaxEnergy() != 1000 {
		t.Fatalf("tier 1 max energy = %d", a.MaxEnergy())
	}
	h.init(t, "B", "A")

	res := h.sync(t, SyncRequest{AccountID: "A", Energy: 800, SessionToken: a.SessionToken})
	if res.Energy != 1000 || res.PendingEnergyCredit != 0 {
		t.Fatalf("energy=%d pending=%d, want 1000/0", res.Energy, res.PendingEnergyCredit)
	}
	ev, ok := h.events.last(domain.EventEnergyBonusSpent)
	if !ok {
		t.Fatal("energy bonus event not published")
	}
	if data := ev.Data.(domain.EnergyBonusEvent); data.Applied != 200 || data.Forfeited != 300 {
		t.Errorf("energy bonus = %+v", data)
	}

	// The credit is gone; a later sync reports energy as-is
	res = h.sync(t, SyncRequest{AccountID: "A", Energy: 300, SessionToken: a.SessionToken})
	if res.Energy != 300 {
		t.Errorf("energy after drain = %d, want 300", res.Energy)
	}
}

func TestSyncCapsHugeReportedEnergy(t *testing.T) {
	h := newHarness(t, nil)
	a := h.init(t, "A", "")
	h.init(t, "B", "A")

	res := h.sync(t, SyncRequest{AccountID: "A", Energy: math.MaxInt64, SessionToken: a.SessionToken})
	if res.Energy != 1000 || res.PendingEnergyCredit != 0 {
		t.Fatalf("energy=%d pending=%d, want 1000/0", res.Energy, res.PendingEnergyCredit)
	}
	if got := h.get(t, "A"); got.Energy != 1000 {
		t.Errorf("stored energy = %d, want 1000", got.Energy)
	}
}

func TestEnergyUsesPostSyncCapacity(t *testing.T) {
	h := newHarness(t, nil)
	a := h.init(t, "A", "")
	h.init(t, "B", "A")

	res := h.sync(t, SyncRequest{
		AccountID:    "A",
		Energy:       1000,
		Tiers:        domain.Tiers{Damage: 1, Capacity: 2, Recovery: 1},
		SessionToken: a.SessionToken,
	})
	if res.MaxEnergy != 1200 || res.Energy != 1200 {
		t.Fatalf("max=%d energy=%d, want 1200/1200", res.MaxEnergy, res.Energy)
	}
}

func TestCommissionScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "D", "")
	c := h.init(t, "C", "D")
	h.seed(t, "C", func(a *domain.Account) { a.CumulativeEarned = 100 })

	h.sync(t, SyncRequest{AccountID: "C", CumulativeEarned: 220, Energy: 1000, SessionToken: c.SessionToken})

	cAfter, d := h.get(t, "C"), h.get(t, "D")
	if !approx(d.Balance, 5) || !approx(d.CumulativeEarned, 5) {
		t.Errorf("referrer balance=%v cumulative=%v, want 5/5", d.Balance, d.CumulativeEarned)
	}
	if !approx(cAfter.EarningsCreditedToReferrer, 5) || !approx(cAfter.Balance, 45) {
		t.Errorf("invitee credited=%v balance=%v, want 5/45", cAfter.EarningsCreditedToReferrer, cAfter.Balance)
	}
	if cAfter.CumulativeEarned != 220 {
		t.Errorf("invitee cumulative = %v", cAfter.CumulativeEarned)
	}
	ev, ok := h.events.last(domain.EventCommissionPaid)
	if !ok || ev.AccountID != "D" {
		t.Errorf("commission event = %+v, %v", ev, ok)
	}
}

func TestCommissionPolicies(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.CommissionOnTop = true
		o.CreditReferrerCumulative = false
	})
	h.init(t, "D", "")
	c := h.init(t, "C", "D")

	res := h.sync(t, SyncRequest{AccountID: "C", CumulativeEarned: 50, SessionToken: c.SessionToken})
	if res.Balance != 50 {
		t.Errorf("invitee balance = %v, want full 50", res.Balance)
	}
	d := h.get(t, "D")
	if !approx(d.Balance, 5) || d.CumulativeEarned != 0 {
		t.Errorf("referrer balance=%v cumulative=%v, want 5/0", d.Balance, d.CumulativeEarned)
	}
}

func TestCommissionSkippedForUnavailableReferrer(t *testing.T) {
	for _, tc := range []struct {
		name   string
		remove func(*Service) error
	}{
		{"banned", func(s *Service) error { _, err := s.SetBanned(context.Background(), "D", true); return err }},
		{"deleted", func(s *Service) error { return s.DeleteAccount(context.Background(), "D") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.init(t, "D", "")
			c := h.init(t, "C", "D")
			if err := tc.remove(h.svc); err != nil {
				t.Fatalf("removing referrer: %v", err)
			}

			res := h.sync(t, SyncRequest{AccountID: "C", CumulativeEarned: 20, SessionToken: c.SessionToken})
			if res.Balance != 20 {
				t.Errorf("invitee balance = %v, want 20", res.Balance)
			}
			if got := h.get(t, "C"); got.EarningsCreditedToReferrer != 0 {
				t.Errorf("credited to referrer = %v", got.EarningsCreditedToReferrer)
			}
		})
	}
}

func TestRecreatedInviteeKeepsSyncing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t, "D", "")
	c := h.init(t, "C", "D")
	h.sync(t, SyncRequest{AccountID: "C", CumulativeEarned: 10, SessionToken: c.SessionToken})

	if err := h.svc.DeleteAccount(ctx, "C"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if d := h.get(t, "D"); d.ReferralCount != 0 {
		t.Fatalf("referral count after invitee delete = %d, want 0", d.ReferralCount)
	}

	c = h.init(t, "C", "D")
	if c.ReferrerID != "D" {
		t.Fatalf("re-created invitee referrer = %q", c.ReferrerID)
	}
	balanceBefore := h.get(t, "D").Balance
	res := h.sync(t, SyncRequest{AccountID: "C", CumulativeEarned: 10, SessionToken: c.SessionToken})
	if !approx(res.Balance, 9) {
		t.Errorf("invitee balance = %v, want 9", res.Balance)
	}
	d := h.get(t, "D")
	if !approx(d.Balance-balanceBefore, 1) || d.ReferralCount != 1 {
		t.Errorf("referrer balance delta=%v count=%d, want 1/1", d.Balance-balanceBefore, d.ReferralCount)
	}
}

func TestSyncBannedMutatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	acct := h.init(t, "1", "")
	if _, err := h.svc.SetBanned(context.Background(), "1", true); err != nil {
		t.Fatalf("SetBanned: %v", err)
	}
	before := h.get(t, "1")

	_, err := h.svc.Sync(context.Background(), SyncRequest{AccountID: "1", CumulativeEarned: 50, Energy: 3, SessionToken: acct.SessionToken})
	if !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("Sync = %v, want ErrBanned", err)
	}
	after := h.get(t, "1")
	if after.Balance != before.Balance || after.Energy != before.Energy || after.Version != before.Version {
		t.Errorf("banned sync mutated: before=%+v after=%+v", before, after)
	}
}

func TestSyncErrors(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.Sync(context.Background(), SyncRequest{AccountID: "ghost"}); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("Sync(ghost) = %v, want ErrAccountNotFound", err)
	}

	h.init(t, "1", "")
	denied := newHarnessWithRepo(t, h.store, h.store, nil)
	denied.svc.auth = denyAll{}
	_, err := denied.svc.Sync(context.Background(), SyncRequest{AccountID: "1", CumulativeEarned: 50})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("unauthenticated Sync = %v, want ErrUnauthorized", err)
	}
	if got := h.get(t, "1"); got.CumulativeEarned != 0 {
		t.Errorf("unauthenticated sync mutated the account: %+v", got)
	}
}

func TestSyncTiersAndRank(t *testing.T) {
	h := newHarness(t, nil)
	acct := h.init(t, "1", "")
	h.sync(t, SyncRequest{AccountID: "1", Tiers: domain.Tiers{Damage: 5, Capacity: 3, Recovery: 99}, Rank: 7, SessionToken: acct.SessionToken})
	h.sync(t, SyncRequest{AccountID: "1", Tiers: domain.Tiers{Damage: 2, Capacity: 1, Recovery: 1}, Rank: 2, SessionToken: acct.SessionToken})

	got := h.get(t, "1")
	if want := (domain.Tiers{Damage: 5, Capacity: 3, Recovery: 10}); got.Tiers != want {
		t.Errorf("tiers = %+v, want %+v", got.Tiers, want)
	}
	if got.Rank != 7 {
		t.Errorf("rank = %d, want 7", got.Rank)
	}
}

func TestUnfencedAccountAdoptsToken(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "1", "")
	h.seed(t, "1", func(a *domain.Account) { a.SessionToken = "" })

	h.sync(t, SyncRequest{AccountID: "1", CumulativeEarned: 5, SessionToken: "legacy"})
	if got := h.get(t, "1"); got.SessionToken != "legacy" {
		t.Fatalf("adopted token = %q", got.SessionToken)
	}
	if _, err := h.svc.Sync(context.Background(), SyncRequest{AccountID: "1", SessionToken: "other"}); !errors.Is(err, domain.ErrSessionConflict) {
		t.Errorf("Sync after adoption with another token = %v, want conflict", err)
	}
}

func TestUnfencedAccountWithoutAdoption(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AdoptUnfencedSessions = false })
	h.init(t, "1", "")
	h.seed(t, "1", func(a *domain.Account) { a.SessionToken = "" })

	h.sync(t, SyncRequest{AccountID: "1", CumulativeEarned: 5, SessionToken: "legacy"})
	h.sync(t, SyncRequest{AccountID: "1", CumulativeEarned: 6, SessionToken: "another"})
	if got := h.get(t, "1"); got.SessionToken != "" || got.Balance != 6 {
		t.Fatalf("account = %+v", got)
	}
}

// racingRepo lets another writer bump the account before each commit
type racingRepo struct {
	*storage.Store
	races int
}

func (r *racingRepo) CommitAccount(ctx context.Context, acct *domain.Account, expected int64, credit *domain.ReferralCredit) error {
	if r.races > 0 {
		r.races--
		if _, err := r.Store.AdjustBalance(ctx, acct.ID, 100); err != nil {
			return err
		}
	}
	return r.Store.CommitAccount(ctx, acct, expected, credit)
}

func TestSyncRecomputesAfterLostRace(t *testing.T) {
	base := newHarness(t, nil)
	acct := base.init(t, "1", "")

	repo := &racingRepo{Store: base.store, races: 1}
	h := newHarnessWithRepo(t, base.store, repo, nil)
	res := h.sync(t, SyncRequest{AccountID: "1", CumulativeEarned: 30, SessionToken: acct.SessionToken})
	if res.Balance != 130 {
		t.Fatalf("balance = %v, want 130 (concurrent +100 and delta 30)", res.Balance)
	}
}

func TestSyncGivesUpAfterMaxAttempts(t *testing.T) {
	base := newHarness(t, nil)
	acct := base.init(t, "1", "")

	repo := &racingRepo{Store: base.store, races: 10}
	h := newHarnessWithRepo(t, base.store, repo, nil)
	_, err := h.svc.Sync(context.Background(), SyncRequest{AccountID: "1", CumulativeEarned: 30, SessionToken: acct.SessionToken})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("Sync = %v, want ErrVersionConflict", err)
	}
	if got := base.get(t, "1"); got.CumulativeEarned != 0 || got.Balance != 300 {
		t.Errorf("account = %+v, want only the three concurrent adjustments", got)
	}
}

func TestConcurrentDuplicateSyncsCountOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "D", "")
	acct := h.init(t, "1", "D")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Sync(context.Background(), SyncRequest{AccountID: "1", CumulativeEarned: 40, SessionToken: acct.SessionToken})
			if err != nil {
				t.Errorf("Sync: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := h.get(t, "1"); !approx(got.Balance, 36) || !approx(got.EarningsCreditedToReferrer, 4) {
		t.Errorf("invitee balance=%v credited=%v, want 36/4", got.Balance, got.EarningsCreditedToReferrer)
	}
	if d := h.get(t, "D"); !approx(d.Balance, 4) {
		t.Errorf("referrer balance = %v, want 4", d.Balance)
	}
}

func TestCompleteTask(t *testing.T) {
	h := newHarness(t, nil)
	acct := h.init(t, "1", "")
	req := TaskRequest{AccountID: "1", TaskID: "join_chat", SessionToken: acct.SessionToken}

	res, err := h.svc.CompleteTask(context.Background(), req)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if res.AlreadyCompleted || res.Reward != 1000 || res.Account.Balance != 1000 {
		t.Fatalf("first claim = %+v", res)
	}

	res, err = h.svc.CompleteTask(context.Background(), req)
	if err != nil {
		t.Fatalf("second CompleteTask: %v", err)
	}
	if !res.AlreadyCompleted || res.Account.Balance != 1000 {
		t.Fatalf("second claim = %+v", res)
	}
	if got := h.get(t, "1"); !got.HasCompletedTask("join_chat") || got.Balance != 1000 {
		t.Errorf("stored = %+v", got)
	}

	req.TaskID = "mine_bitcoin"
	if _, err := h.svc.CompleteTask(context.Background(), req); !errors.Is(err, domain.ErrUnknownTask) {
		t.Errorf("unknown task = %v", err)
	}
	req.TaskID, req.SessionToken = "follow_x", "stale"
	if _, err := h.svc.CompleteTask(context.Background(), req); !errors.Is(err, domain.ErrSessionConflict) {
		t.Errorf("stale session = %v", err)
	}
}

func TestAdminMutations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t, "1", "")

	acct, err := h.svc.AdjustBalance(ctx, "1", 250)
	if err != nil || acct.Balance != 250 {
		t.Fatalf("AdjustBalance = %+v, %v", acct, err)
	}
	acct, err = h.svc.SetBalance(ctx, "1", 10)
	if err != nil || acct.Balance != 10 {
		t.Fatalf("SetBalance = %+v, %v", acct, err)
	}
	ev, _ := h.events.last(domain.EventBalanceAdjusted)
	if data := ev.Data.(domain.BalanceAdjustedEvent); data.Previous != 250 || data.Balance != 10 {
		t.Errorf("balance event = %+v", data)
	}

	if _, err := h.svc.AdjustBalance(ctx, "1", math.NaN()); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("NaN adjust = %v", err)
	}
	if _, err := h.svc.AdjustBalance(ctx, "ghost", 1); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("adjust ghost = %v", err)
	}

	if err := h.svc.DeleteAccount(ctx, "1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if err := h.svc.DeleteAccount(ctx, "1"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("second delete = %v", err)
	}
	if h.events.count(domain.EventAccountDeleted) != 1 {
		t.Error("delete event not published")
	}
}
