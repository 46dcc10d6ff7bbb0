package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ernie/tapledger/internal/auth"
	"github.com/ernie/tapledger/internal/domain"
)

// Repository is the durable store the ledger reconciles against
type Repository interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	CreateAccount(ctx context.Context, acct *domain.Account, referralBonus int64) (bool, error)
	CommitAccount(ctx context.Context, acct *domain.Account, expectedVersion int64, credit *domain.ReferralCredit) error
	AdjustBalance(ctx context.Context, id string, delta float64) (*domain.Account, error)
	SetBalance(ctx context.Context, id string, balance float64) (*domain.Account, error)
	SetBanned(ctx context.Context, id string, banned bool) (*domain.Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

// Authenticator proves a request was issued by the platform for accountID
type Authenticator interface {
	Verify(initData, accountID string) error
}

// Publisher receives ledger events after successful commits
type Publisher interface {
	Publish(ev domain.Event)
}

// Options holds reconciliation policy
type Options struct {
	AdoptUnfencedSessions    bool
	CreditReferrerCumulative bool
	CommissionOnTop          bool
	MaxCommitAttempts        int
	EarnCeiling              float64

	Now             func() time.Time
	NewSessionToken func() string
}

// DefaultOptions returns the production policy
func DefaultOptions() Options {
	return Options{
		AdoptUnfencedSessions:    true,
		CreditReferrerCumulative: true,
		MaxCommitAttempts:        3,
		EarnCeiling:              domain.MaxEarnPerSync,
	}
}

// Service reconciles client reports against authoritative account state.
// Every operation on one account runs under that account's lock.
type Service struct {
	repo   Repository
	auth   Authenticator
	events Publisher
	opts   Options
	locks  *lockTable
}

// NewService creates a ledger service. events may be nil.
func NewService(repo Repository, authn Authenticator, events Publisher, opts Options) *Service {
	if opts.MaxCommitAttempts <= 0 {
		opts.MaxCommitAttempts = 3
	}
	if opts.EarnCeiling <= 0 {
		opts.EarnCeiling = domain.MaxEarnPerSync
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSessionToken == nil {
		opts.NewSessionToken = auth.NewSessionToken
	}
	return &Service{
		repo:   repo,
		auth:   authn,
		events: events,
		opts:   opts,
		locks:  newLockTable(),
	}
}

// InitRequest opens a session, creating the account on first contact
type InitRequest struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	ReferrerID  string `json:"referrer_id"`
	InitData    string `json:"init_data"`
}

// SyncRequest carries a client's cumulative progress report
type SyncRequest struct {
	AccountID        string       `json:"account_id"`
	CumulativeEarned float64      `json:"cumulative_earned"`
	CumulativeSpent  float64      `json:"cumulative_spent"`
	Energy           int64        `json:"energy"`
	Tiers            domain.Tiers `json:"tiers"`
	Rank             int64        `json:"rank"`
	SessionToken     string       `json:"session_token"`
	InitData         string       `json:"init_data"`
}

// TaskRequest claims a one-time task reward
type TaskRequest struct {
	AccountID    string `json:"account_id"`
	TaskID       string `json:"task_id"`
	SessionToken string `json:"session_token"`
	InitData     string `json:"init_data"`
}

// TaskResult is returned from CompleteTask
type TaskResult struct {
	Account          domain.Snapshot `json:"account"`
	Reward           float64         `json:"reward"`
	AlreadyCompleted bool            `json:"already_completed"`
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Service) publish(eventType, accountID string, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.Event{
		Type:      eventType,
		AccountID: accountID,
		Timestamp: s.now(),
		Data:      data,
	})
}

func (s *Service) authenticate(initData, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return fmt.Errorf("%w: account_id is required", domain.ErrInvalidRequest)
	}
	if s.auth == nil {
		return nil
	}
	return s.auth.Verify(initData, accountID)
}

// retryable reports whether a commit lost a race and should be recomputed
func retryable(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrReferrerUnavailable)
}

// Init authenticates the caller, loads or creates the account, links a
// referrer for new accounts and issues a fresh session token that fences
// out every earlier session.
func (s *Service) Init(ctx context.Context, req InitRequest) (*domain.Account, error) {
	if err := s.authenticate(req.InitData, req.AccountID); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.AccountID)

	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 1; attempt <= s.opts.MaxCommitAttempts; attempt++ {
		acct, err := s.repo.GetAccount(ctx, id)
		if errors.Is(err, domain.ErrAccountNotFound) {
			acct, created, err := s.create(ctx, id, req)
			if err != nil {
				return nil, err
			}
			if created {
				return acct, nil
			}
			// Another process created it first; load and issue a token
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading account %s: %w", id, err)
		}
		if acct.Banned {
			return nil, domain.ErrBanned
		}

		next := acct.Clone()
		next.SessionToken = s.opts.NewSessionToken()
		if name := strings.TrimSpace(req.DisplayName); name != "" {
			next.DisplayName = name
		}
		err = s.repo.CommitAccount(ctx, next, acct.Version, nil)
		if retryable(err) {
			log.Printf("Init for %s lost a commit race (attempt %d), retrying", id, attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("issuing session for %s: %w", id, err)
		}
		s.publish(domain.EventSessionIssued, id, nil)
		return next, nil
	}
	return nil, fmt.Errorf("init %s: %w", id, domain.ErrVersionConflict)
}

func (s *Service) create(ctx context.Context, id string, req InitRequest) (*domain.Account, bool, error) {
	acct := domain.NewAccount(id, strings.TrimSpace(req.DisplayName), s.now())
	acct.SessionToken = s.opts.NewSessionToken()
	if ref := strings.TrimSpace(req.ReferrerID); ref != "" && ref != id {
		acct.ReferrerID = ref
	}
	requested := acct.ReferrerID

	created, err := s.repo.CreateAccount(ctx, acct, domain.ReferralEnergyBonus)
	if err != nil {
		return nil, false, fmt.Errorf("creating account %s: %w", id, err)
	}
	if !created {
		return nil, false, nil
	}

	log.Printf("Created account %s (%s)", id, acct.DisplayName)
	s.publish(domain.EventAccountCreated, id, nil)
	s.publish(domain.EventSessionIssued, id, nil)
	if acct.ReferrerID != "" {
		s.publish(domain.EventReferralLinked, id, domain.ReferralLinkedEvent{
			ReferrerID:  acct.ReferrerID,
			EnergyBonus: domain.ReferralEnergyBonus,
		})
	} else if requested != "" {
		log.Printf("Referrer %s for %s is missing or banned, not linked", requested, id)
	}
	return acct, true, nil
}

// reconciliation is the full outcome of one sync before it is persisted
type reconciliation struct {
	next       *domain.Account
	delta      Delta
	commission float64
	credit     *domain.ReferralCredit
	energy     EnergyGrant
}

// reconcile computes the post-sync account from the stored state and a
// client report. It does not touch storage.
func (s *Service) reconcile(acct *domain.Account, req SyncRequest, referrerEligible bool, now time.Time) reconciliation {
	next := acct.Clone()

	d := ExtractDelta(acct.CumulativeEarned, acct.CumulativeSpent, req.CumulativeEarned, req.CumulativeSpent, s.opts.EarnCeiling)
	next.CumulativeEarned = d.NextEarned
	next.CumulativeSpent = d.NextSpent

	commission, credit := settle(acct, d.Earned, referrerEligible, s.opts.CreditReferrerCumulative, now)
	next.Balance += d.Earned - d.Spent
	if !s.opts.CommissionOnTop {
		next.Balance -= commission
	}
	next.EarningsCreditedToReferrer += commission

	next.Tiers = mergeTiers(acct.Tiers, req.Tiers)
	next.Rank = max(acct.Rank, req.Rank)

	grant := ApplyEnergy(req.Energy, acct.PendingEnergyCredit, next.MaxEnergy())
	next.Energy = grant.Energy
	next.PendingEnergyCredit = 0

	next.LastSyncAt = now

	return reconciliation{
		next:       next,
		delta:      d,
		commission: commission,
		credit:     credit,
		energy:     grant,
	}
}

// mergeTiers clamps reported tiers to the valid range and never lets a
// tier go down
func mergeTiers(stored, reported domain.Tiers) domain.Tiers {
	return domain.Tiers{
		Damage:   max(domain.ClampTier(stored.Damage), domain.ClampTier(reported.Damage)),
		Capacity: max(domain.ClampTier(stored.Capacity), domain.ClampTier(reported.Capacity)),
		Recovery: max(domain.ClampTier(stored.Recovery), domain.ClampTier(reported.Recovery)),
	}
}

// Sync reconciles a client's cumulative report into the account. Nothing
// is written unless every step succeeds, and the commit is a single
// versioned write that also pays the referrer.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (*domain.SyncResult, error) {
	if err := s.authenticate(req.InitData, req.AccountID); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.AccountID)

	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 1; attempt <= s.opts.MaxCommitAttempts; attempt++ {
		acct, err := s.repo.GetAccount(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("loading account %s: %w", id, err)
		}
		if acct.Banned {
			return nil, domain.ErrBanned
		}

		adopt, err := checkSession(acct, req.SessionToken, s.opts.AdoptUnfencedSessions)
		if err != nil {
			s.publish(domain.EventSessionRejected, id, nil)
			return nil, err
		}

		eligible := false
		if acct.ReferrerID != "" && req.CumulativeEarned > acct.CumulativeEarned {
			eligible, err = s.eligibleReferrer(ctx, acct)
			if err != nil {
				return nil, fmt.Errorf("loading referrer of %s: %w", id, err)
			}
		}

		r := s.reconcile(acct, req, eligible, s.now())
		if adopt {
			r.next.SessionToken = req.SessionToken
		}

		err = s.repo.CommitAccount(ctx, r.next, acct.Version, r.credit)
		if retryable(err) {
			log.Printf("Sync for %s lost a commit race (attempt %d): %v", id, attempt, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("committing sync for %s: %w", id, err)
		}

		s.announceSync(acct, r, adopt)
		result := domain.NewSyncResult(r.next)
		return &result, nil
	}
	return nil, fmt.Errorf("sync %s: %w", id, domain.ErrVersionConflict)
}

func (s *Service) announceSync(prev *domain.Account, r reconciliation, adopted bool) {
	id := prev.ID
	if r.delta.DroppedEarned > 0 {
		log.Printf("Clamped earned delta for %s: dropped %.2f above the %.0f ceiling", id, r.delta.DroppedEarned, s.opts.EarnCeiling)
	}
	if adopted {
		log.Printf("Adopted session token for %s", id)
	}

	s.publish(domain.EventSyncCommitted, id, domain.SyncCommittedEvent{
		EarnedDelta:   r.delta.Earned,
		DroppedEarned: r.delta.DroppedEarned,
		SpentDelta:    r.delta.Spent,
		Commission:    r.commission,
		Balance:       r.next.Balance,
		Energy:        r.next.Energy,
		Version:       r.next.Version,
	})
	if r.credit != nil {
		s.publish(domain.EventCommissionPaid, r.credit.ReferrerID, domain.CommissionPaidEvent{
			InviteeID: id,
			Amount:    r.credit.Amount,
		})
	}
	if r.energy.Pending > 0 {
		s.publish(domain.EventEnergyBonusSpent, id, domain.EnergyBonusEvent{
			Pending:   r.energy.Pending,
			Applied:   r.energy.Applied,
			Forfeited: r.energy.Forfeited,
		})
	}
}

// CompleteTask credits a one-time task reward. Claiming a task twice is
// not an error; the second call reports AlreadyCompleted and changes nothing.
func (s *Service) CompleteTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if err := s.authenticate(req.InitData, req.AccountID); err != nil {
		return nil, err
	}
	task, ok := domain.LookupTask(req.TaskID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTask, req.TaskID)
	}
	id := strings.TrimSpace(req.AccountID)

	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 1; attempt <= s.opts.MaxCommitAttempts; attempt++ {
		acct, err := s.repo.GetAccount(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("loading account %s: %w", id, err)
		}
		if acct.Banned {
			return nil, domain.ErrBanned
		}
		adopt, err := checkSession(acct, req.SessionToken, s.opts.AdoptUnfencedSessions)
		if err != nil {
			s.publish(domain.EventSessionRejected, id, nil)
			return nil, err
		}

		if acct.HasCompletedTask(task.ID) {
			return &TaskResult{Account: domain.NewSnapshot(acct, false), AlreadyCompleted: true}, nil
		}

		next := acct.Clone()
		next.Balance += task.Reward
		next.CompletedTasks = append(next.CompletedTasks, task.ID)
		if adopt {
			next.SessionToken = req.SessionToken
		}

		err = s.repo.CommitAccount(ctx, next, acct.Version, nil)
		if retryable(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("completing task %s for %s: %w", task.ID, id, err)
		}

		s.publish(domain.EventTaskCompleted, id, domain.TaskCompletedEvent{TaskID: task.ID, Reward: task.Reward})
		return &TaskResult{Account: domain.NewSnapshot(next, false), Reward: task.Reward}, nil
	}
	return nil, fmt.Errorf("task %s for %s: %w", task.ID, id, domain.ErrVersionConflict)
}
