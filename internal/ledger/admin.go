package ledger

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/ernie/tapledger/internal/domain"
)

// Administrative mutations bypass reconciliation but still take the
// account lock so they never interleave with a sync in this process.

// AdjustBalance adds delta to an account's balance
func (s *Service) AdjustBalance(ctx context.Context, id string, delta float64) (*domain.Account, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return nil, fmt.Errorf("%w: delta must be a finite number", domain.ErrInvalidRequest)
	}
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	acct, err := s.repo.AdjustBalance(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	log.Printf("Adjusted balance of %s by %.2f to %.2f", id, delta, acct.Balance)
	s.publish(domain.EventBalanceAdjusted, id, domain.BalanceAdjustedEvent{
		Previous: acct.Balance - delta,
		Balance:  acct.Balance,
	})
	return acct, nil
}

// SetBalance overwrites an account's balance
func (s *Service) SetBalance(ctx context.Context, id string, balance float64) (*domain.Account, error) {
	if math.IsNaN(balance) || math.IsInf(balance, 0) {
		return nil, fmt.Errorf("%w: balance must be a finite number", domain.ErrInvalidRequest)
	}
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	prev, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	acct, err := s.repo.SetBalance(ctx, id, balance)
	if err != nil {
		return nil, err
	}
	log.Printf("Set balance of %s to %.2f (was %.2f)", id, balance, prev.Balance)
	s.publish(domain.EventBalanceAdjusted, id, domain.BalanceAdjustedEvent{
		Previous: prev.Balance,
		Balance:  acct.Balance,
	})
	return acct, nil
}

// SetBanned bans or unbans an account. A banned account is rejected by
// init, sync and task completion, and receives no commission.
func (s *Service) SetBanned(ctx context.Context, id string, banned bool) (*domain.Account, error) {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	acct, err := s.repo.SetBanned(ctx, id, banned)
	if err != nil {
		return nil, err
	}
	log.Printf("Set banned=%v for %s", banned, id)
	s.publish(domain.EventBanChanged, id, domain.BanChangedEvent{Banned: banned})
	return acct, nil
}

// DeleteAccount removes an account and its referral credits, and takes one
// off its referrer's referral count. Its invitees stay linked but no longer
// pay commission.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if err := s.repo.DeleteAccount(ctx, id); err != nil {
		return err
	}
	log.Printf("Deleted account %s", id)
	s.publish(domain.EventAccountDeleted, id, nil)
	return nil
}
