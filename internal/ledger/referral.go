package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ernie/tapledger/internal/domain"
)

// eligibleReferrer reports whether acct has a referrer that can currently
// receive commission. A referrer that is gone or banned is skipped and the
// invitee keeps its full delta.
func (s *Service) eligibleReferrer(ctx context.Context, acct *domain.Account) (bool, error) {
	if acct.ReferrerID == "" || acct.ReferrerID == acct.ID {
		return false, nil
	}
	ref, err := s.repo.GetAccount(ctx, acct.ReferrerID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		log.Printf("Referrer %s of %s no longer exists, skipping commission", acct.ReferrerID, acct.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !ref.Banned, nil
}

// settle computes the commission owed on earned and the credit that pays
// it. The credit is keyed by the invitee's pre-commit version.
func settle(acct *domain.Account, earned float64, eligible bool, creditCumulative bool, now time.Time) (float64, *domain.ReferralCredit) {
	if !eligible || earned <= 0 {
		return 0, nil
	}
	commission := domain.Commission(earned)
	if commission <= 0 {
		return 0, nil
	}
	return commission, &domain.ReferralCredit{
		ReferrerID:       acct.ReferrerID,
		InviteeID:        acct.ID,
		InviteeVersion:   acct.Version,
		Amount:           commission,
		CreditCumulative: creditCumulative,
		CreatedAt:        now,
	}
}
