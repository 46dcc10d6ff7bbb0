package ledger

import (
	"crypto/subtle"

	"github.com/ernie/tapledger/internal/domain"
)

// checkSession enforces the single-session fence. It reports whether the
// presented token should be adopted, which only happens for accounts that
// never had a token issued.
func checkSession(acct *domain.Account, presented string, adoptUnfenced bool) (bool, error) {
	if acct.SessionToken == "" {
		return adoptUnfenced && presented != "", nil
	}
	if subtle.ConstantTimeCompare([]byte(acct.SessionToken), []byte(presented)) != 1 {
		return false, &domain.ConflictError{Message: domain.SignedInElsewhere}
	}
	return false, nil
}
