package storage

import (
	"database/sql"
	"time"

	"github.com/ernie/tapledger/internal/domain"
)

// Null scanner helpers - reduce repetitive nil-checking code

func scanNullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func scanNullMillis(ni sql.NullInt64) *time.Time {
	if ni.Valid && ni.Int64 != 0 {
		t := fromMillis(ni.Int64)
		return &t
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanAccount scans the accountColumns projection
func scanAccount(s scanner) (*domain.Account, error) {
	var a domain.Account
	var referrerID sql.NullString
	var lastSync, created int64
	err := s.Scan(&a.ID, &a.DisplayName, &a.Balance, &a.CumulativeEarned, &a.CumulativeSpent,
		&a.Energy, &a.Tiers.Damage, &a.Tiers.Capacity, &a.Tiers.Recovery, &a.Rank, &a.ReferralCount,
		&referrerID, &a.EarningsCreditedToReferrer, &a.PendingEnergyCredit, &a.SessionToken,
		&a.Banned, &lastSync, &created, &a.Version)
	if err != nil {
		return nil, err
	}
	a.ReferrerID = scanNullStringValue(referrerID)
	a.LastSyncAt = fromMillis(lastSync)
	a.CreatedAt = fromMillis(created)
	a.CompletedTasks = []string{}
	return &a, nil
}

// scanReferralCredit scans a referral_credits row
func scanReferralCredit(s scanner) (*domain.ReferralCredit, error) {
	var c domain.ReferralCredit
	var created int64
	if err := s.Scan(&c.InviteeID, &c.InviteeVersion, &c.ReferrerID, &c.Amount, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// scanUser scans an admin_users row
func scanUser(s scanner) (*User, error) {
	var user User
	var lastLogin sql.NullInt64
	var created int64
	err := s.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin,
		&user.PasswordChangeRequired, &created, &lastLogin)
	if err != nil {
		return nil, err
	}
	user.CreatedAt = fromMillis(created)
	user.LastLogin = scanNullMillis(lastLogin)
	return &user, nil
}
