package domain

import (
	"math"
	"time"
)

// DefaultDisplayName is used when init does not supply a name
const DefaultDisplayName = "Player"

// Account is the authoritative economic and progression record of one player
type Account struct {
	ID                         string    `json:"id"`
	DisplayName                string    `json:"display_name"`
	Balance                    float64   `json:"balance"`
	CumulativeEarned           float64   `json:"cumulative_earned"`
	CumulativeSpent            float64   `json:"cumulative_spent"`
	Energy                     int64     `json:"energy"`
	Tiers                      Tiers     `json:"tiers"`
	Rank                       int64     `json:"rank"`
	ReferralCount              int64     `json:"referral_count"`
	ReferrerID                 string    `json:"referrer_id,omitempty"`
	EarningsCreditedToReferrer float64   `json:"earnings_credited_to_referrer"`
	PendingEnergyCredit        int64     `json:"pending_energy_credit"`
	SessionToken               string    `json:"-"`
	Banned                     bool      `json:"banned"`
	CompletedTasks             []string  `json:"completed_tasks"`
	LastSyncAt                 time.Time `json:"last_sync_at"`
	CreatedAt                  time.Time `json:"created_at"`
	Version                    int64     `json:"version"`
}

// Tiers holds the upgrade levels a client has purchased
type Tiers struct {
	Damage   int `json:"damage"`
	Capacity int `json:"capacity"`
	Recovery int `json:"recovery"`
}

// NewAccount returns a fresh account with starting values
func NewAccount(id, displayName string, now time.Time) *Account {
	if displayName == "" {
		displayName = DefaultDisplayName
	}
	return &Account{
		ID:             id,
		DisplayName:    displayName,
		Energy:         BaseEnergy,
		Tiers:          Tiers{Damage: MinTier, Capacity: MinTier, Recovery: MinTier},
		CompletedTasks: []string{},
		LastSyncAt:     now,
		CreatedAt:      now,
	}
}

// Clone returns a deep copy so callers can compute against a private snapshot
func (a *Account) Clone() *Account {
	c := *a
	c.CompletedTasks = append([]string(nil), a.CompletedTasks...)
	return &c
}

// HasCompletedTask reports whether taskID was already rewarded
func (a *Account) HasCompletedTask(taskID string) bool {
	for _, t := range a.CompletedTasks {
		if t == taskID {
			return true
		}
	}
	return false
}

// MaxEnergy is the energy ceiling for the account's current capacity tier
func (a *Account) MaxEnergy() int64 {
	return MaxEnergy(a.Tiers.Capacity)
}

// Snapshot is the account view returned to the owning client
type Snapshot struct {
	Account
	SessionToken string `json:"session_token,omitempty"`
	MaxEnergy    int64  `json:"max_energy"`
}

// NewSnapshot builds the client view, optionally exposing the session token
func NewSnapshot(a *Account, withSession bool) Snapshot {
	s := Snapshot{Account: *a, MaxEnergy: a.MaxEnergy()}
	if s.CompletedTasks == nil {
		s.CompletedTasks = []string{}
	}
	if withSession {
		s.SessionToken = a.SessionToken
	}
	return s
}

// SyncResult is the post-commit state returned from a sync
type SyncResult struct {
	Balance             float64 `json:"balance"`
	CumulativeEarned    float64 `json:"cumulative_earned"`
	CumulativeSpent     float64 `json:"cumulative_spent"`
	Energy              int64   `json:"energy"`
	MaxEnergy           int64   `json:"max_energy"`
	ReferralCount       int64   `json:"referral_count"`
	PendingEnergyCredit int64   `json:"pending_energy_credit"`
}

// NewSyncResult extracts the sync response fields from a committed account
func NewSyncResult(a *Account) SyncResult {
	return SyncResult{
		Balance:             a.Balance,
		CumulativeEarned:    a.CumulativeEarned,
		CumulativeSpent:     a.CumulativeSpent,
		Energy:              a.Energy,
		MaxEnergy:           a.MaxEnergy(),
		ReferralCount:       a.ReferralCount,
		PendingEnergyCredit: a.PendingEnergyCredit,
	}
}

// ReferralCredit is a commission paid to a referrer as part of an invitee's sync.
// InviteeVersion is the invitee's version before the commit and keys the
// credit so a replayed commit cannot pay twice.
type ReferralCredit struct {
	ReferrerID       string    `json:"referrer_id"`
	InviteeID        string    `json:"invitee_id"`
	InviteeVersion   int64     `json:"invitee_version"`
	Amount           float64   `json:"amount"`
	CreditCumulative bool      `json:"credit_cumulative"`
	CreatedAt        time.Time `json:"created_at"`
}

// finite replaces NaN and infinities with zero
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
