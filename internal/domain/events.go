package domain

import "time"

// Event types for the ledger feed
const (
	EventAccountCreated   = "account_created"
	EventSessionIssued    = "session_issued"
	EventReferralLinked   = "referral_linked"
	EventSyncCommitted    = "sync_committed"
	EventCommissionPaid   = "commission_paid"
	EventEnergyBonusSpent = "energy_bonus_applied"
	EventTaskCompleted    = "task_completed"
	EventSessionRejected  = "session_rejected"
	EventBalanceAdjusted  = "balance_adjusted"
	EventBanChanged       = "ban_changed"
	EventAccountDeleted   = "account_deleted"
)

// EventTypes lists every event type the ledger emits
var EventTypes = []string{
	EventAccountCreated,
	EventSessionIssued,
	EventReferralLinked,
	EventSyncCommitted,
	EventCommissionPaid,
	EventEnergyBonusSpent,
	EventTaskCompleted,
	EventSessionRejected,
	EventBalanceAdjusted,
	EventBanChanged,
	EventAccountDeleted,
}

// Event is a ledger notification for the admin feed and the message bus
type Event struct {
	Type      string      `json:"event"`
	AccountID string      `json:"account_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ReferralLinkedEvent is sent when a new account names an inviter
type ReferralLinkedEvent struct {
	ReferrerID  string `json:"referrer_id"`
	EnergyBonus int64  `json:"energy_bonus"`
}

// SyncCommittedEvent summarizes one reconciled sync
type SyncCommittedEvent struct {
	EarnedDelta   float64 `json:"earned_delta"`
	DroppedEarned float64 `json:"dropped_earned,omitempty"`
	SpentDelta    float64 `json:"spent_delta"`
	Commission    float64 `json:"commission,omitempty"`
	Balance       float64 `json:"balance"`
	Energy        int64   `json:"energy"`
	Version       int64   `json:"version"`
}

// CommissionPaidEvent is sent to the referrer's stream when a commission lands
type CommissionPaidEvent struct {
	InviteeID string  `json:"invitee_id"`
	Amount    float64 `json:"amount"`
}

// EnergyBonusEvent records a drained pending energy credit
type EnergyBonusEvent struct {
	Pending   int64 `json:"pending"`
	Applied   int64 `json:"applied"`
	Forfeited int64 `json:"forfeited"`
}

// TaskCompletedEvent records a one-time reward
type TaskCompletedEvent struct {
	TaskID string  `json:"task_id"`
	Reward float64 `json:"reward"`
}

// BalanceAdjustedEvent records an administrative balance change
type BalanceAdjustedEvent struct {
	Previous float64 `json:"previous"`
	Balance  float64 `json:"balance"`
}

// BanChangedEvent records an administrative ban toggle
type BanChangedEvent struct {
	Banned bool `json:"banned"`
}
