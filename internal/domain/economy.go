package domain

import "math"

// Economy constants
const (
	BaseEnergy          int64   = 1000
	MaxEarnPerSync      float64 = 50
	CommissionRate      float64 = 0.10
	ReferralEnergyBonus int64   = 500
	MinTier                     = 1
	MaxTier                     = 10
)

// capacityMultipliers scales BaseEnergy by capacity tier (index 0 = tier 1)
var capacityMultipliers = [MaxTier]float64{1.0, 1.2, 1.4, 1.7, 2.0, 2.5, 3.0, 3.6, 4.2, 5.0}

// ClampTier bounds a tier to the lookup table
func ClampTier(tier int) int {
	if tier < MinTier {
		return MinTier
	}
	if tier > MaxTier {
		return MaxTier
	}
	return tier
}

// CapacityMultiplier returns the energy multiplier for a capacity tier
func CapacityMultiplier(tier int) float64 {
	return capacityMultipliers[ClampTier(tier)-1]
}

// MaxEnergy returns floor(BaseEnergy * multiplier) for a capacity tier
func MaxEnergy(capacityTier int) int64 {
	return int64(math.Floor(float64(BaseEnergy) * CapacityMultiplier(capacityTier)))
}

// Commission returns the referrer's share of a validated earned delta
func Commission(earned float64) float64 {
	earned = finite(earned)
	if earned <= 0 {
		return 0
	}
	return earned * CommissionRate
}

// Task is a one-off bonus a player can claim once
type Task struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Reward float64 `json:"reward"`
}

// Tasks is the fixed one-time task catalog
var Tasks = []Task{
	{ID: "join_channel", Title: "Join the news channel", Reward: 1000},
	{ID: "join_chat", Title: "Join the community chat", Reward: 1000},
	{ID: "invite_friend", Title: "Invite your first friend", Reward: 2500},
	{ID: "follow_x", Title: "Follow us on X", Reward: 500},
}

// LookupTask finds a task in the catalog
func LookupTask(id string) (Task, bool) {
	for _, t := range Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}
