package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestMaxEnergy(t *testing.T) {
	tests := []struct {
		tier int
		want int64
	}{
		{-3, 1000},
		{0, 1000},
		{1, 1000},
		{2, 1200},
		{5, 2000},
		{9, 4200},
		{10, 5000},
		{42, 5000},
	}
	for _, tt := range tests {
		if got := MaxEnergy(tt.tier); got != tt.want {
			t.Errorf("MaxEnergy(%d) = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestCapacityMultipliersAscend(t *testing.T) {
	if capacityMultipliers[0] != 1.0 || capacityMultipliers[MaxTier-1] != 5.0 {
		t.Fatalf("table endpoints = %v..%v, want 1.0..5.0", capacityMultipliers[0], capacityMultipliers[MaxTier-1])
	}
	for i := 1; i < MaxTier; i++ {
		if capacityMultipliers[i] <= capacityMultipliers[i-1] {
			t.Fatalf("multiplier for tier %d (%v) not above tier %d (%v)", i+1, capacityMultipliers[i], i, capacityMultipliers[i-1])
		}
	}
}

func TestCommission(t *testing.T) {
	if got := Commission(50); math.Abs(got-5) > 1e-9 {
		t.Errorf("Commission(50) = %v, want 5", got)
	}
	for _, v := range []float64{0, -10, math.NaN(), math.Inf(1)} {
		if got := Commission(v); got != 0 {
			t.Errorf("Commission(%v) = %v, want 0", v, got)
		}
	}
}

func TestNewAccountDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAccount("42", "", now)
	if a.DisplayName != DefaultDisplayName {
		t.Errorf("display name = %q, want %q", a.DisplayName, DefaultDisplayName)
	}
	if a.Energy != BaseEnergy || a.MaxEnergy() != BaseEnergy {
		t.Errorf("energy = %d/%d, want %d", a.Energy, a.MaxEnergy(), BaseEnergy)
	}
	if a.Tiers != (Tiers{1, 1, 1}) {
		t.Errorf("tiers = %+v", a.Tiers)
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := NewAccount("1", "a", time.Now())
	a.CompletedTasks = append(a.CompletedTasks, "join_chat")
	c := a.Clone()
	c.CompletedTasks[0] = "changed"
	if a.CompletedTasks[0] != "join_chat" {
		t.Fatal("clone shares task slice with original")
	}
	if !a.HasCompletedTask("join_chat") || a.HasCompletedTask("follow_x") {
		t.Fatal("HasCompletedTask mismatch")
	}
}

func TestSnapshotHidesSessionUnlessAsked(t *testing.T) {
	a := NewAccount("1", "a", time.Now())
	a.SessionToken = "secret"
	if s := NewSnapshot(a, false); s.SessionToken != "" {
		t.Errorf("session token leaked: %q", s.SessionToken)
	}
	if s := NewSnapshot(a, true); s.SessionToken != "secret" {
		t.Errorf("session token = %q, want secret", s.SessionToken)
	}
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	var err error = &ConflictError{Message: SignedInElsewhere}
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatal("ConflictError should match ErrSessionConflict")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Message != SignedInElsewhere {
		t.Fatal("errors.As failed for ConflictError")
	}
}

func TestLookupTask(t *testing.T) {
	if _, ok := LookupTask("join_channel"); !ok {
		t.Fatal("join_channel missing from catalog")
	}
	if _, ok := LookupTask("nope"); ok {
		t.Fatal("unknown task found")
	}
}
