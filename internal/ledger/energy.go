package ledger

// EnergyGrant is the outcome of draining a pending energy credit
type EnergyGrant struct {
	Energy    int64 // energy to store
	Pending   int64 // credit that was waiting
	Applied   int64 // part of the credit that fit under the cap
	Forfeited int64 // part lost to the cap
}

// ApplyEnergy adds the whole pending credit to the client's energy, capped
// at maxEnergy. The credit is always consumed in full; whatever does not fit
// is forfeited rather than carried to a later sync.
func ApplyEnergy(clientEnergy, pending, maxEnergy int64) EnergyGrant {
	if clientEnergy < 0 {
		clientEnergy = 0
	}
	if pending < 0 {
		pending = 0
	}
	// both terms are at most maxEnergy, so the sum cannot wrap
	start := min(clientEnergy, maxEnergy)
	energy := min(maxEnergy, start+min(pending, maxEnergy))
	applied := max(0, energy-start)
	return EnergyGrant{
		Energy:    energy,
		Pending:   pending,
		Applied:   applied,
		Forfeited: pending - applied,
	}
}
