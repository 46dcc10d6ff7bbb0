package ledger

import "math"

// Delta is the validated change derived from one pair of cumulative reports
type Delta struct {
	Earned        float64 // credited this sync, at most the ceiling
	Spent         float64
	DroppedEarned float64 // earned above the ceiling, discarded for good
	NextEarned    float64 // stored counters after the sync
	NextSpent     float64
}

// ExtractDelta converts client-reported cumulative counters into an
// incremental delta. A counter that went backwards yields zero, never a
// negative adjustment, and the stored counters only ever move forward so a
// replayed or out-of-order report cannot be counted twice.
func ExtractDelta(storedEarned, storedSpent, clientEarned, clientSpent, ceiling float64) Delta {
	clientEarned = sanitizeCounter(clientEarned, storedEarned)
	clientSpent = sanitizeCounter(clientSpent, storedSpent)

	d := Delta{
		NextEarned: math.Max(storedEarned, clientEarned),
		NextSpent:  math.Max(storedSpent, clientSpent),
	}

	earned := math.Max(0, clientEarned-storedEarned)
	if earned > ceiling {
		d.DroppedEarned = earned - ceiling
		earned = ceiling
	}
	d.Earned = earned
	d.Spent = math.Max(0, clientSpent-storedSpent)
	return d
}

// sanitizeCounter treats garbage reports as no progress
func sanitizeCounter(client, stored float64) float64 {
	if math.IsNaN(client) || math.IsInf(client, 0) || client < 0 {
		return stored
	}
	return client
}
