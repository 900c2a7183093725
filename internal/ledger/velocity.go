package ledger

import (
	"math"
	"time"
)

// minSpanHours floors the observation span when only a single debit exists,
// so a debit one second ago does not produce an absurd burn rate.
const minSpanHours = 0.01

// VelocityReport summarizes spending over a trailing window and forecasts
// balance depletion. Rates are rounded to 2 decimals.
type VelocityReport struct {
	WindowHours    float64    `json:"window_hours"`
	DataPoints     int        `json:"data_points"`
	TotalDebited   int64      `json:"total_debited"`
	CreditsPerHour float64    `json:"credits_per_hour"`
	CreditsPerDay  float64    `json:"credits_per_day"`
	CallsPerHour   float64    `json:"calls_per_hour"`
	CallsPerDay    float64    `json:"calls_per_day"`
	HoursRemaining *float64   `json:"hours_remaining,omitempty"`
	DepletionAt    *time.Time `json:"depletion_at,omitempty"`
}

// SpendingVelocity computes burn rate over debits (deduction, transfer_out)
// within the trailing window and, when the rate is positive, a depletion
// forecast for the given balance.
func (l *CreditLedger) SpendingVelocity(keyID string, currentBalance int64, windowHours float64) VelocityReport {
	if windowHours <= 0 {
		windowHours = 24
	}
	now := l.now().UTC()
	cutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))

	l.mu.RLock()
	var debits []Entry
	for _, e := range l.entries[keyID] {
		if (e.Type == EntryDeduction || e.Type == EntryTransferOut) && !e.Timestamp.Before(cutoff) {
			debits = append(debits, e)
		}
	}
	l.mu.RUnlock()

	report := VelocityReport{WindowHours: windowHours, DataPoints: len(debits)}

	var total int64
	for _, e := range debits {
		total += e.Amount
	}
	report.TotalDebited = total

	var spanHours float64
	switch {
	case len(debits) >= 2:
		spanHours = debits[len(debits)-1].Timestamp.Sub(debits[0].Timestamp).Hours()
		if spanHours <= 0 {
			spanHours = windowHours
		}
	case len(debits) == 1:
		spanHours = now.Sub(debits[0].Timestamp).Hours()
		if spanHours < minSpanHours {
			spanHours = minSpanHours
		}
	default:
		spanHours = windowHours
	}

	if total > 0 {
		report.CreditsPerHour = round2(float64(total) / spanHours)
		report.CreditsPerDay = round2(report.CreditsPerHour * 24)
	}
	if len(debits) > 0 {
		report.CallsPerHour = round2(float64(len(debits)) / spanHours)
		report.CallsPerDay = round2(report.CallsPerHour * 24)
	}

	switch {
	case currentBalance <= 0:
		zero := 0.0
		report.HoursRemaining = &zero
		report.DepletionAt = &now
	case report.CreditsPerHour > 0:
		hours := round2(float64(currentBalance) / report.CreditsPerHour)
		at := now.Add(time.Duration(hours * float64(time.Hour)))
		report.HoursRemaining = &hours
		report.DepletionAt = &at
	}

	return report
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
