package credits

import (
	"sort"
	"time"
)

// ActiveBalance folds the entries still active on today into the spendable balance.
// The raw sum may go negative after penalties; the reported balance never does.
func ActiveBalance(entries []Entry, today time.Time) int64 {
	var sum int64
	for _, entry := range entries {
		if entry.ActiveOn(today) {
			sum += entry.Delta
		}
	}
	if sum < 0 {
		return 0
	}
	return sum
}

// BreakdownOf partitions the active entries by expiration date.
func BreakdownOf(entries []Entry, today time.Time) Breakdown {
	var nonExpiring int64
	bucketSums := make(map[time.Time]int64)
	for _, entry := range entries {
		if !entry.ActiveOn(today) {
			continue
		}
		if entry.ExpiresAt == nil {
			nonExpiring += entry.Delta
			continue
		}
		bucketSums[DateOf(*entry.ExpiresAt)] += entry.Delta
	}
	breakdown := Breakdown{NonExpiring: nonExpiring, Expiring: []ExpiringBucket{}}
	total := nonExpiring
	for expiresAt, sum := range bucketSums {
		if sum <= 0 {
			continue
		}
		breakdown.Expiring = append(breakdown.Expiring, ExpiringBucket{ExpiresAt: expiresAt, Credits: sum})
		total += sum
	}
	sort.Slice(breakdown.Expiring, func(left, right int) bool {
		return breakdown.Expiring[left].ExpiresAt.Before(breakdown.Expiring[right].ExpiresAt)
	})
	if total < 0 {
		total = 0
	}
	breakdown.Total = total
	return breakdown
}

type availableRow struct {
	entry     Entry
	remaining int64
}

// availableRows returns the positive rows that still hold credits, in FIFO order.
// Negative entries of an expiration bucket consume that bucket's positive rows oldest first.
func availableRows(entries []Entry, today time.Time) []availableRow {
	active := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.ActiveOn(today) {
			active = append(active, entry)
		}
	}
	sort.SliceStable(active, func(left, right int) bool {
		return fifoLess(active[left], active[right])
	})

	rows := make([]availableRow, 0, len(active))
	for start := 0; start < len(active); {
		end := start
		var consumed int64
		for end < len(active) && sameExpiry(active[start].ExpiresAt, active[end].ExpiresAt) {
			if active[end].Delta < 0 {
				consumed -= active[end].Delta
			}
			end++
		}
		for _, entry := range active[start:end] {
			if entry.Delta <= 0 {
				continue
			}
			taken := min(consumed, entry.Delta)
			consumed -= taken
			if remaining := entry.Delta - taken; remaining > 0 {
				rows = append(rows, availableRow{entry: entry, remaining: remaining})
			}
		}
		start = end
	}
	return rows
}

// PlanSpend decides which rows pay for amount, soonest-expiring first and never-expiring last.
// It never returns a partial plan.
func PlanSpend(entries []Entry, amount int64, today time.Time) ([]Allocation, error) {
	if amount <= 0 {
		return nil, WrapError(errorOperationService, errorSubjectBalance, errorCodeInvalidAmount, ErrInvalidCredits)
	}
	rows := availableRows(entries, today)
	var fifoAvailable int64
	for _, row := range rows {
		fifoAvailable += row.remaining
	}
	available := min(ActiveBalance(entries, today), fifoAvailable)
	if available < amount {
		return nil, &InsufficientCreditsError{Required: amount, Available: available}
	}

	allocations := make([]Allocation, 0, 2)
	outstanding := amount
	for _, row := range rows {
		if outstanding == 0 {
			break
		}
		drawn := min(outstanding, row.remaining)
		allocations = append(allocations, Allocation{Credits: drawn, ExpiresAt: copyTime(row.entry.ExpiresAt)})
		outstanding -= drawn
	}
	return allocations, nil
}

func fifoLess(left Entry, right Entry) bool {
	switch {
	case left.ExpiresAt == nil && right.ExpiresAt == nil:
		return left.CreatedAt.Before(right.CreatedAt)
	case left.ExpiresAt == nil:
		return false
	case right.ExpiresAt == nil:
		return true
	case !left.ExpiresAt.Equal(*right.ExpiresAt):
		return left.ExpiresAt.Before(*right.ExpiresAt)
	default:
		return left.CreatedAt.Before(right.CreatedAt)
	}
}

func sameExpiry(left *time.Time, right *time.Time) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return left.Equal(*right)
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
