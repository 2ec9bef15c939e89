package booking

import (
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PayoutLine is the owed amount for one class on one day.
type PayoutLine struct {
	GymID      string          `json:"gym_id"`
	GymName    string          `json:"gym_name"`
	ClassID    string          `json:"class_id"`
	ClassTitle string          `json:"class_title"`
	Date       time.Time       `json:"date"`
	Attendees  int             `json:"attendees"`
	Credits    int64           `json:"credits"`
	GrossUSD   decimal.Decimal `json:"gross_usd"`
	PayoutUSD  decimal.Decimal `json:"payout_usd"`
}

type payoutKey struct {
	gymID   string
	classID string
	date    time.Time
}

// Payouts groups attended bookings by gym, class and date and applies each gym's payout percentage.
func Payouts(rows []AttendanceRow, creditValueUSD decimal.Decimal) []PayoutLine {
	lines := make(map[payoutKey]*PayoutLine)
	for _, row := range rows {
		key := payoutKey{gymID: row.GymID, classID: row.ClassID, date: credits.DateOf(row.StartsAt)}
		line, ok := lines[key]
		if !ok {
			line = &PayoutLine{
				GymID:      row.GymID,
				GymName:    row.GymName,
				ClassID:    row.ClassID,
				ClassTitle: row.ClassTitle,
				Date:       key.date,
				GrossUSD:   decimal.Zero,
				PayoutUSD:  decimal.Zero,
			}
			lines[key] = line
		}
		gross := creditValueUSD.Mul(decimal.NewFromInt(row.CreditsUsed))
		line.Attendees++
		line.Credits += row.CreditsUsed
		line.GrossUSD = line.GrossUSD.Add(gross)
		line.PayoutUSD = line.PayoutUSD.Add(gross.Mul(row.PayoutPercent).Div(hundred))
	}

	report := make([]PayoutLine, 0, len(lines))
	for _, line := range lines {
		line.PayoutUSD = line.PayoutUSD.Round(2)
		report = append(report, *line)
	}
	sort.Slice(report, func(left, right int) bool {
		if !report[left].Date.Equal(report[right].Date) {
			return report[left].Date.Before(report[right].Date)
		}
		if report[left].GymID != report[right].GymID {
			return report[left].GymID < report[right].GymID
		}
		return report[left].ClassID < report[right].ClassID
	})
	return report
}
