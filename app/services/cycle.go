package services

import (
	"fmt"
	"sort"
	"time"

	"KotApp/app/models"

	"github.com/shopspring/decimal"
)

// A business cycle runs from 11:45 to 04:00 the next morning. Anything
// before 11:45 belongs to the cycle that started the previous day.
const (
	cycleStartHour   = 11
	cycleStartMinute = 45
	cycleEndHour     = 4
)

// Cycle is one business day
type Cycle struct {
	Date  string    `json:"cycleDate"` // YYYY-MM-DD of the start
	Start time.Time `json:"cycleStart"`
	End   time.Time `json:"cycleEnd"`
	Label string    `json:"cycleLabel"`
}

// CycleForTime returns the cycle t falls in, evaluated in loc
func CycleForTime(t time.Time, loc *time.Location) Cycle {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), cycleStartHour, cycleStartMinute, 0, 0, loc)
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	end := time.Date(start.Year(), start.Month(), start.Day()+1, cycleEndHour, 0, 0, 0, loc)

	return Cycle{
		Date:  start.Format("2006-01-02"),
		Start: start,
		End:   end,
		Label: fmt.Sprintf("%s 11:45 AM - %s 4:00 AM", start.Format("02 Jan 2006"), end.Format("02 Jan 2006")),
	}
}

// SummarizeCycles groups bills by cycle, newest cycle first
func SummarizeCycles(bills []models.Bill) []models.CycleSummary {
	byDate := make(map[string]*models.CycleSummary)
	for _, bill := range bills {
		if bill.CycleDate == "" {
			continue
		}
		summary, ok := byDate[bill.CycleDate]
		if !ok {
			label := bill.CycleLabel
			if label == "" {
				label = bill.CycleDate
			}
			summary = &models.CycleSummary{
				CycleDate: bill.CycleDate,
				Label:     label,
				Total:     decimal.Zero,
				Cash:      decimal.Zero,
				UPI:       decimal.Zero,
				Card:      decimal.Zero,
			}
			byDate[bill.CycleDate] = summary
		}
		summary.BillCount++
		summary.Total = summary.Total.Add(bill.Total)
		switch bill.PaymentMethod {
		case models.PaymentMethodUPI:
			summary.UPI = summary.UPI.Add(bill.Total)
		case models.PaymentMethodCard:
			summary.Card = summary.Card.Add(bill.Total)
		default:
			summary.Cash = summary.Cash.Add(bill.Total)
		}
	}

	out := make([]models.CycleSummary, 0, len(byDate))
	for _, summary := range byDate {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CycleDate > out[j].CycleDate
	})
	return out
}
