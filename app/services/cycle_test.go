package services

import (
	"testing"
	"time"

	"KotApp/app/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCycleForTime(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"lunch opens the cycle", time.Date(2026, 3, 14, 11, 45, 0, 0, ist), "2026-03-14"},
		{"dinner", time.Date(2026, 3, 14, 21, 30, 0, 0, ist), "2026-03-14"},
		{"after midnight", time.Date(2026, 3, 15, 1, 15, 0, 0, ist), "2026-03-14"},
		{"just before opening", time.Date(2026, 3, 15, 11, 44, 59, 0, ist), "2026-03-14"},
		{"first of the month", time.Date(2026, 4, 1, 2, 0, 0, 0, ist), "2026-03-31"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CycleForTime(tt.at, ist).Date)
		})
	}
}

func TestCycleForTime_BoundsAndLabel(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	// 20:00 UTC is 01:30 the next morning in IST
	cycle := CycleForTime(time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC), ist)

	assert.Equal(t, "2026-03-14", cycle.Date)
	assert.Equal(t, time.Date(2026, 3, 14, 11, 45, 0, 0, ist), cycle.Start)
	assert.Equal(t, time.Date(2026, 3, 15, 4, 0, 0, 0, ist), cycle.End)
	assert.Equal(t, "14 Mar 2026 11:45 AM - 15 Mar 2026 4:00 AM", cycle.Label)
}

func TestSummarizeCycles(t *testing.T) {
	bills := []models.Bill{
		{CycleDate: "2026-03-14", CycleLabel: "14 Mar", Total: decimal.NewFromInt(100), PaymentMethod: models.PaymentMethodCash},
		{CycleDate: "2026-03-15", Total: decimal.RequireFromString("49.50"), PaymentMethod: models.PaymentMethodCard},
		{CycleDate: "2026-03-14", Total: decimal.NewFromInt(60), PaymentMethod: models.PaymentMethodUPI},
		{CycleDate: "", Total: decimal.NewFromInt(999)},
	}

	summaries := SummarizeCycles(bills)
	if assert.Len(t, summaries, 2) {
		assert.Equal(t, "2026-03-15", summaries[0].CycleDate)
		assert.Equal(t, "2026-03-15", summaries[0].Label, "label falls back to the date")
		assert.Equal(t, "49.50", summaries[0].Card.StringFixed(2))

		assert.Equal(t, 2, summaries[1].BillCount)
		assert.Equal(t, "160.00", summaries[1].Total.StringFixed(2))
		assert.Equal(t, "100.00", summaries[1].Cash.StringFixed(2))
		assert.Equal(t, "60.00", summaries[1].UPI.StringFixed(2))
	}
}
