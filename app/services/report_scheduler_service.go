package services

import (
	"context"
	"log"
	"time"
)

// ReportSchedulerService exports the finished business cycle once a day
type ReportSchedulerService struct {
	sheets  *GoogleSheetsService
	logger  *LoggerService
	dailyAt string
	loc     *time.Location
}

func NewReportSchedulerService(sheets *GoogleSheetsService, logger *LoggerService, dailyAt string, loc *time.Location) *ReportSchedulerService {
	if loc == nil {
		loc = time.Local
	}
	return &ReportSchedulerService{sheets: sheets, logger: logger, dailyAt: dailyAt, loc: loc}
}

// Run exports a cycle at dailyAt every day until ctx is done
func (s *ReportSchedulerService) Run(ctx context.Context) {
	defer s.logger.RecoverPanic()
	log.Println("Report scheduler started")

	for {
		duration := timeUntilDailySync(time.Now().In(s.loc), s.dailyAt)
		log.Printf("Next Google Sheets sync scheduled in %v", duration)

		timer := time.NewTimer(duration)
		select {
		case <-timer.C:
			if err := s.executeSync(ctx); err != nil {
				s.logger.LogError("Scheduled sync failed", err)
			} else {
				log.Println("Scheduled sync completed successfully")
			}
		case <-ctx.Done():
			timer.Stop()
			log.Println("Report scheduler stopped")
			return
		}
	}
}

// timeUntilDailySync calculates the duration from now until the next syncTime (HH:MM)
func timeUntilDailySync(now time.Time, syncTime string) time.Duration {
	targetTime, err := time.Parse("15:04", syncTime)
	if err != nil {
		log.Printf("Invalid sync time format: %s, using 04:30", syncTime)
		targetTime, _ = time.Parse("15:04", "04:30")
	}

	target := time.Date(now.Year(), now.Month(), now.Day(), targetTime.Hour(), targetTime.Minute(), 0, 0, now.Location())
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(now)
}

// executeSync exports the most recently closed cycle
func (s *ReportSchedulerService) executeSync(ctx context.Context) error {
	now := time.Now().In(s.loc)
	cycle := CycleForTime(now, s.loc)
	if now.After(cycle.End) || now.Equal(cycle.End) {
		return s.sheets.SyncCycle(ctx, cycle.Date)
	}
	// still inside a running cycle, export the previous one
	return s.sheets.SyncCycle(ctx, CycleForTime(cycle.Start.Add(-time.Minute), s.loc).Date)
}
