package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"KotApp/app/config"
	"KotApp/app/models"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetValues is the part of the Sheets values API the cycle export uses
type SheetValues interface {
	Get(ctx context.Context, spreadsheetID, sheetRange string) ([][]interface{}, error)
	Update(ctx context.Context, spreadsheetID, sheetRange string, rows [][]interface{}) error
	Append(ctx context.Context, spreadsheetID, sheetRange string, rows [][]interface{}) error
}

// sheetsAPI implements SheetValues with the Google Sheets client
type sheetsAPI struct {
	srv *sheets.Service
}

// NewSheetsAPI authenticates with a service account key file
func NewSheetsAPI(ctx context.Context, credentialsFile string) (SheetValues, error) {
	key, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, key, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("unable to create sheets service: %w", err)
	}
	return &sheetsAPI{srv: srv}, nil
}

func (a *sheetsAPI) Get(ctx context.Context, spreadsheetID, sheetRange string) ([][]interface{}, error) {
	resp, err := a.srv.Spreadsheets.Values.Get(spreadsheetID, sheetRange).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (a *sheetsAPI) Update(ctx context.Context, spreadsheetID, sheetRange string, rows [][]interface{}) error {
	_, err := a.srv.Spreadsheets.Values.Update(spreadsheetID, sheetRange, &sheets.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).
		Do()
	return err
}

func (a *sheetsAPI) Append(ctx context.Context, spreadsheetID, sheetRange string, rows [][]interface{}) error {
	_, err := a.srv.Spreadsheets.Values.Append(spreadsheetID, sheetRange, &sheets.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).
		Do()
	return err
}

var cycleSheetHeaders = []interface{}{
	"cycle_date",
	"cycle",
	"bills",
	"total",
	"cash",
	"upi",
	"card",
}

// GoogleSheetsService exports one row per business cycle to a spreadsheet
type GoogleSheetsService struct {
	values        SheetValues
	spreadsheetID string
	sheetName     string
	billing       *BillingService
	loc           *time.Location
}

// NewGoogleSheetsService creates the cycle exporter
func NewGoogleSheetsService(values SheetValues, cfg config.ReportsConfig, billing *BillingService, loc *time.Location) *GoogleSheetsService {
	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Cycles"
	}
	if loc == nil {
		loc = time.Local
	}
	return &GoogleSheetsService{
		values:        values,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		billing:       billing,
		loc:           loc,
	}
}

// GenerateCycleReport summarizes the bills of one cycle
func (s *GoogleSheetsService) GenerateCycleReport(ctx context.Context, cycleDate string) (*models.CycleSummary, error) {
	bills, err := s.billing.ListBills(ctx, cycleDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load bills: %w", err)
	}
	summaries := SummarizeCycles(bills)
	if len(summaries) == 0 {
		return &models.CycleSummary{
			CycleDate: cycleDate,
			Label:     cycleDate,
			Total:     decimal.Zero,
			Cash:      decimal.Zero,
			UPI:       decimal.Zero,
			Card:      decimal.Zero,
		}, nil
	}
	return &summaries[0], nil
}

func cycleRow(report *models.CycleSummary) []interface{} {
	return []interface{}{
		report.CycleDate,
		report.Label,
		report.BillCount,
		report.Total.StringFixed(2),
		report.Cash.StringFixed(2),
		report.UPI.StringFixed(2),
		report.Card.StringFixed(2),
	}
}

// findExistingRowIndex finds the row of cycleDate, returns -1 if not found
func (s *GoogleSheetsService) findExistingRowIndex(ctx context.Context, cycleDate string) (int, error) {
	rows, err := s.values.Get(ctx, s.spreadsheetID, fmt.Sprintf("%s!A:A", s.sheetName))
	if err != nil {
		return -1, err
	}
	for i, row := range rows {
		if len(row) > 0 {
			if value, ok := row[0].(string); ok && value == cycleDate {
				return i + 1, nil // sheets are 1-indexed
			}
		}
	}
	return -1, nil
}

// ensureHeaders writes the header row when the sheet has none
func (s *GoogleSheetsService) ensureHeaders(ctx context.Context) error {
	sheetRange := fmt.Sprintf("%s!A1:G1", s.sheetName)
	rows, err := s.values.Get(ctx, s.spreadsheetID, sheetRange)
	if err != nil {
		return err
	}
	if len(rows) == 0 || len(rows[0]) < len(cycleSheetHeaders) {
		return s.values.Update(ctx, s.spreadsheetID, sheetRange, [][]interface{}{cycleSheetHeaders})
	}
	return nil
}

// SendReport writes report, replacing the row of the same cycle if present
func (s *GoogleSheetsService) SendReport(ctx context.Context, report *models.CycleSummary) error {
	if err := s.ensureHeaders(ctx); err != nil {
		return fmt.Errorf("failed to ensure headers: %w", err)
	}

	rowIndex, err := s.findExistingRowIndex(ctx, report.CycleDate)
	if err != nil {
		return fmt.Errorf("failed to check existing row: %w", err)
	}

	rows := [][]interface{}{cycleRow(report)}
	if rowIndex > 0 {
		sheetRange := fmt.Sprintf("%s!A%d:G%d", s.sheetName, rowIndex, rowIndex)
		if err := s.values.Update(ctx, s.spreadsheetID, sheetRange, rows); err != nil {
			return fmt.Errorf("unable to update data: %w", err)
		}
		return nil
	}

	if err := s.values.Append(ctx, s.spreadsheetID, fmt.Sprintf("%s!A:G", s.sheetName), rows); err != nil {
		return fmt.Errorf("unable to append data: %w", err)
	}
	return nil
}

// SyncCycle exports the cycle that started on cycleDate
func (s *GoogleSheetsService) SyncCycle(ctx context.Context, cycleDate string) error {
	report, err := s.GenerateCycleReport(ctx, cycleDate)
	if err != nil {
		return err
	}
	return s.SendReport(ctx, report)
}

// SyncNow exports the current cycle
func (s *GoogleSheetsService) SyncNow(ctx context.Context) error {
	return s.SyncCycle(ctx, CycleForTime(time.Now(), s.loc).Date)
}
