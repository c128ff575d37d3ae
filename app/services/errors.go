package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"KotApp/app/models"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderPaid        = errors.New("order is paid and can no longer change")
	ErrStaleVersion     = errors.New("order was changed by another terminal")
	ErrKOTInFlight      = errors.New("a confirmation for this table is already in progress")
	ErrEmptyCart        = errors.New("cart has no items")
	ErrNothingToBill    = errors.New("table has no open orders to bill")
	ErrPrintJobNotFound = errors.New("print job not found")
	ErrInvalidPIN       = errors.New("invalid PIN")
)

// InvalidTransitionError is returned for status changes outside new->billed->paid
type InvalidTransitionError struct {
	OrderID string
	From    models.OrderStatus
	To      models.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s cannot move from %s to %s", e.OrderID, e.From, e.To)
}

// TransientNetworkError wraps a ledger failure that may succeed on retry
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: ledger unreachable: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// PrinterError is a failed print; the ledger write it belongs to stays committed
type PrinterError struct {
	JobID string
	Err   error
}

func (e *PrinterError) Error() string {
	return fmt.Sprintf("print job %s failed: %v", e.JobID, e.Err)
}

func (e *PrinterError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err looks like a connectivity failure
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientNetworkError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "i/o timeout", "database is closed", "sql: database is closed"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// classify wraps connectivity failures into TransientNetworkError
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		var transient *TransientNetworkError
		if errors.As(err, &transient) {
			return err
		}
		return &TransientNetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ValidationError is a request field the services cannot accept
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}
