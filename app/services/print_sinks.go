package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"KotApp/app/models"
	"KotApp/app/queue"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PrinterSink delivers a ticket to whatever prints it
type PrinterSink interface {
	Print(ctx context.Context, ticket models.Ticket) error
}

// PrintRequest is the body accepted by the print server
type PrintRequest struct {
	Type models.TicketType `json:"type"`
	Data models.Ticket     `json:"data"`
}

// PrintResponse is the print server reply
type PrintResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HTTPPrintSink posts tickets to a remote print server
type HTTPPrintSink struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPrintSink creates a sink for the print server at baseURL
func NewHTTPPrintSink(baseURL string, timeout time.Duration) *HTTPPrintSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPrintSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPPrintSink) Print(ctx context.Context, ticket models.Ticket) error {
	body, err := json.Marshal(PrintRequest{Type: ticket.TicketType, Data: ticket})
	if err != nil {
		return fmt.Errorf("failed to encode ticket: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/print", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("print server unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var result PrintResponse
	_ = json.Unmarshal(raw, &result)

	if resp.StatusCode != http.StatusOK || !result.Success {
		msg := result.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("print server returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// RabbitPrintSink hands tickets to print servers through a durable queue
type RabbitPrintSink struct {
	client *queue.Client
	queue  string
}

// NewRabbitPrintSink declares queueName and returns a sink publishing to it
func NewRabbitPrintSink(client *queue.Client, queueName string) (*RabbitPrintSink, error) {
	if err := client.DeclareQueue(queueName); err != nil {
		return nil, err
	}
	return &RabbitPrintSink{client: client, queue: queueName}, nil
}

func (r *RabbitPrintSink) Print(ctx context.Context, ticket models.Ticket) error {
	body, err := json.Marshal(PrintRequest{Type: ticket.TicketType, Data: ticket})
	if err != nil {
		return fmt.Errorf("failed to encode ticket: %w", err)
	}
	headers := amqp.Table{
		"ticket_type": string(ticket.TicketType),
		"table":       ticket.Table,
	}
	if err := r.client.Publish(ctx, "", r.queue, body, headers, "application/json", true); err != nil {
		return fmt.Errorf("failed to queue %s ticket: %w", ticket.TicketType, err)
	}
	return nil
}

// NoopPrintSink drops tickets; used when printing is disabled
type NoopPrintSink struct{}

func (NoopPrintSink) Print(_ context.Context, ticket models.Ticket) error {
	log.Printf("PrintQueue: printing disabled, dropped %s ticket for table %s", ticket.TicketType, ticket.Table)
	return nil
}
