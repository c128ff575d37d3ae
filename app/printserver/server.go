package printserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"KotApp/app/models"
	"KotApp/app/queue"
	"KotApp/app/services"

	"github.com/gorilla/mux"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/cors"
)

// Printer is what the print server drives; *services.PrinterService in production
type Printer interface {
	Print(ctx context.Context, ticket models.Ticket) error
	Status(ctx context.Context) map[string]services.PrinterStatus
}

// Server accepts tickets over HTTP and RabbitMQ and prints them
type Server struct {
	server  *http.Server
	addr    string
	printer Printer
	logger  *services.LoggerService
	timeout time.Duration
}

// NewServer creates a print server listening on addr
func NewServer(addr string, printer Printer, logger *services.LoggerService) *Server {
	return &Server{
		addr:    addr,
		printer: printer,
		logger:  logger,
		timeout: 15 * time.Second,
	}
}

// Handler returns the HTTP routes of the print server
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/print", s.handlePrint).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleStatus).Methods(http.MethodGet)
	return cors.AllowAll().Handler(r)
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("[PRINT SERVER] Server starting on %s", s.addr)
	log.Printf("[PRINT SERVER]   POST   /print")
	log.Printf("[PRINT SERVER]   GET    /status")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("print server error: %w", err)
	}
	return nil
}

// Stop shuts the HTTP listener down
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Printf("[PRINT SERVER] Server stopping...")
	return s.server.Shutdown(ctx)
}

func writeResponse(w http.ResponseWriter, status int, resp services.PrintResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// decodeRequest reads a print request; the envelope type wins over the ticket's own
func decodeRequest(body []byte) (models.Ticket, error) {
	var req services.PrintRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return models.Ticket{}, fmt.Errorf("invalid print request: %w", err)
	}
	ticket := req.Data
	if req.Type != "" {
		ticket.TicketType = req.Type
	}
	if ticket.TicketType != models.TicketTypeKOT && ticket.TicketType != models.TicketTypeBill {
		return models.Ticket{}, fmt.Errorf("invalid print type %q", ticket.TicketType)
	}
	return ticket, nil
}

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&raw); err != nil {
		writeResponse(w, http.StatusBadRequest, services.PrintResponse{Error: "invalid request body"})
		return
	}
	ticket, err := decodeRequest(raw)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, services.PrintResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.printer.Print(ctx, ticket); err != nil {
		s.logger.LogError("Print failed", err, string(ticket.TicketType), ticket.Table)
		writeResponse(w, http.StatusInternalServerError, services.PrintResponse{Error: err.Error()})
		return
	}

	log.Printf("[PRINT SERVER] Printed %s for table %s (#%d)", ticket.TicketType, ticket.Table, ticket.OrderNumber)
	writeResponse(w, http.StatusOK, services.PrintResponse{
		Success: true,
		Message: fmt.Sprintf("%s printed", ticket.TicketType),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	printers := s.printer.Status(ctx)
	online := true
	for _, p := range printers {
		online = online && p.Online
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "running",
		"online":   online,
		"printers": printers,
	})
}

// HandleDelivery prints one queued ticket; returning an error requeues it
func (s *Server) HandleDelivery(ctx context.Context, body []byte, headers amqp.Table) error {
	ticket, err := decodeRequest(body)
	if err != nil {
		// a malformed message will never print, drop it
		s.logger.LogError("Dropping print message", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.printer.Print(ctx, ticket); err != nil {
		return fmt.Errorf("print %s for table %s: %w", ticket.TicketType, ticket.Table, err)
	}
	log.Printf("[PRINT SERVER] Printed queued %s for table %s (#%d)", ticket.TicketType, ticket.Table, ticket.OrderNumber)
	return nil
}

// ConsumeQueue prints tickets published on queueName until ctx is done
func (s *Server) ConsumeQueue(ctx context.Context, client *queue.Client, queueName string) error {
	defer s.logger.RecoverPanic()
	if err := client.DeclareQueue(queueName); err != nil {
		return err
	}
	log.Printf("[PRINT SERVER] Consuming queue %s", queueName)
	return client.Consume(ctx, queueName, 1, s.HandleDelivery)
}
