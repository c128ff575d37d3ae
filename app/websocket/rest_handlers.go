package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"KotApp/app/database"
	"KotApp/app/models"
	"KotApp/app/services"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"gorm.io/gorm"
)

// API bundles the services the REST endpoints call
type API struct {
	DB       *gorm.DB
	Ledger   *services.OrderLedger
	Tables   *services.TableStateMachine
	KOT      *services.KOTService
	Billing  *services.BillingService
	Sequence *services.SequenceService
	Prints   *services.PrintQueueService
	Staff    *services.StaffService
	Admin    *services.AdminService
	Sync     *services.SyncWorker // nil when the local cache is disabled
}

// RESTHandlers provides the HTTP endpoints used by the terminals
type RESTHandlers struct {
	api API
	hub *Server
}

// NewRESTHandlers creates a new REST handlers instance
func NewRESTHandlers(api API, hub *Server) *RESTHandlers {
	return &RESTHandlers{api: api, hub: hub}
}

// Router builds the HTTP handler of the server mode
func (h *RESTHandlers) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.HandleFunc("/ws", h.hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	api.HandleFunc("/sync", h.hub.HandleSSE).Methods(http.MethodGet)
	api.HandleFunc("/sync/status", h.HandleSyncStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync/run", h.HandleSyncNow).Methods(http.MethodPost)
	api.HandleFunc("/clients", h.HandleClients).Methods(http.MethodGet)

	api.HandleFunc("/orders", h.HandleGetOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders", h.HandleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/table/{table}", h.HandleGetTableOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/table/{table}/clear", h.HandleClearTable).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{id}", h.HandleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", h.HandleDeleteOrder).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{id}/status", h.HandleUpdateStatus).Methods(http.MethodPut)

	api.HandleFunc("/tables", h.HandleGetTables).Methods(http.MethodGet)
	api.HandleFunc("/tables/{table}", h.HandleGetTable).Methods(http.MethodGet)
	api.HandleFunc("/tables/{table}/kot/preview", h.HandlePreviewKOT).Methods(http.MethodPost)
	api.HandleFunc("/tables/{table}/kot", h.HandleConfirmKOT).Methods(http.MethodPost)
	api.HandleFunc("/tables/{table}/bill", h.HandlePrintBill).Methods(http.MethodPost)
	api.HandleFunc("/tables/{table}/paid", h.HandleMarkPaid).Methods(http.MethodPost)

	api.HandleFunc("/bills", h.HandleGetBills).Methods(http.MethodGet)
	api.HandleFunc("/cycles", h.HandleGetCycles).Methods(http.MethodGet)

	api.HandleFunc("/prints", h.HandleGetPrints).Methods(http.MethodGet)
	api.HandleFunc("/prints/{id}/retry", h.HandleRetryPrint).Methods(http.MethodPost)
	api.HandleFunc("/prints/{id}/done", h.HandleMarkPrinted).Methods(http.MethodPost)

	api.HandleFunc("/staff", h.HandleGetStaff).Methods(http.MethodGet)
	api.HandleFunc("/staff", h.HandleCreateStaff).Methods(http.MethodPost)
	api.HandleFunc("/staff/login", h.HandleStaffLogin).Methods(http.MethodPost)

	api.HandleFunc("/admin/reset", h.HandleReset).Methods(http.MethodPost)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("REST API: failed to encode response: %v", err)
	}
}

// errorStatus maps service errors to HTTP status codes
func errorStatus(err error) int {
	var transition *services.InvalidTransitionError
	var validation *services.ValidationError
	switch {
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrPrintJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrKOTInFlight), errors.Is(err, services.ErrStaleVersion), errors.Is(err, services.ErrOrderPaid):
		return http.StatusConflict
	case errors.As(err, &transition), errors.As(err, &validation),
		errors.Is(err, services.ErrEmptyCart), errors.Is(err, services.ErrNothingToBill):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrInvalidPIN):
		return http.StatusUnauthorized
	case services.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("REST API: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func tableParam(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["table"])
}

// Health and sync

// HandleHealth reports database reachability and connected terminals
func (h *RESTHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "ok",
		"clients": h.hub.ClientCount(),
		"time":    time.Now(),
	}
	if err := database.Ping(r.Context(), h.api.DB); err != nil {
		response["status"] = "degraded"
		response["database"] = err.Error()
	}
	if h.api.Sync != nil {
		if status, err := h.api.Sync.Status(); err == nil {
			response["pendingWrites"] = status.PendingRecords
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *RESTHandlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.api.Sync == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	status, err := h.api.Sync.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *RESTHandlers) HandleSyncNow(w http.ResponseWriter, r *http.Request) {
	if h.api.Sync == nil {
		writeJSON(w, http.StatusOK, services.SyncReport{})
		return
	}
	report, err := h.api.Sync.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *RESTHandlers) HandleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.GetConnectedClients())
}

// Orders

func (h *RESTHandlers) HandleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.api.Ledger.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *RESTHandlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.api.Ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *RESTHandlers) HandleGetTableOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.api.Ledger.OrdersForTable(r.Context(), tableParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// OrderRequest appends an order as sent, without delta computation
type OrderRequest struct {
	Table       string             `json:"table"`
	Items       []models.CartLine  `json:"items"`
	Waiter      string             `json:"waiter"`
	Customer    string             `json:"customer"`
	OrderNumber int64              `json:"orderNumber"`
	Status      models.OrderStatus `json:"status"`
}

func (h *RESTHandlers) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Table) == "" {
		writeError(w, &services.ValidationError{Field: "table", Message: "is required"})
		return
	}
	if req.Status != "" && req.Status != models.OrderStatusNew && req.Status != models.OrderStatusBilled {
		writeError(w, &services.ValidationError{Field: "status", Message: "must be new or billed"})
		return
	}

	if err := services.ValidateLines(req.Items); err != nil {
		writeError(w, err)
		return
	}

	if req.OrderNumber == 0 {
		number, err := h.api.Sequence.NextOrderNumber(r.Context())
		if err != nil {
			provisional, ok := h.api.Sequence.Provisional()
			if !services.IsTransient(err) || !ok {
				writeError(w, err)
				return
			}
			number = provisional
		}
		req.OrderNumber = number
	}

	order := &models.Order{
		OrderNumber: req.OrderNumber,
		Table:       strings.TrimSpace(req.Table),
		Waiter:      req.Waiter,
		Customer:    req.Customer,
		Status:      req.Status,
	}
	order.SetLines(req.Items)

	stored, err := h.api.Ledger.Append(r.Context(), order)
	if err != nil && services.IsTransient(err) && h.api.Ledger.CanDefer() {
		stored, err = h.api.Ledger.Defer(r.Context(), order)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// StatusRequest moves an order along new -> billed -> paid
type StatusRequest struct {
	Status  models.OrderStatus `json:"status"`
	Version int                `json:"version"`
}

func (h *RESTHandlers) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]

	order, err := h.api.Ledger.UpdateStatus(r.Context(), id, req.Status, req.Version)
	if err != nil && services.IsTransient(err) && h.api.Ledger.CanDefer() {
		var current *models.Order
		if current, err = h.api.Ledger.Get(r.Context(), id); err == nil {
			if req.Version > 0 && req.Version != current.Version {
				err = services.ErrStaleVersion
			} else {
				order, err = h.api.Ledger.DeferStatus(r.Context(), current, req.Status)
			}
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *RESTHandlers) HandleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.api.Ledger.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *RESTHandlers) HandleClearTable(w http.ResponseWriter, r *http.Request) {
	table := tableParam(r)
	removed, err := h.api.Ledger.ClearTable(r.Context(), table)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "removed": removed})
}

// Tables

func (h *RESTHandlers) HandleGetTables(w http.ResponseWriter, r *http.Request) {
	board, err := h.api.Tables.Board(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *RESTHandlers) HandleGetTable(w http.ResponseWriter, r *http.Request) {
	status, err := h.api.Tables.State(r.Context(), tableParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *RESTHandlers) HandlePreviewKOT(w http.ResponseWriter, r *http.Request) {
	var req services.KOTRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	preview, err := h.api.KOT.Preview(r.Context(), tableParam(r), req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *RESTHandlers) HandleConfirmKOT(w http.ResponseWriter, r *http.Request) {
	var req services.KOTRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.api.KOT.Confirm(r.Context(), tableParam(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.NothingToSend {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *RESTHandlers) HandlePrintBill(w http.ResponseWriter, r *http.Request) {
	var req services.BillRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.api.Billing.PrintBill(r.Context(), tableParam(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *RESTHandlers) HandleMarkPaid(w http.ResponseWriter, r *http.Request) {
	table := tableParam(r)
	paid, err := h.api.Tables.MarkTableAsPaid(r.Context(), table)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := h.api.Tables.State(r.Context(), table)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"paid": paid, "table": status})
}

// Bills

func (h *RESTHandlers) HandleGetBills(w http.ResponseWriter, r *http.Request) {
	bills, err := h.api.Billing.ListBills(r.Context(), r.URL.Query().Get("cycle"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bills)
}

func (h *RESTHandlers) HandleGetCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.api.Billing.Cycles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

// Print queue

func (h *RESTHandlers) HandleGetPrints(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.api.Prints.List(r.Context(), models.PrintJobStatus(r.URL.Query().Get("status")), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *RESTHandlers) HandleRetryPrint(w http.ResponseWriter, r *http.Request) {
	job, err := h.api.Prints.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *RESTHandlers) HandleMarkPrinted(w http.ResponseWriter, r *http.Request) {
	job, err := h.api.Prints.MarkPrinted(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Staff

func (h *RESTHandlers) HandleGetStaff(w http.ResponseWriter, r *http.Request) {
	staff, err := h.api.Staff.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, staff)
}

func (h *RESTHandlers) HandleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
		PIN  string `json:"pin"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	staff, err := h.api.Staff.Create(r.Context(), req.Name, req.Role, req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, staff)
}

func (h *RESTHandlers) HandleStaffLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN string `json:"pin"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	staff, err := h.api.Staff.AuthenticateByPIN(r.Context(), req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, staff)
}

// Admin

func (h *RESTHandlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.api.Admin.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
