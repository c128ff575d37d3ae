package websocket

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"KotApp/app/config"
	"KotApp/app/database"
	"KotApp/app/events"
	"KotApp/app/models"
	"KotApp/app/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, API) {
	t.Helper()
	db, err := database.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	cache, err := database.OpenMemoryLocalCache(uuid.NewString())
	require.NoError(t, err)

	tables := config.TablesConfig{Names: []string{"T1", "T2"}, Parcel: "Parcel"}
	bus := events.NewBus(64)
	ledger := services.NewOrderLedger(services.NewGormLedgerStore(db), cache, bus)
	sequence := services.NewSequenceService(db, 100, 0)
	prints := services.NewPrintQueueService(db, cache, services.NoopPrintSink{}, bus, nil)
	kot := services.NewKOTService(ledger, sequence, prints, services.NewMemoryTableLock(), bus)
	billing := services.NewBillingService(db, cache, ledger, kot, sequence, prints, tables, time.UTC)

	api := API{
		DB:       db,
		Ledger:   ledger,
		Tables:   services.NewTableStateMachine(ledger, tables),
		KOT:      kot,
		Billing:  billing,
		Sequence: sequence,
		Prints:   prints,
		Staff:    services.NewStaffService(db),
		Admin:    services.NewAdminService(ledger, billing, prints, sequence, kot),
		Sync:     services.NewSyncWorker(db, cache, ledger, billing, prints, nil, config.LocalCacheConfig{}),
	}

	hub := NewServer(bus, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRESTHandlers(api, hub).Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		prints.Wait()
		cache.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return srv, api
}

func call(t *testing.T, method, url string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func cart(lines ...models.CartLine) map[string]interface{} {
	return map[string]interface{}{"items": lines}
}

func item(id, price string, qty int) models.CartLine {
	return models.CartLine{ItemID: id, Name: id, Price: decimal.RequireFromString(price), Qty: qty}
}

func TestREST_KOTBillAndSettle(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/tables/T1"

	status, body := call(t, http.MethodPost, base+"/kot/preview", cart(item("naan", "40", 2)))
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = call(t, http.MethodPost, base+"/kot", cart(item("naan", "40", 2)))
	require.Equal(t, http.StatusCreated, status, string(body))
	var first services.KOTResult
	require.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, int64(100), first.Order.OrderNumber)

	status, body = call(t, http.MethodPost, base+"/kot", cart(item("naan", "40", 2)))
	require.Equal(t, http.StatusOK, status, string(body))
	var again services.KOTResult
	require.NoError(t, json.Unmarshal(body, &again))
	assert.True(t, again.NothingToSend)

	status, body = call(t, http.MethodPost, base+"/bill", map[string]interface{}{"paymentMethod": "Card"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var bill services.BillResult
	require.NoError(t, json.Unmarshal(body, &bill))
	assert.Equal(t, "80.00", bill.Bill.Total.StringFixed(2))

	status, body = call(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"state":"AWAITING_PAYMENT"`)

	status, body = call(t, http.MethodPost, base+"/paid", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var paid struct {
		Paid  int                   `json:"paid"`
		Table services.TableStatus `json:"table"`
	}
	require.NoError(t, json.Unmarshal(body, &paid))
	assert.Equal(t, 1, paid.Paid)
	assert.Equal(t, services.TableFree, paid.Table.State)

	status, body = call(t, http.MethodGet, srv.URL+"/api/cycles", nil)
	require.Equal(t, http.StatusOK, status)
	var cycles []models.CycleSummary
	require.NoError(t, json.Unmarshal(body, &cycles))
	require.Len(t, cycles, 1)
	assert.Equal(t, 1, cycles[0].BillCount)
}

func TestREST_OrderEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	orders := srv.URL + "/api/orders"

	status, body := call(t, http.MethodPost, orders, map[string]interface{}{"table": "T2", "items": []models.CartLine{item("dal", "180", 1)}})
	require.Equal(t, http.StatusCreated, status, string(body))
	var created models.Order
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, int64(100), created.OrderNumber)

	status, _ = call(t, http.MethodGet, orders+"/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = call(t, http.MethodPut, orders+"/"+created.ID+"/status", map[string]interface{}{"status": "billed", "version": 1})
	require.Equal(t, http.StatusOK, status, string(body))

	// the same version again is stale
	status, _ = call(t, http.MethodPut, orders+"/"+created.ID+"/status", map[string]interface{}{"status": "paid", "version": 1})
	assert.Equal(t, http.StatusConflict, status)

	status, body = call(t, http.MethodGet, orders+"/table/T2", nil)
	require.Equal(t, http.StatusOK, status)
	var table []models.Order
	require.NoError(t, json.Unmarshal(body, &table))
	assert.Len(t, table, 1)

	status, body = call(t, http.MethodDelete, orders+"/table/T2/clear", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"removed":1`)
}

func TestREST_ErrorResponses(t *testing.T) {
	srv, _ := newTestServer(t)
	api := srv.URL + "/api"

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"malformed body", http.MethodPost, "/tables/T1/kot", "{not json", http.StatusBadRequest},
		{"unknown order", http.MethodGet, "/orders/nope", nil, http.StatusNotFound},
		{"nothing to bill", http.MethodPost, "/tables/T2/bill", map[string]string{}, http.StatusUnprocessableEntity},
		{"bad payment method", http.MethodPost, "/tables/T2/bill", map[string]string{"paymentMethod": "IOU"}, http.StatusUnprocessableEntity},
		{"order without table", http.MethodPost, "/orders", map[string]string{}, http.StatusUnprocessableEntity},
		{"paid orders cannot be created", http.MethodPost, "/orders", map[string]string{"table": "T1", "status": "paid"}, http.StatusUnprocessableEntity},
		{"unknown print job", http.MethodPost, "/prints/nope/retry", nil, http.StatusNotFound},
		{"wrong PIN", http.MethodPost, "/staff/login", map[string]string{"pin": "0000"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, tt.method, api+tt.path, tt.body)
			assert.Equal(t, tt.want, status, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestREST_CreateOrderRejectsInvalidLines(t *testing.T) {
	srv, api := newTestServer(t)

	body := map[string]interface{}{
		"table": "T1",
		"items": []models.CartLine{item("dal", "180", 2), item("dal", "180", -2)},
	}
	status, resp := call(t, http.MethodPost, srv.URL+"/api/orders", body)
	assert.Equal(t, http.StatusUnprocessableEntity, status, string(resp))
	assert.Contains(t, string(resp), "items[1].qty")

	current, err := api.Sequence.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(99), current, "no order number is drawn for a rejected order")
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, errorStatus(fmt.Errorf("load: %w", services.ErrOrderNotFound)))
	assert.Equal(t, http.StatusConflict, errorStatus(services.ErrKOTInFlight))
	assert.Equal(t, http.StatusConflict, errorStatus(services.ErrOrderPaid))
	assert.Equal(t, http.StatusUnprocessableEntity, errorStatus(&services.InvalidTransitionError{From: models.OrderStatusPaid, To: models.OrderStatusNew}))
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(&services.TransientNetworkError{Op: "list orders", Err: errors.New("connection refused")}))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("boom")))
}

func TestREST_StaffAndAdmin(t *testing.T) {
	srv, api := newTestServer(t)

	status, body := call(t, http.MethodPost, srv.URL+"/api/staff", map[string]string{"name": "Asha", "role": "cashier", "pin": "2468"})
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.NotContains(t, string(body), "2468")

	status, body = call(t, http.MethodPost, srv.URL+"/api/staff/login", map[string]string{"pin": "2468"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"name":"Asha"`)

	_, err := api.KOT.Confirm(context.Background(), "T1", services.KOTRequest{Items: []models.CartLine{item("naan", "40", 1)}})
	require.NoError(t, err)

	status, _ = call(t, http.MethodPost, srv.URL+"/api/admin/reset", nil)
	require.Equal(t, http.StatusOK, status)

	orders, err := api.Ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
	current, err := api.Sequence.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(99), current)
}

func TestREST_HealthAndSync(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := call(t, http.MethodGet, srv.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, status)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])

	status, body = call(t, http.MethodPost, srv.URL+"/api/sync/run", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"replayed":0,"failed":0,"offline":false}`, string(body))

	status, _ = call(t, http.MethodGet, srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocket_PushesLedgerEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?type=kitchen"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, events.Connected, readEvent(t, conn).Type)

	status, _ := call(t, http.MethodPost, srv.URL+"/api/tables/T2/kot", cart(item("dal", "180", 1)))
	require.Equal(t, http.StatusCreated, status)

	ev := readEvent(t, conn)
	require.Equal(t, events.OrderCreated, ev.Type)
	assert.Equal(t, "T2", ev.Table())

	// heartbeats are answered by the hub
	require.NoError(t, conn.WriteJSON(events.Event{Type: events.Heartbeat}))
	assert.Equal(t, events.Heartbeat, readEvent(t, conn).Type)

	status, body := call(t, http.MethodGet, srv.URL+"/api/clients", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"type":"kitchen"`)
}

func TestSSE_StreamsEvents(t *testing.T) {
	srv, api := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sync?type=waiter", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if text := scanner.Text(); strings.HasPrefix(text, "data: ") {
				lines <- strings.TrimPrefix(text, "data: ")
			}
		}
		close(lines)
	}()

	next := func() events.Event {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended")
			var ev events.Event
			require.NoError(t, json.Unmarshal([]byte(line), &ev))
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event on the stream")
			return events.Event{}
		}
	}

	assert.Equal(t, events.Connected, next().Type)

	_, err = api.Ledger.ClearTable(context.Background(), "T1")
	require.NoError(t, err)
	ev := next()
	assert.Equal(t, events.TableCleared, ev.Type)
	assert.Equal(t, "T1", ev.Table())
}
