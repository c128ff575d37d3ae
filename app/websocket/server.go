package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"KotApp/app/events"
	"KotApp/app/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
)

// ClientType represents the type of connected client
type ClientType string

const (
	ClientPOS     ClientType = "pos"
	ClientKitchen ClientType = "kitchen"
	ClientWaiter  ClientType = "waiter"
)

// Client is one push subscriber, either a websocket or an SSE stream
type Client struct {
	ID          string
	Type        ClientType
	Connection  *websocket.Conn // nil for SSE clients
	Send        chan []byte
	Server      *Server
	ConnectedAt time.Time
	RemoteAddr  string
}

// Server fans ledger events out to every connected terminal
type Server struct {
	bus        *events.Bus
	logger     *services.LoggerService
	heartbeat  time.Duration
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
}

// NewServer creates the push hub. Run must be started before clients connect.
func NewServer(bus *events.Bus, heartbeat time.Duration, logger *services.LoggerService) *Server {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Server{
		bus:        bus,
		logger:     logger,
		heartbeat:  heartbeat,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// terminals connect from the local network
				return true
			},
		},
	}
}

// Run handles the main hub loop until ctx is done
func (s *Server) Run(ctx context.Context) {
	defer s.logger.RecoverPanic()

	feed, unsubscribe := s.bus.Subscribe()
	defer func() { unsubscribe() }()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client.ID] = client
			s.mu.Unlock()
			log.Printf("Client registered: %s (type: %s)", client.ID, client.Type)
			client.sendEvent(events.NewConnectedEvent(client.ID))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client.ID]; ok {
				delete(s.clients, client.ID)
				close(client.Send)
				log.Printf("Client unregistered: %s", client.ID)
			}
			s.mu.Unlock()

		case ev, ok := <-feed:
			if !ok {
				// the bus dropped us for falling behind
				log.Println("WebSocket hub: event feed closed, resubscribing")
				feed, unsubscribe = s.bus.Subscribe()
				continue
			}
			s.broadcast(ev)

		case <-ticker.C:
			s.broadcast(events.Event{Type: events.Heartbeat, Timestamp: time.Now()})

		case <-ctx.Done():
			close(s.done)
			s.mu.Lock()
			for id, client := range s.clients {
				delete(s.clients, id)
				close(client.Send)
			}
			s.mu.Unlock()
			log.Println("WebSocket hub stopped")
			return
		}
	}
}

// broadcast sends ev to every client; a client whose buffer is full is disconnected
func (s *Server) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, client := range s.clients {
		select {
		case client.Send <- data:
		default:
			log.Printf("Client %s is not keeping up, disconnecting", id)
			delete(s.clients, id)
			close(client.Send)
		}
	}
}

func (s *Server) newClient(clientType ClientType, conn *websocket.Conn, remoteAddr string) *Client {
	if clientType == "" {
		clientType = ClientPOS
	}
	return &Client{
		ID:          uuid.NewString(),
		Type:        clientType,
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Server:      s,
		ConnectedAt: time.Now(),
		RemoteAddr:  remoteAddr,
	}
}

// join registers client with the hub; false once the hub has stopped
func (s *Server) join(client *Client) bool {
	select {
	case s.register <- client:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) leave(client *Client) {
	select {
	case s.unregister <- client:
	case <-s.done:
	}
}

// HandleWebSocket upgrades the connection and streams events to it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := s.newClient(ClientType(r.URL.Query().Get("type")), conn, r.RemoteAddr)
	if !s.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// HandleSSE streams events as Server-Sent Events
func (s *Server) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := s.newClient(ClientType(r.URL.Query().Get("type")), nil, r.RemoteAddr)
	if !s.join(client) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.leave(client)

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", message); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// Client methods

// readPump reads until the connection drops; terminals only send heartbeats
func (c *Client) readPump() {
	defer func() {
		c.Server.leave(c)
		c.Connection.Close()
	}()

	c.Connection.SetReadLimit(64 << 10)
	c.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Connection.SetPongHandler(func(string) error {
		c.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := c.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var message events.Event
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			log.Printf("Error parsing message: %v", err)
			continue
		}
		c.handleMessage(&message)
	}
}

// writePump handles writing messages to the client
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from clients
func (c *Client) handleMessage(message *events.Event) {
	switch message.Type {
	case events.Heartbeat:
		c.reply(events.Event{
			Type:      events.Heartbeat,
			Timestamp: time.Now(),
			Data:      json.RawMessage(`{"status":"alive"}`),
		})
	default:
		// ledger changes go through the REST API
		log.Printf("Ignoring message type %s from client %s", message.Type, c.ID)
	}
}

// reply sends ev from a client goroutine. Send is only closed under the hub
// lock, so holding it keeps the channel open.
func (c *Client) reply(ev events.Event) {
	c.Server.mu.RLock()
	defer c.Server.mu.RUnlock()
	if _, ok := c.Server.clients[c.ID]; ok {
		c.sendEvent(ev)
	}
}

// sendEvent queues ev for this client only
func (c *Client) sendEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Printf("Client %s send buffer is full", c.ID)
	}
}

// ClientCount returns the number of connected terminals
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// GetConnectedClients returns list of connected clients
func (s *Server) GetConnectedClients() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]map[string]interface{}, 0, len(s.clients))
	for _, client := range s.clients {
		transport := "websocket"
		if client.Connection == nil {
			transport = "sse"
		}
		clients = append(clients, map[string]interface{}{
			"id":           client.ID,
			"type":         string(client.Type),
			"transport":    transport,
			"connected_at": client.ConnectedAt.Format(time.RFC3339),
			"remote_addr":  client.RemoteAddr,
		})
	}
	return clients
}

// StartMDNS announces the server on the local network until ctx is done
func StartMDNS(ctx context.Context, name, addr string) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		log.Printf("mDNS: Invalid address %s: %v", addr, err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Printf("mDNS: Invalid port format %s: %v", portStr, err)
		return
	}

	server, err := zeroconf.Register(
		name,               // Service instance name
		"_kotsync._tcp",    // Service type
		"local.",           // Domain
		port,               // Port
		[]string{"version=1.0", "sync=/api/sync", "ws=/ws"},
		nil, // all interfaces
	)
	if err != nil {
		log.Printf("mDNS: Failed to register service: %v", err)
		return
	}
	log.Println("mDNS: KOT server announced on _kotsync._tcp.local")

	<-ctx.Done()
	server.Shutdown()
	log.Println("mDNS: Service announcement stopped")
}
