package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"KotApp/app/events"
	"KotApp/app/models"

	"github.com/gorilla/websocket"
)

// Subscriber keeps an OrderView in step with a KOT server: it loads the
// full order list, then applies pushed events until the connection drops,
// and starts over after a pause.
type Subscriber struct {
	baseURL        string
	clientType     string
	view           *OrderView
	http           *http.Client
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	// OnEvent, when set, is called after each applied event
	OnEvent func(ev events.Event, changed bool)
}

// NewSubscriber creates a subscriber for the server at baseURL (http://host:port)
func NewSubscriber(baseURL, clientType string, view *OrderView) *Subscriber {
	if clientType == "" {
		clientType = "waiter"
	}
	return &Subscriber{
		baseURL:        strings.TrimRight(baseURL, "/"),
		clientType:     clientType,
		view:           view,
		http:           &http.Client{Timeout: 10 * time.Second},
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnectDelay: 3 * time.Second,
	}
}

// SetReconnectDelay changes the pause between connection attempts
func (s *Subscriber) SetReconnectDelay(d time.Duration) {
	if d > 0 {
		s.reconnectDelay = d
	}
}

// Run syncs the view until ctx is done
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Sync client: %v, reconnecting in %v", err, s.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// session runs one connect, load and stream cycle
func (s *Subscriber) session(ctx context.Context) error {
	wsURL, err := s.socketURL()
	if err != nil {
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	// load after subscribing so no event falls between listing and streaming
	if err := s.LoadOrders(ctx); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("Sync client: bad message: %v", err)
			continue
		}
		s.handle(ev)
	}
}

func (s *Subscriber) handle(ev events.Event) {
	changed, err := s.view.Apply(ev)
	if err != nil {
		log.Printf("Sync client: failed to apply %s: %v", ev.Type, err)
		return
	}
	if s.OnEvent != nil {
		s.OnEvent(ev, changed)
	}
}

// LoadOrders replaces the view with the server's current order list
func (s *Subscriber) LoadOrders(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/orders", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("load orders: server returned %s", resp.Status)
	}
	var orders []models.Order
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	s.view.Load(orders)
	return nil
}

func (s *Subscriber) socketURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", s.baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"type": {s.clientType}}.Encode()
	return u.String(), nil
}
