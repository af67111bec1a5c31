package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/payments/event"
)

const (
	InvoiceFilterQueryParam = "invoice"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	defaultSendBufferSize = 64
)

var ErrHubClosed = errors.New("stream hub is closed")

type subscriber struct {
	conn      *websocket.Conn
	send      chan []byte
	invoiceId string
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// Hub pushes invoice state changes to websocket subscribers in real time.
// Subscribers may filter on a single invoice. Delivery is best effort: a
// subscriber that can't keep up is disconnected rather than slowing down
// emission.
type Hub struct {
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewHub returns a Hub accepting browser subscriptions from the allowed
// origins. Without any, only same-origin browser subscriptions are accepted.
// Clients that send no Origin header are always accepted.
func NewHub(allowedOrigins ...string) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) > 0 {
		upgrader.CheckOrigin = originChecker(allowedOrigins)
	}

	return &Hub{
		log:         logrus.StandardLogger().WithField("type", "notify/stream"),
		upgrader:    upgrader,
		subscribers: make(map[*subscriber]struct{}),
	}
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[normalizeOrigin(origin)] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(origin) == 0 {
			return true
		}
		_, ok := allowed[normalizeOrigin(origin)]
		return ok
	}
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

// Emit fans the event out to every matching subscriber without blocking
func (h *Hub) Emit(_ context.Context, evt *event.InvoiceStateChanged) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "error marshalling event")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	for s := range h.subscribers {
		if len(s.invoiceId) > 0 && s.invoiceId != evt.InvoiceId {
			continue
		}

		select {
		case s.send <- payload:
		default:
			h.log.WithField("invoice_filter", s.invoiceId).Debug("dropping slow subscriber")
			h.removeLocked(s)
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket subscription
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an error
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	s := &subscriber{
		conn:      conn,
		send:      make(chan []byte, defaultSendBufferSize),
		invoiceId: r.URL.Query().Get(InvoiceFilterQueryParam),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()

	go h.writePump(s)
	go h.readPump(s)
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for s := range h.subscribers {
		h.removeLocked(s)
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	s.close()
}

// readPump only consumes control frames. Subscribers never send data.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.remove(s)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}
