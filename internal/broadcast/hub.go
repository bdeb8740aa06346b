package broadcast

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/brokerx/pkg/middleware"
	"github.com/ksred/brokerx/pkg/response"
)

const writeWait = 5 * time.Second

type subscription struct {
	stream string
	ch     chan []byte
}

// OrderOwner reports whether accountID placed orderID.
type OrderOwner func(ctx context.Context, accountID, orderID string) (bool, error)

// Hub fans messages out to websocket subscribers of a stream. A subscriber
// that cannot keep up loses messages rather than slowing publishers.
type Hub struct {
	buffer   int
	upgrader websocket.Upgrader
	owner    OrderOwner

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		buffer:   buffer,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subs:     make(map[string]map[*subscription]struct{}),
	}
}

// AuthorizeOrders sets the ownership check for order streams. Without one
// every order stream subscription is refused.
func (h *Hub) AuthorizeOrders(owner OrderOwner) {
	h.owner = owner
}

func (h *Hub) ownsOrder(c *gin.Context, orderID string) bool {
	if h.owner == nil {
		return false
	}
	ok, err := h.owner(c.Request.Context(), middleware.AccountID(c), orderID)
	if err != nil {
		log.Warn().Err(err).Str("component", "broadcast_hub").Str("order_id", orderID).Msg("order ownership check failed")
		return false
	}
	return ok
}

func (h *Hub) subscribe(stream string) *subscription {
	sub := &subscription{stream: stream, ch: make(chan []byte, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[stream] == nil {
		h.subs[stream] = make(map[*subscription]struct{})
	}
	h.subs[stream][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.stream]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.stream)
		}
	}
	close(sub.ch)
}

// Subscribers reports how many listeners a stream has.
func (h *Hub) Subscribers(stream string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[stream])
}

func (h *Hub) Publish(_ context.Context, stream string, payload interface{}) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.subs[stream]
	if len(set) == 0 {
		return nil
	}
	msg, err := encode(stream, payload)
	if err != nil {
		return err
	}
	for sub := range set {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// ServeWS upgrades the request and streams the `stream` query parameter.
// Account and order streams are limited to the authenticated account.
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		stream := c.Query("stream")
		if stream == "" {
			response.BadRequest(c, "stream is required")
			return
		}
		if accountID, ok := strings.CutPrefix(stream, "accounts:"); ok && accountID != middleware.AccountID(c) {
			response.Forbidden(c, "cannot subscribe to another account")
			return
		}
		if orderID, ok := strings.CutPrefix(stream, "orders:"); ok && !h.ownsOrder(c, orderID) {
			response.Forbidden(c, "cannot subscribe to another account's order")
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "broadcast_hub").Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		sub := h.subscribe(stream)
		defer h.unsubscribe(sub)

		// Reader loop only detects the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			case msg := <-sub.ch:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}
