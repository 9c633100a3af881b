package controller

import (
	"strconv"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/Chandorkar-Technologies/Zero-sub000/actor"
)

// SyncHub fans sync progress events out to websocket subscribers. It is the
// event sink wired into the actors: Publish never blocks, a subscriber that
// cannot keep up silently loses events.
type SyncHub struct {
	mu      sync.RWMutex
	clients map[*syncClient]struct{}
	logger  *logrus.Logger
}

type syncClient struct {
	connectionID uint // 0 subscribes to every connection
	events       chan actor.Event
}

func NewSyncHub(logger *logrus.Logger) *SyncHub {
	return &SyncHub{
		clients: make(map[*syncClient]struct{}),
		logger:  logger,
	}
}

// Publish implements actor.EventSink.
func (h *SyncHub) Publish(ev actor.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		if cl.connectionID != 0 && cl.connectionID != ev.ConnectionID {
			continue
		}
		select {
		case cl.events <- ev:
		default:
			// Slow consumer; drop rather than stall the sync path.
		}
	}
}

func (h *SyncHub) subscribe(connectionID uint) *syncClient {
	cl := &syncClient{
		connectionID: connectionID,
		events:       make(chan actor.Event, 32),
	}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	return cl
}

func (h *SyncHub) unsubscribe(cl *syncClient) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
}

// Handler serves GET /ws/sync. An optional connection_id query parameter
// narrows the stream to one connection.
func (h *SyncHub) Handler() func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		var connectionID uint
		if q := c.Query("connection_id"); q != "" {
			id, err := strconv.ParseUint(q, 10, 32)
			if err != nil {
				c.WriteJSON(map[string]string{"error": "invalid connection_id"})
				c.Close()
				return
			}
			connectionID = uint(id)
		}

		cl := h.subscribe(connectionID)
		defer h.unsubscribe(cl)

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Drain the reader so close frames and pings are processed.
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev := <-cl.events:
				if err := c.WriteJSON(ev); err != nil {
					h.logger.WithError(err).Debug("Sync websocket write failed")
					return
				}
			case <-done:
				return
			}
		}
	}
}
