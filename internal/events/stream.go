package events

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The stream is read-only diagnostics guarded by the admin token at the
	// HTTP layer; origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Streamer relays bus events to WebSocket subscribers at /events/ws.
type Streamer struct {
	bus    *EventBus
	logger *log.Logger
}

// NewStreamer creates a streamer over the given bus.
func NewStreamer(bus *EventBus) *Streamer {
	return &Streamer{
		bus:    bus,
		logger: log.New(log.Writer(), "[EVENTS-WS] ", log.LstdFlags),
	}
}

// HandleWebSocket upgrades the connection and streams events until the
// client goes away. An optional ?type= query parameter filters event types.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}

	var types []string
	if t := r.URL.Query()["type"]; len(t) > 0 {
		types = t
	}
	sub := s.bus.Subscribe(types...)

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		cleanup: func() { s.bus.Unsubscribe(sub) },
	}

	// Pump bus events into the client's send buffer; drop when full.
	go func() {
		for ev := range sub {
			payload, err := ev.JSON()
			if err != nil {
				continue
			}
			select {
			case client.send <- payload:
			case <-client.done:
				return
			default:
			}
		}
	}()

	go client.writePump(s.logger)
	go client.readPump()
}

// wsClient owns one WebSocket connection. All writes go through writePump
// and all reads through readPump, so the connection is never written from
// two goroutines.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	cleanup func()
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		if c.cleanup != nil {
			c.cleanup()
		}
	})
}

func (c *wsClient) writePump(logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Printf("write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Clients only listen; discard anything they send.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
