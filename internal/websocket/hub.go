// Package websocket fans hot-reload messages out to the preview pages of a
// build.
//
// A preview page (the published index.html with the bridge script injected)
// subscribes to the topic named after its build id. Editors publish template
// patches to that topic and every subscribed page receives them.
//
// Invariants:
//   - topics is only touched by the Run goroutine
//   - a client's send channel is closed exactly once, by the Run goroutine
package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/playground/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Client is one subscribed preview page.
type Client struct {
	conn  *websocket.Conn
	topic string
	send  chan []byte
}

type publication struct {
	topic string
	msg   []byte
}

type countRequest struct {
	topic string
	reply chan int
}

// Hub tracks subscribers per topic and delivers published messages.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	publish    chan publication
	count      chan countRequest
	done       chan struct{}

	acceptOptions *websocket.AcceptOptions
	logger        logging.Logger
}

// NewHub creates a hub. originPatterns is passed to the WebSocket handshake;
// when empty only same-origin pages may subscribe.
func NewHub(originPatterns []string, logger logging.Logger) *Hub {
	return &Hub{
		register:      make(chan *Client, 32),
		unregister:    make(chan *Client, 32),
		publish:       make(chan publication, 256),
		count:         make(chan countRequest),
		done:          make(chan struct{}),
		acceptOptions: &websocket.AcceptOptions{OriginPatterns: originPatterns},
		logger:        logging.OrNop(logger).WithComponent("hub"),
	}
}

// Run owns the subscriber table until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	topics := make(map[string]map[*Client]struct{})
	drop := func(c *Client) {
		clients, ok := topics[c.topic]
		if !ok {
			return
		}
		if _, ok := clients[c]; !ok {
			return
		}
		delete(clients, c)
		close(c.send)
		if len(clients) == 0 {
			delete(topics, c.topic)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, clients := range topics {
				for c := range clients {
					close(c.send)
				}
			}

			return nil

		case c := <-h.register:
			if topics[c.topic] == nil {
				topics[c.topic] = make(map[*Client]struct{})
			}
			topics[c.topic][c] = struct{}{}
			h.logger.Debug(ctx, "Preview subscribed", "topic", c.topic, "subscribers", len(topics[c.topic]))

		case c := <-h.unregister:
			drop(c)

		case p := <-h.publish:
			for c := range topics[p.topic] {
				select {
				case c.send <- p.msg:
				default:
					// Slow reader; it reconnects and reloads.
					drop(c)
				}
			}

		case req := <-h.count:
			req.reply <- len(topics[req.topic])
		}
	}
}

// Publish queues msg for every subscriber of topic. It never blocks; when the
// hub is saturated or stopped the message is dropped.
func (h *Hub) Publish(topic string, msg []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.publish <- publication{topic: topic, msg: msg}:
		return true
	case <-h.done:
		return false
	default:
		h.logger.Warn(context.Background(), nil, "Hub saturated, dropping message", "topic", topic)

		return false
	}
}

// Subscribers returns the number of clients subscribed to topic.
func (h *Hub) Subscribers(ctx context.Context, topic string) int {
	req := countRequest{topic: topic, reply: make(chan int, 1)}
	select {
	case h.count <- req:
		return <-req.reply
	case <-h.done:
		return 0
	case <-ctx.Done():
		return 0
	}
}

// Serve upgrades the request and subscribes the connection to topic until
// the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := websocket.Accept(w, r, h.acceptOptions)
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote_addr", r.RemoteAddr)

		return
	}

	c := &Client{conn: conn, topic: topic, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")

		return
	}

	ctx := conn.CloseRead(r.Context())
	h.writeLoop(ctx, c)

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.Close(websocket.StatusNormalClosure, "")

				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			_ = c.conn.Close(websocket.StatusNormalClosure, "")

			return
		}
	}
}
