package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/store"
)

// Control channel events.
const (
	EventSubscribe    = "subscribe"
	EventSubscribed   = "subscribed"
	EventUnsubscribe  = "unsubscribe"
	EventUnsubscribed = "unsubscribed"
	EventLog          = "log"
	EventError        = "error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// Envelope is the frame exchanged on the websocket control channel.
type Envelope struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Replayer loads recent events for late joiners.
type Replayer interface {
	Query(ctx context.Context, deploymentID string, q store.LogQuery) ([]*models.LogEvent, error)
}

// Handler serves the websocket pub/sub endpoint.
type Handler struct {
	router      Router
	replay      Replayer
	replayLimit int
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewHandler creates a websocket handler. replay may be nil, and a
// replayLimit of zero disables replay.
func NewHandler(router Router, replay Replayer, replayLimit int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router:      router,
		replay:      replay,
		replayLimit: replayLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and runs the control loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		conn:   conn,
		router: h.router,
		subs:   make(map[string]*Subscription),
		logger: h.logger,
	}
	defer func() {
		cancel()
		c.close()
	}()

	go c.pingLoop(ctx)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", "error", err)
			}
			return
		}

		switch msg.Event {
		case EventSubscribe:
			if msg.Channel == "" {
				c.send(Envelope{Event: EventError, Data: "channel is required"})
				continue
			}
			sub, fresh, ok := c.subscribe(msg.Channel)
			if !ok {
				continue
			}
			// Live events queue on sub until the ack and replay are written.
			c.send(Envelope{Event: EventSubscribed, Channel: msg.Channel, Data: "Subscribed to " + msg.Channel})
			h.replayRecent(ctx, c, msg.Channel)
			if fresh {
				go c.forward(ctx, sub)
			}
		case EventUnsubscribe:
			c.unsubscribe(msg.Channel)
			c.send(Envelope{Event: EventUnsubscribed, Channel: msg.Channel})
		default:
			c.send(Envelope{Event: EventError, Data: "unknown event " + msg.Event})
		}
	}
}

// replayRecent sends the last persisted events of channel. Live events may
// arrive interleaved with or duplicating the replay; clients dedup by event id.
func (h *Handler) replayRecent(ctx context.Context, c *client, channel string) {
	if h.replay == nil || h.replayLimit <= 0 {
		return
	}

	events, err := h.replay.Query(ctx, channel, store.LogQuery{Limit: h.replayLimit, Tail: true})
	if err != nil {
		h.logger.Warn("replaying log events", "deployment_id", channel, "error", err)
		return
	}
	for _, e := range events {
		if !c.send(Envelope{Event: EventLog, Channel: channel, Data: e}) {
			return
		}
	}
}

// client serializes writes to one connection and tracks its subscriptions.
type client struct {
	conn   *websocket.Conn
	router Router
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

func (c *client) send(env Envelope) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		c.logger.Debug("websocket send failed", "error", err)
		return false
	}
	return true
}

// subscribe registers channel with the router. fresh is false when the
// client already holds a subscription for it.
func (c *client) subscribe(channel string) (sub *Subscription, fresh, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, false
	}
	if sub, ok := c.subs[channel]; ok {
		return sub, false, true
	}

	sub = c.router.Subscribe(channel)
	c.subs[channel] = sub
	return sub, true, true
}

// forward writes events from sub until it is closed or ctx is done.
func (c *client) forward(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if !c.send(Envelope{Event: EventLog, Channel: sub.Channel, Data: e}) {
				return
			}
		}
	}
}

func (c *client) unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()

	if ok {
		c.router.Unsubscribe(sub)
	}
}

func (c *client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.router.Unsubscribe(sub)
	}
	_ = c.conn.Close()
}
