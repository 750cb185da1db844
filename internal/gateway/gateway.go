// Package gateway is the push-event side of the chat service. A Gateway is
// registered with the loop like an API handle; all of its socket and timer
// work is delivered as events on the loop's event base.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/eachlabs/ncdc/internal/loop"
	"github.com/eachlabs/ncdc/internal/ref"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// Op is a gateway opcode.
type Op int

const (
	OpDispatch       Op = 0
	OpHeartbeat      Op = 1
	OpIdentify       Op = 2
	OpReconnect      Op = 7
	OpInvalidSession Op = 9
	OpHello          Op = 10
	OpHeartbeatACK   Op = 11
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultReconnectDelay = 5 * time.Second
	dialTimeout           = 15 * time.Second
	readLimit             = 16 << 20
	sendQueue             = 16
)

// Event is one dispatch received from the gateway.
type Event struct {
	Type string
	Seq  int64
	Data json.RawMessage
}

// Handler receives dispatches on the loop goroutine.
type Handler func(Event)

// Config holds gateway settings.
type Config struct {
	URL            string
	Token          string
	Intents        int
	Handler        Handler
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// Gateway keeps one websocket connection to the push gateway alive.
type Gateway struct {
	ref.Refable

	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	base        *loop.EventBase
	conn        *conn
	reconnectAt time.Time
	seq         int64
	sessionID   string
}

// conn is the state of one websocket connection.
type conn struct {
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	out       chan []byte
	watch     *loop.Watch
	heartbeat *loop.Timer
	interval  time.Duration
	acked     bool
}

// New creates a disconnected gateway. It connects on the first Process
// call after being registered with a loop.
func New(cfg Config) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway: url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid url: %w", err)
	}
	if u.RawQuery == "" {
		u.RawQuery = url.Values{"v": {"9"}, "encoding": {"json"}}.Encode()
	}
	cfg.URL = u.String()

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	g := &Gateway{cfg: cfg, logger: cfg.Logger}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gateway")
	g.Init(g.Close)
	return g, nil
}

// State returns the connection state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SessionID returns the id of the current session, once ready.
func (g *Gateway) SessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID
}

// Seq returns the last dispatch sequence number seen.
func (g *Gateway) Seq() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Process starts a connection attempt when the gateway is disconnected and
// its reconnect delay has passed. Everything else happens in events.
func (g *Gateway) Process(base *loop.EventBase) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.base = base
	if g.state != Disconnected || time.Now().Before(g.reconnectAt) {
		return
	}

	g.state = Connecting
	g.logger.Debug("dialing", "url", g.cfg.URL)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		ws, _, err := websocket.Dial(ctx, g.cfg.URL, nil)
		if !base.Post(func() { g.connected(base, ws, err) }) && ws != nil {
			ws.Close(websocket.StatusGoingAway, "")
		}
	}()
}

func (g *Gateway) connected(base *loop.EventBase, ws *websocket.Conn, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Connecting {
		// Closed while dialing.
		if ws != nil {
			go ws.Close(websocket.StatusNormalClosure, "")
		}
		return
	}
	if err != nil {
		g.logger.Warn("dial failed", "error", err, "retry_in", g.cfg.ReconnectDelay)
		g.state = Disconnected
		g.reconnectAt = time.Now().Add(g.cfg.ReconnectDelay)
		return
	}

	ws.SetReadLimit(readLimit)
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, sendQueue),
		acked:  true,
	}
	g.conn = c
	g.state = Connected
	g.logger.Info("connected")

	go c.writeLoop(g.logger)
	c.watch = base.Watch(ctx, func(ctx context.Context) ([]byte, error) {
		_, data, err := ws.Read(ctx)
		return data, err
	}, func(data []byte) {
		g.frame(c, data)
	}, func(err error) {
		g.readFailed(c, err)
	})
}

func (c *conn) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
				if c.ctx.Err() == nil {
					logger.Warn("write failed", "error", err)
				}
				return
			}
		}
	}
}

func (g *Gateway) frame(c *conn, data []byte) {
	var ev *Event

	g.mu.Lock()
	if g.conn != c {
		g.mu.Unlock()
		return
	}

	p := gjson.ParseBytes(data)
	if s := p.Get("s"); s.Type == gjson.Number {
		g.seq = s.Int()
	}

	switch op := Op(p.Get("op").Int()); op {
	case OpHello:
		c.interval = time.Duration(p.Get("d.heartbeat_interval").Int()) * time.Millisecond
		g.scheduleHeartbeat(c)
		g.sendLocked(c, g.identify())

	case OpHeartbeat:
		g.sendLocked(c, g.heartbeatPayload())

	case OpHeartbeatACK:
		c.acked = true

	case OpReconnect:
		g.logger.Info("server requested reconnect")
		g.dropLocked("reconnect requested", 0)

	case OpInvalidSession:
		g.logger.Warn("session invalidated")
		g.dropLocked("invalid session", g.cfg.ReconnectDelay)

	case OpDispatch:
		ev = &Event{
			Type: p.Get("t").String(),
			Seq:  g.seq,
			Data: json.RawMessage(p.Get("d").Raw),
		}
		if ev.Type == "READY" {
			g.state = Ready
			g.sessionID = gjson.GetBytes(ev.Data, "session_id").String()
			g.logger.Info("ready", "session", g.sessionID)
		}

	default:
		g.logger.Debug("ignoring frame", "op", int(op))
	}
	g.mu.Unlock()

	if ev != nil && g.cfg.Handler != nil {
		g.cfg.Handler(*ev)
	}
}

func (g *Gateway) readFailed(c *conn, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != c {
		return
	}
	g.logger.Warn("connection lost", "error", err, "retry_in", g.cfg.ReconnectDelay)
	g.dropLocked("read failed", g.cfg.ReconnectDelay)
}

func (g *Gateway) scheduleHeartbeat(c *conn) {
	if c.interval <= 0 || g.base == nil {
		return
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.heartbeat = g.base.AfterFunc(c.interval, func() { g.beat(c) })
}

func (g *Gateway) beat(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != c {
		return
	}
	if !c.acked {
		g.logger.Warn("heartbeat not acknowledged")
		g.dropLocked("heartbeat timeout", 0)
		return
	}
	c.acked = false
	g.sendLocked(c, g.heartbeatPayload())
	g.scheduleHeartbeat(c)
}

type payload struct {
	Op   Op  `json:"op"`
	Data any `json:"d"`
}

func (g *Gateway) heartbeatPayload() payload {
	if g.seq == 0 {
		return payload{Op: OpHeartbeat}
	}
	return payload{Op: OpHeartbeat, Data: g.seq}
}

func (g *Gateway) identify() payload {
	d := map[string]any{
		"token": g.cfg.Token,
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "ncdc",
			"device":  "ncdc",
		},
		"compress": false,
	}
	if g.cfg.Intents != 0 {
		d["intents"] = g.cfg.Intents
	}
	return payload{Op: OpIdentify, Data: d}
}

func (g *Gateway) sendLocked(c *conn, p payload) {
	data, err := json.Marshal(p)
	if err != nil {
		g.logger.Error("encoding frame", "op", int(p.Op), "error", err)
		return
	}
	select {
	case c.out <- data:
	default:
		g.logger.Warn("send queue full, dropping frame", "op", int(p.Op))
	}
}

// dropLocked tears the current connection down and schedules a reconnect
// after delay.
func (g *Gateway) dropLocked(reason string, delay time.Duration) {
	c := g.conn
	g.conn = nil
	if g.state != Closed {
		g.state = Disconnected
	}
	g.reconnectAt = time.Now().Add(delay)
	if c == nil {
		return
	}

	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.cancel()
	go func() {
		if c.watch != nil {
			c.watch.Close()
		}
		c.ws.Close(websocket.StatusNormalClosure, reason)
	}()
}

// Close disconnects for good. It is also the gateway's finalizer.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Closed {
		return
	}
	g.state = Closed
	g.dropLocked("closing", 0)
	g.logger.Debug("closed")
}
