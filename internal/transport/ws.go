package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/syncerr"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// frame is the single wire envelope in both directions.
// Client→gateway carries Op; gateway→client carries Kind.
type frame struct {
	Op    string          `json:"op,omitempty"`   // subscribe, unsubscribe, write, update, read
	Kind  string          `json:"kind,omitempty"` // snapshot, event, ack, value, error
	Seq   uint64          `json:"seq,omitempty"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

type wsSub struct {
	path       string
	onSnapshot func(Snapshot)
	onError    func(error)
}

// Client implements Store over a websocket connection to the realtime
// gateway. Snapshot handlers run on the read goroutine, so deliveries
// for one path keep transport order. On connection loss the client
// reconnects with capped exponential backoff and resubscribes every
// registered path; the gap is announced on the bus so the sync layer can
// run a full reconciliation instead of trusting missed events.
type Client struct {
	url    string
	rc     config.Reconnect
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	subs      map[string]*wsSub
	pending   map[uint64]chan frame

	writeMu sync.Mutex // serializes writes on the active conn

	seq    atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client for the given gateway URL.
func NewClient(url string, rc config.Reconnect, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		url:     url,
		rc:      rc,
		bus:     b,
		logger:  logger,
		subs:    make(map[string]*wsSub),
		pending: make(map[uint64]chan frame),
	}
}

// Connect dials the gateway and starts the connection supervisor. The
// first dial is synchronous so callers learn immediately whether the
// gateway is reachable.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeTransportDisconnected, "dial gateway", err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

// Close tears the connection down. In-flight requests fail with
// TRANSPORT_DISCONNECTED; reconnection attempts are abandoned.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}

// Write implements Store.
func (c *Client) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeInvalidInput, "encode value", err)
	}
	_, err = c.request(ctx, frame{Op: "write", Path: path, Value: raw})
	return err
}

// Update implements Store.
func (c *Client) Update(ctx context.Context, path string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeInvalidInput, "encode value", err)
	}
	_, err = c.request(ctx, frame{Op: "update", Path: path, Value: raw})
	return err
}

// Read implements Store.
func (c *Client) Read(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := c.request(ctx, frame{Op: "read", Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Subscribe implements Store. Registration survives reconnects; the
// supervisor resubscribes every registered path after a gap.
func (c *Client) Subscribe(path string, onSnapshot func(Snapshot), onError func(error)) (func(), error) {
	sub := &wsSub{path: path, onSnapshot: onSnapshot, onError: onError}

	c.mu.Lock()
	c.subs[path] = sub
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if connected {
		if err := c.writeFrame(conn, frame{Op: "subscribe", Path: path}); err != nil {
			c.mu.Lock()
			delete(c.subs, path)
			c.mu.Unlock()
			return nil, syncerr.Wrap(syncerr.CodeTransportDisconnected, "subscribe "+path, err)
		}
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, path)
			conn := c.conn
			connected := c.connected
			c.mu.Unlock()
			if connected {
				_ = c.writeFrame(conn, frame{Op: "unsubscribe", Path: path})
			}
		})
	}
	return unsub, nil
}

func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	f.Seq = c.seq.Add(1)
	ch := make(chan frame, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return frame{}, syncerr.New(syncerr.CodeTransportDisconnected, "not connected")
	}
	c.pending[f.Seq] = ch
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeFrame(conn, f); err != nil {
		c.dropPending(f.Seq)
		return frame{}, syncerr.Wrap(syncerr.CodeTransportDisconnected, f.Op+" "+f.Path, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, syncerr.New(syncerr.CodeTransportDisconnected, "connection lost before reply")
		}
		if resp.Kind == "error" {
			return frame{}, syncerr.Newf(syncerr.CodeWriteFailed, "%s %s rejected: %s", f.Op, f.Path, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(f.Seq)
		return frame{}, ctx.Err()
	}
}

func (c *Client) dropPending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

// run supervises the connection: serve until the read loop fails, then
// reconnect with backoff and resubscribe. Exits on Close or when the
// attempt cap is exhausted.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.serve(conn)
		c.markDisconnected()
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("transport disconnected", zap.Error(err))
		c.bus.Publish(bus.Event{Kind: bus.KindTransportDisconnected, Timestamp: time.Now()})

		conn = c.redial()
		if conn == nil {
			c.failSubscribers(syncerr.New(syncerr.CodeTransportDisconnected, "reconnection attempts exhausted"))
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		paths := make([]string, 0, len(c.subs))
		for p := range c.subs {
			paths = append(paths, p)
		}
		c.mu.Unlock()

		resubOK := true
		for _, p := range paths {
			if err := c.writeFrame(conn, frame{Op: "subscribe", Path: p}); err != nil {
				resubOK = false
				break
			}
		}
		if !resubOK {
			continue
		}

		c.logger.Info("transport reconnected", zap.Int("subscriptions", len(paths)))
		c.bus.Publish(bus.Event{Kind: bus.KindTransportConnected, Timestamp: time.Now()})
	}
}

// serve runs the read loop for one connection. Snapshot handlers are
// invoked inline to preserve delivery order per path.
func (c *Client) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(f)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Kind {
	case "ack", "value", "error":
		c.mu.Lock()
		ch := c.pending[f.Seq]
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	case KindSnapshot, KindEvent:
		c.mu.Lock()
		sub := c.subs[f.Path]
		c.mu.Unlock()
		if sub != nil {
			sub.onSnapshot(Snapshot{Path: f.Path, Kind: f.Kind, Value: f.Value})
		}
	default:
		c.logger.Warn("unknown frame kind", zap.String("kind", f.Kind))
	}
}

// markDisconnected flips the connected flag and fails all in-flight
// requests; their callers see TRANSPORT_DISCONNECTED, never a silent hang.
func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()
}

// redial attempts reconnection with capped exponential backoff. Returns
// nil when the attempt cap is exhausted or the client is closed.
func (c *Client) redial() *websocket.Conn {
	for attempt := 0; attempt < c.rc.MaxAttempts; attempt++ {
		delay := c.rc.DelayFor(attempt)
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err == nil {
			return conn
		}
		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return nil
}

func (c *Client) failSubscribers(err error) {
	c.mu.Lock()
	subs := make([]*wsSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		if s.onError != nil {
			s.onError(err)
		}
	}
}
