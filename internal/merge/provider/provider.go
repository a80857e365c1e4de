// Package provider is the remote CRDT provider integration: a websocket
// connection per document that emits
// REMOTE_UPDATE/PROVIDER_SYNCED/CONNECTED/DISCONNECTED and accepts
// SYNC_TO_REMOTE updates, reconnecting with exponential backoff.
//
// The connect/manageConnection/reconnectWithBackoff shape, coder/websocket
// usage, and jittered exponential backoff follow the same pattern used
// elsewhere in this codebase for long-lived realtime connections, adapted
// here to one connection per document carrying opaque CRDT update bytes
// instead of a fan-out message bus.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 8 * time.Second
	maxMessageSize        = 4 * 1024 * 1024
	dialTimeout           = 10 * time.Second
)

// ErrNotConnected is returned by SendUpdate when no connection is live.
var ErrNotConnected = errors.New("provider: not connected")

// EventKind tags the four event shapes the provider adapter contract
// allows.
type EventKind uint8

const (
	EventRemoteUpdate EventKind = iota
	EventProviderSynced
	EventConnected
	EventDisconnected
)

// Event is delivered to the subscriber registered with OnEvent.
type Event struct {
	Kind   EventKind
	Update []byte // set only for EventRemoteUpdate
}

// ClientToken is the credential bundle the TokenStore supplies before a
// connection attempt.
type ClientToken struct {
	URL        string
	DocID      string
	Token      string
	ExpiryTime *time.Time
}

// TokenSource resolves a fresh ClientToken on demand, e.g. backed by a
// TokenStore<ClientToken>.
type TokenSource func(ctx context.Context) (ClientToken, error)

// Connection manages one document's websocket connection to the remote
// CRDT relay, reconnecting with jittered exponential backoff on drop.
type Connection struct {
	tokens TokenSource

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	synced    bool

	subMu sync.Mutex
	subs  []func(Event)

	outbox chan []byte
}

// NewConnection creates a provider connection. Call Start to begin
// connecting.
func NewConnection(tokens TokenSource) *Connection {
	return &Connection{tokens: tokens, outbox: make(chan []byte, 64)}
}

// OnEvent registers a subscriber for connection lifecycle and remote
// update events. Returns an unsubscribe function.
func (c *Connection) OnEvent(cb func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	c.subs = append(c.subs, cb)
	idx := len(c.subs) - 1
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if idx < len(c.subs) {
			c.subs[idx] = nil
		}
	}
}

func (c *Connection) emit(ev Event) {
	c.subMu.Lock()
	subs := append([]func(Event){}, c.subs...)
	c.subMu.Unlock()
	for _, cb := range subs {
		if cb != nil {
			cb(ev)
		}
	}
}

// Start dials the remote relay and begins the reconnect-on-drop loop.
func (c *Connection) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
}

// Stop terminates the connection and background goroutines.
func (c *Connection) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "stopping")
	}
	c.mu.Unlock()
}

// IsConnected reports live connection state.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SendUpdate queues an outbound SYNC_TO_REMOTE update. Non-blocking; an
// unbounded delay here would stall the HSM's event loop.
func (c *Connection) SendUpdate(update []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	select {
	case c.outbox <- update:
		return nil
	default:
		return fmt.Errorf("provider: outbox full")
	}
}

func (c *Connection) run() {
	delay := reconnectInitialDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			slog.Warn("provider: dial failed", "attempt", attempt, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextBackoff(delay)
			continue
		}

		delay = reconnectInitialDelay
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		c.emit(Event{Kind: EventConnected})

		c.serve(conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.synced = false
		c.mu.Unlock()
		c.emit(Event{Kind: EventDisconnected})

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	token, err := c.tokens(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	url := toWebsocketURL(token.URL) + "?doc=" + token.DocID
	header := map[string][]string{"Authorization": {"Bearer " + token.Token}}

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// serve pumps inbound frames to remote-update events and outbound updates
// from the outbox, blocking until the connection drops or ctx is done.
func (c *Connection) serve(conn *websocket.Conn) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.Read(c.ctx)
			if err != nil {
				return
			}
			kind, payload := decodeFrame(data)
			switch kind {
			case frameUpdate:
				c.emit(Event{Kind: EventRemoteUpdate, Update: payload})
			case frameSynced:
				c.mu.Lock()
				c.synced = true
				c.mu.Unlock()
				c.emit(Event{Kind: EventProviderSynced})
			}
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-readDone:
			return
		case update := <-c.outbox:
			if err := conn.Write(c.ctx, websocket.MessageBinary, encodeFrame(frameUpdate, update)); err != nil {
				return
			}
		}
	}
}

func nextBackoff(delay time.Duration) time.Duration {
	delay *= 2
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	jitter := time.Duration(rand.Float64() * float64(delay/4))
	return delay - (delay / 8) + jitter
}

func toWebsocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		return url
	case strings.HasPrefix(url, "http://"):
		return "ws://" + url[len("http://"):]
	case strings.HasPrefix(url, "https://"):
		return "wss://" + url[len("https://"):]
	default:
		return "wss://" + url
	}
}

// frame kind byte: a minimal magic-byte envelope reduced to the two shapes
// this relay needs.
type frameKind byte

const (
	frameUpdate frameKind = 0x01
	frameSynced frameKind = 0x02
)

func encodeFrame(kind frameKind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

func decodeFrame(data []byte) (frameKind, []byte) {
	if len(data) == 0 {
		return 0, nil
	}
	return frameKind(data[0]), data[1:]
}
