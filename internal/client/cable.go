package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/internal/logging"
)

var (
	// ErrRejected is returned when the server refuses a subscription.
	ErrRejected = errors.New("subscription rejected")
	// ErrCableClosed is returned once the cable is closed or gave up reconnecting.
	ErrCableClosed = errors.New("cable closed")
)

const cableWriteWait = 10 * time.Second

// Handler receives the events of one subscribed session. Handlers run on
// the cable's read goroutine and must not block.
type Handler func(event.Event)

// CableOptions tunes reconnection.
type CableOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxReconnects bounds consecutive failed dials. Zero retries until Close.
	MaxReconnects uint64

	// OnReconnect runs after a lost connection is re-established and every
	// active session has been resubscribed.
	OnReconnect func()
}

func (o CableOptions) withDefaults() CableOptions {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 15 * time.Second
	}
	return o
}

// Cable is one WebSocket connection multiplexing session subscriptions.
// When the connection drops it redials with exponential backoff and
// resubscribes every session that still has handlers.
type Cable struct {
	id     string
	url    string
	header http.Header
	dialer *websocket.Dialer
	opts   CableOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]map[uint64]Handler
	waiters  map[string][]chan error
	nextID   uint64
	err      error
}

// DialCable connects to the server's /cable endpoint as the client's user.
func (c *Client) DialCable(ctx context.Context, opts CableOptions) (*Cable, error) {
	return DialCable(ctx, c.BaseURL, c.UserID, opts)
}

// DialCable connects to the /cable endpoint of the server at baseURL.
func DialCable(ctx context.Context, baseURL, userID string, opts CableOptions) (*Cable, error) {
	header := http.Header{}
	header.Set(UserHeader, userID)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Cable{
		id:       uuid.NewString(),
		url:      cableURL(baseURL),
		header:   header,
		dialer:   websocket.DefaultDialer,
		opts:     opts.withDefaults(),
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[string]map[uint64]Handler),
		waiters:  make(map[string][]chan error),
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial cable: %w", err)
	}
	c.conn = conn
	logging.Debug().Str("cableID", c.id).Str("url", c.url).Msg("cable connected")

	go c.run(conn)
	return c, nil
}

func cableURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/cable"
}

// Subscribe registers fn for the session's events and waits until the
// server confirms the subscription. The returned function removes fn; the
// last handler for a session unsubscribes it on the server.
func (c *Cable) Subscribe(ctx context.Context, sessionID string, fn Handler) (func(), error) {
	c.mu.Lock()
	if c.ctx.Err() != nil || c.err != nil {
		c.mu.Unlock()
		return nil, ErrCableClosed
	}
	id := c.nextID
	c.nextID++
	set, active := c.handlers[sessionID]
	if !active {
		set = make(map[uint64]Handler)
		c.handlers[sessionID] = set
	}
	set[id] = fn

	var wait chan error
	if !active {
		wait = make(chan error, 1)
		c.waiters[sessionID] = append(c.waiters[sessionID], wait)
	}
	conn := c.conn
	c.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { c.remove(sessionID, id) })
	}
	if active {
		return unsubscribe, nil
	}

	if conn != nil {
		if err := c.write(conn, event.Command{Command: event.CommandSubscribe, SessionID: sessionID}); err != nil {
			// The read loop notices the broken connection and resubscribes.
			logging.Debug().Err(err).Str("cableID", c.id).Msg("subscribe write failed")
		}
	}

	select {
	case err := <-wait:
		if err != nil {
			unsubscribe()
			return nil, err
		}
		return unsubscribe, nil
	case <-ctx.Done():
		unsubscribe()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrCableClosed
	}
}

func (c *Cable) remove(sessionID string, id uint64) {
	c.mu.Lock()
	set := c.handlers[sessionID]
	if set == nil {
		c.mu.Unlock()
		return
	}
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(c.handlers, sessionID)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		c.write(conn, event.Command{Command: event.CommandUnsubscribe, SessionID: sessionID})
	}
}

// Close shuts the connection down and stops reconnecting.
func (c *Cable) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.cancel()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}
	})
	<-c.done
	return nil
}

// Err reports why the cable stopped, if it gave up reconnecting.
func (c *Cable) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Cable) write(conn *websocket.Conn, cmd event.Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(cableWriteWait))
	return conn.WriteJSON(cmd)
}

// run reads frames until the connection drops, then reconnects.
func (c *Cable) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}

		next, err := c.reconnect()
		if err != nil {
			c.mu.Lock()
			if c.ctx.Err() == nil {
				c.err = fmt.Errorf("%w: %v", ErrCableClosed, err)
				logging.Warn().Err(err).Str("cableID", c.id).Msg("cable gave up reconnecting")
			}
			for sessionID := range c.waiters {
				c.resolveLocked(sessionID, ErrCableClosed)
			}
			c.mu.Unlock()
			return
		}
		conn = next
	}
}

func (c *Cable) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var e event.Event
		if err := conn.ReadJSON(&e); err != nil {
			if c.ctx.Err() == nil {
				logging.Debug().Err(err).Str("cableID", c.id).Msg("cable connection lost")
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		c.dispatch(e)
	}
}

func (c *Cable) dispatch(e event.Event) {
	switch e.Type {
	case event.Welcome:
	case event.ConfirmSubscription:
		c.mu.Lock()
		c.resolveLocked(e.SessionID, nil)
		c.mu.Unlock()
	case event.RejectSubscription:
		logging.Warn().Str("cableID", c.id).Str("sessionID", e.SessionID).Str("reason", e.Reason).Msg("subscription rejected")
		c.mu.Lock()
		delete(c.handlers, e.SessionID)
		c.resolveLocked(e.SessionID, fmt.Errorf("%w: %s", ErrRejected, e.Reason))
		c.mu.Unlock()
	default:
		c.mu.Lock()
		set := c.handlers[e.SessionID]
		fns := make([]Handler, 0, len(set))
		for _, fn := range set {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(e)
		}
	}
}

func (c *Cable) resolveLocked(sessionID string, err error) {
	for _, w := range c.waiters[sessionID] {
		w <- err
	}
	delete(c.waiters, sessionID)
}

// reconnect redials with exponential backoff and resubscribes every
// session that still has handlers.
func (c *Cable) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if c.opts.MaxReconnects > 0 {
		policy = backoff.WithMaxRetries(b, c.opts.MaxReconnects)
	}

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		cn, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			if c.ctx.Err() != nil {
				return backoff.Permanent(c.ctx.Err())
			}
			return err
		}
		conn = cn
		return nil
	}, backoff.WithContext(policy, c.ctx), func(err error, wait time.Duration) {
		logging.Debug().Err(err).Str("cableID", c.id).Dur("wait", wait).Msg("cable redial failed")
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return nil, c.ctx.Err()
	}
	c.conn = conn
	topics := make([]string, 0, len(c.handlers))
	for sessionID := range c.handlers {
		topics = append(topics, sessionID)
	}
	c.mu.Unlock()

	for _, sessionID := range topics {
		if err := c.write(conn, event.Command{Command: event.CommandSubscribe, SessionID: sessionID}); err != nil {
			logging.Debug().Err(err).Str("cableID", c.id).Msg("resubscribe write failed")
		}
	}
	logging.Info().Str("cableID", c.id).Int("topics", len(topics)).Msg("cable reconnected")

	if c.opts.OnReconnect != nil {
		c.opts.OnReconnect()
	}
	return conn, nil
}
