package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"d2a-agent/src/event"
	"d2a-agent/src/logger"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultQueryTimeout = 10 * time.Second
	writeTimeout        = 5 * time.Second
	maxReconnectBackoff = 30 * time.Second
)

// WebSocketBroker speaks the relay wire protocol over one websocket per relay URL:
//
//	client -> relay: ["EVENT", ev]  ["REQ", subID, filter]  ["CLOSE", subID]
//	relay -> client: ["OK", id, accepted, msg]  ["EVENT", subID, ev]  ["EOSE", subID]
//	                 ["CLOSED", subID, msg]  ["NOTICE", msg]
//
// Connections are opened lazily and re-dialled after a failure. Events received from
// relays are signature checked before they are handed to subscribers.
type WebSocketBroker struct {
	dialer *websocket.Dialer
	log    logger.Logger

	mu     sync.Mutex
	conns  map[string]*relayConn
	closed bool
}

// NewWebSocketBroker creates a broker with no open connections.
func NewWebSocketBroker(log logger.Logger) *WebSocketBroker {
	return &WebSocketBroker{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultDialTimeout,
		},
		log:   log,
		conns: make(map[string]*relayConn),
	}
}

type okResult struct {
	accepted bool
	message  string
}

type relaySub struct {
	events   chan event.Event
	eose     chan struct{}
	eoseOnce sync.Once
}

func (s *relaySub) endOfStored() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

type relayConn struct {
	url  string
	conn *websocket.Conn
	log  logger.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*relaySub
	oks  map[string]chan okResult

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// conn returns a live connection to url, dialling if needed.
func (b *WebSocketBroker) conn(ctx context.Context, url string) (*relayConn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := b.conns[url]; ok && c.alive() {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	ws, _, err := b.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", url, err)
	}
	c := &relayConn{
		url:  url,
		conn: ws,
		log:  b.log,
		subs: make(map[string]*relaySub),
		oks:  make(map[string]chan okResult),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ws.Close()
		return nil, ErrClosed
	}
	if existing, ok := b.conns[url]; ok && existing.alive() {
		ws.Close()
		return existing, nil
	}
	b.conns[url] = c
	go c.readLoop()
	return c, nil
}

func (c *relayConn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *relayConn) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

func (c *relayConn) write(frame ...interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.fail(err)
		return fmt.Errorf("failed to write to relay %s: %w", c.url, err)
	}
	return nil
}

func (c *relayConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *relayConn) handleFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		c.log.Debug("[WebSocketBroker] %s: ignoring malformed frame", c.url)
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		var ev event.Event
		if json.Unmarshal(frame[1], &subID) != nil || json.Unmarshal(frame[2], &ev) != nil {
			return
		}
		if err := ev.Verify(); err != nil {
			c.log.Debug("[WebSocketBroker] %s: dropping event with bad signature: %v", c.url, err)
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		select {
		case sub.events <- ev:
		default:
		}

	case "EOSE", "CLOSED":
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub != nil {
			sub.endOfStored()
		}

	case "OK":
		if len(frame) < 3 {
			return
		}
		var id string
		var res okResult
		if json.Unmarshal(frame[1], &id) != nil || json.Unmarshal(frame[2], &res.accepted) != nil {
			return
		}
		if len(frame) > 3 {
			json.Unmarshal(frame[3], &res.message)
		}
		c.mu.Lock()
		ch := c.oks[id]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- res:
			default:
			}
		}

	case "NOTICE":
		var msg string
		json.Unmarshal(frame[1], &msg)
		c.log.Debug("[WebSocketBroker] %s notice: %s", c.url, msg)
	}
}

func (c *relayConn) publish(ctx context.Context, ev event.Event) error {
	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.oks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.write("EVENT", ev); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if !res.accepted {
			return fmt.Errorf("relay %s rejected event: %s", c.url, res.message)
		}
		return nil
	case <-c.done:
		return fmt.Errorf("relay %s disconnected: %w", c.url, c.err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *relayConn) openSub(filter event.Filter) (string, *relaySub, error) {
	subID := ulid.Make().String()
	sub := &relaySub{
		events: make(chan event.Event, subscriptionBuffer),
		eose:   make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()

	if err := c.write("REQ", subID, filter); err != nil {
		c.dropSub(subID)
		return "", nil, err
	}
	return subID, sub, nil
}

func (c *relayConn) closeSub(subID string) {
	c.dropSub(subID)
	if c.alive() {
		c.write("CLOSE", subID)
	}
}

func (c *relayConn) dropSub(subID string) {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
}

// Publish sends ev to every relay concurrently and waits for each OK.
func (b *WebSocketBroker) Publish(ctx context.Context, ev event.Event, relays []string) []PublishResult {
	results := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = PublishResult{Relay: url}
			c, err := b.conn(ctx, url)
			if err != nil {
				results[i].Err = err
				return
			}
			results[i].Err = c.publish(ctx, ev)
		}(i, url)
	}
	wg.Wait()
	return results
}

// Query collects stored events from every relay until each sends EOSE or the
// context (or a default timeout) expires.
func (b *WebSocketBroker) Query(ctx context.Context, filter event.Filter, relays []string) ([]event.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()
	}

	var (
		mu    sync.Mutex
		found []event.Event
		errs  []error
		wg    sync.WaitGroup
	)
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			events, err := b.queryRelay(ctx, url, filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			found = append(found, events...)
		}(url)
	}
	wg.Wait()

	if len(errs) == len(relays) {
		return nil, fmt.Errorf("query failed on all relays: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		b.log.Debug("[WebSocketBroker] partial query failure: %v", err)
	}
	return mergeEvents(found), nil
}

func (b *WebSocketBroker) queryRelay(ctx context.Context, url string, filter event.Filter) ([]event.Event, error) {
	c, err := b.conn(ctx, url)
	if err != nil {
		return nil, err
	}
	subID, sub, err := c.openSub(filter)
	if err != nil {
		return nil, err
	}
	defer c.closeSub(subID)

	var events []event.Event
	for {
		select {
		case ev := <-sub.events:
			if filter.Matches(ev) {
				events = append(events, ev)
			}
		case <-sub.eose:
			// Drain what arrived before EOSE.
			for {
				select {
				case ev := <-sub.events:
					if filter.Matches(ev) {
						events = append(events, ev)
					}
				default:
					return events, nil
				}
			}
		case <-c.done:
			if len(events) > 0 {
				return events, nil
			}
			return nil, fmt.Errorf("relay %s disconnected: %w", url, c.err)
		case <-ctx.Done():
			// Relays that never send EOSE still yield what they sent.
			if len(events) > 0 {
				return events, nil
			}
			return nil, fmt.Errorf("relay %s: %w", url, ctx.Err())
		}
	}
}

// Subscribe keeps one REQ open per relay, re-dialling with backoff after a
// disconnect. The returned channel closes once ctx is cancelled.
func (b *WebSocketBroker) Subscribe(ctx context.Context, filter event.Filter, relays []string) (<-chan event.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := make(chan event.Event, subscriptionBuffer)
	var wg sync.WaitGroup
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			b.subscribeRelay(ctx, url, filter, out)
		}(url)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (b *WebSocketBroker) subscribeRelay(ctx context.Context, url string, filter event.Filter, out chan<- event.Event) {
	backoff := time.Second
	for ctx.Err() == nil {
		c, err := b.conn(ctx, url)
		if errors.Is(err, ErrClosed) {
			return
		}
		if err == nil {
			var subID string
			var sub *relaySub
			subID, sub, err = c.openSub(filter)
			if err == nil {
				backoff = time.Second
				b.forward(ctx, c, subID, sub, out)
				if ctx.Err() != nil {
					return
				}
				// Reconnect without replaying what was already seen.
				filter.Since = time.Now().Unix()
				continue
			}
		}

		b.log.Warn("[WebSocketBroker] subscription to %s failed, retrying in %s: %v", url, backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

func (b *WebSocketBroker) forward(ctx context.Context, c *relayConn, subID string, sub *relaySub, out chan<- event.Event) {
	defer c.closeSub(subID)
	for {
		select {
		case ev := <-sub.events:
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close shuts down every relay connection.
func (b *WebSocketBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for url, c := range b.conns {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.fail(ErrClosed)
		delete(b.conns, url)
	}
	return nil
}
