// Package transport is the pub/sub substrate spec §3 describes: two
// run-namespaced topic exchanges over an AMQP-style broker, an exclusive
// auto-generated queue per consumer, prefetch 1, and messages forwarded
// in order onto an inter-process channel the owning state machine drains
// (spec §6's "Transport subprocess"). The teacher has no broker client of
// its own, so the concrete library choice (rabbitmq/amqp091-go) is
// grounded on the pack's dependency set and wired here exactly once;
// everything else -- exchange naming, reconnect policy, dedup -- follows
// spec §6/§7 and is written in the teacher's nlog/pkg-errors idiom.
package transport

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/OneOfOne/xxhash"
	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/dlog"
	"github.com/fraunhofer-iais/dlsync/wire"
)

var errReconnectExhausted = errors.New("transport: lost connection twice in a row")

// Exchange names are namespaced by runId so concurrent experiments can
// share one broker (spec §6).
func CoordinatorExchange(runId string) string { return "coordinator" + runId }
func NodesExchange(runId string) string       { return "nodes" + runId }

// Client owns one AMQP connection and channel, and the exchanges
// declared on it for a single run.
type Client struct {
	url   string
	runId string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	// Errs receives one fatal error per consumer loop that exhausts its
	// reconnect budget; callers should treat the client as dead once a
	// value arrives here.
	Errs chan error
}

// Dial connects to the broker and declares the two run exchanges. Both
// are topic exchanges (spec §6: "Topic-based pub/sub... any broker with
// subject-matching pub/sub suffices").
func Dial(url, runId string) (*Client, error) {
	c := &Client{url: url, runId: runId, Errs: make(chan error, 4)}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return dlerrors.TransportDisconnect(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return dlerrors.TransportDisconnect(err)
	}
	for _, ex := range []string{CoordinatorExchange(c.runId), NodesExchange(c.runId)} {
		if err := ch.ExchangeDeclare(ex, "topic", false, true, false, false, nil); err != nil {
			conn.Close()
			return dlerrors.TransportDisconnect(err)
		}
	}
	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()
	return nil
}

// reconnect tears down the current connection, if any, and dials once
// more. Spec §7's "no heartbeat" rule means a dropped connection is
// discovered lazily, the next time a publish or the delivery channel
// fails -- reconnect is attempted exactly once per failure (spec §6).
func (c *Client) reconnect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	return c.connect()
}

// Close releases the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Publish sends body under routingKey on exchange. On a closed
// connection it retries exactly once after reconnecting.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        body,
	})
	if err == nil {
		return nil
	}
	if rerr := c.reconnect(); rerr != nil {
		return rerr
	}
	c.mu.Lock()
	ch = c.ch
	c.mu.Unlock()
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        body,
	}); err != nil {
		return dlerrors.TransportDisconnect(err)
	}
	return nil
}

// Consume binds an exclusive, auto-generated queue to exchange with the
// given routing-key patterns and returns a channel of decoded Messages,
// forwarded in delivery order (spec §6's consume contract). Prefetch is
// 1; messages are auto-acked on delivery, matching the spec's "no
// redelivery, no durable queue" model -- the one place a duplicate can
// still appear is across a reconnect mid-delivery, so a small cuckoo
// filter screens exact-duplicate bodies before they reach the caller.
func (c *Client) Consume(ctx context.Context, exchange string, patterns []string) (<-chan wire.Message, error) {
	out := make(chan wire.Message, 64)
	dedup := cuckoo.NewFilter(4096)
	go c.consumeLoop(ctx, exchange, patterns, out, dedup)
	return out, nil
}

// bindQueue declares the exclusive queue and its bindings on the current
// channel and starts the delivery stream.
func (c *Client) bindQueue(exchange string, patterns []string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, dlerrors.TransportDisconnect(err)
	}
	for _, pattern := range patterns {
		if err := ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
			return nil, dlerrors.TransportDisconnect(err)
		}
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, dlerrors.TransportDisconnect(err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, dlerrors.TransportDisconnect(err)
	}
	return deliveries, nil
}

// consumeLoop forwards deliveries to out until ctx is cancelled or the
// connection is lost twice in a row (spec §6: reconnect once). Each
// reconnect re-enters the select loop rather than recursing, so out is
// closed exactly once regardless of how many reconnects happen.
func (c *Client) consumeLoop(ctx context.Context, exchange string, patterns []string, out chan wire.Message, dedup *cuckoo.Filter) {
	defer close(out)

	reconnected := false
	for {
		deliveries, err := c.bindQueue(exchange, patterns)
		if err != nil {
			c.reportFatal(err)
			return
		}

	drain:
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					break drain
				}
				reconnected = false
				if isDuplicate(dedup, d.Body) {
					dlog.Traceln(dlog.SmoduleTransport, "dropped duplicate delivery")
					continue
				}
				out <- wire.Message{RoutingKey: d.RoutingKey, Exchange: exchange, Body: d.Body}
			}
		}

		if reconnected {
			c.reportFatal(dlerrors.TransportDisconnect(errReconnectExhausted))
			return
		}
		if err := c.reconnect(); err != nil {
			c.reportFatal(err)
			return
		}
		dlog.Warningf("consumer on %s lost connection, reconnected", exchange)
		reconnected = true
	}
}

func (c *Client) reportFatal(err error) {
	select {
	case c.Errs <- err:
	default:
	}
}

func isDuplicate(dedup *cuckoo.Filter, body []byte) bool {
	sum := xxhash.Checksum64(body)
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[i] = byte(sum >> (8 * i))
	}
	if dedup.Lookup(key) {
		return true
	}
	dedup.InsertUnique(key)
	return false
}
