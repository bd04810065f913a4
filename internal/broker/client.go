// Package broker implements the MQTT 3.1.1 client: connect/subscribe
// handshake, a steady-state worker that multiplexes ingress reads, the
// keep-alive timer, and the outbound holdback queue.
//
// The source this bridge reimplements multiplexed a socket, a self-pipe,
// and a deadline with poll(2) on a dedicated OS thread. Go's netpoller
// makes the self-pipe unnecessary: the worker here is a single goroutine
// selecting over channels and a timer, fed by one background reader
// goroutine. The externally observable contract - ingress framing,
// keep-alive cadence, holdback draining order - is unchanged.
package broker

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/mburakov/mqttfs/internal/buffer"
	"github.com/mburakov/mqttfs/internal/wire"
)

// Errors surfaced to callers. ErrProtocol and ErrTransport are fatal to the
// worker; ErrClosed is returned by Publish once the worker has stopped.
var (
	ErrProtocol  = errors.New("broker: protocol error")
	ErrTransport = errors.New("broker: transport error")
	ErrClosed    = errors.New("broker: client closed")
)

// pingSlack accounts for scheduling jitter relative to the broker's
// 1.5x-keepalive disconnect timeout.
const pingSlack = 100 * time.Millisecond

// Dialer opens the underlying transport. Production code uses net.Dial;
// tests substitute an in-memory pipe.
type Dialer func() (io.ReadWriteCloser, error)

// Config configures a Client.
type Config struct {
	Dial      Dialer
	KeepAlive time.Duration
	Clock     timeutil.Clock
	OnPublish func(topic string, payload []byte)
	DebugLog  *log.Logger
	ErrorLog  *log.Logger
}

type outbound struct {
	dueAt   time.Time
	topic   string
	payload []byte
}

// Client is a connected MQTT client running its steady-state worker in the
// background.
type Client struct {
	conn      io.ReadWriteCloser
	keepAlive time.Duration
	clock     timeutil.Clock
	onPublish func(topic string, payload []byte)
	debugLog  *log.Logger
	errorLog  *log.Logger

	queueMu sync.Mutex
	queue   []outbound

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
	runErr    error
	stopped   chan struct{}
}

// Dial opens the transport, performs the CONNECT/CONNACK and
// SUBSCRIBE/SUBACK handshake for the fixed "+/#" filter, and starts the
// steady-state worker in the background. Any handshake failure aborts
// startup and returns a non-nil error without starting the worker.
func Dial(cfg Config) (*Client, error) {
	conn, err := cfg.Dial()
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}

	keepAliveSeconds := uint16(cfg.KeepAlive / time.Second)
	connect, err := wire.EncodeConnect(keepAliveSeconds)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(connect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	packetType, body, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading CONNACK: %v", ErrTransport, err)
	}
	if packetType != 0x20 {
		conn.Close()
		return nil, fmt.Errorf("%w: expected CONNACK", ErrProtocol)
	}
	if code, err := wire.DecodeConnAck(body); err != nil || code != 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: CONNACK rejected, code %d", ErrProtocol, code)
	}

	if _, err := conn.Write(wire.EncodeSubscribe()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	packetType, body, err = wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading SUBACK: %v", ErrTransport, err)
	}
	if packetType != 0x90 {
		conn.Close()
		return nil, fmt.Errorf("%w: expected SUBACK", ErrProtocol)
	}
	if code, err := wire.DecodeSubAck(body); err != nil || code != 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: SUBACK rejected, code %d", ErrProtocol, code)
	}

	c := &Client{
		conn:      conn,
		keepAlive: cfg.KeepAlive,
		clock:     cfg.Clock,
		onPublish: cfg.OnPublish,
		debugLog:  cfg.DebugLog,
		errorLog:  cfg.ErrorLog,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Publish enqueues a message to be sent no earlier than holdback after now.
// It returns ErrClosed if the client has already shut down.
func (c *Client) Publish(topic string, payload []byte, holdback time.Duration) error {
	select {
	case <-c.stopped:
		return ErrClosed
	default:
	}

	c.queueMu.Lock()
	c.queue = append(c.queue, outbound{
		dueAt:   c.clock.Now().Add(holdback),
		topic:   topic,
		payload: append([]byte(nil), payload...),
	})
	c.queueMu.Unlock()

	c.poke()
	return nil
}

// CancelByTopic removes every queued (not yet sent) message whose topic
// equals topic. Used by rename handling to retract a stale outbound
// publish before re-publishing under the new name.
func (c *Client) CancelByTopic(topic string) {
	c.queueMu.Lock()
	kept := c.queue[:0]
	for _, m := range c.queue {
		if m.topic != topic {
			kept = append(kept, m)
		}
	}
	c.queue = kept
	c.queueMu.Unlock()
}

// Close signals the worker to disconnect and waits for it to stop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.stopped
	return c.runErr
}

func (c *Client) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the steady-state worker goroutine.
func (c *Client) run() {
	defer close(c.stopped)

	reads := make(chan []byte)
	readErrs := make(chan error, 1)
	go c.readLoop(reads, readErrs)

	var acc buffer.Buffer
	lastActivity := c.clock.Now()
	nextPing := lastActivity.Add(c.keepAlive - pingSlack)

	for {
		now := c.clock.Now()
		deadline := nextPing
		if d := c.nextQueueDeadline(); !d.IsZero() && d.Before(deadline) {
			deadline = d
		}
		timer := time.NewTimer(maxDuration(0, deadline.Sub(now)))

		select {
		case <-c.done:
			timer.Stop()
			c.conn.Write(wire.EncodeDisconnect())
			c.conn.Close()
			return

		case err := <-readErrs:
			timer.Stop()
			if errors.Is(err, io.EOF) {
				c.runErr = fmt.Errorf("%w: broker closed connection", ErrTransport)
			} else {
				c.runErr = fmt.Errorf("%w: %v", ErrTransport, err)
			}
			c.conn.Close()
			return

		case chunk := <-reads:
			timer.Stop()
			dst := acc.Reserve(len(chunk))
			copy(dst, chunk)
			acc.Commit(len(chunk))
			if !c.drainIngress(&acc) {
				c.conn.Close()
				c.runErr = ErrProtocol
				return
			}

		case <-c.wake:
			timer.Stop()

		case <-timer.C:
			now = c.clock.Now()
			if !now.Before(nextPing) {
				if _, err := c.conn.Write(wire.EncodePingReq()); err != nil {
					c.runErr = fmt.Errorf("%w: %v", ErrTransport, err)
					c.conn.Close()
					return
				}
				lastActivity = now
				nextPing = lastActivity.Add(c.keepAlive - pingSlack)
			}
			if sent, ok := c.drainQueue(now); !ok {
				c.conn.Close()
				return
			} else if sent {
				lastActivity = now
				nextPing = lastActivity.Add(c.keepAlive - pingSlack)
			}
		}
	}
}

func (c *Client) drainIngress(acc *buffer.Buffer) (ok bool) {
	for {
		r := wire.Parse(acc.Bytes())
		switch r.Status {
		case wire.Success:
			if c.onPublish != nil {
				c.onPublish(r.Topic, r.Payload)
			}
			acc.Consume(r.Consumed)
		case wire.Skipped:
			acc.Consume(r.Consumed)
		case wire.ReadMore:
			return true
		case wire.Error:
			return false
		}
	}
}

func (c *Client) nextQueueDeadline() time.Time {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return time.Time{}
	}
	return c.queue[0].dueAt
}

// drainQueue writes every due outbound publish to the connection. sent
// reports whether at least one frame was written (the worker treats that as
// activity for keep-alive purposes); ok reports whether the connection is
// still usable — a write failure is fatal to the worker, matching the
// ping-write path.
func (c *Client) drainQueue(now time.Time) (sent, ok bool) {
	c.queueMu.Lock()
	var ready []outbound
	i := 0
	for ; i < len(c.queue); i++ {
		if c.queue[i].dueAt.After(now) {
			break
		}
		ready = append(ready, c.queue[i])
	}
	c.queue = c.queue[i:]
	c.queueMu.Unlock()

	for _, m := range ready {
		frame, err := wire.EncodePublish(m.topic, m.payload)
		if err != nil {
			if c.errorLog != nil {
				c.errorLog.Printf("broker: dropping unencodable publish to %q: %v", m.topic, err)
			}
			continue
		}
		if _, err := c.conn.Write(frame); err != nil {
			c.runErr = fmt.Errorf("%w: %v", ErrTransport, err)
			return sent, false
		}
		sent = true
	}
	return sent, true
}

// readLoop is the background reader goroutine: it owns the blocking Read
// call, handing chunks (or the terminal error) to the worker over a
// channel so the worker's select never blocks in a read itself.
func (c *Client) readLoop(reads chan<- []byte, errs chan<- error) {
	buf := make([]byte, 8192)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case reads <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case errs <- err:
			case <-c.done:
			}
			return
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
