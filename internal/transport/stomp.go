// Package transport maintains the STOMP connection to the server: connect
// with credentials and heartbeats, subscribe to action queues with
// client-individual acks, deliver frames upward as events, and send replies.
// It reconnects with backoff and tracks consecutive dead-connection failures
// so the process can bail out of a hopeless broker.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/mattjoyce/actiond/internal/action"
	"github.com/mattjoyce/actiond/internal/log"
)

// ErrTooManyConnectFailures is returned by Run when the broker keeps
// dropping the connection before delivering any data.
var ErrTooManyConnectFailures = errors.New("transport: too many consecutive connection failures")

// Options configure the transport.
type Options struct {
	Host  string
	Port  int
	Login string
	// Passcode is the password or API key secret matching Login.
	Passcode string

	// CAFile is a path to a CA bundle, or "false" to disable verification.
	CAFile string

	// Timeout is the client read timeout, before the scale rule is
	// applied. See effectiveTimeout.
	Timeout time.Duration
	// ServerHeartbeat is the heartbeat interval negotiated with the
	// server. Defaults to 15 seconds.
	ServerHeartbeat time.Duration
	// HeartbeatScale multiplies the server interval when validating the
	// read timeout. See effectiveTimeout.
	HeartbeatScale int

	// MaxConnectErrors is the consecutive connection-failure budget before
	// Run gives up with ErrTooManyConnectFailures. Dead connections and
	// protocol-level connect failures each count against it; authentication
	// refusals do not, they keep retrying with backoff.
	MaxConnectErrors int
}

// EventKind discriminates transport events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventError
)

// Event is something that happened on the connection. Message fields are
// populated for EventMessage; Err for EventDisconnected and EventError.
type Event struct {
	Kind EventKind

	Queue   string
	Headers action.HeaderMap
	Body    []byte

	Err error
}

// conn is the slice of *stomp.Conn the transport uses, split out so tests
// can run the machinery against a fake broker.
type conn interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Ack(m *stomp.Message) error
	Nack(m *stomp.Message) error
	Disconnect() error
}

// subscription is the reading side of one queue subscription.
type subscription interface {
	Read() (*stomp.Message, error)
	Unsubscribe(opts ...func(*frame.Frame) error) error
}

type subscribeFunc func(destination, id string) (subscription, error)

type dialFunc func(ctx context.Context, o Options) (conn, subscribeFunc, error)

// Transport owns the connection lifecycle. Create with New, register
// queues with Subscribe, then drive with Run.
type Transport struct {
	opts Options
	dial dialFunc

	events  chan Event
	done    chan struct{}
	connErr chan error

	mu        sync.Mutex
	conn      conn
	subscribe subscribeFunc
	gen       int
	desired   map[string]string // subscription id -> destination
	subs      map[string]subscription
	pending   map[string]pendingAck
	readers   sync.WaitGroup

	dataErrors int
}

type pendingAck struct {
	msg *stomp.Message
	gen int
}

func New(opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ServerHeartbeat <= 0 {
		opts.ServerHeartbeat = 15 * time.Second
	}
	if opts.HeartbeatScale <= 0 {
		opts.HeartbeatScale = 2
	}
	if opts.MaxConnectErrors <= 0 {
		opts.MaxConnectErrors = 3
	}
	return &Transport{
		opts:    opts,
		dial:    dialSTOMP,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		connErr: make(chan error, 1),
		desired: make(map[string]string),
		subs:    make(map[string]subscription),
		pending: make(map[string]pendingAck),
	}
}

// Events is the stream of connection and message events. The channel is
// closed when Run returns.
func (t *Transport) Events() <-chan Event { return t.events }

// QueueDestination names the broker destination for an org's action queue.
func QueueDestination(orgID int, queue string) string {
	return fmt.Sprintf("actions.%d.%s", orgID, queue)
}

// InboundDestination names the broker destination for a connector's
// inbound queue.
func InboundDestination(orgID int, queue string) string {
	return fmt.Sprintf("inbound_destinations.%d.%s", orgID, queue)
}

// effectiveTimeout enforces the rule that the client read timeout must
// exceed scale server heartbeat intervals; a too-small timeout is raised
// to one and a half times that floor.
func effectiveTimeout(timeout time.Duration, scale int, serverInterval time.Duration) time.Duration {
	floor := time.Duration(scale) * serverInterval
	if timeout > floor {
		return timeout
	}
	adjusted := floor + floor/2
	log.Warn("configured stomp timeout too small for server heartbeat, adjusting",
		"configured", timeout, "adjusted", adjusted)
	return adjusted
}

// isDeadConnection classifies errors that mean the broker accepted the TCP
// connection but never spoke STOMP, or dropped it without a frame. ActiveMQ
// does this when the login is valid but the session limit is hit.
func isDeadConnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection reset") || strings.Contains(s, "no more data")
}

// isAuthRefusal classifies broker refusals of the credentials themselves.
// These keep retrying with backoff, so a server-side credential fix is
// picked up without a restart.
func isAuthRefusal(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "auth")
}

func dialSTOMP(ctx context.Context, o Options) (conn, subscribeFunc, error) {
	addr := fmt.Sprintf("%s:%d", o.Host, o.Port)

	tlsCfg := &tls.Config{ServerName: o.Host}
	switch {
	case strings.EqualFold(o.CAFile, "false"):
		tlsCfg.InsecureSkipVerify = true
	case o.CAFile != "":
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("transport: read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("transport: no certificates in CA bundle %s", o.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	dialer := &net.Dialer{Timeout: 20 * time.Second}
	netConn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	grace := effectiveTimeout(o.Timeout, o.HeartbeatScale, o.ServerHeartbeat)
	sc, err := stomp.Connect(netConn,
		stomp.ConnOpt.Login(o.Login, o.Passcode),
		stomp.ConnOpt.AcceptVersion(stomp.V12),
		stomp.ConnOpt.Host(o.Host),
		stomp.ConnOpt.HeartBeat(o.ServerHeartbeat, o.ServerHeartbeat),
		stomp.ConnOpt.HeartBeatGracePeriodMultiplier(float64(grace)/float64(o.ServerHeartbeat)),
	)
	if err != nil {
		netConn.Close()
		return nil, nil, fmt.Errorf("transport: stomp connect: %w", err)
	}

	subscribe := func(destination, id string) (subscription, error) {
		return sc.Subscribe(destination, stomp.AckClientIndividual,
			stomp.SubscribeOpt.Id(id))
	}
	return sc, subscribe, nil
}

// Subscribe registers a destination under a subscription id (the queue
// name). If connected, the subscription opens immediately; either way it
// is re-established after every reconnect.
func (t *Transport) Subscribe(id, destination string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.desired[id] = destination
	if t.conn == nil {
		return nil
	}
	return t.subscribeLocked(id, destination)
}

// subscribeLocked opens the subscription on the live connection and starts
// its reader. Caller holds t.mu.
func (t *Transport) subscribeLocked(id, destination string) error {
	if _, ok := t.subs[id]; ok {
		return nil
	}
	sub, err := t.subscribe(destination, id)
	if err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", destination, err)
	}
	t.subs[id] = sub
	t.readers.Add(1)
	go t.readLoop(id, sub, t.gen)
	log.Info("subscribed", "destination", destination, "id", id)
	return nil
}

// Unsubscribe closes the subscription and forgets the desired entry.
func (t *Transport) Unsubscribe(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.desired, id)
	sub, ok := t.subs[id]
	if !ok {
		return nil
	}
	delete(t.subs, id)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("transport: unsubscribe %s: %w", id, err)
	}
	log.Info("unsubscribed", "id", id)
	return nil
}

// Send delivers a frame to a destination. Used for replies and re-fires.
func (t *Transport) Send(destination string, body []byte, headers map[string]string) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return fmt.Errorf("transport: not connected")
	}

	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	if err := c.Send(destination, "application/json", body, opts...); err != nil {
		return fmt.Errorf("transport: send to %s: %w", destination, err)
	}
	return nil
}

// Ack acknowledges a delivered message by id. Messages from a previous
// connection cannot be acked; the broker will redeliver them.
func (t *Transport) Ack(messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[messageID]
	if !ok {
		return fmt.Errorf("transport: no pending message %s", messageID)
	}
	delete(t.pending, messageID)
	if p.gen != t.gen || t.conn == nil {
		return fmt.Errorf("transport: message %s belongs to a closed connection", messageID)
	}
	if err := t.conn.Ack(p.msg); err != nil {
		return fmt.Errorf("transport: ack %s: %w", messageID, err)
	}
	return nil
}

// emit delivers an event unless the transport is shutting down.
func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) readLoop(id string, sub subscription, gen int) {
	defer t.readers.Done()
	for {
		msg, err := sub.Read()
		if err != nil {
			t.mu.Lock()
			stale := gen != t.gen
			t.mu.Unlock()
			if !stale {
				// the whole connection is gone, wake Run
				select {
				case t.connErr <- err:
				default:
				}
			}
			return
		}

		headers := make(action.HeaderMap, msg.Header.Len())
		for i := 0; i < msg.Header.Len(); i++ {
			k, v := msg.Header.GetAt(i)
			headers[k] = v
		}
		messageID := headers[frame.MessageId]

		t.mu.Lock()
		t.pending[messageID] = pendingAck{msg: msg, gen: gen}
		t.mu.Unlock()

		t.emit(Event{Kind: EventMessage, Queue: id, Headers: headers, Body: msg.Body})
	}
}

// Run connects, resubscribes and reconnects until ctx is canceled or the
// consecutive failure budget is spent. It closes the event stream on exit.
func (t *Transport) Run(ctx context.Context) error {
	defer func() {
		t.teardown(nil)
		close(t.done)
		t.readers.Wait()
		close(t.events)
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 60 * time.Second
	policy.MaxElapsedTime = 0

	for {
		if err := t.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch {
			case isAuthRefusal(err):
				log.Error("connect refused, retrying", "error", err)
			case isDeadConnection(err):
				t.dataErrors++
				log.Error("connection died before any data",
					"count", t.dataErrors, "max", t.opts.MaxConnectErrors, "error", err)
				if t.dataErrors >= t.opts.MaxConnectErrors {
					t.emit(Event{Kind: EventError, Err: ErrTooManyConnectFailures})
					return ErrTooManyConnectFailures
				}
			default:
				t.dataErrors++
				log.Error("connect failed",
					"count", t.dataErrors, "max", t.opts.MaxConnectErrors, "error", err)
				if t.dataErrors >= t.opts.MaxConnectErrors {
					wrapped := fmt.Errorf("%w: %v", ErrTooManyConnectFailures, err)
					t.emit(Event{Kind: EventError, Err: wrapped})
					return wrapped
				}
			}
			t.emit(Event{Kind: EventDisconnected, Err: err})
		} else {
			t.dataErrors = 0
			policy.Reset()
			t.emit(Event{Kind: EventConnected})

			var cause error
			select {
			case <-ctx.Done():
				return nil
			case cause = <-t.connErr:
			}
			t.teardown(cause)
			t.emit(Event{Kind: EventDisconnected, Err: cause})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(policy.NextBackOff()):
		}
	}
}

// connect dials and restores the desired subscriptions.
func (t *Transport) connect(ctx context.Context) error {
	c, subscribe, err := t.dial(ctx, t.opts)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = c
	t.subscribe = subscribe
	t.gen++
	t.pending = make(map[string]pendingAck)
	// drain a stale death notice from the previous connection
	select {
	case <-t.connErr:
	default:
	}
	desired := make(map[string]string, len(t.desired))
	for id, dest := range t.desired {
		desired[id] = dest
	}
	t.mu.Unlock()

	log.Info("connected", "host", t.opts.Host, "port", t.opts.Port)

	for id, dest := range desired {
		t.mu.Lock()
		err := t.subscribeLocked(id, dest)
		t.mu.Unlock()
		if err != nil {
			t.teardown(err)
			return err
		}
	}
	return nil
}

func (t *Transport) teardown(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return
	}
	for id, sub := range t.subs {
		sub.Unsubscribe()
		delete(t.subs, id)
	}
	t.conn.Disconnect()
	t.conn = nil
	t.gen++
	if cause != nil {
		log.Warn("connection torn down", "error", cause)
	}
}
