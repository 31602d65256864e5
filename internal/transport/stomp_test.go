package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveTimeout(t *testing.T) {
	// large enough timeout passes through
	assert.Equal(t, 60*time.Second,
		effectiveTimeout(60*time.Second, 2, 15*time.Second))

	// timeout at or below scale x interval is raised to 1.5x the floor
	assert.Equal(t, 45*time.Second,
		effectiveTimeout(30*time.Second, 2, 15*time.Second))
	assert.Equal(t, 45*time.Second,
		effectiveTimeout(10*time.Second, 2, 15*time.Second))

	// a timeout below the server interval itself is raised the same way
	assert.Equal(t, 30*time.Second,
		effectiveTimeout(5*time.Second, 2, 10*time.Second))
}

func TestServerHeartbeatDefault(t *testing.T) {
	tr := New(Options{Host: "h", Port: 65001})
	assert.Equal(t, 15*time.Second, tr.opts.ServerHeartbeat)
	assert.Equal(t, 60*time.Second, tr.opts.Timeout,
		"default timeout clears the heartbeat floor without adjustment")
}

func TestIsDeadConnection(t *testing.T) {
	assert.True(t, isDeadConnection(io.EOF))
	assert.True(t, isDeadConnection(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))
	assert.True(t, isDeadConnection(errors.New("connection reset by peer")))
	assert.True(t, isDeadConnection(errors.New("no more data to read")))
	assert.False(t, isDeadConnection(errors.New("authentication failed")))
	assert.False(t, isDeadConnection(nil))
}

func TestDestinations(t *testing.T) {
	assert.Equal(t, "actions.201.my_queue", QueueDestination(201, "my_queue"))
	assert.Equal(t, "inbound_destinations.201.feed", InboundDestination(201, "feed"))
}

// fakeBroker stands in for a STOMP server behind the dial function.
type fakeBroker struct {
	mu       sync.Mutex
	acked    []string
	sent     []sentFrame
	subs     map[string]*fakeSub
	dials    int
	dialErrs []error
}

type sentFrame struct {
	destination string
	body        []byte
	headers     map[string]string
}

type fakeSub struct {
	msgs chan *stomp.Message
	quit chan struct{}
	once sync.Once
}

func (s *fakeSub) Read() (*stomp.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.quit:
		return nil, errors.New("subscription closed")
	}
}

func (s *fakeSub) Unsubscribe(opts ...func(*frame.Frame) error) error {
	s.once.Do(func() { close(s.quit) })
	return nil
}

type fakeConn struct{ b *fakeBroker }

func (c *fakeConn) Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error {
	f := frame.New(frame.SEND, frame.Destination, destination)
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return err
		}
	}
	headers := map[string]string{}
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		headers[k] = v
	}
	c.b.mu.Lock()
	c.b.sent = append(c.b.sent, sentFrame{destination: destination, body: body, headers: headers})
	c.b.mu.Unlock()
	return nil
}

func (c *fakeConn) Ack(m *stomp.Message) error {
	c.b.mu.Lock()
	c.b.acked = append(c.b.acked, m.Header.Get(frame.MessageId))
	c.b.mu.Unlock()
	return nil
}

func (c *fakeConn) Nack(m *stomp.Message) error { return nil }
func (c *fakeConn) Disconnect() error           { return nil }

func (b *fakeBroker) dial(ctx context.Context, o Options) (conn, subscribeFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dials < len(b.dialErrs) && b.dialErrs[b.dials] != nil {
		err := b.dialErrs[b.dials]
		b.dials++
		return nil, nil, err
	}
	b.dials++
	if b.subs == nil {
		b.subs = map[string]*fakeSub{}
	}
	subscribe := func(destination, id string) (subscription, error) {
		s := &fakeSub{msgs: make(chan *stomp.Message, 8), quit: make(chan struct{})}
		b.subs[id] = s
		return s, nil
	}
	return &fakeConn{b: b}, subscribe, nil
}

func (b *fakeBroker) deliver(t *testing.T, id, messageID string, body string) {
	t.Helper()
	b.mu.Lock()
	sub, ok := b.subs[id]
	b.mu.Unlock()
	require.True(t, ok, "no subscription %s", id)
	sub.msgs <- &stomp.Message{
		Header: frame.NewHeader(
			frame.MessageId, messageID,
			"reply-to", "/queue/acks.201."+id,
			"correlation-id", "corr-"+messageID,
		),
		Body: []byte(body),
	}
}

// dropConnection makes every live subscription reader fail.
func (b *fakeBroker) dropConnection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	b.subs = map[string]*fakeSub{}
}

func waitFor(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed while waiting")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func newTestTransport(b *fakeBroker) *Transport {
	tr := New(Options{Host: "h", Port: 65001, Login: "u", Passcode: "p"})
	tr.dial = b.dial
	return tr
}

func TestConnectSubscribeDeliverAck(t *testing.T) {
	b := &fakeBroker{}
	tr := newTestTransport(b)
	require.NoError(t, tr.Subscribe("my_queue", QueueDestination(201, "my_queue")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	waitFor(t, tr.Events(), EventConnected)
	b.deliver(t, "my_queue", "msg-1", `{"action_id": 1}`)

	ev := waitFor(t, tr.Events(), EventMessage)
	assert.Equal(t, "my_queue", ev.Queue)
	assert.Equal(t, "msg-1", ev.Headers["message-id"])
	assert.JSONEq(t, `{"action_id": 1}`, string(ev.Body))

	require.NoError(t, tr.Ack("msg-1"))
	b.mu.Lock()
	assert.Equal(t, []string{"msg-1"}, b.acked)
	b.mu.Unlock()

	// double ack is an error
	require.Error(t, tr.Ack("msg-1"))

	require.NoError(t, tr.Send("acks.201.my_queue",
		[]byte(`{"message_type":0,"message":"","complete":true}`),
		map[string]string{"correlation-id": "corr-msg-1"}))
	b.mu.Lock()
	require.Len(t, b.sent, 1)
	assert.Equal(t, "acks.201.my_queue", b.sent[0].destination)
	assert.Equal(t, "corr-msg-1", b.sent[0].headers["correlation-id"])
	b.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	for range tr.Events() {
	}
}

func TestReconnectResubscribesAndInvalidatesAcks(t *testing.T) {
	b := &fakeBroker{}
	tr := newTestTransport(b)
	require.NoError(t, tr.Subscribe("q1", QueueDestination(201, "q1")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	waitFor(t, tr.Events(), EventConnected)
	b.deliver(t, "q1", "old-msg", `{}`)
	waitFor(t, tr.Events(), EventMessage)

	b.dropConnection()
	waitFor(t, tr.Events(), EventDisconnected)
	waitFor(t, tr.Events(), EventConnected)

	// the old delivery cannot be acked on the new connection
	require.Error(t, tr.Ack("old-msg"))

	// the new connection carries the subscription again
	b.deliver(t, "q1", "new-msg", `{}`)
	ev := waitFor(t, tr.Events(), EventMessage)
	assert.Equal(t, "new-msg", ev.Headers["message-id"])
	require.NoError(t, tr.Ack("new-msg"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := &fakeBroker{}
	tr := newTestTransport(b)
	require.NoError(t, tr.Subscribe("q1", QueueDestination(201, "q1")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)
	waitFor(t, tr.Events(), EventConnected)

	require.NoError(t, tr.Unsubscribe("q1"))
	b.mu.Lock()
	_, stillThere := b.subs["q1"]
	b.mu.Unlock()
	assert.True(t, stillThere, "fake keeps the record, the reader is stopped")

	tr.mu.Lock()
	_, desired := tr.desired["q1"]
	tr.mu.Unlock()
	assert.False(t, desired, "unsubscribed queue must not come back on reconnect")
}

func TestDeadConnectionBudget(t *testing.T) {
	b := &fakeBroker{dialErrs: []error{io.EOF, io.EOF, io.EOF, io.EOF}}
	tr := New(Options{Host: "h", Port: 65001, MaxConnectErrors: 2})
	tr.dial = b.dial

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background()) }()

	var sawError bool
	for ev := range tr.Events() {
		if ev.Kind == EventError {
			sawError = true
			assert.ErrorIs(t, ev.Err, ErrTooManyConnectFailures)
		}
	}
	assert.True(t, sawError)
	require.ErrorIs(t, <-done, ErrTooManyConnectFailures)
	assert.Equal(t, 2, b.dials)
}

func TestAuthRefusalDoesNotBurnBudget(t *testing.T) {
	b := &fakeBroker{dialErrs: []error{errors.New("authentication failed"), nil}}
	tr := New(Options{Host: "h", Port: 65001, MaxConnectErrors: 1})
	tr.dial = b.dial

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	waitFor(t, tr.Events(), EventDisconnected)
	waitFor(t, tr.Events(), EventConnected)
}

func TestPersistentConnectErrorBudget(t *testing.T) {
	protocolErr := errors.New("stomp connect: unexpected frame")
	b := &fakeBroker{dialErrs: []error{protocolErr, protocolErr, protocolErr}}
	tr := New(Options{Host: "h", Port: 65001, MaxConnectErrors: 2})
	tr.dial = b.dial

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background()) }()

	err := <-done
	require.ErrorIs(t, err, ErrTooManyConnectFailures)
	assert.Contains(t, err.Error(), "unexpected frame")
	assert.Equal(t, 2, b.dials)
	for range tr.Events() {
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := New(Options{Host: "h", Port: 65001})
	require.Error(t, tr.Send("dest", nil, nil))
}
