// Package dispatch is the heart of the runtime: it routes inbound action
// messages to handler components and guarantees that every handled message
// produces exactly one ack and one reply, in that order. Deferred messages
// are re-fired later without acking; failed acks and replies are retried
// on a timer.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/actiond/internal/action"
	"github.com/mattjoyce/actiond/internal/component"
	"github.com/mattjoyce/actiond/internal/log"
	"github.com/mattjoyce/actiond/internal/lowcode"
	"github.com/mattjoyce/actiond/internal/metrics"
	"github.com/mattjoyce/actiond/internal/rest"
	"github.com/mattjoyce/actiond/internal/transport"
)

const (
	// DefaultIdleInterval is how often the REST session is dropped so the
	// next call re-authenticates, mitigating server-side session aging.
	DefaultIdleInterval = 600 * time.Second

	// mailboxDepth bounds each queue's backlog of undispatched messages.
	// A full mailbox leaves the frame unacked for broker redelivery.
	mailboxDepth = 256

	// DefaultRetryInterval is how often failed acks and replies are
	// re-attempted.
	DefaultRetryInterval = 60 * time.Second

	// DefaultMaxDeliveryRetries bounds those re-attempts.
	DefaultMaxDeliveryRetries = 3

	defaultCompletionText = "Processing complete"
)

// Broker is the transport surface the dispatcher drives. Satisfied by
// *transport.Transport.
type Broker interface {
	Subscribe(id, destination string) error
	Unsubscribe(id string) error
	Send(destination string, body []byte, headers map[string]string) error
	Ack(messageID string) error
}

// Options tune dispatcher behavior. Zero values select the defaults.
type Options struct {
	// TestActions tolerates unparseable message bodies: the frame is
	// acked and dispatched with an empty body instead of being left for
	// redelivery.
	TestActions bool

	// IgnoreMessageFailure replies success even when a handler fails.
	IgnoreMessageFailure bool

	// NumWorkers bounds concurrent handler invocations.
	NumWorkers int

	// SubscriptionQueue, when set, is consumed for low-code connector
	// membership updates instead of being dispatched to handlers.
	SubscriptionQueue string

	IdleInterval       time.Duration
	RetryInterval      time.Duration
	MaxDeliveryRetries int
}

// Dispatcher wires the broker, the component registry and the REST client
// together. Create with New, then drive with Run.
type Dispatcher struct {
	opts     Options
	broker   Broker
	events   <-chan transport.Event
	registry *component.Registry
	client   rest.Client
	defs     *actionDefs
	delivery *deliveryState
	queues   *lowcode.Queues

	refire chan *action.Message
	sem    chan struct{}
	quit   chan struct{}

	mu        sync.Mutex
	deferrals map[string]int // message-id -> times deferred

	// mailboxes serialize handling per queue: one consumer goroutine per
	// queue drains its mailbox in broker order. The semaphore still bounds
	// handler concurrency across queues.
	mailboxes map[string]chan *action.Message

	everConnected bool

	handling sync.WaitGroup
}

func New(broker Broker, events <-chan transport.Event, registry *component.Registry,
	client rest.Client, queues *lowcode.Queues, opts Options) *Dispatcher {

	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 10
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxDeliveryRetries <= 0 {
		opts.MaxDeliveryRetries = DefaultMaxDeliveryRetries
	}
	return &Dispatcher{
		opts:      opts,
		broker:    broker,
		events:    events,
		registry:  registry,
		client:    client,
		defs:      newActionDefs(client),
		delivery:  newDeliveryState(),
		queues:    queues,
		deferrals: make(map[string]int),
		mailboxes: make(map[string]chan *action.Message),
		refire:    make(chan *action.Message, 32),
		sem:       make(chan struct{}, opts.NumWorkers),
		quit:      make(chan struct{}),
	}
}

// destination names the broker destination a component's queue maps to.
func (d *Dispatcher) destination(c *component.Component) string {
	if c.Inbound {
		return transport.InboundDestination(d.client.OrgID(), c.Queue)
	}
	return transport.QueueDestination(d.client.OrgID(), c.Queue)
}

// Run processes transport events and registry changes until ctx is
// canceled or the transport reports a fatal error.
func (d *Dispatcher) Run(ctx context.Context) error {
	idle := time.NewTicker(d.opts.IdleInterval)
	defer idle.Stop()
	retry := time.NewTicker(d.opts.RetryInterval)
	defer retry.Stop()

	if d.opts.SubscriptionQueue != "" {
		if err := d.broker.Subscribe(d.opts.SubscriptionQueue,
			transport.QueueDestination(d.client.OrgID(), d.opts.SubscriptionQueue)); err != nil {
			return fmt.Errorf("dispatch: subscribe subscription queue: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil

		case ev, ok := <-d.events:
			if !ok {
				d.shutdown()
				return nil
			}
			if err := d.onTransportEvent(ctx, ev); err != nil {
				d.shutdown()
				return err
			}

		case ch := <-d.registry.Changes():
			d.onRegistryChange(ch)

		case m := <-d.refire:
			d.deliver(ctx, m)

		case <-idle.C:
			log.Debug("idle timer fired, resetting rest session")
			d.client.Reset()

		case <-retry.C:
			d.delivery.retry(d.broker.Ack, d.broker.Send, d.opts.MaxDeliveryRetries)
		}
	}
}

// shutdown stops the queue consumers and waits for in-flight handlers.
func (d *Dispatcher) shutdown() {
	close(d.quit)
	d.handling.Wait()
}

func (d *Dispatcher) onTransportEvent(ctx context.Context, ev transport.Event) error {
	switch ev.Kind {
	case transport.EventConnected:
		if d.everConnected {
			metrics.Reconnects.Inc()
		}
		d.everConnected = true
		d.delivery.dropStaleAcks()
		d.resubscribeAll()

	case transport.EventDisconnected:
		log.Warn("transport disconnected", "error", ev.Err)

	case transport.EventError:
		return ev.Err

	case transport.EventMessage:
		d.onMessage(ctx, ev)
	}
	return nil
}

// resubscribeAll restores every queue with at least one consumer, the live
// connector queues and the subscription queue. Subscribing an already-open
// id is a no-op.
func (d *Dispatcher) resubscribeAll() {
	for _, c := range d.registry.List() {
		if c.Queue == "" {
			continue
		}
		if err := d.broker.Subscribe(c.Queue, d.destination(c)); err != nil {
			log.Error("resubscribe failed", "queue", c.Queue, "error", err)
		}
	}
	if d.queues != nil {
		for _, q := range d.queues.List() {
			if err := d.broker.Subscribe(q, transport.InboundDestination(d.client.OrgID(), q)); err != nil {
				log.Error("resubscribe failed", "queue", q, "error", err)
			}
		}
	}
	if q := d.opts.SubscriptionQueue; q != "" {
		if err := d.broker.Subscribe(q, transport.QueueDestination(d.client.OrgID(), q)); err != nil {
			log.Error("resubscribe failed", "queue", q, "error", err)
		}
	}
}

func (d *Dispatcher) onRegistryChange(ch component.Change) {
	queue := ch.Component.Queue
	if queue == "" {
		// low-code components follow the connector queue set instead
		if ch.Kind == component.Added && d.queues != nil && !d.queues.Enabled() {
			log.Info("low-code component registered, dormant until connector queues are published",
				"component", ch.Component.Name)
		}
		return
	}
	switch ch.Kind {
	case component.Added:
		if err := d.broker.Subscribe(queue, d.destination(ch.Component)); err != nil {
			log.Error("subscribe failed", "queue", queue, "error", err)
		}
	case component.Removed:
		if len(d.registry.ForQueue(queue)) == 0 {
			if err := d.broker.Unsubscribe(queue); err != nil {
				log.Error("unsubscribe failed", "queue", queue, "error", err)
			}
		}
	}
}

// deliver hands a message to its queue's mailbox, creating the consumer on
// first use. A full mailbox drops the frame so the broker redelivers it.
func (d *Dispatcher) deliver(ctx context.Context, m *action.Message) {
	d.mu.Lock()
	mb, ok := d.mailboxes[m.Queue]
	if !ok {
		mb = make(chan *action.Message, mailboxDepth)
		d.mailboxes[m.Queue] = mb
		d.handling.Add(1)
		go d.consumeQueue(ctx, mb)
	}
	d.mu.Unlock()

	select {
	case mb <- m:
	default:
		log.Warn("queue backlog full, leaving message for redelivery",
			"queue", m.Queue, "message_id", m.Headers.MessageID)
	}
}

// consumeQueue drains one queue's mailbox, one message at a time, so
// same-queue messages fire to handlers in broker order.
func (d *Dispatcher) consumeQueue(ctx context.Context, mb <-chan *action.Message) {
	defer d.handling.Done()
	for {
		select {
		case <-d.quit:
			return
		case m := <-mb:
			select {
			case d.sem <- struct{}{}:
			case <-d.quit:
				return
			}
			d.process(ctx, m)
			<-d.sem
		}
	}
}

func (d *Dispatcher) onMessage(ctx context.Context, ev transport.Event) {
	headers := action.ParseHeaders(ev.Headers)

	if ev.Queue == d.opts.SubscriptionQueue && d.opts.SubscriptionQueue != "" {
		if d.queues != nil {
			if err := d.queues.Apply(ev.Body); err != nil {
				log.Error("bad subscription queue message", "error", err)
			}
		}
		d.ack(headers.MessageID)
		return
	}

	// a redelivered copy of something already handled is just acked
	if d.delivery.alreadyCompleted(headers.CorrelationID) {
		log.Info("acking redelivered message completed on a previous connection",
			"message_id", headers.MessageID)
		d.ack(headers.MessageID)
		return
	}

	metrics.MessagesReceived.WithLabelValues(ev.Queue).Inc()

	m, err := action.Decode(ev.Queue, headers, ev.Body)
	if err != nil {
		if !d.opts.TestActions {
			log.Error("unparseable message left for redelivery",
				"queue", ev.Queue, "message_id", headers.MessageID, "error", err)
			return
		}
		log.Warn("unparseable message dispatched with empty body",
			"queue", ev.Queue, "message_id", headers.MessageID)
		m = action.Empty(ev.Queue, headers)
	}

	d.deliver(ctx, m)
}

// process runs the handler chain for one message and applies the outcome.
func (d *Dispatcher) process(ctx context.Context, m *action.Message) {
	name, err := d.eventName(ctx, m)
	if err != nil {
		d.finish(m, action.StatusError, err.Error())
		return
	}
	m.Name = name

	handlers := d.matchHandlers(m.Queue, name)
	if len(handlers) == 0 {
		d.finish(m, action.StatusError,
			fmt.Sprintf("no handler for event %q on queue %q", name, m.Queue))
		return
	}

	text := ""
	for _, h := range handlers {
		start := time.Now()
		res, err := h.fn(ctx, m)
		metrics.HandlerDuration.WithLabelValues(m.Queue).Observe(time.Since(start).Seconds())

		if err != nil {
			if de, ok := action.AsDefer(err); ok {
				d.deferMessage(ctx, m, de)
				return
			}
			metrics.HandlerFailures.WithLabelValues(m.Queue).Inc()
			log.Error("handler failed", "component", h.name, "event", name, "error", err)
			if d.opts.IgnoreMessageFailure {
				d.finish(m, action.StatusOK, defaultCompletionText)
			} else {
				d.finish(m, action.StatusError, err.Error())
			}
			return
		}
		if res != nil && res.Text != "" {
			text = res.Text
		}
	}
	if text == "" {
		text = defaultCompletionText
	}
	d.finish(m, action.StatusOK, text)
}

// eventName derives the handler event name for a message.
func (d *Dispatcher) eventName(ctx context.Context, m *action.Message) (string, error) {
	id := m.ActionID()
	if id == 0 {
		return action.UnnamedEvent, nil
	}
	display, err := d.defs.Name(ctx, id)
	if err != nil {
		return "", fmt.Errorf("unknown action %d: %v", id, err)
	}
	return action.EventName(display), nil
}

type matched struct {
	name string
	fn   component.HandlerFunc
}

// matchHandlers finds the components consuming a queue. Low-code components
// additionally consume every queue in the live connector set; an empty set
// keeps them dormant.
func (d *Dispatcher) matchHandlers(queue, event string) []matched {
	var out []matched
	for _, c := range d.registry.ForQueue(queue) {
		if fn := c.Handler(event); fn != nil {
			out = append(out, matched{name: c.Name, fn: fn})
		}
	}
	if d.queues != nil && d.queues.Contains(queue) {
		for _, c := range d.registry.List() {
			if !c.LowCode || c.Queue == queue {
				continue
			}
			if fn := c.Handler(event); fn != nil {
				out = append(out, matched{name: c.Name, fn: fn})
			}
		}
	}
	return out
}

// deferMessage schedules a re-fire without acking. A message that defers
// again on its re-fire collapses to an immediate re-fire; a third defer is
// terminal so a stubborn handler cannot loop forever.
func (d *Dispatcher) deferMessage(ctx context.Context, m *action.Message, de *action.DeferError) {
	metrics.Deferrals.WithLabelValues(m.Queue).Inc()

	id := m.Headers.MessageID
	d.mu.Lock()
	count := d.deferrals[id]
	d.deferrals[id] = count + 1
	d.mu.Unlock()

	switch {
	case count >= 2:
		d.finish(m, action.StatusError, "handler kept deferring the message")
		return
	case count == 1:
		log.Warn("message deferred again on re-fire, collapsing to immediate handling",
			"message_id", id)
		de.Delay = time.Millisecond
	}

	m.Deferred = true
	delay := de.EffectiveDelay()
	log.Info("message deferred", "message_id", id, "delay", delay, "reason", de.Reason)
	time.AfterFunc(delay, func() {
		select {
		case d.refire <- m:
		case <-ctx.Done():
		case <-d.quit:
		}
	})
}

// finish applies the terminal outcome: exactly one ack, then exactly one
// reply to the reply-to destination carrying the correlation id.
func (d *Dispatcher) finish(m *action.Message, status int, text string) {
	d.mu.Lock()
	delete(d.deferrals, m.Headers.MessageID)
	d.mu.Unlock()

	d.delivery.markCompleted(m.Headers.CorrelationID)
	d.ack(m.Headers.MessageID)

	if m.Headers.ReplyTo == "" {
		return
	}
	body, err := action.NewReply(status, text).Encode()
	if err != nil {
		log.Error("could not encode reply", "error", err)
		return
	}
	label := "ok"
	if status != action.StatusOK {
		label = "error"
	}
	headers := map[string]string{"correlation-id": m.Headers.CorrelationID}
	if err := d.broker.Send(m.Headers.ReplyTo, body, headers); err != nil {
		log.Warn("reply delivery failed, will retry", "destination", m.Headers.ReplyTo, "error", err)
		d.delivery.sendFailed(m.Headers.ReplyTo, body, headers, m.Queue, label)
		return
	}
	metrics.RepliesSent.WithLabelValues(m.Queue, label).Inc()
}

func (d *Dispatcher) ack(messageID string) {
	if messageID == "" {
		return
	}
	if err := d.broker.Ack(messageID); err != nil {
		log.Warn("ack failed, will retry", "message_id", messageID, "error", err)
		d.delivery.ackFailed(messageID)
	}
}
