package messaging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stagemq/stagemq-go/contracts"
	"github.com/stagemq/stagemq-go/internal/rabbitmq"
)

const (
	defaultResendInterval = time.Second
	defaultResendPacing   = 100 * time.Millisecond
	drainPollInterval     = 100 * time.Millisecond
	confirmBufferSize     = 512
)

// Publisher sends messages with broker confirmation tracking. Every publish
// is recorded against the channel's delivery sequence; confirmations resolve
// entries in order, nacked entries land on a resend list, and a loop task
// resends that list every resendInterval for as long as the publisher runs.
//
// Three paths mutate the tracking state: Send (any goroutine), the
// confirmation reader (one goroutine per channel lifetime) and the resend
// task (connection loop). One mutex guards them all; the loop-side resend
// task only ever TryLocks so the connection loop is never blocked.
type Publisher struct {
	conn       *rabbitmq.ConnectionManager
	exchange   string
	routingKey string
	source     *contracts.Source
	logger     *slog.Logger

	resendInterval time.Duration
	resendPacing   time.Duration
	connOptions    []rabbitmq.Option

	mu         sync.Mutex
	deliveries map[uint64]contracts.Message
	nacked     []contracts.Message
	delivered  uint64 // sequence number of the last publish hand-off
	lastTag    uint64 // highest delivery tag resolved so far
	generation uint64 // channel lifetime the sequence counters belong to
	acked      uint64
	nackCount  uint64

	resendScheduled atomic.Bool
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithRoutingKey pins every publish to one routing key. When unset, each
// message supplies its own key and the domain attribute is propagated
// between the message and the publisher's default source.
func WithRoutingKey(key string) PublisherOption {
	return func(p *Publisher) {
		p.routingKey = key
	}
}

// WithSource sets the default source metadata stamped onto outgoing
// messages.
func WithSource(source *contracts.Source) PublisherOption {
	return func(p *Publisher) {
		p.source = source
	}
}

// WithResendInterval overrides how often the resend task runs.
func WithResendInterval(interval time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.resendInterval = interval
	}
}

// WithResendPacing overrides the fixed delay between individual resends.
func WithResendPacing(pacing time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.resendPacing = pacing
	}
}

// WithPublisherConnectionOptions passes options through to the underlying
// connection manager.
func WithPublisherConnectionOptions(options ...rabbitmq.Option) PublisherOption {
	return func(p *Publisher) {
		p.connOptions = append(p.connOptions, options...)
	}
}

// NewPublisher creates a publisher for the given broker URL and exchange.
func NewPublisher(url, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		exchange:       exchange,
		logger:         slog.Default(),
		resendInterval: defaultResendInterval,
		resendPacing:   defaultResendPacing,
		deliveries:     make(map[uint64]contracts.Message),
	}

	for _, opt := range options {
		opt(p)
	}

	connOpts := append([]rabbitmq.Option{rabbitmq.WithLogger(p.logger)}, p.connOptions...)
	p.conn = rabbitmq.NewConnectionManager(url, p, connOpts...)
	return p
}

// Start launches the connection loop and blocks until the publisher is ready
// to send, or ctx is done.
func (p *Publisher) Start(ctx context.Context) error {
	return p.conn.Start(ctx, true)
}

// Reconnect forces the connection down; it is re-established automatically
// and all unconfirmed deliveries are queued for resend.
func (p *Publisher) Reconnect() {
	p.conn.Reconnect()
}

// Close stops the connection manager. Unconfirmed messages are dropped;
// call WaitForDrain first for a clean shutdown.
func (p *Publisher) Close() {
	p.conn.Stop()
}

// Setup implements rabbitmq.ChannelBinder: enable confirm mode, reconcile
// state left over from the previous channel lifetime and arm the resend
// task. Deliveries that never got a confirmation are treated as nacked.
func (p *Publisher) Setup(ctx context.Context, ch *amqp.Channel) error {
	if err := ch.Confirm(false); err != nil {
		return err
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBufferSize))

	gen := p.reconcilePending()

	go p.readConfirms(gen, confirms)

	if p.resendScheduled.CompareAndSwap(false, true) {
		p.conn.ScheduleAfter(p.resendInterval, p.resendNacked)
	}
	return nil
}

// reconcilePending moves every unconfirmed delivery from the previous
// channel lifetime onto the resend list. Delivery tags restart at one on a
// fresh channel, so the sequence counters reset with them and the lifetime
// generation advances, invalidating any confirm reader still draining the
// dead channel's buffer. Returns the new generation.
func (p *Publisher) reconcilePending() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range p.deliveries {
		p.nacked = append(p.nacked, msg)
	}
	p.deliveries = make(map[uint64]contracts.Message)
	p.delivered = 0
	p.lastTag = 0
	p.generation++
	return p.generation
}

// Cancel implements rabbitmq.ChannelBinder. The publisher holds no
// broker-side consumer state; the manager closes the channel afterwards.
func (p *Publisher) Cancel(ctx context.Context, ch *amqp.Channel) error {
	return nil
}

// SendOption configures a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	block bool
}

// WithoutBlocking publishes immediately instead of waiting for the channel
// to open; a closed channel then counts as a hand-off failure and the
// message is queued for resend.
func WithoutBlocking() SendOption {
	return func(o *sendOptions) {
		o.block = false
	}
}

// Send validates the message, resolves its routing target and publishes it.
// Validation and serialization failures surface synchronously and the
// message is never queued. A failed hand-off to the channel is not an error:
// the message moves to the resend list and Send returns nil.
func (p *Publisher) Send(ctx context.Context, msg contracts.Message, options ...SendOption) error {
	opts := sendOptions{block: true}
	for _, opt := range options {
		opt(&opts)
	}

	if opts.block {
		if err := p.waitChannelOpen(ctx); err != nil {
			return err
		}
	}

	key, body, err := p.resolveSend(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.conn.Channel()
	if err != nil {
		p.nacked = append(p.nacked, msg)
		p.logger.Debug("channel unavailable, queued for resend", "messageId", msg.ID())
		return nil
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, p.exchange, key, false, false, pub); err != nil {
		p.nacked = append(p.nacked, msg)
		p.logger.Warn("publish hand-off failed, queued for resend",
			"messageId", msg.ID(),
			"error", err,
		)
		return nil
	}

	p.delivered++
	p.deliveries[p.delivered] = msg
	return nil
}

// resolveSend computes the routing key and wire form of a message, applying
// the domain propagation rules: with no fixed routing key, a non-default
// message domain flows into the source metadata, and otherwise the source's
// domain (or the default) flows into the message, so one source of truth
// exists for the default.
func (p *Publisher) resolveSend(msg contracts.Message) (routingKey string, body []byte, err error) {
	source := p.source.Clone()
	if p.routingKey == "" && msg.Domain() != contracts.DefaultDomain {
		if source == nil {
			source = &contracts.Source{}
		}
		source.DomainID = msg.Domain()
	} else if p.routingKey == "" && source != nil {
		if source.DomainID != "" {
			msg.SetDomain(source.DomainID)
		} else {
			msg.SetDomain(contracts.DefaultDomain)
		}
	}
	if source != nil {
		msg.SetSource(source)
	}

	if err := msg.Validate(); err != nil {
		return "", nil, err
	}
	body, err = msg.Serialize()
	if err != nil {
		return "", nil, err
	}

	key := p.routingKey
	if key == "" {
		key = msg.RoutingKey()
	}
	return key, body, nil
}

// waitChannelOpen polls until the connection is active and a channel is
// open.
func (p *Publisher) waitChannelOpen(ctx context.Context) error {
	if err := p.conn.WaitActive(ctx); err != nil {
		return err
	}
	for {
		if _, err := p.conn.Channel(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

// readConfirms consumes the confirm stream for one channel lifetime. The
// channel is closed by the AMQP library when the underlying channel dies,
// but a reader may still be draining its buffer after the next lifetime has
// begun; gen ties every confirm to the lifetime that produced it.
func (p *Publisher) readConfirms(gen uint64, confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		p.handleConfirm(gen, c.DeliveryTag, c.Ack)
	}
}

// handleConfirm resolves every outstanding delivery up to and including tag.
// Confirmations arrive in increasing tag order; resolving the whole range
// from the last seen tag gives "multiple" confirmations their batch
// semantics and self-heals skipped notifications. Confirms from a previous
// channel lifetime refer to a dead tag sequence and are dropped.
func (p *Publisher) handleConfirm(gen, tag uint64, acked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		return
	}
	if tag <= p.lastTag {
		return
	}
	for t := p.lastTag + 1; t <= tag; t++ {
		msg, ok := p.deliveries[t]
		if !ok {
			continue
		}
		if acked {
			p.acked++
		} else {
			p.nackCount++
			p.nacked = append(p.nacked, msg)
		}
		delete(p.deliveries, t)
	}
	p.lastTag = tag

	p.logger.Debug("confirmation processed",
		"deliveryTag", tag,
		"acked", acked,
		"outstanding", len(p.deliveries),
	)
}

// resendNacked runs on the connection loop roughly once per resendInterval
// for the lifetime of the publisher. It must never block the loop: when the
// channel is down, the list is empty or the lock is contended it simply
// reschedules itself.
func (p *Publisher) resendNacked() {
	reschedule := func() {
		p.conn.ScheduleAfter(p.resendInterval, p.resendNacked)
	}

	if !p.conn.IsActive() {
		reschedule()
		return
	}
	pending, ok := p.snapshotNacked()
	if !ok || len(pending) == 0 {
		reschedule()
		return
	}

	p.logger.Info("resending nacked deliveries", "count", len(pending))
	for _, msg := range pending {
		// A failed hand-off puts the message straight back on the
		// resend list, so errors here are already accounted for.
		if err := p.Send(context.Background(), msg, WithoutBlocking()); err != nil {
			p.logger.Error("resend dropped invalid message",
				"messageId", msg.ID(),
				"error", err,
			)
		}
		time.Sleep(p.resendPacing)
	}
	reschedule()
}

// snapshotNacked atomically takes ownership of the resend list, so an entry
// is never in flight twice. The acquisition is non-blocking because the
// caller runs on the connection loop.
func (p *Publisher) snapshotNacked() ([]contracts.Message, bool) {
	if !p.mu.TryLock() {
		return nil, false
	}
	pending := p.nacked
	p.nacked = nil
	p.mu.Unlock()
	return pending, true
}

// WaitForDrain blocks until every delivery is confirmed and the resend list
// is empty. On timeout it returns a *DrainTimeoutError carrying the number
// of messages still in flight.
func (p *Publisher) WaitForDrain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.PendingCount() == 0 {
			return nil
		}
		time.Sleep(drainPollInterval)
	}
	remaining := p.PendingCount()
	if remaining == 0 {
		return nil
	}
	return &DrainTimeoutError{Timeout: timeout, Remaining: remaining}
}

// PendingCount returns the number of unconfirmed plus resend-queued
// messages.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deliveries) + len(p.nacked)
}

// Stats returns the running ack/nack totals.
func (p *Publisher) Stats() (acked, nacked uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked, p.nackCount
}
