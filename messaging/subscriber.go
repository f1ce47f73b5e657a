package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/stagemq/stagemq-go/contracts"
	"github.com/stagemq/stagemq-go/internal/rabbitmq"
)

const (
	defaultPrefetch     = 4
	defaultMaxWorkers   = 100
	defaultMaxQueued    = 100
	defaultRequeueLimit = 1000
	matchAllBindingKey  = "#"
)

// QueueParams controls how the subscriber declares its queue.
type QueueParams struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// IdentityFunc extracts the stable identity of a delivery, used by the
// requeue limit to recognize a message across redeliveries.
type IdentityFunc func(d amqp.Delivery) string

// Subscriber consumes a queue and dispatches every delivery to a handler on
// a bounded worker pool. Intake acquires a permit before a message is handed
// off; when maxWorkers+maxQueued permits are taken the intake goroutine
// stalls and the broker-side prefetch bounds what remains outstanding.
//
// Handlers never touch the broker. Each message's decision is posted back
// onto the connection loop, where the requeue limit may override Requeue
// with a permanent Reject to break poison-message loops.
type Subscriber struct {
	conn        *rabbitmq.ConnectionManager
	queue       string
	exchange    string
	bindingKey  string
	queueParams QueueParams
	handler     Handler
	identity    IdentityFunc
	logger      *slog.Logger

	prefetch     int
	maxWorkers   int
	maxQueued    int
	requeueLimit int
	connOptions  []rabbitmq.Option

	pool    *ants.Pool
	permits *semaphore.Weighted

	requeueMu sync.Mutex
	requeues  map[string]int

	mu          sync.Mutex
	consumerTag string
}

// SubscriberOption configures the Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithBindingKey sets the routing-key filter used when binding the queue.
// Defaults to "#" (match all).
func WithBindingKey(key string) SubscriberOption {
	return func(s *Subscriber) {
		s.bindingKey = key
	}
}

// WithQueueParams sets the queue declaration parameters.
func WithQueueParams(params QueueParams) SubscriberOption {
	return func(s *Subscriber) {
		s.queueParams = params
	}
}

// WithPrefetch sets the channel QoS prefetch count.
func WithPrefetch(count int) SubscriberOption {
	return func(s *Subscriber) {
		s.prefetch = count
	}
}

// WithMaxWorkers bounds how many handler invocations run concurrently.
func WithMaxWorkers(n int) SubscriberOption {
	return func(s *Subscriber) {
		s.maxWorkers = n
	}
}

// WithMaxQueued bounds how many accepted messages may wait for a worker
// before intake stalls.
func WithMaxQueued(n int) SubscriberOption {
	return func(s *Subscriber) {
		s.maxQueued = n
	}
}

// WithRequeueLimit sets how many times one message identity may be requeued
// before the decision is forced to a permanent reject.
func WithRequeueLimit(limit int) SubscriberOption {
	return func(s *Subscriber) {
		s.requeueLimit = limit
	}
}

// WithIdentityFunc overrides how delivery identities are derived.
func WithIdentityFunc(fn IdentityFunc) SubscriberOption {
	return func(s *Subscriber) {
		s.identity = fn
	}
}

// WithSubscriberConnectionOptions passes options through to the underlying
// connection manager.
func WithSubscriberConnectionOptions(options ...rabbitmq.Option) SubscriberOption {
	return func(s *Subscriber) {
		s.connOptions = append(s.connOptions, options...)
	}
}

// NewSubscriber creates a subscriber that consumes queue bound to exchange
// and hands every delivery to handler.
func NewSubscriber(url, queue, exchange string, handler Handler, options ...SubscriberOption) (*Subscriber, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	s := &Subscriber{
		queue:        queue,
		exchange:     exchange,
		bindingKey:   matchAllBindingKey,
		handler:      handler,
		identity:     deliveryIdentity,
		logger:       slog.Default(),
		prefetch:     defaultPrefetch,
		maxWorkers:   defaultMaxWorkers,
		maxQueued:    defaultMaxQueued,
		requeueLimit: defaultRequeueLimit,
		requeues:     make(map[string]int),
	}

	for _, opt := range options {
		opt(s)
	}

	pool, err := ants.NewPool(s.maxWorkers)
	if err != nil {
		return nil, fmt.Errorf("messaging: create worker pool: %w", err)
	}
	s.pool = pool
	s.permits = semaphore.NewWeighted(int64(s.maxWorkers + s.maxQueued))

	connOpts := append([]rabbitmq.Option{rabbitmq.WithLogger(s.logger)}, s.connOptions...)
	s.conn = rabbitmq.NewConnectionManager(url, s, connOpts...)
	return s, nil
}

// Start launches the connection loop and blocks until consuming, or ctx is
// done.
func (s *Subscriber) Start(ctx context.Context) error {
	return s.conn.Start(ctx, true)
}

// Reconnect forces the connection down; consumption resumes automatically.
func (s *Subscriber) Reconnect() {
	s.conn.Reconnect()
}

// Close cancels the consumer, stops the connection manager and releases the
// worker pool.
func (s *Subscriber) Close() {
	s.conn.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.conn.WaitClosed(ctx); err != nil {
		s.logger.Warn("timed out waiting for connection shutdown", "error", err)
	}
	s.pool.Release()
}

// Setup implements rabbitmq.ChannelBinder: declare the queue, bind it to the
// exchange with the configured binding key, apply QoS and start consuming.
func (s *Subscriber) Setup(ctx context.Context, ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(
		s.queue,
		s.queueParams.Durable,
		s.queueParams.AutoDelete,
		s.queueParams.Exclusive,
		false,
		s.queueParams.Args,
	); err != nil {
		return fmt.Errorf("declare queue %q: %w", s.queue, err)
	}

	if err := ch.QueueBind(s.queue, s.bindingKey, s.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q to exchange %q: %w", s.queue, s.exchange, err)
	}

	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	tag := fmt.Sprintf("%s-%s", s.queue, uuid.NewString())
	deliveries, err := ch.Consume(s.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming %q: %w", s.queue, err)
	}

	s.mu.Lock()
	s.consumerTag = tag
	s.mu.Unlock()

	go s.intake(ctx, deliveries)

	s.logger.Info("consuming",
		"queue", s.queue,
		"exchange", s.exchange,
		"bindingKey", s.bindingKey,
		"prefetch", s.prefetch,
	)
	return nil
}

// Cancel implements rabbitmq.ChannelBinder: send basic.cancel so the broker
// stops delivering before the channel closes.
func (s *Subscriber) Cancel(ctx context.Context, ch *amqp.Channel) error {
	s.mu.Lock()
	tag := s.consumerTag
	s.consumerTag = ""
	s.mu.Unlock()
	if tag == "" {
		return nil
	}
	return ch.Cancel(tag, false)
}

// intake pulls deliveries for one channel lifetime and hands each to the
// worker pool. The permit acquired here is released once the message's
// decision has been computed; when no permits remain the loop stalls, which
// is the intake backpressure.
func (s *Subscriber) intake(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if err := s.permits.Acquire(ctx, 1); err != nil {
			return
		}
		delivery := d
		// Submit blocks while all workers are busy; permits bound how
		// many of these hand-off goroutines can pile up.
		go func() {
			if err := s.pool.Submit(func() { s.dispatch(ctx, delivery) }); err != nil {
				s.permits.Release(1)
				s.logger.Error("worker pool rejected message", "error", err)
				s.relay(delivery, Reject)
			}
		}()
	}
}

// dispatch runs the handler and relays the decision.
func (s *Subscriber) dispatch(ctx context.Context, d amqp.Delivery) {
	decision := s.invoke(ctx, d.Body)
	s.permits.Release(1)
	s.relay(d, decision)
}

// invoke calls the handler, converting errors and panics into Reject.
func (s *Subscriber) invoke(ctx context.Context, body []byte) (decision DispatchDecision) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked, rejecting message", "panic", r)
			decision = Reject
		}
	}()

	decision, err := s.handler.Handle(ctx, body)
	if err != nil {
		s.logger.Warn("handler failed, rejecting message", "error", err)
		return Reject
	}
	return decision
}

// relay posts the decision onto the connection loop; workers never call
// broker APIs directly.
func (s *Subscriber) relay(d amqp.Delivery, decision DispatchDecision) {
	if !s.conn.Submit(func() { s.settle(d, decision) }) {
		s.logger.Warn("connection closed before delivery could be settled",
			"deliveryTag", d.DeliveryTag,
			"decision", decision.String(),
		)
	}
}

// settle performs the broker call for a decision. Runs on the connection
// loop.
func (s *Subscriber) settle(d amqp.Delivery, decision DispatchDecision) {
	var err error
	switch decision {
	case Acknowledge:
		err = d.Ack(false)
	case Requeue:
		err = s.requeue(d)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		s.logger.Error("failed to settle delivery",
			"deliveryTag", d.DeliveryTag,
			"decision", decision.String(),
			"error", err,
		)
	}
}

// requeue applies the redelivery circuit breaker: past the limit the message
// is rejected permanently and its counter dropped. Counters for identities
// that are later acknowledged are deliberately retained.
func (s *Subscriber) requeue(d amqp.Delivery) error {
	id := s.identity(d)

	s.requeueMu.Lock()
	s.requeues[id]++
	exceeded := s.requeues[id] > s.requeueLimit
	if exceeded {
		delete(s.requeues, id)
	}
	s.requeueMu.Unlock()

	if exceeded {
		s.logger.Warn("requeue limit exceeded, rejecting permanently",
			"identity", id,
			"limit", s.requeueLimit,
		)
		return d.Reject(false)
	}
	return d.Reject(true)
}

// BindingKey returns the routing-key filter the queue is bound with.
func (s *Subscriber) BindingKey() string {
	return s.bindingKey
}

// Prefetch returns the channel QoS prefetch count.
func (s *Subscriber) Prefetch() int {
	return s.prefetch
}

// requeueCount reports the tracked redelivery count for an identity.
func (s *Subscriber) requeueCount(id string) int {
	s.requeueMu.Lock()
	defer s.requeueMu.Unlock()
	return s.requeues[id]
}

// deliveryIdentity prefers the broker-carried message id, then the identity
// embedded in the payload, then the delivery tag as a last resort.
func deliveryIdentity(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	if id := contracts.ExtractIdentity(d.Body); id != "" {
		return id
	}
	return strconv.FormatUint(d.DeliveryTag, 10)
}
