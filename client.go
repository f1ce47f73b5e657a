// Copyright 2025 StageMQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stagemq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stagemq/stagemq-go/contracts"
	"github.com/stagemq/stagemq-go/messaging"
)

// Client provides the main entry point for stagemq-go. It wires a publisher,
// a subscriber and a type dispatcher to one broker configuration; each side
// maintains its own connection, so a consumer stall never blocks publishing.
type Client struct {
	cfg         *Config
	logger      *slog.Logger
	publisher   *messaging.Publisher
	subscriber  *messaging.Subscriber
	dispatcher  *messaging.Dispatcher
	serviceName string
	queue       string
}

// clientConfig holds client construction options.
type clientConfig struct {
	logger      *slog.Logger
	serviceName string
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components, overriding the one built
// from the configuration's log section.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName sets the service name, used to derive the consume queue
// name when the configuration does not pin one.
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// NewClient creates a client from the given configuration. A nil cfg uses
// DefaultConfig.
func NewClient(cfg *Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{serviceName: "stagemq"}
	for _, opt := range options {
		opt(cc)
	}
	logger := cc.logger
	if logger == nil {
		logger = cfg.Log.Logger()
	}

	uri := cfg.Broker.URI()

	pubOpts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(logger),
	}
	if cfg.Publisher.RoutingKey != "" {
		pubOpts = append(pubOpts, messaging.WithRoutingKey(cfg.Publisher.RoutingKey))
	}
	if cfg.Publisher.Source != (contracts.Source{}) {
		source := cfg.Publisher.Source
		pubOpts = append(pubOpts, messaging.WithSource(&source))
	}
	if cfg.Publisher.ResendInterval > 0 {
		pubOpts = append(pubOpts, messaging.WithResendInterval(cfg.Publisher.ResendInterval))
	}
	publisher := messaging.NewPublisher(uri, cfg.Broker.Exchange, pubOpts...)

	dispatcher := messaging.NewDispatcher(messaging.WithDispatcherLogger(logger))

	queue := cfg.Consumer.Queue
	if queue == "" {
		queue = fmt.Sprintf("%s-events", cc.serviceName)
	}
	subOpts := []messaging.SubscriberOption{
		messaging.WithSubscriberLogger(logger),
		messaging.WithQueueParams(messaging.QueueParams{Durable: cfg.Consumer.Durable}),
		messaging.WithMaxWorkers(cfg.Consumer.MaxWorkers),
		messaging.WithMaxQueued(cfg.Consumer.MaxQueued),
		messaging.WithRequeueLimit(cfg.Consumer.RequeueLimit),
	}
	// Zero values in a hand-built config keep the subscriber defaults
	// rather than unbinding the queue filter or disabling prefetch.
	if cfg.Consumer.BindingKey != "" {
		subOpts = append(subOpts, messaging.WithBindingKey(cfg.Consumer.BindingKey))
	}
	if cfg.Consumer.Prefetch > 0 {
		subOpts = append(subOpts, messaging.WithPrefetch(cfg.Consumer.Prefetch))
	}
	subscriber, err := messaging.NewSubscriber(uri, queue, cfg.Broker.Exchange, dispatcher, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("create subscriber: %w", err)
	}

	return &Client{
		cfg:         cfg,
		logger:      logger,
		publisher:   publisher,
		subscriber:  subscriber,
		dispatcher:  dispatcher,
		serviceName: cc.serviceName,
		queue:       queue,
	}, nil
}

// Publisher returns the event publisher.
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Subscriber returns the event subscriber.
func (c *Client) Subscriber() *messaging.Subscriber {
	return c.subscriber
}

// Dispatcher returns the event dispatcher.
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// Queue returns the consume queue name.
func (c *Client) Queue() string {
	return c.queue
}

// Start connects both sides and blocks until they are ready, or ctx is done.
func (c *Client) Start(ctx context.Context) error {
	if err := c.publisher.Start(ctx); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}
	if err := c.subscriber.Start(ctx); err != nil {
		c.publisher.Close()
		return fmt.Errorf("start subscriber: %w", err)
	}
	return nil
}

// Send publishes an event through the client's publisher.
func (c *Client) Send(ctx context.Context, event contracts.Message) error {
	return c.publisher.Send(ctx, event)
}

// Subscribe registers an observer for an event type.
func (c *Client) Subscribe(eventType string, cb messaging.EventCallback) func() {
	return c.dispatcher.Subscribe(eventType, cb)
}

// SubscribeDecider registers a callback that votes on acknowledgment.
func (c *Client) SubscribeDecider(eventType string, cb messaging.DecisionCallback) func() {
	return c.dispatcher.SubscribeDecider(eventType, cb)
}

// Follow subscribes to all events linked to the given context id.
func (c *Client) Follow(contextID string, cb messaging.FollowCallback) func() {
	return c.dispatcher.Follow(contextID, cb)
}

// DrainAndClose waits up to timeout for outbound deliveries to be confirmed,
// then closes both sides. The drain error, if any, is returned after the
// shutdown has completed.
func (c *Client) DrainAndClose(timeout time.Duration) error {
	err := c.publisher.WaitForDrain(timeout)
	if err != nil {
		c.logger.Warn("closing with unconfirmed deliveries", "error", err)
	}
	c.Close()
	return err
}

// Close shuts down the subscriber first, so in-flight handlers settle, then
// the publisher.
func (c *Client) Close() {
	c.subscriber.Close()
	c.publisher.Close()
}
