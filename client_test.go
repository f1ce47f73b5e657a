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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagemq/stagemq-go/contracts"
	"github.com/stagemq/stagemq-go/messaging"
)

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(nil)
	require.NoError(t, err)
	defer client.Close()

	assert.NotNil(t, client.Publisher())
	assert.NotNil(t, client.Subscriber())
	assert.NotNil(t, client.Dispatcher())
	assert.Equal(t, "stagemq-events", client.Queue())
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Host = ""

	_, err := NewClient(cfg)
	assert.Error(t, err)
}

func TestNewClientQueueNaming(t *testing.T) {
	t.Run("derived from the service name", func(t *testing.T) {
		client, err := NewClient(nil, WithServiceName("builder"))
		require.NoError(t, err)
		defer client.Close()
		assert.Equal(t, "builder-events", client.Queue())
	})

	t.Run("pinned by the configuration", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Consumer.Queue = "pinned-queue"
		client, err := NewClient(cfg, WithServiceName("builder"))
		require.NoError(t, err)
		defer client.Close()
		assert.Equal(t, "pinned-queue", client.Queue())
	})
}

func TestNewClientSparseConsumerConfigKeepsDefaults(t *testing.T) {
	cfg := &Config{
		Broker:   BrokerConfig{Host: "localhost", Port: 5672, Exchange: "amq.topic"},
		Consumer: ConsumerConfig{MaxWorkers: 10},
	}

	client, err := NewClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "#", client.Subscriber().BindingKey())
	assert.Equal(t, 4, client.Subscriber().Prefetch())
}

func TestClientSubscriptionsRouteThroughDispatcher(t *testing.T) {
	client, err := NewClient(nil)
	require.NoError(t, err)
	defer client.Close()

	var seen []string
	cancel := client.Subscribe("ActivityStarted", func(event *contracts.Event, contextID string) {
		seen = append(seen, event.ID())
	})
	defer cancel()
	client.SubscribeDecider("ActivityStarted", func(event *contracts.Event, contextID string) bool {
		return true
	})

	event := contracts.NewEvent("ActivityStarted", "1.0.0")
	body, err := event.Serialize()
	require.NoError(t, err)

	decision, err := client.Dispatcher().Handle(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, messaging.Acknowledge, decision)
	assert.Equal(t, []string{event.ID()}, seen)
}

func TestDrainAndCloseWithNothingPending(t *testing.T) {
	client, err := NewClient(nil)
	require.NoError(t, err)

	assert.NoError(t, client.DrainAndClose(time.Second))
}
