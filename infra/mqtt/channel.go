// Package mqtt implements the change event fan-out over an MQTT broker.
// The channel is single-writer: one allocation server publishes committed
// events on the topic and any number of observer processes deliver what
// they receive to their local subscribers. Two servers must not share a
// persistence backend, since each keeps its own cache and revision counter.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/fanout"
	"github.com/kilianp07/fleetalloc/core/logger"
	"github.com/kilianp07/fleetalloc/core/model"
	"github.com/kilianp07/fleetalloc/core/monitoring"
)

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Channel is an MQTT backed fanout.Channel.
type Channel struct {
	cfg   Config
	cli   pahoClient
	local *fanout.Memory
	log   logger.Logger

	connectedOnce atomic.Bool
	lost          atomic.Bool
	closeOnce     sync.Once
}

// Dial connects to the broker and subscribes to the event topic.
func Dial(cfg Config, log logger.Logger) (*Channel, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		cfg:   cfg,
		local: fanout.NewLocal(cfg.Buffer, "mqtt"),
		log:   logger.OrNop(log),
	}
	opts.SetOnConnectHandler(ch.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		ch.lost.Store(true)
		ch.log.Errorf("connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		ch.log.Warnf("reconnecting to MQTT broker")
	})
	c := newMQTTClient(opts)
	ch.cli = c
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w: %w", cfg.Broker, model.ErrTransport, token.Error())
	}
	return ch, nil
}

// onConnect (re)subscribes. Any connection after the first may have missed
// events, so local subscribers are told to resync.
func (c *Channel) onConnect(_ paho.Client) {
	c.log.Infof("MQTT connected to %s", c.cfg.Broker)
	if token := c.cli.Subscribe(c.cfg.EventTopic, c.cfg.QoS, c.onMessage); token.Wait() && token.Error() != nil {
		c.log.Errorf("subscribe %s: %v", c.cfg.EventTopic, token.Error())
	}
	if c.connectedOnce.Swap(true) {
		c.lost.Store(false)
		c.log.Warnf("reconnected, signalling resync")
		c.local.SignalResync()
	}
}

func (c *Channel) onMessage(_ paho.Client, msg paho.Message) {
	var ev events.ChangeEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		c.log.Errorf("failed to decode event: %v", err)
		return
	}
	if err := ev.Validate(); err != nil {
		c.log.Warnf("dropping invalid event: %v", err)
		return
	}
	c.local.Deliver(ev)
}

// Publish sends the event to the broker, retrying with exponential backoff.
// Failures are wrapped with model.ErrTransport.
func (c *Channel) Publish(ctx context.Context, ev events.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.backoff()
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		token := c.cli.Publish(c.cfg.EventTopic, c.cfg.QoS, false, payload)
		if !token.WaitTimeout(c.cfg.publishTimeout()) {
			return fmt.Errorf("publish timed out after %s", c.cfg.publishTimeout())
		}
		return token.Error()
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warnf("publish attempt %d failed: %v, retrying in %s", attempt, err, wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		perr := fmt.Errorf("publish %s after %d attempts: %w: %w", ev, attempt, model.ErrTransport, err)
		monitoring.CaptureException(perr, map[string]string{"module": "mqtt", "kind": string(ev.Kind)})
		return perr
	}
	c.log.Debugw("event published", map[string]any{"event": ev.String(), "attempts": attempt})
	return nil
}

// Subscribe returns a subscription fed by the broker topic.
func (c *Channel) Subscribe(ctx context.Context) (fanout.Subscription, error) {
	return c.local.Subscribe(ctx)
}

// Connected reports whether the broker connection is up.
func (c *Channel) Connected() bool { return c.cli != nil && c.cli.IsConnected() && !c.lost.Load() }

// Close disconnects and closes every local subscription.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		if c.cli != nil && c.cli.IsConnected() {
			c.cli.Disconnect(250)
		}
		_ = c.local.Close()
	})
	return nil
}
