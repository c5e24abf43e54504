// Package mqttpool is the MQTT source/effect pool described in spec.md
// §4.5, generalized from the teacher's single fixed broker connection
// (internal/mqtt/publisher.go) to N named clients keyed by pool_id, each
// wrapping its own autopaho.ConnectionManager. Reconnection and backoff
// are delegated to autopaho itself, matching the teacher's
// OnConnectionUp/OnConnectError wiring.
package mqttpool

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/songokas/hvents/internal/config"
	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
	"github.com/songokas/hvents/internal/render"
)

// DefaultPoolID is the conventional pool name used when an event omits
// pool_id, per spec.md §4.5.
const DefaultPoolID = "default"

// subscription is one installed (pool_id, topic) -> event mapping.
type subscription struct {
	matchRule    string
	eventName    string
	bodyTemplate *string
}

// EnqueueFunc delivers a synthesized (name, payload) onto the
// dispatcher's ready channel. Pool never calls this inline from the
// broker's network goroutine without going through this indirection, so
// dispatch ownership stays exactly as spec.md §5 describes.
type EnqueueFunc func(name string, p payload.Payload)

// client wraps one named broker connection.
type client struct {
	cm     *autopaho.ConnectionManager
	logger *slog.Logger
}

// Pool manages N named MQTT clients and the subscription registry that
// routes inbound messages to dispatcher events.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*client
	subs    map[string]map[string][]subscription // poolID -> topic -> subs

	state   *payload.StateMap
	enqueue EnqueueFunc
	logger  *slog.Logger
}

// New creates an empty pool. Connect must be called once per configured
// pool_id before Subscribe/Publish can be used against it.
func New(state *payload.StateMap, enqueue EnqueueFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		clients: map[string]*client{},
		subs:    map[string]map[string][]subscription{},
		state:   state,
		enqueue: enqueue,
		logger:  logger,
	}
}

// Connect starts a background connection for poolID per cfg. Mirrors
// the teacher's autopaho.ClientConfig construction in
// internal/mqtt/publisher.go, generalized to an arbitrary broker per
// pool instead of one fixed deployment target.
func (p *Pool) Connect(ctx context.Context, poolID string, cfg config.MQTTPool) error {
	brokerURL, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return herrors.NewConfig("mqttpool.Connect", poolID, err)
	}

	logger := p.logger.With("pool_id", poolID)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.User,
		ConnectPassword: []byte(cfg.Pass),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "host", cfg.Host, "port", cfg.Port)
			p.resubscribeAll(ctx, poolID, cm)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(autopaho.PublishReceived) (bool, error){
				func(pr autopaho.PublishReceived) (bool, error) {
					p.deliver(poolID, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return herrors.NewSource("mqttpool.Connect", poolID, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.mu.Lock()
	p.clients[poolID] = &client{cm: cm, logger: logger}
	p.mu.Unlock()
	return nil
}

// Subscribe installs a subscription for poolID/topic routing to
// eventName, issuing a broker SUBSCRIBE the first time this (poolID,
// topic) pair gains a subscriber.
func (p *Pool) Subscribe(ctx context.Context, poolID, topic, matchRule, eventName string, bodyTemplate *string) error {
	if poolID == "" {
		poolID = DefaultPoolID
	}

	p.mu.Lock()
	topics, ok := p.subs[poolID]
	if !ok {
		topics = map[string][]subscription{}
		p.subs[poolID] = topics
	}
	firstSubscriber := len(topics[topic]) == 0
	topics[topic] = append(topics[topic], subscription{matchRule: matchRule, eventName: eventName, bodyTemplate: bodyTemplate})
	cl := p.clients[poolID]
	p.mu.Unlock()

	if firstSubscriber && cl != nil {
		if _, err := cl.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
		}); err != nil {
			return herrors.NewSource("mqttpool.Subscribe", poolID+":"+topic, err)
		}
	}
	return nil
}

// Unsubscribe removes the one (poolID, topic, eventName) entry, issuing
// a broker UNSUBSCRIBE once the topic's subscriber list empties.
func (p *Pool) Unsubscribe(ctx context.Context, poolID, topic, eventName string) error {
	if poolID == "" {
		poolID = DefaultPoolID
	}

	p.mu.Lock()
	topics := p.subs[poolID]
	remaining := topics[topic][:0]
	for _, s := range topics[topic] {
		if s.eventName != eventName {
			remaining = append(remaining, s)
		}
	}
	topics[topic] = remaining
	empty := len(remaining) == 0
	cl := p.clients[poolID]
	p.mu.Unlock()

	if empty && cl != nil {
		if _, err := cl.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}}); err != nil {
			return herrors.NewSource("mqttpool.Unsubscribe", poolID+":"+topic, err)
		}
	}
	return nil
}

// resubscribeAll reissues every currently-registered subscription for
// poolID against a freshly (re)connected client — autopaho hands us a
// new session on reconnect, so broker-side subscription state may have
// been lost.
func (p *Pool) resubscribeAll(ctx context.Context, poolID string, cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	topics := make([]string, 0, len(p.subs[poolID]))
	for topic := range p.subs[poolID] {
		topics = append(topics, topic)
	}
	p.mu.Unlock()

	for _, topic := range topics {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
		}); err != nil {
			p.logger.Warn("mqtt resubscribe failed", "pool_id", poolID, "topic", topic, "error", err)
		}
	}
}

// deliver matches an inbound message against every subscription filter
// for poolID and enqueues a synthesized payload per matching entry, per
// spec.md §4.5 ("multiple entries per topic allowed").
func (p *Pool) deliver(poolID, topic string, body []byte) {
	p.mu.Lock()
	var matched []subscription
	for filter, subs := range p.subs[poolID] {
		if !topicMatches(filter, topic) {
			continue
		}
		for _, s := range subs {
			if bodyMatches(s.matchRule, body) {
				matched = append(matched, s)
			}
		}
	}
	p.mu.Unlock()

	for _, s := range matched {
		pl := payload.New(p.state)
		pl.Data = payload.String(string(body))
		if s.bodyTemplate != nil {
			scope := render.Scope{Data: pl.Data, State: p.state.Snapshot(), Metadata: pl.Metadata}
			rendered, err := render.Render("mqtt_subscribe.payload_template", *s.bodyTemplate, scope)
			if err != nil {
				p.logger.Warn("mqtt payload_template render failed", "pool_id", poolID, "topic", topic, "event", s.eventName, "error", err)
				continue
			}
			pl.Data = payload.String(rendered)
		}
		p.enqueue(s.eventName, pl)
	}
}

// Publish renders topicOrTemplate and body (if set) against current and
// publishes the result on poolID. If body is nil and no template is
// present, the current payload's Data is used verbatim per spec.md
// §4.5. Runs as a dispatch worker call since the broker ack can block.
func (p *Pool) Publish(ctx context.Context, poolID, topicOrTemplate string, body *string, current payload.Payload) error {
	if poolID == "" {
		poolID = DefaultPoolID
	}

	p.mu.Lock()
	cl := p.clients[poolID]
	p.mu.Unlock()
	if cl == nil {
		return herrors.NewEffect("mqttpool.Publish", poolID, fmt.Errorf("unknown or disconnected pool"))
	}

	scope := render.Scope{Data: current.Data, State: p.state.Snapshot(), Metadata: current.Metadata}

	topic, err := render.Render("mqtt_publish.topic", topicOrTemplate, scope)
	if err != nil {
		return err
	}

	var payloadBytes []byte
	if body != nil {
		rendered, err := render.Render("mqtt_publish.body", *body, scope)
		if err != nil {
			return err
		}
		payloadBytes = []byte(rendered)
	} else {
		payloadBytes = current.Data.AsBytes()
	}

	if _, err := cl.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payloadBytes, QoS: 0}); err != nil {
		return herrors.NewEffect("mqttpool.Publish", poolID+":"+topic, err)
	}
	return nil
}

// Disconnect closes every connected client, used during bootstrap
// shutdown.
func (p *Pool) Disconnect(ctx context.Context) {
	p.mu.Lock()
	clients := make([]*client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		_ = c.cm.Disconnect(ctx)
	}
}
