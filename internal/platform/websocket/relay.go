package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/metrics"
)

const RelayChannel = "clinic:deliveries"

// relayMessage is what one instance publishes for the others. UserID is nil
// for a broadcast.
type relayMessage struct {
	Origin string          `json:"origin"`
	UserID *uuid.UUID      `json:"userId,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// ClusterDeliverer delivers to local sessions and republishes every event on
// Redis so instances holding the recipient's session can deliver it too.
type ClusterDeliverer struct {
	local   *Registry
	origin  string
	publish func(ctx context.Context, body []byte) error
	sub     *redis.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewClusterDeliverer(local *Registry, rdb *redis.Client, m *metrics.Metrics, logger zerolog.Logger) *ClusterDeliverer {
	d := newClusterDeliverer(local, uuid.NewString(), func(ctx context.Context, body []byte) error {
		return rdb.Publish(ctx, RelayChannel, body).Err()
	}, m, logger)
	d.sub = rdb
	return d
}

func newClusterDeliverer(local *Registry, origin string, publish func(ctx context.Context, body []byte) error, m *metrics.Metrics, logger zerolog.Logger) *ClusterDeliverer {
	return &ClusterDeliverer{
		local:   local,
		origin:  origin,
		publish: publish,
		metrics: m,
		logger:  logger.With().Str("component", "ws-relay").Str("origin", origin).Logger(),
	}
}

// SendTo reports only local delivery; remote delivery is fire and forget.
func (d *ClusterDeliverer) SendTo(userID uuid.UUID, event string, payload interface{}) bool {
	ok := d.local.SendTo(userID, event, payload)
	d.relay(&userID, event, payload)
	return ok
}

func (d *ClusterDeliverer) Broadcast(event string, payload interface{}) int {
	n := d.local.Broadcast(event, payload)
	d.relay(nil, event, payload)
	return n
}

func (d *ClusterDeliverer) relay(userID *uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.metrics.Relay("out", "error")
		d.logger.Error().Err(err).Str("event", event).Msg("encode relay payload")
		return
	}
	body, err := json.Marshal(relayMessage{Origin: d.origin, UserID: userID, Event: event, Data: data})
	if err != nil {
		d.metrics.Relay("out", "error")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.publish(ctx, body); err != nil {
			d.metrics.Relay("out", "error")
			d.logger.Warn().Err(err).Str("event", event).Msg("relay publish failed")
			return
		}
		d.metrics.Relay("out", "ok")
	}()
}

// Run consumes other instances' events until ctx is done.
func (d *ClusterDeliverer) Run(ctx context.Context) error {
	if d.sub == nil {
		return fmt.Errorf("relay has no redis subscriber")
	}
	ps := d.sub.Subscribe(ctx, RelayChannel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", RelayChannel, err)
	}
	d.logger.Info().Str("channel", RelayChannel).Msg("relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			d.handle([]byte(msg.Payload))
		}
	}
}

// handle delivers one relayed event to local sessions. It returns the number
// of sessions that accepted it.
func (d *ClusterDeliverer) handle(body []byte) int {
	var m relayMessage
	if err := json.Unmarshal(body, &m); err != nil {
		d.metrics.Relay("in", "error")
		d.logger.Warn().Err(err).Msg("malformed relay message")
		return 0
	}
	if m.Origin == d.origin {
		return 0
	}

	frame, err := json.Marshal(Envelope{Event: m.Event, Data: m.Data})
	if err != nil {
		d.metrics.Relay("in", "error")
		return 0
	}

	if m.UserID == nil {
		n := d.local.BroadcastRaw(frame)
		d.metrics.Relay("in", "ok")
		return n
	}
	if d.local.SendRaw(*m.UserID, frame) {
		d.metrics.Relay("in", "ok")
		return 1
	}
	d.metrics.Relay("in", "offline")
	return 0
}
