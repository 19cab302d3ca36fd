package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/metrics"
)

// Observer sees every inbound message before it is queued and resolves the
// owning device. The device telemetry ingress hangs off this hook; it returns
// 0 for topics that map to no known device.
type Observer interface {
	Observe(ctx context.Context, topic string, payload []byte) (deviceID int64)
}

// Fanout copies every inbound MQTT message into all subsystem queues.
// Relevance filtering happens on the consumer side after dequeue; the fan-out
// itself never inspects topics beyond handing them to the observer.
type Fanout struct {
	ctx      context.Context
	queues   []*Queue
	observer Observer
	log      zerolog.Logger
}

func NewFanout(ctx context.Context, observer Observer, log zerolog.Logger, queues ...*Queue) *Fanout {
	return &Fanout{
		ctx:      ctx,
		queues:   queues,
		observer: observer,
		log:      log.With().Str("component", "fanout").Logger(),
	}
}

// Handle is the single MQTT message callback.
func (f *Fanout) Handle(topic string, payload []byte) {
	metrics.MQTTMessagesTotal.Inc()

	var deviceID int64
	if f.observer != nil {
		deviceID = f.observer.Observe(f.ctx, topic, payload)
	}
	f.Inject(Message{DeviceID: deviceID, Topic: topic, Payload: payload})
}

// Inject places a message on every subsystem queue. Workers that publish
// commands re-ingest them through here so sibling subsystems can react.
func (f *Fanout) Inject(m Message) {
	for _, q := range f.queues {
		q.TryEnqueue(m)
	}
}
