// Package ingest is the shared MQTT ingestion pipeline: a fan-out that copies
// every inbound message into bounded per-subsystem queues, and the consumer
// loop each subsystem runs over its queue.
package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/metrics"
)

// Message is one inbound MQTT message as seen by the subsystem queues.
// DeviceID is the resolved device, or 0 when the topic maps to no known
// device (consumers may still react to such messages).
type Message struct {
	DeviceID int64
	Topic    string
	Payload  []byte
}

// Queue is a bounded message buffer. Enqueue never blocks: when the buffer is
// full the newest message is dropped with a warning, so a stalled consumer
// can never back up the MQTT receive path.
type Queue struct {
	name string
	ch   chan Message
	log  zerolog.Logger
}

func NewQueue(name string, size int, log zerolog.Logger) *Queue {
	return &Queue{
		name: name,
		ch:   make(chan Message, size),
		log:  log.With().Str("queue", name).Logger(),
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Len() int { return len(q.ch) }

// TryEnqueue offers a message without blocking. Returns false when the queue
// is full and the message was dropped.
func (q *Queue) TryEnqueue(m Message) bool {
	select {
	case q.ch <- m:
		metrics.QueueEnqueuedTotal.WithLabelValues(q.name).Inc()
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
		return true
	default:
		metrics.QueueDroppedTotal.WithLabelValues(q.name).Inc()
		q.log.Warn().Str("topic", m.Topic).Msgf("%s queue full, message dropped", q.name)
		return false
	}
}

// Dequeue blocks until a message is available or ctx is done. The second
// return is false only on shutdown.
func (q *Queue) Dequeue(ctx context.Context) (Message, bool) {
	select {
	case m := <-q.ch:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
		return m, true
	case <-ctx.Done():
		return Message{}, false
	}
}
