package ingest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ProcessFunc handles one relevant message. Errors are logged and swallowed;
// a failing message never takes a worker down.
type ProcessFunc func(ctx context.Context, m Message) error

// Consumer drains a queue with a fixed pool of workers. Every dequeued topic
// is checked against the relevance predicate first; irrelevant messages are
// discarded without touching a worker.
type Consumer struct {
	queue    *Queue
	workers  int
	relevant func(topic string) bool
	process  ProcessFunc
	log      zerolog.Logger
}

func NewConsumer(q *Queue, workers int, relevant func(string) bool, process ProcessFunc, log zerolog.Logger) *Consumer {
	return &Consumer{
		queue:    q,
		workers:  workers,
		relevant: relevant,
		process:  process,
		log:      log.With().Str("consumer", q.Name()).Logger(),
	}
}

// Run blocks until ctx is cancelled and all workers have returned.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	c.log.Info().Msg("consumer stopped")
}

func (c *Consumer) loop(ctx context.Context, worker int) {
	for {
		m, ok := c.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if !c.relevant(m.Topic) {
			continue
		}
		if err := c.safeProcess(ctx, m); err != nil {
			c.log.Error().Err(err).Int("worker", worker).Str("topic", m.Topic).Msg("message processing failed")
		}
	}
}

func (c *Consumer) safeProcess(ctx context.Context, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("topic", m.Topic).Msg("worker recovered from panic")
		}
	}()
	return c.process(ctx, m)
}
