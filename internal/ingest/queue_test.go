package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	q := NewQueue("test", 4, zerolog.Nop())

	for i, topic := range []string{"a/b/one", "a/b/two"} {
		if !q.TryEnqueue(Message{Topic: topic}) {
			t.Fatalf("TryEnqueue #%d rejected with capacity available", i)
		}
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}

	m, ok := q.Dequeue(context.Background())
	if !ok || m.Topic != "a/b/one" {
		t.Errorf("Dequeue() = %q, %v; want a/b/one, true", m.Topic, ok)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue("camera", 1, zerolog.Nop())

	if !q.TryEnqueue(Message{Topic: "cameras/cam1/snapshot/exe"}) {
		t.Fatal("first enqueue rejected")
	}
	if q.TryEnqueue(Message{Topic: "cameras/cam1/snapshot/exe"}) {
		t.Fatal("second enqueue accepted on a full queue")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueueDequeueUnblocksOnCancel(t *testing.T) {
	q := NewQueue("test", 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("Dequeue returned a message after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock on cancel")
	}
}
