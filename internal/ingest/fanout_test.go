package ingest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestFanoutCopiesToAllQueues(t *testing.T) {
	actions := NewQueue("actions", 10, zerolog.Nop())
	camera := NewQueue("camera", 10, zerolog.Nop())
	storage := NewQueue("storage", 10, zerolog.Nop())

	f := NewFanout(context.Background(), nil, zerolog.Nop(), actions, camera, storage)
	f.Handle("cameras/cam1/snapshot/exe", []byte(`"jpg"`))

	for _, q := range []*Queue{actions, camera, storage} {
		if q.Len() != 1 {
			t.Errorf("queue %s depth = %d, want 1", q.Name(), q.Len())
		}
	}
}

// With CAMERA_Q_SIZE=1, two rapid snapshot commands leave exactly one queued;
// the other queues are unaffected and ingestion never blocks.
func TestFanoutBackpressureDropsNewest(t *testing.T) {
	actions := NewQueue("actions", 10, zerolog.Nop())
	camera := NewQueue("camera", 1, zerolog.Nop())

	f := NewFanout(context.Background(), nil, zerolog.Nop(), actions, camera)
	f.Handle("cameras/cam1/snapshot/exe", []byte(`"jpg"`))
	f.Handle("cameras/cam1/snapshot/exe", []byte(`"pdf"`))

	if camera.Len() != 1 {
		t.Errorf("camera depth = %d, want 1", camera.Len())
	}
	if actions.Len() != 2 {
		t.Errorf("actions depth = %d, want 2", actions.Len())
	}

	m, _ := camera.Dequeue(context.Background())
	if string(m.Payload) != `"jpg"` {
		t.Errorf("surviving payload = %s, want the first message", m.Payload)
	}
}

type recordingObserver struct {
	topics []string
}

func (r *recordingObserver) Observe(ctx context.Context, topic string, payload []byte) int64 {
	r.topics = append(r.topics, topic)
	return 7
}

func TestFanoutInvokesObserverAndTagsDevice(t *testing.T) {
	obs := &recordingObserver{}
	q := NewQueue("actions", 1, zerolog.Nop())
	f := NewFanout(context.Background(), obs, zerolog.Nop(), q)

	f.Handle("shellies/dev1/relay/0", []byte("on"))
	if len(obs.topics) != 1 || obs.topics[0] != "shellies/dev1/relay/0" {
		t.Errorf("observer saw %v, want the inbound topic", obs.topics)
	}

	m, _ := q.Dequeue(context.Background())
	if m.DeviceID != 7 {
		t.Errorf("DeviceID = %d, want the observer-resolved id 7", m.DeviceID)
	}
}
