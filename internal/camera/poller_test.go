package camera

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/database"
)

type fakeProber struct {
	err error
}

func (f *fakeProber) Probe(ctx context.Context, src Source) error { return f.err }

func TestPollerProbesRTSP(t *testing.T) {
	tests := []struct {
		name     string
		probeErr error
		want     string
	}{
		{"reachable", nil, "online"},
		{"unreachable", errors.New("timed out"), "offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeCamStore{cam: database.CameraRow{
				ID: 9, DeviceID: 5,
				Streams: []database.CameraStreamRow{{ID: 1, StreamType: "main", FullURL: "rtsp://10.0.0.4/main"}},
			}}
			pub := newFakePub()
			p := NewPoller(camDevices{camDevice()}, store, pub, &fakeProber{err: tt.probeErr}, zerolog.Nop())

			p.tick(context.Background())

			if len(store.statuses) != 1 || store.statuses[0] != tt.want {
				t.Errorf("statuses = %v, want [%s]", store.statuses, tt.want)
			}
			raw, ok := pub.last("cameras/cam1/log")
			if !ok {
				t.Fatal("no status record published")
			}
			var rec map[string]any
			_ = json.Unmarshal([]byte(raw), &rec)
			if rec["event"] != "status" || rec["status"] != tt.want {
				t.Errorf("status record = %v", rec)
			}
		})
	}
}

func TestPollerAssumesHTTPOnline(t *testing.T) {
	store := &fakeCamStore{cam: database.CameraRow{ID: 9, SnapshotURL: "http://10.0.0.4/snap"}}
	p := NewPoller(camDevices{camDevice()}, store, newFakePub(),
		&fakeProber{err: errors.New("must not be probed")}, zerolog.Nop())

	p.tick(context.Background())

	if len(store.statuses) != 1 || store.statuses[0] != "online" {
		t.Errorf("statuses = %v, want [online]", store.statuses)
	}
}

func TestPollerHonorsInterval(t *testing.T) {
	store := &fakeCamStore{cam: database.CameraRow{ID: 9, SnapshotURL: "http://10.0.0.4/snap"}}
	d := camDevice()
	d.PollInterval = 10
	d.PollIntervalUnit = "sec"
	p := NewPoller(camDevices{d}, store, newFakePub(), &fakeProber{}, zerolog.Nop())

	base := time.Now()
	p.now = func() time.Time { return base }
	p.tick(context.Background()) // first tick always polls
	p.tick(context.Background()) // interval not elapsed
	p.now = func() time.Time { return base.Add(11 * time.Second) }
	p.tick(context.Background()) // due again

	if len(store.statuses) != 2 {
		t.Errorf("polled %d times, want 2", len(store.statuses))
	}
}

func TestPollerSkipsDevicesWithoutCamera(t *testing.T) {
	store := &fakeCamStore{err: database.ErrNotFound}
	pub := newFakePub()
	p := NewPoller(camDevices{camDevice()}, store, pub, &fakeProber{}, zerolog.Nop())

	p.tick(context.Background())

	if len(store.statuses) != 0 {
		t.Errorf("statuses = %v, want none", store.statuses)
	}
	if _, ok := pub.last("cameras/cam1/log"); ok {
		t.Error("published a status record for a device with no camera")
	}
}
