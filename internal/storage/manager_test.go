package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/device"
	"github.com/microlumin/factory-lens/internal/ingest"
)

type fakeBackend struct {
	puts   map[string][]byte
	dirs   []string
	putErr error
	closed bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{puts: map[string][]byte{}} }

func (f *fakeBackend) Put(ctx context.Context, path string, data []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts[path] = data
	return nil
}

func (f *fakeBackend) MkdirAll(ctx context.Context, path string) error {
	f.dirs = append(f.dirs, path)
	return nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

type fakePub struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newFakePub() *fakePub { return &fakePub{msgs: map[string][]string{}} }

func (p *fakePub) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	p.msgs[topic] = append(p.msgs[topic], string(payload))
	p.mu.Unlock()
	return nil
}

func (p *fakePub) last(topic string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.msgs[topic]
	if len(msgs) == 0 {
		return "", false
	}
	return msgs[len(msgs)-1], true
}

type storeDevices []device.Device

func (s storeDevices) ByClientID(id string) (device.Device, bool) {
	for _, d := range s {
		if d.MQTTClientID == id {
			return d, true
		}
	}
	return device.Device{}, false
}

func (s storeDevices) All() []device.Device { return s }

func storageDevice() device.Device {
	return device.Device{
		ID: 4, Model: "Local storage", MQTTClientID: "disk1", TopicPrefix: "storage",
		Parameters: map[string]any{"base_path": "archive"},
	}
}

func newTestManager(backend Backend, factoryErr error) (*Manager, *fakePub) {
	pub := newFakePub()
	m := NewManager(Options{
		Devices:   storeDevices{storageDevice()},
		Publisher: pub,
		Root:      "/tmp/fl-test",
		Factory: func(ctx context.Context, d device.Device, root string) (Backend, string, error) {
			if factoryErr != nil {
				return nil, "", factoryErr
			}
			return backend, "local", nil
		},
		Log: zerolog.Nop(),
	})
	return m, pub
}

func fileMessage(t *testing.T, payload any) ingest.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return ingest.Message{DeviceID: 4, Topic: "storage/disk1/file/image/create", Payload: raw}
}

func TestManagerStoresFile(t *testing.T) {
	backend := newFakeBackend()
	m, pub := newTestManager(backend, nil)

	content := []byte{0xff, 0xd8, 0xff, 0xaa}
	err := m.HandleMessage(context.Background(), fileMessage(t, map[string]string{
		"file": base64.StdEncoding.EncodeToString(content),
		"ext":  "jpg",
		"name": "frame.jpg",
		"path": "cam1",
	}))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	stored, ok := backend.puts["images/cam1/frame.jpg"]
	if !ok {
		t.Fatalf("nothing stored at images/cam1/frame.jpg; puts = %v", backend.puts)
	}
	if string(stored) != string(content) {
		t.Error("stored bytes differ from decoded payload")
	}
	if len(backend.dirs) == 0 || backend.dirs[0] != "images/cam1" {
		t.Errorf("dirs = %v, want images/cam1 created first", backend.dirs)
	}
	if !backend.closed {
		t.Error("backend connection not closed after the operation")
	}

	if got, _ := pub.last("storage/disk1/file/created"); got != `"success"` {
		t.Errorf("file/created = %s, want \"success\"", got)
	}
	raw, ok := pub.last("storage/disk1/file/new")
	if !ok {
		t.Fatal("no file/new published")
	}
	var rec map[string]string
	_ = json.Unmarshal([]byte(raw), &rec)
	if rec["path"] != "images/cam1/frame.jpg" {
		t.Errorf("file/new path = %q", rec["path"])
	}
	if _, ok := pub.last("storage/disk1/log"); !ok {
		t.Error("no audit record published")
	}
}

func TestManagerGeneratesNameWhenMissing(t *testing.T) {
	backend := newFakeBackend()
	m, _ := newTestManager(backend, nil)
	m.now = func() time.Time { return time.Unix(0, 42) }

	err := m.HandleMessage(context.Background(), fileMessage(t, map[string]string{
		"file": base64.StdEncoding.EncodeToString([]byte("x")),
		"ext":  "pdf",
	}))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if _, ok := backend.puts["pdfs/42.pdf"]; !ok {
		t.Errorf("puts = %v, want pdfs/42.pdf", backend.puts)
	}
}

func TestManagerFailures(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		putErr     error
		factoryErr error
	}{
		{"missing_file_field", `{"ext":"jpg"}`, nil, nil},
		{"bad_base64", `{"file":"%%%","ext":"jpg"}`, nil, nil},
		{"not_json", `garbage`, nil, nil},
		{"upload_fails", "", errors.New("disk full"), nil},
		{"backend_unavailable", "", nil, errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.putErr = tt.putErr
			m, pub := newTestManager(backend, tt.factoryErr)

			msg := ingest.Message{Topic: "storage/disk1/file/image/create", Payload: []byte(tt.payload)}
			if tt.payload == "" {
				msg = fileMessage(t, map[string]string{
					"file": base64.StdEncoding.EncodeToString([]byte("x")),
					"ext":  "jpg",
				})
			}

			if err := m.HandleMessage(context.Background(), msg); err == nil {
				t.Fatal("HandleMessage() should fail")
			}
			if got, _ := pub.last("storage/disk1/file/created"); got != `"error"` {
				t.Errorf("file/created = %q, want \"error\"", got)
			}
			if _, ok := pub.last("storage/disk1/file/new"); ok {
				t.Error("file/new published despite failure")
			}
		})
	}
}

func TestManagerHeartbeatOnlyStorageDevices(t *testing.T) {
	pub := newFakePub()
	devs := storeDevices{
		storageDevice(),
		{ID: 5, Model: "Shelly 1PM", MQTTClientID: "relay1", TopicPrefix: "shellies"},
	}
	m := NewManager(Options{Devices: devs, Publisher: pub, Log: zerolog.Nop()})

	m.heartbeat()

	raw, ok := pub.last("storage/disk1/log")
	if !ok {
		t.Fatal("no heartbeat for the storage device")
	}
	var rec map[string]any
	_ = json.Unmarshal([]byte(raw), &rec)
	if rec["event"] != "heartbeat" || rec["device_id"] != 4.0 {
		t.Errorf("heartbeat record = %v", rec)
	}
	if _, ok := pub.last("shellies/relay1/log"); ok {
		t.Error("heartbeat published for a non-storage device")
	}
}
