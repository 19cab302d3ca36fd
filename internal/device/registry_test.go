package device

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/database"
)

type fakeStore struct {
	devices []database.DeviceRow
	schemas map[int64][]byte

	valuesWrites int
	statusWrites int
	lastValues   []byte
	lastStatus   string
}

func (f *fakeStore) ListDevices(ctx context.Context, enabledOnly bool) ([]database.DeviceRow, error) {
	return f.devices, nil
}

func (f *fakeStore) GetTopicSchema(ctx context.Context, modelID int64) ([]byte, error) {
	raw, ok := f.schemas[modelID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return raw, nil
}

func (f *fakeStore) UpdateDeviceValues(ctx context.Context, id int64, values []byte, lastSeen time.Time) error {
	f.valuesWrites++
	f.lastValues = values
	return nil
}

func (f *fakeStore) UpdateDeviceStatus(ctx context.Context, id int64, status string, lastSeen time.Time) error {
	f.statusWrites++
	f.lastStatus = status
	return nil
}

func testStore() *fakeStore {
	return &fakeStore{
		devices: []database.DeviceRow{
			{
				ID: 1, Name: "line-relay", DeviceModelID: 10, ModelName: "shelly-1pm",
				MQTTClientID: "shelly1pm-A1B2", TopicPrefix: "shellies",
				Parameters: []byte(`{"channel":0}`), Values: []byte(`{"relay/0":"off"}`),
				Status: "online", Enabled: true,
			},
			{
				ID: 2, Name: "dock-cam", DeviceModelID: 20, ModelName: "generic-camera",
				MQTTClientID: "cam-dock-1", TopicPrefix: "cameras",
				Status: "offline", PollInterval: 30, PollIntervalUnit: "sec", Enabled: true,
			},
		},
		schemas: map[int64][]byte{
			10: []byte(`{"topics":{"relay/0":{"type":"enum","values":["on","off"]}},"command_topics":{"relay/0/command":{"type":"enum","values":["on","off"],"result_topic":"relay/0"}}}`),
		},
	}
}

func TestRegistryRefresh(t *testing.T) {
	r := NewRegistry(testStore(), zerolog.Nop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	d, ok := r.ByID(1)
	if !ok {
		t.Fatal("ByID(1) not found after refresh")
	}
	if d.Model != "shelly-1pm" {
		t.Errorf("Model = %q, want shelly-1pm", d.Model)
	}
	if got := d.Values["relay/0"]; got != "off" {
		t.Errorf("Values[relay/0] = %v, want off", got)
	}

	if _, ok := r.ByClientID("cam-dock-1"); !ok {
		t.Error("ByClientID(cam-dock-1) not found")
	}
	if _, ok := r.ByClientID("unknown"); ok {
		t.Error("ByClientID(unknown) should not resolve")
	}

	schema, ok := r.TopicSchema(10)
	if !ok {
		t.Fatal("TopicSchema(10) not found")
	}
	if _, ok := schema.CommandTopics["relay/0/command"]; !ok {
		t.Error("command topic missing from parsed schema")
	}
	// Model 20 has no topic schema row.
	if _, ok := r.TopicSchema(20); ok {
		t.Error("TopicSchema(20) should be absent")
	}

	if n := len(r.All()); n != 2 {
		t.Errorf("All() returned %d devices, want 2", n)
	}
}

func TestRegistrySetValues(t *testing.T) {
	store := testStore()
	r := NewRegistry(store, zerolog.Nop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	seen := time.Now()
	err := r.SetValues(context.Background(), 1, map[string]any{"relay/0": "on"}, seen)
	if err != nil {
		t.Fatalf("SetValues() error = %v", err)
	}
	if store.valuesWrites != 1 {
		t.Errorf("store writes = %d, want 1", store.valuesWrites)
	}

	var persisted map[string]any
	if err := json.Unmarshal(store.lastValues, &persisted); err != nil {
		t.Fatalf("persisted values not JSON: %v", err)
	}
	if persisted["relay/0"] != "on" {
		t.Errorf("persisted relay/0 = %v, want on", persisted["relay/0"])
	}

	d, _ := r.ByID(1)
	if d.Values["relay/0"] != "on" {
		t.Errorf("snapshot relay/0 = %v, want on", d.Values["relay/0"])
	}
	if !d.LastSeen.Equal(seen) {
		t.Errorf("snapshot LastSeen = %v, want %v", d.LastSeen, seen)
	}
	// Both indexes see the same update.
	d2, _ := r.ByClientID("shelly1pm-A1B2")
	if d2.Values["relay/0"] != "on" {
		t.Error("client index missed the value update")
	}
}

func TestRegistrySetStatus(t *testing.T) {
	store := testStore()
	r := NewRegistry(store, zerolog.Nop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if err := r.SetStatus(context.Background(), 2, "online", time.Now()); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if store.lastStatus != "online" {
		t.Errorf("persisted status = %q, want online", store.lastStatus)
	}
	d, _ := r.ByID(2)
	if d.Status != "online" {
		t.Errorf("snapshot status = %q, want online", d.Status)
	}
}

func TestRegistryTopicFilters(t *testing.T) {
	r := NewRegistry(testStore(), zerolog.Nop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got := make(map[string]bool)
	for _, f := range r.TopicFilters() {
		got[f] = true
	}
	for _, want := range []string{"shellies/#", "cameras/#", "storage/#"} {
		if !got[want] {
			t.Errorf("TopicFilters() missing %q", want)
		}
	}
}
