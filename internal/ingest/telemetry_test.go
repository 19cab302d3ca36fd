package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/device"
)

type fakeDevices struct {
	device device.Device

	values map[string]any
	status string
}

func (f *fakeDevices) ByClientID(clientID string) (device.Device, bool) {
	if clientID == f.device.MQTTClientID {
		return f.device, true
	}
	return device.Device{}, false
}

func (f *fakeDevices) SetValues(ctx context.Context, id int64, values map[string]any, seen time.Time) error {
	f.values = values
	return nil
}

func (f *fakeDevices) SetStatus(ctx context.Context, id int64, status string, seen time.Time) error {
	f.status = status
	return nil
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{device: device.Device{
		ID:           1,
		MQTTClientID: "shelly1pm-A1B2",
		TopicPrefix:  "shellies",
		Values:       map[string]any{"relay/0": "off"},
	}}
}

func TestTelemetryValues(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		key     string
		want    any
	}{
		{"relay_state", "shellies/shelly1pm-A1B2/relay/0", "on", "relay/0", "on"},
		{"relay_power", "shellies/shelly1pm-A1B2/relay/0/power", "23.71", "relay/0/power", 23.71},
		{"relay_energy", "shellies/shelly1pm-A1B2/relay/0/energy", "1024", "relay/0/energy", 1024.0},
		{"input", "shellies/shelly1pm-A1B2/input/0", "1", "input/0", 1},
		{"temperature_truncated", "shellies/shelly1pm-A1B2/temperature", "22.389", "temperature", 22.38},
		{"voltage", "shellies/shelly1pm-A1B2/voltage", "231.4", "voltage", 231.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devs := newFakeDevices()
			tel := NewTelemetry(devs, zerolog.Nop())
			tel.Observe(context.Background(), tt.topic, []byte(tt.payload))

			if devs.values == nil {
				t.Fatal("no values written")
			}
			if got := devs.values[tt.key]; got != tt.want {
				t.Errorf("values[%q] = %v (%T), want %v (%T)", tt.key, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestTelemetryMergesExistingValues(t *testing.T) {
	devs := newFakeDevices()
	tel := NewTelemetry(devs, zerolog.Nop())

	tel.Observe(context.Background(), "shellies/shelly1pm-A1B2/temperature", []byte("19.5"))

	if devs.values["relay/0"] != "off" {
		t.Error("previously cached relay/0 value was lost")
	}
	if devs.values["temperature"] != 19.5 {
		t.Errorf("temperature = %v, want 19.5", devs.values["temperature"])
	}
}

func TestTelemetryInputEvent(t *testing.T) {
	devs := newFakeDevices()
	tel := NewTelemetry(devs, zerolog.Nop())

	tel.Observe(context.Background(), "shellies/shelly1pm-A1B2/input_event/0",
		[]byte(`{"event":"S","event_cnt":3}`))

	ev, ok := devs.values["input_event/0"].(map[string]any)
	if !ok {
		t.Fatalf("input_event/0 = %T, want object", devs.values["input_event/0"])
	}
	if ev["event"] != "S" {
		t.Errorf("event = %v, want S", ev["event"])
	}
}

func TestTelemetryLeavesUnknownGroupsUnchanged(t *testing.T) {
	devs := newFakeDevices()
	tel := NewTelemetry(devs, zerolog.Nop())

	if id := tel.Observe(context.Background(), "shellies/shelly1pm-A1B2/announce",
		[]byte(`{"id":"shelly1pm-A1B2","fw_ver":"1.11"}`)); id != 1 {
		t.Errorf("device id = %d, want 1", id)
	}
	if devs.values != nil {
		t.Fatalf("unhandled group wrote values: %v", devs.values)
	}
}

func TestTelemetryOnlineStatus(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{"true", "online"},
		{"false", "offline"},
	}
	for _, tt := range tests {
		devs := newFakeDevices()
		tel := NewTelemetry(devs, zerolog.Nop())
		tel.Observe(context.Background(), "shellies/shelly1pm-A1B2/online", []byte(tt.payload))
		if devs.status != tt.want {
			t.Errorf("online %q: status = %q, want %q", tt.payload, devs.status, tt.want)
		}
		if devs.values != nil {
			t.Error("online LWT must not touch cached values")
		}
	}
}

func TestTelemetryIgnoresUnknownDevice(t *testing.T) {
	devs := newFakeDevices()
	tel := NewTelemetry(devs, zerolog.Nop())

	tel.Observe(context.Background(), "shellies/unknown-client/relay/0", []byte("on"))
	tel.Observe(context.Background(), "otherprefix/shelly1pm-A1B2/relay/0", []byte("on"))

	if devs.values != nil || devs.status != "" {
		t.Error("messages for unknown devices must be ignored")
	}
}
