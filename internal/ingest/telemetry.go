package ingest

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/device"
)

// DeviceView is the registry surface the telemetry ingress needs.
type DeviceView interface {
	ByClientID(clientID string) (device.Device, bool)
	SetValues(ctx context.Context, id int64, values map[string]any, seen time.Time) error
	SetStatus(ctx context.Context, id int64, status string, seen time.Time) error
}

// Telemetry normalizes device telemetry into the registry's cached values.
// Topics follow <prefix>/<client_id>/<sub>; the sub-topic grammar is the
// Shelly gen1 MQTT layout (relay/input/input_event/temperature/voltage plus
// the online LWT).
type Telemetry struct {
	devices DeviceView
	now     func() time.Time
	log     zerolog.Logger
}

func NewTelemetry(devices DeviceView, log zerolog.Logger) *Telemetry {
	return &Telemetry{
		devices: devices,
		now:     time.Now,
		log:     log.With().Str("component", "telemetry").Logger(),
	}
}

func (t *Telemetry) Observe(ctx context.Context, topic string, payload []byte) int64 {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return 0
	}
	prefix, clientID := parts[0], parts[1]
	sub := strings.Join(parts[2:], "/")

	d, ok := t.devices.ByClientID(clientID)
	if !ok || d.TopicPrefix != prefix {
		t.log.Debug().Str("topic", topic).Msg("message for unknown device")
		return 0
	}

	seen := t.now()

	if sub == "online" {
		status := "offline"
		if string(payload) == "true" {
			status = "online"
		}
		if err := t.devices.SetStatus(ctx, d.ID, status, seen); err != nil {
			t.log.Error().Err(err).Int64("device_id", d.ID).Msg("device status update failed")
		}
		return d.ID
	}

	val, ok := parseTelemetryValue(sub, payload)
	if !ok {
		t.log.Debug().Str("topic", topic).Str("payload", string(payload)).Msg("telemetry value skipped")
		return d.ID
	}

	values := make(map[string]any, len(d.Values)+1)
	for k, v := range d.Values {
		values[k] = v
	}
	values[sub] = val

	if err := t.devices.SetValues(ctx, d.ID, values, seen); err != nil {
		t.log.Error().Err(err).Int64("device_id", d.ID).Str("topic", topic).Msg("device values update failed")
	}
	return d.ID
}

// parseTelemetryValue types a raw payload according to the sub-topic.
func parseTelemetryValue(sub string, payload []byte) (any, bool) {
	s := strings.TrimSpace(string(payload))

	switch {
	case strings.HasPrefix(sub, "relay/"):
		rest := strings.Split(sub, "/")
		if len(rest) == 2 {
			return s, true // "on" / "off"
		}
		switch rest[len(rest)-1] {
		case "power", "energy":
			f, err := strconv.ParseFloat(s, 64)
			return f, err == nil
		}
		return s, true

	case strings.HasPrefix(sub, "input_event/"):
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, false
		}
		return obj, true

	case strings.HasPrefix(sub, "input/"):
		n, err := strconv.Atoi(s)
		return n, err == nil

	case sub == "temperature":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		// Truncate, not round: 22.389 reports as 22.38.
		return math.Trunc(f*100) / 100, true

	case sub == "voltage":
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}

	// Sub-topics outside the parsed grammar never touch cached values.
	return nil, false
}
