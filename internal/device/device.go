// Package device holds the shared device/topic model: the in-memory registry
// of enabled devices, their model topic schemas, and topic helpers used by
// every subsystem.
package device

import (
	"encoding/json"
	"time"
)

// Device is the core's read-through view of a persisted device. The MQTT
// ingress updates Values, Status and LastSeen; everything else is owned by
// the admin API.
type Device struct {
	ID               int64
	Name             string
	ModelID          int64
	Model            string
	MQTTClientID     string
	TopicPrefix      string
	Parameters       map[string]any
	Values           map[string]any
	Status           string
	LastSeen         time.Time
	PollInterval     int
	PollIntervalUnit string
	Enabled          bool
}

// FullTopic qualifies a schema-relative topic for this device.
func (d Device) FullTopic(sub string) string {
	return d.TopicPrefix + "/" + d.MQTTClientID + "/" + sub
}

// LogTopic is the device's audit log topic.
func (d Device) LogTopic() string {
	return d.FullTopic("log")
}

// PollDue reports whether the device's poll interval has elapsed since the
// device was last seen. A device never seen is always due.
func (d Device) PollDue(now time.Time) bool {
	if d.LastSeen.IsZero() {
		return true
	}
	return !d.LastSeen.Add(IntervalDuration(d.PollInterval, d.PollIntervalUnit)).After(now)
}

var unitSeconds = map[string]float64{
	"ms":   0.001,
	"sec":  1,
	"min":  60,
	"hour": 3600,
	"day":  86400,
}

// IntervalDuration converts a value plus unit ∈ {ms,sec,min,hour,day} into a
// duration. Unknown units fall back to seconds.
func IntervalDuration(val int, unit string) time.Duration {
	mult, ok := unitSeconds[unit]
	if !ok {
		mult = 1
	}
	return time.Duration(float64(val) * mult * float64(time.Second))
}

// TopicSpec describes one telemetry topic a device model emits.
type TopicSpec struct {
	Type             string    `json:"type"`
	Values           []any     `json:"values,omitempty"`
	Range            []float64 `json:"range,omitempty"`
	Comparators      []string  `json:"comparators,omitempty"`
	PollInterval     int       `json:"poll_interval,omitempty"`
	PollIntervalUnit string    `json:"poll_interval_unit,omitempty"`
	PollTopic        string    `json:"poll_topic,omitempty"`
	PollPayload      string    `json:"poll_payload,omitempty"`
}

// CommandSpec describes one command topic a device model accepts.
type CommandSpec struct {
	Type        string `json:"type"`
	Values      []any  `json:"values,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
	TimeoutUnit string `json:"timeout_unit,omitempty"`
	ResultTopic string `json:"result_topic,omitempty"`
}

// TopicSchema is the kind='topic' schema of a device model: the telemetry
// topics it emits and the command topics it accepts.
type TopicSchema struct {
	Topics        map[string]TopicSpec   `json:"topics"`
	CommandTopics map[string]CommandSpec `json:"command_topics"`
}

func ParseTopicSchema(raw []byte) (TopicSchema, error) {
	var s TopicSchema
	err := json.Unmarshal(raw, &s)
	return s, err
}
