package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/database"
)

// Store is the slice of the database the registry needs.
type Store interface {
	ListDevices(ctx context.Context, enabledOnly bool) ([]database.DeviceRow, error)
	GetTopicSchema(ctx context.Context, modelID int64) ([]byte, error)
	UpdateDeviceValues(ctx context.Context, id int64, values []byte, lastSeen time.Time) error
	UpdateDeviceStatus(ctx context.Context, id int64, status string, lastSeen time.Time) error
}

// Registry is an in-memory snapshot of enabled devices and their model topic
// schemas, keyed by id and mqtt_client_id. Readers get copies; writes go
// through SetValues/SetStatus which persist and then update the snapshot.
type Registry struct {
	store Store
	log   zerolog.Logger

	mu       sync.RWMutex
	byID     map[int64]Device
	byClient map[string]Device
	schemas  map[int64]TopicSchema // keyed by model id
}

func NewRegistry(store Store, log zerolog.Logger) *Registry {
	return &Registry{
		store:    store,
		log:      log.With().Str("component", "registry").Logger(),
		byID:     make(map[int64]Device),
		byClient: make(map[string]Device),
		schemas:  make(map[int64]TopicSchema),
	}
}

// Refresh rebuilds the snapshot from the store. Called at startup and after
// every admin device change.
func (r *Registry) Refresh(ctx context.Context) error {
	rows, err := r.store.ListDevices(ctx, true)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	byID := make(map[int64]Device, len(rows))
	byClient := make(map[string]Device, len(rows))
	schemas := make(map[int64]TopicSchema)

	for _, row := range rows {
		d := fromRow(row)
		byID[d.ID] = d
		byClient[d.MQTTClientID] = d

		if _, seen := schemas[row.DeviceModelID]; seen {
			continue
		}
		raw, err := r.store.GetTopicSchema(ctx, row.DeviceModelID)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("topic schema for model %d: %w", row.DeviceModelID, err)
		}
		schema, err := ParseTopicSchema(raw)
		if err != nil {
			r.log.Warn().Err(err).Int64("model_id", row.DeviceModelID).Msg("malformed topic schema, skipping")
			continue
		}
		schemas[row.DeviceModelID] = schema
	}

	r.mu.Lock()
	r.byID = byID
	r.byClient = byClient
	r.schemas = schemas
	r.mu.Unlock()

	r.log.Info().Int("devices", len(byID)).Int("schemas", len(schemas)).Msg("device registry refreshed")
	return nil
}

func (r *Registry) ByID(id int64) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

func (r *Registry) ByClientID(clientID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byClient[clientID]
	return d, ok
}

func (r *Registry) All() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}

// TopicSchema returns the topic schema for a model id.
func (r *Registry) TopicSchema(modelID int64) (TopicSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[modelID]
	return s, ok
}

// SetValues persists a device's cached telemetry and updates the snapshot.
func (r *Registry) SetValues(ctx context.Context, id int64, values map[string]any, seen time.Time) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if err := r.store.UpdateDeviceValues(ctx, id, raw, seen); err != nil {
		return err
	}

	r.mu.Lock()
	if d, ok := r.byID[id]; ok {
		d.Values = values
		d.LastSeen = seen
		r.byID[id] = d
		r.byClient[d.MQTTClientID] = d
	}
	r.mu.Unlock()
	return nil
}

// SetStatus persists a device's liveness and updates the snapshot.
func (r *Registry) SetStatus(ctx context.Context, id int64, status string, seen time.Time) error {
	if err := r.store.UpdateDeviceStatus(ctx, id, status, seen); err != nil {
		return err
	}

	r.mu.Lock()
	if d, ok := r.byID[id]; ok {
		d.Status = status
		d.LastSeen = seen
		r.byID[id] = d
		r.byClient[d.MQTTClientID] = d
	}
	r.mu.Unlock()
	return nil
}

// TopicFilters returns the MQTT subscription set: one wildcard per device
// prefix plus the generic model trees.
func (r *Registry) TopicFilters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefixes := make(map[string]struct{})
	for _, d := range r.byID {
		if d.TopicPrefix != "" {
			prefixes[d.TopicPrefix+"/#"] = struct{}{}
		}
	}
	// Generic trees are always watched so devices registered mid-session
	// (or talking before registration) are still observed.
	prefixes["shellies/#"] = struct{}{}
	prefixes["cameras/#"] = struct{}{}
	prefixes["storage/#"] = struct{}{}

	out := make([]string, 0, len(prefixes))
	for p := range prefixes {
		out = append(out, p)
	}
	return out
}

func fromRow(row database.DeviceRow) Device {
	d := Device{
		ID:               row.ID,
		Name:             row.Name,
		ModelID:          row.DeviceModelID,
		Model:            row.ModelName,
		MQTTClientID:     row.MQTTClientID,
		TopicPrefix:      row.TopicPrefix,
		Status:           row.Status,
		PollInterval:     row.PollInterval,
		PollIntervalUnit: row.PollIntervalUnit,
		Enabled:          row.Enabled,
	}
	if row.LastSeen != nil {
		d.LastSeen = *row.LastSeen
	}
	if len(row.Parameters) > 0 {
		_ = json.Unmarshal(row.Parameters, &d.Parameters)
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{}
	}
	if len(row.Values) > 0 {
		_ = json.Unmarshal(row.Values, &d.Values)
	}
	if d.Values == nil {
		d.Values = map[string]any{}
	}
	return d
}
