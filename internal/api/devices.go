package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/database"
)

// ApplyFunc propagates persisted changes into the running core: refresh the
// device registry, rebuild the action snapshot.
type ApplyFunc func(ctx context.Context) error

// DeviceStore is the persistence surface the device handlers need.
type DeviceStore interface {
	ListDevices(ctx context.Context, enabledOnly bool) ([]database.DeviceRow, error)
	GetDevice(ctx context.Context, id int64) (database.DeviceRow, error)
	InsertDevice(ctx context.Context, d database.DeviceRow) (int64, error)
	UpdateDevice(ctx context.Context, d database.DeviceRow) error
	DeleteDevice(ctx context.Context, id int64) error
	ListDeviceModels(ctx context.Context) ([]database.DeviceModelRow, error)
}

type DevicesHandler struct {
	store DeviceStore
	apply ApplyFunc
	log   zerolog.Logger
}

func NewDevicesHandler(store DeviceStore, apply ApplyFunc, log zerolog.Logger) *DevicesHandler {
	return &DevicesHandler{store: store, apply: apply, log: log}
}

func (h *DevicesHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.delete)
}

type devicePayload struct {
	Name             string         `json:"name"`
	DeviceModelID    int64          `json:"device_model_id"`
	MQTTClientID     string         `json:"mqtt_client_id"`
	TopicPrefix      string         `json:"topic_prefix"`
	Parameters       map[string]any `json:"parameters"`
	PollInterval     int            `json:"poll_interval"`
	PollIntervalUnit string         `json:"poll_interval_unit"`
	Enabled          bool           `json:"enabled"`
}

type deviceResponse struct {
	ID int64 `json:"id"`
	devicePayload
	Model    string         `json:"model"`
	Values   map[string]any `json:"values"`
	Status   string         `json:"status"`
	LastSeen *time.Time     `json:"last_seen,omitempty"`
}

var pollUnits = map[string]bool{"ms": true, "sec": true, "min": true, "hour": true, "day": true}

func (p *devicePayload) validate() string {
	switch {
	case p.Name == "":
		return "name is required"
	case p.MQTTClientID == "":
		return "mqtt_client_id is required"
	case p.TopicPrefix == "":
		return "topic_prefix is required"
	case p.DeviceModelID <= 0:
		return "device_model_id is required"
	}
	if p.PollIntervalUnit == "" {
		p.PollIntervalUnit = "sec"
	}
	if !pollUnits[p.PollIntervalUnit] {
		return "poll_interval_unit must be one of ms, sec, min, hour, day"
	}
	return ""
}

func (p *devicePayload) toRow() (database.DeviceRow, error) {
	params := p.Parameters
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return database.DeviceRow{}, err
	}
	return database.DeviceRow{
		Name:             p.Name,
		DeviceModelID:    p.DeviceModelID,
		MQTTClientID:     p.MQTTClientID,
		TopicPrefix:      p.TopicPrefix,
		Parameters:       raw,
		PollInterval:     p.PollInterval,
		PollIntervalUnit: p.PollIntervalUnit,
		Enabled:          p.Enabled,
	}, nil
}

func toDeviceResponse(row database.DeviceRow) deviceResponse {
	resp := deviceResponse{
		ID: row.ID,
		devicePayload: devicePayload{
			Name:             row.Name,
			DeviceModelID:    row.DeviceModelID,
			MQTTClientID:     row.MQTTClientID,
			TopicPrefix:      row.TopicPrefix,
			PollInterval:     row.PollInterval,
			PollIntervalUnit: row.PollIntervalUnit,
			Enabled:          row.Enabled,
		},
		Model:    row.ModelName,
		Status:   row.Status,
		LastSeen: row.LastSeen,
	}
	if len(row.Parameters) > 0 {
		_ = json.Unmarshal(row.Parameters, &resp.Parameters)
	}
	if len(row.Values) > 0 {
		_ = json.Unmarshal(row.Values, &resp.Values)
	}
	return resp
}

func (h *DevicesHandler) list(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListDevices(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		h.log.Error().Err(err).Msg("device list failed")
		writeError(w, http.StatusInternalServerError, "device list failed")
		return
	}
	out := make([]deviceResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDeviceResponse(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DevicesHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	row, err := h.store.GetDevice(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("device_id", id).Msg("device get failed")
		writeError(w, http.StatusInternalServerError, "device get failed")
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(row))
}

func (h *DevicesHandler) create(w http.ResponseWriter, r *http.Request) {
	var p devicePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := p.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	row, err := p.toRow()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid parameters")
		return
	}
	id, err := h.store.InsertDevice(r.Context(), row)
	if err != nil {
		h.log.Error().Err(err).Msg("device insert failed")
		writeError(w, http.StatusConflict, "device insert failed")
		return
	}
	h.applyChanges(r.Context())

	created, err := h.store.GetDevice(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, toDeviceResponse(created))
}

func (h *DevicesHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	if _, err := h.store.GetDevice(r.Context(), id); errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var p devicePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := p.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	row, err := p.toRow()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid parameters")
		return
	}
	row.ID = id
	if err := h.store.UpdateDevice(r.Context(), row); err != nil {
		h.log.Error().Err(err).Int64("device_id", id).Msg("device update failed")
		writeError(w, http.StatusInternalServerError, "device update failed")
		return
	}
	h.applyChanges(r.Context())

	updated, err := h.store.GetDevice(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]int64{"id": id})
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(updated))
}

func (h *DevicesHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	if err := h.store.DeleteDevice(r.Context(), id); err != nil {
		h.log.Error().Err(err).Int64("device_id", id).Msg("device delete failed")
		writeError(w, http.StatusInternalServerError, "device delete failed")
		return
	}
	h.applyChanges(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *DevicesHandler) applyChanges(ctx context.Context) {
	if h.apply == nil {
		return
	}
	if err := h.apply(ctx); err != nil {
		h.log.Error().Err(err).Msg("core refresh after device change failed")
	}
}

// Models serves the device model catalog.
func (h *DevicesHandler) Models(w http.ResponseWriter, r *http.Request) {
	models, err := h.store.ListDeviceModels(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("model list failed")
		writeError(w, http.StatusInternalServerError, "model list failed")
		return
	}
	type modelResponse struct {
		ID           int64  `json:"id"`
		Name         string `json:"name"`
		Manufacturer string `json:"manufacturer,omitempty"`
	}
	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, modelResponse{ID: m.ID, Name: m.Name, Manufacturer: m.Manufacturer})
	}
	writeJSON(w, http.StatusOK, out)
}
