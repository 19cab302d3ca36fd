package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/actions"
	"github.com/microlumin/factory-lens/internal/database"
	"github.com/microlumin/factory-lens/internal/device"
)

// ActionStore is the persistence surface the action handlers need.
type ActionStore interface {
	ListActions(ctx context.Context, enabledOnly bool) ([]database.ActionRow, error)
	GetAction(ctx context.Context, id int64) (database.ActionRow, error)
	ActionNameExists(ctx context.Context, name string, excludeID int64) (bool, error)
	InsertAction(ctx context.Context, a database.ActionRow) (int64, error)
	UpdateAction(ctx context.Context, a database.ActionRow) error
	DeleteAction(ctx context.Context, id int64) error
}

// SchemaRegistry resolves devices and their model topic schemas for chain
// validation.
type SchemaRegistry interface {
	ByID(id int64) (device.Device, bool)
	TopicSchema(modelID int64) (device.TopicSchema, bool)
}

// EngineStates exposes the live per-action state map.
type EngineStates interface {
	States() map[int64]string
}

type ActionsHandler struct {
	store    ActionStore
	registry SchemaRegistry
	engine   EngineStates
	apply    ApplyFunc
	log      zerolog.Logger
}

func NewActionsHandler(store ActionStore, registry SchemaRegistry, engine EngineStates, apply ApplyFunc, log zerolog.Logger) *ActionsHandler {
	return &ActionsHandler{store: store, registry: registry, engine: engine, apply: apply, log: log}
}

func (h *ActionsHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/states", h.states)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.delete)
}

type actionPayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Chain       json.RawMessage `json:"chain"`
	Enabled     bool            `json:"enabled"`
}

type actionResponse struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Chain       json.RawMessage `json:"chain"`
	Enabled     bool            `json:"enabled"`
	State       string          `json:"state,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (h *ActionsHandler) toResponse(row database.ActionRow, states map[int64]string) actionResponse {
	return actionResponse{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Chain:       json.RawMessage(row.Chain),
		Enabled:     row.Enabled,
		State:       states[row.ID],
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

// validateChain parses the chain and checks every referenced topic against the
// referencing device's model schema. Models without a topic schema are not
// checked.
func (h *ActionsHandler) validateChain(raw json.RawMessage) error {
	ifNode, thenNode, success, failure, err := actions.ParseChain(raw)
	if err != nil {
		return err
	}

	if err := h.checkTopic(ifNode.DeviceID, ifNode.Topic, false, "if"); err != nil {
		return err
	}
	if err := h.checkTopic(thenNode.DeviceID, thenNode.Topic, true, "then"); err != nil {
		return err
	}
	if thenNode.ResultTopic != "" {
		if err := h.checkTopic(thenNode.DeviceID, thenNode.ResultTopic, false, "then result"); err != nil {
			return err
		}
	}
	for _, b := range []*actions.BranchNode{success, failure} {
		if b == nil {
			continue
		}
		if err := h.checkTopic(b.DeviceID, b.Topic, true, b.Branch+" branch"); err != nil {
			return err
		}
		if b.ResultTopic != "" {
			if err := h.checkTopic(b.DeviceID, b.ResultTopic, false, b.Branch+" branch result"); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkTopic verifies a chain node's topic exists on the device's model
// schema: command topics for commands, telemetry topics otherwise.
func (h *ActionsHandler) checkTopic(deviceID int64, topic string, command bool, role string) error {
	d, ok := h.registry.ByID(deviceID)
	if !ok {
		return fmt.Errorf("%s node references unknown or disabled device %d", role, deviceID)
	}
	schema, ok := h.registry.TopicSchema(d.ModelID)
	if !ok {
		return nil
	}
	if command {
		if _, ok := schema.CommandTopics[topic]; !ok {
			return fmt.Errorf("%s topic %q is not a command topic of model %s", role, topic, d.Model)
		}
		return nil
	}
	if _, ok := schema.Topics[topic]; !ok {
		return fmt.Errorf("%s topic %q is not a topic of model %s", role, topic, d.Model)
	}
	return nil
}

func (h *ActionsHandler) validate(ctx context.Context, p actionPayload, excludeID int64) (int, string) {
	if p.Name == "" {
		return http.StatusBadRequest, "name is required"
	}
	if len(p.Chain) == 0 {
		return http.StatusBadRequest, "chain is required"
	}
	if err := h.validateChain(p.Chain); err != nil {
		return http.StatusBadRequest, err.Error()
	}
	exists, err := h.store.ActionNameExists(ctx, p.Name, excludeID)
	if err != nil {
		h.log.Error().Err(err).Msg("action name check failed")
		return http.StatusInternalServerError, "action name check failed"
	}
	if exists {
		return http.StatusConflict, "action name already in use"
	}
	return 0, ""
}

func (h *ActionsHandler) list(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListActions(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		h.log.Error().Err(err).Msg("action list failed")
		writeError(w, http.StatusInternalServerError, "action list failed")
		return
	}
	states := h.engine.States()
	out := make([]actionResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.toResponse(row, states))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ActionsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	row, err := h.store.GetAction(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("action_id", id).Msg("action get failed")
		writeError(w, http.StatusInternalServerError, "action get failed")
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(row, h.engine.States()))
}

func (h *ActionsHandler) states(w http.ResponseWriter, r *http.Request) {
	states := h.engine.States()
	out := make(map[string]string, len(states))
	for id, state := range states {
		out[fmt.Sprintf("%d", id)] = state
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ActionsHandler) create(w http.ResponseWriter, r *http.Request) {
	var p actionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if status, msg := h.validate(r.Context(), p, 0); status != 0 {
		writeError(w, status, msg)
		return
	}

	id, err := h.store.InsertAction(r.Context(), database.ActionRow{
		Name:        p.Name,
		Description: p.Description,
		Chain:       p.Chain,
		Enabled:     p.Enabled,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("action insert failed")
		writeError(w, http.StatusInternalServerError, "action insert failed")
		return
	}
	h.applyChanges(r.Context())

	created, err := h.store.GetAction(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, h.toResponse(created, h.engine.States()))
}

func (h *ActionsHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	if _, err := h.store.GetAction(r.Context(), id); errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}

	var p actionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if status, msg := h.validate(r.Context(), p, id); status != 0 {
		writeError(w, status, msg)
		return
	}

	err := h.store.UpdateAction(r.Context(), database.ActionRow{
		ID:          id,
		Name:        p.Name,
		Description: p.Description,
		Chain:       p.Chain,
		Enabled:     p.Enabled,
	})
	if err != nil {
		h.log.Error().Err(err).Int64("action_id", id).Msg("action update failed")
		writeError(w, http.StatusInternalServerError, "action update failed")
		return
	}
	h.applyChanges(r.Context())

	updated, err := h.store.GetAction(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]int64{"id": id})
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(updated, h.engine.States()))
}

func (h *ActionsHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	if err := h.store.DeleteAction(r.Context(), id); err != nil {
		h.log.Error().Err(err).Int64("action_id", id).Msg("action delete failed")
		writeError(w, http.StatusInternalServerError, "action delete failed")
		return
	}
	h.applyChanges(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *ActionsHandler) applyChanges(ctx context.Context) {
	if h.apply == nil {
		return
	}
	if err := h.apply(ctx); err != nil {
		h.log.Error().Err(err).Msg("core refresh after action change failed")
	}
}
