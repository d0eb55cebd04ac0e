/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with realistic attendance data for demos and manual
	testing. Scenarios are YAML documents embedded in the factory package.

AVAILABLE SCENARIOS:

	day-shift:        Scheduled and unscheduled trainees, one open session
	night-shift:      Schedule crossing midnight
	override-pending: Early arrivals awaiting review
	legacy-recalc:    Stored totals from an older calculator
	near-completion:  Trainees at or just short of their target

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Build persons, sessions and overrides relative to the engine clock
 3. Write them in one transaction

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "legacy-recalc"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - factory/scenario.go: YAML schema and builder
  - cmd/server/main.go: seed.scenario loads one at startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := h.Scenarios.Builtin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, sc := range all {
		dtos[i] = ScenarioDTO{ID: sc.ID, Name: sc.Name, Description: sc.Description, Category: sc.Category}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	sc, err := h.Scenarios.Find(current)
	if err != nil || sc == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: sc.ID, Name: sc.Name, Description: sc.Description, Category: sc.Category})
}

// LoadScenario resets the store and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if h.Reset == nil {
		writeError(w, http.StatusNotImplemented, "Scenario loading is not supported by this store", nil)
		return
	}

	sc, err := h.Scenarios.Find(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), sc.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": sc.ID})
}

// LoadScenarioByID resets the store and writes the scenario's fixture.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	if h.Reset == nil {
		return errors.New("store cannot be reset")
	}
	sc, err := h.Scenarios.Find(id)
	if err != nil {
		return err
	}
	if sc == nil {
		return errors.Errorf("unknown scenario %q", id)
	}
	fx, err := h.Scenarios.Build(sc, h.Engine.Clock.Now())
	if err != nil {
		return errors.Wrapf(err, "build scenario %s", id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Reset.Reset(ctx); err != nil {
		return errors.Wrap(err, "reset store")
	}
	if err := fx.Apply(ctx, h.Engine.Store); err != nil {
		return err
	}
	h.currentScenario = id

	h.Logger.Info("scenario loaded",
		zap.String("scenario", id),
		zap.Int("persons", len(fx.Persons)),
		zap.Int("sessions", len(fx.Sessions)),
		zap.Int("overrides", len(fx.Overrides)))
	return nil
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if h.Reset == nil {
		writeError(w, http.StatusNotImplemented, "Reset is not supported by this store", nil)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Reset.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
