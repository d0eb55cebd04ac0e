/*
scenarios_test.go - Tests for demo scenario loading

PURPOSE:

	Every built-in scenario loads through the API into a fresh store, and a
	reload replaces the previous data instead of adding to it.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-engine/attendance"
)

func TestScenario_ListAndCurrent(t *testing.T) {
	ts := newTestServer(t, attendance.DefaultRules())

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]ScenarioDTO](t, rec)
	require.Len(t, list, 5)

	rec = ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", string(trimNewline(rec.Body.Bytes())))

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "night-shift"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "night-shift", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	ts := newTestServer(t, attendance.DefaultRules())

	for _, id := range []string{"day-shift", "night-shift", "override-pending", "legacy-recalc", "near-completion"} {
		rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
		assert.Equal(t, http.StatusOK, rec.Code, "%s: %s", id, rec.Body.String())
	}
}

func TestScenario_ReloadReplacesData(t *testing.T) {
	// GIVEN: The day-shift scenario loaded
	// WHEN: The override-pending scenario is loaded after it
	// THEN: Only the second scenario's persons remain

	ts := newTestServer(t, attendance.DefaultRules())

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "day-shift"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodGet, "/api/persons", nil)
	assert.Len(t, decodeBody[[]PersonDTO](t, rec), 2)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "override-pending"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/persons", nil)
	persons := decodeBody[[]PersonDTO](t, rec)
	require.Len(t, persons, 1)
	assert.Equal(t, "omar", persons[0].ID)

	rec = ts.do(t, http.MethodGet, "/api/overrides?status=PENDING", nil)
	assert.Len(t, decodeBody[[]OverrideDTO](t, rec), 1)
}

func TestScenario_Unknown(t *testing.T) {
	ts := newTestServer(t, attendance.DefaultRules())

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
