package readapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/extruder-monitor/db"
	"github.com/thatsimonsguy/extruder-monitor/internal/model"
	"github.com/thatsimonsguy/extruder-monitor/internal/profile"
)

type fakeSource struct{ snap *Snapshot }

func (f fakeSource) Snapshot() *Snapshot { return f.snap }

func newTestServer(t *testing.T, machines map[string]SnapshotSource) *Server {
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewServer(machines, profile.New(conn))
}

func TestHandleMachines_ListsConfiguredIDs(t *testing.T) {
	s := newTestServer(t, map[string]SnapshotSource{
		"extruder-1": fakeSource{},
		"extruder-2": fakeSource{},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/machines", nil)
	rec := httptest.NewRecorder()
	s.handleMachines(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.ElementsMatch(t, []string{"extruder-1", "extruder-2"}, ids)
}

func TestHandleMachineOperations_UnknownMachineReturns404(t *testing.T) {
	s := newTestServer(t, map[string]SnapshotSource{})

	req := httptest.NewRequest(http.MethodGet, "/api/machines/nope", nil)
	rec := httptest.NewRecorder()
	s.handleMachineOperations(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMachineOperations_NoSnapshotYetReturns503(t *testing.T) {
	s := newTestServer(t, map[string]SnapshotSource{"extruder-1": fakeSource{snap: nil}})

	req := httptest.NewRequest(http.MethodGet, "/api/machines/extruder-1", nil)
	rec := httptest.NewRecorder()
	s.handleMachineOperations(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMachineOperations_ReturnsStateAndEvaluationSubpaths(t *testing.T) {
	snap := &Snapshot{
		MachineID:  "extruder-1",
		MaterialID: "PET",
		State:      model.MachineStateInfo{State: model.StateProduction, Confidence: 0.9},
		Evaluation: model.Evaluation{MachineID: "extruder-1", ProcessStatus: model.ProcessGreen},
	}
	s := newTestServer(t, map[string]SnapshotSource{"extruder-1": fakeSource{snap: snap}})

	req := httptest.NewRequest(http.MethodGet, "/api/machines/extruder-1/state", nil)
	rec := httptest.NewRecorder()
	s.handleMachineOperations(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var state model.MachineStateInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, model.StateProduction, state.State)

	req2 := httptest.NewRequest(http.MethodGet, "/api/machines/extruder-1/evaluation", nil)
	rec2 := httptest.NewRecorder()
	s.handleMachineOperations(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
	var eval model.Evaluation
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &eval))
	assert.Equal(t, model.ProcessGreen, eval.ProcessStatus)
}

func TestHandleMachineOperations_UnknownSubpathReturns404(t *testing.T) {
	snap := &Snapshot{MachineID: "extruder-1"}
	s := newTestServer(t, map[string]SnapshotSource{"extruder-1": fakeSource{snap: snap}})

	req := httptest.NewRequest(http.MethodGet, "/api/machines/extruder-1/bogus", nil)
	rec := httptest.NewRecorder()
	s.handleMachineOperations(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleProfiles_ListsCreatedProfiles(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	reg := profile.New(conn)
	_, err = reg.Create("extruder-1", "PET")
	require.NoError(t, err)

	s := NewServer(map[string]SnapshotSource{}, reg)

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	rec := httptest.NewRecorder()
	s.handleProfiles(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var profiles []model.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profiles))
	assert.Len(t, profiles, 1)
	assert.Equal(t, "PET", profiles[0].MaterialID)
}

func TestHandlers_RejectNonGetMethods(t *testing.T) {
	s := newTestServer(t, map[string]SnapshotSource{})

	req := httptest.NewRequest(http.MethodPost, "/api/machines", nil)
	rec := httptest.NewRecorder()
	s.handleMachines(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
