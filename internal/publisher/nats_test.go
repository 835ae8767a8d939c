package publisher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-tracker/internal/inference"
	"vehicle-tracker/internal/occupancy"
)

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "MTA_7582", subjectToken(" MTA 7582 "))
	assert.Equal(t, "a_b_c", subjectToken("a.b>c"))
	assert.Equal(t, "_", subjectToken(""))
}

func TestSubject(t *testing.T) {
	p := &NATSPublisher{prefix: "inferred"}
	assert.Equal(t, "inferred.MTA_7582", p.Subject("MTA 7582"))
}

func TestInferredMessageJSON(t *testing.T) {
	loc := &inference.InferredLocation{
		VehicleID:   "V1",
		Timestamp:   1000,
		Phase:       inference.PhaseInProgress,
		Status:      inference.StatusDefault,
		InferredDSC: "101",
	}

	b, err := json.Marshal(NewInferredMessage(loc, nil))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "V1", m["vehicleId"])
	assert.Equal(t, "IN_PROGRESS", m["inferredPhase"])
	assert.NotContains(t, m, "occupancy")
	assert.NotContains(t, m, "scheduleDeviation")

	load := &occupancy.VehicleLoad{VehicleID: "V1", Load: occupancy.StandingRoomOnly, EstimatedCount: 55}
	b, err = json.Marshal(NewInferredMessage(loc, load))
	require.NoError(t, err)
	m = nil
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "standingAvailable", m["occupancySiri"])
	occ := m["occupancy"].(map[string]any)
	assert.Equal(t, "STANDING_ROOM_ONLY", occ["load"])
}
