package conversation

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowStateValidate(t *testing.T) {
	t.Parallel()

	resumeAt := time.Now().Add(time.Minute)

	assert.NoError(t, IdleState().Validate())
	assert.NoError(t, RunningState("flow-1", nil).Validate())
	assert.NoError(t, PausedDelayState("flow-1", "node-2", resumeAt, nil).Validate())
	assert.NoError(t, PausedInputState("flow-1", "node-3", "email", nil).Validate())

	// Illegal combinations must not reach storage.
	assert.Error(t, FlowState{Phase: PhaseIdle, FlowID: "flow-1"}.Validate())
	assert.Error(t, FlowState{Phase: PhaseRunning}.Validate())
	assert.Error(t, FlowState{Phase: PhasePausedDelay, FlowID: "flow-1", NodeID: "n"}.Validate())
	assert.Error(t, FlowState{Phase: PhasePausedInput, FlowID: "flow-1"}.Validate())
	assert.Error(t, FlowState{Phase: "sleeping"}.Validate())
}

func TestFlowStateRoundTrip(t *testing.T) {
	t.Parallel()

	resumeAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := PausedDelayState("flow-1", "node-5", resumeAt, map[string]string{"name": "Ada"})

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded FlowState
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, PhasePausedDelay, decoded.Phase)
	assert.Equal(t, "flow-1", decoded.FlowID)
	assert.Equal(t, "node-5", decoded.NodeID)
	require.NotNil(t, decoded.ResumeAt)
	assert.True(t, resumeAt.Equal(*decoded.ResumeAt))
	assert.Equal(t, "Ada", decoded.Variables["name"])
}

func TestFlowStatePredicates(t *testing.T) {
	t.Parallel()

	assert.False(t, IdleState().InFlow())
	assert.True(t, RunningState("flow-1", nil).InFlow())
	assert.True(t, PausedInputState("flow-1", "n", "v", nil).AwaitingInput())
	assert.False(t, PausedDelayState("flow-1", "n", time.Now(), nil).AwaitingInput())
}

func TestKeyedLockSerializesPerKey(t *testing.T) {
	t.Parallel()

	locks := NewKeyedLock()
	id := uuid.New()

	var (
		order []int
		wg    sync.WaitGroup
	)
	unlock := locks.Lock(id)
	wg.Add(1)
	go func() {
		defer wg.Done()
		inner := locks.Lock(id)
		order = append(order, 2)
		inner()
	}()
	order = append(order, 1)
	unlock()
	wg.Wait()

	assert.Equal(t, []int{1, 2}, order)

	// Other keys are independent.
	otherUnlock := locks.Lock(uuid.New())
	otherUnlock()
}
