package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPlanThreeOrMoreDevices(t *testing.T) {
	p := BuildPlan(4)
	assert.Equal(t, 0, p.EmbedderDev)
	assert.Equal(t, 1, p.RerankerDev)
	assert.Equal(t, []int{2, 3}, p.LLMDevices)
	assert.False(t, p.Collapsed, "expected no collapse with 4 devices")
}

func TestBuildPlanTwoDevicesCollapsesRerankerAndLLM(t *testing.T) {
	p := BuildPlan(2)
	require.True(t, p.Collapsed, "expected collapse with 2 devices")
	require.Len(t, p.LLMDevices, 1)
	assert.Equal(t, p.RerankerDev, p.LLMDevices[0])
}

func TestBuildPlanSingleDeviceCollapsesEverything(t *testing.T) {
	p := BuildPlan(1)
	assert.Equal(t, 0, p.EmbedderDev)
	assert.Equal(t, 0, p.RerankerDev)
	require.Len(t, p.LLMDevices, 1)
	assert.Equal(t, 0, p.LLMDevices[0])
	assert.True(t, p.Collapsed, "expected collapse with 1 device")
}

func TestLLMRotationRoundRobins(t *testing.T) {
	p := BuildPlan(4)
	rr := p.LLMRotation()
	seen := []int{rr.Next(), rr.Next(), rr.Next(), rr.Next()}
	assert.Equal(t, []int{2, 3, 2, 3}, seen)
}

type fakeUnloadable struct{ unloaded bool }

func (f *fakeUnloadable) Unload() { f.unloaded = true }

func TestAcquireDeviceUnloadsPriorOccupantOnCollapsedDevice(t *testing.T) {
	p := BuildPlan(2)
	o := New(p)
	reranker := &fakeUnloadable{}
	o.Register(RoleReranker, reranker)

	require.NoError(t, o.AcquireDevice(nil, 1, RoleReranker))
	require.NoError(t, o.AcquireDevice(nil, 1, RoleLLM))
	assert.True(t, reranker.unloaded, "expected reranker unloaded when LLM pool takes the shared device")
}
