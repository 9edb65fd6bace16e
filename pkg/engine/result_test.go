package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobResult_Success(t *testing.T) {
	r := NewSuccessResult("driver-001")
	assert.False(t, r.IsErr())
	assert.Equal(t, "driver-001", r.EngineJobId())
	assert.Empty(t, r.Message())
}

func TestJobResult_Error(t *testing.T) {
	r := NewErrorResult("no resources")
	assert.True(t, r.IsErr())
	assert.Equal(t, "no resources", r.Message())
	assert.Empty(t, r.EngineJobId())

	assert.Equal(t, "boom", NewErrorResultFromError(fmt.Errorf("boom")).Message())
	assert.True(t, NewErrorResultFromError(nil).IsErr())
}

func TestJobResult_WithDataLeavesOriginalUntouched(t *testing.T) {
	r := NewSuccessResult("driver-001")
	extended := r.WithData("appId", "app-1")

	_, ok := r.Data("appId")
	assert.False(t, ok)
	v, ok := extended.Data("appId")
	assert.True(t, ok)
	assert.Equal(t, "app-1", v)
	assert.Equal(t, "driver-001", extended.EngineJobId())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusFinished.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusWaitCompute.IsTerminal())
	assert.False(t, StatusNone.IsTerminal())
	assert.Equal(t, "NONE", StatusNone.String())
}

func TestResourceInfo_CanAccept(t *testing.T) {
	var unknown *ResourceInfo
	assert.True(t, unknown.CanAccept(4, 1024))
	assert.True(t, (&ResourceInfo{}).CanAccept(4, 1024))

	info := &ResourceInfo{AliveWorkers: 2, TotalCores: 8, UsedCores: 6, TotalMemoryMB: 4096, UsedMemoryMB: 1024}
	assert.Equal(t, 2, info.FreeCores())
	assert.Equal(t, 3072.0, info.FreeMemoryMB())
	assert.True(t, info.CanAccept(2, 2048))
	assert.False(t, info.CanAccept(3, 2048))
	assert.False(t, info.CanAccept(1, 4000))
}

func TestLogBundle(t *testing.T) {
	b := NewDiagnosticBundle("driver-1", "can not get message from /")
	assert.Equal(t, []string{"driver-1: can not get message from /"}, b.Lines())

	b.AddDriverLog("driver-1", "started")
	assert.Len(t, b.Lines(), 2)
	assert.True(t, strings.Contains(b.String(), `"driverLog"`))
}
