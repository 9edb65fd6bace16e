package queue

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

func TestManager_GetCreatesOneQueuePerEngineType(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewManager(Config{MaxGroupQueueLength: 2, DefaultGroup: "shared"}, logger)

	spark := m.Get("spark")
	assert.Same(t, spark, m.Get("spark"))
	flink := m.Get("flink")
	assert.NotSame(t, spark, flink)
	assert.Equal(t, []string{"flink", "spark"}, m.EngineTypes())

	spark.Add(&engine.JobRequest{TaskId: "a", Priority: 4}, baseTime)
	spark.Add(&engine.JobRequest{TaskId: "b", GroupName: "g", Priority: 1}, baseTime)
	assert.True(t, spark.CheckCanAddToWaitQueue("shared"))
	spark.Add(&engine.JobRequest{TaskId: "c", Priority: 2}, baseTime)
	assert.False(t, spark.CheckCanAddToWaitQueue("shared"))

	assert.Equal(t, map[string]map[string]int{
		"spark": {"shared": 4, "g": 1},
		"flink": {},
	}, m.Priorities())
}

func TestPrioritySnapshot_CloneIsDeep(t *testing.T) {
	s := PrioritySnapshot{"node-a": {"g": 1}}
	c := s.Clone()
	c["node-a"]["g"] = 2
	assert.Equal(t, 1, s["node-a"]["g"])
	assert.Nil(t, PrioritySnapshot(nil).Clone())
}
