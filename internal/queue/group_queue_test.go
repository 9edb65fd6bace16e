package queue

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginemaster/enginemaster/pkg/engine"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

func testJob(id string, priority int) *engine.JobRequest {
	return &engine.JobRequest{TaskId: id, Priority: priority, EngineType: "spark"}
}

func TestGroupQueue_EmptyHasNoMaxima(t *testing.T) {
	q := NewGroupQueue("g")
	_, ok := q.MaxPriority()
	assert.False(t, ok)
	_, ok = q.MaxEnqueueTime()
	assert.False(t, ok)
	_, ok = q.Head()
	assert.False(t, ok)
}

func TestGroupQueue_MaximaTrackAddAndRemove(t *testing.T) {
	q := NewGroupQueue("g")
	require.True(t, q.Add(testJob("a", 3), baseTime))
	require.True(t, q.Add(testJob("b", 9), baseTime.Add(2*time.Second)))
	require.True(t, q.Add(testJob("c", 5), baseTime.Add(time.Second)))

	p, _ := q.MaxPriority()
	assert.Equal(t, 9, p)
	ts, _ := q.MaxEnqueueTime()
	assert.Equal(t, baseTime.Add(2*time.Second), ts)

	require.True(t, q.Remove("b"))
	p, _ = q.MaxPriority()
	assert.Equal(t, 5, p)
	ts, _ = q.MaxEnqueueTime()
	assert.Equal(t, baseTime.Add(time.Second), ts)

	assert.False(t, q.Remove("b"))
	require.True(t, q.Remove("a"))
	require.True(t, q.Remove("c"))
	_, ok := q.MaxPriority()
	assert.False(t, ok)
	_, ok = q.MaxEnqueueTime()
	assert.False(t, ok)
}

func TestGroupQueue_RejectsDuplicateIds(t *testing.T) {
	q := NewGroupQueue("g")
	require.True(t, q.Add(testJob("a", 1), baseTime))
	assert.False(t, q.Add(testJob("a", 100), baseTime))
	p, _ := q.MaxPriority()
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, q.Size())
}

func TestGroupQueue_MaxPriorityMatchesMembersAfterRandomOperations(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	q := NewGroupQueue("g")
	members := map[string]int{}
	for i := 0; i < 2000; i++ {
		id := string(rune('a' + r.Intn(20)))
		if _, ok := members[id]; ok && r.Intn(2) == 0 {
			require.True(t, q.Remove(id))
			delete(members, id)
		} else if !ok {
			priority := r.Intn(50) - 10
			require.True(t, q.Add(testJob(id, priority), baseTime.Add(time.Duration(i)*time.Millisecond)))
			members[id] = priority
		}

		got, ok := q.MaxPriority()
		if len(members) == 0 {
			assert.False(t, ok)
			continue
		}
		expected := -1 << 31
		for _, p := range members {
			if p > expected {
				expected = p
			}
		}
		require.True(t, ok)
		require.Equal(t, expected, got)
		require.Equal(t, len(members), q.Size())
	}
}

func TestGroupQueue_HeadOrdersByPriorityThenArrival(t *testing.T) {
	q := NewGroupQueue("g")
	q.Add(testJob("low", 1), baseTime)
	q.Add(testJob("high-late", 5), baseTime.Add(2*time.Second))
	q.Add(testJob("high-early", 5), baseTime.Add(time.Second))

	head, ok := q.Head()
	require.True(t, ok)
	assert.Equal(t, "high-early", head.TaskId)

	require.True(t, q.MarkDispatched("high-early"))
	assert.False(t, q.MarkDispatched("high-early"))
	head, _ = q.Head()
	assert.Equal(t, "high-late", head.TaskId)

	q.MarkDispatched("high-late")
	head, _ = q.Head()
	assert.Equal(t, "low", head.TaskId)
	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, 3, q.Size())

	q.MarkDispatched("low")
	_, ok = q.Head()
	assert.False(t, ok)
}
