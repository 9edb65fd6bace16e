package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestBackgroundTaskManager_RunsUntilStopped(t *testing.T) {
	m := NewBackgroundTaskManagerWithRegisterer("test_", prometheus.NewRegistry())
	var runs int32
	m.Register(func(ctx context.Context) { atomic.AddInt32(&runs, 1) }, time.Millisecond, "counter")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, time.Millisecond)
	assert.False(t, m.StopAll(time.Second))

	stopped := atomic.LoadInt32(&runs)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&runs))
}

func TestBackgroundTaskManager_SurvivesPanics(t *testing.T) {
	m := NewBackgroundTaskManagerWithRegisterer("test_", prometheus.NewRegistry())
	var runs int32
	m.Register(func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
		panic("boom")
	}, time.Millisecond, "panicking")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, time.Millisecond)
	assert.False(t, m.StopAll(time.Second))
}

func TestBackgroundTaskManager_CancelsContextOnStop(t *testing.T) {
	m := NewBackgroundTaskManagerWithRegisterer("test_", prometheus.NewRegistry())
	started := make(chan struct{})
	m.Register(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, time.Hour, "blocking")

	<-started
	assert.False(t, m.StopAll(time.Second))
}
