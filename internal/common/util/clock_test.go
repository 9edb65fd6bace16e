package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDummyClock_Advance(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewDummyClock(start)
	assert.Equal(t, start, c.Now())
	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())
}

func TestNewTaskId_Sortable(t *testing.T) {
	first := NewTaskId()
	second := NewTaskId()
	assert.Len(t, first, 26)
	assert.Less(t, first, second)
}
