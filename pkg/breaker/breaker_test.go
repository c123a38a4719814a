package breaker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRateLimit_BreaksAboveThreshold(t *testing.T) {
	mock := clock.NewMock()
	b := NewRateLimit(time.Second, 3, WithClock(mock))

	for i := 0; i < 3; i++ {
		b.RecordEvent()
	}
	assert.False(t, b.ShouldBreak(), "exactly at threshold")

	b.RecordEvent()
	assert.True(t, b.ShouldBreak())
}

func TestRateLimit_WindowSlides(t *testing.T) {
	mock := clock.NewMock()
	b := NewRateLimit(time.Second, 2, WithClock(mock))

	b.RecordEvent()
	mock.Add(600 * time.Millisecond)
	b.RecordEvent()
	b.RecordEvent()
	assert.True(t, b.ShouldBreak())

	// 第一个事件滑出窗口
	mock.Add(500 * time.Millisecond)
	assert.False(t, b.ShouldBreak())
	assert.Equal(t, 2, b.Count())

	mock.Add(time.Second)
	assert.Equal(t, 0, b.Count())
}

func TestRateLimit_BoundedMemory(t *testing.T) {
	mock := clock.NewMock()
	b := NewRateLimit(time.Minute, 5, WithClock(mock))

	for i := 0; i < 1000; i++ {
		b.RecordEvent()
	}
	assert.True(t, b.ShouldBreak())
	assert.Equal(t, 6, b.Count())
}
