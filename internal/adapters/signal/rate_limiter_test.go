package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSenderLimiterWindow(t *testing.T) {
	rl := NewSenderLimiter(2, 30*time.Millisecond)
	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.Allow("alice"))
}

func TestSenderLimiterDisabled(t *testing.T) {
	rl := NewSenderLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("alice"))
	}
	var nilLimiter *SenderLimiter
	assert.True(t, nilLimiter.Allow("alice"))
}
