package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(3*time.Second, func() { fired++ })
	require.Equal(t, 1, c.PendingCount())

	c.Advance(2 * time.Second)
	assert.Equal(t, 0, fired)

	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, c.PendingCount())

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "one-shot timers fire once")
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	assert.Equal(t, 0, c.PendingCount())

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeCallbackCanReschedule(t *testing.T) {
	c := Fake(epoch)
	var fires []time.Time
	var schedule func()
	schedule = func() {
		c.AfterFunc(time.Second, func() {
			fires = append(fires, c.Now())
			if len(fires) < 3 {
				schedule()
			}
		})
	}
	schedule()

	c.Advance(time.Second)
	c.Advance(time.Second)
	c.Advance(time.Second)
	require.Len(t, fires, 3)
	assert.Equal(t, epoch.Add(3*time.Second), fires[2])
}

func TestFakeAfterAndWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(5 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("After channel never fired")
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case at := <-ticker.C:
		assert.Equal(t, epoch.Add(time.Second), at)
	default:
		t.Fatal("expected a tick")
	}
	assert.Equal(t, 1, c.PendingCount())
}
