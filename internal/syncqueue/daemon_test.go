package syncqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDaemon_FailureBackoffSchedule(t *testing.T) {
	bo := newBackOff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "failure %d", i+1)
	}

	// A successful cycle starts the schedule over.
	bo.Reset()
	assert.Equal(t, 1*time.Second, bo.NextBackOff())
}
