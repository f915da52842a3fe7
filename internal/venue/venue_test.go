package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatchStreams_SplitsAtBatchSize(t *testing.T) {
	streams := make([]string, 125)
	for i := range streams {
		streams[i] = "sym"
	}

	batches := BatchStreams(streams)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[0], SubscribeBatchSize)
	assert.Len(t, batches[1], SubscribeBatchSize)
	assert.Len(t, batches[2], 25)
}

func TestReconnectBackoff_DoublesAndCaps(t *testing.T) {
	initial := time.Second
	max := 10 * time.Second

	assert.Equal(t, 1*time.Second, ReconnectBackoff(0, initial, max))
	assert.Equal(t, 2*time.Second, ReconnectBackoff(1, initial, max))
	assert.Equal(t, 4*time.Second, ReconnectBackoff(2, initial, max))
	assert.Equal(t, max, ReconnectBackoff(5, initial, max))
}
