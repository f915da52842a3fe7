package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_RouteIsDeterministic(t *testing.T) {
	r := NewRing()
	r.AddWorker(0)
	r.AddWorker(1)
	r.AddWorker(2)

	id1, ok := r.Route("BTCUSDT")
	require.True(t, ok)
	id2, _ := r.Route("BTCUSDT")
	assert.Equal(t, id1, id2)
}

func TestRing_DistributesAcrossWorkers(t *testing.T) {
	r := NewRing()
	for i := 0; i < 4; i++ {
		r.AddWorker(i)
	}

	counts := make(map[int]int)
	for i := 0; i < 2000; i++ {
		symbol := symbolFor(i)
		id, ok := r.Route(symbol)
		require.True(t, ok)
		counts[id]++
	}

	assert.Len(t, counts, 4, "every worker should receive at least one symbol")
	for _, c := range counts {
		assert.Greater(t, c, 0)
	}
}

func TestRing_RemoveWorker_OthersUnaffectedMostly(t *testing.T) {
	r := NewRing()
	r.AddWorker(0)
	r.AddWorker(1)
	r.AddWorker(2)

	before := make(map[string]int)
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "DOGEUSDT"}
	for _, s := range symbols {
		id, _ := r.Route(s)
		before[s] = id
	}

	r.RemoveWorker(1)

	moved := 0
	for _, s := range symbols {
		id, ok := r.Route(s)
		require.True(t, ok)
		if before[s] != 1 {
			assert.Equal(t, before[s], id, "%s was not on worker 1 and must not move", s)
		}
		if id != before[s] {
			moved++
		}
	}
	// Only symbols that were on worker 1 should have moved.
	assert.LessOrEqual(t, moved, len(symbols))
	assert.NotContains(t, r.Members(), 1)
}

func symbolFor(i int) string {
	symbols := []string{"BTC", "ETH", "SOL", "XRP", "DOGE", "ADA", "AVAX", "LINK", "DOT", "MATIC"}
	return symbols[i%len(symbols)] + "USDT" + string(rune('A'+i%26))
}
