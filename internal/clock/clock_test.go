package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickForRequestTakesMax(t *testing.T) {
	c := New()

	// Peer not ahead of us: plain increment.
	assert.Equal(t, int64(1), c.TickForRequest(0))
	// Peer ahead of us: jump past it.
	assert.Equal(t, int64(11), c.TickForRequest(10))
	// Equal peer still advances.
	assert.Equal(t, int64(12), c.TickForRequest(11))
}

func TestTickForInternal(t *testing.T) {
	c := New()
	assert.Equal(t, int64(1), c.TickForInternal())
	assert.Equal(t, int64(2), c.TickForInternal())
}

func TestInitSeedsBothScalars(t *testing.T) {
	c := New()
	c.Init(5, 10)

	assert.Equal(t, int64(5), c.Now())
	assert.Equal(t, uint64(10), c.UpdateSeq())
	assert.Equal(t, int64(6), c.TickForInternal())
}

func TestTickAndBumpForPut(t *testing.T) {
	c := New()

	lamport, seq := c.TickAndBumpForPut(3)
	assert.Equal(t, int64(4), lamport)
	assert.Equal(t, uint64(1), seq)

	lamport, seq = c.TickAndBumpForPut(0)
	assert.Equal(t, int64(5), lamport)
	assert.Equal(t, uint64(2), seq)
}

// Concurrent admissions must produce unique sequence numbers and
// unique lamport values.
func TestTickAndBumpForPutConcurrent(t *testing.T) {
	const writers = 50

	c := New()
	var wg sync.WaitGroup
	seqs := make(chan uint64, writers)
	lamports := make(chan int64, writers)

	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lamport, seq := c.TickAndBumpForPut(7)
			lamports <- lamport
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)
	close(lamports)

	seenSeq := make(map[uint64]bool)
	for s := range seqs {
		require.False(t, seenSeq[s], "duplicate update sequence %d", s)
		seenSeq[s] = true
	}
	assert.Len(t, seenSeq, writers)

	seenLamport := make(map[int64]bool)
	for l := range lamports {
		require.False(t, seenLamport[l], "duplicate lamport %d", l)
		seenLamport[l] = true
	}

	assert.Equal(t, uint64(writers), c.UpdateSeq())
	assert.GreaterOrEqual(t, c.Now(), int64(writers))
}
