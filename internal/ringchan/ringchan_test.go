package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)

	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}

	// 1 and 2 were discarded to make room.
	assert.Equal(t, []int{3, 4, 5}, got)

	written, overwritten := rc.Stats()
	assert.Equal(t, int64(5), written)
	assert.Equal(t, int64(2), overwritten)
}

func TestRingChannel_SendReportsDrop(t *testing.T) {
	rc := New[string](1)

	assert.False(t, rc.Send("a"))
	assert.True(t, rc.Send("b"))
}

func TestRingChannel_LenCap(t *testing.T) {
	rc := New[int](4)
	require.Equal(t, 4, rc.Cap())

	rc.Send(1)
	rc.Send(2)
	assert.Equal(t, 2, rc.Len())
}

func TestNew_PanicsOnZeroCap(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
