package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_AdvanceFiresIntervalInOrder(t *testing.T) {
	m := NewMock(1000)

	var fired []string
	m.SetInterval(func() { fired = append(fired, "a") }, 10*time.Millisecond)
	m.SetInterval(func() { fired = append(fired, "b") }, 25*time.Millisecond)

	m.Advance(30 * time.Millisecond)

	assert.Equal(t, []string{"a", "a", "b", "a"}, fired)
}

func TestMock_ClearIntervalStopsFiring(t *testing.T) {
	m := NewMock(0)

	count := 0
	id := m.SetInterval(func() { count++ }, 5*time.Millisecond)
	m.Advance(12 * time.Millisecond)
	require.Equal(t, 2, count)

	m.ClearInterval(id)
	m.Advance(100 * time.Millisecond)
	assert.Equal(t, 2, count)
}

func TestMock_DebounceCoalescesBursts(t *testing.T) {
	m := NewMock(0)

	calls := 0
	trigger := m.Debounce(func() { calls++ }, 50*time.Millisecond)

	trigger()
	m.Advance(10 * time.Millisecond)
	trigger() // resets the window
	m.Advance(10 * time.Millisecond)
	trigger()
	assert.Equal(t, 0, calls)

	m.Advance(60 * time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestMock_FlushFiresAllPending(t *testing.T) {
	m := NewMock(0)

	a, b := 0, 0
	m.SetInterval(func() { a++ }, 5*time.Millisecond)
	trigger := m.Debounce(func() { b++ }, 5*time.Millisecond)
	trigger()

	m.Flush()
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}
