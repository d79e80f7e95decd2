package uartx

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkInvariants(t *testing.T, rb *RingBuffer) {
	t.Helper()
	require.Equal(t, rb.Cap(), rb.Used()+rb.Avail())
	require.LessOrEqual(t, rb.InFlight(), rb.Used())
	require.GreaterOrEqual(t, rb.Head(), 0)
	require.Less(t, rb.Head(), rb.Cap())
	require.GreaterOrEqual(t, rb.Tail(), 0)
	require.Less(t, rb.Tail(), rb.Cap())
}

func TestRingBuffer_InitRejectsBadCapacity(t *testing.T) {
	for _, c := range []int{0, -1, MaxBufSize + 1} {
		_, err := NewRingBuffer(c)
		require.Error(t, err, "capacity %d", c)
		assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
	}
	rb, err := NewRingBuffer(MaxBufSize)
	require.NoError(t, err)
	assert.Equal(t, MaxBufSize, rb.Avail())
}

// Capacity 8, filled one byte at a time: 5 bytes leave, one more wraps to
// the front, and draining it all gives the whole store back to the tail.
func TestRingBuffer_FullThenWrapOne(t *testing.T) {
	rb, err := NewRingBuffer(8)
	require.NoError(t, err)
	for b := byte(1); b <= 8; b++ {
		require.NoError(t, rb.AppendOne(b))
	}
	assert.Zero(t, rb.Avail())
	assert.Empty(t, rb.ContigTailSpace())

	assert.Equal(t, []byte{1, 2, 3, 4, 5}, rb.Get(5))
	require.NoError(t, rb.Consume(5))
	require.NoError(t, rb.AppendOne(9))
	assert.Equal(t, 4, rb.Used())
	assert.Equal(t, byte(6), rb.At(0))
	assert.Equal(t, byte(9), rb.At(3))
	checkInvariants(t, rb)

	assert.Equal(t, []byte{6, 7, 8}, rb.Get(8))
	assert.Equal(t, []byte{9}, rb.Get(8))
	require.NoError(t, rb.Consume(4))
	assert.Zero(t, rb.Head())
	assert.Zero(t, rb.Tail())
	assert.Len(t, rb.ContigTailSpace(), 8)
}

// Capacity 8: append 6, get 4, consume 4, append 5 (wraps), then get returns
// only the 2 bytes up to the wrap point.
func TestRingBuffer_WrapScenario(t *testing.T) {
	rb, err := NewRingBuffer(8)
	require.NoError(t, err)

	require.NoError(t, rb.Append([]byte("abcdef")))
	assert.Equal(t, 6, rb.Used())
	assert.Equal(t, 6, rb.Tail())

	span := rb.Get(4)
	assert.Equal(t, "abcd", string(span))
	assert.Equal(t, 4, rb.InFlight())
	require.NoError(t, rb.Consume(4))
	assert.Equal(t, 2, rb.Used())
	assert.Equal(t, 4, rb.Head())
	assert.Equal(t, 0, rb.InFlight())

	require.NoError(t, rb.Append([]byte("12345")))
	assert.Equal(t, 7, rb.Used())
	assert.Equal(t, 1, rb.Avail())
	assert.Equal(t, 3, rb.Tail())
	checkInvariants(t, rb)

	span = rb.Get(8)
	assert.Equal(t, "ef12", string(span))
	require.NoError(t, rb.Consume(len(span)))
	span = rb.Get(8)
	assert.Equal(t, "345", string(span))
	require.NoError(t, rb.Consume(len(span)))

	assert.Equal(t, 0, rb.Used())
	assert.Equal(t, 0, rb.Head())
	assert.Equal(t, 0, rb.Tail())
}

func TestRingBuffer_GetStopsAtWrapPoint(t *testing.T) {
	rb, err := NewRingBuffer(8)
	require.NoError(t, err)
	require.NoError(t, rb.Append([]byte("abcdef")))
	require.NoError(t, rb.Consume(len(rb.Get(5))))
	require.NoError(t, rb.Append([]byte("ghij")))

	// Data is "f" + "gh" at the end, "ij" wrapped to the start.
	span := rb.Get(100)
	assert.Equal(t, "fgh", string(span))
	span2 := rb.Get(100)
	assert.Equal(t, "ij", string(span2))
	assert.Equal(t, 5, rb.InFlight())
	assert.Nil(t, rb.Get(100))
	checkInvariants(t, rb)
}

func TestRingBuffer_InFlightDoesNotBlockProducer(t *testing.T) {
	rb, err := NewRingBuffer(16)
	require.NoError(t, err)
	require.NoError(t, rb.Append([]byte("hello")))
	span := rb.Get(3)
	require.Equal(t, "hel", string(span))

	require.NoError(t, rb.Append([]byte(" world")))
	assert.Equal(t, 11, rb.Used())
	assert.Equal(t, 3, rb.InFlight())

	require.NoError(t, rb.Consume(3))
	assert.Equal(t, "lo world", string(rb.Get(100)))
}

func TestRingBuffer_ContractViolations(t *testing.T) {
	rb, err := NewRingBuffer(4)
	require.NoError(t, err)

	err = rb.Append([]byte("12345"))
	assert.Equal(t, ErrContractViolation, errors.Cause(err))
	assert.Equal(t, 0, rb.Used())

	require.NoError(t, rb.Append([]byte("1234")))
	assert.Equal(t, ErrContractViolation, errors.Cause(rb.AppendOne('x')))

	// Consuming more than is in flight is refused.
	rb.Get(2)
	assert.Equal(t, ErrContractViolation, errors.Cause(rb.Consume(3)))
	assert.Equal(t, ErrContractViolation, errors.Cause(rb.Consume(-1)))
	require.NoError(t, rb.Consume(2))

	assert.Equal(t, ErrContractViolation, errors.Cause(rb.AdvanceTail(3)))
	checkInvariants(t, rb)
}

func TestRingBuffer_ContigTailSpace(t *testing.T) {
	rb, err := NewRingBuffer(8)
	require.NoError(t, err)

	space := rb.ContigTailSpace()
	require.Len(t, space, 8)
	copy(space, "abc")
	require.NoError(t, rb.AdvanceTail(3))
	assert.Equal(t, byte('b'), rb.At(1))

	require.NoError(t, rb.Consume(len(rb.Get(2))))
	// tail=3, head=2: space runs to the end of the store.
	assert.Len(t, rb.ContigTailSpace(), 5)
	require.NoError(t, rb.AdvanceTail(5))
	// Wrapped: only the bytes before head remain.
	space = rb.ContigTailSpace()
	assert.Len(t, space, 2)
	copy(space, "yz")
	require.NoError(t, rb.AdvanceTail(2))
	assert.Nil(t, rb.ContigTailSpace())
	assert.Equal(t, 8, rb.Used())
	assert.Equal(t, byte('y'), rb.At(6))
	checkInvariants(t, rb)
}

func TestRingBuffer_ClearAndDeinit(t *testing.T) {
	rb, err := NewRingBuffer(8)
	require.NoError(t, err)
	require.NoError(t, rb.Append([]byte("abcde")))
	rb.Get(2)

	rb.Clear()
	assert.Equal(t, 0, rb.Used())
	assert.Equal(t, 0, rb.InFlight())
	assert.Equal(t, 8, rb.Avail())
	checkInvariants(t, rb)

	rb.Deinit()
	assert.Equal(t, 0, rb.Cap())
	assert.NoError(t, rb.Append(nil))
	assert.NoError(t, rb.Consume(0))
}

// Random producer/consumer traffic must come out in order and keep the
// accounting invariants after every step.
func TestRingBuffer_RandomTrafficPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rb, err := NewRingBuffer(37)
	require.NoError(t, err)

	var next, want byte
	for step := 0; step < 5000; step++ {
		if rng.Intn(2) == 0 {
			n := rng.Intn(rb.Avail() + 1)
			p := make([]byte, n)
			for i := range p {
				p[i] = next
				next++
			}
			if rng.Intn(2) == 0 {
				require.NoError(t, rb.Append(p))
			} else {
				for _, b := range p {
					require.NoError(t, rb.AppendOne(b))
				}
			}
		} else {
			span := rb.Get(rng.Intn(20) + 1)
			for _, b := range span {
				require.Equal(t, want, b)
				want++
			}
			require.NoError(t, rb.Consume(len(span)))
		}
		checkInvariants(t, rb)
	}
}
