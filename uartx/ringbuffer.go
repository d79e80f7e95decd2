package uartx

import "github.com/pkg/errors"

// MaxBufSize bounds the capacity of a single ring buffer.
const MaxBufSize = 1 << 20

// RingBuffer is a fixed-capacity circular byte buffer. Bytes are appended at
// the tail and consumed from the head. Get hands out contiguous spans for
// zero-copy transfer and marks them in flight until Consume removes them.
//
// RingBuffer has no locking of its own. The owner serialises access.
type RingBuffer struct {
	data     []byte
	head     int
	tail     int
	used     int
	inFlight int
}

// NewRingBuffer returns a ring buffer with the given capacity.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	rb := &RingBuffer{}
	if err := rb.Init(capacity); err != nil {
		return nil, err
	}
	return rb, nil
}

// Init allocates a zeroed backing store of capacity bytes and empties the buffer.
func (rb *RingBuffer) Init(capacity int) error {
	if capacity <= 0 || capacity > MaxBufSize {
		return errors.Wrapf(ErrInvalidConfig, "ring buffer capacity %d", capacity)
	}
	rb.data = make([]byte, capacity)
	rb.head, rb.tail, rb.used, rb.inFlight = 0, 0, 0, 0
	return nil
}

// Deinit releases the backing store. The buffer has zero capacity afterwards.
func (rb *RingBuffer) Deinit() {
	*rb = RingBuffer{}
}

// Clear drops all buffered data without touching the backing store.
func (rb *RingBuffer) Clear() {
	rb.head, rb.tail, rb.used, rb.inFlight = 0, 0, 0, 0
}

// Cap returns the capacity in bytes.
func (rb *RingBuffer) Cap() int { return len(rb.data) }

// Used returns the number of bytes logically stored, in flight or not.
func (rb *RingBuffer) Used() int { return rb.used }

// Avail returns the free space in bytes.
func (rb *RingBuffer) Avail() int { return len(rb.data) - rb.used }

// InFlight returns the number of bytes handed out by Get and not yet consumed.
func (rb *RingBuffer) InFlight() int { return rb.inFlight }

// Head returns the index of the oldest stored byte.
func (rb *RingBuffer) Head() int { return rb.head }

// Tail returns the index the next appended byte is written to.
func (rb *RingBuffer) Tail() int { return rb.tail }

// Append copies p in at the tail, wrapping as needed. len(p) must not exceed Avail.
func (rb *RingBuffer) Append(p []byte) error {
	if len(p) > rb.Avail() {
		return errors.Wrapf(ErrContractViolation, "append %d bytes with %d free", len(p), rb.Avail())
	}
	if len(p) == 0 {
		return nil
	}
	n := copy(rb.data[rb.tail:], p)
	copy(rb.data, p[n:])
	rb.tail = (rb.tail + len(p)) % len(rb.data)
	rb.used += len(p)
	return nil
}

// AppendOne appends a single byte. Avail must be at least 1.
func (rb *RingBuffer) AppendOne(b byte) error {
	if rb.used == len(rb.data) {
		return errors.Wrap(ErrContractViolation, "append to full buffer")
	}
	rb.data[rb.tail] = b
	rb.tail++
	if rb.tail == len(rb.data) {
		rb.tail = 0
	}
	rb.used++
	return nil
}

// At returns the byte at logical offset i from the head without consuming it.
// i is not checked against Used.
func (rb *RingBuffer) At(i int) byte {
	return rb.data[(rb.head+i)%len(rb.data)]
}

// Get returns the next contiguous span of stored bytes that are not yet in
// flight, at most max bytes long, and marks it in flight. The span never
// crosses the wrap point, so it may be shorter than what is buffered. It
// aliases the backing store and stays valid until Consume or Clear.
func (rb *RingBuffer) Get(max int) []byte {
	remaining := rb.used - rb.inFlight
	if max <= 0 || remaining == 0 {
		return nil
	}
	start := (rb.head + rb.inFlight) % len(rb.data)
	n := min(max, remaining, len(rb.data)-start)
	rb.inFlight += n
	return rb.data[start : start+n]
}

// Consume removes n in-flight bytes from the head. When the buffer becomes
// empty the indices return to zero so later spans are as long as possible.
func (rb *RingBuffer) Consume(n int) error {
	if n < 0 || n > rb.inFlight {
		return errors.Wrapf(ErrContractViolation, "consume %d bytes with %d in flight", n, rb.inFlight)
	}
	if n == 0 {
		return nil
	}
	rb.head = (rb.head + n) % len(rb.data)
	rb.used -= n
	rb.inFlight -= n
	if rb.used == 0 {
		rb.head, rb.tail, rb.inFlight = 0, 0, 0
	}
	return nil
}

// ContigTailSpace returns the writable span at the tail, ending at the wrap
// point or at the head, whichever comes first. Commit with AdvanceTail.
func (rb *RingBuffer) ContigTailSpace() []byte {
	if rb.used == len(rb.data) {
		return nil
	}
	end := len(rb.data)
	if rb.tail < rb.head {
		end = rb.head
	}
	return rb.data[rb.tail:end]
}

// AdvanceTail commits n bytes written through ContigTailSpace.
func (rb *RingBuffer) AdvanceTail(n int) error {
	if n < 0 || n > len(rb.ContigTailSpace()) {
		return errors.Wrapf(ErrContractViolation, "advance tail by %d", n)
	}
	if n == 0 {
		return nil
	}
	rb.tail = (rb.tail + n) % len(rb.data)
	rb.used += n
	return nil
}
