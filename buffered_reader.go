package fiberio

// Read1 reads into one contiguous buffer. It must block the caller until at
// least one byte is delivered or an error is raised, and it must never
// return (0, nil) (spec §4.2: "never returns 0").
type Read1 func(dst []byte) (int, error)

// Read2 is a scatter read into two buffers (readv semantics: a fills
// completely before b receives anything), used by ReadRaw to bypass the
// internal buffer for large destinations while still refilling prefetch in
// the same syscall.
type Read2 func(a, b []byte) (int, error)

// BufferedReader amortizes syscall cost over a fixed prefetch buffer and
// implements the ReadRaw/ReadConsume primitives (spec §4.2). It never
// grows or reallocates buf after construction.
type BufferedReader struct {
	buf       []byte
	available int // [consumed, available) is the unread prefetch window
	consumed  int
}

// NewBufferedReader allocates a fixed-capacity prefetch buffer. Per spec §3
// the default capacity (when callers don't override it) is 16 KiB.
func NewBufferedReader(capacity int) *BufferedReader {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &BufferedReader{buf: make([]byte, capacity)}
}

// DefaultBufferSize is BufferedReader's capacity when none is specified
// (spec §3).
const DefaultBufferSize = 16 * 1024

// Buffered returns the number of unconsumed prefetched bytes.
func (r *BufferedReader) Buffered() int { return r.available - r.consumed }

// ReadRaw fills every byte of dst, first draining buffered prefetch, then
// issuing scatter reads that simultaneously satisfy the remaining demand
// and refill the prefetch buffer in one syscall (spec §4.2, §4.3 "scatter
// read rationale").
func (r *BufferedReader) ReadRaw(dst []byte, read2 Read2) error {
	if len(dst) == 0 {
		return nil
	}

	if r.Buffered() >= len(dst) {
		n := copy(dst, r.buf[r.consumed:r.available])
		r.consumed += n
		if r.consumed == r.available {
			r.consumed, r.available = 0, 0
		}
		return nil
	}

	filled := copy(dst, r.buf[r.consumed:r.available])
	r.consumed, r.available = 0, 0

	for filled < len(dst) {
		n, err := read2(dst[filled:], r.buf)
		if err != nil {
			return err
		}
		remain := len(dst) - filled
		if n <= remain {
			filled += n
			continue
		}
		// The scatter read overflowed into the internal buffer: the tail
		// populates it as fresh prefetch.
		filled = len(dst)
		r.available = n - remain
		r.consumed = 0
	}
	return nil
}

// ReadConsume calls consume with whatever is currently buffered, prefetching
// via read1 first if the buffer is empty. consume returns how many bytes of
// the slice it accepted; a return value greater than len(slice) is the
// sentinel for "need more data," triggering a full refill and another call
// (spec §4.2).
func (r *BufferedReader) ReadConsume(consume func(slice []byte) int, read1 Read1) error {
	for {
		if r.consumed == r.available {
			n, err := read1(r.buf)
			if err != nil {
				return err
			}
			r.consumed, r.available = 0, n
		}

		slice := r.buf[r.consumed:r.available]
		n := consume(slice)
		if n <= len(slice) {
			r.consumed += n
			if r.consumed == r.available {
				r.consumed, r.available = 0, 0
			}
			return nil
		}
		// Sentinel: consumer has taken the whole slice and wants more.
		r.consumed, r.available = 0, 0
	}
}

// Reset zeroes both indices without clearing memory (spec §4.2).
func (r *BufferedReader) Reset() {
	r.consumed, r.available = 0, 0
}
