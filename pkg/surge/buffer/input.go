// Package buffer provides the fixed-capacity I/O buffers a connection owns:
// an input buffer with peek/read/mark/skip semantics and an output buffer
// with an attached outgoing queue.
package buffer

import (
	"encoding/binary"
	"errors"
	"io"
)

// Input errors
var (
	// ErrShortRead indicates a read or skip past the end cursor
	ErrShortRead = errors.New("buffer: read past end of buffered data")

	// ErrNoMark indicates ResetToMark without a prior Mark
	ErrNoMark = errors.New("buffer: no mark set")

	// ErrOverflow indicates adopted or appended data exceeds capacity
	ErrOverflow = errors.New("buffer: data exceeds capacity")

	// ErrWouldBlock is returned by non-blocking channel readers handed to
	// AddData when the kernel has no bytes ready
	ErrWouldBlock = errors.New("buffer: operation would block")
)

const noMark = -1

// Input is a fixed-capacity input buffer with a read cursor, an end cursor,
// and an optional mark cursor.
//
// Invariant: 0 <= read <= mark (if set) <= end <= capacity.
// Peek methods never advance the read cursor; reads past end fail with
// ErrShortRead and leave the cursor unchanged.
type Input struct {
	buf  []byte
	read int
	mark int
	end  int
}

// NewInput creates an input buffer with the given capacity.
func NewInput(capacity int) *Input {
	return &Input{buf: make([]byte, capacity), mark: noMark}
}

// Cap returns the buffer capacity.
func (in *Input) Cap() int { return len(in.buf) }

// Len returns the number of unread bytes.
func (in *Input) Len() int { return in.end - in.read }

// Available reports whether at least n unread bytes are buffered.
func (in *Input) Available(n int) bool { return in.end-in.read >= n }

// Mark records the current read position. A later ResetToMark rewinds to it.
func (in *Input) Mark() { in.mark = in.read }

// ClearMark drops the mark without moving the read cursor.
func (in *Input) ClearMark() { in.mark = noMark }

// ResetToMark rewinds the read cursor to the mark and returns the number of
// bytes that had been consumed past it. The mark stays set.
func (in *Input) ResetToMark() (int, error) {
	if in.mark == noMark {
		return 0, ErrNoMark
	}
	n := in.read - in.mark
	in.read = in.mark
	return n, nil
}

// NumMarkedBytes returns how many bytes the read cursor has advanced past
// the mark, or 0 if no mark is set.
func (in *Input) NumMarkedBytes() int {
	if in.mark == noMark {
		return 0
	}
	return in.read - in.mark
}

// PeekByte returns the byte at the given offset from the read cursor
// without consuming it.
func (in *Input) PeekByte(offset int) (byte, error) {
	if in.read+offset >= in.end {
		return 0, ErrShortRead
	}
	return in.buf[in.read+offset], nil
}

// ReadByte consumes and returns one byte.
func (in *Input) ReadByte() (byte, error) {
	if !in.Available(1) {
		return 0, ErrShortRead
	}
	b := in.buf[in.read]
	in.read++
	return b, nil
}

// ReadUint16 consumes a big-endian 16-bit unsigned integer.
func (in *Input) ReadUint16() (uint16, error) {
	if !in.Available(2) {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint16(in.buf[in.read:])
	in.read += 2
	return v, nil
}

// ReadUint24 consumes a big-endian 24-bit unsigned integer.
func (in *Input) ReadUint24() (uint32, error) {
	if !in.Available(3) {
		return 0, ErrShortRead
	}
	v := uint32(in.buf[in.read])<<16 | uint32(in.buf[in.read+1])<<8 | uint32(in.buf[in.read+2])
	in.read += 3
	return v, nil
}

// ReadUint31 consumes a big-endian 32-bit value with the top (reserved) bit
// masked off.
func (in *Input) ReadUint31() (uint32, error) {
	v, err := in.ReadUint32()
	return uint32(v) & 0x7fffffff, err
}

// ReadInt32 consumes a big-endian signed 32-bit integer.
func (in *Input) ReadInt32() (int32, error) {
	v, err := in.ReadUint32()
	return int32(v), err
}

// ReadUint32 consumes a big-endian 32-bit unsigned integer. The result is
// returned widened so callers can accumulate without overflow.
func (in *Input) ReadUint32() (uint64, error) {
	if !in.Available(4) {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint32(in.buf[in.read:])
	in.read += 4
	return uint64(v), nil
}

// ReadUint64 consumes a big-endian 64-bit unsigned integer.
func (in *Input) ReadUint64() (uint64, error) {
	if !in.Available(8) {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint64(in.buf[in.read:])
	in.read += 8
	return v, nil
}

// ReadBytes copies n bytes into dst at off and consumes them.
func (in *Input) ReadBytes(dst []byte, off, n int) error {
	if !in.Available(n) {
		return ErrShortRead
	}
	copy(dst[off:off+n], in.buf[in.read:in.read+n])
	in.read += n
	return nil
}

// ReadString consumes n bytes and returns them as a string.
func (in *Input) ReadString(n int) (string, error) {
	if !in.Available(n) {
		return "", ErrShortRead
	}
	s := string(in.buf[in.read : in.read+n])
	in.read += n
	return s, nil
}

// Skip consumes n bytes.
func (in *Input) Skip(n int) error {
	if !in.Available(n) {
		return ErrShortRead
	}
	in.read += n
	return nil
}

// PrefixMatch reports whether the unread data begins with pattern. It never
// consumes; false is returned when fewer than len(pattern) bytes are
// buffered.
func (in *Input) PrefixMatch(pattern []byte) bool {
	if !in.Available(len(pattern)) {
		return false
	}
	for i, b := range pattern {
		if in.buf[in.read+i] != b {
			return false
		}
	}
	return true
}

// IndexCRLF returns the offset from the read cursor of the first CRLF in
// the unread data, or -1 when none is buffered yet. The offset addresses
// the CR byte.
func (in *Input) IndexCRLF() int {
	for i := in.read; i+1 < in.end; i++ {
		if in.buf[i] == '\r' && in.buf[i+1] == '\n' {
			return i - in.read
		}
	}
	return -1
}

// Peek returns the unread data without consuming it. The slice aliases the
// internal storage and is invalidated by the next mutation.
func (in *Input) Peek() []byte { return in.buf[in.read:in.end] }

// AddData reads once from r into the free space, compacting first when the
// end cursor has hit capacity. Returns true iff the buffer is full after
// the read, meaning more bytes may still be pending in the kernel.
func (in *Input) AddData(r io.Reader) (bool, error) {
	if in.end == len(in.buf) {
		in.compact()
	}
	if in.end == len(in.buf) {
		return true, nil
	}
	n, err := r.Read(in.buf[in.end:])
	if n > 0 {
		in.end += n
	}
	if err != nil {
		return in.end == len(in.buf), err
	}
	return in.end == len(in.buf), nil
}

// Append copies p into the buffer, compacting if needed. Fails with
// ErrOverflow when p does not fit. Used by tests and the upgrade path.
func (in *Input) Append(p []byte) error {
	if len(p) > len(in.buf)-in.end {
		in.compact()
	}
	if len(p) > len(in.buf)-in.end {
		return ErrOverflow
	}
	copy(in.buf[in.end:], p)
	in.end += len(p)
	return nil
}

// Adopt copies the unread suffix of another buffer into this one's start,
// discarding anything this buffer held. Used on protocol upgrade to carry
// bytes already received into the new connection context.
func (in *Input) Adopt(other *Input) error {
	n := other.Len()
	if n > len(in.buf) {
		return ErrOverflow
	}
	copy(in.buf, other.buf[other.read:other.end])
	in.read = 0
	in.end = n
	in.mark = noMark
	return nil
}

// Reset discards all buffered data and the mark.
func (in *Input) Reset() {
	in.read = 0
	in.end = 0
	in.mark = noMark
}

// compact moves the preserved region to the front of the buffer. If a mark
// is set everything from the mark onward is preserved, otherwise from the
// read cursor.
func (in *Input) compact() {
	from := in.read
	if in.mark != noMark && in.mark < from {
		from = in.mark
	}
	if from == 0 {
		return
	}
	copy(in.buf, in.buf[from:in.end])
	in.read -= from
	in.end -= from
	if in.mark != noMark {
		in.mark -= from
	}
}
