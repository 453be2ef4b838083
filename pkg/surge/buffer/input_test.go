package buffer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputReadsBigEndian(t *testing.T) {
	in := NewInput(64)
	require.NoError(t, in.Append([]byte{
		0x01,                   // byte
		0x01, 0x02,             // u16
		0x01, 0x02, 0x03,       // u24
		0xff, 0xff, 0xff, 0xff, // u31 (top bit masked)
		0x00, 0x00, 0x00, 0x2a, // i32
		0x80, 0x00, 0x00, 0x01, // u32
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x09, // u64
	}))

	b, err := in.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)

	u16, err := in.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), u16)

	u24, err := in.ReadUint24()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x010203), u24)

	u31, err := in.ReadUint31()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7fffffff), u31)

	i32, err := in.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(42), i32)

	u32, err := in.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80000001), u32)

	u64, err := in.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(9), u64)

	assert.Equal(t, 0, in.Len())
}

func TestInputReadPastEndFails(t *testing.T) {
	in := NewInput(8)
	require.NoError(t, in.Append([]byte{0x01}))

	_, err := in.ReadUint16()
	assert.ErrorIs(t, err, ErrShortRead)

	// The failed read must not move the cursor.
	b, err := in.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)
}

func TestInputPeekDoesNotAdvance(t *testing.T) {
	in := NewInput(8)
	require.NoError(t, in.Append([]byte("abc")))

	b, err := in.PeekByte(1)
	require.NoError(t, err)
	assert.Equal(t, byte('b'), b)
	assert.Equal(t, 3, in.Len())

	_, err = in.PeekByte(3)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestInputMarkResetAndCount(t *testing.T) {
	in := NewInput(16)
	require.NoError(t, in.Append([]byte("hello world")))

	in.Mark()
	require.NoError(t, in.Skip(5))
	assert.Equal(t, 5, in.NumMarkedBytes())

	n, err := in.ResetToMark()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	s, err := in.ReadString(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestInputResetToMarkWithoutMark(t *testing.T) {
	in := NewInput(4)
	_, err := in.ResetToMark()
	assert.ErrorIs(t, err, ErrNoMark)
}

func TestInputCompactionPreservesFromMark(t *testing.T) {
	in := NewInput(8)
	require.NoError(t, in.Append([]byte("abcdefgh")))

	require.NoError(t, in.Skip(4))
	in.Mark()
	require.NoError(t, in.Skip(2))

	// The buffer is full; appending compacts from the mark.
	require.NoError(t, in.Append([]byte("ij")))

	_, err := in.ResetToMark()
	require.NoError(t, err)
	s, err := in.ReadString(6)
	require.NoError(t, err)
	assert.Equal(t, "efghij", s)
}

func TestInputPrefixMatch(t *testing.T) {
	in := NewInput(32)
	require.NoError(t, in.Append([]byte("PRI * HTTP/2.0\r\n")))

	assert.True(t, in.PrefixMatch([]byte("PRI * ")))
	assert.False(t, in.PrefixMatch([]byte("GET ")))
	// Too little data buffered for the full pattern.
	assert.False(t, in.PrefixMatch(bytes.Repeat([]byte("x"), 20)))
	assert.Equal(t, 16, in.Len())
}

func TestInputIndexCRLF(t *testing.T) {
	in := NewInput(32)
	require.NoError(t, in.Append([]byte("GET / HTTP/1.1\r\nHost")))
	assert.Equal(t, 14, in.IndexCRLF())

	require.NoError(t, in.Skip(16))
	assert.Equal(t, -1, in.IndexCRLF())
}

func TestInputAdopt(t *testing.T) {
	src := NewInput(32)
	require.NoError(t, src.Append([]byte("headersuffix")))
	require.NoError(t, src.Skip(6))

	dst := NewInput(16)
	require.NoError(t, dst.Append([]byte("stale")))
	require.NoError(t, dst.Adopt(src))

	assert.Equal(t, 6, dst.Len())
	s, err := dst.ReadString(6)
	require.NoError(t, err)
	assert.Equal(t, "suffix", s)
}

func TestInputAddDataReportsFull(t *testing.T) {
	in := NewInput(4)
	full, err := in.AddData(bytes.NewReader([]byte("abcdef")))
	require.NoError(t, err)
	assert.True(t, full)
	assert.Equal(t, 4, in.Len())

	// Consuming frees space; the next AddData compacts and refills.
	require.NoError(t, in.Skip(2))
	full, err = in.AddData(bytes.NewReader([]byte("ef")))
	require.NoError(t, err)
	assert.True(t, full)
	s, _ := in.ReadString(4)
	assert.Equal(t, "cdef", s)
}

func TestInputAddDataEOF(t *testing.T) {
	in := NewInput(8)
	full, err := in.AddData(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, full)
}

func TestInputSkipPastEnd(t *testing.T) {
	in := NewInput(8)
	require.NoError(t, in.Append([]byte("ab")))
	assert.ErrorIs(t, in.Skip(3), ErrShortRead)
}
