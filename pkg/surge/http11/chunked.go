package http11

import (
	"github.com/yourusername/surge/pkg/surge/buffer"
)

// Chunked transfer decoding (RFC 9112 §7.1):
//
//	chunk        = chunk-size [ chunk-ext ] CRLF chunk-data CRLF
//	last-chunk   = 1*("0") [ chunk-ext ] CRLF
//	trailer      = *( field-line CRLF )
//	chunked-body = *chunk last-chunk trailer CRLF
//
// The decoder is incremental: step consumes whatever complete pieces are
// buffered and returns done=false when it needs more bytes. Chunk
// extensions are skipped; trailer fields are consumed and discarded.
type chunkedDecoder struct {
	phase     chunkPhase
	remaining int // bytes left in the current chunk
	footers   int // bytes consumed by the trailer section
}

type chunkPhase uint8

const (
	chunkPhaseSize chunkPhase = iota
	chunkPhaseData
	chunkPhaseDataCRLF
	chunkPhaseTrailers
	chunkPhaseDone
)

func (d *chunkedDecoder) reset() {
	d.phase = chunkPhaseSize
	d.remaining = 0
	d.footers = 0
}

// step decodes as much of the chunked body as is buffered, appending chunk
// data to body. Returns done=true once the terminating chunk and trailer
// section have been consumed. A nil error with done=false means more input
// is required.
func (d *chunkedDecoder) step(in *buffer.Input, body *[]byte, maxBody int) (bool, error) {
	for {
		switch d.phase {
		case chunkPhaseSize:
			idx := in.IndexCRLF()
			if idx < 0 {
				if in.Len() > MaxChunkSizeLength {
					return false, ErrChunkTooLarge
				}
				return false, nil
			}
			if idx > MaxChunkSizeLength {
				return false, ErrChunkTooLarge
			}
			line, err := in.ReadString(idx)
			if err != nil {
				return false, err
			}
			if err := in.Skip(2); err != nil {
				return false, err
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return false, err
			}
			if size == 0 {
				d.phase = chunkPhaseTrailers
				continue
			}
			if maxBody > 0 && len(*body)+size > maxBody {
				return false, ErrBodyTooLarge
			}
			d.remaining = size
			d.phase = chunkPhaseData

		case chunkPhaseData:
			avail := in.Len()
			if avail == 0 {
				return false, nil
			}
			n := d.remaining
			if avail < n {
				n = avail
			}
			data, err := in.ReadString(n)
			if err != nil {
				return false, err
			}
			*body = append(*body, data...)
			d.remaining -= n
			if d.remaining == 0 {
				d.phase = chunkPhaseDataCRLF
			}

		case chunkPhaseDataCRLF:
			if !in.Available(2) {
				return false, nil
			}
			if !in.PrefixMatch([]byte("\r\n")) {
				return false, ErrChunkedEncoding
			}
			if err := in.Skip(2); err != nil {
				return false, err
			}
			d.phase = chunkPhaseSize

		case chunkPhaseTrailers:
			// Trailer fields until a bare CRLF; everything is discarded.
			idx := in.IndexCRLF()
			if idx < 0 {
				if in.Len()+d.footers > MaxChunkFootersLength {
					return false, ErrChunkedEncoding
				}
				return false, nil
			}
			d.footers += idx + 2
			if d.footers > MaxChunkFootersLength {
				return false, ErrChunkedEncoding
			}
			if err := in.Skip(idx + 2); err != nil {
				return false, err
			}
			if idx == 0 {
				d.phase = chunkPhaseDone
				return true, nil
			}

		case chunkPhaseDone:
			return true, nil
		}
	}
}

// parseChunkSize parses the hex size, ignoring any ";ext" suffix. The size
// is capped at 7 hex digits (2^28-1).
func parseChunkSize(line string) (int, error) {
	size := 0
	digits := 0
	for i := 0; i < len(line); i++ {
		c := line[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		case c == ';':
			if digits == 0 {
				return 0, ErrChunkedEncoding
			}
			return size, nil
		default:
			return 0, ErrChunkedEncoding
		}
		digits++
		if digits > MaxChunkHexDigits {
			return 0, ErrChunkTooLarge
		}
		size = size<<4 | v
	}
	if digits == 0 {
		return 0, ErrChunkedEncoding
	}
	return size, nil
}
