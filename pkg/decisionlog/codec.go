package decisionlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// frame layout: [length uint32][crc32 uint32][json payload]
const frameHeaderSize = 8

// maxFrameSize bounds a single record; anything larger is corruption.
const maxFrameSize = 1 << 20

var (
	// ErrCorrupt is returned when a complete frame fails validation.
	ErrCorrupt = errors.New("decision log corrupt")
	// ErrRecordTooLarge rejects a record that could not be read back.
	ErrRecordTooLarge = errors.New("decision log record too large")

	errTorn = errors.New("torn frame")
)

func encodeFrame(rec Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// decodeFrame reads one frame. It returns io.EOF at a clean end and errTorn
// when the input ends inside a frame.
func decodeFrame(r io.Reader) (Record, int, error) {
	var rec Record

	header := make([]byte, frameHeaderSize)
	n, err := io.ReadFull(r, header)
	if err == io.EOF {
		return rec, 0, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		return rec, n, errTorn
	}
	if err != nil {
		return rec, n, err
	}

	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if size == 0 || size > maxFrameSize {
		return rec, n, fmt.Errorf("%w: invalid frame size %d", ErrCorrupt, size)
	}

	payload := make([]byte, size)
	m, err := io.ReadFull(r, payload)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return rec, n + m, errTorn
	}
	if err != nil {
		return rec, n + m, err
	}

	if crc32.ChecksumIEEE(payload) != sum {
		return rec, n + m, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if err := json.Unmarshal(payload, &rec); err != nil {
		return rec, n + m, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return rec, n + m, nil
}

// scan decodes every complete frame from r. It returns the records, the
// offset just past the last complete frame and whether the input ended with
// a torn frame. A checksum failure on the final frame counts as torn; one
// followed by more data is corruption.
func scan(r io.Reader, total int64) ([]Record, int64, bool, error) {
	var (
		records []Record
		offset  int64
	)

	for {
		rec, n, err := decodeFrame(r)
		switch {
		case err == nil:
			records = append(records, rec)
			offset += int64(n)
		case err == io.EOF:
			return records, offset, false, nil
		case errors.Is(err, errTorn):
			return records, offset, true, nil
		case errors.Is(err, ErrCorrupt) && offset+int64(n) >= total:
			return records, offset, true, nil
		default:
			return records, offset, false, fmt.Errorf("at offset %d: %w", offset, err)
		}
	}
}
