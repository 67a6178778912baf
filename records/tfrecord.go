package records

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

var (
	ErrCorruptRecord = errors.New("corrupt record")

	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

const (
	headerSize = 8 + 4
	footerSize = 4
	maskDelta  = 0xa282ead8

	// maxRecordLength bounds the length a header may claim.
	maxRecordLength = math.MaxInt32
	// initialPayloadSize caps the up-front allocation; longer payloads grow
	// as bytes actually arrive.
	initialPayloadSize = 1 << 20
)

func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Reader reads length-delimited, checksummed records from a TFRecord stream.
type Reader struct {
	r      io.Reader
	header [headerSize]byte
	footer [footerSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record payload. It returns io.EOF at a clean end of
// stream and ErrCorruptRecord on a checksum mismatch or truncated record.
func (r *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read header: %w: %v", ErrCorruptRecord, err)
	}

	lengthBytes := r.header[:8]
	if got, want := binary.LittleEndian.Uint32(r.header[8:]), maskedCRC(lengthBytes); got != want {
		return nil, fmt.Errorf("length checksum %#x, want %#x: %w", got, want, ErrCorruptRecord)
	}

	length := binary.LittleEndian.Uint64(lengthBytes)
	if length > maxRecordLength {
		return nil, fmt.Errorf("record length %d exceeds %d: %w", length, maxRecordLength, ErrCorruptRecord)
	}

	payload := bytes.NewBuffer(make([]byte, 0, min(length, initialPayloadSize)))
	if n, err := io.CopyN(payload, r.r, int64(length)); err != nil {
		return nil, fmt.Errorf("read payload: got %d of %d bytes: %w: %v", n, length, ErrCorruptRecord, err)
	}
	data := payload.Bytes()
	if _, err := io.ReadFull(r.r, r.footer[:]); err != nil {
		return nil, fmt.Errorf("read footer: %w: %v", ErrCorruptRecord, err)
	}
	if got, want := binary.LittleEndian.Uint32(r.footer[:]), maskedCRC(data); got != want {
		return nil, fmt.Errorf("payload checksum %#x, want %#x: %w", got, want, ErrCorruptRecord)
	}

	return data, nil
}

type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(data []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	if _, err := w.w.Write(header[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if _, err := w.w.Write(footer[:]); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}
